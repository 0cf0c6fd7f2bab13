package instance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/store/memory"
	"campaignd/internal/util"
)

type fakeConn struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
}

func (c *fakeConn) SendMessage(context.Context, string, string) (string, error) { return "", nil }
func (c *fakeConn) SendTyping(context.Context, string) error                    { return nil }
func (c *fakeConn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return c.connectErr
}
func (c *fakeConn) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}
func (c *fakeConn) State(context.Context) (domain.InstanceStatus, error) {
	return domain.InstanceConnected, nil
}

func newPool(t *testing.T, conn Connector) (*Pool, *memory.Store) {
	t.Helper()
	mem := memory.New()
	clock := util.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewPool(mem, func(domain.Instance) Connector { return conn }, clock), mem
}

func TestLoadRegistersStoredInstances(t *testing.T) {
	pool, mem := newPool(t, &fakeConn{})
	ctx := context.Background()
	for _, id := range []string{"inst_1", "inst_2"} {
		if err := mem.UpsertInstance(ctx, domain.Instance{ID: id, Status: domain.InstanceConnected}); err != nil {
			t.Fatal(err)
		}
	}

	if err := pool.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(pool.List()); got != 2 {
		t.Fatalf("got %d handles, want 2", got)
	}
	if _, ok := pool.Get("inst_1"); !ok {
		t.Fatal("inst_1 not registered")
	}
}

func TestConnectTransitionsAndNotifies(t *testing.T) {
	conn := &fakeConn{}
	pool, mem := newPool(t, conn)
	ctx := context.Background()
	inst := domain.Instance{ID: "inst_1", Status: domain.InstanceDisconnected}
	if err := mem.UpsertInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	pool.Register(inst)

	var mu sync.Mutex
	var seen []domain.InstanceStatus
	pool.Subscribe(func(_ string, status domain.InstanceStatus) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	})

	if err := pool.Connect(ctx, "inst_1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h, _ := pool.Get("inst_1")
	if h.Status() != domain.InstanceConnected {
		t.Fatalf("status = %s, want connected", h.Status())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != domain.InstanceConnecting || seen[1] != domain.InstanceConnected {
		t.Fatalf("listener saw %v", seen)
	}
	// persisted
	stored, _, _ := mem.GetInstance(ctx, "inst_1")
	if stored.Status != domain.InstanceConnected {
		t.Fatalf("stored status = %s, want connected", stored.Status)
	}
}

func TestConnectFailureMarksFailed(t *testing.T) {
	conn := &fakeConn{connectErr: errors.New("gateway down")}
	pool, _ := newPool(t, conn)
	pool.Register(domain.Instance{ID: "inst_1", Status: domain.InstanceDisconnected})

	if err := pool.Connect(context.Background(), "inst_1"); err == nil {
		t.Fatal("expected connect error")
	}
	h, _ := pool.Get("inst_1")
	if h.Status() != domain.InstanceFailed {
		t.Fatalf("status = %s, want failed", h.Status())
	}
}

func TestUnknownInstanceCommands(t *testing.T) {
	pool, _ := newPool(t, &fakeConn{})
	ctx := context.Background()
	if err := pool.Connect(ctx, "ghost"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("connect err = %v, want ErrUnknownInstance", err)
	}
	if err := pool.Disconnect(ctx, "ghost"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("disconnect err = %v, want ErrUnknownInstance", err)
	}
}

func TestSetStatusSkipsNoopAndNotifiesChange(t *testing.T) {
	pool, _ := newPool(t, &fakeConn{})
	pool.Register(domain.Instance{ID: "inst_1", Status: domain.InstanceConnected})

	calls := 0
	pool.Subscribe(func(string, domain.InstanceStatus) { calls++ })

	_ = pool.SetStatus(context.Background(), "inst_1", domain.InstanceConnected)
	if calls != 0 {
		t.Fatalf("no-op status change notified %d listeners", calls)
	}
	_ = pool.SetStatus(context.Background(), "inst_1", domain.InstanceDisconnected)
	if calls != 1 {
		t.Fatalf("got %d notifications, want 1", calls)
	}
}

func TestRecordOutcomeEWMA(t *testing.T) {
	pool, mem := newPool(t, &fakeConn{})
	ctx := context.Background()
	inst := domain.Instance{ID: "inst_1", Status: domain.InstanceConnected, Health: 0.5}
	if err := mem.UpsertInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	pool.Register(inst)
	h, _ := pool.Get("inst_1")

	approx := func(got, want float64) {
		t.Helper()
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("health = %v, want %v", got, want)
		}
	}

	pool.RecordOutcome(ctx, "inst_1", true, 100*time.Millisecond)
	approx(h.Health(), 0.2*1.0+0.8*0.5) // 0.6

	// slow success scores below a clean one
	pool.RecordOutcome(ctx, "inst_1", true, 3*time.Second)
	approx(h.Health(), 0.2*0.7+0.8*0.6) // 0.62

	pool.RecordOutcome(ctx, "inst_1", false, 100*time.Millisecond)
	approx(h.Health(), 0.8*0.62) // 0.496

	stored, _, _ := mem.GetInstance(ctx, "inst_1")
	approx(stored.Health, h.Health())
}

func TestCandidatesSnapshot(t *testing.T) {
	pool, _ := newPool(t, &fakeConn{})
	pool.Register(domain.Instance{ID: "inst_up", Status: domain.InstanceConnected, Health: 0.9})
	pool.Register(domain.Instance{ID: "inst_down", Status: domain.InstanceDisconnected, Health: 0.4})

	cands := pool.Candidates([]string{"inst_up", "inst_down", "inst_ghost"})
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2 (unknown ids dropped)", len(cands))
	}
	byID := map[string]bool{}
	for _, c := range cands {
		byID[c.ID] = c.Connected
	}
	if !byID["inst_up"] || byID["inst_down"] {
		t.Fatalf("connected flags wrong: %v", byID)
	}

	all := pool.Candidates(nil)
	if len(all) != 2 {
		t.Fatalf("empty filter returned %d candidates, want all 2", len(all))
	}
}

func TestBeginEndSendTracksInFlight(t *testing.T) {
	pool, _ := newPool(t, &fakeConn{})
	h := pool.Register(domain.Instance{ID: "inst_1", Status: domain.InstanceConnected})

	h.BeginSend()
	h.BeginSend()
	if h.InFlight() != 2 {
		t.Fatalf("inflight = %d, want 2", h.InFlight())
	}
	h.EndSend()
	if h.InFlight() != 1 {
		t.Fatalf("inflight = %d, want 1", h.InFlight())
	}
}
