package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"campaignd/internal/alert"
	"campaignd/internal/domain"
	"campaignd/internal/instance"
	"campaignd/internal/providers/gateway"
	"campaignd/internal/store"
	"campaignd/internal/store/memory"
	"campaignd/internal/util"
)

// scriptConn fails every send with err, or succeeds returning msgID.
type scriptConn struct {
	mu    sync.Mutex
	msgID string
	err   error
	sent  []string
}

func (c *scriptConn) SendMessage(_ context.Context, to, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to)
	if c.err != nil {
		return "", c.err
	}
	return c.msgID, nil
}

func (c *scriptConn) SendTyping(context.Context, string) error { return nil }
func (c *scriptConn) Connect(context.Context) error            { return nil }
func (c *scriptConn) Disconnect(context.Context) error         { return nil }
func (c *scriptConn) State(context.Context) (domain.InstanceStatus, error) {
	return domain.InstanceConnected, nil
}

func buildWorker(t *testing.T, mem *memory.Store, st Store, conn instance.Connector, throttle domain.ThrottleLimits) (*worker, *instance.Pool, *util.FakeClock) {
	t.Helper()
	ctx := context.Background()
	clock := util.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	ipool := instance.NewPool(mem, func(domain.Instance) instance.Connector { return conn }, clock)
	inst := domain.Instance{ID: "inst_1", Status: domain.InstanceConnected, Throttle: throttle}
	if err := mem.UpsertInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}
	h := ipool.Register(inst)
	alerts := alert.NewEmitter(mem, nil, clock, 10, 0.5)
	p := NewPool(st, ipool, alerts, clock, Config{IdleWait: time.Millisecond})
	w := &worker{
		pool:   p,
		handle: h,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway-test",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}
	return w, ipool, clock
}

func seedRunning(t *testing.T, mem *memory.Store, clock *util.FakeClock, job domain.MessageJob) {
	t.Helper()
	ctx := context.Background()
	if err := mem.UpsertCampaign(ctx, domain.Campaign{
		ID: "cmp_1", Status: domain.CampaignRunning,
		Metrics: domain.CampaignMetrics{Total: 1, Pending: 1},
	}); err != nil {
		t.Fatal(err)
	}
	if job.ID == "" {
		job.ID = "job_1"
	}
	job.CampaignID = "cmp_1"
	if job.State == "" {
		job.State = domain.JobPending
	}
	if job.InstanceID == "" {
		job.InstanceID = "inst_1"
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = clock.Now()
	}
	if err := mem.InsertJobs(ctx, []domain.MessageJob{job}); err != nil {
		t.Fatal(err)
	}
}

func getJob(t *testing.T, mem *memory.Store, id string) domain.MessageJob {
	t.Helper()
	j, ok, err := mem.GetJob(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("job %s: ok=%v err=%v", id, ok, err)
	}
	return j
}

func getMetrics(t *testing.T, mem *memory.Store) domain.CampaignMetrics {
	t.Helper()
	c, ok, err := mem.GetCampaign(context.Background(), "cmp_1")
	if err != nil || !ok {
		t.Fatalf("campaign: ok=%v err=%v", ok, err)
	}
	return c.Metrics
}

func TestBatchDeliversAndRecordsSent(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{msgID: "wamid.123"}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+5511900000001"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobSent {
		t.Fatalf("state = %s, want sent", j.State)
	}
	if j.ProviderMsgID != "wamid.123" || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
	if m := getMetrics(t, mem); m.Sent != 1 || m.Pending != 0 {
		t.Fatalf("metrics = %+v, want sent=1 pending=0", m)
	}
	if len(conn.sent) != 1 || conn.sent[0] != "+5511900000001" {
		t.Fatalf("sends = %v", conn.sent)
	}
}

func TestBatchPacesSendsAtPerSecondCeiling(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{msgID: "wamid.9"}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{PerSecond: 1, PerBatch: 3})
	ctx := context.Background()

	if err := mem.UpsertCampaign(ctx, domain.Campaign{
		ID: "cmp_1", Status: domain.CampaignRunning,
		Metrics: domain.CampaignMetrics{Total: 3, Pending: 3},
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.InsertJobs(ctx, []domain.MessageJob{
		{ID: "job_1", CampaignID: "cmp_1", InstanceID: "inst_1", Phone: "+5511900000001", State: domain.JobPending, ScheduledAt: clock.Now()},
		{ID: "job_2", CampaignID: "cmp_1", InstanceID: "inst_1", Phone: "+5511900000002", State: domain.JobPending, ScheduledAt: clock.Now()},
		{ID: "job_3", CampaignID: "cmp_1", InstanceID: "inst_1", Phone: "+5511900000003", State: domain.JobPending, ScheduledAt: clock.Now()},
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := w.batch(ctx); err != nil {
		t.Fatalf("batch: %v", err)
	}

	// first send is immediate, the second and third each wait out a full token
	if elapsed := time.Since(start); elapsed < 1900*time.Millisecond {
		t.Fatalf("3 sends at perSecond=1 completed in %v, want >= ~2s", elapsed)
	}
	for _, id := range []string{"job_1", "job_2", "job_3"} {
		if j := getJob(t, mem, id); j.State != domain.JobSent {
			t.Fatalf("%s state = %s, want sent", id, j.State)
		}
	}
	if m := getMetrics(t, mem); m.Sent != 3 || m.Pending != 0 {
		t.Fatalf("metrics = %+v, want sent=3 pending=0", m)
	}
	if len(conn.sent) != 3 {
		t.Fatalf("connector saw %d sends, want 3", len(conn.sent))
	}
}

func TestPermanentErrorFailsJob(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeInvalidRecipient, HTTPStatus: 400, Err: errors.New("bad recipient"),
	}}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{MaxRetries: 3})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobFailed {
		t.Fatalf("state = %s, want failed", j.State)
	}
	if j.Attempts != 1 || j.LastError == "" {
		t.Fatalf("job = %+v", j)
	}
	if m := getMetrics(t, mem); m.Failed != 1 || m.Pending != 0 {
		t.Fatalf("metrics = %+v, want failed=1 pending=0", m)
	}
}

func TestTransientErrorSchedulesRetry(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeBusy, HTTPStatus: 502, Err: errors.New("busy"),
	}}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{MaxRetries: 3, RetryDelay: time.Second})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobRetrying {
		t.Fatalf("state = %s, want retrying", j.State)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if want := clock.Now().Add(time.Second); !j.ScheduledAt.Equal(want) {
		t.Fatalf("scheduledAt = %v, want %v", j.ScheduledAt, want)
	}
	// metrics unchanged: retrying still counts as pending
	if m := getMetrics(t, mem); m.Pending != 1 || m.Failed != 0 {
		t.Fatalf("metrics = %+v", m)
	}

	// not claimable until the backoff elapses
	ctx := context.Background()
	claimed, _ := mem.ClaimJobs(ctx, claimFor(w, clock.Now()))
	if len(claimed) != 0 {
		t.Fatalf("claimed %d jobs before backoff", len(claimed))
	}
	clock.Advance(2 * time.Second)
	claimed, _ = mem.ClaimJobs(ctx, claimFor(w, clock.Now()))
	if len(claimed) != 1 {
		t.Fatalf("claimed %d jobs after backoff, want 1", len(claimed))
	}
}

func TestRetriesExhaustedFails(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeBusy, HTTPStatus: 502, Err: errors.New("busy"),
	}}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{MaxRetries: 2})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100", State: domain.JobRetrying, Attempts: 2})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobFailed {
		t.Fatalf("state = %s, want failed", j.State)
	}
	if j.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", j.Attempts)
	}
}

func TestNotConnectedDefersWithoutCharge(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeNotConnected, HTTPStatus: 409, Err: errors.New("not connected"),
	}}
	w, ipool, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{MaxRetries: 3})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobPending {
		t.Fatalf("state = %s, want pending", j.State)
	}
	if j.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (no charge)", j.Attempts)
	}
	if j.InstanceID != "" {
		t.Fatalf("job still assigned to %q, want unassigned", j.InstanceID)
	}
	if m := getMetrics(t, mem); m.Pending != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	h, _ := ipool.Get("inst_1")
	if h.Status() != domain.InstanceDisconnected {
		t.Fatalf("instance status = %s, want disconnected", h.Status())
	}
	alerts, _ := mem.ListAlerts(context.Background(), false, 0)
	found := false
	for _, a := range alerts {
		if a.Type == alert.TypeConnectorLost && a.EntityID == "inst_1" {
			found = true
		}
	}
	if !found {
		t.Fatal("no connector-lost alert raised")
	}
}

func TestRateLimitSignalDampensGovernor(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeRateLimited, HTTPStatus: 429, Err: errors.New("slow down"),
	}}
	w, _, clock := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{PerSecond: 10, MaxRetries: 3})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	if d := w.handle.Governor().Damping(clock.Now()); d != 0.5 {
		t.Fatalf("damping = %v, want 0.5 after rate-limit signal", d)
	}
	if j := getJob(t, mem, "job_1"); j.State != domain.JobRetrying {
		t.Fatalf("state = %s, want retrying", j.State)
	}
}

// pausedStore flips the campaign to paused after a successful claim, modeling
// an admin pause racing the worker.
type pausedStore struct {
	*memory.Store
}

func (s *pausedStore) ClaimJobs(ctx context.Context, in store.JobClaim) ([]domain.MessageJob, error) {
	jobs, err := s.Store.ClaimJobs(ctx, in)
	if err == nil && len(jobs) > 0 {
		c, _, _ := s.Store.GetCampaign(ctx, jobs[0].CampaignID)
		c.Status = domain.CampaignPaused
		_ = s.Store.UpsertCampaign(ctx, c)
	}
	return jobs, err
}

func TestPausedAfterClaimPutsJobBack(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{msgID: "wamid.1"}
	w, _, clock := buildWorker(t, mem, &pausedStore{Store: mem}, conn, domain.ThrottleLimits{})
	seedRunning(t, mem, clock, domain.MessageJob{Phone: "+551100"})

	if err := w.batch(context.Background()); err != nil {
		t.Fatalf("batch: %v", err)
	}

	j := getJob(t, mem, "job_1")
	if j.State != domain.JobPending {
		t.Fatalf("state = %s, want pending", j.State)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("sent %d messages for a paused campaign", len(conn.sent))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	mem := memory.New()
	conn := &scriptConn{err: &gateway.CallError{
		Code: gateway.CodeBusy, HTTPStatus: 502, Err: errors.New("busy"),
	}}
	w, _, _ := buildWorker(t, mem, mem, conn, domain.ThrottleLimits{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := w.send(ctx, conn, "+551100", "hi"); err == nil {
			t.Fatalf("send %d unexpectedly succeeded", i)
		}
	}
	_, err := w.send(ctx, conn, "+551100", "hi")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want breaker open", err)
	}
	if got := len(conn.sent); got != 10 {
		t.Fatalf("connector saw %d calls, want 10 (breaker short-circuits)", got)
	}
}

func claimFor(w *worker, now time.Time) store.JobClaim {
	return store.JobClaim{InstanceID: w.handle.ID(), Limit: 10, Now: now, StaleAfter: w.pool.cfg.ClaimStale}
}
