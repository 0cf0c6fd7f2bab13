// Package instance tracks connector instances: live status, rolling health,
// in-flight counts and each instance's rate governor.
package instance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/governor"
	"campaignd/internal/observability"
	"campaignd/internal/rotation"
	"campaignd/internal/util"
)

// Connector is the opaque per-instance messaging connection. The gateway
// client implements it; tests plug in fakes.
type Connector interface {
	SendMessage(ctx context.Context, to, body string) (providerMsgID string, err error)
	SendTyping(ctx context.Context, to string) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	State(ctx context.Context) (domain.InstanceStatus, error)
}

type ConnectorFactory func(inst domain.Instance) Connector

type Store interface {
	ListInstances(ctx context.Context) ([]domain.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status domain.InstanceStatus, now time.Time) error
	UpdateInstanceHealth(ctx context.Context, id string, health float64, now time.Time) error
}

// Health scoring: EWMA over send outcomes, with slow sends scored between
// success and failure so latency drags the ratio down.
const (
	healthAlpha     = 0.2
	slowSendScore   = 0.7
	slowSendLatency = 2 * time.Second
)

// Handle is one instance's runtime state. Status and health are read by the
// scheduler and selector; the governor and in-flight gauge belong to the
// instance's worker.
type Handle struct {
	id   string
	conn Connector
	gov  *governor.Governor

	mu       sync.RWMutex
	inst     domain.Instance
	inflight atomic.Int64
}

func (h *Handle) ID() string                   { return h.id }
func (h *Handle) Connector() Connector         { return h.conn }
func (h *Handle) Governor() *governor.Governor { return h.gov }
func (h *Handle) InFlight() int                { return int(h.inflight.Load()) }

func (h *Handle) Snapshot() domain.Instance {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst
}

func (h *Handle) Status() domain.InstanceStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst.Status
}

func (h *Handle) Health() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst.Health
}

func (h *Handle) Throttle() domain.ThrottleLimits {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst.Throttle
}

func (h *Handle) WebhookSecret() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inst.WebhookSecret
}

func (h *Handle) BeginSend() {
	n := h.inflight.Add(1)
	observability.InFlightJobs.WithLabelValues(h.id).Set(float64(n))
}

func (h *Handle) EndSend() {
	n := h.inflight.Add(-1)
	observability.InFlightJobs.WithLabelValues(h.id).Set(float64(n))
}

// StatusListener is notified after an instance's status changes; the worker
// pool uses it to start and stop per-instance workers.
type StatusListener func(id string, status domain.InstanceStatus)

type Pool struct {
	store   Store
	factory ConnectorFactory
	clock   util.Clock

	mu        sync.RWMutex
	handles   map[string]*Handle
	listeners []StatusListener
}

func NewPool(store Store, factory ConnectorFactory, clock util.Clock) *Pool {
	return &Pool{
		store:   store,
		factory: factory,
		clock:   clock,
		handles: make(map[string]*Handle),
	}
}

// Load registers every stored instance. Instances recorded as connected are
// trusted until a connector event says otherwise.
func (p *Pool) Load(ctx context.Context) error {
	instances, err := p.store.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		p.Register(inst)
	}
	return nil
}

func (p *Pool) Register(inst domain.Instance) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.handles[inst.ID]; ok {
		h.mu.Lock()
		h.inst = inst
		h.mu.Unlock()
		return h
	}
	h := &Handle{
		id:   inst.ID,
		conn: p.factory(inst),
		gov:  governor.New(inst.Throttle, p.clock),
		inst: inst,
	}
	p.handles[inst.ID] = h
	return h
}

func (p *Pool) Get(id string) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[id]
	return h, ok
}

func (p *Pool) List() []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		out = append(out, h)
	}
	return out
}

func (p *Pool) Subscribe(fn StatusListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// SetStatus records a status change (connector command or webhook
// connection-update) and fans it out to listeners.
func (p *Pool) SetStatus(ctx context.Context, id string, status domain.InstanceStatus) error {
	h, ok := p.Get(id)
	if !ok {
		return nil
	}
	h.mu.Lock()
	prev := h.inst.Status
	h.inst.Status = status
	h.mu.Unlock()
	if prev == status {
		return nil
	}
	if err := p.store.UpdateInstanceStatus(ctx, id, status, p.clock.Now()); err != nil {
		slog.Error("persist instance status failed", "err", err, "instance_id", id, "status", status)
	}
	p.mu.RLock()
	listeners := append([]StatusListener(nil), p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(id, status)
	}
	return nil
}

func (p *Pool) Connect(ctx context.Context, id string) error {
	h, ok := p.Get(id)
	if !ok {
		return ErrUnknownInstance
	}
	_ = p.SetStatus(ctx, id, domain.InstanceConnecting)
	if err := h.conn.Connect(ctx); err != nil {
		_ = p.SetStatus(ctx, id, domain.InstanceFailed)
		return err
	}
	return p.SetStatus(ctx, id, domain.InstanceConnected)
}

func (p *Pool) Disconnect(ctx context.Context, id string) error {
	h, ok := p.Get(id)
	if !ok {
		return ErrUnknownInstance
	}
	if err := h.conn.Disconnect(ctx); err != nil {
		return err
	}
	return p.SetStatus(ctx, id, domain.InstanceDisconnected)
}

func (p *Pool) Restart(ctx context.Context, id string) error {
	if err := p.Disconnect(ctx, id); err != nil {
		return err
	}
	return p.Connect(ctx, id)
}

// RecordOutcome folds one send result into the instance's rolling health.
func (p *Pool) RecordOutcome(ctx context.Context, id string, success bool, latency time.Duration) {
	h, ok := p.Get(id)
	if !ok {
		return
	}
	score := 0.0
	if success {
		score = 1.0
		if latency > slowSendLatency {
			score = slowSendScore
		}
	}
	h.mu.Lock()
	h.inst.Health = healthAlpha*score + (1-healthAlpha)*h.inst.Health
	health := h.inst.Health
	h.mu.Unlock()
	if err := p.store.UpdateInstanceHealth(ctx, id, health, p.clock.Now()); err != nil {
		slog.Error("persist instance health failed", "err", err, "instance_id", id)
	}
}

// Candidates snapshots the rotation inputs for the given instance ids (all
// instances when ids is empty).
func (p *Pool) Candidates(ids []string) []rotation.Candidate {
	var handles []*Handle
	if len(ids) == 0 {
		handles = p.List()
	} else {
		for _, id := range ids {
			if h, ok := p.Get(id); ok {
				handles = append(handles, h)
			}
		}
	}
	out := make([]rotation.Candidate, 0, len(handles))
	for _, h := range handles {
		out = append(out, rotation.Candidate{
			ID:        h.ID(),
			Connected: h.Status() == domain.InstanceConnected,
			HasQuota:  h.Governor().HasQuota(),
			Health:    h.Health(),
			InFlight:  h.InFlight(),
		})
	}
	return out
}
