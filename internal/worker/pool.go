// Package worker runs one delivery loop per connected instance. Each loop
// claims batches of due jobs for its instance, paces them through the
// instance's governor and pushes them out through the gateway connector
// behind a circuit breaker.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"campaignd/internal/alert"
	"campaignd/internal/antispam"
	"campaignd/internal/domain"
	"campaignd/internal/instance"
	"campaignd/internal/observability"
	"campaignd/internal/providers/gateway"
	"campaignd/internal/store"
	"campaignd/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ClaimJobs(ctx context.Context, in store.JobClaim) ([]domain.MessageJob, error)
	UpdateJobOutcome(ctx context.Context, in store.JobOutcome) error
	UpdateJobStateCAS(ctx context.Context, id string, from, to domain.JobState, lastError string, now time.Time) (bool, error)
	AssignJob(ctx context.Context, jobID, instanceID string, now time.Time) error
	ApplyMetricsDelta(ctx context.Context, id string, d store.MetricsDelta, now time.Time) error
}

type Config struct {
	// IdleWait is the sleep between claims that return nothing.
	IdleWait time.Duration
	// ClaimStale is how long an in-flight job may sit unmodified before a
	// worker restart reclaims it.
	ClaimStale time.Duration
	// SendTimeout bounds one gateway call.
	SendTimeout time.Duration
}

// Pool starts and stops instance workers as the instance pool reports
// connection changes.
type Pool struct {
	store     Store
	instances *instance.Pool
	alerts    *alert.Emitter
	clock     util.Clock
	cfg       Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(st Store, instances *instance.Pool, alerts *alert.Emitter, clock util.Clock, cfg Config) *Pool {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	if cfg.ClaimStale <= 0 {
		cfg.ClaimStale = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Pool{
		store:     st,
		instances: instances,
		alerts:    alerts,
		clock:     clock,
		cfg:       cfg,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Run subscribes to instance status changes and blocks until ctx is done,
// then waits for every worker to drain.
func (p *Pool) Run(ctx context.Context) error {
	p.instances.Subscribe(func(id string, status domain.InstanceStatus) {
		if status == domain.InstanceConnected {
			p.startWorker(ctx, id)
		} else {
			p.stopWorker(id)
		}
	})
	for _, h := range p.instances.List() {
		if h.Status() == domain.InstanceConnected {
			p.startWorker(ctx, h.ID())
		}
	}
	<-ctx.Done()
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return ctx.Err()
}

func (p *Pool) startWorker(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, running := p.cancels[id]; running {
		return
	}
	h, ok := p.instances.Get(id)
	if !ok {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	p.cancels[id] = cancel
	w := &worker{
		pool:   p,
		handle: h,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway-" + id,
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(wctx)
	}()
	slog.Info("instance worker started", "instance_id", id)
}

func (p *Pool) stopWorker(id string) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	if ok {
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	if ok {
		cancel()
		slog.Info("instance worker stopped", "instance_id", id)
	}
}

type worker struct {
	pool    *Pool
	handle  *instance.Handle
	breaker *gobreaker.CircuitBreaker
}

func (w *worker) run(ctx context.Context) {
	for {
		if err := w.batch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("worker batch failed", "err", err, "instance_id", w.handle.ID())
			if !sleep(ctx, w.pool.cfg.IdleWait) {
				return
			}
		}
	}
}

// batch claims one batch, reorders it to keep near-duplicates apart, and
// sends the jobs one at a time. Sends through a single instance are
// deliberately serial: the pacing contract is per instance.
func (w *worker) batch(ctx context.Context) error {
	limits := w.handle.Throttle()
	perBatch := limits.PerBatch
	if perBatch <= 0 {
		perBatch = 1
	}
	jobs, err := w.pool.store.ClaimJobs(ctx, store.JobClaim{
		InstanceID: w.handle.ID(),
		Limit:      perBatch,
		Now:        w.pool.clock.Now(),
		StaleAfter: w.pool.cfg.ClaimStale,
	})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		if !sleep(ctx, w.pool.cfg.IdleWait) {
			return ctx.Err()
		}
		return nil
	}

	campaigns := make(map[string]domain.Campaign)
	spread := false
	for _, j := range jobs {
		c, ok := campaigns[j.CampaignID]
		if !ok {
			c, ok, err = w.pool.store.GetCampaign(ctx, j.CampaignID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			campaigns[j.CampaignID] = c
		}
		if c.AntiSpam.AvoidSimilarMessages {
			spread = true
		}
	}
	if spread {
		jobs = antispam.SpaceSimilar(jobs)
	}

	for _, j := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c, ok := campaigns[j.CampaignID]
		if !ok || c.Status != domain.CampaignRunning {
			// campaign was paused or canceled after the claim; put the job back
			_, _ = w.pool.store.UpdateJobStateCAS(ctx, j.ID, domain.JobInFlight, domain.JobPending, "", w.pool.clock.Now())
			continue
		}
		w.deliver(ctx, j, c)
	}

	if limits.BatchDelay > 0 {
		if !sleep(ctx, limits.BatchDelay) {
			return ctx.Err()
		}
	}
	return nil
}

// deliver performs one attempt for a claimed job and records the outcome.
func (w *worker) deliver(ctx context.Context, job domain.MessageJob, c domain.Campaign) {
	gov := w.handle.Governor()
	spam := c.AntiSpam
	seed := antispam.Seed(job.ID)
	instanceID := w.handle.ID()

	if err := gov.Acquire(ctx, spam.AdaptiveThrottling); err != nil {
		// shutdown mid-wait; the claim goes stale and is reclaimed later
		return
	}
	observability.GovernorWaits.WithLabelValues(instanceID, "admitted").Inc()

	if d := gov.PreSendDelay(spam, seed); d > 0 {
		if !sleep(ctx, d) {
			return
		}
	}

	conn := w.handle.Connector()
	if spam.SendTyping {
		if err := conn.SendTyping(ctx, job.Phone); err == nil && spam.TypingTime > 0 {
			if !sleep(ctx, spam.TypingTime) {
				return
			}
		}
	}

	body := job.Body
	if spam.RandomizeContent {
		body = antispam.Vary(body, seed)
	}

	w.handle.BeginSend()
	start := w.pool.clock.Now()
	msgID, err := w.send(ctx, conn, job.Phone, body)
	latency := w.pool.clock.Now().Sub(start)
	w.handle.EndSend()

	now := w.pool.clock.Now()
	attempts := job.Attempts + 1

	if err == nil {
		observability.GatewaySend.WithLabelValues(instanceID, "ok").Inc()
		observability.GatewayLatency.Observe(latency.Seconds())
		out := store.JobOutcome{
			ID: job.ID, State: domain.JobSent, Attempts: attempts, ProviderMsgID: msgID, Now: now,
		}
		if uerr := w.pool.store.UpdateJobOutcome(ctx, out); uerr != nil {
			slog.Error("record sent outcome failed", "err", uerr, "job_id", job.ID)
			return
		}
		_ = w.pool.store.ApplyMetricsDelta(ctx, job.CampaignID, store.MetricsDelta{Sent: 1, Pending: -1}, now)
		w.pool.instances.RecordOutcome(ctx, instanceID, true, latency)
		w.pool.alerts.RecordSendOutcome(ctx, job.CampaignID, true)
		if cooldown := gov.NoteSend(spam, seed); cooldown > 0 {
			sleep(ctx, cooldown)
		}
		return
	}

	var ce *gateway.CallError
	code := ""
	if errors.As(err, &ce) {
		code = ce.Code
	}
	observability.GatewaySend.WithLabelValues(instanceID, "error").Inc()
	slog.Warn("gateway send failed", "err", err, "job_id", job.ID, "instance_id", instanceID,
		"code", code, "attempt", strconv.Itoa(attempts))

	if gateway.IsRateLimited(err) {
		gov.OnRateLimitSignal(now)
		observability.GovernorWaits.WithLabelValues(instanceID, "rate_limited").Inc()
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) || gateway.IsNotConnected(err) {
		// provider protection or a dead connector: no attempt is charged, the
		// job goes back to the queue unassigned so rotation can move it
		if changed, _ := w.pool.store.UpdateJobStateCAS(ctx, job.ID, domain.JobInFlight, domain.JobPending, err.Error(), now); changed {
			_ = w.pool.store.AssignJob(ctx, job.ID, "", now)
		}
		if gateway.IsNotConnected(err) {
			_ = w.pool.instances.SetStatus(ctx, instanceID, domain.InstanceDisconnected)
			w.pool.alerts.ConnectorLost(ctx, instanceID)
		}
		return
	}

	gov.ResetStreak()
	w.pool.instances.RecordOutcome(ctx, instanceID, false, latency)

	if gateway.ShouldRetry(err) && attempts <= w.handle.Throttle().MaxRetries {
		next := now.Add(gateway.Backoff(w.handle.Throttle().RetryDelay, job.Attempts))
		out := store.JobOutcome{
			ID: job.ID, State: domain.JobRetrying, Attempts: attempts, LastError: err.Error(), ScheduledAt: next, Now: now,
		}
		if uerr := w.pool.store.UpdateJobOutcome(ctx, out); uerr != nil {
			slog.Error("record retry outcome failed", "err", uerr, "job_id", job.ID)
		}
		return
	}

	out := store.JobOutcome{
		ID: job.ID, State: domain.JobFailed, Attempts: attempts, LastError: err.Error(), Now: now,
	}
	if uerr := w.pool.store.UpdateJobOutcome(ctx, out); uerr != nil {
		slog.Error("record failed outcome failed", "err", uerr, "job_id", job.ID)
		return
	}
	_ = w.pool.store.ApplyMetricsDelta(ctx, job.CampaignID, store.MetricsDelta{Failed: 1, Pending: -1}, now)
	w.pool.alerts.RecordSendOutcome(ctx, job.CampaignID, false)
}

func (w *worker) send(ctx context.Context, conn instance.Connector, to, body string) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.SendTimeout)
		defer cancel()
		return conn.SendMessage(reqCtx, to, body)
	}
	res, err := w.breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
