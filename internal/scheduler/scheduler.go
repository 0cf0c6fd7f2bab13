// Package scheduler owns campaign lifecycle: the periodic tick loop, the
// status state machine, job materialization and instance assignment. Every
// status change is a compare-and-set through the store, so concurrent ticks
// or admin commands never double-apply a transition.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campaignd/internal/alert"
	"campaignd/internal/antispam"
	"campaignd/internal/domain"
	"campaignd/internal/instance"
	"campaignd/internal/observability"
	"campaignd/internal/rotation"
	"campaignd/internal/store"
	"campaignd/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error)
	TransitionCampaign(ctx context.Context, in store.CampaignTransition) (bool, error)
	SetCampaignSchedule(ctx context.Context, id string, nextRunAt, now time.Time) error
	SetCampaignSnapshot(ctx context.Context, id string, spam domain.AntiSpamConfig, metrics domain.CampaignMetrics, now time.Time) error
	ApplyMetricsDelta(ctx context.Context, id string, d store.MetricsDelta, now time.Time) error

	InsertJobs(ctx context.Context, jobs []domain.MessageJob) error
	ListJobs(ctx context.Context, campaignID string, states ...domain.JobState) ([]domain.MessageJob, error)
	CountActiveJobs(ctx context.Context, campaignID string) (int, error)
	ResetFailedJobs(ctx context.Context, campaignID string, now time.Time) (int, error)
	DeleteJobs(ctx context.Context, campaignID string) (int, error)
	DeletePendingJobs(ctx context.Context, campaignID string) (int, error)
	AssignJob(ctx context.Context, jobID, instanceID string, now time.Time) error
	UpdateJobStateCAS(ctx context.Context, id string, from, to domain.JobState, lastError string, now time.Time) (bool, error)

	GetTemplate(ctx context.Context, id string) (domain.Template, bool, error)
	GetContacts(ctx context.Context, ids []string) ([]domain.Contact, error)
}

type Config struct {
	TickInterval time.Duration
	// AssignWait bounds how long a running campaign may sit with no eligible
	// instance before the scheduler gives up on it.
	AssignWait time.Duration
	// CancelAbandonsInFlight marks in-flight jobs failed on cancel instead of
	// letting them finish.
	CancelAbandonsInFlight bool

	DefaultAntiSpam domain.AntiSpamConfig
	DefaultRotation domain.RotationPolicy
}

// EventPublisher forwards campaign status transitions to the administration
// tooling's event queue. Publishing is best-effort.
type EventPublisher interface {
	PublishCampaignStatus(ctx context.Context, campaignID string, from, to domain.CampaignStatus) error
}

type Scheduler struct {
	store    Store
	pool     *instance.Pool
	selector *rotation.Selector
	alerts   *alert.Emitter
	clock    util.Clock
	cfg      Config
	events   EventPublisher // nil disables forwarding

	mu       sync.Mutex
	starving map[string]time.Time // campaign id -> first tick with no eligible instance
}

func New(st Store, pool *instance.Pool, sel *rotation.Selector, alerts *alert.Emitter, clock util.Clock, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.AssignWait <= 0 {
		cfg.AssignWait = 30 * time.Second
	}
	return &Scheduler{
		store:    st,
		pool:     pool,
		selector: sel,
		alerts:   alerts,
		clock:    clock,
		cfg:      cfg,
		starving: make(map[string]time.Time),
	}
}

// SetEventPublisher enables forwarding of status transitions; call before Run.
func (s *Scheduler) SetEventPublisher(p EventPublisher) { s.events = p }

func (s *Scheduler) noteTransition(ctx context.Context, id string, from, to domain.CampaignStatus) {
	observability.CampaignTransitions.WithLabelValues(string(from), string(to)).Inc()
	if s.events != nil {
		if err := s.events.PublishCampaignStatus(ctx, id, from, to); err != nil {
			slog.Error("publish campaign status failed", "err", err, "campaign_id", id, "to", to)
		}
	}
}

// Run drives Tick until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick is one scheduler pass: queue recurring drafts, promote due campaigns,
// assign pending jobs, and close out finished occurrences.
func (s *Scheduler) Tick(ctx context.Context) {
	observability.SchedulerTicks.Inc()
	now := s.clock.Now()

	s.queueDueRecurringDrafts(ctx, now)
	s.promoteDueCampaigns(ctx, now)
	s.assignPendingJobs(ctx, now)
	s.reapFinishedCampaigns(ctx, now)
}

// --- lifecycle commands ---

// Start moves a draft (or a remediated failed) campaign into the queue with
// its first due time computed from the schedule.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	c, ok, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	due, err := s.firstDue(c.Schedule)
	if err != nil {
		return err
	}
	for _, from := range []domain.CampaignStatus{domain.CampaignDraft, domain.CampaignFailed} {
		applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
			ID: id, From: from, To: domain.CampaignQueued, NextRunAt: due, Now: s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if applied {
			s.noteTransition(ctx, id, from, domain.CampaignQueued)
			return nil
		}
	}
	return fmt.Errorf("%w: campaign %s is not startable", ErrBadTransition, id)
}

func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.simpleTransition(ctx, id, domain.CampaignRunning, domain.CampaignPaused)
}

// Resume re-enters queued semantics; materialization skips contacts that
// already have jobs, so delivered work is not repeated.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
		ID: id, From: domain.CampaignPaused, To: domain.CampaignQueued, NextRunAt: s.clock.Now(), Now: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: campaign %s is not paused", ErrBadTransition, id)
	}
	s.noteTransition(ctx, id, domain.CampaignPaused, domain.CampaignQueued)
	return nil
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	now := s.clock.Now()
	var applied bool
	var from domain.CampaignStatus
	for _, f := range []domain.CampaignStatus{domain.CampaignRunning, domain.CampaignPaused, domain.CampaignQueued} {
		ok, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
			ID: id, From: f, To: domain.CampaignCanceled, Now: now,
		})
		if err != nil {
			return err
		}
		if ok {
			applied, from = true, f
			break
		}
	}
	if !applied {
		return fmt.Errorf("%w: campaign %s is not cancelable", ErrBadTransition, id)
	}
	s.noteTransition(ctx, id, from, domain.CampaignCanceled)

	purged, err := s.store.DeletePendingJobs(ctx, id)
	if err != nil {
		return err
	}
	if purged > 0 {
		if err := s.store.ApplyMetricsDelta(ctx, id, store.MetricsDelta{Total: -purged, Pending: -purged}, now); err != nil {
			return err
		}
	}
	if s.cfg.CancelAbandonsInFlight {
		inflight, err := s.store.ListJobs(ctx, id, domain.JobInFlight)
		if err != nil {
			return err
		}
		for _, j := range inflight {
			changed, err := s.store.UpdateJobStateCAS(ctx, j.ID, domain.JobInFlight, domain.JobFailed, "campaign canceled", now)
			if err != nil {
				return err
			}
			if changed {
				if err := s.store.ApplyMetricsDelta(ctx, id, store.MetricsDelta{Failed: 1, Pending: -1}, now); err != nil {
					return err
				}
			}
		}
	}
	s.forget(id)
	return nil
}

// ResendFailed re-materializes jobs for contacts whose last outcome was
// failed and queues the campaign again.
func (s *Scheduler) ResendFailed(ctx context.Context, id string) error {
	now := s.clock.Now()
	n, err := s.store.ResetFailedJobs(ctx, id, now)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: campaign %s has no failed jobs", ErrBadTransition, id)
	}
	if err := s.store.ApplyMetricsDelta(ctx, id, store.MetricsDelta{Failed: -n, Pending: n}, now); err != nil {
		return err
	}
	for _, from := range []domain.CampaignStatus{domain.CampaignCompleted, domain.CampaignFailed} {
		applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
			ID: id, From: from, To: domain.CampaignQueued, NextRunAt: now, Now: now,
		})
		if err != nil {
			return err
		}
		if applied {
			s.noteTransition(ctx, id, from, domain.CampaignQueued)
			return nil
		}
	}
	return fmt.Errorf("%w: campaign %s is not resendable", ErrBadTransition, id)
}

func (s *Scheduler) simpleTransition(ctx context.Context, id string, from, to domain.CampaignStatus) error {
	applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
		ID: id, From: from, To: to, Now: s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: campaign %s is not %s", ErrBadTransition, id, from)
	}
	s.noteTransition(ctx, id, from, to)
	return nil
}

func (s *Scheduler) firstDue(sched domain.Schedule) (time.Time, error) {
	now := s.clock.Now()
	switch sched.Kind {
	case domain.ScheduleImmediate:
		return now, nil
	case domain.ScheduleScheduled:
		return sched.StartAt, nil
	case domain.ScheduleRecurring:
		return NextOccurrence(sched, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// --- tick passes ---

func (s *Scheduler) queueDueRecurringDrafts(ctx context.Context, now time.Time) {
	drafts, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignDraft)
	if err != nil {
		slog.Error("list draft campaigns failed", "err", err)
		return
	}
	for _, c := range drafts {
		if c.Schedule.Kind != domain.ScheduleRecurring {
			continue
		}
		if c.NextRunAt.IsZero() {
			due, err := NextOccurrence(c.Schedule, now)
			if err != nil {
				slog.Error("compute recurrence failed", "err", err, "campaign_id", c.ID)
				continue
			}
			if err := s.store.SetCampaignSchedule(ctx, c.ID, due, now); err != nil {
				slog.Error("set campaign schedule failed", "err", err, "campaign_id", c.ID)
			}
			continue
		}
		if !c.NextRunAt.After(now) {
			applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
				ID: c.ID, From: domain.CampaignDraft, To: domain.CampaignQueued, NextRunAt: c.NextRunAt, Now: now,
			})
			if err != nil {
				slog.Error("queue recurring draft failed", "err", err, "campaign_id", c.ID)
				continue
			}
			if applied {
				s.noteTransition(ctx, c.ID, domain.CampaignDraft, domain.CampaignQueued)
			}
		}
	}
}

func (s *Scheduler) promoteDueCampaigns(ctx context.Context, now time.Time) {
	queued, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignQueued)
	if err != nil {
		slog.Error("list queued campaigns failed", "err", err)
		return
	}
	for _, c := range queued {
		if !c.NextRunAt.IsZero() && c.NextRunAt.After(now) {
			continue
		}
		applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
			ID: c.ID, From: domain.CampaignQueued, To: domain.CampaignRunning, Now: now,
		})
		if err != nil {
			slog.Error("claim queued campaign failed", "err", err, "campaign_id", c.ID)
			continue
		}
		if !applied {
			continue // another tick or replica won the claim
		}
		s.noteTransition(ctx, c.ID, domain.CampaignQueued, domain.CampaignRunning)
		if err := s.materialize(ctx, c, now); err != nil {
			s.failCampaign(ctx, c.ID, err.Error(), now)
		}
	}
}

// materialize creates pending jobs for every campaign contact that has none
// yet. Rendering happens here so unresolved template variables fail the
// campaign before anything is sent.
func (s *Scheduler) materialize(ctx context.Context, c domain.Campaign, now time.Time) error {
	tmpl, ok, err := s.store.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("template %s not found", c.TemplateID)
	}
	contacts, err := s.store.GetContacts(ctx, c.ContactIDs)
	if err != nil {
		return err
	}

	existing, err := s.store.ListJobs(ctx, c.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, j := range existing {
		seen[j.ContactID] = true
	}

	spam := c.AntiSpam
	if spam == (domain.AntiSpamConfig{}) {
		spam = s.cfg.DefaultAntiSpam
	}

	var assignTo string
	if !s.rotationFor(c).Enabled && len(c.InstanceIDs) > 0 {
		assignTo = c.InstanceIDs[0]
	}

	var fresh []domain.MessageJob
	for _, contact := range contacts {
		if seen[contact.ID] {
			continue
		}
		vars := map[string]string{"name": contact.Name, "phone": contact.Phone}
		for k, v := range contact.Vars {
			vars[k] = v
		}
		body, err := util.RenderTemplate(tmpl.Body, vars)
		if err != nil {
			return fmt.Errorf("contact %s: %w", contact.ID, err)
		}
		fresh = append(fresh, domain.MessageJob{
			ID:               util.NewJobID(),
			CampaignID:       c.ID,
			ContactID:        contact.ID,
			Phone:            util.NormalizePhone(contact.Phone),
			Body:             body,
			State:            domain.JobPending,
			InstanceID:       assignTo,
			ScheduledAt:      now,
			SimilarityBucket: antispam.Bucket(body),
			CreatedAt:        now,
		})
	}
	if len(fresh) > 0 {
		if err := s.store.InsertJobs(ctx, fresh); err != nil {
			return err
		}
		observability.JobsMaterialized.Add(float64(len(fresh)))
	}

	metrics := recountMetrics(append(existing, fresh...))
	if err := s.store.SetCampaignSnapshot(ctx, c.ID, spam, metrics, now); err != nil {
		return err
	}
	slog.Info("campaign materialized", "campaign_id", c.ID, "jobs", len(fresh), "total", metrics.Total)
	return nil
}

func recountMetrics(jobs []domain.MessageJob) domain.CampaignMetrics {
	var m domain.CampaignMetrics
	m.Total = len(jobs)
	for _, j := range jobs {
		switch j.State {
		case domain.JobSent:
			m.Sent++
		case domain.JobDelivered:
			m.Delivered++
		case domain.JobFailed:
			m.Failed++
		default:
			m.Pending++
		}
	}
	return m
}

// assignPendingJobs routes unassigned pending jobs of running campaigns
// through the rotation selector. A campaign with no eligible instance is
// given AssignWait to recover; past that its leftover jobs and the campaign
// itself are failed with a diagnostic.
func (s *Scheduler) assignPendingJobs(ctx context.Context, now time.Time) {
	running, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignRunning)
	if err != nil {
		slog.Error("list running campaigns failed", "err", err)
		return
	}
	for _, c := range running {
		pending, err := s.store.ListJobs(ctx, c.ID, domain.JobPending)
		if err != nil {
			slog.Error("list pending jobs failed", "err", err, "campaign_id", c.ID)
			continue
		}
		var unassigned []domain.MessageJob
		for _, j := range pending {
			if j.InstanceID == "" {
				unassigned = append(unassigned, j)
			}
		}
		rot := s.rotationFor(c)
		if !rot.Enabled {
			s.checkSingleInstance(ctx, c, now)
			continue
		}
		if len(unassigned) == 0 {
			s.forget(c.ID)
			continue
		}

		assignedAny := false
		for _, j := range unassigned {
			candidates := s.pool.Candidates(c.InstanceIDs)
			id, ok := s.selector.Pick(rot.Strategy, candidates)
			if !ok {
				break
			}
			if err := s.store.AssignJob(ctx, j.ID, id, now); err != nil {
				slog.Error("assign job failed", "err", err, "job_id", j.ID, "instance_id", id)
				continue
			}
			assignedAny = true
		}
		if assignedAny {
			s.forget(c.ID)
			continue
		}
		if s.starvedPast(c.ID, now) {
			diagnostic := "no eligible instance within bound"
			s.failLeftovers(ctx, c.ID, diagnostic, now)
			s.failCampaign(ctx, c.ID, diagnostic, now)
		}
	}
}

// checkSingleInstance enforces the rotation-disabled path: the campaign's one
// instance must be connected, or its jobs are deferred for a bounded wait and
// then failed along with the campaign.
func (s *Scheduler) checkSingleInstance(ctx context.Context, c domain.Campaign, now time.Time) {
	if len(c.InstanceIDs) == 0 {
		s.failCampaign(ctx, c.ID, "no instance assigned", now)
		return
	}
	h, ok := s.pool.Get(c.InstanceIDs[0])
	if ok && h.Status() == domain.InstanceConnected {
		s.forget(c.ID)
		return
	}
	if !s.starvedPast(c.ID, now) {
		return
	}
	diagnostic := fmt.Sprintf("instance %s not connected within bound", c.InstanceIDs[0])
	s.failLeftovers(ctx, c.ID, diagnostic, now)
	s.failCampaign(ctx, c.ID, diagnostic, now)
}

// failLeftovers marks every pending and retrying job failed with the given
// diagnostic.
func (s *Scheduler) failLeftovers(ctx context.Context, campaignID, diagnostic string, now time.Time) {
	jobs, err := s.store.ListJobs(ctx, campaignID, domain.JobPending, domain.JobRetrying)
	if err != nil {
		slog.Error("list leftover jobs failed", "err", err, "campaign_id", campaignID)
		return
	}
	for _, j := range jobs {
		changed, err := s.store.UpdateJobStateCAS(ctx, j.ID, j.State, domain.JobFailed, diagnostic, now)
		if err != nil {
			slog.Error("fail leftover job failed", "err", err, "job_id", j.ID)
			continue
		}
		if changed {
			if err := s.store.ApplyMetricsDelta(ctx, campaignID, store.MetricsDelta{Failed: 1, Pending: -1}, now); err != nil {
				slog.Error("leftover metrics update failed", "err", err, "campaign_id", campaignID)
			}
		}
	}
}

func (s *Scheduler) starvedPast(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first, ok := s.starving[id]
	if !ok {
		s.starving[id] = now
		return false
	}
	return now.Sub(first) >= s.cfg.AssignWait
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.starving, id)
	s.mu.Unlock()
}

func (s *Scheduler) failCampaign(ctx context.Context, id, diagnostic string, now time.Time) {
	applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
		ID: id, From: domain.CampaignRunning, To: domain.CampaignFailed, LastError: diagnostic, Now: now,
	})
	if err != nil {
		slog.Error("fail campaign transition failed", "err", err, "campaign_id", id)
		return
	}
	if applied {
		s.noteTransition(ctx, id, domain.CampaignRunning, domain.CampaignFailed)
		s.alerts.CampaignFailed(ctx, id, diagnostic)
		s.forget(id)
	}
}

// reapFinishedCampaigns completes campaigns whose jobs are all terminal. A
// recurring campaign folds the occurrence away and re-queues for its next
// trigger; a bounded schedule past EndAt fails its leftovers and completes.
func (s *Scheduler) reapFinishedCampaigns(ctx context.Context, now time.Time) {
	running, err := s.store.ListCampaignsByStatus(ctx, domain.CampaignRunning)
	if err != nil {
		slog.Error("list running campaigns failed", "err", err)
		return
	}
	for _, c := range running {
		if c.Schedule.Kind == domain.ScheduleScheduled && !c.Schedule.EndAt.IsZero() && now.After(c.Schedule.EndAt) {
			s.closeWindow(ctx, c, now)
			continue
		}
		active, err := s.store.CountActiveJobs(ctx, c.ID)
		if err != nil {
			slog.Error("count active jobs failed", "err", err, "campaign_id", c.ID)
			continue
		}
		if active > 0 || c.Metrics.Total == 0 {
			continue
		}
		if c.Schedule.Kind == domain.ScheduleRecurring {
			s.requeueRecurring(ctx, c, now)
			continue
		}
		applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
			ID: c.ID, From: domain.CampaignRunning, To: domain.CampaignCompleted, Now: now,
		})
		if err != nil {
			slog.Error("complete campaign failed", "err", err, "campaign_id", c.ID)
			continue
		}
		if applied {
			s.noteTransition(ctx, c.ID, domain.CampaignRunning, domain.CampaignCompleted)
			s.alerts.DropCampaign(c.ID)
			slog.Info("campaign completed", "campaign_id", c.ID,
				"sent", c.Metrics.Sent, "delivered", c.Metrics.Delivered, "failed", c.Metrics.Failed)
		}
	}
}

// closeWindow ends a scheduled campaign whose window has passed: leftovers
// fail with a diagnostic and the campaign completes.
func (s *Scheduler) closeWindow(ctx context.Context, c domain.Campaign, now time.Time) {
	s.failLeftovers(ctx, c.ID, "schedule window closed", now)
	active, err := s.store.CountActiveJobs(ctx, c.ID)
	if err != nil || active > 0 {
		return
	}
	applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
		ID: c.ID, From: domain.CampaignRunning, To: domain.CampaignCompleted, Now: now,
	})
	if err != nil {
		slog.Error("complete windowed campaign failed", "err", err, "campaign_id", c.ID)
		return
	}
	if applied {
		s.noteTransition(ctx, c.ID, domain.CampaignRunning, domain.CampaignCompleted)
		s.alerts.DropCampaign(c.ID)
	}
}

// requeueRecurring closes the finished occurrence and queues the next one.
// The occurrence's jobs are folded away so the next trigger materializes the
// full audience again.
func (s *Scheduler) requeueRecurring(ctx context.Context, c domain.Campaign, now time.Time) {
	next, err := NextOccurrence(c.Schedule, now)
	if err != nil {
		s.failCampaign(ctx, c.ID, fmt.Sprintf("compute next occurrence: %v", err), now)
		return
	}
	applied, err := s.store.TransitionCampaign(ctx, store.CampaignTransition{
		ID: c.ID, From: domain.CampaignRunning, To: domain.CampaignQueued, NextRunAt: next, Now: now,
	})
	if err != nil {
		slog.Error("requeue recurring campaign failed", "err", err, "campaign_id", c.ID)
		return
	}
	if !applied {
		return
	}
	s.noteTransition(ctx, c.ID, domain.CampaignRunning, domain.CampaignQueued)
	s.alerts.DropCampaign(c.ID)
	slog.Info("recurring occurrence finished", "campaign_id", c.ID,
		"sent", c.Metrics.Sent, "delivered", c.Metrics.Delivered, "failed", c.Metrics.Failed, "next_run_at", next)
	if _, err := s.store.DeleteJobs(ctx, c.ID); err != nil {
		slog.Error("purge occurrence jobs failed", "err", err, "campaign_id", c.ID)
		return
	}
	if err := s.store.SetCampaignSnapshot(ctx, c.ID, c.AntiSpam, domain.CampaignMetrics{}, now); err != nil {
		slog.Error("reset occurrence metrics failed", "err", err, "campaign_id", c.ID)
	}
}

func (s *Scheduler) rotationFor(c domain.Campaign) domain.RotationPolicy {
	if c.Rotation.Strategy != "" {
		return c.Rotation
	}
	return s.cfg.DefaultRotation
}
