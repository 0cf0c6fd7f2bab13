// Package memory is the arena-backed store: campaigns, instances and jobs
// live in separate indexed maps and reference each other by id only. It backs
// unit tests and the embedded single-node mode; the pg store is the
// production twin.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

type Store struct {
	mu sync.RWMutex

	campaigns map[string]*domain.Campaign
	jobs      map[string]*domain.MessageJob
	instances map[string]*domain.Instance
	contacts  map[string]*domain.Contact
	templates map[string]*domain.Template
	alerts    map[string]*domain.Alert
	events    map[string]*store.WebhookEventRecord // by idempotency key

	alertOrder []string
}

func New() *Store {
	return &Store{
		campaigns: make(map[string]*domain.Campaign),
		jobs:      make(map[string]*domain.MessageJob),
		instances: make(map[string]*domain.Instance),
		contacts:  make(map[string]*domain.Contact),
		templates: make(map[string]*domain.Template),
		alerts:    make(map[string]*domain.Alert),
		events:    make(map[string]*store.WebhookEventRecord),
	}
}

// --- campaigns ---

func (s *Store) UpsertCampaign(_ context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.campaigns[c.ID] = &cp
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (domain.Campaign, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, false, nil
	}
	return *c, true, nil
}

func (s *Store) ListCampaignsByStatus(_ context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		for _, st := range statuses {
			if c.Status == st {
				out = append(out, *c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionCampaign(_ context.Context, in store.CampaignTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.ID]
	if !ok || c.Status != in.From {
		return false, nil
	}
	c.Status = in.To
	c.LastError = in.LastError
	c.NextRunAt = in.NextRunAt
	c.UpdatedAt = in.Now
	return true, nil
}

func (s *Store) SetCampaignSchedule(_ context.Context, id string, nextRunAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.NextRunAt = nextRunAt
		c.UpdatedAt = now
	}
	return nil
}

func (s *Store) SetCampaignSnapshot(_ context.Context, id string, spam domain.AntiSpamConfig, metrics domain.CampaignMetrics, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.AntiSpam = spam
		c.Metrics = metrics
		c.UpdatedAt = now
	}
	return nil
}

func (s *Store) ApplyMetricsDelta(_ context.Context, id string, d store.MetricsDelta, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil
	}
	c.Metrics.Total += d.Total
	c.Metrics.Sent += d.Sent
	c.Metrics.Delivered += d.Delivered
	c.Metrics.Failed += d.Failed
	c.Metrics.Pending += d.Pending
	c.UpdatedAt = now
	return nil
}

// --- jobs ---

func (s *Store) InsertJobs(_ context.Context, jobs []domain.MessageJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range jobs {
		cp := jobs[i]
		s.jobs[cp.ID] = &cp
	}
	return nil
}

func (s *Store) AssignJob(_ context.Context, jobID, instanceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok && j.State == domain.JobPending {
		j.InstanceID = instanceID
		j.UpdatedAt = now
	}
	return nil
}

func (s *Store) PendingUnassigned(_ context.Context, limit int) ([]domain.MessageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MessageJob
	for _, j := range s.jobs {
		if j.State == domain.JobPending && j.InstanceID == "" {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimJobs is the single ownership-transfer point between scheduler and
// workers: the pending->inflight move happens under the store lock so no two
// workers ever hold the same job.
func (s *Store) ClaimJobs(_ context.Context, in store.JobClaim) ([]domain.MessageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.MessageJob
	for _, j := range s.jobs {
		if j.InstanceID != in.InstanceID {
			continue
		}
		c, ok := s.campaigns[j.CampaignID]
		if !ok || c.Status != domain.CampaignRunning {
			continue
		}
		switch j.State {
		case domain.JobPending, domain.JobRetrying:
			if !j.ScheduledAt.After(in.Now) {
				due = append(due, j)
			}
		case domain.JobInFlight:
			if in.StaleAfter > 0 && j.UpdatedAt.Before(in.Now.Add(-in.StaleAfter)) {
				due = append(due, j)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if in.Limit > 0 && len(due) > in.Limit {
		due = due[:in.Limit]
	}

	out := make([]domain.MessageJob, 0, len(due))
	for _, j := range due {
		j.State = domain.JobInFlight
		j.UpdatedAt = in.Now
		out = append(out, *j)
	}
	return out, nil
}

func (s *Store) UpdateJobOutcome(_ context.Context, in store.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[in.ID]
	if !ok {
		return nil
	}
	j.State = in.State
	j.Attempts = in.Attempts
	j.LastError = in.LastError
	if in.ProviderMsgID != "" {
		j.ProviderMsgID = in.ProviderMsgID
	}
	if !in.ScheduledAt.IsZero() {
		j.ScheduledAt = in.ScheduledAt
	}
	j.UpdatedAt = in.Now
	return nil
}

// UpdateJobStateCAS flips a job between states only when it is currently in
// from. The webhook reconciler relies on this to never clobber a concurrent
// worker write.
func (s *Store) UpdateJobStateCAS(_ context.Context, id string, from, to domain.JobState, lastError string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != from {
		return false, nil
	}
	j.State = to
	j.LastError = lastError
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) GetJob(_ context.Context, id string) (domain.MessageJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.MessageJob{}, false, nil
	}
	return *j, true, nil
}

func (s *Store) GetJobByProviderMsgID(_ context.Context, providerMsgID string) (domain.MessageJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.ProviderMsgID == providerMsgID {
			return *j, true, nil
		}
	}
	return domain.MessageJob{}, false, nil
}

func (s *Store) ListJobs(_ context.Context, campaignID string, states ...domain.JobState) ([]domain.MessageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MessageJob
	for _, j := range s.jobs {
		if j.CampaignID != campaignID {
			continue
		}
		if len(states) == 0 {
			out = append(out, *j)
			continue
		}
		for _, st := range states {
			if j.State == st {
				out = append(out, *j)
				break
			}
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *Store) CountActiveJobs(_ context.Context, campaignID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && !j.State.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetFailedJobs(_ context.Context, campaignID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && j.State == domain.JobFailed {
			j.State = domain.JobPending
			j.Attempts = 0
			j.LastError = ""
			j.InstanceID = ""
			j.ProviderMsgID = ""
			j.ScheduledAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// DeleteJobs removes every job of a campaign, terminal or not. Used when a
// recurring occurrence folds away so the next trigger rebuilds the audience.
func (s *Store) DeleteJobs(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.CampaignID == campaignID {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) DeletePendingJobs(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.CampaignID == campaignID && (j.State == domain.JobPending || j.State == domain.JobRetrying) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// --- instances ---

func (s *Store) UpsertInstance(_ context.Context, inst domain.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (domain.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return domain.Instance{}, false, nil
	}
	return *inst, true, nil
}

func (s *Store) ListInstances(_ context.Context) ([]domain.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateInstanceStatus(_ context.Context, id string, status domain.InstanceStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Status = status
		inst.UpdatedAt = now
	}
	return nil
}

func (s *Store) UpdateInstanceHealth(_ context.Context, id string, health float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		inst.Health = health
		inst.UpdatedAt = now
	}
	return nil
}

// --- contacts & templates ---

func (s *Store) UpsertContact(_ context.Context, c domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.contacts[c.ID] = &cp
	return nil
}

func (s *Store) GetContacts(_ context.Context, ids []string) ([]domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.contacts[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *Store) UpsertTemplate(_ context.Context, t domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.templates[t.ID] = &cp
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (domain.Template, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return domain.Template{}, false, nil
	}
	return *t, true, nil
}

// --- webhook events ---

// InsertWebhookEvent records the event and reports false when the idempotency
// key was already seen.
func (s *Store) InsertWebhookEvent(_ context.Context, ev store.WebhookEventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[ev.IdempotencyKey]; dup {
		return false, nil
	}
	cp := ev
	s.events[ev.IdempotencyKey] = &cp
	return true, nil
}

func (s *Store) UpdateWebhookEventOutcome(_ context.Context, idempotencyKey, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[idempotencyKey]; ok {
		ev.Outcome = outcome
	}
	return nil
}

// --- alerts ---

func (s *Store) InsertAlert(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := a
	s.alerts[a.ID] = &cp
	s.alertOrder = append(s.alertOrder, a.ID)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, unreadOnly bool, limit int) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Alert
	for i := len(s.alertOrder) - 1; i >= 0; i-- {
		a := s.alerts[s.alertOrder[i]]
		if unreadOnly && a.Read {
			continue
		}
		out = append(out, *a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkAlertRead(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return false, nil
	}
	a.Read = true
	return true, nil
}

func sortJobs(jobs []domain.MessageJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
