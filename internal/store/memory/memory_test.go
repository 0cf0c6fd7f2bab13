package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

func seed(t *testing.T, s *Store, jobs int) time.Time {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertCampaign(ctx, domain.Campaign{ID: "cmp_1", Status: domain.CampaignRunning}); err != nil {
		t.Fatal(err)
	}
	batch := make([]domain.MessageJob, 0, jobs)
	for i := 0; i < jobs; i++ {
		batch = append(batch, domain.MessageJob{
			ID:          fmt.Sprintf("job_%03d", i),
			CampaignID:  "cmp_1",
			ContactID:   fmt.Sprintf("ct_%03d", i),
			State:       domain.JobPending,
			InstanceID:  "inst_1",
			ScheduledAt: now,
		})
	}
	if err := s.InsertJobs(ctx, batch); err != nil {
		t.Fatal(err)
	}
	return now
}

func TestClaimJobsExclusiveUnderConcurrency(t *testing.T) {
	s := New()
	now := seed(t, s, 100)
	ctx := context.Background()

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 7, Now: now})
				if err != nil {
					t.Error(err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 100 {
		t.Fatalf("claimed %d distinct jobs, want 100", len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimJobsSkipsFutureAndForeign(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.UpsertCampaign(ctx, domain.Campaign{ID: "cmp_1", Status: domain.CampaignRunning}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertJobs(ctx, []domain.MessageJob{
		{ID: "job_due", CampaignID: "cmp_1", State: domain.JobPending, InstanceID: "inst_1", ScheduledAt: now},
		{ID: "job_future", CampaignID: "cmp_1", State: domain.JobRetrying, InstanceID: "inst_1", ScheduledAt: now.Add(time.Minute)},
		{ID: "job_other", CampaignID: "cmp_1", State: domain.JobPending, InstanceID: "inst_2", ScheduledAt: now},
	}); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 10, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job_due" {
		t.Fatalf("claimed %+v, want only job_due", jobs)
	}
}

func TestClaimJobsIgnoresNonRunningCampaign(t *testing.T) {
	s := New()
	now := seed(t, s, 1)
	ctx := context.Background()
	c, _, _ := s.GetCampaign(ctx, "cmp_1")
	c.Status = domain.CampaignPaused
	if err := s.UpsertCampaign(ctx, c); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 10, Now: now})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d jobs of a paused campaign", len(jobs))
	}
}

func TestClaimJobsReclaimsStaleInflight(t *testing.T) {
	s := New()
	now := seed(t, s, 1)
	ctx := context.Background()

	if _, err := s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 1, Now: now}); err != nil {
		t.Fatal(err)
	}
	// still fresh: not reclaimable
	jobs, _ := s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 1, Now: now.Add(time.Minute), StaleAfter: 5 * time.Minute})
	if len(jobs) != 0 {
		t.Fatalf("reclaimed a fresh in-flight job")
	}
	jobs, _ = s.ClaimJobs(ctx, store.JobClaim{InstanceID: "inst_1", Limit: 1, Now: now.Add(10 * time.Minute), StaleAfter: 5 * time.Minute})
	if len(jobs) != 1 {
		t.Fatalf("stale in-flight job not reclaimed")
	}
}

func TestTransitionCampaignCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	if err := s.UpsertCampaign(ctx, domain.Campaign{ID: "cmp_1", Status: domain.CampaignQueued}); err != nil {
		t.Fatal(err)
	}

	wins := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TransitionCampaign(ctx, store.CampaignTransition{
				ID: "cmp_1", From: domain.CampaignQueued, To: domain.CampaignRunning, Now: now,
			})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("transition won %d times, want exactly 1", wins)
	}
	c, _, _ := s.GetCampaign(ctx, "cmp_1")
	if c.Status != domain.CampaignRunning {
		t.Fatalf("status = %s, want running", c.Status)
	}
}

func TestResetFailedJobs(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	if err := s.UpsertCampaign(ctx, domain.Campaign{ID: "cmp_1", Status: domain.CampaignFailed}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertJobs(ctx, []domain.MessageJob{
		{ID: "job_1", CampaignID: "cmp_1", State: domain.JobFailed, Attempts: 3, InstanceID: "inst_1", ProviderMsgID: "wamid.1", LastError: "busy"},
		{ID: "job_2", CampaignID: "cmp_1", State: domain.JobDelivered},
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.ResetFailedJobs(ctx, "cmp_1", now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reset %d jobs, want 1", n)
	}
	j, _, _ := s.GetJob(ctx, "job_1")
	if j.State != domain.JobPending || j.Attempts != 0 || j.InstanceID != "" || j.ProviderMsgID != "" || j.LastError != "" {
		t.Fatalf("job not fully reset: %+v", j)
	}
	if j2, _, _ := s.GetJob(ctx, "job_2"); j2.State != domain.JobDelivered {
		t.Fatalf("delivered job touched: %+v", j2)
	}
}

func TestDeletePendingJobs(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.InsertJobs(ctx, []domain.MessageJob{
		{ID: "job_1", CampaignID: "cmp_1", State: domain.JobPending},
		{ID: "job_2", CampaignID: "cmp_1", State: domain.JobRetrying},
		{ID: "job_3", CampaignID: "cmp_1", State: domain.JobInFlight},
		{ID: "job_4", CampaignID: "cmp_1", State: domain.JobSent},
		{ID: "job_5", CampaignID: "cmp_other", State: domain.JobPending},
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.DeletePendingJobs(ctx, "cmp_1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d jobs, want 2", n)
	}
	for _, id := range []string{"job_3", "job_4", "job_5"} {
		if _, ok, _ := s.GetJob(ctx, id); !ok {
			t.Fatalf("job %s deleted, should survive", id)
		}
	}
}

func TestAssignJobOnlyWhilePending(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	if err := s.InsertJobs(ctx, []domain.MessageJob{
		{ID: "job_1", CampaignID: "cmp_1", State: domain.JobPending},
		{ID: "job_2", CampaignID: "cmp_1", State: domain.JobInFlight, InstanceID: "inst_1"},
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.AssignJob(ctx, "job_1", "inst_2", now); err != nil {
		t.Fatal(err)
	}
	if j, _, _ := s.GetJob(ctx, "job_1"); j.InstanceID != "inst_2" {
		t.Fatalf("pending job not assigned: %+v", j)
	}
	if err := s.AssignJob(ctx, "job_2", "inst_2", now); err != nil {
		t.Fatal(err)
	}
	if j, _, _ := s.GetJob(ctx, "job_2"); j.InstanceID != "inst_1" {
		t.Fatalf("in-flight job reassigned: %+v", j)
	}
}

func TestInsertWebhookEventDedup(t *testing.T) {
	s := New()
	ctx := context.Background()
	rec := store.WebhookEventRecord{IdempotencyKey: "evt_1", InstanceID: "inst_1", Event: "message-status"}

	fresh, err := s.InsertWebhookEvent(ctx, rec)
	if err != nil || !fresh {
		t.Fatalf("first insert fresh=%v err=%v", fresh, err)
	}
	fresh, err = s.InsertWebhookEvent(ctx, rec)
	if err != nil || fresh {
		t.Fatalf("duplicate insert fresh=%v err=%v", fresh, err)
	}
}
