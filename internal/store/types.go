package store

import (
	"time"

	"campaignd/internal/domain"
)

// CampaignTransition is a compare-and-set status change. The update applies
// only when the campaign is currently in From; Applied on the result reports
// whether this caller won the transition.
type CampaignTransition struct {
	ID        string
	From      domain.CampaignStatus
	To        domain.CampaignStatus
	LastError string
	NextRunAt time.Time // zero clears the due time
	Now       time.Time
}

// MetricsDelta adjusts campaign counters atomically. Deltas may be negative
// (webhook corrections decrement sent/failed).
type MetricsDelta struct {
	Total     int
	Sent      int
	Delivered int
	Failed    int
	Pending   int
}

// JobClaim moves up to Limit due jobs assigned to an instance from
// pending/retrying into inflight. In-flight jobs older than StaleAfter are
// reclaimable, mirroring at-least-once worker semantics.
type JobClaim struct {
	InstanceID string
	Limit      int
	Now        time.Time
	StaleAfter time.Duration
}

type JobOutcome struct {
	ID            string
	State         domain.JobState
	Attempts      int
	LastError     string
	ProviderMsgID string
	ScheduledAt   time.Time // next attempt time for retrying jobs
	Now           time.Time
}

// WebhookEventRecord is the dedup ledger row for provider callbacks.
type WebhookEventRecord struct {
	IdempotencyKey string
	InstanceID     string
	Event          string
	Payload        []byte
	Outcome        string // received, then applied | ignored | invalid | duplicate
	ReceivedAt     time.Time
}
