package domain

import (
	"errors"
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignQueued    CampaignStatus = "queued"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCanceled  CampaignStatus = "canceled"
)

func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignQueued, CampaignRunning, CampaignPaused,
		CampaignCompleted, CampaignFailed, CampaignCanceled:
		return true
	}
	return false
}

type JobState string

const (
	// pending -> inflight -> {sent, failed, retrying}; retrying -> inflight.
	// sent is the local connector ack; delivered is provider-confirmed.
	JobPending   JobState = "pending"
	JobInFlight  JobState = "inflight"
	JobRetrying  JobState = "retrying"
	JobSent      JobState = "sent"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
)

func (s JobState) Valid() bool {
	switch s {
	case JobPending, JobInFlight, JobRetrying, JobSent, JobDelivered, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether the worker is done with the job. Sent counts as
// terminal locally; the webhook reconciler may still promote it to delivered.
func (s JobState) Terminal() bool {
	switch s {
	case JobSent, JobDelivered, JobFailed:
		return true
	}
	return false
}

type InstanceStatus string

const (
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceConnected    InstanceStatus = "connected"
	InstanceFailed       InstanceStatus = "failed"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceDisconnected, InstanceConnecting, InstanceConnected, InstanceFailed:
		return true
	}
	return false
}

type RotationStrategy string

const (
	RotateRoundRobin   RotationStrategy = "round_robin"
	RotateHealthBased  RotationStrategy = "health_based"
	RotateLoadBalanced RotationStrategy = "load_balanced"
)

func (s RotationStrategy) Valid() bool {
	switch s {
	case RotateRoundRobin, RotateHealthBased, RotateLoadBalanced:
		return true
	}
	return false
}

type RotationPolicy struct {
	Enabled  bool             `json:"enabled"`
	Strategy RotationStrategy `json:"strategy"`
}

type ScheduleKind string

const (
	ScheduleImmediate ScheduleKind = "immediate"
	ScheduleScheduled ScheduleKind = "scheduled"
	ScheduleRecurring ScheduleKind = "recurring"
)

type RecurrencePattern string

const (
	RecurDaily   RecurrencePattern = "daily"
	RecurWeekly  RecurrencePattern = "weekly"
	RecurMonthly RecurrencePattern = "monthly"
)

// Schedule is a tagged union over the three schedule kinds. Fields beyond Kind
// are meaningful only for the kind they belong to.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// scheduled
	StartAt time.Time `json:"startAt,omitempty"`
	EndAt   time.Time `json:"endAt,omitempty"`

	// recurring
	Pattern   RecurrencePattern `json:"pattern,omitempty"`
	TimeOfDay string            `json:"timeOfDay,omitempty"` // "15:04"
	Weekdays  []time.Weekday    `json:"weekdays,omitempty"`  // weekly only
	MonthDay  int               `json:"monthDay,omitempty"`  // monthly only, 1..31
	Timezone  string            `json:"timezone,omitempty"`  // IANA name, default UTC
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleImmediate:
		return nil
	case ScheduleScheduled:
		if s.StartAt.IsZero() {
			return errors.New("scheduled campaign requires startAt")
		}
		return nil
	case ScheduleRecurring:
		switch s.Pattern {
		case RecurDaily, RecurMonthly:
		case RecurWeekly:
			if len(s.Weekdays) == 0 {
				return errors.New("weekly recurrence requires at least one weekday")
			}
		default:
			return fmt.Errorf("unknown recurrence pattern %q", s.Pattern)
		}
		if s.TimeOfDay == "" {
			return errors.New("recurring campaign requires timeOfDay")
		}
		if _, err := time.Parse("15:04", s.TimeOfDay); err != nil {
			return fmt.Errorf("bad timeOfDay %q: %w", s.TimeOfDay, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// Location resolves the schedule's time zone, defaulting to UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// AntiSpamConfig is snapshotted onto the campaign when it starts running;
// changes to fleet defaults do not retroactively affect a running campaign.
type AntiSpamConfig struct {
	SendTyping           bool          `json:"sendTyping"`
	TypingTime           time.Duration `json:"typingTime"`
	MessageIntervalMin   time.Duration `json:"messageIntervalMin"`
	MessageIntervalMax   time.Duration `json:"messageIntervalMax"`
	PauseAfterCount      int           `json:"pauseAfterCount"`
	PauseDurationMin     time.Duration `json:"pauseDurationMin"`
	PauseDurationMax     time.Duration `json:"pauseDurationMax"`
	DistributeDelivery   bool          `json:"distributeDelivery"`
	RandomizeContent     bool          `json:"randomizeContent"`
	AvoidSimilarMessages bool          `json:"avoidSimilarMessages"`
	AdaptiveThrottling   bool          `json:"adaptiveThrottling"`
}

// ThrottleLimits are per-instance pacing ceilings. Zero means unlimited for
// the rate fields and "single message batches" for PerBatch.
type ThrottleLimits struct {
	PerSecond  int           `json:"perSecond"`
	PerMinute  int           `json:"perMinute"`
	PerHour    int           `json:"perHour"`
	PerBatch   int           `json:"perBatch"`
	BatchDelay time.Duration `json:"batchDelay"`
	RetryDelay time.Duration `json:"retryDelay"`
	MaxRetries int           `json:"maxRetries"`
}

// CampaignMetrics holds the aggregate counters. Invariant at every
// observation point: Sent + Delivered + Failed + Pending == Total, with
// Pending covering pending, inflight and retrying jobs.
type CampaignMetrics struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type Campaign struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	TemplateID  string          `json:"templateId"`
	InstanceIDs []string        `json:"instanceIds"`
	ContactIDs  []string        `json:"contactIds"`
	Schedule    Schedule        `json:"schedule"`
	AntiSpam    AntiSpamConfig  `json:"antiSpam"`
	Rotation    RotationPolicy  `json:"rotation"`
	Status      CampaignStatus  `json:"status"`
	Metrics     CampaignMetrics `json:"metrics"`
	NextRunAt   time.Time       `json:"nextRunAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type MessageJob struct {
	ID               string    `json:"id"`
	CampaignID       string    `json:"campaignId"`
	ContactID        string    `json:"contactId"`
	Phone            string    `json:"phone"`
	Body             string    `json:"body"` // rendered at materialization
	State            JobState  `json:"state"`
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"lastError,omitempty"`
	InstanceID       string    `json:"instanceId,omitempty"`
	ProviderMsgID    string    `json:"providerMsgId,omitempty"`
	ScheduledAt      time.Time `json:"scheduledAt"`
	SimilarityBucket uint64    `json:"similarityBucket"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Instance struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        InstanceStatus `json:"status"`
	Health        float64        `json:"health"` // 0..1 rolling success ratio
	WebhookSecret string         `json:"-"`
	Throttle      ThrottleLimits `json:"throttle"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type Contact struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Phone string            `json:"phone"`
	Vars  map[string]string `json:"vars,omitempty"`
}

type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

type Alert struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Level      AlertLevel `json:"level"`
	Message    string     `json:"message"`
	EntityKind string     `json:"entityKind,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
	Read       bool       `json:"read"`
	CreatedAt  time.Time  `json:"createdAt"`
}
