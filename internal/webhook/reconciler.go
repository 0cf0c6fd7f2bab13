// Package webhook ingests provider callbacks and reconciles them against job
// and instance state. Processing is idempotent: every event is recorded under
// an idempotency key before any state change, and replays are acknowledged
// without reapplying.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"campaignd/internal/alert"
	"campaignd/internal/domain"
	"campaignd/internal/instance"
	"campaignd/internal/observability"
	"campaignd/internal/store"
	"campaignd/internal/util"
)

const (
	EventMessageStatus    = "message-status"
	EventConnectionUpdate = "connection-update"
	EventRateLimit        = "rate-limit"
)

const (
	outcomeApplied   = "applied"
	outcomeIgnored   = "ignored"
	outcomeInvalid   = "invalid"
	outcomeDuplicate = "duplicate"
)

// Event is the gateway callback envelope. Data is event-specific.
type Event struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messageStatusData struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"` // delivered | failed
	Error     string `json:"error,omitempty"`
}

type connectionUpdateData struct {
	Status string `json:"status"`
}

type Store interface {
	InsertWebhookEvent(ctx context.Context, ev store.WebhookEventRecord) (bool, error)
	UpdateWebhookEventOutcome(ctx context.Context, idempotencyKey, outcome string) error
	GetJobByProviderMsgID(ctx context.Context, providerMsgID string) (domain.MessageJob, bool, error)
	UpdateJobStateCAS(ctx context.Context, id string, from, to domain.JobState, lastError string, now time.Time) (bool, error)
	ApplyMetricsDelta(ctx context.Context, id string, d store.MetricsDelta, now time.Time) error
}

type Reconciler struct {
	store     Store
	instances *instance.Pool
	alerts    *alert.Emitter
	clock     util.Clock
}

func NewReconciler(st Store, instances *instance.Pool, alerts *alert.Emitter, clock util.Clock) *Reconciler {
	return &Reconciler{store: st, instances: instances, alerts: alerts, clock: clock}
}

// Process applies one verified callback. The raw body backs the fallback
// idempotency key for gateways that omit event ids.
func (r *Reconciler) Process(ctx context.Context, instanceID string, raw []byte) error {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("malformed event payload: %w", err)
	}
	if ev.Event == "" {
		return fmt.Errorf("event payload missing event type")
	}

	key := ev.ID
	if key == "" {
		sum := sha256.Sum256(raw)
		key = hex.EncodeToString(sum[:])
	}
	fresh, err := r.store.InsertWebhookEvent(ctx, store.WebhookEventRecord{
		IdempotencyKey: key,
		InstanceID:     instanceID,
		Event:          ev.Event,
		Payload:        raw,
		Outcome:        "received",
		ReceivedAt:     r.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !fresh {
		observability.WebhookEvents.WithLabelValues(ev.Event, outcomeDuplicate).Inc()
		return nil
	}

	outcome, err := r.apply(ctx, instanceID, ev)
	if err != nil {
		outcome = outcomeInvalid
	}
	observability.WebhookEvents.WithLabelValues(ev.Event, outcome).Inc()
	if uerr := r.store.UpdateWebhookEventOutcome(ctx, key, outcome); uerr != nil {
		slog.Error("update webhook event outcome failed", "err", uerr, "key", key)
	}
	return err
}

func (r *Reconciler) apply(ctx context.Context, instanceID string, ev Event) (string, error) {
	switch ev.Event {
	case EventMessageStatus:
		return r.applyMessageStatus(ctx, ev)
	case EventConnectionUpdate:
		return r.applyConnectionUpdate(ctx, instanceID, ev)
	case EventRateLimit:
		if h, ok := r.instances.Get(instanceID); ok {
			h.Governor().OnRateLimitSignal(r.clock.Now())
			return outcomeApplied, nil
		}
		return outcomeIgnored, nil
	default:
		r.alerts.ProviderEvent(ctx, instanceID, ev.Event)
		return outcomeApplied, nil
	}
}

// applyMessageStatus moves a job by its provider message id. Provider truth
// wins: a delivery receipt for a job the worker gave up on reverses the local
// failure.
func (r *Reconciler) applyMessageStatus(ctx context.Context, ev Event) (string, error) {
	var data messageStatusData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return outcomeInvalid, fmt.Errorf("malformed message-status data: %w", err)
	}
	if data.MessageID == "" {
		return outcomeInvalid, fmt.Errorf("message-status missing messageId")
	}
	job, ok, err := r.store.GetJobByProviderMsgID(ctx, data.MessageID)
	if err != nil {
		return outcomeInvalid, err
	}
	if !ok {
		// late event for a purged or foreign message
		return outcomeIgnored, nil
	}
	now := r.clock.Now()

	switch data.Status {
	case "delivered":
		if changed, err := r.store.UpdateJobStateCAS(ctx, job.ID, domain.JobSent, domain.JobDelivered, "", now); err != nil {
			return outcomeInvalid, err
		} else if changed {
			return outcomeApplied, r.store.ApplyMetricsDelta(ctx, job.CampaignID, store.MetricsDelta{Sent: -1, Delivered: 1}, now)
		}
		if changed, err := r.store.UpdateJobStateCAS(ctx, job.ID, domain.JobFailed, domain.JobDelivered, "", now); err != nil {
			return outcomeInvalid, err
		} else if changed {
			return outcomeApplied, r.store.ApplyMetricsDelta(ctx, job.CampaignID, store.MetricsDelta{Failed: -1, Delivered: 1}, now)
		}
		return outcomeIgnored, nil
	case "failed":
		reason := data.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		if changed, err := r.store.UpdateJobStateCAS(ctx, job.ID, domain.JobSent, domain.JobFailed, reason, now); err != nil {
			return outcomeInvalid, err
		} else if changed {
			return outcomeApplied, r.store.ApplyMetricsDelta(ctx, job.CampaignID, store.MetricsDelta{Sent: -1, Failed: 1}, now)
		}
		return outcomeIgnored, nil
	default:
		return outcomeIgnored, nil
	}
}

func (r *Reconciler) applyConnectionUpdate(ctx context.Context, instanceID string, ev Event) (string, error) {
	var data connectionUpdateData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return outcomeInvalid, fmt.Errorf("malformed connection-update data: %w", err)
	}
	status := domain.InstanceStatus(data.Status)
	if !status.Valid() {
		return outcomeInvalid, fmt.Errorf("unknown instance status %q", data.Status)
	}
	h, ok := r.instances.Get(instanceID)
	if !ok {
		return outcomeIgnored, nil
	}
	prev := h.Status()
	if err := r.instances.SetStatus(ctx, instanceID, status); err != nil {
		return outcomeInvalid, err
	}
	if prev == domain.InstanceConnected && (status == domain.InstanceDisconnected || status == domain.InstanceFailed) {
		r.alerts.ConnectorLost(ctx, instanceID)
	}
	return outcomeApplied, nil
}
