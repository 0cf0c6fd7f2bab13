// Package alert translates engine conditions into operator-facing alerts.
// Failures are recorded in the store before any alert goes out; alerting is
// best-effort and never the system of record.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"campaignd/internal/domain"
	"campaignd/internal/observability"
	"campaignd/internal/util"
)

const (
	TypeConnectorLost   = "connector_lost"
	TypeHighFailureRate = "high_failure_rate"
	TypeCampaignFailed  = "campaign_failed"
	TypeProviderEvent   = "provider_event"
)

type Store interface {
	InsertAlert(ctx context.Context, a domain.Alert) error
}

// Publisher forwards alerts to the administration tooling's event queue.
type Publisher interface {
	PublishAlert(ctx context.Context, a domain.Alert) error
}

type Emitter struct {
	store Store
	pub   Publisher // nil disables forwarding
	clock util.Clock

	windowSize int
	threshold  float64

	mu      sync.Mutex
	windows map[string]*failureWindow
}

func NewEmitter(store Store, pub Publisher, clock util.Clock, windowSize int, threshold float64) *Emitter {
	if windowSize <= 0 {
		windowSize = 50
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Emitter{
		store:      store,
		pub:        pub,
		clock:      clock,
		windowSize: windowSize,
		threshold:  threshold,
		windows:    make(map[string]*failureWindow),
	}
}

func (e *Emitter) Raise(ctx context.Context, typ string, level domain.AlertLevel, msg, entityKind, entityID string) {
	a := domain.Alert{
		ID:         util.NewAlertID(),
		Type:       typ,
		Level:      level,
		Message:    msg,
		EntityKind: entityKind,
		EntityID:   entityID,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.InsertAlert(ctx, a); err != nil {
		slog.Error("insert alert failed", "err", err, "type", typ)
		return
	}
	observability.Alerts.WithLabelValues(typ, string(level)).Inc()
	if e.pub != nil {
		if err := e.pub.PublishAlert(ctx, a); err != nil {
			slog.Error("publish alert failed", "err", err, "type", typ, "alert_id", a.ID)
		}
	}
}

func (e *Emitter) ConnectorLost(ctx context.Context, instanceID string) {
	e.Raise(ctx, TypeConnectorLost, domain.AlertCritical,
		fmt.Sprintf("instance %s lost its connection", instanceID), "instance", instanceID)
}

func (e *Emitter) CampaignFailed(ctx context.Context, campaignID, diagnostic string) {
	e.Raise(ctx, TypeCampaignFailed, domain.AlertCritical,
		fmt.Sprintf("campaign %s failed: %s", campaignID, diagnostic), "campaign", campaignID)
}

func (e *Emitter) ProviderEvent(ctx context.Context, instanceID, event string) {
	e.Raise(ctx, TypeProviderEvent, domain.AlertInfo,
		fmt.Sprintf("instance %s reported %s", instanceID, event), "instance", instanceID)
}

// RecordSendOutcome feeds the per-campaign sliding window. Crossing the
// failure threshold raises one critical alert; duplicates stay suppressed
// until the ratio recovers below the threshold.
func (e *Emitter) RecordSendOutcome(ctx context.Context, campaignID string, success bool) {
	e.mu.Lock()
	w, ok := e.windows[campaignID]
	if !ok {
		w = &failureWindow{outcomes: make([]bool, e.windowSize)}
		e.windows[campaignID] = w
	}
	w.record(!success)
	ratio, full := w.failureRatio()
	shouldRaise := false
	if full && ratio > e.threshold {
		if !w.alerted {
			w.alerted = true
			shouldRaise = true
		}
	} else if w.alerted && ratio < e.threshold {
		w.alerted = false
	}
	e.mu.Unlock()

	if shouldRaise {
		e.Raise(ctx, TypeHighFailureRate, domain.AlertCritical,
			fmt.Sprintf("campaign %s failure ratio %.0f%% over last %d sends", campaignID, ratio*100, e.windowSize),
			"campaign", campaignID)
	}
}

// DropCampaign forgets a finished campaign's window.
func (e *Emitter) DropCampaign(campaignID string) {
	e.mu.Lock()
	delete(e.windows, campaignID)
	e.mu.Unlock()
}

type failureWindow struct {
	outcomes []bool // true = failure
	idx      int
	filled   int
	alerted  bool
}

func (w *failureWindow) record(failed bool) {
	w.outcomes[w.idx] = failed
	w.idx = (w.idx + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

func (w *failureWindow) failureRatio() (float64, bool) {
	if w.filled == 0 {
		return 0, false
	}
	fails := 0
	for i := 0; i < w.filled; i++ {
		if w.outcomes[i] {
			fails++
		}
	}
	return float64(fails) / float64(w.filled), w.filled == len(w.outcomes)
}
