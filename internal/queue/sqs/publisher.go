// Package sqsqueue publishes engine events to the administration tooling's
// SQS queue: alerts and campaign status transitions. The queue is an outbound
// notification channel only; delivery state lives in the store.
package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"campaignd/internal/domain"
	"campaignd/internal/util"
)

const (
	EventAlert          = "alert"
	EventCampaignStatus = "campaign-status"
)

// EngineEvent is the outbound envelope. Keep it small; SQS has a 256KB
// message size limit.
type EngineEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entityKind"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	At         time.Time       `json:"at"`
}

type campaignStatusPayload struct {
	From domain.CampaignStatus `json:"from"`
	To   domain.CampaignStatus `json:"to"`
}

type Publisher struct {
	SQS      *sqs.Client
	QueueURL string
	Clock    util.Clock
}

func (p *Publisher) PublishAlert(ctx context.Context, a domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return p.publish(ctx, EngineEvent{
		ID:         util.NewEventID(),
		Type:       EventAlert,
		EntityKind: a.EntityKind,
		EntityID:   a.EntityID,
		Payload:    payload,
		At:         p.now(),
	})
}

func (p *Publisher) PublishCampaignStatus(ctx context.Context, campaignID string, from, to domain.CampaignStatus) error {
	payload, err := json.Marshal(campaignStatusPayload{From: from, To: to})
	if err != nil {
		return err
	}
	return p.publish(ctx, EngineEvent{
		ID:         util.NewEventID(),
		Type:       EventCampaignStatus,
		EntityKind: "campaign",
		EntityID:   campaignID,
		Payload:    payload,
		At:         p.now(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev EngineEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	// FIFO ordering per entity so tooling sees transitions in sequence
	group := ev.EntityKind + ":" + ev.EntityID
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(group),
		MessageDeduplicationId: str(ev.ID),
	})
	return err
}

func (p *Publisher) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return util.NowUTC()
}

func str(s string) *string { return &s }
