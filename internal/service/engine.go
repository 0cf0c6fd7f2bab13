// Package service is the admin-facing facade over the engine: campaign
// queries and lifecycle commands, instance operations and the alert stream.
// HTTP handlers stay thin; everything they expose routes through here.
package service

import (
	"context"
	"time"

	"campaignd/internal/domain"
	"campaignd/internal/instance"
)

type Store interface {
	GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error)
	GetInstance(ctx context.Context, id string) (domain.Instance, bool, error)
	ListInstances(ctx context.Context) ([]domain.Instance, error)
	ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]domain.Alert, error)
	MarkAlertRead(ctx context.Context, id string) (bool, error)
}

// Commands are the campaign lifecycle operations; the scheduler implements
// them.
type Commands interface {
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	ResendFailed(ctx context.Context, id string) error
}

type Engine struct {
	Store     Store
	Commands  Commands
	Instances *instance.Pool
}

// CampaignView is the status + metrics projection exposed per campaign.
type CampaignView struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Status    domain.CampaignStatus  `json:"status"`
	Metrics   domain.CampaignMetrics `json:"metrics"`
	NextRunAt time.Time              `json:"nextRunAt,omitempty"`
	LastError string                 `json:"lastError,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

func (e *Engine) GetCampaign(ctx context.Context, id string) (CampaignView, bool, error) {
	c, ok, err := e.Store.GetCampaign(ctx, id)
	if err != nil || !ok {
		return CampaignView{}, ok, err
	}
	return CampaignView{
		ID:        c.ID,
		Name:      c.Name,
		Status:    c.Status,
		Metrics:   c.Metrics,
		NextRunAt: c.NextRunAt,
		LastError: c.LastError,
		UpdatedAt: c.UpdatedAt,
	}, true, nil
}

// Command dispatches a campaign lifecycle command by name. Unknown names
// return false.
func (e *Engine) Command(ctx context.Context, name, campaignID string) (bool, error) {
	switch name {
	case "start":
		return true, e.Commands.Start(ctx, campaignID)
	case "pause":
		return true, e.Commands.Pause(ctx, campaignID)
	case "resume":
		return true, e.Commands.Resume(ctx, campaignID)
	case "cancel":
		return true, e.Commands.Cancel(ctx, campaignID)
	case "resend-failed":
		return true, e.Commands.ResendFailed(ctx, campaignID)
	default:
		return false, nil
	}
}

// InstanceView merges the stored record with the pool's live status.
type InstanceView struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Status   domain.InstanceStatus `json:"status"`
	Health   float64               `json:"health"`
	InFlight int                   `json:"inFlight"`
}

func (e *Engine) GetInstance(ctx context.Context, id string) (InstanceView, bool, error) {
	inst, ok, err := e.Store.GetInstance(ctx, id)
	if err != nil || !ok {
		return InstanceView{}, ok, err
	}
	return e.view(inst), true, nil
}

func (e *Engine) ListInstances(ctx context.Context) ([]InstanceView, error) {
	instances, err := e.Store.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		out = append(out, e.view(inst))
	}
	return out, nil
}

func (e *Engine) view(inst domain.Instance) InstanceView {
	v := InstanceView{
		ID:     inst.ID,
		Name:   inst.Name,
		Status: inst.Status,
		Health: inst.Health,
	}
	if h, ok := e.Instances.Get(inst.ID); ok {
		// the pool is fresher than the store row
		v.Status = h.Status()
		v.Health = h.Health()
		v.InFlight = h.InFlight()
	}
	return v
}

// InstanceCommand dispatches connect/disconnect/restart. Unknown names return
// false.
func (e *Engine) InstanceCommand(ctx context.Context, name, instanceID string) (bool, error) {
	switch name {
	case "connect":
		return true, e.Instances.Connect(ctx, instanceID)
	case "disconnect":
		return true, e.Instances.Disconnect(ctx, instanceID)
	case "restart":
		return true, e.Instances.Restart(ctx, instanceID)
	default:
		return false, nil
	}
}

func (e *Engine) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]domain.Alert, error) {
	return e.Store.ListAlerts(ctx, unreadOnly, limit)
}

func (e *Engine) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	return e.Store.MarkAlertRead(ctx, id)
}
