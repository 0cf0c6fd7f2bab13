package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_api_requests_total", Help: "Admin API requests"},
		[]string{"endpoint", "status"},
	)
	SchedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaignd_scheduler_ticks_total", Help: "Scheduler tick iterations"},
	)
	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_campaign_transitions_total", Help: "Campaign status transitions"},
		[]string{"from", "to"},
	)
	JobsMaterialized = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "campaignd_jobs_materialized_total", Help: "Message jobs materialized"},
	)
	GatewaySend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_gateway_send_total", Help: "Gateway send outcomes"},
		[]string{"instance", "result"},
	)
	GatewayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "campaignd_gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_webhook_events_total", Help: "Webhook events by outcome"},
		[]string{"event", "outcome"},
	)
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_alerts_total", Help: "Alerts raised"},
		[]string{"type", "level"},
	)
	GovernorWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "campaignd_governor_waits_total", Help: "Rate governor admission waits"},
		[]string{"instance", "reason"},
	)
	InFlightJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "campaignd_inflight_jobs", Help: "Jobs currently in flight per instance"},
		[]string{"instance"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, SchedulerTicks, CampaignTransitions, JobsMaterialized,
		GatewaySend, GatewayLatency, WebhookEvents, Alerts, GovernorWaits, InFlightJobs)
}
