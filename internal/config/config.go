package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type EngineConfig struct {
	// DB_DSN empty runs the engine on the in-memory store (dev/embedded mode).
	DBDSN       string        `envconfig:"DB_DSN"`
	DBMaxConns  int32         `envconfig:"DB_MAX_CONNS"`
	DBConnLife  time.Duration `envconfig:"DB_CONN_LIFETIME"`
	Port        string        `envconfig:"PORT" default:"8080"`
	MetricsPort string        `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string        `envconfig:"LOG_FORMAT" default:"json"`

	// scheduler
	TickInterval           time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	AssignWait             time.Duration `envconfig:"ASSIGN_WAIT" default:"30s"`
	CancelAbandonsInFlight bool          `envconfig:"CANCEL_ABANDONS_INFLIGHT" default:"false"`

	// worker pool
	WorkerIdleWait    time.Duration `envconfig:"WORKER_IDLE_WAIT" default:"1s"`
	WorkerClaimStale  time.Duration `envconfig:"WORKER_CLAIM_STALE" default:"5m"`
	WorkerSendTimeout time.Duration `envconfig:"WORKER_SEND_TIMEOUT" default:"10s"`

	// alerting
	FailureWindowSize int     `envconfig:"FAILURE_WINDOW_SIZE" default:"50"`
	FailureThreshold  float64 `envconfig:"FAILURE_THRESHOLD" default:"0.5"`

	// gateway connector
	GatewayBaseURL string `envconfig:"GATEWAY_BASE_URL" required:"true"`
	GatewayToken   string `envconfig:"GATEWAY_TOKEN"`

	// AWS / SQS outbound events; empty queue URL disables publishing
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSEventQueueURL   string `envconfig:"SQS_EVENT_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type MockGatewayConfig struct {
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// outcome shaping
	FailureRate   float64       `envconfig:"FAILURE_RATE" default:"0"`
	RateLimitRate float64       `envconfig:"RATE_LIMIT_RATE" default:"0"`
	SendLatency   time.Duration `envconfig:"SEND_LATENCY" default:"50ms"`

	// signed status webhooks back to the engine; empty disables
	EngineWebhookURL string        `envconfig:"ENGINE_WEBHOOK_URL"`
	WebhookSecret    string        `envconfig:"WEBHOOK_SECRET"`
	DeliveryDelay    time.Duration `envconfig:"DELIVERY_DELAY" default:"500ms"`
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadMockGateway() MockGatewayConfig {
	var cfg MockGatewayConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
