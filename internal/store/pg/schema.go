package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS campaigns (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		template_id   TEXT NOT NULL,
		instance_ids  JSONB NOT NULL DEFAULT '[]',
		contact_ids   JSONB NOT NULL DEFAULT '[]',
		schedule_json JSONB NOT NULL DEFAULT '{}',
		antispam_json JSONB NOT NULL DEFAULT '{}',
		rotation_json JSONB NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL,
		total         INT NOT NULL DEFAULT 0,
		sent          INT NOT NULL DEFAULT 0,
		delivered     INT NOT NULL DEFAULT 0,
		failed        INT NOT NULL DEFAULT 0,
		pending       INT NOT NULL DEFAULT 0,
		next_run_at   TIMESTAMPTZ,
		last_error    TEXT,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_status_due ON campaigns (status, next_run_at)`,
	`CREATE TABLE IF NOT EXISTS message_jobs (
		id                TEXT PRIMARY KEY,
		campaign_id       TEXT NOT NULL REFERENCES campaigns(id),
		contact_id        TEXT NOT NULL,
		phone             TEXT NOT NULL,
		body              TEXT NOT NULL,
		state             TEXT NOT NULL,
		attempts          INT NOT NULL DEFAULT 0,
		last_error        TEXT,
		instance_id       TEXT,
		provider_msg_id   TEXT,
		scheduled_at      TIMESTAMPTZ NOT NULL,
		similarity_bucket BIGINT NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON message_jobs (instance_id, state, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_provider_msg ON message_jobs (provider_msg_id)`,
	`CREATE TABLE IF NOT EXISTS instances (
		id             TEXT PRIMARY KEY,
		name           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		health         DOUBLE PRECISION NOT NULL DEFAULT 1,
		webhook_secret TEXT,
		throttle_json  JSONB NOT NULL DEFAULT '{}',
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id        TEXT PRIMARY KEY,
		name      TEXT NOT NULL DEFAULT '',
		phone     TEXT NOT NULL,
		vars_json JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS templates (
		id   TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		idempotency_key TEXT PRIMARY KEY,
		instance_id     TEXT NOT NULL,
		event           TEXT NOT NULL,
		payload_json    JSONB,
		outcome         TEXT NOT NULL DEFAULT '',
		received_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		level       TEXT NOT NULL,
		message     TEXT NOT NULL,
		entity_kind TEXT,
		entity_id   TEXT,
		read        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_unread ON alerts (read, created_at DESC)`,
}

// Migrate applies the schema idempotently at startup.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
