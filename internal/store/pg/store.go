package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaignd/internal/domain"
	"campaignd/internal/store"
)

// Store is the Postgres-backed twin of the memory store. CAS transitions and
// job claims are conditional UPDATEs so concurrent engine replicas never
// double-process a job or a campaign transition.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// --- campaigns ---

func (s *Store) UpsertCampaign(ctx context.Context, c domain.Campaign) error {
	schedule, _ := json.Marshal(c.Schedule)
	spam, _ := json.Marshal(c.AntiSpam)
	rotation, _ := json.Marshal(c.Rotation)
	instances, _ := json.Marshal(c.InstanceIDs)
	contacts, _ := json.Marshal(c.ContactIDs)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, name, template_id, instance_ids, contact_ids, schedule_json,
		                       antispam_json, rotation_json, status, total, sent, delivered, failed, pending,
		                       next_run_at, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, template_id=EXCLUDED.template_id, instance_ids=EXCLUDED.instance_ids,
			contact_ids=EXCLUDED.contact_ids, schedule_json=EXCLUDED.schedule_json,
			antispam_json=EXCLUDED.antispam_json, rotation_json=EXCLUDED.rotation_json,
			status=EXCLUDED.status, total=EXCLUDED.total, sent=EXCLUDED.sent, delivered=EXCLUDED.delivered,
			failed=EXCLUDED.failed, pending=EXCLUDED.pending, next_run_at=EXCLUDED.next_run_at,
			last_error=EXCLUDED.last_error, updated_at=EXCLUDED.updated_at
	`, c.ID, c.Name, c.TemplateID, instances, contacts, schedule, spam, rotation, string(c.Status),
		c.Metrics.Total, c.Metrics.Sent, c.Metrics.Delivered, c.Metrics.Failed, c.Metrics.Pending,
		nullIfZeroTime(c.NextRunAt), nullIfEmpty(c.LastError), c.UpdatedAt)
	return err
}

const campaignCols = `id, name, template_id, instance_ids, contact_ids, schedule_json, antispam_json,
	rotation_json, status, total, sent, delivered, failed, pending,
	COALESCE(next_run_at, 'epoch'::timestamptz), COALESCE(last_error,''), created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	var instances, contacts, schedule, spam, rotation []byte
	var status string
	var nextRunAt time.Time
	err := row.Scan(&c.ID, &c.Name, &c.TemplateID, &instances, &contacts, &schedule, &spam, &rotation,
		&status, &c.Metrics.Total, &c.Metrics.Sent, &c.Metrics.Delivered, &c.Metrics.Failed,
		&c.Metrics.Pending, &nextRunAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	if nextRunAt.Unix() > 0 {
		c.NextRunAt = nextRunAt
	}
	_ = json.Unmarshal(instances, &c.InstanceIDs)
	_ = json.Unmarshal(contacts, &c.ContactIDs)
	_ = json.Unmarshal(schedule, &c.Schedule)
	_ = json.Unmarshal(spam, &c.AntiSpam)
	_ = json.Unmarshal(rotation, &c.Rotation)
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListCampaignsByStatus(ctx context.Context, statuses ...domain.CampaignStatus) ([]domain.Campaign, error) {
	ss := make([]string, len(statuses))
	for i, st := range statuses {
		ss[i] = string(st)
	}
	rows, err := s.DB.Query(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE status = ANY($1) ORDER BY id`, ss)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TransitionCampaign(ctx context.Context, in store.CampaignTransition) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$3, last_error=$4, next_run_at=$5, updated_at=$6
		WHERE id=$1 AND status=$2
	`, in.ID, string(in.From), string(in.To), nullIfEmpty(in.LastError), nullIfZeroTime(in.NextRunAt), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetCampaignSchedule(ctx context.Context, id string, nextRunAt, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET next_run_at=$2, updated_at=$3 WHERE id=$1
	`, id, nullIfZeroTime(nextRunAt), now)
	return err
}

func (s *Store) SetCampaignSnapshot(ctx context.Context, id string, spam domain.AntiSpamConfig, metrics domain.CampaignMetrics, now time.Time) error {
	b, _ := json.Marshal(spam)
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET antispam_json=$2, total=$3, sent=$4, delivered=$5, failed=$6, pending=$7, updated_at=$8
		WHERE id=$1
	`, id, b, metrics.Total, metrics.Sent, metrics.Delivered, metrics.Failed, metrics.Pending, now)
	return err
}

func (s *Store) ApplyMetricsDelta(ctx context.Context, id string, d store.MetricsDelta, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET total=total+$2, sent=sent+$3, delivered=delivered+$4, failed=failed+$5, pending=pending+$6, updated_at=$7
		WHERE id=$1
	`, id, d.Total, d.Sent, d.Delivered, d.Failed, d.Pending, now)
	return err
}

// --- jobs ---

func (s *Store) InsertJobs(ctx context.Context, jobs []domain.MessageJob) error {
	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO message_jobs (id, campaign_id, contact_id, phone, body, state, attempts,
			                          last_error, instance_id, provider_msg_id, scheduled_at,
			                          similarity_bucket, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
		`, j.ID, j.CampaignID, j.ContactID, j.Phone, j.Body, string(j.State), j.Attempts,
			nullIfEmpty(j.LastError), nullIfEmpty(j.InstanceID), nullIfEmpty(j.ProviderMsgID),
			j.ScheduledAt, int64(j.SimilarityBucket), j.CreatedAt)
	}
	br := s.DB.SendBatch(ctx, batch)
	defer br.Close()
	for range jobs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) AssignJob(ctx context.Context, jobID, instanceID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_jobs SET instance_id=$2, updated_at=$3 WHERE id=$1 AND state='pending'
	`, jobID, instanceID, now)
	return err
}

func (s *Store) PendingUnassigned(ctx context.Context, limit int) ([]domain.MessageJob, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+jobCols+` FROM message_jobs
		WHERE state='pending' AND instance_id IS NULL
		ORDER BY scheduled_at, id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJobs moves due jobs for one instance into inflight with a single
// conditional UPDATE, so no two claimers ever receive the same job. Stale
// inflight jobs are reclaimable after StaleAfter.
func (s *Store) ClaimJobs(ctx context.Context, in store.JobClaim) ([]domain.MessageJob, error) {
	// zero StaleAfter disables reclaim: updated_at is never before the zero time
	var staleBefore time.Time
	if in.StaleAfter > 0 {
		staleBefore = in.Now.Add(-in.StaleAfter)
	}
	rows, err := s.DB.Query(ctx, `
		UPDATE message_jobs j SET state='inflight', updated_at=$2
		WHERE j.id IN (
			SELECT id FROM message_jobs
			WHERE instance_id=$1
			  AND campaign_id IN (SELECT id FROM campaigns WHERE status='running')
			  AND (
			       (state IN ('pending','retrying') AND scheduled_at <= $2)
			    OR (state='inflight' AND updated_at < $3)
			  )
			ORDER BY scheduled_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColsPrefixed("j."), in.InstanceID, in.Now, staleBefore, in.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

const jobCols = `id, campaign_id, contact_id, phone, body, state, attempts,
	COALESCE(last_error,''), COALESCE(instance_id,''), COALESCE(provider_msg_id,''),
	scheduled_at, similarity_bucket, created_at, updated_at`

func jobColsPrefixed(p string) string {
	return p + `id, ` + p + `campaign_id, ` + p + `contact_id, ` + p + `phone, ` + p + `body, ` +
		p + `state, ` + p + `attempts, COALESCE(` + p + `last_error,''), COALESCE(` + p + `instance_id,''), ` +
		`COALESCE(` + p + `provider_msg_id,''), ` + p + `scheduled_at, ` + p + `similarity_bucket, ` +
		p + `created_at, ` + p + `updated_at`
}

func collectJobs(rows pgx.Rows) ([]domain.MessageJob, error) {
	var out []domain.MessageJob
	for rows.Next() {
		var j domain.MessageJob
		var state string
		var bucket int64
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.ContactID, &j.Phone, &j.Body, &state, &j.Attempts,
			&j.LastError, &j.InstanceID, &j.ProviderMsgID, &j.ScheduledAt, &bucket,
			&j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.State = domain.JobState(state)
		j.SimilarityBucket = uint64(bucket)
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJobOutcome(ctx context.Context, in store.JobOutcome) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_jobs
		SET state=$2, attempts=$3, last_error=$4,
		    provider_msg_id=COALESCE($5, provider_msg_id),
		    scheduled_at=COALESCE($6, scheduled_at),
		    updated_at=$7
		WHERE id=$1
	`, in.ID, string(in.State), in.Attempts, nullIfEmpty(in.LastError),
		nullIfEmpty(in.ProviderMsgID), nullIfZeroTime(in.ScheduledAt), in.Now)
	return err
}

func (s *Store) UpdateJobStateCAS(ctx context.Context, id string, from, to domain.JobState, lastError string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_jobs SET state=$3, last_error=$4, updated_at=$5 WHERE id=$1 AND state=$2
	`, id, string(from), string(to), nullIfEmpty(lastError), now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.MessageJob, bool, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+jobCols+` FROM message_jobs WHERE id=$1`, id)
	if err != nil {
		return domain.MessageJob{}, false, err
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	if err != nil || len(jobs) == 0 {
		return domain.MessageJob{}, false, err
	}
	return jobs[0], true, nil
}

func (s *Store) GetJobByProviderMsgID(ctx context.Context, providerMsgID string) (domain.MessageJob, bool, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+jobCols+` FROM message_jobs WHERE provider_msg_id=$1`, providerMsgID)
	if err != nil {
		return domain.MessageJob{}, false, err
	}
	defer rows.Close()
	jobs, err := collectJobs(rows)
	if err != nil || len(jobs) == 0 {
		return domain.MessageJob{}, false, err
	}
	return jobs[0], true, nil
}

func (s *Store) ListJobs(ctx context.Context, campaignID string, states ...domain.JobState) ([]domain.MessageJob, error) {
	q := `SELECT ` + jobCols + ` FROM message_jobs WHERE campaign_id=$1`
	args := []any{campaignID}
	if len(states) > 0 {
		ss := make([]string, len(states))
		for i, st := range states {
			ss[i] = string(st)
		}
		q += ` AND state = ANY($2)`
		args = append(args, ss)
	}
	q += ` ORDER BY scheduled_at, id`
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) CountActiveJobs(ctx context.Context, campaignID string) (int, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT COUNT(*) FROM message_jobs
		WHERE campaign_id=$1 AND state IN ('pending','inflight','retrying')
	`, campaignID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *Store) ResetFailedJobs(ctx context.Context, campaignID string, now time.Time) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE message_jobs
		SET state='pending', attempts=0, last_error=NULL, instance_id=NULL,
		    provider_msg_id=NULL, scheduled_at=$2, updated_at=$2
		WHERE campaign_id=$1 AND state='failed'
	`, campaignID, now)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) DeleteJobs(ctx context.Context, campaignID string) (int, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM message_jobs WHERE campaign_id=$1`, campaignID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) DeletePendingJobs(ctx context.Context, campaignID string) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM message_jobs WHERE campaign_id=$1 AND state IN ('pending','retrying')
	`, campaignID)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// --- instances ---

func (s *Store) UpsertInstance(ctx context.Context, inst domain.Instance) error {
	throttle, _ := json.Marshal(inst.Throttle)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instances (id, name, status, health, webhook_secret, throttle_json, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name, status=EXCLUDED.status, health=EXCLUDED.health,
			webhook_secret=EXCLUDED.webhook_secret, throttle_json=EXCLUDED.throttle_json,
			updated_at=EXCLUDED.updated_at
	`, inst.ID, inst.Name, string(inst.Status), inst.Health, nullIfEmpty(inst.WebhookSecret), throttle, inst.UpdatedAt)
	return err
}

func (s *Store) GetInstance(ctx context.Context, id string) (domain.Instance, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, status, health, COALESCE(webhook_secret,''), throttle_json, updated_at
		FROM instances WHERE id=$1
	`, id)
	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Instance{}, false, nil
		}
		return domain.Instance{}, false, err
	}
	return inst, true, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]domain.Instance, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, status, health, COALESCE(webhook_secret,''), throttle_json, updated_at
		FROM instances ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (domain.Instance, error) {
	var inst domain.Instance
	var status string
	var throttle []byte
	err := row.Scan(&inst.ID, &inst.Name, &status, &inst.Health, &inst.WebhookSecret, &throttle, &inst.UpdatedAt)
	if err != nil {
		return domain.Instance{}, err
	}
	inst.Status = domain.InstanceStatus(status)
	_ = json.Unmarshal(throttle, &inst.Throttle)
	return inst, nil
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status domain.InstanceStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE instances SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), now)
	return err
}

func (s *Store) UpdateInstanceHealth(ctx context.Context, id string, health float64, now time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE instances SET health=$2, updated_at=$3 WHERE id=$1`, id, health, now)
	return err
}

// --- contacts & templates ---

func (s *Store) UpsertContact(ctx context.Context, c domain.Contact) error {
	vars, _ := json.Marshal(c.Vars)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO contacts (id, name, phone, vars_json)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, vars_json=EXCLUDED.vars_json
	`, c.ID, c.Name, c.Phone, vars)
	return err
}

func (s *Store) GetContacts(ctx context.Context, ids []string) ([]domain.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, phone, vars_json FROM contacts WHERE id = ANY($1) ORDER BY id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		var c domain.Contact
		var vars []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &vars); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(vars, &c.Vars)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTemplate(ctx context.Context, t domain.Template) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO templates (id, name, body) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, body=EXCLUDED.body
	`, t.ID, t.Name, t.Body)
	return err
}

func (s *Store) GetTemplate(ctx context.Context, id string) (domain.Template, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT id, name, body FROM templates WHERE id=$1`, id)
	var t domain.Template
	err := row.Scan(&t.ID, &t.Name, &t.Body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Template{}, false, nil
		}
		return domain.Template{}, false, err
	}
	return t, true, nil
}

// --- webhook events ---

func (s *Store) InsertWebhookEvent(ctx context.Context, ev store.WebhookEventRecord) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (idempotency_key, instance_id, event, payload_json, outcome, received_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.IdempotencyKey, ev.InstanceID, ev.Event, ev.Payload, ev.Outcome, ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) UpdateWebhookEventOutcome(ctx context.Context, idempotencyKey, outcome string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_events SET outcome=$2 WHERE idempotency_key=$1
	`, idempotencyKey, outcome)
	return err
}

// --- alerts ---

func (s *Store) InsertAlert(ctx context.Context, a domain.Alert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO alerts (id, type, level, message, entity_kind, entity_id, read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.Type, string(a.Level), a.Message, nullIfEmpty(a.EntityKind), nullIfEmpty(a.EntityID), a.Read, a.CreatedAt)
	return err
}

func (s *Store) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]domain.Alert, error) {
	q := `SELECT id, type, level, message, COALESCE(entity_kind,''), COALESCE(entity_id,''), read, created_at
	      FROM alerts`
	if unreadOnly {
		q += ` WHERE NOT read`
	}
	q += ` ORDER BY created_at DESC LIMIT $1`
	rows, err := s.DB.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Alert
	for rows.Next() {
		var a domain.Alert
		var level string
		if err := rows.Scan(&a.ID, &a.Type, &level, &a.Message, &a.EntityKind, &a.EntityID, &a.Read, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Level = domain.AlertLevel(level)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) MarkAlertRead(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `UPDATE alerts SET read=TRUE WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
