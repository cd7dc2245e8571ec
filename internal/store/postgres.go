package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

// Postgres keeps each record as JSONB next to the columns it is filtered
// and locked by.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// query accumulates positional arguments for a dynamically built statement.
type query struct {
	sb   strings.Builder
	args []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) add(format string, a ...any) { fmt.Fprintf(&q.sb, format, a...) }

// Tasks

func (p *Postgres) GetTasks(ctx context.Context, businessID string, f TaskFilter) ([]model.Task, error) {
	q := &query{}
	q.add(`SELECT data FROM tasks WHERE business_id=%s`, q.arg(businessID))
	if len(f.IDs) > 0 {
		q.add(` AND id = ANY(%s)`, q.arg(f.IDs))
	}
	if f.Period.Date != "" {
		q.add(` AND scheduled_date = %s::date`, q.arg(f.Period.Date))
	}
	if f.Period.Month != "" {
		q.add(` AND to_char(scheduled_date, 'YYYY-MM') = %s`, q.arg(f.Period.Month))
	}
	if len(f.Statuses) > 0 {
		q.add(` AND status = ANY(%s)`, q.arg(f.Statuses))
	}
	q.add(` ORDER BY id`)
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Task{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t model.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTaskStatus(ctx context.Context, businessID, taskID string, patch model.TaskPatch) (model.Task, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()
	t, err := patchTaskTx(ctx, tx, businessID, taskID, patch)
	if err != nil {
		return model.Task{}, err
	}
	return t, tx.Commit()
}

// patchTaskTx locks and patches one task. A move the task lifecycle
// forbids returns ErrTaskTransition and leaves the row untouched.
func patchTaskTx(ctx context.Context, tx *sql.Tx, businessID, taskID string, patch model.TaskPatch) (model.Task, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE business_id=$1 AND id=$2 FOR UPDATE`, businessID, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	var t model.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if !patch.Allowed(t) {
		return t, ErrTaskTransition
	}
	t = patch.Apply(t, time.Now().UTC())
	data, err := json.Marshal(t)
	if err != nil {
		return model.Task{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET data=$3, status=$4, assigned_team_id=$5, updated_at=now() WHERE business_id=$1 AND id=$2`,
		businessID, taskID, data, t.Status, nullIfEmpty(t.AssignedTeamID))
	return t, err
}

func (p *Postgres) UpsertTasks(ctx context.Context, businessID string, tasks []model.Task) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.BusinessID = businessID
		if t.Status == "" {
			t.Status = model.TaskPending
		}
		t.UpdatedAt = now
		data, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO tasks (business_id, id, scheduled_date, status, assigned_team_id, data, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,now())
			ON CONFLICT (business_id, id) DO UPDATE SET scheduled_date=$3, status=$4, assigned_team_id=$5, data=$6, updated_at=now()`,
			businessID, t.ID, nullIfEmpty(t.ScheduledDate), t.Status, nullIfEmpty(t.AssignedTeamID), data)
		if err != nil {
			return 0, err
		}
	}
	return len(tasks), tx.Commit()
}

// Teams

func (p *Postgres) GetTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error) {
	q := &query{}
	q.add(`SELECT data FROM teams WHERE business_id=%s`, q.arg(businessID))
	if ids != nil {
		q.add(` AND id = ANY(%s)`, q.arg(ids))
	}
	q.add(` ORDER BY id`)
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Team{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t model.Team
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode team: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateTeamField(ctx context.Context, businessID, teamID string, patch model.TeamPatch) (model.Team, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Team{}, err
	}
	defer func() { _ = tx.Rollback() }()
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM teams WHERE business_id=$1 AND id=$2 FOR UPDATE`, businessID, teamID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Team{}, ErrNotFound
	}
	if err != nil {
		return model.Team{}, err
	}
	var t model.Team
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Team{}, fmt.Errorf("decode team: %w", err)
	}
	t = patch.Apply(t)
	data, err := json.Marshal(t)
	if err != nil {
		return model.Team{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE teams SET data=$3, available=$4, updated_at=now() WHERE business_id=$1 AND id=$2`,
		businessID, teamID, data, t.IsAvailableForRouting); err != nil {
		return model.Team{}, err
	}
	return t, tx.Commit()
}

func (p *Postgres) UpsertTeams(ctx context.Context, businessID string, teams []model.Team) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range teams {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.BusinessID = businessID
		data, err := json.Marshal(t)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO teams (business_id, id, available, data) VALUES ($1,$2,$3,$4)
			ON CONFLICT (business_id, id) DO UPDATE SET available=$3, data=$4, updated_at=now()`,
			businessID, t.ID, t.IsAvailableForRouting, data)
		if err != nil {
			return 0, err
		}
	}
	return len(teams), tx.Commit()
}

func (p *Postgres) ListBusinessIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT business_id FROM teams ORDER BY business_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Routes

func (p *Postgres) PlanVersion(ctx context.Context, businessID string, period model.Period) (int, error) {
	var v int
	err := p.db.QueryRowContext(ctx, `SELECT version FROM plan_versions WHERE business_id=$1 AND period_key=$2`, businessID, period.PlanKey()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// SavePlan serialises writers of one month with a transaction scoped
// advisory lock before checking versions.
func (p *Postgres) SavePlan(ctx context.Context, businessID string, ch PlanChange) (int, []model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }()
	key := planKey(businessID, ch.Period)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return 0, nil, err
	}
	var cur int
	err = tx.QueryRowContext(ctx, `SELECT version FROM plan_versions WHERE business_id=$1 AND period_key=$2`, businessID, ch.Period.PlanKey()).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, nil, err
	}
	if cur != ch.ExpectedVersion {
		return 0, nil, ErrVersionConflict
	}
	for _, r := range ch.Delete {
		res, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE business_id=$1 AND id=$2 AND version=$3`, businessID, r.ID, r.Version)
		if err != nil {
			return 0, nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return 0, nil, ErrVersionConflict
		}
	}
	now := time.Now().UTC()
	out := make([]model.Route, 0, len(ch.Put))
	for _, r := range ch.Put {
		var stored int
		err := tx.QueryRowContext(ctx, `SELECT version FROM routes WHERE business_id=$1 AND id=$2 FOR UPDATE`, businessID, r.ID).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			r.Version = 1
			if r.CreatedAt.IsZero() {
				r.CreatedAt = now
			}
		case err != nil:
			return 0, nil, err
		case stored != r.Version:
			return 0, nil, ErrVersionConflict
		default:
			r.Version++
		}
		r.BusinessID = businessID
		r.UpdatedAt = now
		if err := upsertRouteTx(ctx, tx, r); err != nil {
			return 0, nil, err
		}
		out = append(out, r)
	}
	for id, patch := range ch.Tasks {
		if _, err := patchTaskTx(ctx, tx, businessID, id, patch); err != nil && !errors.Is(err, ErrTaskTransition) {
			return 0, nil, err
		}
	}
	var next int
	err = tx.QueryRowContext(ctx, `INSERT INTO plan_versions (business_id, period_key, version) VALUES ($1,$2,1)
		ON CONFLICT (business_id, period_key) DO UPDATE SET version = plan_versions.version + 1
		RETURNING version`, businessID, ch.Period.PlanKey()).Scan(&next)
	if err != nil {
		return 0, nil, err
	}
	return next, out, tx.Commit()
}

func upsertRouteTx(ctx context.Context, tx *sql.Tx, r model.Route) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO routes (id, business_id, team_id, route_date, route_month, status, version, data, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET team_id=$3, route_date=$4, route_month=$5, status=$6, version=$7, data=$8, updated_at=$10`,
		r.ID, r.BusinessID, r.TeamID, r.Date, nullIfEmpty(r.Month), r.Status, r.Version, data, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *Postgres) GetRoute(ctx context.Context, businessID, routeID string) (model.Route, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM routes WHERE business_id=$1 AND id=$2`, businessID, routeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	var r model.Route
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Route{}, fmt.Errorf("decode route: %w", err)
	}
	return r, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, businessID string, f RouteFilter) ([]model.Route, error) {
	q := &query{}
	q.add(`SELECT data FROM routes WHERE business_id=%s`, q.arg(businessID))
	if f.Period.Date != "" {
		q.add(` AND route_date = %s::date`, q.arg(f.Period.Date))
	}
	if f.Period.Month != "" {
		q.add(` AND to_char(route_date, 'YYYY-MM') = %s`, q.arg(f.Period.Month))
	}
	if f.TeamID != "" {
		q.add(` AND team_id = %s`, q.arg(f.TeamID))
	}
	if f.From != "" {
		q.add(` AND route_date >= %s::date`, q.arg(f.From))
	}
	if f.To != "" {
		q.add(` AND route_date <= %s::date`, q.arg(f.To))
	}
	if len(f.Statuses) > 0 {
		q.add(` AND status = ANY(%s)`, q.arg(f.Statuses))
	}
	q.add(` ORDER BY route_date, team_id, id`)
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r model.Route
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode route: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRoute(ctx context.Context, businessID string, r model.Route, tasks map[string]model.TaskPatch) (model.Route, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Route{}, err
	}
	defer func() { _ = tx.Rollback() }()
	var stored int
	err = tx.QueryRowContext(ctx, `SELECT version FROM routes WHERE business_id=$1 AND id=$2 FOR UPDATE`, businessID, r.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Route{}, ErrNotFound
	}
	if err != nil {
		return model.Route{}, err
	}
	if stored != r.Version {
		return model.Route{}, ErrVersionConflict
	}
	r.Version++
	r.BusinessID = businessID
	r.UpdatedAt = time.Now().UTC()
	if err := upsertRouteTx(ctx, tx, r); err != nil {
		return model.Route{}, err
	}
	for id, patch := range tasks {
		if _, err := patchTaskTx(ctx, tx, businessID, id, patch); err != nil && !errors.Is(err, ErrTaskTransition) {
			return model.Route{}, err
		}
	}
	return r, tx.Commit()
}

// Audit

func (p *Postgres) SaveOptimizationRequest(ctx context.Context, req model.OptimizationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO optimization_requests (id, business_id, status, data, created_at) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET status=$3, data=$4`, req.ID, req.BusinessID, req.Status, data, req.CreatedAt)
	return err
}

func (p *Postgres) GetOptimizationRequest(ctx context.Context, businessID, id string) (model.OptimizationRequest, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM optimization_requests WHERE business_id=$1 AND id=$2`, businessID, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OptimizationRequest{}, ErrNotFound
	}
	if err != nil {
		return model.OptimizationRequest{}, err
	}
	var req model.OptimizationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return model.OptimizationRequest{}, fmt.Errorf("decode optimization request: %w", err)
	}
	return req, nil
}

// Plan metrics

func (p *Postgres) SavePlanMetrics(ctx context.Context, businessID, period string, m opt.Metrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO plan_metrics (business_id, period_key, metrics) VALUES ($1,$2,$3)
		ON CONFLICT (business_id, period_key) DO UPDATE SET metrics=$3, created_at=now()`, businessID, period, data)
	return err
}

func (p *Postgres) ListPlanMetrics(ctx context.Context, businessID, period string) ([]PlanMetrics, error) {
	q := &query{}
	q.add(`SELECT period_key, metrics, created_at FROM plan_metrics WHERE business_id=%s`, q.arg(businessID))
	if period != "" {
		q.add(` AND period_key=%s`, q.arg(period))
	}
	q.add(` ORDER BY period_key`)
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []PlanMetrics{}
	for rows.Next() {
		var it PlanMetrics
		var raw []byte
		if err := rows.Scan(&it.Period, &raw, &it.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &it.Metrics); err != nil {
			return nil, fmt.Errorf("decode plan metrics: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, err := json.Marshal(req.Events)
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, business_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`, id, req.BusinessID, req.URL, ev, nullIfEmpty(req.Secret))
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, BusinessID: req.BusinessID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, businessID, eventType string) ([]model.Subscription, error) {
	filter, err := json.Marshal([]string{eventType})
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE business_id=$1 AND events @> $2::jsonb`, businessID, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows, businessID)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, businessID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := &query{}
	q.add(`SELECT id::text, url, COALESCE(secret,''), events FROM subscriptions WHERE business_id=%s`, q.arg(businessID))
	if cursor != "" {
		q.add(` AND id::text > %s`, q.arg(cursor))
	}
	q.add(` ORDER BY id LIMIT %s`, q.arg(limit))
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out, err := scanSubscriptions(rows, businessID)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func scanSubscriptions(rows *sql.Rows, businessID string) ([]model.Subscription, error) {
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, err
		}
		s.BusinessID = businessID
		if err := json.Unmarshal(ev, &s.Events); err != nil {
			return nil, fmt.Errorf("decode subscription events: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, businessID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE business_id=$1 AND id::text=$2`, businessID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, businessID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, business_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
		ON CONFLICT (business_id, event_type, url, dedup_key) DO NOTHING`, id, businessID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, business_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.BusinessID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id::text=$1`, id, responseCode, latencyMs)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
	return err
}

// FailWebhookDelivery marks the delivery failed and copies it to the
// dead-letter queue in one transaction.
func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, business_id, delivery_id, event_type, url, secret, payload, attempts, last_error, response_code, latency_ms)
		SELECT gen_random_uuid(), business_id, id, event_type, url, secret, payload, attempts+1, $2, $3, $4 FROM webhook_deliveries WHERE id::text=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, businessID, status, cursor string, limit int) ([]DeliveryInfo, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := &query{}
	q.add(`SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url, COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_deliveries WHERE business_id=%s`, q.arg(businessID))
	if status != "" {
		q.add(` AND status=%s`, q.arg(status))
	}
	if cursor != "" {
		q.add(` AND id::text > %s`, q.arg(cursor))
	}
	q.add(` ORDER BY id LIMIT %s`, q.arg(limit))
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []DeliveryInfo{}
	for rows.Next() {
		var d DeliveryInfo
		var nextAt sql.NullTime
		if err := rows.Scan(&d.ID, &d.EventType, &d.Status, &d.Attempts, &nextAt, &d.LastError, &d.URL, &d.ResponseCode, &d.LatencyMs); err != nil {
			return nil, "", err
		}
		if nextAt.Valid {
			d.NextAttemptAt = &nextAt.Time
		}
		out = append(out, d)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, businessID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE business_id=$1 AND id::text=$2`, businessID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, businessID, cursor string, limit int) ([]DeadLetter, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := &query{}
	q.add(`SELECT id::text, COALESCE(delivery_id::text,''), event_type, url, COALESCE(last_error,''), attempts, created_at, COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_dlq WHERE business_id=%s`, q.arg(businessID))
	if cursor != "" {
		q.add(` AND id::text > %s`, q.arg(cursor))
	}
	q.add(` ORDER BY id LIMIT %s`, q.arg(limit))
	rows, err := p.db.QueryContext(ctx, q.sb.String(), q.args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []DeadLetter{}
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.DeliveryID, &d.EventType, &d.URL, &d.LastError, &d.Attempts, &d.CreatedAt, &d.ResponseCode, &d.LatencyMs); err != nil {
			return nil, "", err
		}
		out = append(out, d)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

// RequeueWebhookDLQ resets the original delivery for another round of
// attempts and drops the dead letter.
func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, businessID, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var delID string
	err = tx.QueryRowContext(ctx, `DELETE FROM webhook_dlq WHERE business_id=$1 AND id::text=$2 RETURNING COALESCE(delivery_id::text,'')`, businessID, id).Scan(&delID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now() WHERE id::text=$1`, delID); err != nil {
		return err
	}
	return tx.Commit()
}

// computeDedupKey uses the event id when the payload carries one and a
// short content hash otherwise.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
