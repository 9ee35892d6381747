package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"nemtdispatch/internal/model"
)

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

// MigrateDir applies every *.sql file in dir, in name order, that has not
// been recorded in schema_migrations yet.
func (p *Postgres) MigrateDir(dir string) error {
	ctx := context.Background()
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, f := range files {
		version := strings.TrimSuffix(filepath.Base(f), ".sql")
		var n int
		if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version=$1`, version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if n > 0 {
			continue
		}
		body, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Shadow runs

func (p *Postgres) CreateShadowRun(ctx context.Context, run model.ShadowRun) error {
	if run.ID == "" {
		return errMissingRunID
	}
	id, err := uuid.Parse(run.ID)
	if err != nil {
		return fmt.Errorf("shadow run id: %w", err)
	}
	input, err := json.Marshal(run.Input)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO shadow_runs (id, opco_id, funding_account_id, run_date, status, shadow_mode, live_dispatched, input, lock_violations, solve_duration_ms, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11) ON CONFLICT (id) DO NOTHING`,
		id, run.Partition.OpCoID, run.Partition.FundingAccountID, run.RunDate, string(run.Status), run.ShadowMode,
		run.LiveDispatched, string(input), run.LockViolations, run.SolveDurationMs, run.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunExists
	}
	return nil
}

func (p *Postgres) CompleteShadowRun(ctx context.Context, run model.ShadowRun) error {
	if run.Result == nil {
		return fmt.Errorf("complete shadow run %s: result is required", run.ID)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE shadow_runs SET status='completed', result=$4::jsonb, lock_violations=$5, solve_duration_ms=$6, live_dispatched=$7, completed_at=$8
        WHERE id=$1 AND opco_id=$2 AND funding_account_id=$3 AND status='pending'`,
		run.ID, run.Partition.OpCoID, run.Partition.FundingAccountID, string(result), run.LockViolations,
		run.SolveDurationMs, run.LiveDispatched, run.CompletedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.GetShadowRun(ctx, run.Partition, run.ID); err != nil {
		return err
	}
	return ErrRunCompleted
}

func (p *Postgres) MarkLiveDispatched(ctx context.Context, part model.Partition, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE shadow_runs SET live_dispatched=true
        WHERE id=$1 AND opco_id=$2 AND funding_account_id=$3 AND status='completed'`,
		id, part.OpCoID, part.FundingAccountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.GetShadowRun(ctx, part, id); err != nil {
		return err
	}
	return ErrRunPending
}

const shadowRunColumns = `id::text, opco_id, funding_account_id, run_date, status, shadow_mode, live_dispatched, input, result, lock_violations, solve_duration_ms, created_at, completed_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanShadowRun(s rowScanner) (model.ShadowRun, error) {
	var (
		r           model.ShadowRun
		status      string
		input       []byte
		result      []byte
		completedAt sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.Partition.OpCoID, &r.Partition.FundingAccountID, &r.RunDate, &status, &r.ShadowMode,
		&r.LiveDispatched, &input, &result, &r.LockViolations, &r.SolveDurationMs, &r.CreatedAt, &completedAt); err != nil {
		return r, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal(input, &r.Input); err != nil {
		return r, fmt.Errorf("decode run input: %w", err)
	}
	if len(result) > 0 {
		var res model.ResultSnapshot
		if err := json.Unmarshal(result, &res); err != nil {
			return r, fmt.Errorf("decode run result: %w", err)
		}
		r.Result = &res
	}
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func (p *Postgres) GetShadowRun(ctx context.Context, part model.Partition, id string) (model.ShadowRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.ShadowRun{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+shadowRunColumns+` FROM shadow_runs WHERE id=$1 AND opco_id=$2 AND funding_account_id=$3`,
		id, part.OpCoID, part.FundingAccountID)
	r, err := scanShadowRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ShadowRun{}, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListShadowRuns(ctx context.Context, part model.Partition, runDate, cursor string, limit int) ([]model.ShadowRun, string, error) {
	limit = clampLimit(limit)
	q := `SELECT ` + shadowRunColumns + ` FROM shadow_runs WHERE opco_id=$1 AND funding_account_id=$2`
	args := []any{part.OpCoID, part.FundingAccountID}
	if runDate != "" {
		args = append(args, runDate)
		q += fmt.Sprintf(` AND run_date=$%d`, len(args))
	}
	if cursor != "" {
		if _, err := uuid.Parse(cursor); err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, cursor)
		q += fmt.Sprintf(` AND (created_at, id) < (SELECT created_at, id FROM shadow_runs WHERE id=$%d)`, len(args))
	}
	args = append(args, limit+1)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ShadowRun{}
	for rows.Next() {
		r, err := scanShadowRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

// Reference data

func (p *Postgres) ListDrivers(ctx context.Context, part model.Partition) ([]model.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, vehicle_id, capability, reliability_score FROM drivers
        WHERE opco_id=$1 AND funding_account_id=$2 ORDER BY id`, part.OpCoID, part.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d := model.Driver{Partition: part}
		var capability string
		if err := rows.Scan(&d.ID, &d.Name, &d.VehicleID, &capability, &d.ReliabilityScore); err != nil {
			return nil, err
		}
		d.Capability = model.Mobility(capability)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) ListVehicles(ctx context.Context, part model.Partition) ([]model.Vehicle, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, capability FROM vehicles WHERE opco_id=$1 AND funding_account_id=$2 ORDER BY id`,
		part.OpCoID, part.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v := model.Vehicle{Partition: part}
		var capability string
		if err := rows.Scan(&v.ID, &capability); err != nil {
			return nil, err
		}
		v.Capability = model.Mobility(capability)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRouteTemplates(ctx context.Context, part model.Partition, serviceDate string) ([]model.RouteTemplate, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT driver_id, vehicle_id, shift_start, shift_end, slots FROM route_templates
        WHERE opco_id=$1 AND funding_account_id=$2 AND service_date=$3 ORDER BY driver_id`,
		part.OpCoID, part.FundingAccountID, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RouteTemplate{}
	for rows.Next() {
		t := model.RouteTemplate{Partition: part, ServiceDate: serviceDate}
		var start, end sql.NullTime
		var slots []byte
		if err := rows.Scan(&t.DriverID, &t.VehicleID, &start, &end, &slots); err != nil {
			return nil, err
		}
		t.ShiftStart, t.ShiftEnd = start.Time, end.Time
		if err := json.Unmarshal(slots, &t.Slots); err != nil {
			return nil, fmt.Errorf("decode slots for %s: %w", t.DriverID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) ListPayRules(ctx context.Context, part model.Partition) ([]model.PayRule, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT rule FROM pay_rules WHERE opco_id=$1 AND funding_account_id=$2 ORDER BY driver_id`,
		part.OpCoID, part.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PayRule{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r model.PayRule
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode pay rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) PutDrivers(ctx context.Context, ds []model.Driver) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range ds {
			if _, err := tx.ExecContext(ctx, `INSERT INTO drivers (opco_id, funding_account_id, id, name, vehicle_id, capability, reliability_score)
                VALUES ($1,$2,$3,$4,$5,$6,$7)
                ON CONFLICT (opco_id, funding_account_id, id) DO UPDATE SET name=EXCLUDED.name, vehicle_id=EXCLUDED.vehicle_id,
                capability=EXCLUDED.capability, reliability_score=EXCLUDED.reliability_score`,
				d.Partition.OpCoID, d.Partition.FundingAccountID, d.ID, d.Name, d.VehicleID, string(d.Capability), d.ReliabilityScore); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) PutVehicles(ctx context.Context, vs []model.Vehicle) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, v := range vs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO vehicles (opco_id, funding_account_id, id, capability) VALUES ($1,$2,$3,$4)
                ON CONFLICT (opco_id, funding_account_id, id) DO UPDATE SET capability=EXCLUDED.capability`,
				v.Partition.OpCoID, v.Partition.FundingAccountID, v.ID, string(v.Capability)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) PutRouteTemplates(ctx context.Context, ts []model.RouteTemplate) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range ts {
			slots, err := json.Marshal(t.Slots)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_templates (opco_id, funding_account_id, service_date, driver_id, vehicle_id, shift_start, shift_end, slots)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb)
                ON CONFLICT (opco_id, funding_account_id, service_date, driver_id) DO UPDATE SET vehicle_id=EXCLUDED.vehicle_id,
                shift_start=EXCLUDED.shift_start, shift_end=EXCLUDED.shift_end, slots=EXCLUDED.slots`,
				t.Partition.OpCoID, t.Partition.FundingAccountID, t.ServiceDate, t.DriverID, t.VehicleID,
				nullTime(t.ShiftStart), nullTime(t.ShiftEnd), string(slots)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) PutPayRules(ctx context.Context, part model.Partition, rs []model.PayRule) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rs {
			raw, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO pay_rules (opco_id, funding_account_id, driver_id, rule) VALUES ($1,$2,$3,$4::jsonb)
                ON CONFLICT (opco_id, funding_account_id, driver_id) DO UPDATE SET rule=EXCLUDED.rule`,
				part.OpCoID, part.FundingAccountID, r.DriverID, string(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, partitionKey, eventType, url, secret string, payload []byte) (string, error) {
	dk := computeDedupKey(payload)
	var id string
	err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, partition_key, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),$7)
        ON CONFLICT (partition_key, event_type, url, dedup_key) DO NOTHING RETURNING id::text`,
		uuid.New(), partitionKey, eventType, url, nullIfEmpty(secret), payload, dk).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = p.db.QueryRowContext(ctx, `SELECT id::text FROM webhook_deliveries WHERE partition_key=$1 AND event_type=$2 AND url=$3 AND dedup_key=$4`,
			partitionKey, eventType, url, dk).Scan(&id)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, partition_key, event_type, url, COALESCE(secret,''), payload, status, attempts, next_attempt_at
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.PartitionKey, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`,
		id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, partitionKey, status string) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, partition_key, event_type, url, payload, status, attempts, next_attempt_at, COALESCE(last_error,''), COALESCE(response_code,0)
        FROM webhook_deliveries WHERE partition_key=$1 AND ($2='' OR status=$2) ORDER BY next_attempt_at DESC LIMIT 500`, partitionKey, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.PartitionKey, &d.EventType, &d.URL, &d.Payload, &d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.ResponseCode); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
