package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nemtdispatch/internal/model"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed width so created_at sorts as text.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLite is a single-file Store for operators running one depot without a
// Postgres server. Shadow runs are kept as JSON documents.
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (s *SQLite) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Shadow runs

func (s *SQLite) CreateShadowRun(ctx context.Context, run model.ShadowRun) error {
	if run.ID == "" {
		return errMissingRunID
	}
	body, err := json.Marshal(run)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `INSERT INTO shadow_runs (id, opco_id, funding_account_id, run_date, status, created_at, body)
        VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		run.ID, run.Partition.OpCoID, run.Partition.FundingAccountID, run.RunDate, string(run.Status),
		run.CreatedAt.UTC().Format(sqliteTimeLayout), string(body))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunExists
	}
	return nil
}

func (s *SQLite) CompleteShadowRun(ctx context.Context, run model.ShadowRun) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM shadow_runs WHERE id = ? AND opco_id = ? AND funding_account_id = ?`,
			run.ID, run.Partition.OpCoID, run.Partition.FundingAccountID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur model.ShadowRun
		if err := json.Unmarshal([]byte(body), &cur); err != nil {
			return fmt.Errorf("decode shadow run %s: %w", run.ID, err)
		}
		if cur.Status != model.RunPending {
			return ErrRunCompleted
		}
		cur.Status = model.RunCompleted
		cur.Result = run.Result
		cur.LockViolations = run.LockViolations
		cur.SolveDurationMs = run.SolveDurationMs
		cur.LiveDispatched = run.LiveDispatched
		cur.CompletedAt = run.CompletedAt
		updated, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE shadow_runs SET status = ?, body = ? WHERE id = ? AND status = ?`,
			string(model.RunCompleted), string(updated), run.ID, string(model.RunPending))
		return err
	})
}

func (s *SQLite) MarkLiveDispatched(ctx context.Context, p model.Partition, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var body string
		err := tx.QueryRowContext(ctx, `SELECT body FROM shadow_runs WHERE id = ? AND opco_id = ? AND funding_account_id = ?`,
			id, p.OpCoID, p.FundingAccountID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur model.ShadowRun
		if err := json.Unmarshal([]byte(body), &cur); err != nil {
			return fmt.Errorf("decode shadow run %s: %w", id, err)
		}
		if cur.Status != model.RunCompleted {
			return ErrRunPending
		}
		cur.LiveDispatched = true
		updated, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE shadow_runs SET body = ? WHERE id = ?`, string(updated), id)
		return err
	})
}

func (s *SQLite) GetShadowRun(ctx context.Context, p model.Partition, id string) (model.ShadowRun, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM shadow_runs WHERE id = ? AND opco_id = ? AND funding_account_id = ?`,
		id, p.OpCoID, p.FundingAccountID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ShadowRun{}, ErrNotFound
	}
	if err != nil {
		return model.ShadowRun{}, err
	}
	var run model.ShadowRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return model.ShadowRun{}, fmt.Errorf("decode shadow run %s: %w", id, err)
	}
	return run, nil
}

func (s *SQLite) ListShadowRuns(ctx context.Context, p model.Partition, runDate, cursor string, limit int) ([]model.ShadowRun, string, error) {
	limit = clampLimit(limit)
	q := `SELECT body FROM shadow_runs WHERE opco_id = ? AND funding_account_id = ?`
	args := []any{p.OpCoID, p.FundingAccountID}
	if runDate != "" {
		q += ` AND run_date = ?`
		args = append(args, runDate)
	}
	if cursor != "" {
		var createdAt string
		err := s.db.QueryRowContext(ctx, `SELECT created_at FROM shadow_runs WHERE id = ?`, cursor).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return []model.ShadowRun{}, "", nil
		}
		if err != nil {
			return nil, "", err
		}
		q += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, createdAt, createdAt, cursor)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ShadowRun{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, "", err
		}
		var run model.ShadowRun
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return nil, "", err
		}
		out = append(out, run)
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

func (s *SQLite) ListDrivers(ctx context.Context, p model.Partition) ([]model.Driver, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, vehicle_id, capability, reliability_score FROM drivers
        WHERE opco_id = ? AND funding_account_id = ? ORDER BY id`, p.OpCoID, p.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d := model.Driver{Partition: p}
		var capability string
		if err := rows.Scan(&d.ID, &d.Name, &d.VehicleID, &capability, &d.ReliabilityScore); err != nil {
			return nil, err
		}
		d.Capability = model.Mobility(capability)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) ListVehicles(ctx context.Context, p model.Partition) ([]model.Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, capability FROM vehicles WHERE opco_id = ? AND funding_account_id = ? ORDER BY id`,
		p.OpCoID, p.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Vehicle{}
	for rows.Next() {
		v := model.Vehicle{Partition: p}
		var capability string
		if err := rows.Scan(&v.ID, &capability); err != nil {
			return nil, err
		}
		v.Capability = model.Mobility(capability)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRouteTemplates(ctx context.Context, p model.Partition, serviceDate string) ([]model.RouteTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT template FROM route_templates
        WHERE opco_id = ? AND funding_account_id = ? AND service_date = ? ORDER BY driver_id`,
		p.OpCoID, p.FundingAccountID, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RouteTemplate{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var t model.RouteTemplate
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode route template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) ListPayRules(ctx context.Context, p model.Partition) ([]model.PayRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule FROM pay_rules WHERE opco_id = ? AND funding_account_id = ? ORDER BY driver_id`,
		p.OpCoID, p.FundingAccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PayRule{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r model.PayRule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode pay rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) PutDrivers(ctx context.Context, ds []model.Driver) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range ds {
			if _, err := tx.ExecContext(ctx, `INSERT INTO drivers (opco_id, funding_account_id, id, name, vehicle_id, capability, reliability_score)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT(opco_id, funding_account_id, id) DO UPDATE SET name = excluded.name, vehicle_id = excluded.vehicle_id,
                capability = excluded.capability, reliability_score = excluded.reliability_score`,
				d.Partition.OpCoID, d.Partition.FundingAccountID, d.ID, d.Name, d.VehicleID, string(d.Capability), d.ReliabilityScore); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) PutVehicles(ctx context.Context, vs []model.Vehicle) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, v := range vs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO vehicles (opco_id, funding_account_id, id, capability) VALUES (?, ?, ?, ?)
                ON CONFLICT(opco_id, funding_account_id, id) DO UPDATE SET capability = excluded.capability`,
				v.Partition.OpCoID, v.Partition.FundingAccountID, v.ID, string(v.Capability)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) PutRouteTemplates(ctx context.Context, ts []model.RouteTemplate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range ts {
			raw, err := json.Marshal(t)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_templates (opco_id, funding_account_id, service_date, driver_id, template)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT(opco_id, funding_account_id, service_date, driver_id) DO UPDATE SET template = excluded.template`,
				t.Partition.OpCoID, t.Partition.FundingAccountID, t.ServiceDate, t.DriverID, string(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLite) PutPayRules(ctx context.Context, p model.Partition, rs []model.PayRule) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range rs {
			raw, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO pay_rules (opco_id, funding_account_id, driver_id, rule) VALUES (?, ?, ?, ?)
                ON CONFLICT(opco_id, funding_account_id, driver_id) DO UPDATE SET rule = excluded.rule`,
				p.OpCoID, p.FundingAccountID, r.DriverID, string(raw)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Webhook deliveries

func (s *SQLite) EnqueueWebhook(ctx context.Context, partitionKey, eventType, url, secret string, payload []byte) (string, error) {
	dk := computeDedupKey(payload)
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT id FROM webhook_deliveries WHERE partition_key = ? AND event_type = ? AND url = ? AND dedup_key = ?`,
			partitionKey, eventType, url, dk).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, seq, partition_key, event_type, url, secret, payload, status, next_attempt_at, dedup_key)
            VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM webhook_deliveries), ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, partitionKey, eventType, url, secret, payload, DeliveryPending, time.Now().UnixMilli(), dk)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

const deliveryColumns = `id, partition_key, event_type, url, secret, payload, status, attempts, next_attempt_at, last_error, response_code`

func scanDeliveries(rows *sql.Rows) ([]WebhookDelivery, error) {
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var next int64
		if err := rows.Scan(&d.ID, &d.PartitionKey, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status,
			&d.Attempts, &next, &d.LastError, &d.ResponseCode); err != nil {
			return nil, err
		}
		d.NextAttemptAt = time.UnixMilli(next)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
        WHERE status IN (?, ?) AND next_attempt_at <= ? ORDER BY next_attempt_at, seq LIMIT ?`,
		DeliveryPending, DeliveryRetry, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func (s *SQLite) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, response_code = ?, latency_ms = ? WHERE id = ?`,
			DeliveryDelivered, responseCode, latencyMs, id)
	} else {
		next := time.Now().Add(time.Minute)
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, last_error = ?, next_attempt_at = ?,
            response_code = ?, latency_ms = ? WHERE id = ?`,
			DeliveryRetry, lastError, next.UnixMilli(), responseCode, latencyMs, id)
	}
	return affectedOne(res, err)
}

func (s *SQLite) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	res, err := s.exec(ctx, `UPDATE webhook_deliveries SET attempts = attempts + 1, status = ?, last_error = ?, response_code = ?, latency_ms = ? WHERE id = ?`,
		DeliveryFailed, lastError, responseCode, latencyMs, id)
	return affectedOne(res, err)
}

func (s *SQLite) ListWebhookDeliveries(ctx context.Context, partitionKey, status string) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries
        WHERE partition_key = ? AND (? = '' OR status = ?) ORDER BY seq LIMIT ?`, partitionKey, status, status, maxListLimit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
