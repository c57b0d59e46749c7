package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entitlements (
	user_id              TEXT PRIMARY KEY,
	billing_customer_id  TEXT,
	plan                 TEXT NOT NULL DEFAULT 'free',
	subscription_status  TEXT,
	current_period_end   INTEGER,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	CHECK (plan IN ('free', 'pro_monthly', 'pro_yearly')),
	CHECK (plan = 'free' OR (subscription_status IS NOT NULL AND billing_customer_id IS NOT NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_billing_customer_id ON entitlements(billing_customer_id);

CREATE TABLE IF NOT EXISTS subscriptions (
	subscription_id       TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL DEFAULT '',
	billing_customer_id   TEXT NOT NULL DEFAULT '',
	price_id              TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	current_period_start  INTEGER,
	current_period_end    INTEGER,
	cancel_at_period_end  INTEGER NOT NULL DEFAULT 0,
	last_event_at         INTEGER NOT NULL DEFAULT 0,
	created_at            INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_billing_customer_id ON subscriptions(billing_customer_id);
`

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeValue:   func(t time.Time) any { return t.Unix() },
	boolValue:   func(b bool) any { return boolToInt(b) },
	greatest:    "MAX",
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a Store backed by a single SQLite database file.
type SQLiteStore struct {
	*sqliteQueries
	db *sql.DB
}

type sqliteQueries struct {
	q   sqlQuerier
	now func() time.Time
}

// OpenSQLite opens (or creates) the entitlement database in dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create entitlements dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlements db: %w", err)
	}
	// A single connection serializes writers; transactions hold it for their
	// whole lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		sqliteQueries: &sqliteQueries{q: db, now: time.Now},
		db:            db,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("init entitlements schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside a transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin entitlements tx: %w", err)
	}
	if err := fn(&sqliteQueries{q: tx, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback entitlements tx: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entitlements tx: %w", err)
	}
	return nil
}

// CountByPlanStatus returns the number of entitlements per (plan, status).
func (s *SQLiteStore) CountByPlanStatus(ctx context.Context) (map[PlanStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plan, COALESCE(subscription_status, ''), COUNT(*)
		FROM entitlements GROUP BY plan, subscription_status`)
	if err != nil {
		return nil, fmt.Errorf("count entitlements by plan: %w", err)
	}
	defer rows.Close()

	counts := make(map[PlanStatus]int)
	for rows.Next() {
		var plan, status string
		var count int
		if err := rows.Scan(&plan, &status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[PlanStatus{Plan: Plan(plan), Status: SubscriptionStatus(status)}] += count
	}
	return counts, rows.Err()
}

const selectEntitlement = `SELECT
	user_id, billing_customer_id, plan, subscription_status,
	current_period_end, created_at, updated_at
	FROM entitlements`

func (q *sqliteQueries) GetByUserID(ctx context.Context, userID string) (*Entitlement, error) {
	row := q.q.QueryRowContext(ctx, selectEntitlement+` WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

func (q *sqliteQueries) GetByBillingCustomerID(ctx context.Context, customerID string) (*Entitlement, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	row := q.q.QueryRowContext(ctx, selectEntitlement+` WHERE billing_customer_id = ?`, customerID)
	return scanEntitlement(row)
}

func (q *sqliteQueries) EnsureUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	now := q.now().UTC().Unix()
	if _, err := q.q.ExecContext(ctx, `INSERT INTO entitlements (user_id, plan, created_at, updated_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, string(PlanFree), now, now); err != nil {
		return fmt.Errorf("ensure entitlement for user: %w", err)
	}
	return nil
}

func (q *sqliteQueries) UpdateByUserID(ctx context.Context, userID string, u EntitlementUpdate) (int64, error) {
	return q.update(ctx, "user_id", userID, u)
}

func (q *sqliteQueries) UpdateByBillingCustomerID(ctx context.Context, customerID string, u EntitlementUpdate) (int64, error) {
	if strings.TrimSpace(customerID) == "" {
		return 0, nil
	}
	return q.update(ctx, "billing_customer_id", customerID, u)
}

func (q *sqliteQueries) update(ctx context.Context, column, key string, u EntitlementUpdate) (int64, error) {
	if err := validateUpdate(u); err != nil {
		return 0, err
	}
	set, args := buildEntitlementSet(sqliteDialect, u, q.now().UTC())
	args = append(args, key)
	res, err := q.q.ExecContext(ctx, `UPDATE entitlements SET `+set+` WHERE `+column+` = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("update entitlement by %s: %w", column, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update entitlement by %s: rows affected: %w", column, err)
	}
	return affected, nil
}

func (q *sqliteQueries) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error) {
	row := q.q.QueryRowContext(ctx, `SELECT
		subscription_id, user_id, billing_customer_id, price_id, status,
		current_period_start, current_period_end, cancel_at_period_end,
		last_event_at, created_at, updated_at
		FROM subscriptions WHERE subscription_id = ?`, subscriptionID)
	return scanSubscription(row)
}

func (q *sqliteQueries) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
	if rec == nil {
		return fmt.Errorf("subscription record is nil")
	}
	if strings.TrimSpace(rec.SubscriptionID) == "" {
		return fmt.Errorf("subscription id is required")
	}
	now := q.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	res, err := q.q.ExecContext(ctx, `
		INSERT INTO subscriptions (
			subscription_id, user_id, billing_customer_id, price_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			last_event_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			user_id = CASE WHEN excluded.user_id <> '' THEN excluded.user_id ELSE subscriptions.user_id END,
			billing_customer_id = CASE WHEN excluded.billing_customer_id <> '' THEN excluded.billing_customer_id ELSE subscriptions.billing_customer_id END,
			price_id = excluded.price_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_event_at >= subscriptions.last_event_at`,
		rec.SubscriptionID, rec.UserID, rec.BillingCustomerID, rec.PriceID, string(rec.Status),
		nullableTimeUnix(rec.CurrentPeriodStart), nullableTimeUnix(rec.CurrentPeriodEnd), boolToInt(rec.CancelAtPeriodEnd),
		rec.LastEventAt.Unix(), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert subscription: rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleEvent
	}
	return nil
}

func (q *sqliteQueries) UpdateSubscriptionByExternalID(ctx context.Context, subscriptionID string, u SubscriptionUpdate) (int64, error) {
	query, args := buildSubscriptionUpdate(sqliteDialect, subscriptionID, u, q.now().UTC())
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update subscription: rows affected: %w", err)
	}
	if affected > 0 || u.Terminal {
		return affected, nil
	}

	var exists int
	err = q.q.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE subscription_id = ?`, subscriptionID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("lookup subscription: %w", err)
	default:
		return 0, ErrStaleEvent
	}
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(s scanner) (*Entitlement, error) {
	var e Entitlement
	var customerID, status sql.NullString
	var plan string
	var periodEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&e.UserID, &customerID, &plan, &status, &periodEnd, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	e.BillingCustomerID = customerID.String
	e.Plan = Plan(plan)
	e.SubscriptionStatus = SubscriptionStatus(status.String)
	e.CurrentPeriodEnd = unixPtr(periodEnd)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &e, nil
}

func scanSubscription(s scanner) (*SubscriptionRecord, error) {
	var r SubscriptionRecord
	var status string
	var periodStart, periodEnd sql.NullInt64
	var cancelAtPeriodEnd int
	var lastEventAt, createdAt, updatedAt int64

	err := s.Scan(
		&r.SubscriptionID, &r.UserID, &r.BillingCustomerID, &r.PriceID, &status,
		&periodStart, &periodEnd, &cancelAtPeriodEnd,
		&lastEventAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	r.Status = SubscriptionStatus(status)
	r.CurrentPeriodStart = unixPtr(periodStart)
	r.CurrentPeriodEnd = unixPtr(periodEnd)
	r.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	r.LastEventAt = time.Unix(lastEventAt, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &r, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
