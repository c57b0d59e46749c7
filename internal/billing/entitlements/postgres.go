package entitlements

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "entitlements_schema_migrations"

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeValue:   func(t time.Time) any { return t.UTC() },
	boolValue:   func(b bool) any { return b },
	greatest:    "GREATEST",
}

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	URL           string
	MaxConns      int32
	MinConns      int32
	RetryAttempts int
	RetryInterval time.Duration
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

type pgQueries struct {
	q   pgQuerier
	now func() time.Time
}

// ConnectPostgres opens a pool, retrying while the database comes up.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("postgres connection url is empty")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var lastErr error
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return &PostgresStore{
					pgQueries: &pgQueries{q: pool, now: time.Now},
					pool:      pool,
				}, nil
			}
			pool.Close()
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("Postgres not ready, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * interval):
		}
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempts, lastErr)
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close migration connection")
		}
	}()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})
	goose.SetTableName(migrationsTable)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply entitlement migrations: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// InTx runs fn inside a transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{q: tx, now: s.now})
	})
}

// CountByPlanStatus returns the number of entitlements per (plan, status).
func (s *PostgresStore) CountByPlanStatus(ctx context.Context) (map[PlanStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT plan, COALESCE(subscription_status, ''), COUNT(*)
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

func (q *pgQueries) GetByUserID(ctx context.Context, userID string) (*Entitlement, error) {
	return pgScanEntitlement(q.q.QueryRow(ctx, selectEntitlement+` WHERE user_id = $1`, userID))
}

func (q *pgQueries) GetByBillingCustomerID(ctx context.Context, customerID string) (*Entitlement, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, nil
	}
	return pgScanEntitlement(q.q.QueryRow(ctx, selectEntitlement+` WHERE billing_customer_id = $1`, customerID))
}

func (q *pgQueries) EnsureUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	now := q.now().UTC()
	if _, err := q.q.Exec(ctx, `INSERT INTO entitlements (user_id, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $3) ON CONFLICT (user_id) DO NOTHING`,
		userID, string(PlanFree), now); err != nil {
		return fmt.Errorf("ensure entitlement for user: %w", err)
	}
	return nil
}

func (q *pgQueries) UpdateByUserID(ctx context.Context, userID string, u EntitlementUpdate) (int64, error) {
	return q.update(ctx, "user_id", userID, u)
}

func (q *pgQueries) UpdateByBillingCustomerID(ctx context.Context, customerID string, u EntitlementUpdate) (int64, error) {
	if strings.TrimSpace(customerID) == "" {
		return 0, nil
	}
	return q.update(ctx, "billing_customer_id", customerID, u)
}

func (q *pgQueries) update(ctx context.Context, column, key string, u EntitlementUpdate) (int64, error) {
	if err := validateUpdate(u); err != nil {
		return 0, err
	}
	set, args := buildEntitlementSet(postgresDialect, u, q.now().UTC())
	args = append(args, key)
	tag, err := q.q.Exec(ctx, `UPDATE entitlements SET `+set+` WHERE `+column+` = $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return 0, fmt.Errorf("update entitlement by %s: %w", column, err)
	}
	return tag.RowsAffected(), nil
}

func (q *pgQueries) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error) {
	row := q.q.QueryRow(ctx, `SELECT
		subscription_id, user_id, billing_customer_id, price_id, status,
		current_period_start, current_period_end, cancel_at_period_end,
		last_event_at, created_at, updated_at
		FROM subscriptions WHERE subscription_id = $1`, subscriptionID)

	var r SubscriptionRecord
	var status string
	err := row.Scan(
		&r.SubscriptionID, &r.UserID, &r.BillingCustomerID, &r.PriceID, &status,
		&r.CurrentPeriodStart, &r.CurrentPeriodEnd, &r.CancelAtPeriodEnd,
		&r.LastEventAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	r.Status = SubscriptionStatus(status)
	return &r, nil
}

func (q *pgQueries) UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error {
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

	tag, err := q.q.Exec(ctx, `
		INSERT INTO subscriptions (
			subscription_id, user_id, billing_customer_id, price_id, status,
			current_period_start, current_period_end, cancel_at_period_end,
			last_event_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (subscription_id) DO UPDATE SET
			user_id = CASE WHEN EXCLUDED.user_id <> '' THEN EXCLUDED.user_id ELSE subscriptions.user_id END,
			billing_customer_id = CASE WHEN EXCLUDED.billing_customer_id <> '' THEN EXCLUDED.billing_customer_id ELSE subscriptions.billing_customer_id END,
			price_id = EXCLUDED.price_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			last_event_at = EXCLUDED.last_event_at,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.last_event_at >= subscriptions.last_event_at`,
		rec.SubscriptionID, rec.UserID, rec.BillingCustomerID, rec.PriceID, string(rec.Status),
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd,
		rec.LastEventAt.UTC(), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleEvent
	}
	return nil
}

func (q *pgQueries) UpdateSubscriptionByExternalID(ctx context.Context, subscriptionID string, u SubscriptionUpdate) (int64, error) {
	query, args := buildSubscriptionUpdate(postgresDialect, subscriptionID, u, q.now().UTC())
	tag, err := q.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() > 0 || u.Terminal {
		return tag.RowsAffected(), nil
	}

	var exists int
	err = q.q.QueryRow(ctx, `SELECT 1 FROM subscriptions WHERE subscription_id = $1`, subscriptionID).Scan(&exists)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("lookup subscription: %w", err)
	default:
		return 0, ErrStaleEvent
	}
}

func pgScanEntitlement(row pgx.Row) (*Entitlement, error) {
	var e Entitlement
	var customerID, status *string
	var plan string

	err := row.Scan(&e.UserID, &customerID, &plan, &status, &e.CurrentPeriodEnd, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	if customerID != nil {
		e.BillingCustomerID = *customerID
	}
	if status != nil {
		e.SubscriptionStatus = SubscriptionStatus(*status)
	}
	e.Plan = Plan(plan)
	return &e, nil
}

// gooseLogger routes migration output through zerolog.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (gooseLogger) Printf(format string, v ...any) {
	log.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
