package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Queries are the entitlement reads and writes available both on a Store and
// inside a Store transaction.
//
// Gets return (nil, nil) when no row matches. Updates return the number of
// rows matched so callers can detect writes that hit nothing.
type Queries interface {
	GetByUserID(ctx context.Context, userID string) (*Entitlement, error)
	GetByBillingCustomerID(ctx context.Context, customerID string) (*Entitlement, error)

	// EnsureUser creates a free entitlement row for userID if none exists.
	EnsureUser(ctx context.Context, userID string) error

	UpdateByUserID(ctx context.Context, userID string, u EntitlementUpdate) (int64, error)
	UpdateByBillingCustomerID(ctx context.Context, customerID string, u EntitlementUpdate) (int64, error)

	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRecord, error)

	// UpsertSubscription inserts or replaces the record keyed by
	// SubscriptionID. It returns ErrStaleEvent when the stored record was
	// produced by a newer event.
	UpsertSubscription(ctx context.Context, rec *SubscriptionRecord) error

	// UpdateSubscriptionByExternalID applies u to an existing record. It
	// returns ErrStaleEvent when the stored record is newer than u.EventAt and
	// u is not terminal, and (0, nil) when no record exists.
	UpdateSubscriptionByExternalID(ctx context.Context, subscriptionID string, u SubscriptionUpdate) (int64, error)
}

// Store is a durable entitlement store.
type Store interface {
	Queries

	// InTx runs fn inside a single transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(q Queries) error) error

	CountByPlanStatus(ctx context.Context) (map[PlanStatus]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// dialect captures the differences between the SQL backends when building
// statements shared by both.
type dialect struct {
	placeholder func(n int) string
	timeValue   func(t time.Time) any
	boolValue   func(b bool) any
	greatest    string
}

// buildSubscriptionUpdate renders a version-gated UPDATE for the
// subscriptions table.
func buildSubscriptionUpdate(d dialect, subscriptionID string, u SubscriptionUpdate, now time.Time) (string, []any) {
	var sets []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if u.Status != StatusNone {
		sets = append(sets, "status = "+next(string(u.Status)))
	}
	if id := strings.TrimSpace(u.PriceID); id != "" {
		sets = append(sets, "price_id = "+next(id))
	}
	if u.CurrentPeriodStart != nil {
		sets = append(sets, "current_period_start = "+next(d.timeValue(*u.CurrentPeriodStart)))
	}
	if u.CurrentPeriodEnd != nil {
		sets = append(sets, "current_period_end = "+next(d.timeValue(*u.CurrentPeriodEnd)))
	}
	if u.CancelAtPeriodEnd != nil {
		sets = append(sets, "cancel_at_period_end = "+next(d.boolValue(*u.CancelAtPeriodEnd)))
	}
	if u.Terminal {
		sets = append(sets, fmt.Sprintf("last_event_at = %s(last_event_at, %s)", d.greatest, next(d.timeValue(u.EventAt))))
	} else {
		sets = append(sets, "last_event_at = "+next(d.timeValue(u.EventAt)))
	}
	sets = append(sets, "updated_at = "+next(d.timeValue(now)))

	query := "UPDATE subscriptions SET " + strings.Join(sets, ", ") + " WHERE subscription_id = " + next(subscriptionID)
	if !u.Terminal {
		query += " AND last_event_at <= " + next(d.timeValue(u.EventAt))
	}
	return query, args
}

// buildEntitlementSet renders the SET clause for an entitlement update.
// Argument numbering starts at 1.
func buildEntitlementSet(d dialect, u EntitlementUpdate, now time.Time) (string, []any) {
	var sets []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, d.placeholder(len(args))))
	}

	if id := strings.TrimSpace(u.BillingCustomerID); id != "" {
		add("billing_customer_id = COALESCE(billing_customer_id, %s)", id)
	}
	if u.Plan != nil {
		add("plan = %s", string(*u.Plan))
	}
	if u.SubscriptionStatus != nil {
		add("subscription_status = %s", nullableString(string(*u.SubscriptionStatus)))
	}
	if u.CurrentPeriodEnd != nil {
		if u.CurrentPeriodEnd.Valid {
			add("current_period_end = %s", d.timeValue(u.CurrentPeriodEnd.Time))
		} else {
			add("current_period_end = %s", nil)
		}
	}
	add("updated_at = %s", d.timeValue(now))
	return strings.Join(sets, ", "), args
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func validateUpdate(u EntitlementUpdate) error {
	if u.empty() {
		return fmt.Errorf("entitlement update has no fields")
	}
	if u.Plan != nil && !u.Plan.Valid() {
		return fmt.Errorf("invalid plan %q", *u.Plan)
	}
	return nil
}
