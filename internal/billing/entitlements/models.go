package entitlements

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// ErrStaleEvent is returned when a subscription write carries an event older
// than the one already applied to the stored record.
var ErrStaleEvent = errors.New("subscription event is older than stored state")

// Plan is the tier a user is entitled to.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanProMonthly Plan = "pro_monthly"
	PlanProYearly  Plan = "pro_yearly"
)

// IsPaid reports whether the plan is one of the paid tiers.
func (p Plan) IsPaid() bool {
	return p == PlanProMonthly || p == PlanProYearly
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanProMonthly, PlanProYearly:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the provider's subscription status. The empty
// value means no subscription has ever been recorded for the user.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = ""
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
	StatusTrialing   SubscriptionStatus = "trialing"
)

// ParseSubscriptionStatus maps a raw provider status onto the stored status
// set. Unrecognized values never map to active.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "paused":
		return StatusPastDue
	case "canceled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusIncomplete
	}
}

// Label returns the status for use in metrics and logs.
func (s SubscriptionStatus) Label() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// Entitlement is the locally stored billing state of one user.
type Entitlement struct {
	UserID             string             `json:"user_id"`
	BillingCustomerID  string             `json:"billing_customer_id,omitempty"`
	Plan               Plan               `json:"plan"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// EntitlementUpdate is a partial update of an entitlement row. Nil fields are
// left untouched.
type EntitlementUpdate struct {
	// BillingCustomerID is only written when the stored id is unset.
	BillingCustomerID  string
	Plan               *Plan
	SubscriptionStatus *SubscriptionStatus
	// CurrentPeriodEnd clears the column when set to an invalid NullTime.
	CurrentPeriodEnd *sql.NullTime
}

func (u EntitlementUpdate) empty() bool {
	return u.BillingCustomerID == "" && u.Plan == nil && u.SubscriptionStatus == nil && u.CurrentPeriodEnd == nil
}

// SubscriptionRecord is the local copy of one provider subscription.
type SubscriptionRecord struct {
	SubscriptionID     string             `json:"subscription_id"`
	UserID             string             `json:"user_id,omitempty"`
	BillingCustomerID  string             `json:"billing_customer_id,omitempty"`
	PriceID            string             `json:"price_id"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	// LastEventAt is the creation time of the newest provider event applied.
	LastEventAt time.Time `json:"last_event_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubscriptionUpdate is a partial update of a subscription record keyed by
// the provider's subscription id.
type SubscriptionUpdate struct {
	Status             SubscriptionStatus
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
	EventAt            time.Time
	// Terminal updates apply regardless of event ordering.
	Terminal bool
}

// PlanStatus is a (plan, status) pair used for aggregate counts.
type PlanStatus struct {
	Plan   Plan
	Status SubscriptionStatus
}

// PlanPtr and StatusPtr are small helpers for building partial updates.
func PlanPtr(p Plan) *Plan { return &p }

func StatusPtr(s SubscriptionStatus) *SubscriptionStatus { return &s }

// PeriodEnd converts an optional timestamp into an update value that either
// sets or clears current_period_end.
func PeriodEnd(t *time.Time) *sql.NullTime {
	if t == nil || t.IsZero() {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: t.UTC(), Valid: true}
}
