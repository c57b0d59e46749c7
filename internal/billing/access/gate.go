// Package access decides whether the current user may use paid features.
//
// Every decision reads the entitlement store; nothing is cached, so a
// revocation applied by the sync handlers takes effect on the next check.
// Any failure to establish the user's entitlement denies access.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/rs/zerolog/log"
)

// ErrElevatedAccessRequired is returned by RequireAccess when the user is not
// on an active paid plan.
var ErrElevatedAccessRequired = errors.New("elevated access required")

const defaultReadTimeout = 2 * time.Second

// EntitlementReader is the read side of the entitlement store.
type EntitlementReader interface {
	GetByUserID(ctx context.Context, userID string) (*entitlements.Entitlement, error)
}

// Gate answers access questions for the current request's user.
type Gate struct {
	store       EntitlementReader
	identity    identity.Provider
	readTimeout time.Duration
}

// NewGate creates a Gate. A non-positive readTimeout selects a default.
func NewGate(store EntitlementReader, provider identity.Provider, readTimeout time.Duration) *Gate {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &Gate{
		store:       store,
		identity:    provider,
		readTimeout: readTimeout,
	}
}

// IsElevated reports whether e grants paid-tier access: a paid plan with an
// active subscription. A nil entitlement is never elevated.
func IsElevated(e *entitlements.Entitlement) bool {
	if e == nil {
		return false
	}
	return e.Plan.IsPaid() && e.SubscriptionStatus == entitlements.StatusActive
}

// CheckAccess reports whether the current user has elevated access.
func (g *Gate) CheckAccess(ctx context.Context) bool {
	userID, err := g.identity.CurrentUserID(ctx)
	if err != nil {
		billmetrics.AccessChecksTotal.WithLabelValues("denied").Inc()
		return false
	}
	return g.CheckAccessFor(ctx, userID)
}

// CheckAccessFor reports whether userID has elevated access.
func (g *Gate) CheckAccessFor(ctx context.Context, userID string) bool {
	e, err := g.read(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Entitlement read failed, denying access")
		billmetrics.AccessChecksTotal.WithLabelValues("error").Inc()
		return false
	}
	if IsElevated(e) {
		billmetrics.AccessChecksTotal.WithLabelValues("granted").Inc()
		return true
	}
	billmetrics.AccessChecksTotal.WithLabelValues("denied").Inc()
	return false
}

// RequireAccess returns ErrElevatedAccessRequired unless the current user has
// elevated access.
func (g *Gate) RequireAccess(ctx context.Context) error {
	if !g.CheckAccess(ctx) {
		return ErrElevatedAccessRequired
	}
	return nil
}

// Entitlement returns the current user's stored entitlement, or nil if the
// user has none.
func (g *Gate) Entitlement(ctx context.Context) (*entitlements.Entitlement, error) {
	userID, err := g.identity.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	return g.read(ctx, userID)
}

func (g *Gate) read(ctx context.Context, userID string) (*entitlements.Entitlement, error) {
	if userID == "" {
		return nil, identity.ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(ctx, g.readTimeout)
	defer cancel()
	return g.store.GetByUserID(ctx, userID)
}

// Middleware rejects requests from users without elevated access with 402.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.CheckAccess(r.Context()) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "upgrade_required",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
