package billing

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/pulse-entitlements/internal/billing/access"
	"github.com/rcourtman/pulse-entitlements/internal/billing/admin"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/rcourtman/pulse-entitlements/internal/billing/plans"
	"github.com/rcourtman/pulse-entitlements/internal/billing/records"
	billingstripe "github.com/rcourtman/pulse-entitlements/internal/billing/stripe"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rs/zerolog/log"
)

// StripeClient is the provider surface the service needs.
type StripeClient interface {
	billingstripe.SubscriptionFetcher
	billingstripe.CheckoutClient
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config  *Config
	Store   entitlements.Store
	Records records.Store
	Stripe  StripeClient
	Version string

	// Limiters are created by RegisterRoutes when nil.
	WebhookLimiter *RateLimiter
	APILimiter     *RateLimiter
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	cfg := deps.Config
	keys := admin.NewKeyMatcher(cfg.AdminKey)
	adminAuth := func(next http.Handler) http.Handler {
		return admin.AdminKeyMiddleware(keys, next)
	}

	sessions := identity.NewSessionVerifier(cfg.SessionSecret, cfg.SessionIssuer)
	provider := identity.ContextProvider{}
	userAuth := func(next http.Handler) http.Handler {
		return sessions.Middleware(ensureUser(deps.Store, next))
	}

	if deps.WebhookLimiter == nil {
		deps.WebhookLimiter = NewRateLimiter(120, time.Minute)
	}
	if deps.APILimiter == nil {
		deps.APILimiter = NewRateLimiter(300, time.Minute)
	}

	resolver := plans.New(cfg.PriceIDProMonthly, cfg.PriceIDProYearly)
	gate := access.NewGate(deps.Store, provider, cfg.AccessReadTimeout)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", admin.HandleHealthz)
	mux.HandleFunc("/readyz", admin.HandleReadyz(deps.Store))

	metricsHandler := promhttp.Handler()
	if cfg.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	syncer := billingstripe.NewSyncer(deps.Store, deps.Stripe, resolver)
	webhook := billingstripe.NewWebhookHandler(
		billingstripe.NewVerifier(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance),
		billingstripe.NewDispatcher(syncer),
		cfg.WebhookTimeout,
	)
	mux.Handle("/api/stripe/webhook", deps.WebhookLimiter.Middleware(webhook))

	// Admin API (key-authenticated)
	mux.Handle("/admin/status", adminAuth(admin.HandleStatus(deps.Store, deps.Version)))
	mux.Handle("/admin/entitlements/{user_id}", adminAuth(admin.HandleGetEntitlement(deps.Store)))

	// User API (session-authenticated)
	api := func(next http.Handler) http.Handler {
		return deps.APILimiter.Middleware(userAuth(next))
	}
	mux.Handle("/api/entitlement", api(handleEntitlement(gate)))

	checkout := billingstripe.NewCheckoutHandlers(
		billingstripe.NewCheckoutService(deps.Stripe, deps.Store, resolver, cfg.AppURL),
		provider,
	)
	mux.Handle("/api/billing/checkout", api(http.HandlerFunc(checkout.HandleCheckout)))
	mux.Handle("/api/billing/portal", api(http.HandlerFunc(checkout.HandlePortal)))

	recs := records.NewHandlers(records.NewService(deps.Records, gate, provider, cfg.FreeRecordLimit))
	mux.Handle("/api/records", api(http.HandlerFunc(recs.HandleRecords)))
	mux.Handle("/api/records/export", api(gate.Middleware(http.HandlerFunc(recs.HandleExport))))
	mux.Handle("/api/analytics", api(gate.Middleware(http.HandlerFunc(recs.HandleAnalytics))))
}

// ensureUser creates the free entitlement row for an authenticated user the
// first time they are seen, so webhook writes always have a row to update.
func ensureUser(store entitlements.Queries, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := identity.ContextProvider{}.CurrentUserID(r.Context())
		if err == nil {
			if err := store.EnsureUser(r.Context(), userID); err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to ensure entitlement row")
			}
		}
		next.ServeHTTP(w, r)
	})
}

type entitlementView struct {
	UserID             string     `json:"user_id"`
	Plan               string     `json:"plan"`
	SubscriptionStatus string     `json:"subscription_status"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	Elevated           bool       `json:"elevated"`
}

func handleEntitlement(gate *access.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID, err := identity.ContextProvider{}.CurrentUserID(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		e, err := gate.Entitlement(r.Context())
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Entitlement lookup failed")
			writeError(w, http.StatusServiceUnavailable, "entitlement unavailable")
			return
		}

		view := entitlementView{
			UserID:             userID,
			Plan:               string(entitlements.PlanFree),
			SubscriptionStatus: entitlements.StatusNone.Label(),
		}
		if e != nil {
			view.Plan = string(e.Plan)
			view.SubscriptionStatus = e.SubscriptionStatus.Label()
			view.CurrentPeriodEnd = e.CurrentPeriodEnd
			view.Elevated = access.IsElevated(e)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view)
	}
}

// requestID attaches a request id to the request context and echoes it in the
// X-Request-ID response header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), strings.TrimSpace(r.Header.Get("X-Request-ID")))
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
