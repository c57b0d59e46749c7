package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rcourtman/pulse-entitlements/internal/billing/access"
	"github.com/rcourtman/pulse-entitlements/internal/billing/auditlog"
	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// EntitlementReader is the part of the store the admin lookup needs.
type EntitlementReader interface {
	GetByUserID(ctx context.Context, userID string) (*entitlements.Entitlement, error)
}

// PlanCounter reports entitlement counts by plan and status.
type PlanCounter interface {
	CountByPlanStatus(ctx context.Context) (map[entitlements.PlanStatus]int, error)
}

type entitlementResponse struct {
	*entitlements.Entitlement
	Elevated bool `json:"elevated"`
}

// HandleGetEntitlement returns a handler that reports the stored entitlement
// for the user in the {user_id} path segment.
func HandleGetEntitlement(store EntitlementReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		e, err := store.GetByUserID(r.Context(), userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Admin entitlement lookup failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if e == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
			return
		}

		auditlog.Record(r, "admin.entitlement_viewed", "admin").Str("user_id", userID).Msg("Admin viewed entitlement")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entitlementResponse{Entitlement: e, Elevated: access.IsElevated(e)})
	}
}

type planCount struct {
	Plan   entitlements.Plan `json:"plan"`
	Status string            `json:"status"`
	Count  int               `json:"count"`
}

type statusResponse struct {
	Version      string      `json:"version"`
	Entitlements int         `json:"entitlements"`
	Elevated     int         `json:"elevated"`
	ByPlan       []planCount `json:"by_plan"`
}

// HandleStatus returns a handler that reports aggregate entitlement counts.
func HandleStatus(store PlanCounter, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := store.CountByPlanStatus(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		resp := statusResponse{Version: version, ByPlan: []planCount{}}
		for ps, c := range counts {
			billmetrics.EntitlementsByPlan.WithLabelValues(string(ps.Plan), ps.Status.Label()).Set(float64(c))
			resp.Entitlements += c
			if access.IsElevated(&entitlements.Entitlement{Plan: ps.Plan, SubscriptionStatus: ps.Status}) {
				resp.Elevated += c
			}
			resp.ByPlan = append(resp.ByPlan, planCount{Plan: ps.Plan, Status: ps.Status.Label(), Count: c})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// KeyMatcher compares presented admin keys against the configured key. The
// configured key may be given in plain text or as a bcrypt hash.
type KeyMatcher struct {
	plain  []byte
	hashed []byte
}

// NewKeyMatcher creates a KeyMatcher for adminKey.
func NewKeyMatcher(adminKey string) *KeyMatcher {
	adminKey = strings.TrimSpace(adminKey)
	if isBcryptHash(adminKey) {
		return &KeyMatcher{hashed: []byte(adminKey)}
	}
	return &KeyMatcher{plain: []byte(adminKey)}
}

// Match reports whether key is the admin key. Empty keys never match.
func (m *KeyMatcher) Match(key string) bool {
	if m == nil || key == "" {
		return false
	}
	if len(m.hashed) > 0 {
		return bcrypt.CompareHashAndPassword(m.hashed, []byte(key)) == nil
	}
	if len(m.plain) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(m.plain, []byte(key)) == 1
}

func isBcryptHash(s string) bool {
	if len(s) != 60 {
		return false
	}
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// AdminKeyMiddleware returns middleware that requires a valid admin API key.
func AdminKeyMiddleware(matcher *KeyMatcher, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Admin-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if !matcher.Match(key) {
			log.Warn().
				Str("client_ip", auditlog.ClientIP(r)).
				Str("path", r.URL.Path).
				Msg("Admin request rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
