package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rcourtman/pulse-entitlements/internal/billing/auditlog"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/rcourtman/pulse-entitlements/internal/billing/plans"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
)

var (
	// ErrUnknownPrice is returned when checkout is requested for a price that
	// is not one of the configured paid prices.
	ErrUnknownPrice = errors.New("unknown price")
	// ErrAlreadySubscribed is returned when an active paid user starts checkout.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNoBillingCustomer is returned when the portal is requested by a user
	// who never started a checkout.
	ErrNoBillingCustomer = errors.New("no billing customer")
)

// CheckoutService starts purchases and opens the billing portal. It only
// ever records the billing customer id; plan and status are written by the
// webhook sync handlers.
type CheckoutService struct {
	client   CheckoutClient
	store    entitlements.Queries
	resolver *plans.Resolver
	appURL   string
}

// NewCheckoutService creates a CheckoutService. appURL is the public base URL
// of the application used for redirect targets.
func NewCheckoutService(client CheckoutClient, store entitlements.Queries, resolver *plans.Resolver, appURL string) *CheckoutService {
	return &CheckoutService{
		client:   client,
		store:    store,
		resolver: resolver,
		appURL:   strings.TrimRight(strings.TrimSpace(appURL), "/"),
	}
}

// StartCheckout returns the hosted checkout URL for userID and priceID.
func (s *CheckoutService) StartCheckout(ctx context.Context, userID, email, priceID string) (string, error) {
	if !s.resolver.IsPaidPrice(priceID) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrice, priceID)
	}
	e, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup entitlement: %w", err)
	}
	if e != nil && e.Plan.IsPaid() && e.SubscriptionStatus == entitlements.StatusActive {
		return "", ErrAlreadySubscribed
	}

	customerID, err := s.ensureCustomer(ctx, userID, email, e)
	if err != nil {
		return "", err
	}
	return s.client.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customerID,
		UserID:     userID,
		PriceID:    priceID,
		SuccessURL: s.appURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.appURL + "/pricing",
	})
}

// ensureCustomer returns the user's billing customer id, creating one at the
// provider when none is stored.
func (s *CheckoutService) ensureCustomer(ctx context.Context, userID, email string, e *entitlements.Entitlement) (string, error) {
	if e != nil && e.BillingCustomerID != "" {
		return e.BillingCustomerID, nil
	}
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}

	customerID, err := s.client.CreateCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}
	if _, err := s.store.UpdateByUserID(ctx, userID, entitlements.EntitlementUpdate{BillingCustomerID: customerID}); err != nil {
		return "", fmt.Errorf("store billing customer: %w", err)
	}

	// A concurrent request may have stored a different customer first; the
	// stored id wins.
	stored, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup entitlement: %w", err)
	}
	if stored != nil && stored.BillingCustomerID != "" && stored.BillingCustomerID != customerID {
		logging.FromContext(ctx).Warn().
			Str("user_id", userID).
			Str("stored_customer_id", stored.BillingCustomerID).
			Str("created_customer_id", customerID).
			Msg("Billing customer already stored; discarding newly created customer")
		return stored.BillingCustomerID, nil
	}
	return customerID, nil
}

// OpenPortal returns a billing portal URL for userID.
func (s *CheckoutService) OpenPortal(ctx context.Context, userID string) (string, error) {
	e, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup entitlement: %w", err)
	}
	if e == nil || e.BillingCustomerID == "" {
		return "", ErrNoBillingCustomer
	}
	return s.client.CreatePortalSession(ctx, e.BillingCustomerID, s.appURL+"/account")
}

// CheckoutHandlers exposes CheckoutService over HTTP. Identity must already
// be established on the request context.
type CheckoutHandlers struct {
	svc      *CheckoutService
	identity identity.Provider
}

// NewCheckoutHandlers creates CheckoutHandlers.
func NewCheckoutHandlers(svc *CheckoutService, provider identity.Provider) *CheckoutHandlers {
	return &CheckoutHandlers{svc: svc, identity: provider}
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
	Email   string `json:"email,omitempty"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

// HandleCheckout serves POST /api/billing/checkout.
func (h *CheckoutHandlers) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	userID, err := h.identity.CurrentUserID(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	url, err := h.svc.StartCheckout(r.Context(), userID, req.Email, req.PriceID)
	switch {
	case errors.Is(err, ErrUnknownPrice):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown price"})
		return
	case errors.Is(err, ErrAlreadySubscribed):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already_subscribed"})
		return
	case err != nil:
		logging.FromContext(r.Context()).Error().Err(err).Str("user_id", userID).Msg("Failed to start checkout")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "checkout unavailable"})
		return
	}

	auditlog.Record(r, "billing.checkout_started", userID).
		Str("price_id", req.PriceID).
		Msg("Checkout session created")
	writeJSON(w, http.StatusOK, redirectResponse{URL: url})
}

// HandlePortal serves POST /api/billing/portal.
func (h *CheckoutHandlers) HandlePortal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	userID, err := h.identity.CurrentUserID(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		return
	}

	url, err := h.svc.OpenPortal(r.Context(), userID)
	switch {
	case errors.Is(err, ErrNoBillingCustomer):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "no_billing_customer"})
		return
	case err != nil:
		logging.FromContext(r.Context()).Error().Err(err).Str("user_id", userID).Msg("Failed to open billing portal")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "portal unavailable"})
		return
	}

	auditlog.Record(r, "billing.portal_opened", userID).Msg("Billing portal session created")
	writeJSON(w, http.StatusOK, redirectResponse{URL: url})
}
