package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/auditlog"
	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rs/zerolog/log"
)

const (
	webhookBodyLimit      = 1024 * 1024 // 1 MiB
	defaultWebhookTimeout = 20 * time.Second
)

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	verifier   *Verifier
	dispatcher *Dispatcher
	timeout    time.Duration
}

type errorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. Dispatch runs under
// a context bounded by timeout.
func NewWebhookHandler(verifier *Verifier, dispatcher *Dispatcher, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		timeout:    timeout,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
//
// Responses: 400 when verification fails, 500 when a handler fails in a way
// redelivery may fix, 200 otherwise. Events missing the identifiers needed to
// locate local state are acknowledged with 200 so the provider stops retrying.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := logging.FromContext(r.Context())
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		billmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		billmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}
	if !h.verifier.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read request body"})
		return
	}

	event, err := h.verifier.VerifyAndParse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status = http.StatusBadRequest
		logger.Warn().Err(err).
			Str("client_ip", auditlog.ClientIP(r)).
			Msg("Stripe webhook rejected")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verificationMessage(err)})
		return
	}
	meta := event.Meta()
	eventType = meta.Type

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res := h.dispatcher.Dispatch(ctx, event)
	if !res.Success {
		if !res.Retryable {
			logger.Warn().
				Str("event_id", meta.ID).
				Str("type", meta.Type).
				Str("error", res.Error).
				Msg("Stripe webhook acknowledged without changes (event cannot be applied)")
			writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
			return
		}
		logger.Error().Err(res.Err).
			Str("event_id", meta.ID).
			Str("type", meta.Type).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
		return
	}

	status = http.StatusOK
	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

func verificationMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing Stripe signature"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed event"
	default:
		return "invalid Stripe signature"
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.stripe: encode response")
	}
}
