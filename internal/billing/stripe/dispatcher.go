package stripe

import (
	"context"
	"fmt"

	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
)

// Handlers is the set of operations a Dispatcher routes events to.
type Handlers interface {
	HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error
	HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error
	HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error
	HandleInvoicePaymentSucceeded(ctx context.Context, ev InvoicePaymentSucceeded) error
	HandleInvoicePaymentFailed(ctx context.Context, ev InvoicePaymentFailed) error
}

// Result is the outcome of dispatching one event.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Retryable is false when redelivering the event cannot change the outcome.
	Retryable bool `json:"retryable,omitempty"`
	// Err is the underlying handler error, nil on success.
	Err error `json:"-"`
}

// Dispatcher routes verified events to their handler.
type Dispatcher struct {
	handlers Handlers
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(handlers Handlers) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Dispatch invokes the handler for ev. Handler errors and panics are
// reported in the Result; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (res Result) {
	meta := ev.Meta()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			logging.FromContext(ctx).Error().
				Str("event_id", meta.ID).
				Str("type", meta.Type).
				Interface("panic", r).
				Msg("Stripe event handler panicked")
			res = failure(err)
		}
		billmetrics.SyncEventsTotal.WithLabelValues(meta.Type, outcomeLabel(ev, res)).Inc()
	}()

	var err error
	switch e := ev.(type) {
	case CheckoutCompleted:
		err = d.handlers.HandleCheckoutCompleted(ctx, e)
	case SubscriptionUpdated:
		err = d.handlers.HandleSubscriptionUpdated(ctx, e)
	case SubscriptionDeleted:
		err = d.handlers.HandleSubscriptionDeleted(ctx, e)
	case InvoicePaymentSucceeded:
		err = d.handlers.HandleInvoicePaymentSucceeded(ctx, e)
	case InvoicePaymentFailed:
		err = d.handlers.HandleInvoicePaymentFailed(ctx, e)
	case UnknownEvent:
		logging.FromContext(ctx).Info().
			Str("type", e.Type).
			Str("event_id", e.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		return Result{Success: true}
	default:
		logging.FromContext(ctx).Warn().
			Str("type", meta.Type).
			Str("event_id", meta.ID).
			Msgf("Stripe event variant %T has no route", ev)
		return Result{Success: true}
	}

	if err != nil {
		return failure(err)
	}
	return Result{Success: true}
}

func failure(err error) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		Retryable: IsRetryable(err),
		Err:       err,
	}
}

func outcomeLabel(ev Event, res Result) string {
	switch {
	case !res.Success:
		return "failed"
	case isUnknown(ev):
		return "ignored"
	default:
		return "applied"
	}
}

func isUnknown(ev Event) bool {
	_, ok := ev.(UnknownEvent)
	return ok
}
