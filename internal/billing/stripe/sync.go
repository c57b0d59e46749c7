package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/plans"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
)

// Syncer applies verified provider events to the entitlement store. Each
// handler commits its writes in a single transaction.
type Syncer struct {
	store    entitlements.Store
	fetcher  SubscriptionFetcher
	resolver *plans.Resolver
}

// NewSyncer creates a Syncer.
func NewSyncer(store entitlements.Store, fetcher SubscriptionFetcher, resolver *plans.Resolver) *Syncer {
	return &Syncer{
		store:    store,
		fetcher:  fetcher,
		resolver: resolver,
	}
}

// HandleCheckoutCompleted records a completed purchase against the user named
// in the session metadata. The subscription is fetched from the provider so
// the stored state reflects the provider's current view.
func (s *Syncer) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) error {
	session := ev.Session
	userID := session.UserID()
	if userID == "" {
		return ErrMissingUserID
	}
	subscriptionID := session.Subscription.String()
	if subscriptionID == "" {
		return ErrMissingSubscriptionID
	}

	sub, err := s.fetcher.FetchSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("checkout %s: %w", session.ID, err)
	}

	customerID := session.Customer.String()
	if customerID == "" {
		customerID = sub.Customer.String()
	}
	if customerID == "" {
		return ErrMissingCustomerID
	}

	priceID := sub.FirstPriceID()
	status := entitlements.ParseSubscriptionStatus(sub.Status)
	plan := effectivePlan(s.resolver.Resolve(priceID), status)

	err = s.store.InTx(ctx, func(q entitlements.Queries) error {
		existing, err := q.GetByUserID(ctx, userID)
		if err != nil {
			return fmt.Errorf("lookup entitlement: %w", err)
		}
		if existing != nil && existing.BillingCustomerID != "" && existing.BillingCustomerID != customerID {
			logging.FromContext(ctx).Warn().
				Str("event_id", ev.ID).
				Str("user_id", userID).
				Str("stored_customer_id", existing.BillingCustomerID).
				Str("event_customer_id", customerID).
				Msg("Checkout customer differs from stored customer; keeping stored id")
		}

		update := entitlements.EntitlementUpdate{
			BillingCustomerID:  customerID,
			Plan:               entitlements.PlanPtr(plan),
			SubscriptionStatus: entitlements.StatusPtr(status),
			CurrentPeriodEnd:   entitlements.PeriodEnd(sub.PeriodEnd()),
		}
		err = q.UpsertSubscription(ctx, &entitlements.SubscriptionRecord{
			SubscriptionID:     subscriptionID,
			UserID:             userID,
			BillingCustomerID:  customerID,
			PriceID:            priceID,
			Status:             status,
			CurrentPeriodStart: sub.PeriodStart(),
			CurrentPeriodEnd:   sub.PeriodEnd(),
			CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
			LastEventAt:        ev.Created,
		})
		switch {
		case errors.Is(err, entitlements.ErrStaleEvent):
			// A newer subscription event owns plan and status; only link the customer.
			skipStale(ctx, ev.EventMeta, subscriptionID)
			update = entitlements.EntitlementUpdate{BillingCustomerID: customerID}
		case err != nil:
			return fmt.Errorf("upsert subscription: %w", err)
		}

		n, err := q.UpdateByUserID(ctx, userID, update)
		if err != nil {
			return fmt.Errorf("update entitlement: %w", err)
		}
		if n == 0 {
			warnUnmatched(ctx, ev.EventMeta, "user_id", userID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info().
		Str("event_id", ev.ID).
		Str("user_id", userID).
		Str("customer_id", customerID).
		Str("subscription_id", subscriptionID).
		Str("plan", string(plan)).
		Str("status", string(status)).
		Msg("Checkout completed, entitlement updated")
	return nil
}

// HandleSubscriptionUpdated mirrors a subscription change onto the
// entitlement of the owning customer. Events older than the stored record are
// skipped.
func (s *Syncer) HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) error {
	sub := ev.Subscription
	customerID := sub.Customer.String()
	if customerID == "" {
		return ErrMissingCustomerID
	}

	priceID := sub.FirstPriceID()
	status := entitlements.ParseSubscriptionStatus(sub.Status)
	plan := effectivePlan(s.resolver.Resolve(priceID), status)

	stale := false
	err := s.store.InTx(ctx, func(q entitlements.Queries) error {
		if sub.ID != "" {
			cancelAtPeriodEnd := sub.CancelAtPeriodEnd
			n, err := q.UpdateSubscriptionByExternalID(ctx, sub.ID, entitlements.SubscriptionUpdate{
				Status:             status,
				PriceID:            priceID,
				CurrentPeriodStart: sub.PeriodStart(),
				CurrentPeriodEnd:   sub.PeriodEnd(),
				CancelAtPeriodEnd:  &cancelAtPeriodEnd,
				EventAt:            ev.Created,
			})
			if errors.Is(err, entitlements.ErrStaleEvent) {
				stale = true
				return nil
			}
			if err != nil {
				return fmt.Errorf("update subscription record: %w", err)
			}
			if n == 0 {
				if err := s.recordUnknownSubscription(ctx, q, ev, plan, status); err != nil {
					return err
				}
			}
		}

		n, err := q.UpdateByBillingCustomerID(ctx, customerID, entitlements.EntitlementUpdate{
			Plan:               entitlements.PlanPtr(plan),
			SubscriptionStatus: entitlements.StatusPtr(status),
			CurrentPeriodEnd:   entitlements.PeriodEnd(sub.PeriodEnd()),
		})
		if err != nil {
			return fmt.Errorf("update entitlement: %w", err)
		}
		if n == 0 {
			warnUnmatched(ctx, ev.EventMeta, "customer_id", customerID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		skipStale(ctx, ev.EventMeta, sub.ID)
		return nil
	}

	logging.FromContext(ctx).Info().
		Str("event_id", ev.ID).
		Str("customer_id", customerID).
		Str("subscription_id", sub.ID).
		Str("plan", string(plan)).
		Str("status", string(status)).
		Msg("Subscription updated, entitlement synced")
	return nil
}

// recordUnknownSubscription creates the local record for a subscription first
// seen through an update event so later events can be ordered against it.
func (s *Syncer) recordUnknownSubscription(ctx context.Context, q entitlements.Queries, ev SubscriptionUpdated, plan entitlements.Plan, status entitlements.SubscriptionStatus) error {
	sub := ev.Subscription
	var userID string
	owner, err := q.GetByBillingCustomerID(ctx, sub.Customer.String())
	if err != nil {
		return fmt.Errorf("lookup entitlement by customer: %w", err)
	}
	if owner != nil {
		userID = owner.UserID
	}

	err = q.UpsertSubscription(ctx, &entitlements.SubscriptionRecord{
		SubscriptionID:     sub.ID,
		UserID:             userID,
		BillingCustomerID:  sub.Customer.String(),
		PriceID:            sub.FirstPriceID(),
		Status:             status,
		CurrentPeriodStart: sub.PeriodStart(),
		CurrentPeriodEnd:   sub.PeriodEnd(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		LastEventAt:        ev.Created,
	})
	if err != nil && !errors.Is(err, entitlements.ErrStaleEvent) {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	logging.FromContext(ctx).Debug().
		Str("subscription_id", sub.ID).
		Str("user_id", userID).
		Str("plan", string(plan)).
		Msg("Recorded subscription first seen in update event")
	return nil
}

// HandleSubscriptionDeleted revokes paid access for the owning customer.
// Deletion is terminal and applies regardless of event ordering.
func (s *Syncer) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) error {
	sub := ev.Subscription
	customerID := sub.Customer.String()
	if customerID == "" {
		return ErrMissingCustomerID
	}

	err := s.store.InTx(ctx, func(q entitlements.Queries) error {
		n, err := q.UpdateByBillingCustomerID(ctx, customerID, entitlements.EntitlementUpdate{
			Plan:               entitlements.PlanPtr(entitlements.PlanFree),
			SubscriptionStatus: entitlements.StatusPtr(entitlements.StatusCanceled),
		})
		if err != nil {
			return fmt.Errorf("update entitlement: %w", err)
		}
		if n == 0 {
			warnUnmatched(ctx, ev.EventMeta, "customer_id", customerID)
		}

		if sub.ID == "" {
			return nil
		}
		matched, err := q.UpdateSubscriptionByExternalID(ctx, sub.ID, entitlements.SubscriptionUpdate{
			Status:   entitlements.StatusCanceled,
			EventAt:  ev.Created,
			Terminal: true,
		})
		if err != nil {
			return fmt.Errorf("update subscription record: %w", err)
		}
		if matched == 0 {
			return s.recordCanceledSubscription(ctx, q, ev)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.FromContext(ctx).Info().
		Str("event_id", ev.ID).
		Str("customer_id", customerID).
		Str("subscription_id", sub.ID).
		Msg("Subscription deleted, entitlement revoked")
	return nil
}

// recordCanceledSubscription stores a canceled record for a subscription the
// service never saw before its deletion, so older events delivered afterwards
// are recognised as stale.
func (s *Syncer) recordCanceledSubscription(ctx context.Context, q entitlements.Queries, ev SubscriptionDeleted) error {
	sub := ev.Subscription
	var userID string
	owner, err := q.GetByBillingCustomerID(ctx, sub.Customer.String())
	if err != nil {
		return fmt.Errorf("lookup entitlement by customer: %w", err)
	}
	if owner != nil {
		userID = owner.UserID
	}

	err = q.UpsertSubscription(ctx, &entitlements.SubscriptionRecord{
		SubscriptionID:     sub.ID,
		UserID:             userID,
		BillingCustomerID:  sub.Customer.String(),
		PriceID:            sub.FirstPriceID(),
		Status:             entitlements.StatusCanceled,
		CurrentPeriodStart: sub.PeriodStart(),
		CurrentPeriodEnd:   sub.PeriodEnd(),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		LastEventAt:        ev.Created,
	})
	if err != nil && !errors.Is(err, entitlements.ErrStaleEvent) {
		return fmt.Errorf("record canceled subscription: %w", err)
	}
	return nil
}

// HandleInvoicePaymentSucceeded marks the customer's subscription active.
func (s *Syncer) HandleInvoicePaymentSucceeded(ctx context.Context, ev InvoicePaymentSucceeded) error {
	return s.applyInvoiceStatus(ctx, ev.EventMeta, ev.Invoice, entitlements.StatusActive)
}

// HandleInvoicePaymentFailed marks the customer's subscription past due.
func (s *Syncer) HandleInvoicePaymentFailed(ctx context.Context, ev InvoicePaymentFailed) error {
	return s.applyInvoiceStatus(ctx, ev.EventMeta, ev.Invoice, entitlements.StatusPastDue)
}

func (s *Syncer) applyInvoiceStatus(ctx context.Context, meta EventMeta, inv Invoice, status entitlements.SubscriptionStatus) error {
	customerID := inv.Customer.String()
	if customerID == "" {
		return ErrMissingCustomerID
	}
	subscriptionID := inv.SubscriptionID()

	stale := false
	err := s.store.InTx(ctx, func(q entitlements.Queries) error {
		if subscriptionID != "" {
			rec, err := q.GetSubscription(ctx, subscriptionID)
			if err != nil {
				return fmt.Errorf("lookup subscription record: %w", err)
			}
			if rec != nil && rec.LastEventAt.After(meta.Created) {
				stale = true
				return nil
			}
		}

		n, err := q.UpdateByBillingCustomerID(ctx, customerID, entitlements.EntitlementUpdate{
			SubscriptionStatus: entitlements.StatusPtr(status),
		})
		if err != nil {
			return fmt.Errorf("update entitlement: %w", err)
		}
		if n == 0 {
			warnUnmatched(ctx, meta, "customer_id", customerID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		skipStale(ctx, meta, subscriptionID)
		return nil
	}

	logging.FromContext(ctx).Info().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str("customer_id", customerID).
		Str("status", string(status)).
		Msg("Invoice event applied to entitlement")
	return nil
}

// effectivePlan drops a canceled subscription to the free plan so that a
// later status-only write cannot re-elevate it.
func effectivePlan(plan entitlements.Plan, status entitlements.SubscriptionStatus) entitlements.Plan {
	if status == entitlements.StatusCanceled {
		return entitlements.PlanFree
	}
	return plan
}

func warnUnmatched(ctx context.Context, meta EventMeta, key, value string) {
	billmetrics.SyncUnmatchedTotal.WithLabelValues(meta.Type, key).Inc()
	logging.FromContext(ctx).Warn().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str(key, value).
		Msg("Stripe event matched no local entitlement")
}

func skipStale(ctx context.Context, meta EventMeta, subscriptionID string) {
	billmetrics.StaleEventsTotal.WithLabelValues(meta.Type).Inc()
	logging.FromContext(ctx).Info().
		Str("event_id", meta.ID).
		Str("type", meta.Type).
		Str("subscription_id", subscriptionID).
		Time("event_created", meta.Created).
		Msg("Stripe event older than stored subscription state, skipped")
}
