package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types the sync handlers act on.
const (
	TypeCheckoutCompleted       = "checkout.session.completed"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"
)

// Metadata keys carrying the local user id on checkout sessions.
const (
	MetadataUserID      = "user_id"
	metadataUserIDAlias = "userId"
)

// EventMeta is common to every verified event.
type EventMeta struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
}

// Meta returns the event envelope.
func (m EventMeta) Meta() EventMeta { return m }

// Event is a verified provider event. The set of implementations is closed:
// CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted,
// InvoicePaymentSucceeded, InvoicePaymentFailed and UnknownEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

type CheckoutCompleted struct {
	EventMeta
	Session CheckoutSession
}

type SubscriptionUpdated struct {
	EventMeta
	Subscription Subscription
}

type SubscriptionDeleted struct {
	EventMeta
	Subscription Subscription
}

type InvoicePaymentSucceeded struct {
	EventMeta
	Invoice Invoice
}

type InvoicePaymentFailed struct {
	EventMeta
	Invoice Invoice
}

// UnknownEvent is any verified event type without a handler.
type UnknownEvent struct {
	EventMeta
	Raw json.RawMessage
}

func (CheckoutCompleted) isEvent()       {}
func (SubscriptionUpdated) isEvent()     {}
func (SubscriptionDeleted) isEvent()     {}
func (InvoicePaymentSucceeded) isEvent() {}
func (InvoicePaymentFailed) isEvent()    {}
func (UnknownEvent) isEvent()            {}

// decodeEvent turns the data object of a verified event into its variant.
func decodeEvent(meta EventMeta, raw json.RawMessage) (Event, error) {
	switch meta.Type {
	case TypeCheckoutCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		return CheckoutCompleted{EventMeta: meta, Session: session}, nil

	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription: %w", err)
		}
		if meta.Type == TypeSubscriptionDeleted {
			return SubscriptionDeleted{EventMeta: meta, Subscription: sub}, nil
		}
		return SubscriptionUpdated{EventMeta: meta, Subscription: sub}, nil

	case TypeInvoicePaymentSucceeded, TypeInvoicePaymentFailed:
		var inv Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("decode invoice: %w", err)
		}
		if meta.Type == TypeInvoicePaymentFailed {
			return InvoicePaymentFailed{EventMeta: meta, Invoice: inv}, nil
		}
		return InvoicePaymentSucceeded{EventMeta: meta, Invoice: inv}, nil

	default:
		return UnknownEvent{EventMeta: meta, Raw: raw}, nil
	}
}

// Ref is a provider object reference that may arrive either as a bare id or
// as an expanded object.
type Ref string

// UnmarshalJSON accepts "id", {"id": "..."} and null.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Ref(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode object reference: %w", err)
	}
	*r = Ref(strings.TrimSpace(obj.ID))
	return nil
}

// String returns the referenced id.
func (r Ref) String() string { return string(r) }

// CheckoutSession is a minimal representation of a Stripe checkout session.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          Ref               `json:"customer"`
	Subscription      Ref               `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// UserID returns the local user id carried in the session metadata.
func (s *CheckoutSession) UserID() string {
	for _, key := range []string{MetadataUserID, metadataUserIDAlias} {
		if v := strings.TrimSpace(s.Metadata[key]); v != "" {
			return v
		}
	}
	return ""
}

// Subscription is a minimal representation of a Stripe subscription.
type Subscription struct {
	ID                 string `json:"id"`
	Customer           Ref    `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// SubscriptionItem is one line of a subscription. Newer API versions carry
// the billing period here instead of on the subscription.
type SubscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// FirstPriceID returns the price ID from the first subscription item.
func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := item.Price.ID; priceID != "" {
			return priceID
		}
	}
	return ""
}

// PeriodStart returns the start of the current billing period, if known.
func (s *Subscription) PeriodStart() *time.Time {
	ts := s.CurrentPeriodStart
	if ts == 0 && len(s.Items.Data) > 0 {
		ts = s.Items.Data[0].CurrentPeriodStart
	}
	return unixTime(ts)
}

// PeriodEnd returns the end of the current billing period, if known.
func (s *Subscription) PeriodEnd() *time.Time {
	ts := s.CurrentPeriodEnd
	if ts == 0 && len(s.Items.Data) > 0 {
		ts = s.Items.Data[0].CurrentPeriodEnd
	}
	return unixTime(ts)
}

// Invoice is a minimal representation of a Stripe invoice.
type Invoice struct {
	ID           string `json:"id"`
	Customer     Ref    `json:"customer"`
	Status       string `json:"status"`
	Subscription Ref    `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription Ref `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the subscription the invoice was issued for, if any.
func (i *Invoice) SubscriptionID() string {
	if id := i.Parent.SubscriptionDetails.Subscription.String(); id != "" {
		return id
	}
	return i.Subscription.String()
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
