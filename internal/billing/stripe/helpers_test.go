package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/plans"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const (
	testSecret       = "whsec_test_secret"
	testMonthlyPrice = "price_monthly"
	testYearlyPrice  = "price_yearly"
)

func newTestStore(t *testing.T) *entitlements.SQLiteStore {
	t.Helper()
	s, err := entitlements.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testResolver() *plans.Resolver {
	return plans.New(testMonthlyPrice, testYearlyPrice)
}

type fakeFetcher struct {
	mu    sync.Mutex
	subs  map[string]*Subscription
	err   error
	calls int
}

func (f *fakeFetcher) FetchSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	cp := *sub
	return &cp, nil
}

func subscriptionFor(id, customer, priceID, status string, periodEnd time.Time) *Subscription {
	sub := &Subscription{
		ID:                 id,
		Customer:           Ref(customer),
		Status:             status,
		CurrentPeriodStart: periodEnd.AddDate(0, -1, 0).Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
	}
	var item SubscriptionItem
	item.Price.ID = priceID
	sub.Items.Data = []SubscriptionItem{item}
	return sub
}

func meta(id, typ string, created time.Time) EventMeta {
	return EventMeta{ID: id, Type: typ, Created: created.UTC().Truncate(time.Second)}
}

// eventJSON renders a provider event envelope around object.
func eventJSON(t *testing.T, id, typ string, created time.Time, object any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     created.Unix(),
		"api_version": "2025-03-31.basil",
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return string(raw)
}

func signedHeader(secret, payload string, ts time.Time) string {
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return signed.Header
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", signedHeader(secret, payload, time.Now()))
	req.Header.Set("Content-Type", "application/json")
	return req
}
