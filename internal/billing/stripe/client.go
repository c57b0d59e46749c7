package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// SubscriptionFetcher retrieves the current state of a subscription from the
// provider.
type SubscriptionFetcher interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// CheckoutClient creates the provider objects needed to start a purchase or
// manage an existing one.
type CheckoutClient interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// CheckoutParams describes a hosted subscription checkout.
type CheckoutParams struct {
	CustomerID string
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// APIClient implements SubscriptionFetcher and CheckoutClient against the
// Stripe API using an explicitly constructed client rather than the
// package-level key.
type APIClient struct {
	api *client.API
}

// NewAPIClient returns a client authenticated with apiKey.
func NewAPIClient(apiKey string) *APIClient {
	return &APIClient{api: client.New(strings.TrimSpace(apiKey), nil)}
}

// FetchSubscription retrieves a subscription. The response body is decoded
// into the package's own Subscription type so billing periods are read the
// same way for webhook payloads and API responses.
func (c *APIClient) FetchSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	recordProviderCall("fetch_subscription", err)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", subscriptionID, err)
	}

	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		var out Subscription
		if err := json.Unmarshal(sub.LastResponse.RawJSON, &out); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", subscriptionID, err)
		}
		return &out, nil
	}

	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.Customer = Ref(sub.Customer.ID)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			var si SubscriptionItem
			si.Price.ID = item.Price.ID
			out.Items.Data = append(out.Items.Data, si)
		}
	}
	return out, nil
}

// CreateCustomer creates a customer tagged with the local user id.
func (c *APIClient) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripelib.String(email)
	}
	params.AddMetadata(MetadataUserID, userID)

	cust, err := c.api.Customers.New(params)
	recordProviderCall("create_customer", err)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session whose
// metadata carries the local user id.
func (c *APIClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:          stripelib.String(p.CustomerID),
		ClientReferenceID: stripelib.String(p.UserID),
		SuccessURL:        stripelib.String(p.SuccessURL),
		CancelURL:         stripelib.String(p.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(p.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{MetadataUserID: p.UserID},
		},
		AllowPromotionCodes: stripelib.Bool(true),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, p.UserID)

	session, err := c.api.CheckoutSessions.New(params)
	recordProviderCall("create_checkout_session", err)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

// CreatePortalSession creates a billing portal session for an existing customer.
func (c *APIClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	session, err := c.api.BillingPortalSessions.New(params)
	recordProviderCall("create_portal_session", err)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return session.URL, nil
}

func recordProviderCall(operation string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	billmetrics.ProviderCallsTotal.WithLabelValues(operation, outcome).Inc()
}
