// Package stripe integrates the payment provider: webhook ingestion, event
// processors, checkout session creation and the daily reconciler.
package stripe

import (
	"context"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/charge"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/praxos/billingd/internal/store"
)

// RemoteSubscription is the provider-side subscription state the service
// acts on.
type RemoteSubscription struct {
	ID                string
	Status            string
	PriceID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	Metadata          map[string]string
}

// RemoteCharge is the provider-side charge state the service acts on.
type RemoteCharge struct {
	ID         string
	Refunded   bool
	RefundedAt *time.Time
	Amount     int64
	Currency   string
	Created    time.Time
	Metadata   map[string]string
}

// CheckoutInput describes a checkout session to create. Metadata stamped
// on the session is what later ties provider events back to the tenant.
type CheckoutInput struct {
	TenantID   string
	UserID     string
	Price      *store.Price
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the caller-facing result of session creation.
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

// Provider is the provider API surface the processors and reconciler use.
type Provider interface {
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*RemoteSubscription, error)
	FetchCharge(ctx context.Context, providerChargeID string) (*RemoteCharge, error)
	ListSubscriptions(ctx context.Context, createdSince time.Time) ([]*RemoteSubscription, error)
	ListCharges(ctx context.Context, createdSince time.Time) ([]*RemoteCharge, error)
	ResolveChargeID(ctx context.Context, paymentIntentID string) (string, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error)
}

// StripeProvider calls the Stripe API. The bindings are function fields so
// tests can intercept individual calls.
type StripeProvider struct {
	fetchSubscription  func(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
	fetchCharge        func(id string, params *stripeapi.ChargeParams) (*stripeapi.Charge, error)
	fetchPaymentIntent func(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	listSubscriptions  func(params *stripeapi.SubscriptionListParams) *subscription.Iter
	listCharges        func(params *stripeapi.ChargeListParams) *charge.Iter
	newSession         func(params *stripeapi.CheckoutSessionParams) (*stripeapi.CheckoutSession, error)
}

// NewProvider configures the global Stripe client key and returns the live
// provider.
func NewProvider(apiKey string) *StripeProvider {
	stripeapi.Key = apiKey
	return &StripeProvider{
		fetchSubscription:  subscription.Get,
		fetchCharge:        charge.Get,
		fetchPaymentIntent: paymentintent.Get,
		listSubscriptions:  subscription.List,
		listCharges:        charge.List,
		newSession:         stripesession.New,
	}
}

func (p *StripeProvider) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*RemoteSubscription, error) {
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.fetchSubscription(providerSubscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", providerSubscriptionID, err)
	}
	return remoteSubscriptionFromAPI(sub), nil
}

func remoteSubscriptionFromAPI(sub *stripeapi.Subscription) *RemoteSubscription {
	out := &RemoteSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		out.CanceledAt = &t
	}
	// Period bounds live on the subscription item.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		out.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
	}
	return out
}

func (p *StripeProvider) FetchCharge(ctx context.Context, providerChargeID string) (*RemoteCharge, error) {
	params := &stripeapi.ChargeParams{}
	params.Context = ctx
	ch, err := p.fetchCharge(providerChargeID, params)
	if err != nil {
		return nil, fmt.Errorf("fetch charge %s: %w", providerChargeID, err)
	}
	return remoteChargeFromAPI(ch), nil
}

func remoteChargeFromAPI(ch *stripeapi.Charge) *RemoteCharge {
	out := &RemoteCharge{
		ID:       ch.ID,
		Refunded: ch.Refunded,
		Amount:   ch.Amount,
		Currency: string(ch.Currency),
		Created:  time.Unix(ch.Created, 0).UTC(),
		Metadata: ch.Metadata,
	}
	if ch.Refunded {
		t := time.Unix(ch.Created, 0).UTC()
		out.RefundedAt = &t
	}
	return out
}

// ListSubscriptions pages through subscriptions created since the given
// instant. Status "all" includes canceled ones, which the reconciler needs
// to see.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, createdSince time.Time) ([]*RemoteSubscription, error) {
	params := &stripeapi.SubscriptionListParams{Status: stripeapi.String("all")}
	params.Context = ctx
	params.CreatedRange = &stripeapi.RangeQueryParams{GreaterThanOrEqual: createdSince.Unix()}

	var out []*RemoteSubscription
	it := p.listSubscriptions(params)
	for it.Next() {
		out = append(out, remoteSubscriptionFromAPI(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return out, nil
}

// ListCharges pages through charges created since the given instant.
func (p *StripeProvider) ListCharges(ctx context.Context, createdSince time.Time) ([]*RemoteCharge, error) {
	params := &stripeapi.ChargeListParams{}
	params.Context = ctx
	params.CreatedRange = &stripeapi.RangeQueryParams{GreaterThanOrEqual: createdSince.Unix()}

	var out []*RemoteCharge
	it := p.listCharges(params)
	for it.Next() {
		out = append(out, remoteChargeFromAPI(it.Charge()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("list charges: %w", err)
	}
	return out, nil
}

// ResolveChargeID maps a payment intent to its settled charge.
func (p *StripeProvider) ResolveChargeID(ctx context.Context, paymentIntentID string) (string, error) {
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.fetchPaymentIntent(paymentIntentID, params)
	if err != nil {
		return "", fmt.Errorf("fetch payment intent %s: %w", paymentIntentID, err)
	}
	if pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return "", fmt.Errorf("payment intent %s has no charge", paymentIntentID)
	}
	return pi.LatestCharge.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (*CheckoutSession, error) {
	meta := map[string]string{
		"tenant_id":         in.TenantID,
		"user_id":           in.UserID,
		"provider_price_id": in.Price.ProviderPriceID,
	}

	params := &stripeapi.CheckoutSessionParams{
		SuccessURL: stripeapi.String(in.SuccessURL),
		CancelURL:  stripeapi.String(in.CancelURL),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{{
			Price:    stripeapi.String(in.Price.ProviderPriceID),
			Quantity: stripeapi.Int64(1),
		}},
	}
	params.Context = ctx
	for k, v := range meta {
		params.AddMetadata(k, v)
	}

	if in.Price.Cadence == store.CadenceOneTime {
		params.Mode = stripeapi.String(string(stripeapi.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripeapi.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	} else {
		params.Mode = stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripeapi.CheckoutSessionSubscriptionDataParams{Metadata: meta}
	}

	sess, err := p.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}
