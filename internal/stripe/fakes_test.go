package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/praxos/billingd/internal/store"
)

// fakeTx is an in-memory store.Tx keyed the way the real queries are.
type fakeTx struct {
	tenants    map[string]*store.Tenant
	prices     map[string]*store.Price        // by provider price id
	subs       map[string]*store.Subscription // by provider subscription id
	purchases  map[string]*store.Purchase     // by provider charge id
	grants     map[string]*store.ManualGrant
	audits     []store.AuditEntry
	recomputed [][2]string

	failRecompute error
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		tenants:   map[string]*store.Tenant{},
		prices:    map[string]*store.Price{},
		subs:      map[string]*store.Subscription{},
		purchases: map[string]*store.Purchase{},
		grants:    map[string]*store.ManualGrant{},
	}
}

func (f *fakeTx) TenantByID(_ context.Context, id string) (*store.Tenant, error) {
	return f.tenants[id], nil
}

func (f *fakeTx) PriceByProviderID(_ context.Context, providerPriceID string) (*store.Price, error) {
	return f.prices[providerPriceID], nil
}

func (f *fakeTx) SubscriptionByProviderID(_ context.Context, id string, _ bool) (*store.Subscription, error) {
	if s, ok := f.subs[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeTx) UpsertSubscription(_ context.Context, s *store.Subscription) error {
	cp := *s
	f.subs[s.ProviderSubscriptionID] = &cp
	return nil
}

func (f *fakeTx) PurchaseByProviderChargeID(_ context.Context, id string, _ bool) (*store.Purchase, error) {
	if p, ok := f.purchases[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeTx) UpsertPurchase(_ context.Context, p *store.Purchase) error {
	cp := *p
	f.purchases[p.ProviderChargeID] = &cp
	return nil
}

func (f *fakeTx) InsertManualGrant(_ context.Context, g *store.ManualGrant) error {
	cp := *g
	f.grants[g.ID] = &cp
	return nil
}

func (f *fakeTx) LatestUnrevokedGrant(_ context.Context, tenantID, userID, featureCode string) (*store.ManualGrant, error) {
	for _, g := range f.grants {
		if g.TenantID == tenantID && g.UserID == userID && g.FeatureCode == featureCode && g.RevokedAt == nil {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTx) ActiveManualGrant(_ context.Context, tenantID, userID, featureCode string) (*store.ManualGrant, error) {
	for _, g := range f.grants {
		if g.TenantID == tenantID && g.UserID == userID && g.FeatureCode == featureCode && g.RevokedAt == nil {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTx) RevokeManualGrant(_ context.Context, grantID, revokedBy, reason string, at time.Time) error {
	if g, ok := f.grants[grantID]; ok && g.RevokedAt == nil {
		g.RevokedAt = &at
		g.RevokedBy = revokedBy
		g.RevokeReason = reason
	}
	return nil
}

func (f *fakeTx) InsertAuditEntry(_ context.Context, e *store.AuditEntry) error {
	f.audits = append(f.audits, *e)
	return nil
}

func (f *fakeTx) RecomputeEntitlements(_ context.Context, tenantID, userID string, _ time.Time) error {
	if f.failRecompute != nil {
		return f.failRecompute
	}
	f.recomputed = append(f.recomputed, [2]string{tenantID, userID})
	return nil
}

func (f *fakeTx) EntitlementsFor(_ context.Context, _, _ string) ([]store.Entitlement, error) {
	return nil, nil
}

// fakeRepo implements Repo and ReconcilerRepo over a single fakeTx.
type fakeRepo struct {
	tx       *fakeTx
	events   map[string]*store.RawEvent
	outcomes map[string]store.EventOutcome

	leaseDenied    bool
	released       []string
	recentSubs     []store.Subscription
	recentPurchase []store.Purchase
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tx:       newFakeTx(),
		events:   map[string]*store.RawEvent{},
		outcomes: map[string]store.EventOutcome{},
	}
}

func (r *fakeRepo) InsertRawEvent(_ context.Context, ev *store.RawEvent) (bool, error) {
	if _, ok := r.events[ev.ProviderEventID]; ok {
		return false, nil
	}
	cp := *ev
	r.events[ev.ProviderEventID] = &cp
	return true, nil
}

func (r *fakeRepo) RawEventByProviderID(_ context.Context, id string) (*store.RawEvent, error) {
	if ev, ok := r.events[id]; ok {
		cp := *ev
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeRepo) MarkRawEventOutcome(_ context.Context, id string, outcome store.EventOutcome, diagnostic string, _ time.Time) error {
	r.outcomes[id] = outcome
	if ev, ok := r.events[id]; ok {
		ev.Outcome = outcome
		ev.Diagnostic = diagnostic
	}
	return nil
}

func (r *fakeRepo) InTx(_ context.Context, fn func(tx store.Tx) error) error {
	return fn(r.tx)
}

func (r *fakeRepo) AcquireLease(_ context.Context, _, _ string, _ time.Time, _ time.Duration) (bool, error) {
	return !r.leaseDenied, nil
}

func (r *fakeRepo) ReleaseLease(_ context.Context, name, _ string) error {
	r.released = append(r.released, name)
	return nil
}

func (r *fakeRepo) SubscriptionsUpdatedSince(_ context.Context, _ time.Time) ([]store.Subscription, error) {
	return r.recentSubs, nil
}

func (r *fakeRepo) PurchasesUpdatedSince(_ context.Context, _ time.Time) ([]store.Purchase, error) {
	return r.recentPurchase, nil
}

// fakeCache records evictions.
type fakeCache struct {
	evicted [][2]string
}

func (c *fakeCache) Invalidate(_ context.Context, tenantID, userID string) {
	c.evicted = append(c.evicted, [2]string{tenantID, userID})
}

// fakeProvider scripts provider responses.
type fakeProvider struct {
	subs     map[string]*RemoteSubscription
	charges  map[string]*RemoteCharge
	chargeOf map[string]string // payment intent -> charge id

	listedSubs    []*RemoteSubscription
	listedCharges []*RemoteCharge
	listErr       error

	fetchErr error
	sessions []CheckoutInput
}

func (p *fakeProvider) FetchSubscription(_ context.Context, id string) (*RemoteSubscription, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if s, ok := p.subs[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such subscription %s", id)
}

func (p *fakeProvider) FetchCharge(_ context.Context, id string) (*RemoteCharge, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	if c, ok := p.charges[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no such charge %s", id)
}

func (p *fakeProvider) ListSubscriptions(_ context.Context, _ time.Time) ([]*RemoteSubscription, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.listedSubs, nil
}

func (p *fakeProvider) ListCharges(_ context.Context, _ time.Time) ([]*RemoteCharge, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.listedCharges, nil
}

func (p *fakeProvider) ResolveChargeID(_ context.Context, paymentIntentID string) (string, error) {
	if p.fetchErr != nil {
		return "", p.fetchErr
	}
	if id, ok := p.chargeOf[paymentIntentID]; ok {
		return id, nil
	}
	return "", fmt.Errorf("no charge for %s", paymentIntentID)
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, in CheckoutInput) (*CheckoutSession, error) {
	p.sessions = append(p.sessions, in)
	return &CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func seedCatalog(tx *fakeTx) *store.Price {
	tx.tenants["t-1"] = &store.Tenant{ID: "t-1", Active: true}
	days := 30
	price := &store.Price{
		ID:                 "price-local",
		ProductID:          "prod-local",
		TenantID:           "t-1",
		ProviderPriceID:    "price_123",
		Amount:             999,
		Currency:           "usd",
		Cadence:            store.CadenceMonth,
		AccessDurationDays: &days,
		FeatureCodes:       []string{"pro"},
	}
	tx.prices[price.ProviderPriceID] = price
	return price
}
