package server

import (
	"context"
	"errors"
	"time"

	"github.com/praxos/billingd/internal/entitle"
	"github.com/praxos/billingd/internal/store"
	"github.com/praxos/billingd/internal/stripe"
)

// memTx is an in-memory store.Tx for handler tests.
type memTx struct {
	tenants    map[string]*store.Tenant
	grants     map[string]*store.ManualGrant
	audits     []store.AuditEntry
	recomputed [][2]string

	recomputeHook func(tenantID, userID string)
}

func newMemTx() *memTx {
	return &memTx{
		tenants: map[string]*store.Tenant{},
		grants:  map[string]*store.ManualGrant{},
	}
}

func (m *memTx) TenantByID(_ context.Context, id string) (*store.Tenant, error) {
	return m.tenants[id], nil
}

func (m *memTx) PriceByProviderID(context.Context, string) (*store.Price, error) { return nil, nil }

func (m *memTx) SubscriptionByProviderID(context.Context, string, bool) (*store.Subscription, error) {
	return nil, nil
}
func (m *memTx) UpsertSubscription(context.Context, *store.Subscription) error { return nil }
func (m *memTx) PurchaseByProviderChargeID(context.Context, string, bool) (*store.Purchase, error) {
	return nil, nil
}
func (m *memTx) UpsertPurchase(context.Context, *store.Purchase) error { return nil }

func (m *memTx) InsertManualGrant(_ context.Context, g *store.ManualGrant) error {
	cp := *g
	m.grants[g.ID] = &cp
	return nil
}

func (m *memTx) LatestUnrevokedGrant(_ context.Context, tenantID, userID, featureCode string) (*store.ManualGrant, error) {
	var latest *store.ManualGrant
	for _, g := range m.grants {
		if g.TenantID != tenantID || g.UserID != userID || g.FeatureCode != featureCode || g.RevokedAt != nil {
			continue
		}
		if latest == nil || g.GrantedAt.After(latest.GrantedAt) {
			latest = g
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memTx) ActiveManualGrant(_ context.Context, tenantID, userID, featureCode string) (*store.ManualGrant, error) {
	for _, g := range m.grants {
		if g.TenantID == tenantID && g.UserID == userID && g.FeatureCode == featureCode && g.RevokedAt == nil {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memTx) RevokeManualGrant(_ context.Context, grantID, revokedBy, reason string, at time.Time) error {
	if g, ok := m.grants[grantID]; ok && g.RevokedAt == nil {
		g.RevokedAt = &at
		g.RevokedBy = revokedBy
		g.RevokeReason = reason
	}
	return nil
}

func (m *memTx) InsertAuditEntry(_ context.Context, e *store.AuditEntry) error {
	m.audits = append(m.audits, *e)
	return nil
}

func (m *memTx) RecomputeEntitlements(_ context.Context, tenantID, userID string, _ time.Time) error {
	m.recomputed = append(m.recomputed, [2]string{tenantID, userID})
	if m.recomputeHook != nil {
		m.recomputeHook(tenantID, userID)
	}
	return nil
}

func (m *memTx) EntitlementsFor(context.Context, string, string) ([]store.Entitlement, error) {
	return nil, nil
}

// memStore implements AdminStore, CredentialResolver, EntitlementReader
// and PriceReader over memTx plus a few maps.
type memStore struct {
	tx          *memTx
	credentials map[string]*store.Tenant // by credential hash
	rows        map[string][]store.Entitlement
	prices      map[string]*store.Price
	products    []store.Product
	rowsErr     error
}

func newMemStore() *memStore {
	s := &memStore{
		tx:          newMemTx(),
		credentials: map[string]*store.Tenant{},
		rows:        map[string][]store.Entitlement{},
		prices:      map[string]*store.Price{},
	}
	// Recompute mirrors unrevoked manual grants into the read model, the
	// same shape the real materialization produces.
	s.tx.recomputeHook = func(tenantID, userID string) {
		var rows []store.Entitlement
		for _, g := range s.tx.grants {
			if g.TenantID != tenantID || g.UserID != userID || g.RevokedAt != nil {
				continue
			}
			rows = append(rows, store.Entitlement{
				TenantID: tenantID, UserID: userID, FeatureCode: g.FeatureCode,
				Source: entitle.SourceManual, SourceRef: g.ID,
				ValidFrom: g.ValidFrom, ValidTo: g.ValidTo,
			})
		}
		s.rows[tenantID+"/"+userID] = rows
	}
	return s
}

func (s *memStore) InTx(_ context.Context, fn func(tx store.Tx) error) error {
	return fn(s.tx)
}

func (s *memStore) TenantByCredentialHash(_ context.Context, hash string) (*store.Tenant, error) {
	return s.credentials[hash], nil
}

func (s *memStore) EntitlementsFor(_ context.Context, tenantID, userID string) ([]store.Entitlement, error) {
	if s.rowsErr != nil {
		return nil, s.rowsErr
	}
	return s.rows[tenantID+"/"+userID], nil
}

func (s *memStore) PriceByID(_ context.Context, id string) (*store.Price, error) {
	return s.prices[id], nil
}

func (s *memStore) CreateTenant(_ context.Context, t *store.Tenant) error {
	s.tx.tenants[t.ID] = t
	return nil
}

func (s *memStore) AddTenantCredential(_ context.Context, tenantID, hash string, _ time.Time) error {
	s.credentials[hash] = s.tx.tenants[tenantID]
	return nil
}

func (s *memStore) ListTenants(context.Context) ([]store.Tenant, error) {
	var out []store.Tenant
	for _, t := range s.tx.tenants {
		out = append(out, *t)
	}
	return out, nil
}

func (s *memStore) CreateProduct(_ context.Context, p *store.Product) error {
	s.products = append(s.products, *p)
	return nil
}

func (s *memStore) ListProducts(_ context.Context, tenantID string) ([]store.Product, error) {
	var out []store.Product
	for _, p := range s.products {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) CreatePrice(_ context.Context, p *store.Price) error {
	for _, existing := range s.prices {
		if existing.ProviderPriceID == p.ProviderPriceID {
			return store.ErrDuplicate
		}
	}
	s.prices[p.ID] = p
	return nil
}

func (s *memStore) ListPrices(_ context.Context, tenantID string) ([]store.Price, error) {
	var out []store.Price
	for _, p := range s.prices {
		if p.TenantID == tenantID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// memCache records views and evictions.
type memCache struct {
	views   map[string]*entitle.View
	evicted [][2]string
	sets    int
}

func newMemCache() *memCache { return &memCache{views: map[string]*entitle.View{}} }

func (c *memCache) GetView(_ context.Context, tenantID, userID string) (*entitle.View, bool) {
	v, ok := c.views[tenantID+"/"+userID]
	return v, ok
}

func (c *memCache) SetView(_ context.Context, view *entitle.View) {
	c.sets++
	c.views[view.TenantID+"/"+view.UserID] = view
}

func (c *memCache) Invalidate(_ context.Context, tenantID, userID string) {
	delete(c.views, tenantID+"/"+userID)
	c.evicted = append(c.evicted, [2]string{tenantID, userID})
}

// memReconciler scripts RunOnce.
type memReconciler struct {
	summary stripe.Summary
	err     error
	runs    int
}

func (r *memReconciler) RunOnce(context.Context) (stripe.Summary, error) {
	r.runs++
	return r.summary, r.err
}

// memProvider records checkout sessions.
type memProvider struct {
	sessions []stripe.CheckoutInput
	fail     bool
}

func (p *memProvider) FetchSubscription(context.Context, string) (*stripe.RemoteSubscription, error) {
	return nil, errors.New("not scripted")
}

func (p *memProvider) FetchCharge(context.Context, string) (*stripe.RemoteCharge, error) {
	return nil, errors.New("not scripted")
}

func (p *memProvider) ListSubscriptions(context.Context, time.Time) ([]*stripe.RemoteSubscription, error) {
	return nil, nil
}

func (p *memProvider) ListCharges(context.Context, time.Time) ([]*stripe.RemoteCharge, error) {
	return nil, nil
}

func (p *memProvider) ResolveChargeID(context.Context, string) (string, error) {
	return "", errors.New("not scripted")
}

func (p *memProvider) CreateCheckoutSession(_ context.Context, in stripe.CheckoutInput) (*stripe.CheckoutSession, error) {
	if p.fail {
		return nil, errors.New("provider down")
	}
	p.sessions = append(p.sessions, in)
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}
