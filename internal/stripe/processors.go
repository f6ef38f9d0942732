package stripe

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/praxos/billingd/internal/metrics"
	"github.com/praxos/billingd/internal/store"
)

// Touched accumulates the (tenant, user) pairs whose entitlements were
// recomputed in a transaction. The webhook handler evicts their cache
// entries after commit.
type Touched struct {
	pairs [][2]string
	seen  map[[2]string]bool
}

// Add records a pair once.
func (t *Touched) Add(tenantID, userID string) {
	key := [2]string{tenantID, userID}
	if t.seen == nil {
		t.seen = make(map[[2]string]bool)
	}
	if t.seen[key] {
		return
	}
	t.seen[key] = true
	t.pairs = append(t.pairs, key)
}

// Pairs returns the recorded pairs in insertion order.
func (t *Touched) Pairs() [][2]string { return t.pairs }

// ProcessorFunc applies one provider event inside a transaction. State
// mutation and entitlement recomputation commit or roll back together.
type ProcessorFunc func(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error

// Processors maps event types onto their handlers.
type Processors struct {
	provider Provider
	now      func() time.Time
	registry map[string]ProcessorFunc
}

// NewProcessors builds the processor registry.
func NewProcessors(provider Provider) *Processors {
	p := &Processors{provider: provider, now: func() time.Time { return time.Now().UTC() }}
	p.registry = map[string]ProcessorFunc{
		"checkout.session.completed":    p.processCheckoutCompleted,
		"customer.subscription.updated": p.processSubscriptionUpdated,
		"customer.subscription.deleted": p.processSubscriptionDeleted,
		"invoice.payment_succeeded":     p.processInvoicePaymentSucceeded,
		"invoice.payment_failed":        p.processInvoicePaymentFailed,
		"charge.refunded":               p.processChargeRefunded,
	}
	return p
}

// Lookup returns the processor for an event type, or nil when the type is
// unhandled. Unhandled types are acknowledged without side effects.
func (p *Processors) Lookup(eventType string) ProcessorFunc {
	return p.registry[eventType]
}

func (p *Processors) recompute(ctx context.Context, tx store.Tx, tenantID, userID string, touched *Touched) error {
	start := time.Now()
	err := tx.RecomputeEntitlements(ctx, tenantID, userID, p.now())
	metrics.RecomputeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	touched.Add(tenantID, userID)
	return nil
}

func (p *Processors) processCheckoutCompleted(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
		return Permanent("decode checkout session: %v", err)
	}

	tenantID := strings.TrimSpace(session.Metadata["tenant_id"])
	userID := strings.TrimSpace(session.Metadata["user_id"])
	providerPriceID := strings.TrimSpace(session.Metadata["provider_price_id"])
	if tenantID == "" || userID == "" || providerPriceID == "" {
		return Permanent("checkout session %s missing tenant_id/user_id/provider_price_id metadata", session.ID)
	}

	tenant, err := tx.TenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return Permanent("checkout session %s references unknown tenant %s", session.ID, tenantID)
	}
	price, err := tx.PriceByProviderID(ctx, providerPriceID)
	if err != nil {
		return err
	}
	if price == nil {
		return Permanent("provider price %s not in catalog", providerPriceID)
	}

	switch session.Mode {
	case "subscription":
		return p.settleSubscriptionCheckout(ctx, tx, &session, tenantID, userID, price, touched)
	case "payment":
		return p.settlePaymentCheckout(ctx, tx, &session, tenantID, userID, price, touched)
	default:
		return Permanent("checkout session %s has unsupported mode %q", session.ID, session.Mode)
	}
}

func (p *Processors) settleSubscriptionCheckout(ctx context.Context, tx store.Tx, session *checkoutSessionPayload, tenantID, userID string, price *store.Price, touched *Touched) error {
	if session.Subscription == "" {
		return Permanent("checkout session %s in subscription mode carries no subscription id", session.ID)
	}

	status, periodStart, periodEnd, ok := subscriptionStateFromMetadata(session.Metadata)
	if !ok {
		// The session payload does not carry period bounds; ask the
		// provider for the subscription it just created.
		remote, err := p.provider.FetchSubscription(ctx, session.Subscription)
		if err != nil {
			return Transient("resolve subscription %s: %v", session.Subscription, err)
		}
		status, periodStart, periodEnd = remote.Status, remote.PeriodStart, remote.PeriodEnd
	}

	now := p.now()
	existing, err := tx.SubscriptionByProviderID(ctx, session.Subscription, true)
	if err != nil {
		return err
	}
	sub := &store.Subscription{
		ID:                     uuid.NewString(),
		TenantID:               tenantID,
		UserID:                 userID,
		ProviderSubscriptionID: session.Subscription,
		PriceID:                price.ID,
		Status:                 store.ParseSubscriptionStatus(status),
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
		sub.CancelAtPeriodEnd = existing.CancelAtPeriodEnd
		sub.CanceledAt = existing.CanceledAt
	}
	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return p.recompute(ctx, tx, tenantID, userID, touched)
}

func (p *Processors) settlePaymentCheckout(ctx context.Context, tx store.Tx, session *checkoutSessionPayload, tenantID, userID string, price *store.Price, touched *Touched) error {
	if session.PaymentIntent == "" {
		return Permanent("checkout session %s in payment mode carries no payment intent", session.ID)
	}
	chargeID, err := p.provider.ResolveChargeID(ctx, session.PaymentIntent)
	if err != nil {
		return Transient("resolve charge for %s: %v", session.PaymentIntent, err)
	}

	now := p.now()
	validFrom := now
	if session.Created > 0 {
		validFrom = time.Unix(session.Created, 0).UTC()
	}
	var validTo *time.Time
	if price.AccessDurationDays != nil {
		t := validFrom.Add(time.Duration(*price.AccessDurationDays) * 24 * time.Hour)
		validTo = &t
	}

	existing, err := tx.PurchaseByProviderChargeID(ctx, chargeID, true)
	if err != nil {
		return err
	}
	purchase := &store.Purchase{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		UserID:           userID,
		ProviderChargeID: chargeID,
		PriceID:          price.ID,
		Amount:           session.AmountTotal,
		Currency:         session.Currency,
		Status:           store.PurchaseSucceeded,
		ValidFrom:        validFrom,
		ValidTo:          validTo,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if existing != nil {
		purchase.ID = existing.ID
		purchase.CreatedAt = existing.CreatedAt
		// A refund that raced ahead of this event must not be undone.
		if existing.Status == store.PurchaseRefunded {
			purchase.Status = existing.Status
			purchase.RefundedAt = existing.RefundedAt
		}
	}
	if err := tx.UpsertPurchase(ctx, purchase); err != nil {
		return err
	}
	return p.recompute(ctx, tx, tenantID, userID, touched)
}

// subscriptionStateFromMetadata reads status and period bounds stamped on
// the session metadata, when the integration provides them.
func subscriptionStateFromMetadata(meta map[string]string) (status string, start, end time.Time, ok bool) {
	status = strings.TrimSpace(meta["status"])
	startSec, err1 := strconv.ParseInt(strings.TrimSpace(meta["current_period_start"]), 10, 64)
	endSec, err2 := strconv.ParseInt(strings.TrimSpace(meta["current_period_end"]), 10, 64)
	if status == "" || err1 != nil || err2 != nil {
		return "", time.Time{}, time.Time{}, false
	}
	return status, time.Unix(startSec, 0).UTC(), time.Unix(endSec, 0).UTC(), true
}

func (p *Processors) processSubscriptionUpdated(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(ev.Data.Raw, &payload); err != nil {
		return Permanent("decode subscription: %v", err)
	}
	if payload.ID == "" || len(payload.Items.Data) == 0 {
		return Permanent("subscription payload missing id or items")
	}
	item := payload.Items.Data[0]

	existing, err := tx.SubscriptionByProviderID(ctx, payload.ID, true)
	if err != nil {
		return err
	}

	tenantID := strings.TrimSpace(payload.Metadata["tenant_id"])
	userID := strings.TrimSpace(payload.Metadata["user_id"])
	if existing != nil {
		tenantID, userID = existing.TenantID, existing.UserID
	}
	if tenantID == "" || userID == "" {
		return Permanent("subscription %s has no local record and no tenant metadata", payload.ID)
	}

	priceID := ""
	if item.Price.ID != "" {
		price, err := tx.PriceByProviderID(ctx, item.Price.ID)
		if err != nil {
			return err
		}
		if price != nil {
			priceID = price.ID
		}
	}
	if priceID == "" {
		if existing == nil {
			return Permanent("subscription %s references unknown price %s", payload.ID, item.Price.ID)
		}
		priceID = existing.PriceID
	}

	now := p.now()
	sub := &store.Subscription{
		ID:                     uuid.NewString(),
		TenantID:               tenantID,
		UserID:                 userID,
		ProviderSubscriptionID: payload.ID,
		PriceID:                priceID,
		Status:                 store.ParseSubscriptionStatus(payload.Status),
		CurrentPeriodStart:     time.Unix(item.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:       time.Unix(item.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd:      payload.CancelAtPeriodEnd,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if payload.CanceledAt > 0 {
		t := time.Unix(payload.CanceledAt, 0).UTC()
		sub.CanceledAt = &t
	}
	if existing != nil {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	}
	if err := tx.UpsertSubscription(ctx, sub); err != nil {
		return err
	}
	return p.recompute(ctx, tx, tenantID, userID, touched)
}

func (p *Processors) processSubscriptionDeleted(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var payload subscriptionPayload
	if err := json.Unmarshal(ev.Data.Raw, &payload); err != nil {
		return Permanent("decode subscription: %v", err)
	}
	if payload.ID == "" {
		return Permanent("subscription payload missing id")
	}

	existing, err := tx.SubscriptionByProviderID(ctx, payload.ID, true)
	if err != nil {
		return err
	}
	if existing == nil {
		// Nothing local to cancel; acknowledge so the provider stops
		// redelivering a terminal event.
		log.Info().Str("provider_subscription_id", payload.ID).Msg("deletion for unknown subscription ignored")
		return nil
	}

	now := p.now()
	existing.Status = store.SubscriptionCanceled
	if existing.CanceledAt == nil {
		canceledAt := now
		if payload.CanceledAt > 0 {
			canceledAt = time.Unix(payload.CanceledAt, 0).UTC()
		}
		existing.CanceledAt = &canceledAt
	}
	existing.UpdatedAt = now
	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return err
	}
	return p.recompute(ctx, tx, existing.TenantID, existing.UserID, touched)
}

func (p *Processors) processInvoicePaymentSucceeded(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var payload invoicePayload
	if err := json.Unmarshal(ev.Data.Raw, &payload); err != nil {
		return Permanent("decode invoice: %v", err)
	}
	subID := payload.subscriptionID()
	if subID == "" {
		// One-off invoice; no subscription to renew.
		return nil
	}

	existing, err := tx.SubscriptionByProviderID(ctx, subID, true)
	if err != nil {
		return err
	}
	if existing == nil {
		// The creating event may still be in flight; retry later.
		return Transient("subscription %s not yet known", subID)
	}

	start, end, ok := payload.period()
	if !ok {
		remote, err := p.provider.FetchSubscription(ctx, subID)
		if err != nil {
			return Transient("resolve subscription %s: %v", subID, err)
		}
		start, end = remote.PeriodStart, remote.PeriodEnd
	}

	// Renewal only moves the window forward; a redelivered older invoice
	// must not rewind it.
	if end.After(existing.CurrentPeriodEnd) {
		existing.CurrentPeriodStart = start
		existing.CurrentPeriodEnd = end
	}
	if existing.Status == store.SubscriptionPastDue || existing.Status == store.SubscriptionTrialing {
		existing.Status = store.SubscriptionActive
	}
	existing.UpdatedAt = p.now()
	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return err
	}
	return p.recompute(ctx, tx, existing.TenantID, existing.UserID, touched)
}

func (p *Processors) processInvoicePaymentFailed(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var payload invoicePayload
	if err := json.Unmarshal(ev.Data.Raw, &payload); err != nil {
		return Permanent("decode invoice: %v", err)
	}
	subID := payload.subscriptionID()
	if subID == "" {
		// One-off invoice; no subscription state to adjust.
		return nil
	}

	existing, err := tx.SubscriptionByProviderID(ctx, subID, true)
	if err != nil {
		return err
	}
	if existing == nil {
		// The creating event may still be in flight; retry later.
		return Transient("subscription %s not yet known", subID)
	}

	existing.Status = store.SubscriptionPastDue
	existing.UpdatedAt = p.now()
	if err := tx.UpsertSubscription(ctx, existing); err != nil {
		return err
	}
	return p.recompute(ctx, tx, existing.TenantID, existing.UserID, touched)
}

func (p *Processors) processChargeRefunded(ctx context.Context, tx store.Tx, ev *stripeapi.Event, touched *Touched) error {
	var payload chargePayload
	if err := json.Unmarshal(ev.Data.Raw, &payload); err != nil {
		return Permanent("decode charge: %v", err)
	}
	if payload.ID == "" {
		return Permanent("charge payload missing id")
	}
	if !payload.Refunded && payload.AmountRefunded == 0 {
		return nil
	}

	existing, err := tx.PurchaseByProviderChargeID(ctx, payload.ID, true)
	if err != nil {
		return err
	}
	if existing == nil {
		return Transient("charge %s not yet known", payload.ID)
	}
	if existing.Status == store.PurchaseRefunded {
		return nil
	}

	now := p.now()
	existing.Status = store.PurchaseRefunded
	existing.RefundedAt = &now
	existing.UpdatedAt = now
	if err := tx.UpsertPurchase(ctx, existing); err != nil {
		return err
	}
	return p.recompute(ctx, tx, existing.TenantID, existing.UserID, touched)
}
