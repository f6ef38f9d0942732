package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/praxos/billingd/internal/store"
)

func mkEvent(t *testing.T, eventType, object string) *stripeapi.Event {
	t.Helper()
	return &stripeapi.Event{
		ID:   "evt_test",
		Type: stripeapi.EventType(eventType),
		Data: &stripeapi.EventData{Raw: json.RawMessage(object)},
	}
}

func TestCheckoutSubscriptionModeUsesMetadataPeriods(t *testing.T) {
	tx := newFakeTx()
	seedCatalog(tx)
	p := NewProcessors(&fakeProvider{}) // no provider calls expected

	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(30 * 24 * time.Hour)
	object := fmt.Sprintf(`{"id":"cs_1","mode":"subscription","subscription":"sub_1",
		"metadata":{"tenant_id":"t-1","user_id":"u-1","provider_price_id":"price_123",
		"status":"active","current_period_start":"%d","current_period_end":"%d"}}`,
		start.Unix(), end.Unix())

	var touched Touched
	err := p.processCheckoutCompleted(context.Background(), tx, mkEvent(t, "checkout.session.completed", object), &touched)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := tx.subs["sub_1"]
	if sub == nil {
		t.Fatal("subscription not created")
	}
	if sub.Status != store.SubscriptionActive || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if len(touched.Pairs()) != 1 {
		t.Fatalf("touched=%v", touched.Pairs())
	}
}

func TestCheckoutSubscriptionModeFetchesProviderWhenMetadataIncomplete(t *testing.T) {
	tx := newFakeTx()
	seedCatalog(tx)
	start := time.Now().UTC().Add(-time.Hour)
	end := start.Add(30 * 24 * time.Hour)
	provider := &fakeProvider{subs: map[string]*RemoteSubscription{
		"sub_1": {ID: "sub_1", Status: "trialing", PeriodStart: start, PeriodEnd: end},
	}}
	p := NewProcessors(provider)

	object := `{"id":"cs_1","mode":"subscription","subscription":"sub_1",
		"metadata":{"tenant_id":"t-1","user_id":"u-1","provider_price_id":"price_123"}}`
	var touched Touched
	if err := p.processCheckoutCompleted(context.Background(), tx, mkEvent(t, "checkout.session.completed", object), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	if tx.subs["sub_1"].Status != store.SubscriptionTrialing {
		t.Fatalf("status=%s", tx.subs["sub_1"].Status)
	}
}

func TestCheckoutUnknownPriceIsPermanent(t *testing.T) {
	tx := newFakeTx()
	tx.tenants["t-1"] = &store.Tenant{ID: "t-1", Active: true}
	p := NewProcessors(&fakeProvider{})

	object := `{"id":"cs_1","mode":"payment","payment_intent":"pi_1",
		"metadata":{"tenant_id":"t-1","user_id":"u-1","provider_price_id":"price_unknown"}}`
	var touched Touched
	err := p.processCheckoutCompleted(context.Background(), tx, mkEvent(t, "checkout.session.completed", object), &touched)
	if err == nil || IsTransient(err) {
		t.Fatalf("unknown price must fail permanently, got %v", err)
	}
}

func TestSubscriptionUpdatedRepricesAndRecomputes(t *testing.T) {
	tx := newFakeTx()
	seedCatalog(tx)
	tx.subs["sub_1"] = &store.Subscription{
		ID: "local-1", TenantID: "t-1", UserID: "u-1",
		ProviderSubscriptionID: "sub_1", PriceID: "price-local",
		Status: store.SubscriptionActive,
	}
	p := NewProcessors(&fakeProvider{})

	end := time.Now().UTC().Add(60 * 24 * time.Hour)
	object := fmt.Sprintf(`{"id":"sub_1","status":"past_due","cancel_at_period_end":true,
		"items":{"data":[{"current_period_start":%d,"current_period_end":%d,"price":{"id":"price_123"}}]}}`,
		time.Now().Unix(), end.Unix())

	var touched Touched
	if err := p.processSubscriptionUpdated(context.Background(), tx, mkEvent(t, "customer.subscription.updated", object), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := tx.subs["sub_1"]
	if sub.Status != store.SubscriptionPastDue || !sub.CancelAtPeriodEnd {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if sub.ID != "local-1" {
		t.Fatal("local id must be preserved across updates")
	}
	if len(touched.Pairs()) != 1 {
		t.Fatalf("touched=%v", touched.Pairs())
	}
}

func TestSubscriptionUpdatedWithoutLocalOrMetadataIsPermanent(t *testing.T) {
	tx := newFakeTx()
	seedCatalog(tx)
	p := NewProcessors(&fakeProvider{})

	object := fmt.Sprintf(`{"id":"sub_orphan","status":"active",
		"items":{"data":[{"current_period_start":%d,"current_period_end":%d,"price":{"id":"price_123"}}]}}`,
		time.Now().Unix(), time.Now().Add(time.Hour).Unix())
	var touched Touched
	err := p.processSubscriptionUpdated(context.Background(), tx, mkEvent(t, "customer.subscription.updated", object), &touched)
	if err == nil || IsTransient(err) {
		t.Fatalf("orphan subscription must fail permanently, got %v", err)
	}
}

func TestSubscriptionDeletedUnknownIsNoOp(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessors(&fakeProvider{})

	var touched Touched
	if err := p.processSubscriptionDeleted(context.Background(), tx, mkEvent(t, "customer.subscription.deleted", `{"id":"sub_gone"}`), &touched); err != nil {
		t.Fatalf("unknown deletion should acknowledge, got %v", err)
	}
	if len(touched.Pairs()) != 0 {
		t.Fatal("no-op must not recompute")
	}
}

func TestSubscriptionDeletedCancelsLocal(t *testing.T) {
	tx := newFakeTx()
	tx.subs["sub_1"] = &store.Subscription{
		ID: "local-1", TenantID: "t-1", UserID: "u-1",
		ProviderSubscriptionID: "sub_1", Status: store.SubscriptionActive,
	}
	p := NewProcessors(&fakeProvider{})

	var touched Touched
	if err := p.processSubscriptionDeleted(context.Background(), tx, mkEvent(t, "customer.subscription.deleted", `{"id":"sub_1"}`), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := tx.subs["sub_1"]
	if sub.Status != store.SubscriptionCanceled || sub.CanceledAt == nil {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestInvoicePaymentSucceededRenewsSubscription(t *testing.T) {
	oldStart := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	oldEnd := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	tx := newFakeTx()
	tx.subs["sub_1"] = &store.Subscription{
		ID: "local-1", TenantID: "t-1", UserID: "u-1",
		ProviderSubscriptionID: "sub_1", Status: store.SubscriptionPastDue,
		CurrentPeriodStart: oldStart, CurrentPeriodEnd: oldEnd,
	}
	p := NewProcessors(&fakeProvider{}) // no provider calls expected

	newStart := oldEnd
	newEnd := newStart.Add(30 * 24 * time.Hour)
	object := fmt.Sprintf(`{"id":"in_1","subscription":"sub_1",
		"lines":{"data":[{"period":{"start":%d,"end":%d}}]}}`,
		newStart.Unix(), newEnd.Unix())

	var touched Touched
	if err := p.processInvoicePaymentSucceeded(context.Background(), tx, mkEvent(t, "invoice.payment_succeeded", object), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := tx.subs["sub_1"]
	if !sub.CurrentPeriodEnd.Equal(newEnd) {
		t.Fatalf("period end=%v, want advanced to %v", sub.CurrentPeriodEnd, newEnd)
	}
	if sub.Status != store.SubscriptionActive {
		t.Fatalf("status=%s, want active after paid renewal", sub.Status)
	}
	if len(touched.Pairs()) != 1 {
		t.Fatalf("touched=%v", touched.Pairs())
	}

	// A redelivered older invoice must not rewind the window.
	stale := fmt.Sprintf(`{"id":"in_0","subscription":"sub_1",
		"lines":{"data":[{"period":{"start":%d,"end":%d}}]}}`,
		oldStart.Unix(), oldEnd.Unix())
	if err := p.processInvoicePaymentSucceeded(context.Background(), tx, mkEvent(t, "invoice.payment_succeeded", stale), &touched); err != nil {
		t.Fatalf("stale replay: %v", err)
	}
	if !tx.subs["sub_1"].CurrentPeriodEnd.Equal(newEnd) {
		t.Fatalf("stale invoice rewound the period to %v", tx.subs["sub_1"].CurrentPeriodEnd)
	}
}

func TestInvoicePaymentSucceededFetchesProviderWhenLinesAbsent(t *testing.T) {
	tx := newFakeTx()
	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(30 * 24 * time.Hour)
	tx.subs["sub_1"] = &store.Subscription{
		ID: "local-1", TenantID: "t-1", UserID: "u-1",
		ProviderSubscriptionID: "sub_1", Status: store.SubscriptionTrialing,
		CurrentPeriodStart: start.Add(-30 * 24 * time.Hour), CurrentPeriodEnd: start,
	}
	provider := &fakeProvider{subs: map[string]*RemoteSubscription{
		"sub_1": {ID: "sub_1", Status: "active", PeriodStart: start, PeriodEnd: end},
	}}
	p := NewProcessors(provider)

	var touched Touched
	if err := p.processInvoicePaymentSucceeded(context.Background(), tx, mkEvent(t, "invoice.payment_succeeded", `{"id":"in_1","subscription":"sub_1"}`), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	sub := tx.subs["sub_1"]
	if sub.Status != store.SubscriptionActive || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestInvoicePaymentSucceededUnknownSubscriptionIsTransient(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessors(&fakeProvider{})

	var touched Touched
	err := p.processInvoicePaymentSucceeded(context.Background(), tx, mkEvent(t, "invoice.payment_succeeded", `{"id":"in_1","subscription":"sub_unseen"}`), &touched)
	if err == nil || !IsTransient(err) {
		t.Fatalf("unknown subscription renewal must be transient, got %v", err)
	}
}

func TestInvoicePaymentFailedParentFallback(t *testing.T) {
	tx := newFakeTx()
	tx.subs["sub_1"] = &store.Subscription{
		ID: "local-1", TenantID: "t-1", UserID: "u-1",
		ProviderSubscriptionID: "sub_1", Status: store.SubscriptionActive,
	}
	p := NewProcessors(&fakeProvider{})

	object := `{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_1"}}}`
	var touched Touched
	if err := p.processInvoicePaymentFailed(context.Background(), tx, mkEvent(t, "invoice.payment_failed", object), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	if tx.subs["sub_1"].Status != store.SubscriptionPastDue {
		t.Fatalf("status=%s, want past_due", tx.subs["sub_1"].Status)
	}
}

func TestChargeRefundedMarksPurchase(t *testing.T) {
	tx := newFakeTx()
	tx.purchases["ch_1"] = &store.Purchase{
		ID: "p-1", TenantID: "t-1", UserID: "u-1",
		ProviderChargeID: "ch_1", Status: store.PurchaseSucceeded,
	}
	p := NewProcessors(&fakeProvider{})

	var touched Touched
	if err := p.processChargeRefunded(context.Background(), tx, mkEvent(t, "charge.refunded", `{"id":"ch_1","refunded":true}`), &touched); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := tx.purchases["ch_1"]
	if got.Status != store.PurchaseRefunded || got.RefundedAt == nil {
		t.Fatalf("unexpected purchase %+v", got)
	}

	// Re-applying the refund is idempotent.
	before := *got.RefundedAt
	if err := p.processChargeRefunded(context.Background(), tx, mkEvent(t, "charge.refunded", `{"id":"ch_1","refunded":true}`), &touched); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if !tx.purchases["ch_1"].RefundedAt.Equal(before) {
		t.Fatal("repeat refund must not move refunded_at")
	}
}

func TestChargeRefundedUnknownIsTransient(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessors(&fakeProvider{})

	var touched Touched
	err := p.processChargeRefunded(context.Background(), tx, mkEvent(t, "charge.refunded", `{"id":"ch_unseen","refunded":true}`), &touched)
	if err == nil || !IsTransient(err) {
		t.Fatalf("unknown charge refund must be transient, got %v", err)
	}
}
