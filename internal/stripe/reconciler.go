package stripe

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/praxos/billingd/internal/metrics"
	"github.com/praxos/billingd/internal/store"
)

const (
	reconcileLeaseName = "reconcile-daily"
	reconcileLeaseTTL  = time.Hour
	reconcileWorkers   = 4
)

// ReconcilerRepo is the persistence surface the reconciler needs.
type ReconcilerRepo interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	SubscriptionsUpdatedSince(ctx context.Context, since time.Time) ([]store.Subscription, error)
	PurchasesUpdatedSince(ctx context.Context, since time.Time) ([]store.Purchase, error)
}

// ReconcilerConfig tunes the daily sweep.
type ReconcilerConfig struct {
	Enabled  bool
	HourUTC  int           // hour of day the sweep runs
	Lookback time.Duration // how far back records are re-checked
}

// Reconciler re-checks recently touched records against the provider and
// repairs local state that webhook delivery failures left stale.
type Reconciler struct {
	repo     ReconcilerRepo
	provider Provider
	cache    Evictor
	cfg      ReconcilerConfig
	holder   string
	now      func() time.Time
}

// NewReconciler builds the daily reconciler. Each replica gets a unique
// holder id; the database lease elects one runner per day.
func NewReconciler(repo ReconcilerRepo, provider Provider, cache Evictor, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		repo:     repo,
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		holder:   uuid.NewString(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Summary reports one reconciliation run.
type Summary struct {
	Checked  int64 `json:"checked"`
	Repaired int64 `json:"repaired"`
	Errors   int64 `json:"errors"`
	Leader   bool  `json:"leader"`
}

// Run blocks until ctx is canceled, firing the sweep once per day at the
// configured UTC hour.
func (r *Reconciler) Run(ctx context.Context) {
	if !r.cfg.Enabled {
		log.Info().Msg("reconciler disabled")
		<-ctx.Done()
		return
	}
	for {
		wait := time.Until(nextRunAt(r.now(), r.cfg.HourUTC))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		summary, err := r.RunOnce(ctx)
		switch {
		case err != nil:
			metrics.ReconcileRuns.WithLabelValues("error").Inc()
			log.Error().Err(err).Msg("reconciliation run failed")
		case !summary.Leader:
			metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
			log.Debug().Msg("reconciliation lease held elsewhere")
		default:
			metrics.ReconcileRuns.WithLabelValues("ok").Inc()
			log.Info().
				Int64("checked", summary.Checked).
				Int64("repaired", summary.Repaired).
				Int64("errors", summary.Errors).
				Msg("reconciliation run complete")
		}
	}
}

// nextRunAt returns the next instant at hourUTC, strictly after now.
func nextRunAt(now time.Time, hourUTC int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// RunOnce performs one sweep. It is also the backing for the admin
// endpoint that forces a reconciliation; forced runs still respect the
// lease so concurrent replicas cannot double-sweep. After a successful
// run the lease is left to expire, which keeps a second replica's daily
// tick from repeating the sweep; a failed run releases it so a retry
// does not have to wait out the TTL.
func (r *Reconciler) RunOnce(ctx context.Context) (summary Summary, err error) {
	now := r.now()
	ok, err := r.repo.AcquireLease(ctx, reconcileLeaseName, r.holder, now, reconcileLeaseTTL)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		return Summary{}, nil
	}
	defer func() {
		if err != nil {
			if relErr := r.repo.ReleaseLease(context.WithoutCancel(ctx), reconcileLeaseName, r.holder); relErr != nil {
				log.Warn().Err(relErr).Msg("release reconcile lease failed")
			}
		}
	}()

	summary = Summary{Leader: true}
	since := now.Add(-r.cfg.Lookback)

	// Provider-side enumeration catches records whose creating webhook
	// never arrived. Listing is by creation time, so local records that
	// predate the lookback but changed recently are swept separately
	// below.
	remoteSubs, err := r.provider.ListSubscriptions(ctx, since)
	if err != nil {
		return summary, err
	}
	remoteCharges, err := r.provider.ListCharges(ctx, since)
	if err != nil {
		return summary, err
	}

	localSubs, err := r.repo.SubscriptionsUpdatedSince(ctx, since)
	if err != nil {
		return summary, err
	}
	localPurchases, err := r.repo.PurchasesUpdatedSince(ctx, since)
	if err != nil {
		return summary, err
	}

	seenSubs := make(map[string]bool, len(remoteSubs))
	for _, s := range remoteSubs {
		seenSubs[s.ID] = true
	}
	seenCharges := make(map[string]bool, len(remoteCharges))
	for _, c := range remoteCharges {
		seenCharges[c.ID] = true
	}

	var checked, repaired, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileWorkers)

	for _, remote := range remoteSubs {
		g.Go(func() error {
			checked.Add(1)
			recordResult(r.reconcileRemoteSubscription(gctx, remote), &repaired, &failed)
			return nil
		})
	}
	for _, remote := range remoteCharges {
		g.Go(func() error {
			checked.Add(1)
			recordResult(r.reconcileRemoteCharge(gctx, remote), &repaired, &failed)
			return nil
		})
	}
	for _, sub := range localSubs {
		if seenSubs[sub.ProviderSubscriptionID] {
			continue
		}
		g.Go(func() error {
			checked.Add(1)
			recordResult(r.reconcileSubscription(gctx, sub), &repaired, &failed)
			return nil
		})
	}
	for _, p := range localPurchases {
		if seenCharges[p.ProviderChargeID] {
			continue
		}
		g.Go(func() error {
			checked.Add(1)
			recordResult(r.reconcilePurchase(gctx, p), &repaired, &failed)
			return nil
		})
	}
	_ = g.Wait()

	summary.Checked = checked.Load()
	summary.Repaired = repaired.Load()
	summary.Errors = failed.Load()
	return summary, ctx.Err()
}

type reconcileResult int

const (
	resultConsistent reconcileResult = iota
	resultRepaired
	resultError
)

func recordResult(res reconcileResult, repaired, failed *atomic.Int64) {
	switch res {
	case resultConsistent:
		metrics.ReconcileRecords.WithLabelValues("consistent").Inc()
	case resultRepaired:
		metrics.ReconcileRecords.WithLabelValues("repaired").Inc()
		repaired.Add(1)
	case resultError:
		metrics.ReconcileRecords.WithLabelValues("error").Inc()
		failed.Add(1)
	}
}

// reconcileSubscription compares one local subscription with provider
// state. Failures are isolated to the record.
func (r *Reconciler) reconcileSubscription(ctx context.Context, sub store.Subscription) reconcileResult {
	remote, err := r.provider.FetchSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		log.Warn().Err(err).Str("provider_subscription_id", sub.ProviderSubscriptionID).Msg("reconcile fetch failed")
		return resultError
	}
	if !subscriptionDiverged(sub, remote) {
		return resultConsistent
	}

	err = r.repo.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.SubscriptionByProviderID(ctx, sub.ProviderSubscriptionID, true)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		current.Status = store.ParseSubscriptionStatus(remote.Status)
		current.CurrentPeriodStart = remote.PeriodStart
		current.CurrentPeriodEnd = remote.PeriodEnd
		current.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
		current.CanceledAt = remote.CanceledAt
		current.UpdatedAt = r.now()
		if err := tx.UpsertSubscription(ctx, current); err != nil {
			return err
		}
		return tx.RecomputeEntitlements(ctx, current.TenantID, current.UserID, r.now())
	})
	if err != nil {
		log.Warn().Err(err).Str("provider_subscription_id", sub.ProviderSubscriptionID).Msg("reconcile repair failed")
		return resultError
	}
	r.cache.Invalidate(ctx, sub.TenantID, sub.UserID)
	log.Info().
		Str("provider_subscription_id", sub.ProviderSubscriptionID).
		Str("status", remote.Status).
		Msg("subscription repaired from provider state")
	return resultRepaired
}

func subscriptionDiverged(local store.Subscription, remote *RemoteSubscription) bool {
	return string(local.Status) != remote.Status ||
		!local.CurrentPeriodStart.Equal(remote.PeriodStart) ||
		!local.CurrentPeriodEnd.Equal(remote.PeriodEnd) ||
		local.CancelAtPeriodEnd != remote.CancelAtPeriodEnd
}

// reconcileRemoteSubscription applies one provider-listed subscription:
// inserts the local counterpart when the creating webhook was lost,
// repairs it when drifted. Records without tenant metadata or a cataloged
// price belong to another integration and are left alone.
func (r *Reconciler) reconcileRemoteSubscription(ctx context.Context, remote *RemoteSubscription) reconcileResult {
	result := resultConsistent
	var tenantID, userID string

	err := r.repo.InTx(ctx, func(tx store.Tx) error {
		local, err := tx.SubscriptionByProviderID(ctx, remote.ID, true)
		if err != nil {
			return err
		}
		now := r.now()

		if local == nil {
			tenantID = strings.TrimSpace(remote.Metadata["tenant_id"])
			userID = strings.TrimSpace(remote.Metadata["user_id"])
			if tenantID == "" || userID == "" {
				log.Debug().Str("provider_subscription_id", remote.ID).Msg("unattributed provider subscription skipped")
				return nil
			}
			price, err := tx.PriceByProviderID(ctx, remote.PriceID)
			if err != nil {
				return err
			}
			if price == nil {
				log.Debug().Str("provider_subscription_id", remote.ID).Str("provider_price_id", remote.PriceID).Msg("provider subscription for uncataloged price skipped")
				return nil
			}
			sub := &store.Subscription{
				ID:                     uuid.NewString(),
				TenantID:               tenantID,
				UserID:                 userID,
				ProviderSubscriptionID: remote.ID,
				PriceID:                price.ID,
				Status:                 store.ParseSubscriptionStatus(remote.Status),
				CurrentPeriodStart:     remote.PeriodStart,
				CurrentPeriodEnd:       remote.PeriodEnd,
				CancelAtPeriodEnd:      remote.CancelAtPeriodEnd,
				CanceledAt:             remote.CanceledAt,
				CreatedAt:              now,
				UpdatedAt:              now,
			}
			if err := tx.UpsertSubscription(ctx, sub); err != nil {
				return err
			}
			result = resultRepaired
			return tx.RecomputeEntitlements(ctx, tenantID, userID, now)
		}

		tenantID, userID = local.TenantID, local.UserID
		if !subscriptionDiverged(*local, remote) {
			return nil
		}
		local.Status = store.ParseSubscriptionStatus(remote.Status)
		local.CurrentPeriodStart = remote.PeriodStart
		local.CurrentPeriodEnd = remote.PeriodEnd
		local.CancelAtPeriodEnd = remote.CancelAtPeriodEnd
		local.CanceledAt = remote.CanceledAt
		local.UpdatedAt = now
		if err := tx.UpsertSubscription(ctx, local); err != nil {
			return err
		}
		result = resultRepaired
		return tx.RecomputeEntitlements(ctx, tenantID, userID, now)
	})
	if err != nil {
		log.Warn().Err(err).Str("provider_subscription_id", remote.ID).Msg("reconcile remote subscription failed")
		return resultError
	}
	if result == resultRepaired {
		r.cache.Invalidate(ctx, tenantID, userID)
		log.Info().Str("provider_subscription_id", remote.ID).Str("status", remote.Status).Msg("subscription reconciled from provider listing")
	}
	return result
}

// reconcileRemoteCharge applies one provider-listed charge: inserts the
// purchase when its checkout webhook was lost, repairs a missed refund.
func (r *Reconciler) reconcileRemoteCharge(ctx context.Context, remote *RemoteCharge) reconcileResult {
	result := resultConsistent
	var tenantID, userID string

	err := r.repo.InTx(ctx, func(tx store.Tx) error {
		local, err := tx.PurchaseByProviderChargeID(ctx, remote.ID, true)
		if err != nil {
			return err
		}
		now := r.now()

		if local == nil {
			tenantID = strings.TrimSpace(remote.Metadata["tenant_id"])
			userID = strings.TrimSpace(remote.Metadata["user_id"])
			providerPriceID := strings.TrimSpace(remote.Metadata["provider_price_id"])
			if tenantID == "" || userID == "" || providerPriceID == "" {
				log.Debug().Str("provider_charge_id", remote.ID).Msg("unattributed provider charge skipped")
				return nil
			}
			price, err := tx.PriceByProviderID(ctx, providerPriceID)
			if err != nil {
				return err
			}
			if price == nil {
				log.Debug().Str("provider_charge_id", remote.ID).Str("provider_price_id", providerPriceID).Msg("provider charge for uncataloged price skipped")
				return nil
			}
			var validTo *time.Time
			if price.AccessDurationDays != nil {
				t := remote.Created.Add(time.Duration(*price.AccessDurationDays) * 24 * time.Hour)
				validTo = &t
			}
			purchase := &store.Purchase{
				ID:               uuid.NewString(),
				TenantID:         tenantID,
				UserID:           userID,
				ProviderChargeID: remote.ID,
				PriceID:          price.ID,
				Amount:           remote.Amount,
				Currency:         remote.Currency,
				Status:           store.PurchaseSucceeded,
				ValidFrom:        remote.Created,
				ValidTo:          validTo,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if remote.Refunded {
				purchase.Status = store.PurchaseRefunded
				purchase.RefundedAt = remote.RefundedAt
			}
			if err := tx.UpsertPurchase(ctx, purchase); err != nil {
				return err
			}
			result = resultRepaired
			return tx.RecomputeEntitlements(ctx, tenantID, userID, now)
		}

		tenantID, userID = local.TenantID, local.UserID
		if !remote.Refunded || local.Status == store.PurchaseRefunded {
			return nil
		}
		local.Status = store.PurchaseRefunded
		local.RefundedAt = remote.RefundedAt
		if local.RefundedAt == nil {
			local.RefundedAt = &now
		}
		local.UpdatedAt = now
		if err := tx.UpsertPurchase(ctx, local); err != nil {
			return err
		}
		result = resultRepaired
		return tx.RecomputeEntitlements(ctx, tenantID, userID, now)
	})
	if err != nil {
		log.Warn().Err(err).Str("provider_charge_id", remote.ID).Msg("reconcile remote charge failed")
		return resultError
	}
	if result == resultRepaired {
		r.cache.Invalidate(ctx, tenantID, userID)
		log.Info().Str("provider_charge_id", remote.ID).Msg("purchase reconciled from provider listing")
	}
	return result
}

// reconcilePurchase repairs refunds the webhook path missed.
func (r *Reconciler) reconcilePurchase(ctx context.Context, p store.Purchase) reconcileResult {
	remote, err := r.provider.FetchCharge(ctx, p.ProviderChargeID)
	if err != nil {
		log.Warn().Err(err).Str("provider_charge_id", p.ProviderChargeID).Msg("reconcile fetch failed")
		return resultError
	}
	if !remote.Refunded || p.Status == store.PurchaseRefunded {
		return resultConsistent
	}

	err = r.repo.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.PurchaseByProviderChargeID(ctx, p.ProviderChargeID, true)
		if err != nil {
			return err
		}
		if current == nil || current.Status == store.PurchaseRefunded {
			return nil
		}
		now := r.now()
		current.Status = store.PurchaseRefunded
		current.RefundedAt = remote.RefundedAt
		if current.RefundedAt == nil {
			current.RefundedAt = &now
		}
		current.UpdatedAt = now
		if err := tx.UpsertPurchase(ctx, current); err != nil {
			return err
		}
		return tx.RecomputeEntitlements(ctx, current.TenantID, current.UserID, now)
	})
	if err != nil {
		log.Warn().Err(err).Str("provider_charge_id", p.ProviderChargeID).Msg("reconcile repair failed")
		return resultError
	}
	r.cache.Invalidate(ctx, p.TenantID, p.UserID)
	log.Info().Str("provider_charge_id", p.ProviderChargeID).Msg("purchase refund repaired from provider state")
	return resultRepaired
}
