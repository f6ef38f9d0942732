package store

import (
	"context"
	"fmt"
	"time"

	"github.com/praxos/billingd/internal/entitle"
)

// EntitlementsFor returns the materialized rows for a (tenant, user) pair.
func (q *Queries) EntitlementsFor(ctx context.Context, tenantID, userID string) ([]Entitlement, error) {
	rows, err := q.db.Query(ctx, `
		SELECT tenant_id, user_id, feature_code, source, source_ref, valid_from, valid_to, computed_at
		FROM entitlements
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY feature_code, source, source_ref`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("load entitlements: %w", err)
	}
	defer rows.Close()

	var out []Entitlement
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.TenantID, &e.UserID, &e.FeatureCode, &e.Source, &e.SourceRef,
			&e.ValidFrom, &e.ValidTo, &e.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecomputeEntitlements reloads every source record for the pair, derives
// the row set and replaces the stored rows wholesale. It must run inside a
// transaction: the advisory lock serializes concurrent recomputations for
// the same pair and releases at commit.
func (q *Queries) RecomputeEntitlements(ctx context.Context, tenantID, userID string, now time.Time) error {
	if _, err := q.db.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+"/"+userID); err != nil {
		return fmt.Errorf("lock entitlement pair: %w", err)
	}

	in, err := q.loadEntitlementInputs(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	computed := entitle.Compute(in, now, q.opts.PastDueGrace)

	if _, err := q.db.Exec(ctx,
		`DELETE FROM entitlements WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID); err != nil {
		return fmt.Errorf("clear entitlements: %w", err)
	}
	for _, row := range computed {
		if _, err := q.db.Exec(ctx, `
			INSERT INTO entitlements (tenant_id, user_id, feature_code, source, source_ref, valid_from, valid_to, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tenantID, userID, row.FeatureCode, row.Source, row.SourceRef,
			row.ValidFrom, row.ValidTo, now); err != nil {
			return fmt.Errorf("insert entitlement: %w", err)
		}
	}
	return nil
}

func (q *Queries) loadEntitlementInputs(ctx context.Context, tenantID, userID string) (entitle.Inputs, error) {
	var in entitle.Inputs

	subRows, err := q.db.Query(ctx, `
		SELECT s.provider_subscription_id, s.status, s.current_period_start, s.current_period_end, p.feature_codes
		FROM subscriptions s
		JOIN prices pr ON pr.id = s.price_id
		JOIN products p ON p.id = pr.product_id
		WHERE s.tenant_id = $1 AND s.user_id = $2`, tenantID, userID)
	if err != nil {
		return in, fmt.Errorf("load subscription inputs: %w", err)
	}
	defer subRows.Close()
	for subRows.Next() {
		var s entitle.SubscriptionInput
		if err := subRows.Scan(&s.ProviderSubscriptionID, &s.Status, &s.PeriodStart, &s.PeriodEnd, &s.FeatureCodes); err != nil {
			return in, fmt.Errorf("scan subscription input: %w", err)
		}
		in.Subscriptions = append(in.Subscriptions, s)
	}
	if err := subRows.Err(); err != nil {
		return in, err
	}

	purRows, err := q.db.Query(ctx, `
		SELECT pu.provider_charge_id, pu.status, pu.valid_from, pu.valid_to, p.feature_codes
		FROM purchases pu
		JOIN prices pr ON pr.id = pu.price_id
		JOIN products p ON p.id = pr.product_id
		WHERE pu.tenant_id = $1 AND pu.user_id = $2`, tenantID, userID)
	if err != nil {
		return in, fmt.Errorf("load purchase inputs: %w", err)
	}
	defer purRows.Close()
	for purRows.Next() {
		var p entitle.PurchaseInput
		if err := purRows.Scan(&p.ProviderChargeID, &p.Status, &p.ValidFrom, &p.ValidTo, &p.FeatureCodes); err != nil {
			return in, fmt.Errorf("scan purchase input: %w", err)
		}
		in.Purchases = append(in.Purchases, p)
	}
	if err := purRows.Err(); err != nil {
		return in, err
	}

	grantRows, err := q.db.Query(ctx, `
		SELECT id, feature_code, valid_from, valid_to, revoked_at IS NOT NULL
		FROM manual_grants
		WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)
	if err != nil {
		return in, fmt.Errorf("load grant inputs: %w", err)
	}
	defer grantRows.Close()
	for grantRows.Next() {
		var g entitle.GrantInput
		if err := grantRows.Scan(&g.ID, &g.FeatureCode, &g.ValidFrom, &g.ValidTo, &g.Revoked); err != nil {
			return in, fmt.Errorf("scan grant input: %w", err)
		}
		in.Grants = append(in.Grants, g)
	}
	return in, grantRows.Err()
}
