// Package entitle computes effective entitlements for a (tenant, user) pair
// from its three sources: subscriptions, one-time purchases and manual
// grants. The computation is pure; callers load the inputs and persist the
// output.
package entitle

import (
	"sort"
	"time"
)

// Source identifies which record type produced an entitlement row.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePurchase     Source = "purchase"
	SourceManual       Source = "manual"
)

// sourcePrecedence orders tie-breaks in the aggregated view:
// manual > purchase > subscription.
var sourcePrecedence = map[Source]int{
	SourceManual:       3,
	SourcePurchase:     2,
	SourceSubscription: 1,
}

// SubscriptionInput is the slice of a subscription the engine needs.
type SubscriptionInput struct {
	ProviderSubscriptionID string
	Status                 string // trialing, active, past_due, canceled, unpaid, incomplete
	PeriodStart            time.Time
	PeriodEnd              time.Time
	FeatureCodes           []string
}

// PurchaseInput is the slice of a one-time purchase the engine needs.
type PurchaseInput struct {
	ProviderChargeID string
	Status           string // succeeded, pending, failed, refunded
	ValidFrom        time.Time
	ValidTo          *time.Time // nil = lifetime
	FeatureCodes     []string
}

// GrantInput is the slice of a manual grant the engine needs.
type GrantInput struct {
	ID          string
	FeatureCode string
	ValidFrom   time.Time
	ValidTo     *time.Time // nil = indefinite
	Revoked     bool
}

// Inputs bundles everything loaded for one (tenant, user) pair.
type Inputs struct {
	Subscriptions []SubscriptionInput
	Purchases     []PurchaseInput
	Grants        []GrantInput
}

// Row is one materialized entitlement: one contributing source for one
// feature code. All contributing rows are stored so audits can see every
// source; Aggregate collapses them for callers.
type Row struct {
	FeatureCode string     `json:"feature_code"`
	Source      Source     `json:"source"`
	SourceRef   string     `json:"source_ref"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
}

// Active reports whether the row qualifies at the given instant. The upper
// bound is exclusive: a row whose window ends exactly now no longer grants.
func (r Row) Active(now time.Time) bool {
	if now.Before(r.ValidFrom) {
		return false
	}
	return r.ValidTo == nil || now.Before(*r.ValidTo)
}

// Compute derives the full entitlement row set for fixed inputs and instant.
// The result is deterministic: repeated invocations with identical inputs
// yield byte-identical output.
//
// grace extends past_due subscriptions beyond their period end; zero means a
// past_due subscription grants nothing.
func Compute(in Inputs, now time.Time, grace time.Duration) []Row {
	var rows []Row

	for _, sub := range in.Subscriptions {
		validTo, ok := subscriptionWindowEnd(sub, now, grace)
		if !ok {
			continue
		}
		end := validTo
		for _, code := range sub.FeatureCodes {
			rows = append(rows, Row{
				FeatureCode: code,
				Source:      SourceSubscription,
				SourceRef:   sub.ProviderSubscriptionID,
				ValidFrom:   sub.PeriodStart,
				ValidTo:     &end,
			})
		}
	}

	for _, p := range in.Purchases {
		if p.Status != "succeeded" {
			continue
		}
		if now.Before(p.ValidFrom) {
			continue
		}
		if p.ValidTo != nil && !now.Before(*p.ValidTo) {
			continue
		}
		for _, code := range p.FeatureCodes {
			rows = append(rows, Row{
				FeatureCode: code,
				Source:      SourcePurchase,
				SourceRef:   p.ProviderChargeID,
				ValidFrom:   p.ValidFrom,
				ValidTo:     p.ValidTo,
			})
		}
	}

	for _, g := range in.Grants {
		if g.Revoked {
			continue
		}
		if now.Before(g.ValidFrom) {
			continue
		}
		if g.ValidTo != nil && !now.Before(*g.ValidTo) {
			continue
		}
		rows = append(rows, Row{
			FeatureCode: g.FeatureCode,
			Source:      SourceManual,
			SourceRef:   g.ID,
			ValidFrom:   g.ValidFrom,
			ValidTo:     g.ValidTo,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FeatureCode != rows[j].FeatureCode {
			return rows[i].FeatureCode < rows[j].FeatureCode
		}
		if rows[i].Source != rows[j].Source {
			return sourcePrecedence[rows[i].Source] > sourcePrecedence[rows[j].Source]
		}
		return rows[i].SourceRef < rows[j].SourceRef
	})
	return rows
}

// subscriptionWindowEnd reports whether the subscription currently grants,
// and if so through when. active/trialing grant strictly before period end;
// past_due grants through period end + grace when grace is configured.
func subscriptionWindowEnd(sub SubscriptionInput, now time.Time, grace time.Duration) (time.Time, bool) {
	switch sub.Status {
	case "active", "trialing":
		if now.Before(sub.PeriodEnd) {
			return sub.PeriodEnd, true
		}
	case "past_due":
		if grace <= 0 {
			return time.Time{}, false
		}
		end := sub.PeriodEnd.Add(grace)
		if now.Before(end) {
			return end, true
		}
	}
	return time.Time{}, false
}

// ViewEntitlement is one feature code in the aggregated view returned to
// callers: the single best contributing row per code.
type ViewEntitlement struct {
	FeatureCode string     `json:"feature_code"`
	IsActive    bool       `json:"is_active"`
	ValidFrom   time.Time  `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
	Source      Source     `json:"source"`
}

// View is the cached/served entitlement response for one (tenant, user).
type View struct {
	TenantID     string            `json:"tenant_id"`
	UserID       string            `json:"user_id"`
	Entitlements []ViewEntitlement `json:"entitlements"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// Aggregate collapses stored rows per feature code: the row with the latest
// valid_to wins (nil sorts above any finite instant); ties break by source
// precedence manual > purchase > subscription. IsActive reflects whether any
// contributing row qualifies at now.
func Aggregate(rows []Row, now time.Time) []ViewEntitlement {
	best := make(map[string]Row)
	active := make(map[string]bool)

	for _, row := range rows {
		if row.Active(now) {
			active[row.FeatureCode] = true
		}
		cur, ok := best[row.FeatureCode]
		if !ok || betterRow(row, cur) {
			best[row.FeatureCode] = row
		}
	}

	out := make([]ViewEntitlement, 0, len(best))
	for code, row := range best {
		out = append(out, ViewEntitlement{
			FeatureCode: code,
			IsActive:    active[code],
			ValidFrom:   row.ValidFrom,
			ValidTo:     row.ValidTo,
			Source:      row.Source,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureCode < out[j].FeatureCode })
	return out
}

// betterRow reports whether a should replace b in the aggregated view.
func betterRow(a, b Row) bool {
	switch {
	case a.ValidTo == nil && b.ValidTo != nil:
		return true
	case a.ValidTo != nil && b.ValidTo == nil:
		return false
	case a.ValidTo != nil && b.ValidTo != nil && !a.ValidTo.Equal(*b.ValidTo):
		return a.ValidTo.After(*b.ValidTo)
	}
	return sourcePrecedence[a.Source] > sourcePrecedence[b.Source]
}
