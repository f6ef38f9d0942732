package store

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/praxos/billingd/internal/entitle"
)

// Tenant is the unit of isolation: one micro-application consuming the
// service. Credentials are stored separately, hash-only.
type Tenant struct {
	ID        string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Product is a sellable bundle of feature codes within a tenant. Products
// are never deleted while referenced; archival is a flag.
type Product struct {
	ID           string    `json:"product_id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	FeatureCodes []string  `json:"feature_codes"`
	Archived     bool      `json:"archived"`
	CreatedAt    time.Time `json:"created_at"`
}

// Cadence is the billing interval of a price.
type Cadence string

const (
	CadenceMonth   Cadence = "month"
	CadenceYear    Cadence = "year"
	CadenceOneTime Cadence = "one_time"
)

// Price is an immutable commercial term referencing a product. New terms
// yield new prices; the provider price id never changes.
type Price struct {
	ID              string  `json:"price_id"`
	ProductID       string  `json:"product_id"`
	TenantID        string  `json:"tenant_id"`
	ProviderPriceID string  `json:"provider_price_id"`
	Amount          int64   `json:"amount"` // minor currency units
	Currency        string  `json:"currency"`
	Cadence         Cadence `json:"cadence"`

	// AccessDurationDays bounds one-time purchase access; nil = lifetime.
	AccessDurationDays *int      `json:"access_duration_days"`
	FeatureCodes       []string  `json:"feature_codes"` // denormalized from product on load
	CreatedAt          time.Time `json:"created_at"`
}

// SubscriptionStatus mirrors the provider's subscription lifecycle.
type SubscriptionStatus string

const (
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
)

// ParseSubscriptionStatus maps a provider status string onto the local
// enum. Unknown statuses fail closed as incomplete.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch SubscriptionStatus(strings.TrimSpace(s)) {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue,
		SubscriptionCanceled, SubscriptionUnpaid, SubscriptionIncomplete:
		return SubscriptionStatus(strings.TrimSpace(s))
	}
	return SubscriptionIncomplete
}

// Subscription is a recurring obligation owned by a (tenant, user) pair.
type Subscription struct {
	ID                     string             `json:"id"`
	TenantID               string             `json:"tenant_id"`
	UserID                 string             `json:"user_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	PriceID                string             `json:"price_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// PurchaseStatus mirrors the provider's charge lifecycle.
type PurchaseStatus string

const (
	PurchaseSucceeded PurchaseStatus = "succeeded"
	PurchasePending   PurchaseStatus = "pending"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// Purchase is a one-time obligation. A nil ValidTo means lifetime access.
type Purchase struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	UserID           string         `json:"user_id"`
	ProviderChargeID string         `json:"provider_charge_id"`
	PriceID          string         `json:"price_id"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Status           PurchaseStatus `json:"status"`
	RefundedAt       *time.Time     `json:"refunded_at"`
	ValidFrom        time.Time      `json:"valid_from"`
	ValidTo          *time.Time     `json:"valid_to"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ManualGrant is an operator override. Grants are append-only; revocation
// is a one-way flag.
type ManualGrant struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	UserID       string     `json:"user_id"`
	FeatureCode  string     `json:"feature_code"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `json:"valid_to"`
	Reason       string     `json:"reason"`
	GrantedBy    string     `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	RevokedAt    *time.Time `json:"revoked_at"`
	RevokedBy    string     `json:"revoked_by"`
	RevokeReason string     `json:"revoke_reason"`
}

// Entitlement is one materialized row per (tenant, user, feature, source,
// source_ref). Rows are replaced wholesale by recomputation.
type Entitlement struct {
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id"`
	FeatureCode string         `json:"feature_code"`
	Source      entitle.Source `json:"source"`
	SourceRef   string         `json:"source_ref"`
	ValidFrom   time.Time      `json:"valid_from"`
	ValidTo     *time.Time     `json:"valid_to"`
	ComputedAt  time.Time      `json:"computed_at"`
}

// EventOutcome records the processing fate of a raw provider event.
type EventOutcome string

const (
	EventPending         EventOutcome = "pending"
	EventSucceeded       EventOutcome = "succeeded"
	EventFailedPermanent EventOutcome = "failed_permanent"
	EventFailedTransient EventOutcome = "failed_transient"
)

// RawEvent is a persisted, deduplicated provider notification. Rows are
// insert-only except for the outcome fields.
type RawEvent struct {
	ProviderEventID string       `json:"provider_event_id"`
	EventType       string       `json:"event_type"`
	Payload         []byte       `json:"-"`
	ReceivedAt      time.Time    `json:"received_at"`
	ProcessedAt     *time.Time   `json:"processed_at"`
	Outcome         EventOutcome `json:"processing_outcome"`
	AttemptCount    int          `json:"attempt_count"`
	Diagnostic      string       `json:"diagnostic,omitempty"`
}

// AuditEntry is one immutable admin-action audit line.
type AuditEntry struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Actor       string    `json:"actor"`
	Action      string    `json:"action"` // grant, revoke, reconcile
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	FeatureCode string    `json:"feature_code"`
	Reason      string    `json:"reason"`
	RemoteIP    string    `json:"remote_ip"`
}

// crockfordBase32 excludes the ambiguous I, L, O and U.
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

func randomID(prefix string, n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, v := range b {
		sb.WriteByte(crockfordBase32[int(v)%len(crockfordBase32)])
	}
	return sb.String(), nil
}

// GenerateTenantID returns "t-" plus 10 random Crockford base32 characters.
func GenerateTenantID() (string, error) { return randomID("t-", 10) }

// GenerateProductID returns "prod-" plus 10 random Crockford base32 characters.
func GenerateProductID() (string, error) { return randomID("prod-", 10) }

// GeneratePriceID returns "price-" plus 10 random Crockford base32 characters.
func GeneratePriceID() (string, error) { return randomID("price-", 10) }
