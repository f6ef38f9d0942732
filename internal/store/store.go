// Package store is the Postgres persistence layer: typed accessors, the
// transactional boundary, and the entitlement recomputation path shared by
// webhook processors, the reconciler and admin overrides.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every accessor on
// Queries works inside and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tune store behavior fixed at startup.
type Options struct {
	// PastDueGrace extends past_due subscriptions beyond period end during
	// entitlement computation. Zero by default.
	PastDueGrace time.Duration
}

// Store owns the connection pool. It embeds a Queries bound to the pool for
// non-transactional reads; transactional work goes through InTx.
type Store struct {
	pool *pgxpool.Pool
	opts Options
	*Queries
}

// Queries provides the typed accessors. One instance is bound to the pool,
// transaction-scoped instances are handed to InTx callbacks.
type Queries struct {
	db   DBTX
	opts Options
}

// Open connects to Postgres, verifies connectivity and bootstraps the
// schema.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, opts: opts, Queries: &Queries{db: pool, opts: opts}}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		active      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tenant_credentials (
		credential_hash TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL REFERENCES tenants(id),
		created_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenant_credentials_tenant ON tenant_credentials(tenant_id);

	CREATE TABLE IF NOT EXISTS products (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL REFERENCES tenants(id),
		name          TEXT NOT NULL,
		feature_codes TEXT[] NOT NULL DEFAULT '{}',
		archived      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_tenant ON products(tenant_id);

	CREATE TABLE IF NOT EXISTS prices (
		id                   TEXT PRIMARY KEY,
		product_id           TEXT NOT NULL REFERENCES products(id),
		provider_price_id    TEXT NOT NULL UNIQUE,
		amount               BIGINT NOT NULL,
		currency             TEXT NOT NULL,
		cadence              TEXT NOT NULL,
		access_duration_days INTEGER,
		created_at           TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		tenant_id                TEXT NOT NULL REFERENCES tenants(id),
		user_id                  TEXT NOT NULL,
		provider_subscription_id TEXT NOT NULL UNIQUE,
		price_id                 TEXT NOT NULL REFERENCES prices(id),
		status                   TEXT NOT NULL,
		current_period_start     TIMESTAMPTZ NOT NULL,
		current_period_end       TIMESTAMPTZ NOT NULL,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		canceled_at              TIMESTAMPTZ,
		created_at               TIMESTAMPTZ NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL,
		CONSTRAINT period_ordered CHECK (current_period_start <= current_period_end)
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant_user ON subscriptions(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS purchases (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL REFERENCES tenants(id),
		user_id            TEXT NOT NULL,
		provider_charge_id TEXT NOT NULL UNIQUE,
		price_id           TEXT NOT NULL REFERENCES prices(id),
		amount             BIGINT NOT NULL,
		currency           TEXT NOT NULL,
		status             TEXT NOT NULL,
		refunded_at        TIMESTAMPTZ,
		valid_from         TIMESTAMPTZ NOT NULL,
		valid_to           TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_tenant_user ON purchases(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS manual_grants (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL REFERENCES tenants(id),
		user_id       TEXT NOT NULL,
		feature_code  TEXT NOT NULL,
		valid_from    TIMESTAMPTZ NOT NULL,
		valid_to      TIMESTAMPTZ,
		reason        TEXT NOT NULL,
		granted_by    TEXT NOT NULL,
		granted_at    TIMESTAMPTZ NOT NULL,
		revoked_at    TIMESTAMPTZ,
		revoked_by    TEXT NOT NULL DEFAULT '',
		revoke_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_manual_grants_tenant_user ON manual_grants(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS entitlements (
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		feature_code TEXT NOT NULL,
		source       TEXT NOT NULL,
		source_ref   TEXT NOT NULL,
		valid_from   TIMESTAMPTZ NOT NULL,
		valid_to     TIMESTAMPTZ,
		computed_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, user_id, feature_code, source, source_ref)
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_tenant_user ON entitlements(tenant_id, user_id);

	CREATE TABLE IF NOT EXISTS raw_events (
		provider_event_id TEXT PRIMARY KEY,
		event_type        TEXT NOT NULL,
		payload           BYTEA NOT NULL,
		received_at       TIMESTAMPTZ NOT NULL,
		processed_at      TIMESTAMPTZ,
		outcome           TEXT NOT NULL DEFAULT 'pending',
		attempt_count     INTEGER NOT NULL DEFAULT 1,
		diagnostic        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id           TEXT PRIMARY KEY,
		at           TIMESTAMPTZ NOT NULL,
		actor        TEXT NOT NULL,
		action       TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		feature_code TEXT NOT NULL,
		reason       TEXT NOT NULL,
		remote_ip    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS leader_leases (
		name       TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used by readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Tx is the set of operations available inside one database transaction.
// *Queries implements it; fakes implement it in tests.
type Tx interface {
	TenantByID(ctx context.Context, id string) (*Tenant, error)
	PriceByProviderID(ctx context.Context, providerPriceID string) (*Price, error)
	SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string, forUpdate bool) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	PurchaseByProviderChargeID(ctx context.Context, providerChargeID string, forUpdate bool) (*Purchase, error)
	UpsertPurchase(ctx context.Context, p *Purchase) error
	InsertManualGrant(ctx context.Context, g *ManualGrant) error
	LatestUnrevokedGrant(ctx context.Context, tenantID, userID, featureCode string) (*ManualGrant, error)
	ActiveManualGrant(ctx context.Context, tenantID, userID, featureCode string) (*ManualGrant, error)
	RevokeManualGrant(ctx context.Context, grantID, revokedBy, reason string, at time.Time) error
	InsertAuditEntry(ctx context.Context, e *AuditEntry) error
	RecomputeEntitlements(ctx context.Context, tenantID, userID string, now time.Time) error
	EntitlementsFor(ctx context.Context, tenantID, userID string) ([]Entitlement, error)
}

// InTx runs fn inside one transaction, committing on nil and rolling back
// otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&Queries{db: pgtx, opts: s.opts}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isUniqueViolation reports a Postgres unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
