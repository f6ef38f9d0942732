package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TenantByID returns the tenant, or (nil, nil) when absent.
func (q *Queries) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, name, active, created_at, updated_at FROM tenants WHERE id = $1`, id)

	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	return &t, nil
}

// TenantByCredentialHash resolves a bearer credential hash to its active
// tenant. Inactive tenants and unknown hashes both return (nil, nil) so the
// caller cannot distinguish them.
func (q *Queries) TenantByCredentialHash(ctx context.Context, credentialHash string) (*Tenant, error) {
	row := q.db.QueryRow(ctx, `
		SELECT t.id, t.name, t.active, t.created_at, t.updated_at
		FROM tenant_credentials c
		JOIN tenants t ON t.id = c.tenant_id
		WHERE c.credential_hash = $1 AND t.active`, credentialHash)

	var t Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	return &t, nil
}

// CreateTenant inserts a new tenant record.
func (q *Queries) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tenants (id, name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Active, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// AddTenantCredential registers a credential hash for a tenant. Only the
// SHA-256 hash is ever stored.
func (q *Queries) AddTenantCredential(ctx context.Context, tenantID, credentialHash string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO tenant_credentials (credential_hash, tenant_id, created_at)
		VALUES ($1, $2, $3)`, credentialHash, tenantID, at)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("add tenant credential: %w", err)
	}
	return nil
}

// ListTenants returns all tenants ordered by id.
func (q *Queries) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, name, active, created_at, updated_at FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
