package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateProduct inserts a product with its feature code bundle.
func (q *Queries) CreateProduct(ctx context.Context, p *Product) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO products (id, tenant_id, name, feature_codes, archived, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.Name, p.FeatureCodes, p.Archived, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// ProductByID returns the product, or (nil, nil) when absent.
func (q *Queries) ProductByID(ctx context.Context, id string) (*Product, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, feature_codes, archived, created_at
		FROM products WHERE id = $1`, id)

	var p Product
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.FeatureCodes, &p.Archived, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load product: %w", err)
	}
	return &p, nil
}

// ArchiveProduct flips the archival flag. Products are never deleted.
func (q *Queries) ArchiveProduct(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `UPDATE products SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("archive product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListProducts returns a tenant's products ordered by creation time.
func (q *Queries) ListProducts(ctx context.Context, tenantID string) ([]Product, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, tenant_id, name, feature_codes, archived, created_at
		FROM products WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.FeatureCodes, &p.Archived, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePrice inserts a price term. The provider price id is unique across
// all tenants; a collision surfaces as ErrDuplicate.
func (q *Queries) CreatePrice(ctx context.Context, p *Price) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO prices (id, product_id, provider_price_id, amount, currency, cadence, access_duration_days, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.ProductID, p.ProviderPriceID, p.Amount, p.Currency, p.Cadence, p.AccessDurationDays, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("create price: %w", err)
	}
	return nil
}

const priceColumns = `
	pr.id, pr.product_id, p.tenant_id, pr.provider_price_id, pr.amount,
	pr.currency, pr.cadence, pr.access_duration_days, p.feature_codes, pr.created_at`

func scanPrice(row pgx.Row) (*Price, error) {
	var p Price
	err := row.Scan(&p.ID, &p.ProductID, &p.TenantID, &p.ProviderPriceID, &p.Amount,
		&p.Currency, &p.Cadence, &p.AccessDurationDays, &p.FeatureCodes, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load price: %w", err)
	}
	return &p, nil
}

// PriceByID returns the price with tenant and feature codes denormalized
// from its product, or (nil, nil) when absent.
func (q *Queries) PriceByID(ctx context.Context, id string) (*Price, error) {
	return scanPrice(q.db.QueryRow(ctx, `
		SELECT `+priceColumns+`
		FROM prices pr JOIN products p ON p.id = pr.product_id
		WHERE pr.id = $1`, id))
}

// PriceByProviderID resolves a provider price id, or (nil, nil) when the
// price is not part of the catalog.
func (q *Queries) PriceByProviderID(ctx context.Context, providerPriceID string) (*Price, error) {
	return scanPrice(q.db.QueryRow(ctx, `
		SELECT `+priceColumns+`
		FROM prices pr JOIN products p ON p.id = pr.product_id
		WHERE pr.provider_price_id = $1`, providerPriceID))
}

// ListPrices returns a tenant's prices ordered by creation time.
func (q *Queries) ListPrices(ctx context.Context, tenantID string) ([]Price, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+priceColumns+`
		FROM prices pr JOIN products p ON p.id = pr.product_id
		WHERE p.tenant_id = $1 ORDER BY pr.created_at, pr.id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var out []Price
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
