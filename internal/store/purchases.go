package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const purchaseColumns = `
	id, tenant_id, user_id, provider_charge_id, price_id, amount, currency,
	status, refunded_at, valid_from, valid_to, created_at, updated_at`

func scanPurchase(row pgx.Row) (*Purchase, error) {
	var p Purchase
	err := row.Scan(&p.ID, &p.TenantID, &p.UserID, &p.ProviderChargeID, &p.PriceID,
		&p.Amount, &p.Currency, &p.Status, &p.RefundedAt, &p.ValidFrom, &p.ValidTo,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load purchase: %w", err)
	}
	return &p, nil
}

// PurchaseByProviderChargeID returns the purchase, or (nil, nil) when
// absent. forUpdate serializes concurrent processors for the same charge.
func (q *Queries) PurchaseByProviderChargeID(ctx context.Context, providerChargeID string, forUpdate bool) (*Purchase, error) {
	sql := `SELECT ` + purchaseColumns + ` FROM purchases WHERE provider_charge_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanPurchase(q.db.QueryRow(ctx, sql, providerChargeID))
}

// UpsertPurchase inserts or replaces the local record keyed by the provider
// charge id.
func (q *Queries) UpsertPurchase(ctx context.Context, p *Purchase) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (provider_charge_id) DO UPDATE SET
			status = EXCLUDED.status,
			refunded_at = EXCLUDED.refunded_at,
			valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.TenantID, p.UserID, p.ProviderChargeID, p.PriceID, p.Amount,
		p.Currency, p.Status, p.RefundedAt, p.ValidFrom, p.ValidTo,
		p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

// PurchasesUpdatedSince returns purchases touched within the reconciliation
// lookback window, oldest first.
func (q *Queries) PurchasesUpdatedSince(ctx context.Context, since time.Time) ([]Purchase, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+purchaseColumns+`
		FROM purchases WHERE updated_at >= $1 ORDER BY updated_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("list recent purchases: %w", err)
	}
	defer rows.Close()

	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
