package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const subscriptionColumns = `
	id, tenant_id, user_id, provider_subscription_id, price_id, status,
	current_period_start, current_period_end, cancel_at_period_end,
	canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.ProviderSubscriptionID, &s.PriceID,
		&s.Status, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelAtPeriodEnd,
		&s.CanceledAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &s, nil
}

// SubscriptionByProviderID returns the subscription, or (nil, nil) when
// absent. forUpdate takes a row lock so concurrent processors for the same
// provider subscription serialize.
func (q *Queries) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string, forUpdate bool) (*Subscription, error) {
	sql := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE provider_subscription_id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanSubscription(q.db.QueryRow(ctx, sql, providerSubscriptionID))
}

// UpsertSubscription inserts or replaces the local record keyed by the
// provider subscription id.
func (q *Queries) UpsertSubscription(ctx context.Context, s *Subscription) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			price_id = EXCLUDED.price_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			canceled_at = EXCLUDED.canceled_at,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.TenantID, s.UserID, s.ProviderSubscriptionID, s.PriceID, s.Status,
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelAtPeriodEnd,
		s.CanceledAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SubscriptionsUpdatedSince returns subscriptions touched within the
// reconciliation lookback window, oldest first.
func (q *Queries) SubscriptionsUpdatedSince(ctx context.Context, since time.Time) ([]Subscription, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE updated_at >= $1 ORDER BY updated_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("list recent subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
