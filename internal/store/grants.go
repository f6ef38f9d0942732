package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const grantColumns = `
	id, tenant_id, user_id, feature_code, valid_from, valid_to, reason,
	granted_by, granted_at, revoked_at, revoked_by, revoke_reason`

func scanGrant(row pgx.Row) (*ManualGrant, error) {
	var g ManualGrant
	err := row.Scan(&g.ID, &g.TenantID, &g.UserID, &g.FeatureCode, &g.ValidFrom,
		&g.ValidTo, &g.Reason, &g.GrantedBy, &g.GrantedAt,
		&g.RevokedAt, &g.RevokedBy, &g.RevokeReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load manual grant: %w", err)
	}
	return &g, nil
}

// InsertManualGrant appends an operator grant.
func (q *Queries) InsertManualGrant(ctx context.Context, g *ManualGrant) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO manual_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.ID, g.TenantID, g.UserID, g.FeatureCode, g.ValidFrom, g.ValidTo,
		g.Reason, g.GrantedBy, g.GrantedAt, g.RevokedAt, g.RevokedBy, g.RevokeReason)
	if err != nil {
		return fmt.Errorf("insert manual grant: %w", err)
	}
	return nil
}

// LatestUnrevokedGrant returns the newest grant for the feature whose
// revoked_at is null, regardless of validity window, or (nil, nil).
// Revocation targets this row even when the grant already expired.
func (q *Queries) LatestUnrevokedGrant(ctx context.Context, tenantID, userID, featureCode string) (*ManualGrant, error) {
	return scanGrant(q.db.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM manual_grants
		WHERE tenant_id = $1 AND user_id = $2 AND feature_code = $3
		  AND revoked_at IS NULL
		ORDER BY granted_at DESC
		LIMIT 1`, tenantID, userID, featureCode))
}

// ActiveManualGrant returns an unrevoked, unexpired grant for the feature
// code, or (nil, nil). Repeat grant requests use this to stay idempotent.
func (q *Queries) ActiveManualGrant(ctx context.Context, tenantID, userID, featureCode string) (*ManualGrant, error) {
	return scanGrant(q.db.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM manual_grants
		WHERE tenant_id = $1 AND user_id = $2 AND feature_code = $3
		  AND revoked_at IS NULL
		  AND (valid_to IS NULL OR valid_to > now())
		ORDER BY granted_at DESC
		LIMIT 1`, tenantID, userID, featureCode))
}

// RevokeManualGrant marks a grant revoked. Revoking an already revoked
// grant is a no-op that keeps the original revocation.
func (q *Queries) RevokeManualGrant(ctx context.Context, grantID, revokedBy, reason string, at time.Time) error {
	_, err := q.db.Exec(ctx, `
		UPDATE manual_grants
		SET revoked_at = $2, revoked_by = $3, revoke_reason = $4
		WHERE id = $1 AND revoked_at IS NULL`,
		grantID, at, revokedBy, reason)
	if err != nil {
		return fmt.Errorf("revoke manual grant: %w", err)
	}
	return nil
}
