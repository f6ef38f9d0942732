package store

import (
	"context"
	"fmt"
)

// InsertAuditEntry appends one audit line. The log is insert-only.
func (q *Queries) InsertAuditEntry(ctx context.Context, e *AuditEntry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_log (id, at, actor, action, tenant_id, user_id, feature_code, reason, remote_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.At, e.Actor, e.Action, e.TenantID, e.UserID, e.FeatureCode, e.Reason, e.RemoteIP)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentAuditEntries returns the newest entries for a tenant, capped at
// limit.
func (q *Queries) RecentAuditEntries(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, at, actor, action, tenant_id, user_id, feature_code, reason, remote_ip
		FROM audit_log WHERE tenant_id = $1 ORDER BY at DESC LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.At, &e.Actor, &e.Action, &e.TenantID, &e.UserID,
			&e.FeatureCode, &e.Reason, &e.RemoteIP); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
