// Package auditlog records admin actions in the database audit trail.
package auditlog

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/store"
)

// Actions recorded in the audit trail.
const (
	ActionGrant     = "grant"
	ActionRevoke    = "revoke"
	ActionReconcile = "reconcile"
)

// ClientIP extracts the caller address, preferring the first entry of
// X-Forwarded-For when a proxy sits in front.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Entry is the caller-facing shape of one audit line.
type Entry struct {
	Actor       string
	Action      string
	TenantID    string
	UserID      string
	FeatureCode string
	Reason      string
	RemoteIP    string
}

// Record writes one audit line inside the caller's transaction so the
// audit trail commits atomically with the action it describes.
func Record(ctx context.Context, tx store.Tx, e Entry) error {
	row := &store.AuditEntry{
		ID:          ulid.Make().String(),
		At:          time.Now().UTC(),
		Actor:       e.Actor,
		Action:      e.Action,
		TenantID:    e.TenantID,
		UserID:      e.UserID,
		FeatureCode: e.FeatureCode,
		Reason:      e.Reason,
		RemoteIP:    e.RemoteIP,
	}
	if err := tx.InsertAuditEntry(ctx, row); err != nil {
		return err
	}
	log.Info().
		Str("audit_id", row.ID).
		Str("actor", e.Actor).
		Str("action", e.Action).
		Str("tenant_id", e.TenantID).
		Str("user_id", e.UserID).
		Str("feature_code", e.FeatureCode).
		Msg("admin action recorded")
	return nil
}
