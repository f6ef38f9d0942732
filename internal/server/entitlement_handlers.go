package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/entitle"
	"github.com/praxos/billingd/internal/metrics"
	"github.com/praxos/billingd/internal/store"
)

// ViewCache is the cache surface the read path uses.
type ViewCache interface {
	GetView(ctx context.Context, tenantID, userID string) (*entitle.View, bool)
	SetView(ctx context.Context, view *entitle.View)
	Invalidate(ctx context.Context, tenantID, userID string)
}

// EntitlementReader loads materialized entitlement rows.
type EntitlementReader interface {
	EntitlementsFor(ctx context.Context, tenantID, userID string) ([]store.Entitlement, error)
}

type entitlementHandlers struct {
	reader EntitlementReader
	cache  ViewCache
	now    func() time.Time
}

// handleGetEntitlements serves GET /v1/entitlements?user_id=<id>. The
// tenant is implied by the presented credential. Cache first, database on
// miss. A database failure is a 503: callers must not be told "not
// entitled" because the service is degraded.
func (h *entitlementHandlers) handleGetEntitlements(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if tenant == nil {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "no tenant"})
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id is required"})
		return
	}

	view, err := h.loadView(r.Context(), tenant.ID, userID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCheckFeature serves GET /v1/entitlements/{feature}?user_id=<id>
// as a cheap boolean check.
func (h *entitlementHandlers) handleCheckFeature(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if tenant == nil {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "no tenant"})
		return
	}
	feature := r.PathValue("feature")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id is required"})
		return
	}

	view, err := h.loadView(r.Context(), tenant.ID, userID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	for _, e := range view.Entitlements {
		if e.FeatureCode == feature {
			writeJSON(w, http.StatusOK, featureCheckBody{FeatureCode: feature, Entitled: e.IsActive})
			return
		}
	}
	writeJSON(w, http.StatusOK, featureCheckBody{FeatureCode: feature, Entitled: false})
}

func (h *entitlementHandlers) loadView(ctx context.Context, tenantID, userID string) (*entitle.View, error) {
	// A hit returns the view as it was computed when cached, checked_at
	// included. Its staleness is bounded by the cache TTL.
	if view, ok := h.cache.GetView(ctx, tenantID, userID); ok {
		metrics.EntitlementRequests.WithLabelValues("cache_hit").Inc()
		return view, nil
	}

	rows, err := h.reader.EntitlementsFor(ctx, tenantID, userID)
	if err != nil {
		metrics.EntitlementRequests.WithLabelValues("db_error").Inc()
		log.Error().Err(err).Str("tenant_id", tenantID).Str("user_id", userID).Msg("entitlement load failed")
		return nil, err
	}
	metrics.EntitlementRequests.WithLabelValues("cache_miss").Inc()

	now := h.now()
	engineRows := make([]entitle.Row, 0, len(rows))
	for _, row := range rows {
		engineRows = append(engineRows, entitle.Row{
			FeatureCode: row.FeatureCode,
			Source:      row.Source,
			SourceRef:   row.SourceRef,
			ValidFrom:   row.ValidFrom,
			ValidTo:     row.ValidTo,
		})
	}
	view := &entitle.View{
		TenantID:     tenantID,
		UserID:       userID,
		Entitlements: entitle.Aggregate(engineRows, now),
		CheckedAt:    now,
	}
	h.cache.SetView(ctx, view)
	return view, nil
}

type featureCheckBody struct {
	FeatureCode string `json:"feature_code"`
	Entitled    bool   `json:"entitled"`
}
