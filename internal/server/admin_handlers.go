package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/auditlog"
	"github.com/praxos/billingd/internal/entitle"
	"github.com/praxos/billingd/internal/store"
	"github.com/praxos/billingd/internal/stripe"
)

// AdminStore is the persistence surface the admin endpoints use.
type AdminStore interface {
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
	CreateTenant(ctx context.Context, t *store.Tenant) error
	AddTenantCredential(ctx context.Context, tenantID, credentialHash string, at time.Time) error
	ListTenants(ctx context.Context) ([]store.Tenant, error)
	CreateProduct(ctx context.Context, p *store.Product) error
	ListProducts(ctx context.Context, tenantID string) ([]store.Product, error)
	CreatePrice(ctx context.Context, p *store.Price) error
	ListPrices(ctx context.Context, tenantID string) ([]store.Price, error)
}

// ReconcileRunner triggers one reconciliation sweep on demand.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (stripe.Summary, error)
}

// viewLoader serves the aggregated entitlement view the admin mutations
// return.
type viewLoader interface {
	loadView(ctx context.Context, tenantID, userID string) (*entitle.View, error)
}

type adminHandlers struct {
	store      AdminStore
	cache      ViewCache
	views      viewLoader
	reconciler ReconcileRunner
	now        func() time.Time
}

type grantRequest struct {
	TenantID    string     `json:"tenant_id"`
	UserID      string     `json:"user_id"`
	FeatureCode string     `json:"feature_code"`
	ValidFrom   *time.Time `json:"valid_from"`
	ValidTo     *time.Time `json:"valid_to"`
	Reason      string     `json:"reason"`
	GrantedBy   string     `json:"granted_by"`
}

// handleCreateGrant serves POST /v1/admin/grant and returns the user's
// aggregated entitlement view. Granting an identical active entitlement
// again is a no-op answered with the current view.
func (h *adminHandlers) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.GrantedBy = strings.TrimSpace(req.GrantedBy)
	if req.TenantID == "" || req.UserID == "" || req.FeatureCode == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant_id, user_id and feature_code are required"})
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "reason is required"})
		return
	}
	if req.GrantedBy == "" {
		req.GrantedBy = "admin"
	}

	now := h.now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}

	created := false
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		tenant, err := tx.TenantByID(r.Context(), req.TenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return errNotFound
		}

		existing, err := tx.ActiveManualGrant(r.Context(), req.TenantID, req.UserID, req.FeatureCode)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		grant := &store.ManualGrant{
			ID:          uuid.NewString(),
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			FeatureCode: req.FeatureCode,
			ValidFrom:   validFrom,
			ValidTo:     req.ValidTo,
			Reason:      req.Reason,
			GrantedBy:   req.GrantedBy,
			GrantedAt:   now,
		}
		if err := tx.InsertManualGrant(r.Context(), grant); err != nil {
			return err
		}
		if err := tx.RecomputeEntitlements(r.Context(), req.TenantID, req.UserID, now); err != nil {
			return err
		}
		if err := auditlog.Record(r.Context(), tx, auditlog.Entry{
			Actor:       req.GrantedBy,
			Action:      auditlog.ActionGrant,
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			FeatureCode: req.FeatureCode,
			Reason:      req.Reason,
			RemoteIP:    auditlog.ClientIP(r),
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tenant not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("create grant failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}

	if created {
		h.cache.Invalidate(r.Context(), req.TenantID, req.UserID)
	}
	view, err := h.views.loadView(r.Context(), req.TenantID, req.UserID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	if created {
		writeJSON(w, http.StatusCreated, view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type revokeRequest struct {
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id"`
	FeatureCode string `json:"feature_code"`
	Reason      string `json:"reason"`
	RevokedBy   string `json:"revoked_by"`
}

// handleRevokeGrant serves POST /v1/admin/revoke. It revokes the latest
// unrevoked grant for the feature, expired or not, and returns the user's
// aggregated view. No unrevoked grant is a 404.
func (h *adminHandlers) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	req.RevokedBy = strings.TrimSpace(req.RevokedBy)
	if req.TenantID == "" || req.UserID == "" || req.FeatureCode == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant_id, user_id and feature_code are required"})
		return
	}
	if req.RevokedBy == "" {
		req.RevokedBy = "admin"
	}

	now := h.now()
	err := h.store.InTx(r.Context(), func(tx store.Tx) error {
		grant, err := tx.LatestUnrevokedGrant(r.Context(), req.TenantID, req.UserID, req.FeatureCode)
		if err != nil {
			return err
		}
		if grant == nil {
			return errNotFound
		}
		if err := tx.RevokeManualGrant(r.Context(), grant.ID, req.RevokedBy, req.Reason, now); err != nil {
			return err
		}
		if err := tx.RecomputeEntitlements(r.Context(), req.TenantID, req.UserID, now); err != nil {
			return err
		}
		return auditlog.Record(r.Context(), tx, auditlog.Entry{
			Actor:       req.RevokedBy,
			Action:      auditlog.ActionRevoke,
			TenantID:    req.TenantID,
			UserID:      req.UserID,
			FeatureCode: req.FeatureCode,
			Reason:      req.Reason,
			RemoteIP:    auditlog.ClientIP(r),
		})
	})
	if errors.Is(err, errNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no unrevoked grant for feature"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("revoke grant failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}

	h.cache.Invalidate(r.Context(), req.TenantID, req.UserID)
	view, err := h.views.loadView(r.Context(), req.TenantID, req.UserID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleForceReconcile serves POST /v1/admin/reconcile. The sweep still
// respects the leader lease, so concurrent replicas cannot double-run.
func (h *adminHandlers) handleForceReconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("forced reconciliation failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "reconciliation failed"})
		return
	}
	if !summary.Leader {
		writeJSON(w, http.StatusConflict, errorBody{Error: "reconciliation lease held elsewhere"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type createTenantRequest struct {
	Name string `json:"name"`
}

type createTenantResponse struct {
	Tenant     *store.Tenant `json:"tenant"`
	Credential string        `json:"credential"` // returned exactly once
}

// handleCreateTenant serves POST /v1/admin/tenants. The credential is
// returned once in plaintext; only its hash is stored.
func (h *adminHandlers) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	id, err := store.GenerateTenantID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "id generation failed"})
		return
	}
	credential, err := generateCredential()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "credential generation failed"})
		return
	}

	now := h.now()
	tenant := &store.Tenant{ID: id, Name: strings.TrimSpace(req.Name), Active: true, CreatedAt: now, UpdatedAt: now}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		log.Error().Err(err).Msg("create tenant failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	if err := h.store.AddTenantCredential(r.Context(), id, HashCredential(credential), now); err != nil {
		log.Error().Err(err).Msg("store tenant credential failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, createTenantResponse{Tenant: tenant, Credential: credential})
}

func (h *adminHandlers) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.store.ListTenants(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]store.Tenant{"tenants": tenants})
}

type createProductRequest struct {
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	FeatureCodes []string `json:"feature_codes"`
}

// handleCreateProduct serves POST /v1/admin/products.
func (h *adminHandlers) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if req.TenantID == "" || strings.TrimSpace(req.Name) == "" || len(req.FeatureCodes) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "tenant_id, name and feature_codes are required"})
		return
	}

	id, err := store.GenerateProductID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "id generation failed"})
		return
	}
	product := &store.Product{
		ID:           id,
		TenantID:     req.TenantID,
		Name:         strings.TrimSpace(req.Name),
		FeatureCodes: req.FeatureCodes,
		CreatedAt:    h.now(),
	}
	if err := h.store.CreateProduct(r.Context(), product); err != nil {
		log.Error().Err(err).Msg("create product failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

type createPriceRequest struct {
	ProductID          string `json:"product_id"`
	ProviderPriceID    string `json:"provider_price_id"`
	Amount             int64  `json:"amount"`
	Currency           string `json:"currency"`
	Cadence            string `json:"cadence"`
	AccessDurationDays *int   `json:"access_duration_days"`
}

// handleCreatePrice serves POST /v1/admin/prices. Prices are immutable;
// changed terms mean a new price.
func (h *adminHandlers) handleCreatePrice(w http.ResponseWriter, r *http.Request) {
	var req createPriceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	cadence := store.Cadence(strings.TrimSpace(req.Cadence))
	switch cadence {
	case store.CadenceMonth, store.CadenceYear, store.CadenceOneTime:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "cadence must be month, year or one_time"})
		return
	}
	if req.ProductID == "" || req.ProviderPriceID == "" || req.Amount < 0 || req.Currency == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "product_id, provider_price_id, amount and currency are required"})
		return
	}

	id, err := store.GeneratePriceID()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "id generation failed"})
		return
	}
	price := &store.Price{
		ID:                 id,
		ProductID:          req.ProductID,
		ProviderPriceID:    req.ProviderPriceID,
		Amount:             req.Amount,
		Currency:           strings.ToLower(req.Currency),
		Cadence:            cadence,
		AccessDurationDays: req.AccessDurationDays,
		CreatedAt:          h.now(),
	}
	if err := h.store.CreatePrice(r.Context(), price); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeJSON(w, http.StatusConflict, errorBody{Error: "provider_price_id already registered"})
			return
		}
		log.Error().Err(err).Msg("create price failed")
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, price)
}

func (h *adminHandlers) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.ListProducts(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]store.Product{"products": products})
}

func (h *adminHandlers) handleListPrices(w http.ResponseWriter, r *http.Request) {
	prices, err := h.store.ListPrices(r.Context(), r.PathValue("tenant"))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string][]store.Price{"prices": prices})
}

var errNotFound = errors.New("not found")

func generateCredential() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "bk_" + hex.EncodeToString(b), nil
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
