package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/stripe"
)

// Deps carries everything the routes need. Fields are interfaces so tests
// can swap in fakes.
type Deps struct {
	Cfg *Config

	Credentials  CredentialResolver
	Entitlements EntitlementReader
	Prices       PriceReader
	Admin        AdminStore
	Cache        ViewCache
	Provider     stripe.Provider
	Webhook      http.Handler
	Reconciler   ReconcileRunner

	DBPinger    Pinger
	CachePinger Pinger
}

// RegisterRoutes attaches all endpoints to mux.
func RegisterRoutes(mux *http.ServeMux, deps Deps) {
	now := func() time.Time { return time.Now().UTC() }

	ent := &entitlementHandlers{reader: deps.Entitlements, cache: deps.Cache, now: now}
	checkout := &checkoutHandlers{
		prices:     deps.Prices,
		provider:   deps.Provider,
		successURL: deps.Cfg.CheckoutSuccessURL,
		cancelURL:  deps.Cfg.CheckoutCancelURL,
	}
	admin := &adminHandlers{store: deps.Admin, cache: deps.Cache, views: ent, reconciler: deps.Reconciler, now: now}
	health := &healthHandlers{db: deps.DBPinger, cache: deps.CachePinger}

	tenantAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return requireTenant(deps.Credentials, next)
	}
	adminAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return requireAdmin(deps.Cfg.AdminKey, next)
	}

	mux.Handle("POST /v1/webhooks/stripe", deps.Webhook)

	mux.HandleFunc("GET /v1/entitlements", tenantAuth(ent.handleGetEntitlements))
	mux.HandleFunc("GET /v1/entitlements/{feature}", tenantAuth(ent.handleCheckFeature))
	mux.HandleFunc("POST /v1/checkout/sessions", tenantAuth(checkout.handleCreateCheckoutSession))

	mux.HandleFunc("POST /v1/admin/grant", adminAuth(admin.handleCreateGrant))
	mux.HandleFunc("POST /v1/admin/revoke", adminAuth(admin.handleRevokeGrant))
	mux.HandleFunc("POST /v1/admin/reconcile", adminAuth(admin.handleForceReconcile))
	mux.HandleFunc("POST /v1/admin/tenants", adminAuth(admin.handleCreateTenant))
	mux.HandleFunc("GET /v1/admin/tenants", adminAuth(admin.handleListTenants))
	mux.HandleFunc("POST /v1/admin/products", adminAuth(admin.handleCreateProduct))
	mux.HandleFunc("GET /v1/admin/tenants/{tenant}/products", adminAuth(admin.handleListProducts))
	mux.HandleFunc("POST /v1/admin/prices", adminAuth(admin.handleCreatePrice))
	mux.HandleFunc("GET /v1/admin/tenants/{tenant}/prices", adminAuth(admin.handleListPrices))

	mux.Handle("GET /metrics", requireAdmin(deps.Cfg.AdminKey, promhttp.Handler().ServeHTTP))

	mux.HandleFunc("GET /healthz", health.handleLive)
	mux.HandleFunc("GET /live", health.handleLive)
	mux.HandleFunc("GET /ready", health.handleReady)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON[T any](w http.ResponseWriter, status int, payload T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}
