package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/praxos/billingd/internal/entitle"
	"github.com/praxos/billingd/internal/store"
	"github.com/praxos/billingd/internal/stripe"
)

func adminPost(mux *http.ServeMux, path, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer admin-key")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestCreateGrantRequiresReason(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	mux, _ := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/grant",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","granted_by":"ops"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400 without reason", w.Code)
	}
}

func TestCreateGrantReturnsViewRecomputesAuditsAndEvicts(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	mux, cache := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/grant",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"support escalation","granted_by":"ops"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var view entitle.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.TenantID != "t-1" || view.UserID != "u-1" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.Entitlements) != 1 || view.Entitlements[0].FeatureCode != "pro" || !view.Entitlements[0].IsActive {
		t.Fatalf("grant must show in the returned view: %+v", view.Entitlements)
	}
	if len(ms.tx.recomputed) != 1 {
		t.Fatalf("recomputed=%v", ms.tx.recomputed)
	}
	if len(ms.tx.audits) != 1 || ms.tx.audits[0].Action != "grant" || ms.tx.audits[0].Reason != "support escalation" {
		t.Fatalf("audits=%+v", ms.tx.audits)
	}
	if len(cache.evicted) != 1 {
		t.Fatalf("evicted=%v", cache.evicted)
	}
}

func TestCreateGrantHonorsValidFrom(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	mux, _ := newEntitlementRig(ms)

	from := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	w := adminPost(mux, "/v1/admin/grant",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","valid_from":"`+from+`","reason":"scheduled rollout"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	var view entitle.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Entitlements) != 1 || view.Entitlements[0].IsActive {
		t.Fatalf("future-dated grant must not be active yet: %+v", view.Entitlements)
	}
	for _, g := range ms.tx.grants {
		if g.ValidFrom.Format(time.RFC3339) != from {
			t.Fatalf("valid_from=%v, want %s", g.ValidFrom, from)
		}
		if g.GrantedBy != "admin" {
			t.Fatalf("granted_by=%q, want the default actor", g.GrantedBy)
		}
	}
}

func TestCreateGrantRepeatIsIdempotent(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	mux, _ := newEntitlementRig(ms)

	body := `{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"support","granted_by":"ops"}`
	if w := adminPost(mux, "/v1/admin/grant", body); w.Code != http.StatusCreated {
		t.Fatalf("first grant status=%d", w.Code)
	}
	w := adminPost(mux, "/v1/admin/grant", body)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat grant status=%d, want 200 no-op", w.Code)
	}
	var view entitle.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Entitlements) != 1 {
		t.Fatalf("view=%+v", view.Entitlements)
	}
	if len(ms.tx.grants) != 1 || len(ms.tx.recomputed) != 1 {
		t.Fatalf("grants=%d recomputed=%d, want 1 each", len(ms.tx.grants), len(ms.tx.recomputed))
	}
}

func TestCreateGrantUnknownTenantIs404(t *testing.T) {
	ms := newMemStore()
	mux, _ := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/grant",
		`{"tenant_id":"t-missing","user_id":"u-1","feature_code":"pro","reason":"x","granted_by":"ops"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
}

func TestRevokeGrant(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	now := time.Now().UTC()
	ms.tx.grants["g-1"] = &store.ManualGrant{
		ID: "g-1", TenantID: "t-1", UserID: "u-1", FeatureCode: "pro",
		ValidFrom: now.Add(-time.Hour), GrantedAt: now.Add(-time.Hour),
	}
	mux, cache := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/revoke",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"abuse","revoked_by":"ops"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ms.tx.grants["g-1"].RevokedAt == nil {
		t.Fatal("grant not revoked")
	}
	var view entitle.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(view.Entitlements) != 0 {
		t.Fatalf("revoked feature must leave the view: %+v", view.Entitlements)
	}
	if len(ms.tx.recomputed) != 1 || len(cache.evicted) != 1 {
		t.Fatalf("recomputed=%v evicted=%v", ms.tx.recomputed, cache.evicted)
	}
	if len(ms.tx.audits) != 1 || ms.tx.audits[0].Action != "revoke" {
		t.Fatalf("audits=%+v", ms.tx.audits)
	}

	// No unrevoked grant remains, so a repeat is a 404.
	w = adminPost(mux, "/v1/admin/revoke",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"again"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("repeat revoke status=%d, want 404", w.Code)
	}
}

func TestRevokeTargetsLatestGrantEvenWhenExpired(t *testing.T) {
	ms := newMemStore()
	seedTenantAuth(ms)
	now := time.Now().UTC()
	expired := now.Add(-time.Hour)
	ms.tx.grants["g-old"] = &store.ManualGrant{
		ID: "g-old", TenantID: "t-1", UserID: "u-1", FeatureCode: "pro",
		ValidFrom: now.Add(-48 * time.Hour), ValidTo: &expired,
		GrantedAt: now.Add(-48 * time.Hour),
	}
	mux, _ := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/revoke",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"cleanup"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, expired grants must still be revocable", w.Code)
	}
	if ms.tx.grants["g-old"].RevokedAt == nil {
		t.Fatal("expired grant not revoked")
	}
	if ms.tx.grants["g-old"].RevokedBy != "admin" {
		t.Fatalf("revoked_by=%q, want the default actor", ms.tx.grants["g-old"].RevokedBy)
	}
}

func TestRevokeUnknownGrantIs404(t *testing.T) {
	ms := newMemStore()
	mux, _ := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/revoke",
		`{"tenant_id":"t-1","user_id":"u-1","feature_code":"pro","reason":"x","revoked_by":"ops"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", w.Code)
	}
}

func TestForceReconcile(t *testing.T) {
	ms := newMemStore()
	cache := newMemCache()
	recon := &memReconciler{summary: stripe.Summary{Leader: true, Checked: 3, Repaired: 1}}
	cfg := &Config{AdminKey: "admin-key"}
	mux := http.NewServeMux()
	RegisterRoutes(mux, Deps{
		Cfg: cfg, Credentials: ms, Entitlements: ms, Prices: ms, Admin: ms,
		Cache: cache, Provider: &memProvider{}, Webhook: http.NotFoundHandler(),
		Reconciler: recon, DBPinger: pingOK{}, CachePinger: pingOK{},
	})

	w := adminPost(mux, "/v1/admin/reconcile", "")
	if w.Code != http.StatusOK || recon.runs != 1 {
		t.Fatalf("status=%d runs=%d", w.Code, recon.runs)
	}

	recon.summary = stripe.Summary{Leader: false}
	w = adminPost(mux, "/v1/admin/reconcile", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("lease held elsewhere must 409, got %d", w.Code)
	}
}

func TestAdminEndpointsRejectWithoutKey(t *testing.T) {
	ms := newMemStore()
	mux, _ := newEntitlementRig(ms)

	r := httptest.NewRequest(http.MethodPost, "/v1/admin/grant", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", w.Code)
	}
}

func TestCreateTenantReturnsCredentialOnce(t *testing.T) {
	ms := newMemStore()
	mux, _ := newEntitlementRig(ms)

	w := adminPost(mux, "/v1/admin/tenants", `{"name":"acme"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp createTenantResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.Credential, "bk_") {
		t.Fatalf("credential=%q", resp.Credential)
	}
	// The stored side holds only the hash.
	if ms.credentials[HashCredential(resp.Credential)] == nil {
		t.Fatal("credential hash not registered")
	}
}

func TestCreatePriceDuplicateProviderIDIs409(t *testing.T) {
	ms := newMemStore()
	mux, _ := newEntitlementRig(ms)

	body := `{"product_id":"prod-1","provider_price_id":"price_123","amount":999,"currency":"USD","cadence":"month"}`
	if w := adminPost(mux, "/v1/admin/prices", body); w.Code != http.StatusCreated {
		t.Fatalf("first create status=%d", w.Code)
	}
	if w := adminPost(mux, "/v1/admin/prices", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate status=%d, want 409", w.Code)
	}
}
