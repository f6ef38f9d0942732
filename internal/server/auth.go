package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/store"
)

type tenantCtxKey struct{}

// HashCredential returns the hex SHA-256 digest under which a tenant
// credential is stored. Plaintext credentials never reach the database.
func HashCredential(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// CredentialResolver resolves a credential hash to its tenant.
type CredentialResolver interface {
	TenantByCredentialHash(ctx context.Context, credentialHash string) (*store.Tenant, error)
}

// bearerToken extracts the token from an Authorization header, or "".
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// requireTenant authenticates the caller's bearer credential and stores the
// resolved tenant on the request context. Unknown credentials and inactive
// tenants get the same 401.
func requireTenant(resolver CredentialResolver, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer credential"})
			return
		}
		tenant, err := resolver.TenantByCredentialHash(r.Context(), HashCredential(token))
		if err != nil {
			log.Error().Err(err).Msg("credential lookup failed")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
			return
		}
		if tenant == nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid credential"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tenantCtxKey{}, tenant)))
	}
}

// tenantFrom returns the authenticated tenant stored by requireTenant.
func tenantFrom(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(tenantCtxKey{}).(*store.Tenant)
	return t
}

// requireAdmin gates operator endpoints on the shared admin key. The
// comparison runs over digests so length differences leak nothing.
func requireAdmin(adminKey string, next http.HandlerFunc) http.HandlerFunc {
	want := sha256.Sum256([]byte(adminKey))
	return func(w http.ResponseWriter, r *http.Request) {
		got := sha256.Sum256([]byte(bearerToken(r)))
		if adminKey == "" || subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid admin credential"})
			return
		}
		next(w, r)
	}
}
