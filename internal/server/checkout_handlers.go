package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/store"
	"github.com/praxos/billingd/internal/stripe"
)

// PriceReader resolves catalog prices for checkout.
type PriceReader interface {
	PriceByID(ctx context.Context, id string) (*store.Price, error)
}

type checkoutHandlers struct {
	prices     PriceReader
	provider   stripe.Provider
	successURL string
	cancelURL  string
}

type checkoutRequest struct {
	UserID  string `json:"user_id"`
	PriceID string `json:"price_id"`
}

// handleCreateCheckoutSession serves POST /v1/checkout/sessions. The
// session metadata carries tenant, user and provider price id; webhook
// processors rely on those stamps to attribute the resulting events.
func (h *checkoutHandlers) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	if tenant == nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.PriceID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "user_id and price_id are required"})
		return
	}

	price, err := h.prices.PriceByID(r.Context(), req.PriceID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "temporarily unavailable"})
		return
	}
	if price == nil || price.TenantID != tenant.ID {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "price not found"})
		return
	}

	session, err := h.provider.CreateCheckoutSession(r.Context(), stripe.CheckoutInput{
		TenantID:   tenant.ID,
		UserID:     req.UserID,
		Price:      price,
		SuccessURL: h.successURL,
		CancelURL:  h.cancelURL,
	})
	if err != nil {
		log.Error().Err(err).Str("price_id", price.ID).Msg("checkout session creation failed")
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "provider unavailable"})
		return
	}
	writeJSON(w, http.StatusCreated, session)
}
