package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/praxos/billingd/internal/metrics"
	"github.com/praxos/billingd/internal/store"
)

// maxWebhookBodyBytes caps provider payload size.
const maxWebhookBodyBytes = 1 << 20

// DefaultSkewTolerance bounds how old a signed webhook timestamp may be.
const DefaultSkewTolerance = 5 * time.Minute

// Repo is the persistence surface the webhook handler needs.
type Repo interface {
	InsertRawEvent(ctx context.Context, ev *store.RawEvent) (bool, error)
	RawEventByProviderID(ctx context.Context, providerEventID string) (*store.RawEvent, error)
	MarkRawEventOutcome(ctx context.Context, providerEventID string, outcome store.EventOutcome, diagnostic string, at time.Time) error
	InTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// Evictor drops cached entitlement views after commit.
type Evictor interface {
	Invalidate(ctx context.Context, tenantID, userID string)
}

// WebhookHandler ingests signed provider events: verify, dedup, process in
// one transaction, evict caches, record the outcome.
type WebhookHandler struct {
	repo       Repo
	cache      Evictor
	processors *Processors
	secret     string
	tolerance  time.Duration
	now        func() time.Time
}

// NewWebhookHandler wires the webhook ingestion pipeline.
func NewWebhookHandler(repo Repo, cache Evictor, processors *Processors, secret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = DefaultSkewTolerance
	}
	return &WebhookHandler{
		repo:       repo,
		cache:      cache,
		processors: processors,
		secret:     secret,
		tolerance:  tolerance,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.WebhookDuration.Observe(time.Since(start).Seconds()) }()

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, statusBody{Status: "method_not_allowed"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, statusBody{Status: "invalid_payload"})
		return
	}

	// Events keep the API version of the account that sent them; only the
	// signature and timestamp decide acceptance.
	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
		Tolerance:                h.tolerance,
	})
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		if isSignatureError(err) {
			log.Warn().Err(err).Msg("webhook signature rejected")
			writeJSON(w, http.StatusUnauthorized, statusBody{Status: "signature_invalid"})
			return
		}
		writeJSON(w, http.StatusBadRequest, statusBody{Status: "invalid_payload"})
		return
	}
	if event.ID == "" {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		writeJSON(w, http.StatusBadRequest, statusBody{Status: "invalid_payload"})
		return
	}

	ctx := r.Context()
	eventType := string(event.Type)
	logger := log.With().Str("provider_event_id", event.ID).Str("event_type", eventType).Logger()

	inserted, err := h.repo.InsertRawEvent(ctx, &store.RawEvent{
		ProviderEventID: event.ID,
		EventType:       eventType,
		Payload:         body,
		ReceivedAt:      h.now(),
		Outcome:         store.EventPending,
		AttemptCount:    1,
	})
	if err != nil {
		logger.Error().Err(err).Msg("persist raw event failed")
		writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable"})
		return
	}
	if !inserted {
		prior, err := h.repo.RawEventByProviderID(ctx, event.ID)
		if err != nil {
			logger.Error().Err(err).Msg("load prior event failed")
			writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable"})
			return
		}
		// A pending or transiently failed delivery is a retry in flight;
		// it runs the idempotent processor again. Anything else is settled.
		if prior != nil && prior.Outcome != store.EventPending && prior.Outcome != store.EventFailedTransient {
			metrics.WebhookEvents.WithLabelValues(eventType, "duplicate").Inc()
			logger.Debug().Str("outcome", string(prior.Outcome)).Msg("duplicate event acknowledged")
			writeJSON(w, http.StatusOK, statusBody{Status: "duplicate"})
			return
		}
	}

	proc := h.processors.Lookup(eventType)
	if proc == nil {
		metrics.WebhookEvents.WithLabelValues(eventType, "ignored").Inc()
		h.markOutcome(ctx, logger, event.ID, store.EventSucceeded, "unhandled event type")
		writeJSON(w, http.StatusOK, statusBody{Status: "ignored"})
		return
	}

	var touched Touched
	err = h.repo.InTx(ctx, func(tx store.Tx) error {
		return proc(ctx, tx, &event, &touched)
	})
	if err != nil {
		if IsTransient(err) {
			metrics.WebhookEvents.WithLabelValues(eventType, "failed_transient").Inc()
			logger.Warn().Err(err).Msg("event processing failed, provider will retry")
			h.markOutcome(ctx, logger, event.ID, store.EventFailedTransient, err.Error())
			writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "retry"})
			return
		}
		metrics.WebhookEvents.WithLabelValues(eventType, "failed_permanent").Inc()
		logger.Error().Err(err).Msg("event unprocessable, acknowledged to stop redelivery")
		h.markOutcome(ctx, logger, event.ID, store.EventFailedPermanent, err.Error())
		writeJSON(w, http.StatusOK, statusBody{Status: "failed_permanent"})
		return
	}

	// Evictions run after commit; a lost eviction is bounded by the cache
	// TTL, so failures do not fail the delivery.
	for _, pair := range touched.Pairs() {
		h.cache.Invalidate(ctx, pair[0], pair[1])
	}

	metrics.WebhookEvents.WithLabelValues(eventType, "succeeded").Inc()
	h.markOutcome(ctx, logger, event.ID, store.EventSucceeded, "")
	logger.Info().Int("pairs_recomputed", len(touched.Pairs())).Msg("event processed")
	writeJSON(w, http.StatusOK, statusBody{Status: "processed"})
}

func (h *WebhookHandler) markOutcome(ctx context.Context, logger zerolog.Logger, providerEventID string, outcome store.EventOutcome, diagnostic string) {
	if err := h.repo.MarkRawEventOutcome(ctx, providerEventID, outcome, diagnostic, h.now()); err != nil {
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("record event outcome failed")
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld) ||
		errors.Is(err, webhook.ErrNoValidSignature)
}

type statusBody struct {
	Status string `json:"status"`
}

func writeJSON[T any](w http.ResponseWriter, status int, payload T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encode response failed")
	}
}
