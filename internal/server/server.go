package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/praxos/billingd/internal/cache"
	"github.com/praxos/billingd/internal/store"
	"github.com/praxos/billingd/internal/stripe"
)

// Server owns the wired service: persistence, cache, provider integration
// and the HTTP listener.
type Server struct {
	cfg        *Config
	store      *store.Store
	cache      *cache.Cache
	reconciler *stripe.Reconciler
	httpSrv    *http.Server
}

// New connects dependencies and wires the HTTP routes.
func New(ctx context.Context, cfg *Config) (*Server, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{PastDueGrace: cfg.PastDueGrace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	ca, err := cache.Open(cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if err := ca.Ping(ctx); err != nil {
		// The cache fails open; a cold Redis only costs read latency.
		log.Warn().Err(err).Msg("redis unreachable at startup, serving from database")
	}

	provider := stripe.NewProvider(cfg.StripeAPIKey)
	processors := stripe.NewProcessors(provider)
	webhook := stripe.NewWebhookHandler(st, ca, processors, cfg.StripeWebhookSecret, cfg.WebhookSkew)
	reconciler := stripe.NewReconciler(st, provider, ca, stripe.ReconcilerConfig{
		Enabled:  cfg.ReconcileEnabled,
		HourUTC:  cfg.ReconcileHourUTC,
		Lookback: cfg.ReconcileLookback,
	})

	mux := http.NewServeMux()
	RegisterRoutes(mux, Deps{
		Cfg:          cfg,
		Credentials:  st,
		Entitlements: st,
		Prices:       st,
		Admin:        st,
		Cache:        ca,
		Provider:     provider,
		Webhook:      webhook,
		Reconciler:   reconciler,
		DBPinger:     st,
		CachePinger:  ca,
	})

	return &Server{
		cfg:        cfg,
		store:      st,
		cache:      ca,
		reconciler: reconciler,
		httpSrv: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	reconCtx, cancelRecon := context.WithCancel(ctx)
	defer cancelRecon()
	go s.reconciler.Run(reconCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	if err := s.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("cache close failed")
	}
	s.store.Close()
	return nil
}
