// Package relay is the main orchestrator that ties all relay components together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/amurg-ai/askrelay/internal/api"
	"github.com/amurg-ai/askrelay/internal/auth"
	"github.com/amurg-ai/askrelay/internal/config"
	"github.com/amurg-ai/askrelay/internal/gateway"
	"github.com/amurg-ai/askrelay/internal/generation"
	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/push"
	"github.com/amurg-ai/askrelay/internal/router"
	"github.com/amurg-ai/askrelay/internal/sessions"
	"github.com/amurg-ai/askrelay/pkg/protocol"
)

// Relay is the main relay process.
type Relay struct {
	cfg      *config.Config
	store    sessions.Store
	verifier *auth.Verifier
	router   *router.Router
	gateway  *gateway.Gateway // nil when delivering through a remote gateway
	api      *api.Server
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a relay from configuration. Background key refresh runs until
// ctx is cancelled.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	var m *metrics.Metrics
	if !cfg.Metrics.Disabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	codec, err := protocol.NewCodec(cfg.Delivery.FrameFormat)
	if err != nil {
		return nil, fmt.Errorf("init codec: %w", err)
	}

	// Initialize storage.
	store, err := sessions.New(ctx, cfg.Storage, sessions.Options{TTL: cfg.Session.TTL.Duration})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	keys, err := auth.NewJWKS(ctx, auth.JWKSOptions{
		URLs:               cfg.Auth.JWKSURLs,
		RefreshInterval:    cfg.Auth.RefreshInterval.Duration,
		HTTPTimeout:        cfg.Auth.HTTPTimeout.Duration,
		UnknownKIDInterval: cfg.Auth.UnknownKIDInterval.Duration,
		Logger:             logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init jwks: %w", err)
	}
	verifier := auth.NewVerifier(keys, auth.Options{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Algorithms: cfg.Auth.Algorithms,
		MissBurst:  cfg.Auth.MissBurst,
		MissWindow: cfg.Auth.MissWindow.Duration,
		Leeway:     cfg.Auth.Leeway.Duration,
	}, m, logger)

	invoker := generation.NewHTTPInvoker(generation.Options{
		URL:             cfg.Generation.URL,
		KnowledgeBaseID: cfg.Generation.KnowledgeBaseID,
		ModelID:         cfg.Generation.ModelID,
		APIKey:          cfg.Generation.APIKey,
		Timeout:         cfg.Generation.Timeout.Duration,
	})

	var (
		pusher   push.Pusher
		registry *gateway.Registry
	)
	switch cfg.Delivery.Driver {
	case "http":
		pusher = push.NewHTTPPusher(push.HTTPOptions{
			Endpoint: cfg.Delivery.Endpoint,
			Token:    cfg.Delivery.ManagementToken,
			Codec:    codec,
			Timeout:  cfg.Delivery.Timeout.Duration,
		})
	default:
		registry = gateway.NewRegistry(codec)
		pusher = registry
	}

	rt := router.New(verifier, store, invoker, pusher, router.Options{
		Codec:       codec,
		ErrorFrames: cfg.Delivery.ErrorFrames,
	}, m, logger)

	var gw *gateway.Gateway
	if registry != nil {
		gw = gateway.New(registry, rt, gateway.Options{
			AllowedOrigins:    cfg.Server.AllowedOrigins,
			MaxMessageBytes:   cfg.Server.MaxMessageBytes,
			MessagesPerSecond: cfg.Server.MessagesPerSecond,
			MessageBurst:      cfg.Server.MessageBurst,
			ManagementToken:   cfg.Delivery.ManagementToken,
		}, m, logger)
	}

	r := &Relay{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		router:   rt,
		gateway:  gw,
		api:      api.NewServer(rt, gw, store, cfg, m, logger),
		metrics:  m,
		logger:   logger.With("component", "relay"),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if gw != nil && cfg.Delivery.ManagementToken == "" {
		logger.Warn("events and management push endpoints are unauthenticated, set delivery.management_token in production")
	}

	return r, nil
}

// Handler returns the relay's HTTP handler.
func (r *Relay) Handler() http.Handler {
	return r.api.Handler()
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		_ = r.store.Close()
		return fmt.Errorf("listen %s: %w", r.cfg.Server.Addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	r.api.StartBackgroundTasks(ctx)
	if misses := r.verifier.Misses(); misses != nil {
		misses.StartCleanup(ctx, time.Minute, r.cfg.Auth.MissWindow.Duration)
	}
	if interval := r.cfg.Storage.PurgeInterval.Duration; interval > 0 {
		go r.runExpiryPurger(ctx, interval)
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", ln.Addr().String(), "delivery", r.deliveryMode())
		if r.cfg.Server.TLSCert != "" && r.cfg.Server.TLSKey != "" {
			errCh <- srv.ServeTLS(ln, r.cfg.Server.TLSCert, r.cfg.Server.TLSKey)
		} else {
			r.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			r.logger.Info("http server stopped gracefully")
		}

		// Hijacked sockets outlive Shutdown; drain them before the store goes.
		if r.gateway != nil {
			if err := r.gateway.Shutdown(shutdownCtx); err != nil {
				r.logger.Warn("in-flight events abandoned", "error", err)
			}
		}

		r.logger.Info("closing store")
		_ = r.store.Close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = r.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (r *Relay) deliveryMode() string {
	if r.gateway == nil {
		return "http"
	}
	return "local"
}

func (r *Relay) runExpiryPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.purgeExpired(ctx)
		}
	}
}

func (r *Relay) purgeExpired(ctx context.Context) {
	n, err := r.store.PurgeExpired(ctx)
	if err != nil {
		r.logger.Warn("session purge failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("purged expired sessions", "count", n)
	}
}
