// Package api provides the relay's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/askrelay/internal/config"
	"github.com/amurg-ai/askrelay/internal/event"
	"github.com/amurg-ai/askrelay/internal/gateway"
	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/ratelimit"
	"github.com/amurg-ai/askrelay/internal/router"
)

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	dispatcher   gateway.Dispatcher
	store        Pinger
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
	rl           *ratelimit.Keyed
}

// NewServer creates the API server. gw may be nil when clients connect
// through a remote gateway; the socket and management routes are then absent.
func NewServer(d gateway.Dispatcher, gw *gateway.Gateway, store Pinger, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Server {
	srv := &Server{
		dispatcher:   d,
		store:        store,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		rl:           ratelimit.NewKeyed(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(m.Middleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	if !cfg.Metrics.Disabled {
		mux.Handle("/metrics", m.Handler())
	}

	if gw != nil {
		mux.Get("/ws", gw.HandleWS)
	}

	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.rl))
		r.With(requireBearerToken(cfg.Delivery.ManagementToken)).Post("/events", srv.handleEvent)
		if gw != nil {
			r.Post("/@connections/{connectionID}", gw.HandleManagementPush)
		}
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// handleEvent runs one stateless invocation. The response is always the
// fixed ack, whatever happened to the event.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.logger.Warn("event body unreadable", "error", err)
		writeAck(w, router.OK())
		return
	}

	ev, err := event.Parse(body)
	if err != nil {
		s.logger.Warn("event rejected", "error", err)
		writeAck(w, router.OK())
		return
	}
	writeAck(w, s.dispatcher.Handle(r.Context(), ev))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeAck(w http.ResponseWriter, ack router.Ack) {
	for k, v := range ack.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ack.StatusCode)
	_, _ = io.WriteString(w, ack.Body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
