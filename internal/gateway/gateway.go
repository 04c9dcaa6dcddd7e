// Package gateway is the in-process WebSocket transport. It assigns
// connection ids, turns socket activity into relay events, and delivers
// frames back to its own sockets.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/askrelay/internal/event"
	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/push"
	"github.com/amurg-ai/askrelay/internal/ratelimit"
	"github.com/amurg-ai/askrelay/internal/router"
)

// Dispatcher handles one event.
type Dispatcher interface {
	Handle(ctx context.Context, ev event.Event) router.Ack
}

// Options configures the gateway.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64   // default 64KB
	MessagesPerSecond float64 // per connection; default 5
	MessageBurst      int     // default 10
	PingInterval      time.Duration
	PongWait          time.Duration
	ManagementToken   string // required on the management push endpoint when set
}

// Gateway serves client sockets.
type Gateway struct {
	registry   *Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	limiter    *ratelimit.Keyed
	opts       Options
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu       sync.Mutex // guards draining and inflight.Add
	draining bool
	inflight sync.WaitGroup
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

func New(reg *Registry, d Dispatcher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 5
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 10
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &Gateway{
		registry:   reg,
		dispatcher: d,
		upgrader:   makeUpgrader(opts.AllowedOrigins),
		limiter:    ratelimit.NewKeyed(rate.Limit(opts.MessagesPerSecond), opts.MessageBurst),
		opts:       opts,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
	}
}

// Registry returns the gateway's connection registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// HandleWS upgrades a client connection and pumps its messages until it
// closes. Each message becomes an independent event handled concurrently.
func (g *Gateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	cc := &clientConn{id: uuid.New().String(), conn: conn}
	conn.SetReadLimit(g.opts.MaxMessageBytes)

	ctx := context.WithoutCancel(req.Context())
	g.registry.add(cc)
	g.metrics.ConnectionOpened()
	g.logger.Info("client connected", "conn_id", cc.id, "remote", req.RemoteAddr)
	g.dispatch(ctx, event.Connect{ConnectionID: cc.id})

	stopKeepalive := startKeepalive(conn, &cc.mu, g.opts.PingInterval, g.opts.PongWait)
	defer func() {
		stopKeepalive()
		g.registry.remove(cc.id)
		g.limiter.Forget(cc.id)
		g.metrics.ConnectionClosed()
		g.dispatch(ctx, event.Disconnect{ConnectionID: cc.id})
		g.logger.Info("client disconnected", "conn_id", cc.id)
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", cc.id, "error", err)
			return
		}

		if !g.limiter.Allow(cc.id) {
			g.logger.Debug("client message rate limited", "conn_id", cc.id)
			continue
		}

		ev := event.FromRoute(cc.id, event.RouteOf(msg), msg)
		g.mu.Lock()
		if g.draining {
			g.mu.Unlock()
			continue
		}
		g.inflight.Add(1)
		g.mu.Unlock()
		go func() {
			defer g.inflight.Done()
			g.dispatch(ctx, ev)
		}()
	}
}

// dispatch hands one event to the dispatcher. A panic is logged and ends only
// that event.
func (g *Gateway) dispatch(ctx context.Context, ev event.Event) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("panic recovered",
				"conn_id", ev.ConnID(),
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}
	}()
	g.dispatcher.Handle(ctx, ev)
}

// HandleManagementPush serves POST /@connections/{connectionID}: the request
// body is delivered verbatim as one frame. 410 Gone means the connection is
// not held here.
func (g *Gateway) HandleManagementPush(w http.ResponseWriter, req *http.Request) {
	if g.opts.ManagementToken != "" {
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(g.opts.ManagementToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	connID := chi.URLParam(req, "connectionID")
	payload, err := io.ReadAll(io.LimitReader(req.Body, g.opts.MaxMessageBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > g.opts.MaxMessageBytes {
		http.Error(w, "frame too large", http.StatusRequestEntityTooLarge)
		return
	}

	switch err := g.registry.Push(req.Context(), connID, payload); {
	case errors.Is(err, push.ErrStaleConnection):
		http.Error(w, "gone", http.StatusGone)
	case err != nil:
		g.logger.Warn("management push failed", "conn_id", connID, "error", err)
		http.Error(w, "delivery failed", http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// Wait blocks until every dispatched event has been handled or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting client messages, waits for the events already
// dispatched, then closes every client socket.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	g.mu.Unlock()

	err := g.Wait(ctx)
	g.registry.closeAll()
	return err
}
