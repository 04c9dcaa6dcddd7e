// Package router handles one inbound relay event at a time: it authenticates
// asks, threads the downstream session through the generation backend, and
// delivers the answer back to the originating connection.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/amurg-ai/askrelay/internal/auth"
	"github.com/amurg-ai/askrelay/internal/event"
	"github.com/amurg-ai/askrelay/internal/generation"
	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/push"
	"github.com/amurg-ai/askrelay/internal/sessions"
	"github.com/amurg-ai/askrelay/pkg/protocol"
)

// Authenticator decides whether a bearer token may ask.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) auth.Result
}

// SessionStore is the subset of sessions.Store the router uses.
type SessionStore interface {
	Get(ctx context.Context, connID string) (*sessions.Session, error)
	Put(ctx context.Context, sess *sessions.Session) error
}

// Invoker calls the generation backend.
type Invoker interface {
	Invoke(ctx context.Context, prompt, priorSessionID string) (*generation.Answer, error)
}

// Ack is the acknowledgment returned to the transport for every event.
type Ack struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// OK returns the fixed acknowledgment. It carries nothing about the outcome.
func OK() Ack {
	return Ack{
		StatusCode: 200,
		Headers:    map[string]string{"Access-Control-Allow-Origin": "*"},
		Body:       "{}",
	}
}

// Options configures delivery behavior.
type Options struct {
	Codec protocol.Codec // default text

	// ErrorFrames pushes an error frame and the end marker when an ask fails
	// after parsing, so clients stop waiting. Auth failures stay silent.
	ErrorFrames bool
}

// Router dispatches events. It holds no per-event state; everything about an
// event travels through call parameters.
type Router struct {
	auth        Authenticator
	store       SessionStore
	gen         Invoker
	pusher      push.Pusher
	codec       protocol.Codec
	errorFrames bool
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(a Authenticator, store SessionStore, gen Invoker, pusher push.Pusher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Router {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.TextCodec{}
	}
	return &Router{
		auth:        a,
		store:       store,
		gen:         gen,
		pusher:      pusher,
		codec:       codec,
		errorFrames: opts.ErrorFrames,
		metrics:     m,
		logger:      logger.With("component", "router"),
	}
}

// Handle processes one event to completion and returns the fixed ack. The
// caller's cancellation is not propagated: a client going away must not
// abort a generation already under way.
func (r *Router) Handle(ctx context.Context, ev event.Event) Ack {
	ctx = context.WithoutCancel(ctx)
	r.metrics.EventHandled(metricRoute(ev))

	switch e := ev.(type) {
	case event.Connect:
		r.logger.Debug("connection opened", "conn_id", e.ConnectionID)
	case event.Disconnect:
		r.logger.Debug("connection closed", "conn_id", e.ConnectionID)
	case event.Ask:
		r.handleAsk(ctx, e)
	case event.Malformed:
		r.logger.Warn("malformed request", "conn_id", e.ConnectionID, "route", e.Route, "error", e.Err)
		r.pushError(ctx, e.ConnectionID, protocol.CodeMalformedRequest, "malformed request")
	case event.Unknown:
		r.logger.Info("unrecognized route", "conn_id", e.ConnectionID, "route", e.Route)
	default:
		r.logger.Warn("unhandled event type", "type", ev)
	}
	return OK()
}

// metricRoute maps an event to a fixed label. Client-chosen route keys never
// reach the metrics registry.
func metricRoute(ev event.Event) string {
	switch ev.(type) {
	case event.Connect:
		return "connect"
	case event.Disconnect:
		return "disconnect"
	case event.Ask:
		return "ask"
	case event.Malformed:
		return "malformed"
	default:
		return "other"
	}
}

func (r *Router) handleAsk(ctx context.Context, ask event.Ask) {
	logger := r.logger.With("conn_id", ask.ConnectionID)

	if res := r.auth.Authenticate(ctx, ask.Token); !res.Authorized {
		logger.Info("ask dropped: unauthorized")
		return
	}

	var prior string
	sess, err := r.store.Get(ctx, ask.ConnectionID)
	switch {
	case err != nil:
		logger.Warn("session lookup failed, starting new conversation", "error", err)
	case sess != nil:
		prior = sess.DownstreamSessionID
	}

	start := time.Now()
	answer, err := r.gen.Invoke(ctx, ask.Prompt, prior)
	r.metrics.ObserveGeneration(start, err == nil)
	if err != nil {
		logger.Error("generation failed", "error", err, "resumed", prior != "")
		r.pushError(ctx, ask.ConnectionID, protocol.CodeGenerationFailed, "the answer could not be generated")
		return
	}

	stale, err := r.deliver(ctx, ask.ConnectionID, answer.Text)
	if err != nil {
		logger.Error("delivery failed", "error", err)
		return
	}
	if stale {
		logger.Info("connection gone before delivery, keeping session")
	}

	next := &sessions.Session{ConnectionID: ask.ConnectionID, DownstreamSessionID: answer.SessionID}
	if err := r.store.Put(ctx, next); err != nil {
		r.metrics.SessionWrite(false)
		logger.Error("session write failed", "error", err, "session_id", answer.SessionID)
		return
	}
	r.metrics.SessionWrite(true)
	logger.Debug("ask completed", "session_id", answer.SessionID, "resumed", prior != "")
}

// deliver pushes the answer and then the end marker. A stale connection is
// reported through the bool so the caller can still persist the session.
func (r *Router) deliver(ctx context.Context, connID, text string) (stale bool, err error) {
	if err := r.pusher.Push(ctx, connID, r.codec.Answer(text)); err != nil {
		return r.deliveryFailed(err)
	}
	r.metrics.FramePushed("answer")

	if err := r.pusher.PushEnd(ctx, connID); err != nil {
		return r.deliveryFailed(err)
	}
	r.metrics.FramePushed("end")
	return false, nil
}

func (r *Router) deliveryFailed(err error) (bool, error) {
	if errors.Is(err, push.ErrStaleConnection) {
		r.metrics.DeliveryFailed("stale")
		return true, nil
	}
	r.metrics.DeliveryFailed("error")
	return false, err
}

func (r *Router) pushError(ctx context.Context, connID, code, message string) {
	if !r.errorFrames {
		return
	}
	if err := r.pusher.Push(ctx, connID, r.codec.Error(code, message)); err != nil {
		r.logger.Warn("error frame not delivered", "conn_id", connID, "error", err)
		return
	}
	r.metrics.FramePushed("error")
	if err := r.pusher.PushEnd(ctx, connID); err != nil {
		r.logger.Warn("end marker not delivered", "conn_id", connID, "error", err)
		return
	}
	r.metrics.FramePushed("end")
}
