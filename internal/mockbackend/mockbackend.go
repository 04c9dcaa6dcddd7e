// Package mockbackend is a development stand-in for the generation service.
// It answers every prompt by echoing it, assigns session ids to new
// conversations and counts turns per session.
package mockbackend

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/amurg-ai/askrelay/internal/generation"
)

// Options configures the mock backend.
type Options struct {
	Delay          time.Duration // artificial latency per answer
	RequireAPIKey  string        // when set, requests must carry it as a bearer token
	FailUnknownIDs bool          // reject session ids this backend never issued
}

// Backend serves POST /generate.
type Backend struct {
	opts   Options
	logger *slog.Logger
	mux    *chi.Mux

	mu    sync.Mutex
	turns map[string]int
}

func New(opts Options, logger *slog.Logger) *Backend {
	b := &Backend{
		opts:   opts,
		logger: logger.With("component", "mockbackend"),
		turns:  make(map[string]int),
	}
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Post("/generate", b.handleGenerate)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	b.mux = mux
	return b
}

func (b *Backend) Handler() http.Handler {
	return b.mux
}

// Turns returns how many prompts a session has answered.
func (b *Backend) Turns(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turns[sessionID]
}

func (b *Backend) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if b.opts.RequireAPIKey != "" && r.Header.Get("Authorization") != "Bearer "+b.opts.RequireAPIKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req generation.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.KnowledgeBaseID == "" || req.ModelIdentifier == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "knowledgeBaseId and modelIdentifier are required"})
		return
	}

	b.mu.Lock()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	} else if _, known := b.turns[sessionID]; !known && b.opts.FailUnknownIDs {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	b.turns[sessionID]++
	turn := b.turns[sessionID]
	b.mu.Unlock()

	if b.opts.Delay > 0 {
		select {
		case <-time.After(b.opts.Delay):
		case <-r.Context().Done():
			return
		}
	}

	b.logger.Debug("answered prompt", "session_id", sessionID, "turn", turn)
	writeJSON(w, http.StatusOK, generation.Answer{
		Text:      fmt.Sprintf("[turn %d] %s", turn, req.Prompt),
		SessionID: sessionID,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
