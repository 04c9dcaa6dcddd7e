// Package generation calls the retrieval-augmented generation backend.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// ErrGeneration wraps every backend failure.
var ErrGeneration = errors.New("generation failed")

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 4 << 20

// Request is the body posted to the backend.
type Request struct {
	Prompt          string `json:"prompt"`
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	ModelIdentifier string `json:"modelIdentifier"`
	SessionID       string `json:"sessionId,omitempty"`
}

// Answer is the backend's reply.
type Answer struct {
	Text      string `json:"answerText"`
	SessionID string `json:"sessionId"`
}

// Options configures an HTTPInvoker.
type Options struct {
	URL             string
	KnowledgeBaseID string
	ModelID         string
	APIKey          string        // sent as a bearer token when set
	Timeout         time.Duration // default 60s
	Client          *http.Client
}

// HTTPInvoker performs one blocking POST per ask. It never retries.
type HTTPInvoker struct {
	url             string
	knowledgeBaseID string
	modelID         string
	apiKey          string
	client          *http.Client
}

func NewHTTPInvoker(opts Options) *HTTPInvoker {
	timeout := 60 * time.Second
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPInvoker{
		url:             opts.URL,
		knowledgeBaseID: opts.KnowledgeBaseID,
		modelID:         opts.ModelID,
		apiKey:          opts.APIKey,
		client:          client,
	}
}

// Invoke asks the backend. priorSessionID is forwarded only when non-empty so
// the backend starts a new conversation otherwise.
func (g *HTTPInvoker) Invoke(ctx context.Context, prompt, priorSessionID string) (*Answer, error) {
	body, err := json.Marshal(Request{
		Prompt:          prompt,
		KnowledgeBaseID: g.knowledgeBaseID,
		ModelIdentifier: g.modelID,
		SessionID:       priorSessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrGeneration, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrGeneration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrGeneration, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrGeneration, err)
	}
	return decodeAnswer(data)
}

// decodeAnswer accepts the flat {"answerText","sessionId"} shape as well as
// the nested {"output":{"text"},"sessionId"} shape of managed RAG services.
func decodeAnswer(data []byte) (*Answer, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrGeneration)
	}
	res := gjson.GetManyBytes(data, "answerText", "output.text", "sessionId")

	text := res[0]
	if !text.Exists() {
		text = res[1]
	}
	if !text.Exists() || text.Type != gjson.String {
		return nil, fmt.Errorf("%w: response has no answer text", ErrGeneration)
	}
	if res[2].Type != gjson.String || res[2].String() == "" {
		return nil, fmt.Errorf("%w: response has no session id", ErrGeneration)
	}
	return &Answer{Text: text.String(), SessionID: res[2].String()}, nil
}
