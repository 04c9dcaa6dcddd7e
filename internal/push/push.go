// Package push delivers frames to client connections.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amurg-ai/askrelay/pkg/protocol"
)

var (
	ErrDelivery        = errors.New("frame delivery failed")
	ErrStaleConnection = errors.New("connection gone")
)

// Pusher sends frames to a connection. Push sends exactly one frame and
// PushEnd exactly one terminal frame.
type Pusher interface {
	Push(ctx context.Context, connID string, payload []byte) error
	PushEnd(ctx context.Context, connID string) error
}

// HTTPPusher posts frames to a remote gateway's connection management API:
// POST {endpoint}/@connections/{id}. 410 Gone means the connection is stale.
type HTTPPusher struct {
	endpoint string
	token    string
	codec    protocol.Codec
	client   *http.Client
}

// HTTPOptions configures an HTTPPusher.
type HTTPOptions struct {
	Endpoint string
	Token    string // management bearer token, optional
	Codec    protocol.Codec
	Timeout  time.Duration
	Client   *http.Client
}

func NewHTTPPusher(opts HTTPOptions) *HTTPPusher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.TextCodec{}
	}
	return &HTTPPusher{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    opts.Token,
		codec:    codec,
		client:   client,
	}
}

func (p *HTTPPusher) Push(ctx context.Context, connID string, payload []byte) error {
	target := p.endpoint + "/@connections/" + url.PathEscape(connID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", ErrStaleConnection, connID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", ErrDelivery, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (p *HTTPPusher) PushEnd(ctx context.Context, connID string) error {
	return p.Push(ctx, connID, p.codec.End())
}
