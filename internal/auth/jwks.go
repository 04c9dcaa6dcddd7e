package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"golang.org/x/time/rate"
)

// JWKSOptions configures the remote key set.
type JWKSOptions struct {
	URLs            []string
	RefreshInterval time.Duration // periodic background refresh
	HTTPTimeout     time.Duration

	// UnknownKIDInterval is the minimum time between refreshes triggered by a
	// kid that is not cached, shared across all kids.
	UnknownKIDInterval time.Duration
	// UnknownKIDWait bounds how long a lookup waits for that limiter.
	UnknownKIDWait time.Duration

	Logger *slog.Logger
}

// NewJWKS builds a keyfunc over one or more JWKS URLs. Keys are cached and
// refreshed in the background until ctx is cancelled; an unknown kid triggers
// an immediate refresh, globally rate limited, so rotated keys are picked up.
func NewJWKS(ctx context.Context, opts JWKSOptions) (keyfunc.Keyfunc, error) {
	if len(opts.URLs) == 0 {
		return nil, fmt.Errorf("at least one JWKS URL is required")
	}
	if opts.UnknownKIDInterval <= 0 {
		opts.UnknownKIDInterval = 5 * time.Minute
	}
	if opts.UnknownKIDWait <= 0 {
		opts.UnknownKIDWait = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jwks")

	storages := make(map[string]jwkset.Storage, len(opts.URLs))
	for _, u := range opts.URLs {
		u := u
		st, err := jwkset.NewStorageFromHTTP(u, jwkset.HTTPClientStorageOptions{
			Ctx:                       ctx,
			HTTPTimeout:               opts.HTTPTimeout,
			RefreshInterval:           opts.RefreshInterval,
			NoErrorReturnFirstHTTPReq: true,
			RefreshErrorHandler: func(ctx context.Context, err error) {
				logger.Warn("JWKS refresh failed", "url", u, "error", err)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("JWKS storage for %s: %w", u, err)
		}
		storages[u] = st
	}

	client, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          storages,
		RateLimitWaitMax:  opts.UnknownKIDWait,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(opts.UnknownKIDInterval), 1),
	})
	if err != nil {
		return nil, fmt.Errorf("JWKS client: %w", err)
	}

	kf, err := keyfunc.New(keyfunc.Options{
		Ctx:     ctx,
		Storage: client,
	})
	if err != nil {
		return nil, fmt.Errorf("keyfunc: %w", err)
	}
	return kf, nil
}
