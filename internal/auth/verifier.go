// Package auth verifies bearer tokens presented with each ask against a
// rotating JWKS published by the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amurg-ai/askrelay/internal/metrics"
	"github.com/amurg-ai/askrelay/internal/ratelimit"
)

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrKeyResolution  = errors.New("signing key not resolved")
	ErrInvalidToken   = errors.New("invalid token")
)

// Claims are the verified claims of an accepted token.
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	KeyID     string
}

// Result is the outcome handed to the router. Failure reasons are only logged.
type Result struct {
	Authorized bool
	Subject    string
}

// Options configures verification.
type Options struct {
	Issuer     string
	Audience   string
	Algorithms []string // default RS256

	// At most MissBurst lookups per unresolved kid per MissWindow reach the
	// key set. Zero disables the limit.
	MissBurst  int
	MissWindow time.Duration

	Leeway time.Duration
}

// Verifier checks tokens against a key set.
type Verifier struct {
	keys    keyfunc.Keyfunc
	misses  *ratelimit.Keyed
	parser  *jwt.Parser
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewVerifier creates a Verifier backed by keys.
func NewVerifier(keys keyfunc.Keyfunc, opts Options, m *metrics.Metrics, logger *slog.Logger) *Verifier {
	algs := opts.Algorithms
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(opts.Issuer),
		jwt.WithAudience(opts.Audience),
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}

	v := &Verifier{
		keys:    keys,
		parser:  jwt.NewParser(parserOpts...),
		metrics: m,
		logger:  logger.With("component", "auth"),
	}
	if opts.MissBurst > 0 && opts.MissWindow > 0 {
		v.misses = ratelimit.NewKeyed(ratelimit.Per(opts.MissBurst, opts.MissWindow), opts.MissBurst)
	}
	return v
}

// Authenticate reports whether token is acceptable. Every failure collapses
// into Authorized == false.
func (v *Verifier) Authenticate(ctx context.Context, token string) Result {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		reason := failureReason(err)
		v.metrics.AuthFailed(reason)
		v.logger.Info("token rejected", "reason", reason, "error", err)
		return Result{}
	}
	return Result{Authorized: true, Subject: claims.Subject}
}

// Verify validates token and returns its claims. Errors wrap one of
// ErrMalformedToken, ErrKeyResolution or ErrInvalidToken.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrMalformedToken)
	}

	if err := v.resolve(ctx, kid); err != nil {
		return nil, err
	}

	var rc jwt.RegisteredClaims
	parsed, err := v.parser.ParseWithClaims(token, &rc, v.keys.KeyfuncCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	c := &Claims{
		Subject:  rc.Subject,
		Issuer:   rc.Issuer,
		Audience: rc.Audience,
		KeyID:    kid,
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// resolve makes sure the key set holds kid. Lookups of a kid that keeps
// missing are throttled so a flood of forged kids cannot hammer the IdP.
func (v *Verifier) resolve(ctx context.Context, kid string) error {
	if v.misses != nil && !v.misses.Allow(kid) {
		return fmt.Errorf("%w: kid %q lookups throttled", ErrKeyResolution, kid)
	}
	if _, err := v.keys.Storage().KeyRead(ctx, kid); err != nil {
		return fmt.Errorf("%w: kid %q: %v", ErrKeyResolution, kid, err)
	}
	if v.misses != nil {
		v.misses.Forget(kid)
	}
	return nil
}

// Misses exposes the per-kid limiter so its idle entries can be swept.
func (v *Verifier) Misses() *ratelimit.Keyed {
	return v.misses
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrKeyResolution):
		return "key_resolution"
	default:
		return "invalid_token"
	}
}
