// Package sessions persists the mapping from a client connection to the
// generation backend's session identifier.
package sessions

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a session survives after its last write.
const DefaultTTL = 7 * 24 * time.Hour

// ErrPersistence wraps every storage failure.
var ErrPersistence = errors.New("session persistence failed")

// Session correlates a connection with the backend's conversation.
type Session struct {
	ConnectionID        string    `json:"connectionId"`
	DownstreamSessionID string    `json:"downstreamSessionId"`
	ExpiresAt           time.Time `json:"-"`
}

// Store is the session persistence interface.
type Store interface {
	// Get returns the live session for connID, or (nil, nil) when there is
	// none or it has expired.
	Get(ctx context.Context, connID string) (*Session, error)
	// Put upserts sess keyed by its ConnectionID and sets ExpiresAt to now+TTL.
	Put(ctx context.Context, sess *Session) error
	// PurgeExpired deletes expired records and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options are shared by all drivers.
type Options struct {
	TTL time.Duration
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// expiry returns the epoch second at which a record written at now expires.
func (o Options) expiry(now time.Time) int64 {
	return now.Add(o.TTL).Unix()
}

// live reports whether a record expiring at expiresAt is still present at now.
func live(expiresAt int64, now time.Time) bool {
	return now.Unix() < expiresAt
}
