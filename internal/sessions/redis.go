package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis driver.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string // key prefix without the trailing colon
}

// RedisStore implements Store on redis. Records carry a native key TTL, so
// PurgeExpired has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

var _ Store = (*RedisStore)(nil)

type redisRecord struct {
	ConnectionID        string `json:"connectionId"`
	DownstreamSessionID string `json:"downstreamSessionId"`
	ExpiresAt           int64  `json:"expiresAt"`
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, ro RedisOptions, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Username: ro.Username,
		Password: ro.Password,
		DB:       ro.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := ro.Prefix
	if prefix == "" {
		prefix = "askrelay:session"
	}
	return &RedisStore{
		client: client,
		prefix: prefix + ":",
		opts:   opts.withDefaults(),
	}, nil
}

func (s *RedisStore) key(connID string) string {
	return s.prefix + connID
}

func (s *RedisStore) Get(ctx context.Context, connID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.key(connID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrPersistence, err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrPersistence, err)
	}
	if !live(rec.ExpiresAt, s.opts.Now()) {
		return nil, nil
	}
	return &Session{
		ConnectionID:        rec.ConnectionID,
		DownstreamSessionID: rec.DownstreamSessionID,
		ExpiresAt:           time.Unix(rec.ExpiresAt, 0),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	expiresAt := s.opts.expiry(s.opts.Now())
	data, err := json.Marshal(redisRecord{
		ConnectionID:        sess.ConnectionID,
		DownstreamSessionID: sess.DownstreamSessionID,
		ExpiresAt:           expiresAt,
	})
	if err != nil {
		return fmt.Errorf("%w: encode session: %v", ErrPersistence, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ConnectionID), data, s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("%w: put session: %v", ErrPersistence, err)
	}
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return nil
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
