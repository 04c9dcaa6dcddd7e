package sessions

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Used in tests and local
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	opts    Options
}

type memoryRecord struct {
	downstream string
	expiresAt  int64
}

func NewMemory(opts Options) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		opts:    opts.withDefaults(),
	}
}

func (s *MemoryStore) Get(_ context.Context, connID string) (*Session, error) {
	s.mu.RLock()
	rec, ok := s.records[connID]
	s.mu.RUnlock()
	if !ok || !live(rec.expiresAt, s.opts.Now()) {
		return nil, nil
	}
	return &Session{
		ConnectionID:        connID,
		DownstreamSessionID: rec.downstream,
		ExpiresAt:           time.Unix(rec.expiresAt, 0),
	}, nil
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	expiresAt := s.opts.expiry(s.opts.Now())
	s.mu.Lock()
	s.records[sess.ConnectionID] = memoryRecord{downstream: sess.DownstreamSessionID, expiresAt: expiresAt}
	s.mu.Unlock()
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.records {
		if !live(rec.expiresAt, now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }
