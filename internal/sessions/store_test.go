package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/askrelay/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness drives one driver through the shared store contract.
type harness struct {
	store   Store
	clock   *fakeClock
	advance func(time.Duration)
	purges  bool // driver deletes rows in PurgeExpired
}

func runStoreContract(t *testing.T, newHarness func(t *testing.T) *harness) {
	t.Run("missing", func(t *testing.T) {
		h := newHarness(t)
		got, err := h.store.Get(context.Background(), "conn-missing")
		if err != nil || got != nil {
			t.Fatalf("Get missing: got %+v, %v; want nil, nil", got, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		start := h.clock.Now()

		sess := &Session{ConnectionID: "conn-A", DownstreamSessionID: "sess-1"}
		if err := h.store.Put(ctx, sess); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if want := start.Add(DefaultTTL).Unix(); sess.ExpiresAt.Unix() != want {
			t.Errorf("Put ExpiresAt: got %d, want %d", sess.ExpiresAt.Unix(), want)
		}

		got, err := h.store.Get(ctx, "conn-A")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil || got.DownstreamSessionID != "sess-1" || got.ConnectionID != "conn-A" {
			t.Fatalf("Get: got %+v", got)
		}
		if got.ExpiresAt.Unix() != start.Add(DefaultTTL).Unix() {
			t.Errorf("ExpiresAt: got %v", got.ExpiresAt)
		}
	})

	t.Run("upsert refreshes ttl", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()

		if err := h.store.Put(ctx, &Session{ConnectionID: "conn-A", DownstreamSessionID: "sess-1"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		h.advance(24 * time.Hour)
		if err := h.store.Put(ctx, &Session{ConnectionID: "conn-A", DownstreamSessionID: "sess-2"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		// Past the first write's expiry, inside the second's.
		h.advance(DefaultTTL - time.Hour)

		got, err := h.store.Get(ctx, "conn-A")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil || got.DownstreamSessionID != "sess-2" {
			t.Fatalf("Get after upsert: got %+v, want sess-2", got)
		}
	})

	t.Run("ttl boundary", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.store.Put(ctx, &Session{ConnectionID: "conn-A", DownstreamSessionID: "sess-1"}); err != nil {
			t.Fatalf("Put: %v", err)
		}

		h.advance(DefaultTTL - time.Second)
		if got, err := h.store.Get(ctx, "conn-A"); err != nil || got == nil {
			t.Fatalf("Get at T+7d-1s: got %+v, %v; want present", got, err)
		}

		h.advance(2 * time.Second)
		if got, err := h.store.Get(ctx, "conn-A"); err != nil || got != nil {
			t.Fatalf("Get at T+7d+1s: got %+v, %v; want absent", got, err)
		}

		n, err := h.store.PurgeExpired(ctx)
		if err != nil {
			t.Fatalf("PurgeExpired: %v", err)
		}
		if h.purges && n != 1 {
			t.Errorf("PurgeExpired: removed %d, want 1", n)
		}
	})

	t.Run("reconnect does not inherit", func(t *testing.T) {
		h := newHarness(t)
		ctx := context.Background()
		if err := h.store.Put(ctx, &Session{ConnectionID: "conn-A", DownstreamSessionID: "sess-1"}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if got, err := h.store.Get(ctx, "conn-B"); err != nil || got != nil {
			t.Fatalf("Get other connection: got %+v, %v", got, err)
		}
	})

	t.Run("ping", func(t *testing.T) {
		h := newHarness(t)
		if err := h.store.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) *harness {
		clock := newFakeClock()
		return &harness{
			store:   NewMemory(Options{Now: clock.Now}),
			clock:   clock,
			advance: clock.Advance,
			purges:  true,
		}
	})
}

func newTestSQLite(t *testing.T, opts Options) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) *harness {
		clock := newFakeClock()
		return &harness{
			store:   newTestSQLite(t, Options{Now: clock.Now}),
			clock:   clock,
			advance: clock.Advance,
			purges:  true,
		}
	})
}

func TestSQLiteStoreInMemoryDSN(t *testing.T) {
	s, err := NewSQLite(":memory:", Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	id := uuid.NewString()
	if err := s.Put(context.Background(), &Session{ConnectionID: id, DownstreamSessionID: "sess-1"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(context.Background(), id)
	if err != nil || got == nil || got.DownstreamSessionID != "sess-1" {
		t.Fatalf("Get: got %+v, %v", got, err)
	}
}

func TestSQLiteStoreClosed(t *testing.T) {
	s := newTestSQLite(t, Options{})
	s.Close()

	err := s.Put(context.Background(), &Session{ConnectionID: "c", DownstreamSessionID: "s"})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("Put on closed store: got %v, want ErrPersistence", err)
	}
	if _, err := s.Get(context.Background(), "c"); !errors.Is(err, ErrPersistence) {
		t.Errorf("Get on closed store: got %v, want ErrPersistence", err)
	}
}

// Set ASKRELAY_TEST_POSTGRES_DSN to run against a real server.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ASKRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASKRELAY_TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) *harness {
		clock := newFakeClock()
		s, err := NewPostgres(dsn, Options{Now: clock.Now})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			_, _ = s.db.Exec("DELETE FROM relay_sessions")
			s.Close()
		})
		_, _ = s.db.Exec("DELETE FROM relay_sessions")
		return &harness{store: s, clock: clock, advance: clock.Advance, purges: true}
	})
}

func TestMemoryStoreConcurrent(t *testing.T) {
	s := NewMemory(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			for j := 0; j < 20; j++ {
				if err := s.Put(ctx, &Session{ConnectionID: id, DownstreamSessionID: fmt.Sprintf("sess-%d-%d", i, j)}); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
				got, _ := s.Get(ctx, id)
				if got == nil || got.ConnectionID != id {
					t.Errorf("Get %s: got %+v", id, got)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 50; i++ {
		got, _ := s.Get(ctx, fmt.Sprintf("conn-%d", i))
		if want := fmt.Sprintf("sess-%d-19", i); got == nil || got.DownstreamSessionID != want {
			t.Errorf("conn-%d: got %+v, want %s", i, got, want)
		}
	}
}

func TestFactory(t *testing.T) {
	s, err := New(context.Background(), config.StorageConfig{Driver: "memory"}, Options{})
	if err != nil {
		t.Fatalf("New(memory): %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("New(memory): got %T", s)
	}

	s, err = New(context.Background(), config.StorageConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "f.db")}, Options{})
	if err != nil {
		t.Fatalf("New(sqlite): %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("New(sqlite): got %T", s)
	}

	if _, err := New(context.Background(), config.StorageConfig{Driver: "mongo"}, Options{}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
