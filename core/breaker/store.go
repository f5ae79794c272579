package breaker

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Store is the shared counter store the breaker keeps its state in. Every
// worker pointing at the same store observes the same breaker.
//
// Increment and CompareAndSwap must be atomic in the backing store.
type Store interface {
	// Get returns the value for key and whether it exists
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A ttl of zero never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment adds one to the integer under key, initializing a missing
	// key to 1 with the given ttl, and returns the new value
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndSwap replaces old with new. An empty old means the key
	// must not exist.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)
	// Delete removes key
	Delete(ctx context.Context, key string) error
}

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
)

// OpenStore creates the store for backend. db is used by the postgres
// backend and js by the nats backend.
func OpenStore(ctx context.Context, backend string, db *sql.DB, js nats.JetStreamContext, bucket string, expiry time.Duration) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("postgres breaker store requires a database")
		}
		return NewPostgresStore(db), nil
	case BackendNATS:
		if js == nil {
			return nil, fmt.Errorf("nats breaker store requires a JetStream context")
		}
		return OpenNATSStore(ctx, js, bucket, expiry)
	default:
		return nil, fmt.Errorf("unknown breaker store %q", backend)
	}
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore is a process-local Store. It only shares state between
// breakers in the same process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// lookup must be called with the lock held
func (s *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

// Set implements Store
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expires: s.expiry(ttl)}
	return nil
}

// Increment implements Store. An existing key keeps its expiry.
func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		s.entries[key] = memoryEntry{value: "1", expires: s.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.entries[key] = e
	return n, nil
}

// CompareAndSwap implements Store
func (s *MemoryStore) CompareAndSwap(_ context.Context, key, old, new string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if old == "" {
		if ok {
			return false, nil
		}
	} else if !ok || e.value != old {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: new, expires: s.expiry(ttl)}
	return true, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
