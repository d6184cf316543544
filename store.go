package tokenx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Entry is a cached token together with the window it was minted for.
type Entry struct {
	Token  string
	Window Window
}

// Store holds cached entries keyed by descriptor fingerprint.
// Implementations must be safe for concurrent use; Store replaces any
// existing entry for the key.
type Store interface {
	Load(key string) (Entry, bool)
	Store(key string, entry Entry)
}

// MemoryStore is an unbounded in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Load implements Store.
func (m *MemoryStore) Load(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok
}

// Store implements Store.
func (m *MemoryStore) Store(key string, entry Entry) {
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
}

// Len returns the number of cached entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes entries that expired at or before cutoff and reports how many were dropped.
func (m *MemoryStore) Sweep(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, entry := range m.entries {
		if !entry.Window.NotAfter.After(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// BoundedStore is a fixed-capacity Store; entries also expire with their token.
type BoundedStore struct {
	cache  *ristretto.Cache[string, Entry]
	now    func() time.Time
	logger *slog.Logger
}

// NewBoundedStore returns a store holding at most maxEntries tokens.
func NewBoundedStore(maxEntries int) (*BoundedStore, error) {
	if maxEntries <= 0 {
		return nil, newError(ErrCodeInvalidArgument, fmt.Errorf("max entries must be positive, got %d", maxEntries))
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Entry]{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize token cache: %w", err)
	}
	return &BoundedStore{cache: cache, now: time.Now, logger: slog.Default()}, nil
}

// Load implements Store.
func (b *BoundedStore) Load(key string) (Entry, bool) {
	return b.cache.Get(key)
}

// Store implements Store. An accepted entry is visible to Load once Store
// returns; the cache may still drop it under contention or after Close, in
// which case the next lookup misses and mints again.
func (b *BoundedStore) Store(key string, entry Entry) {
	ttl := entry.Window.NotAfter.Sub(b.now())
	if ttl <= 0 {
		b.cache.Del(key)
		return
	}
	if !b.cache.SetWithTTL(key, entry, 1, ttl) {
		b.logger.Debug("token cache rejected entry", slog.String("fingerprint", shortKey(key)))
		return
	}
	b.cache.Wait()
}

// Close releases the cache's background goroutines.
func (b *BoundedStore) Close() error {
	b.cache.Close()
	return nil
}
