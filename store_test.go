package tokenx

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	_, ok := store.Load("missing")
	assert.False(t, ok)

	first := Entry{Token: "a", Window: Window{NotBefore: now, NotAfter: now.Add(time.Minute)}}
	store.Store("k", first)
	got, ok := store.Load("k")
	require.True(t, ok)
	assert.Equal(t, first, got)

	second := Entry{Token: "b", Window: Window{NotBefore: now, NotAfter: now.Add(2 * time.Minute)}}
	store.Store("k", second)
	got, _ = store.Load("k")
	assert.Equal(t, second, got)
	assert.Equal(t, 1, store.Len())

	store.Store("old", Entry{Token: "c", Window: Window{NotAfter: now.Add(-time.Second)}})
	assert.Equal(t, 1, store.Sweep(now))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_ConcurrentWriters(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	var wg sync.WaitGroup
	for n := 0; n < 32; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.Store("shared", Entry{Token: fmt.Sprintf("token-%d", n), Window: Window{NotAfter: now.Add(time.Minute)}})
			_, _ = store.Load("shared")
		}(n)
	}
	wg.Wait()

	assert.Equal(t, 1, store.Len())
	entry, ok := store.Load("shared")
	require.True(t, ok)
	assert.Contains(t, entry.Token, "token-")
}

func TestBoundedStore(t *testing.T) {
	store, err := NewBoundedStore(10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	now := time.Now()

	entry := Entry{Token: "a", Window: Window{NotBefore: now, NotAfter: now.Add(time.Minute)}}
	store.Store("k", entry)
	got, ok := store.Load("k")
	require.True(t, ok)
	assert.Equal(t, entry, got)

	store.Store("expired", Entry{Token: "x", Window: Window{NotAfter: now.Add(-time.Second)}})
	_, ok = store.Load("expired")
	assert.False(t, ok)

	for n := 0; n < 100; n++ {
		store.Store(fmt.Sprintf("key-%d", n), Entry{Token: "t", Window: Window{NotAfter: now.Add(time.Minute)}})
	}
	present := 0
	for n := 0; n < 100; n++ {
		if _, ok := store.Load(fmt.Sprintf("key-%d", n)); ok {
			present++
		}
	}
	assert.LessOrEqual(t, present, 10)
}

func TestBoundedStore_LogsRejectedEntry(t *testing.T) {
	store, err := NewBoundedStore(10)
	require.NoError(t, err)
	var logs bytes.Buffer
	store.logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	require.NoError(t, store.Close())

	now := time.Now()
	store.Store("k", Entry{Token: "a", Window: Window{NotBefore: now, NotAfter: now.Add(time.Minute)}})

	_, ok := store.Load("k")
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "token cache rejected entry")
}

func TestNewBoundedStore_RejectsNonPositive(t *testing.T) {
	_, err := NewBoundedStore(0)
	assert.ErrorIs(t, err, ErrArgument)
}
