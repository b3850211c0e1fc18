package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// faultyStore passes through to a MemoryStore until failing is set,
// then every overridden call reports a backend fault.
type faultyStore struct {
	*MemoryStore
	failing atomic.Bool
	calls   atomic.Int64
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: NewMemoryStore()}
}

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls.Add(1)
	if f.failing.Load() {
		return nil, errBackend
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.calls.Add(1)
	if f.failing.Load() {
		return errBackend
	}
	return f.MemoryStore.Set(ctx, key, value, ttl)
}

func TestBreakerTripsAfterConsecutiveFaults(t *testing.T) {
	f := newFaultyStore()
	b := WithBreaker(f, BreakerConfig{})
	ctx := context.Background()

	f.failing.Store(true)
	for i := 0; i < 5; i++ {
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, BreakerOpen, b.State())

	// Open circuit fails fast without reaching the backend.
	before := f.calls.Load()
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, before, f.calls.Load())
}

func TestBreakerNotFoundIsNotAFault(t *testing.T) {
	f := newFaultyStore()
	b := WithBreaker(f, BreakerConfig{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := b.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerSporadicFaultsStayClosed(t *testing.T) {
	f := newFaultyStore()
	b := WithBreaker(f, BreakerConfig{})
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	for i := 0; i < 10; i++ {
		f.failing.Store(true)
		_, err := b.Get(ctx, "k")
		require.ErrorIs(t, err, errBackend)

		// A success in between resets the consecutive-failure streak.
		f.failing.Store(false)
		_, err = b.Get(ctx, "k")
		require.NoError(t, err)
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	f := newFaultyStore()
	b := WithBreaker(f, BreakerConfig{Cooldown: 50 * time.Millisecond, MaxProbes: 2})
	ctx := context.Background()

	f.failing.Store(true)
	for i := 0; i < 5; i++ {
		b.Get(ctx, "k")
	}
	require.Equal(t, BreakerOpen, b.State())

	f.failing.Store(false)
	time.Sleep(80 * time.Millisecond)

	// The configured number of consecutive probe successes closes the
	// circuit again.
	require.NoError(t, b.Set(ctx, "k", []byte("v"), 0))
	_, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	f := newFaultyStore()
	b := WithBreaker(f, BreakerConfig{Cooldown: 50 * time.Millisecond})
	ctx := context.Background()

	f.failing.Store(true)
	for i := 0; i < 5; i++ {
		b.Get(ctx, "k")
	}
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(80 * time.Millisecond)

	// Backend still down: the probe fails and the circuit snaps open
	// for another full cooldown.
	_, err := b.Get(ctx, "k")
	require.ErrorIs(t, err, errBackend)
	require.Equal(t, BreakerOpen, b.State())

	_, err = b.Get(ctx, "k")
	require.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerNotifiesTransitions(t *testing.T) {
	f := newFaultyStore()
	transitions := make(chan [2]BreakerState, 8)
	b := WithBreaker(f, BreakerConfig{
		OnStateChange: func(from, to BreakerState) {
			transitions <- [2]BreakerState{from, to}
		},
	})
	ctx := context.Background()

	f.failing.Store(true)
	for i := 0; i < 5; i++ {
		b.Get(ctx, "k")
	}

	select {
	case tr := <-transitions:
		assert.Equal(t, BreakerClosed, tr[0])
		assert.Equal(t, BreakerOpen, tr[1])
	case <-time.After(time.Second):
		t.Fatal("no transition notification")
	}
}
