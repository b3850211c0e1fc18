package pairing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termlink/broker/internal/store"
)

func newTestSessions(t *testing.T) (*Sessions, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	ss := NewSessions(store.NewMemoryStore())
	ss.now = clk.Now
	return ss, clk
}

func TestCreateGetRemoveBinding(t *testing.T) {
	ctx := context.Background()
	ss, clk := newTestSessions(t)

	_, err := ss.Get(ctx, "app-1")
	require.ErrorIs(t, err, ErrNotPaired)

	b, err := ss.Create(ctx, "app-1", "runner-1", "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), b.PairedAt)

	got, err := ss.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "runner-1", got.RunnerID)
	assert.Equal(t, "ABC-123-XYZ", got.Code)

	apps, err := ss.AppsOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1"}, apps)

	removed, err := ss.Remove(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "runner-1", removed.RunnerID)

	_, err = ss.Get(ctx, "app-1")
	assert.ErrorIs(t, err, ErrNotPaired)
	apps, err = ss.AppsOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, apps)

	_, err = ss.Remove(ctx, "app-1")
	assert.ErrorIs(t, err, ErrNotPaired)
}

func TestRePairMovesFanOutMembership(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestSessions(t)

	_, err := ss.Create(ctx, "app-1", "runner-1", "AAA-AAA-AAA")
	require.NoError(t, err)
	_, err = ss.Create(ctx, "app-1", "runner-2", "BBB-BBB-BBB")
	require.NoError(t, err)

	apps, err := ss.AppsOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, apps)

	apps, err = ss.AppsOf(ctx, "runner-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-1"}, apps)

	b, err := ss.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "runner-2", b.RunnerID)
}

func TestMultipleAppsPerRunner(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestSessions(t)

	for _, app := range []string{"app-1", "app-2", "app-3"} {
		_, err := ss.Create(ctx, app, "runner-1", "ABC-123-XYZ")
		require.NoError(t, err)
	}

	apps, err := ss.AppsOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-1", "app-2", "app-3"}, apps)
}

func TestRemoveAllForPurgesBindings(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestSessions(t)

	_, err := ss.Create(ctx, "app-1", "runner-1", "ABC-123-XYZ")
	require.NoError(t, err)
	_, err = ss.Create(ctx, "app-2", "runner-1", "ABC-123-XYZ")
	require.NoError(t, err)

	removed, err := ss.RemoveAllFor(ctx, "runner-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-1", "app-2"}, removed)

	for _, app := range []string{"app-1", "app-2"} {
		_, err := ss.Get(ctx, app)
		assert.ErrorIs(t, err, ErrNotPaired)
	}
	apps, err := ss.AppsOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestRemoveAllForSparesRePairedApps(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestSessions(t)

	_, err := ss.Create(ctx, "app-1", "runner-1", "AAA-AAA-AAA")
	require.NoError(t, err)

	// app-1 moves on; its fan-out membership on runner-1 is already gone,
	// but simulate the stale-membership case by re-adding it directly.
	_, err = ss.Create(ctx, "app-1", "runner-2", "BBB-BBB-BBB")
	require.NoError(t, err)
	require.NoError(t, ss.store.SAdd(ctx, appsKey("runner-1"), "app-1"))

	removed, err := ss.RemoveAllFor(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	b, err := ss.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "runner-2", b.RunnerID)
}

func TestIsPairedWith(t *testing.T) {
	ctx := context.Background()
	ss, _ := newTestSessions(t)

	ok, err := ss.IsPairedWith(ctx, "app-1", "runner-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ss.Create(ctx, "app-1", "runner-1", "ABC-123-XYZ")
	require.NoError(t, err)

	ok, err = ss.IsPairedWith(ctx, "app-1", "runner-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ss.IsPairedWith(ctx, "app-1", "runner-2")
	require.NoError(t, err)
	assert.False(t, ok)
}
