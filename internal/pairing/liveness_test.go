package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termlink/broker/internal/store"
)

func newTestLiveness(t *testing.T) (*Liveness, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	lv := NewLiveness(store.NewMemoryStore(), LivenessConfig{})
	lv.now = clk.Now
	return lv, clk
}

func TestUnknownRunnerIsOffline(t *testing.T) {
	ctx := context.Background()
	lv, _ := newTestLiveness(t)

	online, err := lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeatKeepsRunnerOnline(t *testing.T) {
	ctx := context.Background()
	lv, clk := newTestLiveness(t)

	require.NoError(t, lv.Heartbeat(ctx, "runner-1"))

	online, err := lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.True(t, online)

	// Still inside the window.
	clk.Advance(DefaultOnlineWindow - time.Millisecond)
	online, err = lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.True(t, online)

	// Exactly the window's age counts as offline.
	clk.Advance(time.Millisecond)
	online, err = lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeatRefreshesWindow(t *testing.T) {
	ctx := context.Background()
	lv, clk := newTestLiveness(t)

	require.NoError(t, lv.Heartbeat(ctx, "runner-1"))
	clk.Advance(25 * time.Second)
	require.NoError(t, lv.Heartbeat(ctx, "runner-1"))
	clk.Advance(25 * time.Second)

	online, err := lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.True(t, online)
}

func TestClearTakesRunnerOffline(t *testing.T) {
	ctx := context.Background()
	lv, _ := newTestLiveness(t)

	require.NoError(t, lv.Heartbeat(ctx, "runner-1"))
	require.NoError(t, lv.Clear(ctx, "runner-1"))

	online, err := lv.Online(ctx, "runner-1")
	require.NoError(t, err)
	assert.False(t, online)
}
