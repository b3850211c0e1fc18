package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termlink/broker/internal/store"
)

func newTestAllocator(t *testing.T) (*Allocator, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	a := NewAllocator(store.NewMemoryStore(), AllocatorConfig{})
	a.now = clk.Now
	return a, clk
}

func TestValidCodeFormat(t *testing.T) {
	valid := []string{"ABC-123-XYZ", "000-000-000", "ZZZ-ZZZ-ZZZ", "A1B-2C3-D4E"}
	for _, code := range valid {
		assert.True(t, ValidCodeFormat(code), code)
	}

	invalid := []string{
		"",
		"abc-123-xyz",
		"ABC123XYZ",
		"AB-123-XYZ",
		"ABC-123-XY",
		"ABC-123-XYZ-9",
		"AB!-123-XYZ",
		" ABC-123-XYZ",
	}
	for _, code := range invalid {
		assert.False(t, ValidCodeFormat(code), code)
	}
}

func TestGenerateCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.True(t, ValidCodeFormat(code), code)
		assert.False(t, seen[code], "repeated code %s", code)
		seen[code] = true
	}
}

func TestRegisterClaimsCode(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))

	code, err := a.CodeOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC-123-XYZ", code)

	entry, err := a.Validate(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, "runner-1", entry.RunnerID)
	assert.Equal(t, int64(0), entry.UsedCount)
	assert.Equal(t, clk.Now().UnixMilli(), entry.CreatedAt)
	assert.Equal(t, clk.Now().Add(DefaultCodeTTL).UnixMilli(), entry.ExpiresAt)
}

func TestRegisterRejectsClaimedCode(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))
	err := a.Register(ctx, "runner-2", "ABC-123-XYZ")
	require.ErrorIs(t, err, ErrDuplicateCode)

	// The loser holds nothing.
	_, err = a.CodeOf(ctx, "runner-2")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	entry, err := a.Validate(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, "runner-1", entry.RunnerID)
}

func TestReRegisterOwnCodeRefreshes(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))
	clk.Advance(10 * time.Hour)
	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))

	entry, err := a.Validate(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(DefaultCodeTTL).UnixMilli(), entry.ExpiresAt)
}

func TestRegisterReclaimsExpiredCode(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))
	clk.Advance(DefaultCodeTTL + time.Minute)

	require.NoError(t, a.Register(ctx, "runner-2", "ABC-123-XYZ"))

	entry, err := a.Validate(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, "runner-2", entry.RunnerID)

	// The stale owner's index went with the stale claim.
	_, err = a.CodeOf(ctx, "runner-1")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRegisterRetiresPreviousCode(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "AAA-AAA-AAA"))
	require.NoError(t, a.Register(ctx, "runner-1", "BBB-BBB-BBB"))

	code, err := a.CodeOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, "BBB-BBB-BBB", code)

	_, err = a.Validate(ctx, "AAA-AAA-AAA")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRegisterNewAllocates(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	code, err := a.RegisterNew(ctx, "runner-1")
	require.NoError(t, err)
	assert.True(t, ValidCodeFormat(code), code)

	entry, err := a.Validate(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "runner-1", entry.RunnerID)

	got, err := a.CodeOf(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, code, got)
}

func TestValidateMissingCode(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	_, err := a.Validate(ctx, "NOP-NOP-NOP")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestValidateSweepsExpiredCode(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))
	clk.Advance(DefaultCodeTTL)

	_, err := a.Validate(ctx, "ABC-123-XYZ")
	require.ErrorIs(t, err, ErrCodeExpired)

	// Swept on first sight; a second look reports it gone.
	_, err = a.Validate(ctx, "ABC-123-XYZ")
	assert.ErrorIs(t, err, ErrCodeNotFound)
	_, err = a.CodeOf(ctx, "runner-1")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestMarkUsedPinsCode(t *testing.T) {
	ctx := context.Background()
	a, clk := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))

	used, err := a.MarkUsed(ctx, "ABC-123-XYZ", "runner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), used)

	// A used code outlives the unused-code window.
	clk.Advance(DefaultCodeTTL * 2)
	entry, err := a.Validate(ctx, "ABC-123-XYZ")
	require.NoError(t, err)
	assert.Equal(t, int64(0), entry.ExpiresAt)
	assert.Equal(t, int64(1), entry.UsedCount)

	used, err = a.MarkUsed(ctx, "ABC-123-XYZ", "runner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestReleaseRunner(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAllocator(t)

	require.NoError(t, a.Register(ctx, "runner-1", "ABC-123-XYZ"))

	code, err := a.ReleaseRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC-123-XYZ", code)

	_, err = a.Validate(ctx, "ABC-123-XYZ")
	assert.ErrorIs(t, err, ErrCodeNotFound)
	_, err = a.CodeOf(ctx, "runner-1")
	assert.ErrorIs(t, err, ErrCodeNotFound)

	// Releasing a Runner with no code is a no-op.
	code, err = a.ReleaseRunner(ctx, "runner-1")
	require.NoError(t, err)
	assert.Empty(t, code)
}
