package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/termlink/broker/internal/store"
)

const (
	// DefaultFailureWindow is the sliding window failures are counted in.
	DefaultFailureWindow = 60 * time.Second
	// DefaultMaxFailures is the count that triggers a ban.
	DefaultMaxFailures = 5
	// DefaultBan is how long a banned App stays locked out.
	DefaultBan = 300 * time.Second
)

// Limits tunes the Limiter. Zero values take the defaults.
type Limits struct {
	Window      time.Duration
	MaxFailures int64
	Ban         time.Duration
}

// Limiter counts failed pair attempts per App in a sliding window and
// bans the App once the window fills up.
//
// Each failure is a sorted-set member scored by its timestamp. Members
// carry a random suffix so two failures in the same millisecond, possibly
// recorded by different broker instances, never collapse into one.
type Limiter struct {
	store  store.Store
	limits Limits
	now    func() time.Time
}

func NewLimiter(s store.Store, limits Limits) *Limiter {
	if limits.Window == 0 {
		limits.Window = DefaultFailureWindow
	}
	if limits.MaxFailures == 0 {
		limits.MaxFailures = DefaultMaxFailures
	}
	if limits.Ban == 0 {
		limits.Ban = DefaultBan
	}
	return &Limiter{store: s, limits: limits, now: time.Now}
}

// RecordFailure counts one failed attempt and reports whether it tipped
// the App into a ban.
func (l *Limiter) RecordFailure(ctx context.Context, appID string) (bool, error) {
	nowMs := l.now().UnixMilli()
	key := failuresKey(appID)

	cutoff := nowMs - l.limits.Window.Milliseconds()
	if err := l.store.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
		return false, fmt.Errorf("prune failure window: %w", err)
	}

	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()
	if err := l.store.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return false, fmt.Errorf("record failure: %w", err)
	}
	// Housekeeping only; correctness comes from score pruning.
	if _, err := l.store.Expire(ctx, key, l.limits.Window); err != nil {
		return false, fmt.Errorf("expire failure window: %w", err)
	}

	n, err := l.store.ZCard(ctx, key)
	if err != nil {
		return false, fmt.Errorf("count failures: %w", err)
	}
	if n < l.limits.MaxFailures {
		return false, nil
	}

	banUntil := strconv.FormatInt(nowMs+l.limits.Ban.Milliseconds(), 10)
	if err := l.store.Set(ctx, banKey(appID), []byte(banUntil), l.limits.Ban); err != nil {
		return false, fmt.Errorf("write ban: %w", err)
	}
	return true, nil
}

// Banned returns the remaining ban window for an App, if any.
func (l *Limiter) Banned(ctx context.Context, appID string) (time.Duration, bool, error) {
	raw, err := l.store.Get(ctx, banKey(appID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load ban: %w", err)
	}
	banUntil, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse ban deadline: %w", err)
	}
	remaining := banUntil - l.now().UnixMilli()
	if remaining <= 0 {
		return 0, false, nil
	}
	return time.Duration(remaining) * time.Millisecond, true, nil
}

// Reset clears the App's failure window. Called on a successful pair. An
// active ban is left to run out on its own; success only empties the
// counter behind it.
func (l *Limiter) Reset(ctx context.Context, appID string) error {
	if err := l.store.Del(ctx, failuresKey(appID)); err != nil {
		return fmt.Errorf("reset limiter: %w", err)
	}
	return nil
}
