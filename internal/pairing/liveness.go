package pairing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/termlink/broker/internal/store"
)

const (
	// HeartbeatInterval is how often a connected Runner is expected to
	// send runner:heartbeat.
	HeartbeatInterval = 10 * time.Second
	// DefaultOnlineWindow is how stale a heartbeat may be before the
	// Runner counts as offline.
	DefaultOnlineWindow = 30 * time.Second
	// DefaultLivenessTTL garbage-collects the key well after the online
	// window has closed.
	DefaultLivenessTTL = 60 * time.Second
)

// LivenessConfig tunes the tracker. Zero values take the defaults.
type LivenessConfig struct {
	OnlineWindow time.Duration
	TTL          time.Duration
}

// Liveness tracks the last heartbeat per Runner in the shared store, so a
// pair attempt on any broker instance sees the Runner's freshness no
// matter which instance holds its socket.
type Liveness struct {
	store  store.Store
	window time.Duration
	ttl    time.Duration
	now    func() time.Time
}

func NewLiveness(s store.Store, cfg LivenessConfig) *Liveness {
	if cfg.OnlineWindow == 0 {
		cfg.OnlineWindow = DefaultOnlineWindow
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultLivenessTTL
	}
	return &Liveness{store: s, window: cfg.OnlineWindow, ttl: cfg.TTL, now: time.Now}
}

// Heartbeat stamps the Runner as alive now.
func (lv *Liveness) Heartbeat(ctx context.Context, runnerID string) error {
	nowMs := strconv.FormatInt(lv.now().UnixMilli(), 10)
	if err := lv.store.Set(ctx, liveKey(runnerID), []byte(nowMs), lv.ttl); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Online reports whether the Runner heartbeated within the online window.
func (lv *Liveness) Online(ctx context.Context, runnerID string) (bool, error) {
	raw, err := lv.store.Get(ctx, liveKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load heartbeat: %w", err)
	}
	lastMs, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse heartbeat: %w", err)
	}
	return lv.now().UnixMilli()-lastMs < lv.window.Milliseconds(), nil
}

// Clear drops the Runner's heartbeat so it reads offline immediately.
// Called on disconnect.
func (lv *Liveness) Clear(ctx context.Context, runnerID string) error {
	if err := lv.store.Del(ctx, liveKey(runnerID)); err != nil {
		return fmt.Errorf("clear heartbeat: %w", err)
	}
	return nil
}
