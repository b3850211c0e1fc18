package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/termlink/broker/internal/store"
)

// Binding records one App paired to one Runner. An App has at most one
// binding; a Runner fans out to every App bound to it.
type Binding struct {
	AppID    string `json:"app_id"`
	RunnerID string `json:"runner_id"`
	Code     string `json:"code"`
	PairedAt int64  `json:"paired_at"` // epoch ms
}

// Sessions stores bindings and the per-Runner fan-out sets. Bindings have
// no TTL: they live until the App unpairs or the Runner disconnects.
type Sessions struct {
	store store.Store
	now   func() time.Time
}

func NewSessions(s store.Store) *Sessions {
	return &Sessions{store: s, now: time.Now}
}

// Create binds an App to a Runner, replacing any previous binding the App
// held. The old Runner's fan-out set is cleaned up on replacement.
func (ss *Sessions) Create(ctx context.Context, appID, runnerID, code string) (*Binding, error) {
	if old, err := ss.Get(ctx, appID); err == nil && old.RunnerID != runnerID {
		if err := ss.store.SRem(ctx, appsKey(old.RunnerID), appID); err != nil {
			return nil, fmt.Errorf("leave old fan-out set: %w", err)
		}
	} else if err != nil && !errors.Is(err, ErrNotPaired) {
		return nil, err
	}

	b := &Binding{
		AppID:    appID,
		RunnerID: runnerID,
		Code:     code,
		PairedAt: ss.now().UnixMilli(),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal binding: %w", err)
	}
	if err := ss.store.Set(ctx, sessionKey(appID), raw, 0); err != nil {
		return nil, fmt.Errorf("write binding: %w", err)
	}
	if err := ss.store.SAdd(ctx, appsKey(runnerID), appID); err != nil {
		return nil, fmt.Errorf("join fan-out set: %w", err)
	}
	return b, nil
}

// Get returns the App's binding, or ErrNotPaired.
func (ss *Sessions) Get(ctx context.Context, appID string) (*Binding, error) {
	raw, err := ss.store.Get(ctx, sessionKey(appID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotPaired
	}
	if err != nil {
		return nil, fmt.Errorf("load binding: %w", err)
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("unmarshal binding: %w", err)
	}
	return &b, nil
}

// Remove deletes the App's binding and returns what it pointed at, or
// ErrNotPaired.
func (ss *Sessions) Remove(ctx context.Context, appID string) (*Binding, error) {
	b, err := ss.Get(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := ss.store.Del(ctx, sessionKey(appID)); err != nil {
		return nil, fmt.Errorf("delete binding: %w", err)
	}
	if err := ss.store.SRem(ctx, appsKey(b.RunnerID), appID); err != nil {
		return nil, fmt.Errorf("leave fan-out set: %w", err)
	}
	return b, nil
}

// AppsOf returns the Apps currently bound to a Runner.
func (ss *Sessions) AppsOf(ctx context.Context, runnerID string) ([]string, error) {
	members, err := ss.store.SMembers(ctx, appsKey(runnerID))
	if err != nil {
		return nil, fmt.Errorf("load fan-out set: %w", err)
	}
	return members, nil
}

// RemoveAllFor purges every binding pointing at a Runner and returns the
// affected App IDs. Apps that re-paired elsewhere keep their new binding;
// only their stale fan-out membership is dropped.
func (ss *Sessions) RemoveAllFor(ctx context.Context, runnerID string) ([]string, error) {
	members, err := ss.AppsOf(ctx, runnerID)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(members))
	for _, appID := range members {
		b, err := ss.Get(ctx, appID)
		switch {
		case errors.Is(err, ErrNotPaired):
		case err != nil:
			return removed, err
		case b.RunnerID == runnerID:
			if err := ss.store.Del(ctx, sessionKey(appID)); err != nil {
				return removed, fmt.Errorf("delete binding: %w", err)
			}
			removed = append(removed, appID)
		}
	}
	if err := ss.store.Del(ctx, appsKey(runnerID)); err != nil {
		return removed, fmt.Errorf("delete fan-out set: %w", err)
	}
	return removed, nil
}

// IsPairedWith reports whether the App's current binding points at the
// Runner. This is the gate in front of terminal bridging.
func (ss *Sessions) IsPairedWith(ctx context.Context, appID, runnerID string) (bool, error) {
	b, err := ss.Get(ctx, appID)
	if errors.Is(err, ErrNotPaired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.RunnerID == runnerID, nil
}
