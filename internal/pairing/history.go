package pairing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/termlink/broker/internal/store"
)

// DefaultHistoryMax caps the per-App history list.
const DefaultHistoryMax = 1000

// History event types.
const (
	EntryPaired             = "paired"
	EntryUnpaired           = "unpaired"
	EntryPairFailed         = "pair_failed"
	EntryRunnerDisconnected = "runner_disconnected"
)

// Event is one entry in an App's pairing history.
type Event struct {
	Type     string `json:"type"`
	AppID    string `json:"app_id"`
	RunnerID string `json:"runner_id,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	At       int64  `json:"at"` // epoch ms
}

// History keeps a capped, newest-first log of pairing events per App. The
// push and the trim are one atomic store operation, so the list never
// observably exceeds its cap.
type History struct {
	store store.Store
	max   int64
	now   func() time.Time
}

func NewHistory(s store.Store, max int64) *History {
	if max == 0 {
		max = DefaultHistoryMax
	}
	return &History{store: s, max: max, now: time.Now}
}

// Record appends an event to the owning App's history. A zero At is
// stamped with the current time.
func (h *History) Record(ctx context.Context, ev Event) error {
	if ev.At == 0 {
		ev.At = h.now().UnixMilli()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}
	if err := h.store.LPushTrim(ctx, historyKey(ev.AppID), raw, h.max); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 means the
// full capped list. Entries that fail to decode are skipped.
func (h *History) Recent(ctx context.Context, appID string, limit int64) ([]Event, error) {
	if limit <= 0 || limit > h.max {
		limit = h.max
	}
	raws, err := h.store.LRange(ctx, historyKey(appID), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
