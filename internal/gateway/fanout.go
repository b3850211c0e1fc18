package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/wire"
)

// runnerStateChannel carries runner:online / runner:offline fan-out
// between broker instances. Every instance, the publisher included,
// receives each event through its subscription and delivers to the
// sockets it owns.
const runnerStateChannel = "pairing:events:runner-state"

// runnerStateEvent is the bus payload. AppIDs snapshots the recipients
// at publish time: for an offline event the bindings are already gone
// by the time the event lands, so receivers cannot resolve them.
type runnerStateEvent struct {
	Event    string   `json:"event"`
	RunnerID string   `json:"runnerId"`
	AppIDs   []string `json:"appIds"`
}

// publishRunnerState fans a liveness transition out to the Runner's
// bound Apps on every instance. A nil recipient list is resolved from
// the fan-out set. If the publish fails, delivery degrades to the local
// instance rather than being lost.
func (g *Gateway) publishRunnerState(ctx context.Context, event, runnerID string, appIDs []string) {
	if appIDs == nil {
		var err error
		appIDs, err = g.sessions.AppsOf(ctx, runnerID)
		if err != nil {
			slog.Warn("fan-out recipient lookup failed", "runner_id", runnerID, "error", err)
			return
		}
	}
	if len(appIDs) == 0 {
		return
	}

	evt := runnerStateEvent{Event: event, RunnerID: runnerID, AppIDs: appIDs}
	payload, err := json.Marshal(evt)
	if err != nil {
		slog.Error("fan-out marshal failed", "error", err)
		return
	}
	if err := g.store.Publish(ctx, runnerStateChannel, payload); err != nil {
		slog.Warn("fan-out publish failed, delivering locally", "error", err)
		g.deliverRunnerState(&evt)
	}
}

// handleRunnerStateMessage is the subscription callback for
// runnerStateChannel.
func (g *Gateway) handleRunnerStateMessage(payload []byte) {
	var evt runnerStateEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		slog.Warn("dropping malformed fan-out event", "error", err)
		return
	}
	g.deliverRunnerState(&evt)
}

func (g *Gateway) deliverRunnerState(evt *runnerStateEvent) {
	msg := wire.MustMessage(evt.Event, wire.RunnerState{RunnerID: evt.RunnerID})
	delivered := 0
	for _, appID := range evt.AppIDs {
		s, ok := g.registry.Get(registry.Identity{Role: registry.RoleApp, ID: appID})
		if !ok {
			continue
		}
		if s.Send(msg) {
			delivered++
		}
	}
	g.metrics.RecordFanout(strings.ReplaceAll(evt.Event, ":", "_"))
	slog.Info("runner state fanned out",
		"event", evt.Event, "runner_id", evt.RunnerID, "delivered", delivered)
}
