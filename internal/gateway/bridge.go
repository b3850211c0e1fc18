package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/wire"
)

// bridgeSession names the two parties of one terminal session. The
// table holds no transport handles: forwarding looks the live session
// up in the registry on every message, so a reconnected peer is picked
// up immediately and a stale one never receives anything.
type bridgeSession struct {
	appID    string
	runnerID string
}

type bridgeTable struct {
	mu       sync.RWMutex
	sessions map[string]bridgeSession
}

func newBridgeTable() *bridgeTable {
	return &bridgeTable{sessions: make(map[string]bridgeSession)}
}

func (t *bridgeTable) open(sessionID, appID, runnerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[sessionID] = bridgeSession{appID: appID, runnerID: runnerID}
}

func (t *bridgeTable) lookup(sessionID string) (bridgeSession, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bs, ok := t.sessions[sessionID]
	return bs, ok
}

func (t *bridgeTable) drop(sessionID string) (bridgeSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	return bs, ok
}

// dropWhere removes and returns every session the predicate matches.
func (t *bridgeTable) dropWhere(match func(bridgeSession) bool) map[string]bridgeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := make(map[string]bridgeSession)
	for id, bs := range t.sessions {
		if match(bs) {
			dropped[id] = bs
			delete(t.sessions, id)
		}
	}
	return dropped
}

func (t *bridgeTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// handleConnectRunner opens a terminal session. The pairing check runs
// against the store on every request and is never cached; a binding
// dropped a millisecond ago already closes this door.
func (g *Gateway) handleConnectRunner(c *conn, id registry.Identity, msg *wire.Message) {
	ctx := context.Background()

	var req wire.ConnectRunner
	if err := msg.DecodeData(&req); err != nil || req.RunnerID == "" {
		c.Send(wire.NewError(wire.EventConnectRunnerError, wire.ErrInvalidFormat, "runnerId is required"))
		return
	}

	paired, err := g.sessions.IsPairedWith(ctx, id.ID, req.RunnerID)
	if err != nil {
		slog.Error("pairing check failed", "app_id", id.ID, "runner_id", req.RunnerID, "error", err)
		c.Send(wire.NewError(wire.EventConnectRunnerError, wire.ErrNetwork, "pairing check temporarily unavailable"))
		return
	}
	if !paired {
		slog.Warn("connect_runner rejected", "app_id", id.ID, "runner_id", req.RunnerID, "reason", wire.ErrNotPaired)
		c.Send(wire.NewError(wire.EventConnectRunnerError, wire.ErrNotPaired, "not paired with this runner"))
		return
	}

	target, ok := g.registry.Get(registry.Identity{Role: registry.RoleRunner, ID: req.RunnerID})
	if !ok {
		c.Send(wire.NewError(wire.EventConnectRunnerError, wire.ErrRunnerOffline, "runner transport not attached"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	g.bridges.open(sessionID, id.ID, req.RunnerID)
	g.metrics.BridgeOpened()

	target.Send(wire.MustMessage(wire.EventConnectRunner, wire.BridgeOpen{
		AppID:     id.ID,
		SessionID: sessionID,
	}))
	c.Send(wire.MustMessage(wire.EventConnectRunnerSuccess, wire.ConnectRunnerSuccess{
		RunnerID:  req.RunnerID,
		SessionID: sessionID,
	}))
	slog.Info("bridge session opened", "session_id", sessionID, "app_id", id.ID, "runner_id", req.RunnerID)
}

// forwardFromApp relays terminal_input and terminal_resize to the
// session's Runner. The envelope passes through untouched; only the
// sessionId is read, and the sender must be the session's App.
func (g *Gateway) forwardFromApp(id registry.Identity, msg *wire.Message) {
	var ref wire.SessionRef
	if err := msg.DecodeData(&ref); err != nil || ref.SessionID == "" {
		return
	}
	bs, ok := g.bridges.lookup(ref.SessionID)
	if !ok || bs.appID != id.ID {
		slog.Info("dropping frame for unknown session", "session_id", ref.SessionID, "from", id.String())
		return
	}
	target, ok := g.registry.Get(registry.Identity{Role: registry.RoleRunner, ID: bs.runnerID})
	if !ok {
		return
	}
	if target.Send(msg) {
		g.metrics.RecordBridgeMessage("to_runner")
	}
}

// forwardFromRunner relays terminal_output to the session's App. Output
// that arrives while the App has no attached transport is dropped.
func (g *Gateway) forwardFromRunner(id registry.Identity, msg *wire.Message) {
	var ref wire.SessionRef
	if err := msg.DecodeData(&ref); err != nil || ref.SessionID == "" {
		return
	}
	bs, ok := g.bridges.lookup(ref.SessionID)
	if !ok || bs.runnerID != id.ID {
		slog.Info("dropping frame for unknown session", "session_id", ref.SessionID, "from", id.String())
		return
	}
	target, ok := g.registry.Get(registry.Identity{Role: registry.RoleApp, ID: bs.appID})
	if !ok {
		return
	}
	if target.Send(msg) {
		g.metrics.RecordBridgeMessage("to_app")
	}
}

// handleSessionEnded closes a session at either party's request and
// relays the notice to the other side.
func (g *Gateway) handleSessionEnded(id registry.Identity, msg *wire.Message) {
	var req wire.SessionEnded
	if err := msg.DecodeData(&req); err != nil || req.SessionID == "" {
		return
	}
	bs, ok := g.bridges.lookup(req.SessionID)
	if !ok {
		return
	}

	var other registry.Identity
	switch {
	case id.Role == registry.RoleApp && bs.appID == id.ID:
		other = registry.Identity{Role: registry.RoleRunner, ID: bs.runnerID}
	case id.Role == registry.RoleRunner && bs.runnerID == id.ID:
		other = registry.Identity{Role: registry.RoleApp, ID: bs.appID}
	default:
		slog.Info("ignoring session_ended from non-party", "session_id", req.SessionID, "from", id.String())
		return
	}

	if _, ok := g.bridges.drop(req.SessionID); !ok {
		return
	}
	g.metrics.BridgeClosed()

	if target, ok := g.registry.Get(other); ok {
		target.Send(msg)
	}
	slog.Info("bridge session ended", "session_id", req.SessionID, "by", id.String(), "reason", req.Reason)
}

func (g *Gateway) closeBridgesForRunner(runnerID, reason string) {
	dropped := g.bridges.dropWhere(func(bs bridgeSession) bool { return bs.runnerID == runnerID })
	for sessionID, bs := range dropped {
		g.metrics.BridgeClosed()
		g.notifySessionEnded(registry.Identity{Role: registry.RoleApp, ID: bs.appID}, sessionID, reason)
	}
}

func (g *Gateway) closeBridgesForApp(appID, reason string) {
	dropped := g.bridges.dropWhere(func(bs bridgeSession) bool { return bs.appID == appID })
	for sessionID, bs := range dropped {
		g.metrics.BridgeClosed()
		g.notifySessionEnded(registry.Identity{Role: registry.RoleRunner, ID: bs.runnerID}, sessionID, reason)
	}
}

func (g *Gateway) closeBridgesForPair(appID, runnerID, reason string) {
	dropped := g.bridges.dropWhere(func(bs bridgeSession) bool {
		return bs.appID == appID && bs.runnerID == runnerID
	})
	for sessionID, bs := range dropped {
		g.metrics.BridgeClosed()
		g.notifySessionEnded(registry.Identity{Role: registry.RoleRunner, ID: bs.runnerID}, sessionID, reason)
		g.notifySessionEnded(registry.Identity{Role: registry.RoleApp, ID: bs.appID}, sessionID, reason)
	}
}

func (g *Gateway) notifySessionEnded(id registry.Identity, sessionID, reason string) {
	target, ok := g.registry.Get(id)
	if !ok {
		return
	}
	target.Send(wire.MustMessage(wire.EventSessionEnded, wire.SessionEnded{
		SessionID: sessionID,
		Reason:    reason,
	}))
}
