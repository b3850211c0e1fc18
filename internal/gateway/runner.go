package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/termlink/broker/internal/pairing"
	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/wire"
)

// handleRunnerRegister authenticates a Runner and advertises its pairing
// code, in one exchange. The secret check happens before any code work;
// a failed check closes the transport. Code conflicts leave the
// transport open so the Runner can retry with a different code.
func (g *Gateway) handleRunnerRegister(c *conn, msg *wire.Message) {
	ctx := context.Background()

	var req wire.RunnerRegister
	if err := msg.DecodeData(&req); err != nil {
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrInvalidFormat, "runnerId and secret are required"))
		return
	}
	runnerID := strings.TrimSpace(req.RunnerID)
	if runnerID == "" {
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrInvalidFormat, "runnerId is required"))
		return
	}
	if id, authed := c.identity(); authed && id.ID != runnerID {
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrInvalidFormat, "transport already bound to another runner"))
		return
	}

	if err := g.secrets.Verify(runnerID, req.Secret); err != nil {
		slog.Warn("runner secret rejected", "runner_id", runnerID)
		g.metrics.RecordRegistration("invalid_secret")
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrInvalidSecret, "runner secret rejected"))
		c.Close()
		return
	}

	var code string
	if supplied := strings.ToUpper(strings.TrimSpace(req.PairingCode)); supplied != "" {
		if !pairing.ValidCodeFormat(supplied) {
			c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrInvalidFormat, "pairing code must look like XXX-XXX-XXX"))
			return
		}
		if err := g.codes.Register(ctx, runnerID, supplied); err != nil {
			g.sendRegisterError(c, runnerID, err)
			return
		}
		code = supplied
	} else {
		generated, err := g.codes.RegisterNew(ctx, runnerID)
		if err != nil {
			g.sendRegisterError(c, runnerID, err)
			return
		}
		code = generated
	}

	id := registry.Identity{Role: registry.RoleRunner, ID: runnerID}
	if displaced := g.registry.Attach(id, c); displaced != nil {
		slog.Info("runner transport takeover", "runner_id", runnerID)
		g.metrics.RecordTakeover(string(registry.RoleRunner))
		displaced.Close()
	}
	if c.setIdentity(id) {
		g.metrics.ConnectionOpened(string(registry.RoleRunner))
	}

	wasOnline, err := g.liveness.Online(ctx, runnerID)
	if err != nil {
		slog.Warn("liveness read failed", "runner_id", runnerID, "error", err)
	}
	if err := g.liveness.Heartbeat(ctx, runnerID); err != nil {
		slog.Warn("liveness write failed", "runner_id", runnerID, "error", err)
	}

	g.metrics.RecordRegistration("success")
	c.Send(wire.MustMessage(wire.EventRunnerRegisterSuccess, wire.RunnerRegisterSuccess{
		RunnerID:    runnerID,
		PairingCode: code,
	}))
	slog.Info("runner registered", "runner_id", runnerID, "code", code)

	if !wasOnline {
		g.publishRunnerState(ctx, wire.EventRunnerOnline, runnerID, nil)
	}
}

// sendRegisterError maps allocator failures onto the register error
// event. None of these close the transport: the Runner is expected to
// retry with a fresh code.
func (g *Gateway) sendRegisterError(c *conn, runnerID string, err error) {
	switch {
	case errors.Is(err, pairing.ErrDuplicateCode):
		g.metrics.RecordRegistration("duplicate_code")
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrDuplicateCode, "pairing code already claimed"))
	case errors.Is(err, pairing.ErrExhausted):
		g.metrics.RecordRegistration("exhausted")
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrRegistrationExhausted, "could not allocate an unclaimed code"))
	default:
		slog.Warn("code registration failed", "runner_id", runnerID, "error", err)
		g.metrics.RecordRegistration("error")
		c.Send(wire.NewError(wire.EventRunnerRegisterError, wire.ErrNetwork, "registration temporarily unavailable"))
	}
}

// handleRunnerHeartbeat refreshes the Runner's liveness. A heartbeat
// that flips the Runner from offline to online fans runner:online out
// to its bound Apps.
func (g *Gateway) handleRunnerHeartbeat(c *conn, id registry.Identity) {
	ctx := context.Background()

	wasOnline, err := g.liveness.Online(ctx, id.ID)
	if err != nil {
		slog.Warn("liveness read failed", "runner_id", id.ID, "error", err)
	}
	if err := g.liveness.Heartbeat(ctx, id.ID); err != nil {
		slog.Warn("heartbeat write failed", "runner_id", id.ID, "error", err)
		return
	}
	g.metrics.RecordHeartbeat()

	if !wasOnline {
		g.publishRunnerState(ctx, wire.EventRunnerOnline, id.ID, nil)
	}
}

// runnerDisconnect tears down everything keyed on a departed Runner:
// its advertised code, every binding pointing at it, its heartbeat, and
// any open bridge sessions. Bound Apps are told runner:offline; Apps
// whose transport is detached simply miss the event, their binding is
// gone either way.
func (g *Gateway) runnerDisconnect(runnerID string) {
	ctx := context.Background()

	code, err := g.codes.ReleaseRunner(ctx, runnerID)
	if err != nil {
		slog.Warn("code release failed", "runner_id", runnerID, "error", err)
	}

	removed, err := g.sessions.RemoveAllFor(ctx, runnerID)
	if err != nil {
		slog.Warn("binding purge failed", "runner_id", runnerID, "error", err)
	}
	if len(removed) > 0 {
		g.publishRunnerState(ctx, wire.EventRunnerOffline, runnerID, removed)
	}

	if err := g.liveness.Clear(ctx, runnerID); err != nil {
		slog.Warn("liveness clear failed", "runner_id", runnerID, "error", err)
	}

	g.closeBridgesForRunner(runnerID, "runner_disconnected")

	for _, appID := range removed {
		g.recordHistory(ctx, pairing.Event{
			Type:     pairing.EntryRunnerDisconnected,
			AppID:    appID,
			RunnerID: runnerID,
			Code:     code,
		})
	}

	slog.Info("runner disconnected", "runner_id", runnerID, "code", code, "apps_unbound", len(removed))
}
