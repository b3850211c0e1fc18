package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/termlink/broker/internal/pairing"
	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/wire"
)

// handleAppAuth verifies the App's token, the first message an App
// transport must send. A bad token closes the transport.
func (g *Gateway) handleAppAuth(c *conn, msg *wire.Message) {
	var req wire.AppAuth
	if err := msg.DecodeData(&req); err != nil || req.Token == "" {
		c.Send(wire.NewError(wire.EventAppAuthError, wire.ErrInvalidFormat, "token is required"))
		return
	}

	claims, err := g.tokens.Verify(req.Token)
	if err != nil {
		slog.Warn("app token rejected", "error", err)
		c.Send(wire.NewError(wire.EventAppAuthError, wire.ErrNotAuthenticated, "token rejected"))
		c.Close()
		return
	}

	id := registry.Identity{Role: registry.RoleApp, ID: claims.Subject}
	if displaced := g.registry.Attach(id, c); displaced != nil {
		slog.Info("app transport takeover", "app_id", claims.Subject)
		g.metrics.RecordTakeover(string(registry.RoleApp))
		displaced.Close()
	}
	if c.setIdentity(id) {
		g.metrics.ConnectionOpened(string(registry.RoleApp))
	}

	c.Send(wire.MustMessage(wire.EventAppAuthSuccess, wire.AppAuthSuccess{AppID: claims.Subject}))
	slog.Info("app authenticated", "app_id", claims.Subject)
}

// handleAppPair exchanges a pairing code for a binding. The order is
// fixed: ban check first, then code format, code lookup, runner
// liveness, and only then the commit. Failed attempts count against the
// App's failure window; a RATE_LIMITED rejection itself does not.
func (g *Gateway) handleAppPair(c *conn, id registry.Identity, msg *wire.Message) {
	ctx := context.Background()
	appID := id.ID
	started := time.Now()

	remaining, banned, err := g.limiter.Banned(ctx, appID)
	if err != nil {
		g.pairUnavailable(c, appID, started, err)
		return
	}
	if banned {
		secs := int64((remaining + time.Second - 1) / time.Second)
		g.recordHistory(ctx, pairing.Event{
			Type:  pairing.EntryPairFailed,
			AppID: appID,
			Error: string(wire.ErrRateLimited),
		})
		g.metrics.RecordPairAttempt("rate_limited", time.Since(started).Seconds())
		slog.Info("pair attempt while banned", "app_id", appID, "remaining_s", secs)
		c.Send(wire.NewRateLimited(wire.EventAppPairError, secs))
		return
	}

	var req wire.AppPair
	var code string
	if err := msg.DecodeData(&req); err == nil {
		code = strings.ToUpper(strings.TrimSpace(req.PairingCode))
	}
	if !pairing.ValidCodeFormat(code) {
		g.failPair(ctx, c, appID, code, started, wire.ErrInvalidFormat, "pairing code must look like XXX-XXX-XXX")
		return
	}

	entry, err := g.codes.Validate(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrCodeNotFound):
			g.failPair(ctx, c, appID, code, started, wire.ErrCodeNotFound, "unknown pairing code")
		case errors.Is(err, pairing.ErrCodeExpired):
			g.failPair(ctx, c, appID, code, started, wire.ErrCodeExpired, "pairing code expired")
		default:
			g.pairUnavailable(c, appID, started, err)
		}
		return
	}

	online, err := g.liveness.Online(ctx, entry.RunnerID)
	if err != nil {
		g.pairUnavailable(c, appID, started, err)
		return
	}
	if !online {
		g.failPair(ctx, c, appID, code, started, wire.ErrRunnerOffline, "runner is offline")
		return
	}

	binding, err := g.sessions.Create(ctx, appID, entry.RunnerID, code)
	if err != nil {
		g.pairUnavailable(c, appID, started, err)
		return
	}
	if _, err := g.codes.MarkUsed(ctx, code, entry.RunnerID); err != nil {
		// The binding exists but the code was not pinned. Fail visibly;
		// a retried pair heals both.
		g.pairUnavailable(c, appID, started, err)
		return
	}

	g.recordHistory(ctx, pairing.Event{
		Type:     pairing.EntryPaired,
		AppID:    appID,
		RunnerID: entry.RunnerID,
		Code:     code,
	})
	if err := g.limiter.Reset(ctx, appID); err != nil {
		slog.Warn("failure window reset failed", "app_id", appID, "error", err)
	}

	g.metrics.RecordPairAttempt("success", time.Since(started).Seconds())
	c.Send(wire.MustMessage(wire.EventAppPairSuccess, wire.AppPairSuccess{
		RunnerID: binding.RunnerID,
		PairedAt: binding.PairedAt,
	}))
	slog.Info("app paired", "app_id", appID, "runner_id", binding.RunnerID, "code", code)
}

// failPair records one counted failure and answers the App. Tripping
// the failure limit arms the ban for subsequent attempts; this attempt
// still gets its own error code.
func (g *Gateway) failPair(ctx context.Context, c *conn, appID, code string, started time.Time, kind wire.ErrorKind, message string) {
	nowBanned, err := g.limiter.RecordFailure(ctx, appID)
	if err != nil {
		slog.Warn("failure record failed", "app_id", appID, "error", err)
	}
	if nowBanned {
		g.metrics.RecordBan()
		slog.Info("app banned after repeated pair failures", "app_id", appID)
	}

	g.recordHistory(ctx, pairing.Event{
		Type:  pairing.EntryPairFailed,
		AppID: appID,
		Code:  code,
		Error: string(kind),
	})
	g.metrics.RecordPairAttempt(strings.ToLower(string(kind)), time.Since(started).Seconds())
	c.Send(wire.NewError(wire.EventAppPairError, kind, message))
}

// pairUnavailable answers a pair attempt that died on a store fault.
// Not the App's doing, so nothing is counted against it.
func (g *Gateway) pairUnavailable(c *conn, appID string, started time.Time, err error) {
	slog.Error("pair attempt hit store fault", "app_id", appID, "error", err)
	g.metrics.RecordPairAttempt("network_error", time.Since(started).Seconds())
	c.Send(wire.NewError(wire.EventAppPairError, wire.ErrNetwork, "pairing temporarily unavailable"))
}

// handleAppPairingStatus reports the App's binding and its Runner's
// current liveness.
func (g *Gateway) handleAppPairingStatus(c *conn, id registry.Identity) {
	ctx := context.Background()

	binding, err := g.sessions.Get(ctx, id.ID)
	if errors.Is(err, pairing.ErrNotPaired) {
		c.Send(wire.MustMessage(wire.EventAppPairingStatusResp, wire.PairingStatus{Paired: false}))
		return
	}
	if err != nil {
		slog.Error("status lookup failed", "app_id", id.ID, "error", err)
		c.Send(wire.NewError(wire.EventAppPairingStatusError, wire.ErrNetwork, "status temporarily unavailable"))
		return
	}

	online, err := g.liveness.Online(ctx, binding.RunnerID)
	if err != nil {
		slog.Error("status liveness read failed", "app_id", id.ID, "error", err)
		c.Send(wire.NewError(wire.EventAppPairingStatusError, wire.ErrNetwork, "status temporarily unavailable"))
		return
	}

	c.Send(wire.MustMessage(wire.EventAppPairingStatusResp, wire.PairingStatus{
		Paired:       true,
		RunnerID:     binding.RunnerID,
		RunnerOnline: online,
		PairedAt:     binding.PairedAt,
	}))
}

// handleAppUnpair drops the App's binding. The Runner's code stays
// valid; other Apps can still pair with it. Unpairing while not paired
// succeeds as a no-op.
func (g *Gateway) handleAppUnpair(c *conn, id registry.Identity) {
	ctx := context.Background()

	binding, err := g.sessions.Remove(ctx, id.ID)
	if errors.Is(err, pairing.ErrNotPaired) {
		c.Send(wire.MustMessage(wire.EventAppUnpairSuccess, wire.AppUnpairSuccess{}))
		return
	}
	if err != nil {
		slog.Error("unpair failed", "app_id", id.ID, "error", err)
		c.Send(wire.NewError(wire.EventAppUnpairError, wire.ErrNetwork, "unpair temporarily unavailable"))
		return
	}

	g.closeBridgesForPair(id.ID, binding.RunnerID, "unpaired")
	g.recordHistory(ctx, pairing.Event{
		Type:     pairing.EntryUnpaired,
		AppID:    id.ID,
		RunnerID: binding.RunnerID,
		Code:     binding.Code,
	})

	c.Send(wire.MustMessage(wire.EventAppUnpairSuccess, wire.AppUnpairSuccess{RunnerID: binding.RunnerID}))
	slog.Info("app unpaired", "app_id", id.ID, "runner_id", binding.RunnerID)
}

// appDisconnect keeps the App's binding: pairing survives transport
// churn, only the socket and its bridge sessions go away.
func (g *Gateway) appDisconnect(appID string) {
	g.closeBridgesForApp(appID, "app_disconnected")
}

// recordHistory appends to the audit trail and never lets a history
// fault disturb the protocol operation that produced it.
func (g *Gateway) recordHistory(ctx context.Context, ev pairing.Event) {
	if err := g.history.Record(ctx, ev); err != nil {
		slog.Warn("history write failed", "app_id", ev.AppID, "type", ev.Type, "error", err)
	}
}
