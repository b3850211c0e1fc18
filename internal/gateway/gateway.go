// Package gateway owns the broker's websocket surface: it upgrades
// connections, runs the first-message authentication handshake for both
// peer roles, dispatches protocol events to the pairing layer, and
// bridges terminal traffic between paired peers.
//
// All shared state (codes, bindings, liveness, failure counters,
// history) lives in the store; the gateway holds only the sockets of
// this instance plus the local bridge table, and uses the store's
// pub/sub to reach peers attached elsewhere.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/termlink/broker/internal/auth"
	"github.com/termlink/broker/internal/monitoring"
	"github.com/termlink/broker/internal/pairing"
	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/store"
	"github.com/termlink/broker/internal/wire"
)

// Options wires the gateway to its collaborators. All fields are
// required; tests hand in a Metrics built on its own registry.
type Options struct {
	Store    store.Store
	Registry *registry.Registry
	Codes    *pairing.Allocator
	Sessions *pairing.Sessions
	Limiter  *pairing.Limiter
	Liveness *pairing.Liveness
	History  *pairing.History
	Tokens   *auth.Verifier
	Secrets  *auth.RunnerSecrets
	Metrics  *monitoring.Metrics

	// AllowedOrigins restricts websocket upgrades in production. Empty
	// means all origins are accepted.
	AllowedOrigins []string
	Production     bool
}

// Gateway accepts peer transports and speaks the pairing protocol.
type Gateway struct {
	store    store.Store
	registry *registry.Registry
	codes    *pairing.Allocator
	sessions *pairing.Sessions
	limiter  *pairing.Limiter
	liveness *pairing.Liveness
	history  *pairing.History
	tokens   *auth.Verifier
	secrets  *auth.RunnerSecrets
	metrics  *monitoring.Metrics

	upgrader websocket.Upgrader
	bridges  *bridgeTable

	unsubscribe func()
}

// New builds a gateway and subscribes it to the cross-instance runner
// state channel. Call Close to drop the subscription.
func New(opts Options) (*Gateway, error) {
	g := &Gateway{
		store:    opts.Store,
		registry: opts.Registry,
		codes:    opts.Codes,
		sessions: opts.Sessions,
		limiter:  opts.Limiter,
		liveness: opts.Liveness,
		history:  opts.History,
		tokens:   opts.Tokens,
		secrets:  opts.Secrets,
		metrics:  opts.Metrics,
		bridges:  newBridgeTable(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(opts.Production, opts.AllowedOrigins),
	}

	unsub, err := g.store.Subscribe(context.Background(), runnerStateChannel, g.handleRunnerStateMessage)
	if err != nil {
		return nil, err
	}
	g.unsubscribe = unsub
	return g, nil
}

// Close drops the gateway's store subscription. Attached connections
// shut down with the HTTP server, not here.
func (g *Gateway) Close() {
	if g.unsubscribe != nil {
		g.unsubscribe()
	}
}

// buildCheckOrigin returns the upgrader's origin check. In production
// with an allow-list configured, only listed origins are accepted; in
// dev, or in production without a list, all origins are allowed with a
// warning.
func buildCheckOrigin(production bool, allowedOrigins []string) func(r *http.Request) bool {
	if production && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("rejected connection origin", "origin", origin)
			return false
		}
	}

	if production {
		slog.Warn("no origin allowlist configured in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// HandleWebSocket upgrades HTTP to a peer transport. The peer's role is
// unknown until its first message authenticates it.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(g, ws)
	slog.Info("websocket connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

// dispatch routes one parsed frame. Before the handshake only
// runner:register and app:auth are accepted; afterwards events route by
// the authenticated role.
func (g *Gateway) dispatch(c *conn, msg *wire.Message) {
	id, authed := c.identity()
	if !authed {
		switch msg.Event {
		case wire.EventRunnerRegister:
			g.handleRunnerRegister(c, msg)
		case wire.EventAppAuth:
			g.handleAppAuth(c, msg)
		default:
			g.rejectUnauthenticated(c, msg.Event)
		}
		return
	}

	switch id.Role {
	case registry.RoleRunner:
		g.dispatchRunner(c, id, msg)
	case registry.RoleApp:
		g.dispatchApp(c, id, msg)
	}
}

func (g *Gateway) dispatchRunner(c *conn, id registry.Identity, msg *wire.Message) {
	switch msg.Event {
	case wire.EventRunnerHeartbeat:
		g.handleRunnerHeartbeat(c, id)
	case wire.EventRunnerRegister:
		// A registered Runner may rotate its code over the same transport.
		g.handleRunnerRegister(c, msg)
	case wire.EventTerminalOutput:
		g.forwardFromRunner(id, msg)
	case wire.EventSessionEnded:
		g.handleSessionEnded(id, msg)
	default:
		slog.Info("ignoring event for runner", "runner_id", id.ID, "event", msg.Event)
	}
}

func (g *Gateway) dispatchApp(c *conn, id registry.Identity, msg *wire.Message) {
	switch msg.Event {
	case wire.EventAppPair:
		g.handleAppPair(c, id, msg)
	case wire.EventAppPairingStatus:
		g.handleAppPairingStatus(c, id)
	case wire.EventAppUnpair:
		g.handleAppUnpair(c, id)
	case wire.EventConnectRunner:
		g.handleConnectRunner(c, id, msg)
	case wire.EventTerminalInput, wire.EventTerminalResize:
		g.forwardFromApp(id, msg)
	case wire.EventSessionEnded:
		g.handleSessionEnded(id, msg)
	case wire.EventAppAuth:
		// Already authenticated; a second handshake is a no-op.
		slog.Info("ignoring repeated auth", "app_id", id.ID)
	default:
		slog.Info("ignoring event for app", "app_id", id.ID, "event", msg.Event)
	}
}

// rejectUnauthenticated answers a guarded request sent before the
// handshake. Events with no error channel of their own are dropped.
func (g *Gateway) rejectUnauthenticated(c *conn, event string) {
	errEvent := errorEventFor(event)
	if errEvent == "" {
		slog.Info("dropping event from unauthenticated peer", "event", event)
		return
	}
	slog.Info("rejecting event from unauthenticated peer", "event", event)
	c.Send(wire.NewError(errEvent, wire.ErrNotAuthenticated, "authenticate first"))
}

// errorEventFor maps a request event to its error reply event. Empty
// means the event carries no reply channel.
func errorEventFor(event string) string {
	switch event {
	case wire.EventRunnerRegister:
		return wire.EventRunnerRegisterError
	case wire.EventAppAuth:
		return wire.EventAppAuthError
	case wire.EventAppPair:
		return wire.EventAppPairError
	case wire.EventAppPairingStatus:
		return wire.EventAppPairingStatusError
	case wire.EventAppUnpair:
		return wire.EventAppUnpairError
	case wire.EventConnectRunner:
		return wire.EventConnectRunnerError
	default:
		return ""
	}
}

// onDisconnect runs once per connection from the write pump's defer.
// The registry detach is conditional: a connection displaced by a
// takeover must not tear down state now owned by its successor.
func (g *Gateway) onDisconnect(c *conn) {
	id, authed := c.identity()
	if !authed {
		slog.Info("websocket disconnected", "peer", "unauthenticated")
		return
	}
	if !g.registry.Detach(id, c) {
		slog.Info("displaced transport closed", "peer", id.String())
		return
	}

	g.metrics.ConnectionClosed(string(id.Role))
	switch id.Role {
	case registry.RoleRunner:
		g.runnerDisconnect(id.ID)
	case registry.RoleApp:
		g.appDisconnect(id.ID)
	}
	slog.Info("websocket disconnected", "peer", id.String())
}
