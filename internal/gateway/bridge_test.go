package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termlink/broker/internal/wire"
)

// bridge pairs the App with the Runner and opens a terminal session,
// draining the handshake frames on both sides.
func bridge(b *testBroker, app, runner *testPeer, code, sessionID string) {
	b.t.Helper()
	app.pair(code)
	app.send(wire.EventConnectRunner, wire.ConnectRunner{RunnerID: "runner-1", SessionID: sessionID})

	msg := app.expect(wire.EventConnectRunnerSuccess)
	var ok wire.ConnectRunnerSuccess
	require.NoError(b.t, msg.DecodeData(&ok))
	require.Equal(b.t, sessionID, ok.SessionID)

	msg = runner.expect(wire.EventConnectRunner)
	var open wire.BridgeOpen
	require.NoError(b.t, msg.DecodeData(&open))
	require.Equal(b.t, sessionID, open.SessionID)
}

func TestConnectRunnerRequiresPairing(t *testing.T) {
	b := newTestBroker(t)

	_, code := b.runner("runner-1", "")
	app := b.app("app-1")

	app.send(wire.EventConnectRunner, wire.ConnectRunner{RunnerID: "runner-1", SessionID: "s-1"})
	app.expectError(wire.EventConnectRunnerError, wire.ErrNotPaired)

	app.pair(code)
	app.send(wire.EventConnectRunner, wire.ConnectRunner{RunnerID: "runner-1", SessionID: "s-1"})
	app.expect(wire.EventConnectRunnerSuccess)
}

func TestConnectRunnerGateIsNeverCached(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	// Unpairing closes the session and the gate slams shut for the next
	// request, no matter what was allowed a moment ago.
	app.send(wire.EventAppUnpair, nil)
	app.expect(wire.EventSessionEnded)
	app.expect(wire.EventAppUnpairSuccess)
	runner.expect(wire.EventSessionEnded)

	app.send(wire.EventConnectRunner, wire.ConnectRunner{RunnerID: "runner-1", SessionID: "s-2"})
	app.expectError(wire.EventConnectRunnerError, wire.ErrNotPaired)
}

func TestConnectRunnerGeneratesSessionID(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	app.pair(code)

	app.send(wire.EventConnectRunner, wire.ConnectRunner{RunnerID: "runner-1"})
	msg := app.expect(wire.EventConnectRunnerSuccess)
	var ok wire.ConnectRunnerSuccess
	require.NoError(t, msg.DecodeData(&ok))
	assert.NotEmpty(t, ok.SessionID)

	msg = runner.expect(wire.EventConnectRunner)
	var open wire.BridgeOpen
	require.NoError(t, msg.DecodeData(&open))
	assert.Equal(t, ok.SessionID, open.SessionID)
}

func TestTerminalForwarding(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	// App to Runner: the envelope passes through untouched, unknown
	// payload fields included.
	app.sendRaw(`{"event":"terminal_input","data":{"sessionId":"s-1","data":"bHMgLWwK","seq":7}}`)
	msg := runner.expect(wire.EventTerminalInput)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "bHMgLWwK", payload["data"])
	assert.Equal(t, float64(7), payload["seq"])

	app.send(wire.EventTerminalResize, map[string]any{"sessionId": "s-1", "cols": 120, "rows": 40})
	msg = runner.expect(wire.EventTerminalResize)
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, float64(120), payload["cols"])

	// Runner to App.
	runner.send(wire.EventTerminalOutput, map[string]any{"sessionId": "s-1", "data": "dG90YWwgMAo="})
	msg = app.expect(wire.EventTerminalOutput)
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "dG90YWwgMAo=", payload["data"])
}

func TestForwardingDropsUnroutableFrames(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	// Unknown session.
	app.send(wire.EventTerminalInput, map[string]any{"sessionId": "s-404", "data": "eHg="})
	// A peer that is not party to the session.
	intruder := b.app("app-2")
	intruder.send(wire.EventTerminalInput, map[string]any{"sessionId": "s-1", "data": "eHg="})

	runner.expectSilence(150 * time.Millisecond)
}

func TestSessionEndedRelaysToOtherParty(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	runner.send(wire.EventSessionEnded, wire.SessionEnded{SessionID: "s-1", Reason: "pty_exit"})

	msg := app.expect(wire.EventSessionEnded)
	var ended wire.SessionEnded
	require.NoError(t, msg.DecodeData(&ended))
	assert.Equal(t, "s-1", ended.SessionID)
	assert.Equal(t, "pty_exit", ended.Reason)

	// The session is gone; frames for it no longer route.
	app.send(wire.EventTerminalInput, map[string]any{"sessionId": "s-1", "data": "eHg="})
	runner.expectSilence(150 * time.Millisecond)
}

func TestRunnerDisconnectEndsSessions(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	require.NoError(t, runner.ws.Close())

	// The App hears both the pairing-level and the session-level
	// teardown; delivery order between the two is not fixed.
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[app.recv().Event] = true
	}
	assert.True(t, got[wire.EventRunnerOffline], "events: %v", got)
	assert.True(t, got[wire.EventSessionEnded], "events: %v", got)
}

func TestAppDisconnectEndsSessionsForRunner(t *testing.T) {
	b := newTestBroker(t)

	runner, code := b.runner("runner-1", "")
	app := b.app("app-1")
	bridge(b, app, runner, code, "s-1")

	require.NoError(t, app.ws.Close())

	msg := runner.expect(wire.EventSessionEnded)
	var ended wire.SessionEnded
	require.NoError(t, msg.DecodeData(&ended))
	assert.Equal(t, "s-1", ended.SessionID)
	assert.Equal(t, "app_disconnected", ended.Reason)
}
