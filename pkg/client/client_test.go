package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termlink/broker/internal/auth"
	"github.com/termlink/broker/internal/gateway"
	"github.com/termlink/broker/internal/monitoring"
	"github.com/termlink/broker/internal/pairing"
	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/store"
)

const testRunnerSecret = "runner-secret"

// testBroker runs a real broker on a loopback listener so the clients
// are exercised over an actual websocket, not a stub.
type testBroker struct {
	t      *testing.T
	url    string
	tokens *auth.Verifier
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()

	mem := store.NewMemoryStore()
	tokens := auth.NewVerifier(auth.VerifierConfig{Secret: "test-token-secret"})
	gw, err := gateway.New(gateway.Options{
		Store:    mem,
		Registry: registry.New(),
		Codes:    pairing.NewAllocator(mem, pairing.AllocatorConfig{}),
		Sessions: pairing.NewSessions(mem),
		Limiter:  pairing.NewLimiter(mem, pairing.Limits{}),
		Liveness: pairing.NewLiveness(mem, pairing.LivenessConfig{}),
		History:  pairing.NewHistory(mem, 0),
		Tokens:   tokens,
		Secrets:  auth.StaticRunnerSecret(testRunnerSecret),
		Metrics:  monitoring.NewMetricsWith(prometheus.NewRegistry()),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		gw.Close()
	})

	return &testBroker{
		t:      t,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tokens: tokens,
	}
}

func (b *testBroker) token(appID string) string {
	b.t.Helper()
	token, err := b.tokens.Issue(appID, time.Hour)
	require.NoError(b.t, err)
	return token
}

// connectRunner fills in the broker URL and secret, connects and
// registers the cleanup.
func (b *testBroker) connectRunner(cfg RunnerConfig) *Runner {
	b.t.Helper()
	cfg.BrokerURL = b.url
	if cfg.Secret == "" {
		cfg.Secret = testRunnerSecret
	}
	r := NewRunner(cfg)
	require.NoError(b.t, r.Connect(context.Background()))
	b.t.Cleanup(r.Close)
	return r
}

func (b *testBroker) connectApp(appID string, cfg AppConfig) *App {
	b.t.Helper()
	cfg.BrokerURL = b.url
	if cfg.Token == "" {
		cfg.Token = b.token(appID)
	}
	a := NewApp(cfg)
	require.NoError(b.t, a.Connect(context.Background()))
	b.t.Cleanup(a.Close)
	return a
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

type sessionOpen struct {
	appID     string
	sessionID string
}

type termFrame struct {
	sessionID string
	data      []byte
}

type termSize struct {
	sessionID string
	cols      int
	rows      int
}

type sessionEnd struct {
	sessionID string
	reason    string
}

func TestTerminalRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	opens := make(chan sessionOpen, 1)
	inputs := make(chan termFrame, 1)
	resizes := make(chan termSize, 1)
	outputs := make(chan termFrame, 1)
	appEnds := make(chan sessionEnd, 1)

	runner := b.connectRunner(RunnerConfig{
		RunnerID: "runner-1",
		OnSessionOpen: func(appID, sessionID string) {
			opens <- sessionOpen{appID, sessionID}
		},
		OnInput: func(sessionID string, data []byte) {
			inputs <- termFrame{sessionID, data}
		},
		OnResize: func(sessionID string, cols, rows int) {
			resizes <- termSize{sessionID, cols, rows}
		},
	})
	code := runner.Code()
	require.True(t, pairing.ValidCodeFormat(code), "advertised code %q", code)

	app := b.connectApp("app-1", AppConfig{
		OnOutput: func(sessionID string, data []byte) {
			outputs <- termFrame{sessionID, data}
		},
		OnSessionEnded: func(sessionID, reason string) {
			appEnds <- sessionEnd{sessionID, reason}
		},
	})
	assert.Equal(t, "app-1", app.AppID())

	res, err := app.Pair(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "runner-1", res.RunnerID)
	assert.WithinDuration(t, time.Now(), res.PairedAt, time.Minute)

	st, err := app.PairingStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paired)
	assert.Equal(t, "runner-1", st.RunnerID)
	assert.True(t, st.RunnerOnline)

	sessionID, err := app.ConnectRunner(ctx, "runner-1", "")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	open := waitFor(t, opens, "session open on the runner")
	assert.Equal(t, "app-1", open.appID)
	assert.Equal(t, sessionID, open.sessionID)

	require.NoError(t, app.SendInput(sessionID, []byte("ls -la\n")))
	in := waitFor(t, inputs, "terminal input on the runner")
	assert.Equal(t, sessionID, in.sessionID)
	assert.Equal(t, []byte("ls -la\n"), in.data)

	require.NoError(t, app.SendResize(sessionID, 120, 40))
	size := waitFor(t, resizes, "resize on the runner")
	assert.Equal(t, 120, size.cols)
	assert.Equal(t, 40, size.rows)

	require.NoError(t, runner.SendOutput(sessionID, []byte("total 0\r\n")))
	out := waitFor(t, outputs, "terminal output on the app")
	assert.Equal(t, sessionID, out.sessionID)
	assert.Equal(t, []byte("total 0\r\n"), out.data)

	require.NoError(t, runner.EndSession(sessionID, "pty_exit"))
	end := waitFor(t, appEnds, "session end on the app")
	assert.Equal(t, sessionID, end.sessionID)
	assert.Equal(t, "pty_exit", end.reason)
}

func TestAppEndSessionReachesRunner(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	runnerEnds := make(chan sessionEnd, 1)
	runner := b.connectRunner(RunnerConfig{
		RunnerID: "runner-1",
		OnSessionEnded: func(sessionID, reason string) {
			runnerEnds <- sessionEnd{sessionID, reason}
		},
	})

	app := b.connectApp("app-1", AppConfig{})
	_, err := app.Pair(ctx, runner.Code())
	require.NoError(t, err)

	sessionID, err := app.ConnectRunner(ctx, "runner-1", "tab-1")
	require.NoError(t, err)
	assert.Equal(t, "tab-1", sessionID)

	require.NoError(t, app.EndSession(sessionID, "tab_closed"))
	end := waitFor(t, runnerEnds, "session end on the runner")
	assert.Equal(t, "tab-1", end.sessionID)
	assert.Equal(t, "tab_closed", end.reason)
}

func TestRunnerSuppliedCode(t *testing.T) {
	b := newTestBroker(t)

	runner := b.connectRunner(RunnerConfig{
		RunnerID:    "runner-1",
		PairingCode: "abc-123-xyz",
	})
	assert.Equal(t, "ABC-123-XYZ", runner.Code(), "code is normalized to upper case")
}

func TestPairRejectionsAreTypedErrors(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	app := b.connectApp("app-1", AppConfig{})

	_, err := app.Pair(ctx, "ZZZ-ZZZ-ZZZ")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "CODE_NOT_FOUND", be.Code)
	assert.Zero(t, be.RemainingBan)
	assert.Contains(t, err.Error(), "CODE_NOT_FOUND")

	_, err = app.Pair(ctx, "nope")
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "INVALID_FORMAT", be.Code)
}

func TestPairBanCarriesRemainingTime(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	app := b.connectApp("app-1", AppConfig{})
	for i := 0; i < 5; i++ {
		_, err := app.Pair(ctx, "ZZZ-ZZZ-ZZZ")
		require.Error(t, err)
	}

	_, err := app.Pair(ctx, "ZZZ-ZZZ-ZZZ")
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "RATE_LIMITED", be.Code)
	assert.Greater(t, be.RemainingBan, time.Duration(0))
	assert.LessOrEqual(t, be.RemainingBan, pairing.DefaultBan)
}

func TestUnpair(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	runner := b.connectRunner(RunnerConfig{RunnerID: "runner-1"})
	app := b.connectApp("app-1", AppConfig{})
	_, err := app.Pair(ctx, runner.Code())
	require.NoError(t, err)

	runnerID, err := app.Unpair(ctx)
	require.NoError(t, err)
	assert.Equal(t, "runner-1", runnerID)

	st, err := app.PairingStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Paired)

	// Unpairing while not paired is a no-op.
	runnerID, err = app.Unpair(ctx)
	require.NoError(t, err)
	assert.Empty(t, runnerID)
}

func TestRunnerOfflineCallback(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	offline := make(chan string, 1)
	runner := b.connectRunner(RunnerConfig{RunnerID: "runner-1"})
	app := b.connectApp("app-1", AppConfig{
		OnRunnerOffline: func(runnerID string) { offline <- runnerID },
	})
	_, err := app.Pair(ctx, runner.Code())
	require.NoError(t, err)

	runner.Close()
	assert.Equal(t, "runner-1", waitFor(t, offline, "runner offline notification"))

	st, err := app.PairingStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Paired, "runner disconnect drops the binding")
}

func TestConnectRejectsBadCredentials(t *testing.T) {
	b := newTestBroker(t)
	ctx := context.Background()

	runner := NewRunner(RunnerConfig{
		BrokerURL: b.url,
		RunnerID:  "runner-1",
		Secret:    "wrong",
	})
	err := runner.Connect(ctx)
	var be *Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "INVALID_SECRET", be.Code)

	app := NewApp(AppConfig{BrokerURL: b.url, Token: "garbage"})
	err = app.Connect(ctx)
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "NOT_AUTHENTICATED", be.Code)
}

func TestCallsBeforeConnectFail(t *testing.T) {
	app := NewApp(AppConfig{BrokerURL: "ws://127.0.0.1:0/ws"})
	_, err := app.Pair(context.Background(), "AAA-BBB-CCC")
	require.Error(t, err)

	runner := NewRunner(RunnerConfig{BrokerURL: "ws://127.0.0.1:0/ws"})
	require.Error(t, runner.SendOutput("sess", []byte("x")))
}

func TestAppTakeoverFiresDisconnect(t *testing.T) {
	b := newTestBroker(t)

	dropped := make(chan error, 1)
	token := b.token("app-1")
	b.connectApp("app-1", AppConfig{
		Token:        token,
		OnDisconnect: func(err error) { dropped <- err },
	})

	// A second transport with the same identity displaces the first.
	b.connectApp("app-1", AppConfig{Token: token})

	waitFor(t, dropped, "disconnect on the displaced transport")
}
