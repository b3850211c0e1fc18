package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/termlink/broker/internal/wire"
)

// AppConfig configures an App client.
type AppConfig struct {
	// BrokerURL is the broker's websocket endpoint (required)
	BrokerURL string

	// Token authenticates the App; its subject becomes the App's
	// stable identity (required)
	Token string

	// OnRunnerOnline is called when the paired Runner comes online.
	OnRunnerOnline func(runnerID string)

	// OnRunnerOffline is called when the paired Runner disconnects.
	// The binding is already gone when this fires.
	OnRunnerOffline func(runnerID string)

	// OnOutput is called with decoded terminal bytes from the Runner.
	OnOutput func(sessionID string, data []byte)

	// OnSessionEnded is called when a session closes, whichever side
	// closed it.
	OnSessionEnded func(sessionID, reason string)

	// OnDisconnect is called once when the broker connection dies.
	OnDisconnect func(err error)
}

// PairResult reports a successful pair.
type PairResult struct {
	RunnerID string
	PairedAt time.Time
}

// Status reports the App's current binding.
type Status struct {
	Paired       bool
	RunnerID     string
	RunnerOnline bool
	PairedAt     time.Time
}

// App is the controller side of the protocol: it authenticates with a
// token, exchanges a pairing code for a binding and drives terminal
// sessions on the paired Runner.
type App struct {
	cfg AppConfig

	mu    sync.Mutex
	sock  *socket
	appID string
}

// NewApp creates an App client. Call Connect to authenticate with the
// broker.
func NewApp(cfg AppConfig) *App {
	return &App{cfg: cfg}
}

// Connect dials the broker and authenticates. The identity the broker
// derived from the token is available from AppID afterwards.
func (a *App) Connect(ctx context.Context) error {
	sock, err := dial(ctx, a.cfg.BrokerURL)
	if err != nil {
		return err
	}
	go sock.readLoop(a.handle)

	msg := wire.MustMessage(wire.EventAppAuth, wire.AppAuth{Token: a.cfg.Token})
	reply, err := sock.request(ctx, msg, wire.EventAppAuthSuccess, wire.EventAppAuthError)
	if err != nil {
		sock.shutdown(err)
		return fmt.Errorf("authenticate: %w", err)
	}
	var ok wire.AppAuthSuccess
	if err := reply.DecodeData(&ok); err != nil {
		sock.shutdown(err)
		return err
	}

	a.mu.Lock()
	a.sock = sock
	a.appID = ok.AppID
	a.mu.Unlock()

	go func() {
		<-sock.closed
		if a.cfg.OnDisconnect != nil {
			a.cfg.OnDisconnect(sock.err)
		}
	}()
	return nil
}

// AppID returns the identity the broker derived from the token.
func (a *App) AppID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.appID
}

// Pair exchanges a pairing code for a binding to its Runner. Broker
// rejections come back as *Error; on RATE_LIMITED its RemainingBan
// says how long the App is locked out.
func (a *App) Pair(ctx context.Context, code string) (*PairResult, error) {
	sock, err := a.conn()
	if err != nil {
		return nil, err
	}
	msg := wire.MustMessage(wire.EventAppPair, wire.AppPair{PairingCode: code})
	reply, err := sock.request(ctx, msg, wire.EventAppPairSuccess, wire.EventAppPairError)
	if err != nil {
		return nil, err
	}
	var ok wire.AppPairSuccess
	if err := reply.DecodeData(&ok); err != nil {
		return nil, err
	}
	return &PairResult{
		RunnerID: ok.RunnerID,
		PairedAt: time.UnixMilli(ok.PairedAt),
	}, nil
}

// PairingStatus asks the broker for the App's current binding and the
// Runner's liveness.
func (a *App) PairingStatus(ctx context.Context) (*Status, error) {
	sock, err := a.conn()
	if err != nil {
		return nil, err
	}
	msg := wire.MustMessage(wire.EventAppPairingStatus, nil)
	reply, err := sock.request(ctx, msg, wire.EventAppPairingStatusResp, wire.EventAppPairingStatusError)
	if err != nil {
		return nil, err
	}
	var st wire.PairingStatus
	if err := reply.DecodeData(&st); err != nil {
		return nil, err
	}
	out := &Status{
		Paired:       st.Paired,
		RunnerID:     st.RunnerID,
		RunnerOnline: st.RunnerOnline,
	}
	if st.PairedAt > 0 {
		out.PairedAt = time.UnixMilli(st.PairedAt)
	}
	return out, nil
}

// Unpair drops the App's binding. Returns the Runner it pointed at;
// unpairing while not paired succeeds and returns "".
func (a *App) Unpair(ctx context.Context) (string, error) {
	sock, err := a.conn()
	if err != nil {
		return "", err
	}
	msg := wire.MustMessage(wire.EventAppUnpair, nil)
	reply, err := sock.request(ctx, msg, wire.EventAppUnpairSuccess, wire.EventAppUnpairError)
	if err != nil {
		return "", err
	}
	var ok wire.AppUnpairSuccess
	if err := reply.DecodeData(&ok); err != nil {
		return "", err
	}
	return ok.RunnerID, nil
}

// ConnectRunner opens a terminal session on the paired Runner and
// returns its session ID. Leave sessionID empty to let the broker pick
// one.
func (a *App) ConnectRunner(ctx context.Context, runnerID, sessionID string) (string, error) {
	sock, err := a.conn()
	if err != nil {
		return "", err
	}
	msg := wire.MustMessage(wire.EventConnectRunner, wire.ConnectRunner{
		RunnerID:  runnerID,
		SessionID: sessionID,
	})
	reply, err := sock.request(ctx, msg, wire.EventConnectRunnerSuccess, wire.EventConnectRunnerError)
	if err != nil {
		return "", err
	}
	var ok wire.ConnectRunnerSuccess
	if err := reply.DecodeData(&ok); err != nil {
		return "", err
	}
	return ok.SessionID, nil
}

// SendInput ships terminal bytes to the session's Runner.
func (a *App) SendInput(sessionID string, data []byte) error {
	sock, err := a.conn()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.EventTerminalInput, TerminalData{SessionID: sessionID, Data: data})
	if err != nil {
		return err
	}
	return sock.write(msg)
}

// SendResize tells the Runner's pty the terminal changed size.
func (a *App) SendResize(sessionID string, cols, rows int) error {
	sock, err := a.conn()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.EventTerminalResize, TerminalResize{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
	if err != nil {
		return err
	}
	return sock.write(msg)
}

// EndSession closes a terminal session and tells the Runner why.
func (a *App) EndSession(sessionID, reason string) error {
	sock, err := a.conn()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.EventSessionEnded, wire.SessionEnded{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	return sock.write(msg)
}

// Close hangs up. The binding survives: reconnecting with the same
// token resumes where the App left off.
func (a *App) Close() {
	a.mu.Lock()
	sock := a.sock
	a.mu.Unlock()
	if sock != nil {
		sock.close()
	}
}

func (a *App) conn() (*socket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sock == nil {
		return nil, fmt.Errorf("not connected")
	}
	return a.sock, nil
}

func (a *App) handle(msg *wire.Message) {
	switch msg.Event {
	case wire.EventRunnerOnline:
		var st wire.RunnerState
		if err := msg.DecodeData(&st); err != nil {
			return
		}
		if a.cfg.OnRunnerOnline != nil {
			a.cfg.OnRunnerOnline(st.RunnerID)
		}
	case wire.EventRunnerOffline:
		var st wire.RunnerState
		if err := msg.DecodeData(&st); err != nil {
			return
		}
		if a.cfg.OnRunnerOffline != nil {
			a.cfg.OnRunnerOffline(st.RunnerID)
		}
	case wire.EventTerminalOutput:
		var out TerminalData
		if err := msg.DecodeData(&out); err != nil {
			return
		}
		if a.cfg.OnOutput != nil {
			a.cfg.OnOutput(out.SessionID, out.Data)
		}
	case wire.EventSessionEnded:
		var ended wire.SessionEnded
		if err := msg.DecodeData(&ended); err != nil {
			return
		}
		if a.cfg.OnSessionEnded != nil {
			a.cfg.OnSessionEnded(ended.SessionID, ended.Reason)
		}
	}
}
