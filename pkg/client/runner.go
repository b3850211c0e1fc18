package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/termlink/broker/internal/wire"
)

// RunnerConfig configures a Runner client.
type RunnerConfig struct {
	// BrokerURL is the broker's websocket endpoint (required)
	// Example: "wss://broker.example.com/ws"
	BrokerURL string

	// RunnerID is this Runner's stable identity (required)
	RunnerID string

	// Secret authenticates the Runner to the broker (required)
	Secret string

	// PairingCode is the code to advertise. Leave empty to have the
	// broker allocate one; read it back with Code after Connect.
	PairingCode string

	// HeartbeatInterval defaults to 10s, matching the broker's
	// expectation.
	HeartbeatInterval time.Duration

	// OnSessionOpen is called when a paired App opens a terminal
	// session on this Runner.
	OnSessionOpen func(appID, sessionID string)

	// OnInput is called with decoded terminal bytes from the App.
	OnInput func(sessionID string, data []byte)

	// OnResize is called when the App's terminal changes size.
	OnResize func(sessionID string, cols, rows int)

	// OnSessionEnded is called when a session closes, whichever side
	// closed it.
	OnSessionEnded func(sessionID, reason string)

	// OnDisconnect is called once when the broker connection dies.
	OnDisconnect func(err error)
}

// Runner is the pty-host side of the protocol. It registers under its
// identity, advertises a pairing code and serves terminal sessions
// opened by paired Apps.
type Runner struct {
	cfg RunnerConfig

	mu   sync.Mutex
	sock *socket
	code string

	stopHeartbeat chan struct{}
}

// NewRunner creates a Runner client. Call Connect to register with the
// broker.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Connect dials the broker and registers. On return the Runner is
// advertised and heartbeating; the code to show the user is available
// from Code.
func (r *Runner) Connect(ctx context.Context) error {
	sock, err := dial(ctx, r.cfg.BrokerURL)
	if err != nil {
		return err
	}
	go sock.readLoop(r.handle)

	msg := wire.MustMessage(wire.EventRunnerRegister, wire.RunnerRegister{
		RunnerID:    r.cfg.RunnerID,
		PairingCode: r.cfg.PairingCode,
		Secret:      r.cfg.Secret,
	})
	reply, err := sock.request(ctx, msg, wire.EventRunnerRegisterSuccess, wire.EventRunnerRegisterError)
	if err != nil {
		sock.shutdown(err)
		return fmt.Errorf("register: %w", err)
	}
	var ok wire.RunnerRegisterSuccess
	if err := reply.DecodeData(&ok); err != nil {
		sock.shutdown(err)
		return err
	}

	r.mu.Lock()
	r.sock = sock
	r.code = ok.PairingCode
	r.stopHeartbeat = make(chan struct{})
	r.mu.Unlock()

	go r.heartbeatLoop(sock, r.stopHeartbeat)
	go func() {
		<-sock.closed
		if r.cfg.OnDisconnect != nil {
			r.cfg.OnDisconnect(sock.err)
		}
	}()
	return nil
}

// Code returns the advertised pairing code.
func (r *Runner) Code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// SendOutput ships terminal bytes to the session's App.
func (r *Runner) SendOutput(sessionID string, data []byte) error {
	sock, err := r.conn()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.EventTerminalOutput, TerminalData{SessionID: sessionID, Data: data})
	if err != nil {
		return err
	}
	return sock.write(msg)
}

// EndSession closes a terminal session and tells the App why.
func (r *Runner) EndSession(sessionID, reason string) error {
	sock, err := r.conn()
	if err != nil {
		return err
	}
	msg, err := wire.NewMessage(wire.EventSessionEnded, wire.SessionEnded{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	return sock.write(msg)
}

// Close hangs up. The broker treats this as the Runner going away:
// the code is retired and bound Apps are told runner:offline.
func (r *Runner) Close() {
	r.mu.Lock()
	sock, stop := r.sock, r.stopHeartbeat
	r.mu.Unlock()
	if stop != nil {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	if sock != nil {
		sock.close()
	}
}

func (r *Runner) conn() (*socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sock == nil {
		return nil, fmt.Errorf("not connected")
	}
	return r.sock, nil
}

func (r *Runner) heartbeatLoop(sock *socket, stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			beat := wire.MustMessage(wire.EventRunnerHeartbeat, wire.RunnerHeartbeat{RunnerID: r.cfg.RunnerID})
			if err := sock.write(beat); err != nil {
				return
			}
		case <-stop:
			return
		case <-sock.closed:
			return
		}
	}
}

func (r *Runner) handle(msg *wire.Message) {
	switch msg.Event {
	case wire.EventConnectRunner:
		var open wire.BridgeOpen
		if err := msg.DecodeData(&open); err != nil {
			return
		}
		if r.cfg.OnSessionOpen != nil {
			r.cfg.OnSessionOpen(open.AppID, open.SessionID)
		}
	case wire.EventTerminalInput:
		var in TerminalData
		if err := msg.DecodeData(&in); err != nil {
			return
		}
		if r.cfg.OnInput != nil {
			r.cfg.OnInput(in.SessionID, in.Data)
		}
	case wire.EventTerminalResize:
		var rs TerminalResize
		if err := msg.DecodeData(&rs); err != nil {
			return
		}
		if r.cfg.OnResize != nil {
			r.cfg.OnResize(rs.SessionID, rs.Cols, rs.Rows)
		}
	case wire.EventSessionEnded:
		var ended wire.SessionEnded
		if err := msg.DecodeData(&ended); err != nil {
			return
		}
		if r.cfg.OnSessionEnded != nil {
			r.cfg.OnSessionEnded(ended.SessionID, ended.Reason)
		}
	}
}
