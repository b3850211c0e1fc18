// Package client provides Go clients for the broker's websocket
// protocol: Runner for pty hosts that advertise a pairing code, and App
// for controllers that pair with one and drive terminal sessions.
//
// Quick Start for a Runner:
//
//	runner := client.NewRunner(client.RunnerConfig{
//	    BrokerURL: "wss://broker.example.com/ws",
//	    RunnerID:  "runner-1",
//	    Secret:    os.Getenv("RUNNER_SECRET"),
//	    OnSessionOpen: func(appID, sessionID string) {
//	        // spawn the pty and wire it to SendOutput / OnInput
//	    },
//	})
//	if err := runner.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("pair with code:", runner.Code())
//
// And for an App:
//
//	app := client.NewApp(client.AppConfig{
//	    BrokerURL: "wss://broker.example.com/ws",
//	    Token:     token,
//	})
//	if err := app.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := app.Pair(ctx, "ABC-123-XYZ")
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termlink/broker/internal/wire"
)

// DefaultTimeout bounds one request/response exchange when the caller's
// context carries no deadline of its own.
const DefaultTimeout = 10 * time.Second

// Error is a failure reported by the broker, carrying its
// machine-readable code alongside the human message.
type Error struct {
	Code    string
	Message string
	// RemainingBan is set on RATE_LIMITED errors.
	RemainingBan time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// TerminalData carries one chunk of terminal bytes. Data rides the wire
// base64-encoded; the Go JSON encoding of []byte does that for free.
type TerminalData struct {
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data,omitempty"`
}

// TerminalResize carries a window size change to the pty.
type TerminalResize struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// socket wraps one broker websocket: serialized writes, a read loop,
// and by-event correlation of request/response exchanges.
type socket struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan *wire.Message

	closed chan struct{}
	once   sync.Once
	err    error
}

func dial(ctx context.Context, brokerURL string) (*socket, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, brokerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &socket{
		ws:      ws,
		pending: make(map[string]chan *wire.Message),
		closed:  make(chan struct{}),
	}, nil
}

func (s *socket) write(msg *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.closed:
		return fmt.Errorf("connection closed: %w", s.err)
	default:
	}
	return s.ws.WriteJSON(msg)
}

// request sends one message and waits for whichever of the reply events
// arrives first. An errorEvent reply is decoded into *Error.
func (s *socket) request(ctx context.Context, msg *wire.Message, successEvent, errorEvent string) (*wire.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	ch := make(chan *wire.Message, 2)
	s.expect(successEvent, ch)
	s.expect(errorEvent, ch)
	defer s.forget(successEvent, errorEvent)

	if err := s.write(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Event == errorEvent {
			return nil, decodeError(reply)
		}
		return reply, nil
	case <-s.closed:
		return nil, fmt.Errorf("connection closed: %w", s.err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *socket) expect(event string, ch chan *wire.Message) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending[event] = ch
}

func (s *socket) forget(events ...string) {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	for _, event := range events {
		delete(s.pending, event)
	}
}

// deliver hands a frame to a waiting request, if any.
func (s *socket) deliver(msg *wire.Message) bool {
	s.pendMu.Lock()
	ch, ok := s.pending[msg.Event]
	if ok {
		delete(s.pending, msg.Event)
	}
	s.pendMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// readLoop pumps frames until the connection dies, routing replies to
// waiting requests and everything else to the handler.
func (s *socket) readLoop(handle func(*wire.Message)) {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		msg, err := wire.ParseMessage(raw)
		if err != nil {
			continue
		}
		if s.deliver(msg) {
			continue
		}
		handle(msg)
	}
}

func (s *socket) shutdown(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.closed)
		s.ws.Close()
	})
}

func (s *socket) close() {
	s.writeMu.Lock()
	s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	s.shutdown(fmt.Errorf("closed by client"))
}

func decodeError(msg *wire.Message) error {
	var ep wire.ErrorPayload
	if err := msg.DecodeData(&ep); err != nil {
		return fmt.Errorf("broker error on %s: %w", msg.Event, err)
	}
	return &Error{
		Code:         string(ep.Code),
		Message:      ep.Message,
		RemainingBan: time.Duration(ep.RemainingBanSeconds) * time.Second,
	}
}
