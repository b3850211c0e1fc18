package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/termlink/broker/internal/registry"
	"github.com/termlink/broker/internal/wire"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max message size per frame
	sendBuffer = 256              // Per-peer outbound channel buffer
)

// conn is one peer transport. Two goroutines with clear ownership:
// writePump owns ALL writes to ws (messages, pings, the close frame) and
// readPump owns ALL reads, which keeps handler processing in arrival
// order per peer. Everything else talks to the connection through Send
// and Close.
type conn struct {
	gw   *Gateway
	ws   *websocket.Conn
	send chan *wire.Message
	done chan struct{} // Signals shutdown to writePump
	once sync.Once     // Guards closing done

	mu     sync.Mutex
	id     registry.Identity
	authed bool
}

func newConn(gw *Gateway, ws *websocket.Conn) *conn {
	return &conn{
		gw:   gw,
		ws:   ws,
		send: make(chan *wire.Message, sendBuffer),
		done: make(chan struct{}),
	}
}

// identity returns the peer's authenticated identity, if the handshake
// has happened.
func (c *conn) identity() (registry.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id, c.authed
}

// setIdentity records the outcome of a successful handshake. Returns
// false when the connection already carried an identity, as on a
// Runner re-registering over the same transport.
func (c *conn) setIdentity(id registry.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	first := !c.authed
	c.id = id
	c.authed = true
	return first
}

// Send queues a message for the peer without blocking. False means the
// connection is shutting down or its buffer is full and the message was
// dropped.
func (c *conn) Send(msg *wire.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("send buffer full, dropping message", "peer", c.peerName(), "event", msg.Event)
		return false
	}
}

// Close asks the connection to shut down. The write pump flushes what is
// already queued, sends a close frame, and runs the disconnect
// bookkeeping exactly once. Safe to call more than once and from any
// goroutine.
func (c *conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) peerName() string {
	if id, ok := c.identity(); ok {
		return id.String()
	}
	return "unauthenticated"
}

func (c *conn) writeMessage(msg *wire.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// writePump serializes ALL writes to the websocket. It is the only
// goroutine that calls ws.WriteMessage, and its defer is the single
// place the connection's disconnect bookkeeping runs.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		c.ws.Close()
		c.gw.onDisconnect(c)
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeMessage(msg); err != nil {
				slog.Warn("write failed", "peer", c.peerName(), "error", err)
				return
			}
			// Drain queued messages in the same wakeup
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.writeMessage(<-c.send); err != nil {
					slog.Warn("batch write failed", "peer", c.peerName(), "error", err)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("ping failed", "peer", c.peerName(), "error", err)
				return
			}

		case <-c.done:
			// Flush anything queued before the shutdown was asked for,
			// so a final error reaches the peer ahead of the close frame.
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.writeMessage(<-c.send); err != nil {
					break
				}
			}
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump reads frames from the websocket and dispatches them. This is
// the ONLY goroutine that calls ws.ReadMessage, so a peer's events are
// processed one at a time in arrival order.
func (c *conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "peer", c.peerName(), "error", err)
			}
			return
		}

		msg, err := wire.ParseMessage(payload)
		if err != nil {
			slog.Info("dropping unparseable frame", "peer", c.peerName(), "error", err)
			continue
		}
		c.gw.dispatch(c, msg)
	}
}
