// Package wire defines the broker's message protocol: the JSON envelope
// exchanged over a peer's websocket, the event names for both the Runner
// and App sides, and the payload shapes for each event.
//
// Every frame on the wire is one envelope:
//
//	{"event": "app:pair", "data": {"pairingCode": "ABC-123-XYZ"}}
//
// Terminal byte events (terminal_input, terminal_output, terminal_resize)
// are forwarded by the broker without interpreting their data; only the
// sessionId field is examined for routing.
package wire

import (
	"encoding/json"
	"fmt"
)

// Runner-originated events.
const (
	EventRunnerRegister        = "runner:register"
	EventRunnerRegisterSuccess = "runner:register:success"
	EventRunnerRegisterError   = "runner:register:error"
	EventRunnerHeartbeat       = "runner:heartbeat"
)

// App-originated events and their replies.
const (
	EventAppAuth               = "app:auth"
	EventAppAuthSuccess        = "app:auth:success"
	EventAppAuthError          = "app:auth:error"
	EventAppPair               = "app:pair"
	EventAppPairSuccess        = "app:pair:success"
	EventAppPairError          = "app:pair:error"
	EventAppPairingStatus      = "app:pairing:status"
	EventAppPairingStatusResp  = "app:pairing:status:response"
	EventAppPairingStatusError = "app:pairing:status:error"
	EventAppUnpair             = "app:unpair"
	EventAppUnpairSuccess      = "app:unpair:success"
	EventAppUnpairError        = "app:unpair:error"
)

// Broker-originated fan-out events.
const (
	EventRunnerOnline  = "runner:online"
	EventRunnerOffline = "runner:offline"
)

// Terminal bridge events. connect_runner is gated by the pairing check;
// the rest are forwarded between the paired App and Runner by identity
// lookup on every message.
const (
	EventConnectRunner        = "connect_runner"
	EventConnectRunnerSuccess = "connect_runner:success"
	EventConnectRunnerError   = "connect_runner:error"
	EventTerminalInput        = "terminal_input"
	EventTerminalOutput       = "terminal_output"
	EventTerminalResize       = "terminal_resize"
	EventSessionEnded         = "session_ended"
)

// Message is the envelope for every frame exchanged with a peer.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope with the payload marshaled into Data.
// A nil payload produces an envelope with no data field.
func NewMessage(event string, payload any) (*Message, error) {
	m := &Message{Event: event}
	if payload == nil {
		return m, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	m.Data = raw
	return m, nil
}

// MustMessage is NewMessage for payloads built from static structs, where
// a marshal failure is a programming error.
func MustMessage(event string, payload any) *Message {
	m, err := NewMessage(event, payload)
	if err != nil {
		panic(err)
	}
	return m
}

// DecodeData unmarshals the envelope's data field into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return nil
}

// ParseMessage decodes one wire frame into an envelope.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if m.Event == "" {
		return nil, fmt.Errorf("parse message: missing event")
	}
	return &m, nil
}

// RunnerRegister is the Runner's combined authentication and code
// registration request. PairingCode may be empty, in which case the broker
// allocates one and echoes it in the success payload.
type RunnerRegister struct {
	RunnerID    string `json:"runnerId"`
	PairingCode string `json:"pairingCode,omitempty"`
	Secret      string `json:"secret"`
}

// RunnerRegisterSuccess acknowledges registration. PairingCode always
// carries the advertised code, whether runner-supplied or broker-generated.
type RunnerRegisterSuccess struct {
	RunnerID    string `json:"runnerId"`
	PairingCode string `json:"pairingCode"`
}

// RunnerHeartbeat refreshes the Runner's liveness window. Expected every
// 10 seconds while advertised.
type RunnerHeartbeat struct {
	RunnerID string `json:"runnerId"`
}

// AppAuth is the App's authentication handshake, the first message an App
// transport must send. The token is opaque to the protocol; the verifier
// derives the App's stable identity from it.
type AppAuth struct {
	Token string `json:"token"`
}

// AppAuthSuccess reports the stable identity the broker derived.
type AppAuthSuccess struct {
	AppID string `json:"appId"`
}

// AppPair exchanges a pairing code for a binding.
type AppPair struct {
	PairingCode string `json:"pairingCode"`
}

// AppPairSuccess reports the created binding. PairedAt is epoch
// milliseconds.
type AppPairSuccess struct {
	RunnerID string `json:"runnerId"`
	PairedAt int64  `json:"pairedAt"`
}

// PairingStatus answers app:pairing:status. RunnerID, RunnerOnline and
// PairedAt are meaningful only when Paired is true.
type PairingStatus struct {
	Paired       bool   `json:"paired"`
	RunnerID     string `json:"runnerId,omitempty"`
	RunnerOnline bool   `json:"runnerOnline"`
	PairedAt     int64  `json:"pairedAt,omitempty"`
}

// AppUnpairSuccess reports which Runner the binding pointed at, when one
// existed.
type AppUnpairSuccess struct {
	RunnerID string `json:"runnerId,omitempty"`
}

// RunnerState is the payload of runner:online and runner:offline fan-out.
type RunnerState struct {
	RunnerID string `json:"runnerId"`
}

// ConnectRunner asks the broker to open a terminal session on a Runner the
// App has paired with. SessionID is chosen by the App and scopes all
// subsequent terminal events.
type ConnectRunner struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

// ConnectRunnerSuccess acknowledges that the Runner was instructed to open
// the session.
type ConnectRunnerSuccess struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

// BridgeOpen is what the Runner receives when a gated connect_runner is
// accepted on its behalf.
type BridgeOpen struct {
	AppID     string `json:"appId"`
	SessionID string `json:"sessionId"`
}

// SessionRef extracts the routing key from terminal events without
// touching the rest of the payload.
type SessionRef struct {
	SessionID string `json:"sessionId"`
}

// SessionEnded closes a terminal session. Reason is advisory.
type SessionEnded struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}
