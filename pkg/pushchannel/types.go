// Package pushchannel multiplexes presence subscriptions over one shared push connection per endpoint.
package pushchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/types"
)

// ConnectionState is the lifecycle state of a shared connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionEventKind names a lifecycle notification.
type ConnectionEventKind string

const (
	EventConnected    ConnectionEventKind = "connected"
	EventDisconnected ConnectionEventKind = "disconnected"
	EventConnectError ConnectionEventKind = "connect_error"
	EventReconnecting ConnectionEventKind = "reconnecting"
	// EventExhausted is terminal: the reconnect budget is spent. It is reported, never raised.
	EventExhausted ConnectionEventKind = "exhausted"
)

// ConnectionEvent is delivered to every subscriber of a connection.
type ConnectionEvent struct {
	Kind     ConnectionEventKind
	Endpoint string
	// Reason holds the disconnect reason or connect error message.
	Reason  string
	Attempt int
	Delay   time.Duration
}

// Handlers are invoked synchronously on the connection's read goroutine.
// Implementations must not block.
type Handlers struct {
	OnUpdate          func(types.Update)
	OnConnectionEvent func(ConnectionEvent)
	OnRateLimited     func()
}

// Conn is a single established push connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer establishes push connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialError reports a failed connection attempt. StatusCode is the handshake's HTTP
// status when the server answered, zero otherwise.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial failed with HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Wire frames. Every frame is an envelope naming the event and carrying its data.
const (
	eventSubscribe  = "subscribe"
	eventUserUpdate = "userUpdate"
)

type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type interestRegistration struct {
	UserID      string   `json:"userId"`
	UpdateTypes []string `json:"updateTypes"`
}

type userUpdatePayload struct {
	UpdateType string `json:"updateType"`
	Status     string `json:"status,omitempty"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	UserID     string `json:"userId,omitempty"`
}
