// Package push is the live transport the server uses to deliver named events to the client.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Reserved event names raised by the transport itself.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// EventAuth is the first frame a client sends after the websocket opens.
const EventAuth = "auth"

var (
	// ErrAuthRejected is reported when the server answers the auth frame with connect_error.
	ErrAuthRejected = errors.New("push: auth rejected")
	// ErrClosed is returned by Emit when the socket has no live connection.
	ErrClosed = errors.New("push: socket is not connected")
)

// Auth is the handshake payload bound to a socket.
type Auth struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// Options configures a socket at dial time.
type Options struct {
	Auth Auth
	// Reconnect lets the socket re-dial on its own after an unexpected drop.
	Reconnect         bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	HandshakeTimeout  time.Duration
}

// Frame is the JSON envelope of every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of a connect_error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Handler receives the raw payload of one named event.
type Handler func(data json.RawMessage)

// AnyHandler receives every non-reserved event.
type AnyHandler func(event string, data json.RawMessage)

// Socket is a single push connection. Handlers of one socket run sequentially on
// its reader goroutine in arrival order. Disconnect never invokes handlers itself.
type Socket interface {
	ID() string
	// Connect starts connecting in the background. It is a no-op while a connection
	// attempt is already running, except that a pending reconnect delay is skipped.
	Connect()
	// SetAuth replaces the handshake payload used by the next connection attempt.
	SetAuth(auth Auth)
	On(event string, h Handler)
	OnAny(h AnyHandler)
	Emit(ctx context.Context, event string, payload any) error
	Disconnect()
	SetReconnect(enabled bool)
	Connected() bool
}

// Dialer allocates sockets. A new socket does not connect until Connect is called.
type Dialer interface {
	Dial(endpoint string, opts Options) Socket
}

// IsReserved reports whether name is raised by the transport rather than the server.
func IsReserved(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventConnectError:
		return true
	default:
		return false
	}
}
