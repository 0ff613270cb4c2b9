package connection

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of the managed socket.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether a socket in this state holds or is acquiring a connection.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected
}

// StateChange describes one transition. UserID is the identity the socket was
// bound to when the transition happened.
type StateChange struct {
	Previous State
	Current  State
	UserID   int64
	Err      error
}

// Connected reports whether the transition entered StateConnected.
func (c StateChange) Connected() bool {
	return c.Current == StateConnected && c.Previous != StateConnected
}

// Event is a server-pushed event tagged with the identity its socket authenticated as.
type Event struct {
	UserID int64
	Name   string
	Data   json.RawMessage
}
