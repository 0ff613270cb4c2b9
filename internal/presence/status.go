// Package presence decides whether the client should be connected and as what
// availability status, and tracks the last known status of other users.
package presence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/memohai/chatsync/internal/identity"
)

// Status is a self-reported availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// ErrInvalidStatus is returned for values other than online, dnd and offline.
var ErrInvalidStatus = errors.New("presence: invalid status")

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusDND, StatusOffline:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes and validates raw.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// FromAccountState maps the server's numeric account state to a status.
func FromAccountState(state int) Status {
	switch state {
	case identity.AccountStateDND:
		return StatusDND
	case identity.AccountStateOffline:
		return StatusOffline
	default:
		return StatusOnline
	}
}
