// Package connection owns the single push socket of a client session and its
// lifecycle: which identity it is bound to and whether it is live.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/push"
)

var (
	// ErrNoIdentity is returned by Connect when there is no user to authenticate as.
	ErrNoIdentity = errors.New("connection: no identity")
	// ErrNotConnected is returned by Emit when no socket is connected.
	ErrNotConnected = errors.New("connection: not connected")
)

// Options configures a Manager.
type Options struct {
	Endpoint string
	// Token returns the bearer token sent in the auth payload. Optional.
	Token func() string
	Push  config.PushConfig
}

// Manager is the only component that creates, reuses or closes the push socket.
// Observers run after the manager lock is released, in registration order.
type Manager struct {
	dialer   push.Dialer
	endpoint string
	token    func() string
	pushCfg  config.PushConfig
	logger   *slog.Logger

	mu            sync.Mutex
	socket        push.Socket
	userID        int64
	state         State
	autoReconnect bool

	stateObservers event.Observers[StateChange]
	eventObservers event.Observers[Event]
}

// NewManager creates a disconnected manager.
func NewManager(log *slog.Logger, dialer push.Dialer, opts Options) *Manager {
	return &Manager{
		dialer:        dialer,
		endpoint:      opts.Endpoint,
		token:         opts.Token,
		pushCfg:       opts.Push,
		logger:        logger.Component(log, "connection"),
		autoReconnect: opts.Push.Reconnect,
	}
}

// Connect ensures a socket authenticated as userID exists and is connecting or connected.
//
// Calling it again for the same user while the socket is live returns that socket.
// A live socket bound to another user is closed before the new one is dialed. A socket
// that is not live is reused with a fresh auth payload; when the user differs, any
// attempt still running with the previous payload is abandoned first.
func (m *Manager) Connect(ctx context.Context, userID int64) (push.Socket, error) {
	if userID <= 0 {
		return nil, ErrNoIdentity
	}

	var changes []StateChange
	m.mu.Lock()
	if m.socket != nil && m.userID == userID && m.state.Live() {
		s := m.socket
		m.mu.Unlock()
		return s, nil
	}

	if m.socket != nil && m.userID != userID && m.state.Live() {
		old, prevUser := m.socket, m.userID
		m.logger.Info("identity changed, closing socket",
			slog.Int64("previous_user_id", prevUser), slog.Int64("user_id", userID))
		old.Disconnect()
		m.socket = nil
		m.userID = 0
		if change, ok := m.transition(StateDisconnected, prevUser, nil); ok {
			changes = append(changes, change)
		}
	}

	s := m.socket
	if s != nil {
		if m.userID != userID {
			// A reconnect attempt may still be handshaking with the old auth.
			s.Disconnect()
		}
		s.SetAuth(m.auth(userID))
		s.SetReconnect(m.autoReconnect)
		m.logger.Debug("reusing socket", slog.String("socket_id", s.ID()), slog.Int64("user_id", userID))
	} else {
		s = m.dialer.Dial(m.endpoint, push.Options{
			Auth:              m.auth(userID),
			Reconnect:         m.autoReconnect,
			ReconnectDelay:    m.pushCfg.ReconnectDelay(),
			MaxReconnectDelay: m.pushCfg.MaxReconnectDelay(),
			HandshakeTimeout:  m.pushCfg.HandshakeTimeout(),
		})
		m.bind(s)
		m.socket = s
		m.logger.Debug("socket created", slog.String("socket_id", s.ID()), slog.Int64("user_id", userID))
	}
	m.userID = userID
	if change, ok := m.transition(StateConnecting, userID, nil); ok {
		changes = append(changes, change)
	}
	s.Connect()
	m.mu.Unlock()

	m.notify(changes...)
	return s, nil
}

// Disconnect closes the socket and clears the identity binding.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	s, userID := m.socket, m.userID
	m.socket = nil
	m.userID = 0
	if s != nil {
		s.Disconnect()
	}
	change, ok := m.transition(StateDisconnected, userID, nil)
	m.mu.Unlock()

	if ok {
		m.notify(change)
	}
}

// Emit sends an event over the connected socket.
func (m *Manager) Emit(ctx context.Context, name string, payload any) error {
	m.mu.Lock()
	s, state := m.socket, m.state
	m.mu.Unlock()
	if s == nil || state != StateConnected {
		return ErrNotConnected
	}
	if err := s.Emit(ctx, name, payload); err != nil {
		return fmt.Errorf("emit %s: %w", name, err)
	}
	return nil
}

// SetAutoReconnect toggles the transport's own reconnection for the current and future sockets.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = enabled
	if m.socket != nil {
		m.socket.SetReconnect(enabled)
	}
}

// Socket returns the current socket, or nil after Disconnect.
func (m *Manager) Socket() push.Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// UserID returns the identity the socket is bound to, or 0.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// Connected reports whether the socket is connected.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// OnStateChange registers fn for every lifecycle transition.
func (m *Manager) OnStateChange(fn func(StateChange)) func() {
	return m.stateObservers.Add(fn)
}

// OnEvent registers fn for every server-pushed event of the current socket.
func (m *Manager) OnEvent(fn func(Event)) func() {
	return m.eventObservers.Add(fn)
}

func (m *Manager) auth(userID int64) push.Auth {
	auth := push.Auth{UserID: userID}
	if m.token != nil {
		auth.Token = m.token()
	}
	return auth
}

// transition must be called with m.mu held.
func (m *Manager) transition(next State, userID int64, err error) (StateChange, bool) {
	prev := m.state
	m.state = next
	if prev == next && err == nil {
		return StateChange{}, false
	}
	return StateChange{Previous: prev, Current: next, UserID: userID, Err: err}, true
}

func (m *Manager) notify(changes ...StateChange) {
	for _, change := range changes {
		m.logger.Debug("connection state",
			slog.String("from", change.Previous.String()),
			slog.String("to", change.Current.String()),
			slog.Int64("user_id", change.UserID))
		m.stateObservers.Notify(change)
	}
}

func (m *Manager) bind(s push.Socket) {
	s.On(push.EventConnect, func(json.RawMessage) {
		m.onTransport(s, StateConnected, nil)
	})
	s.On(push.EventDisconnect, func(json.RawMessage) {
		m.onTransport(s, StateDisconnected, nil)
	})
	s.On(push.EventConnectError, func(data json.RawMessage) {
		var payload push.ErrorPayload
		_ = json.Unmarshal(data, &payload)
		err := fmt.Errorf("push connect: %s", payload.Message)
		m.logger.Warn("push connect error", slog.String("socket_id", s.ID()), slog.Any("error", err))
		m.onTransport(s, StateDisconnected, err)
	})
	s.OnAny(func(name string, data json.RawMessage) {
		m.mu.Lock()
		if m.socket != s {
			m.mu.Unlock()
			return
		}
		userID := m.userID
		m.mu.Unlock()
		m.eventObservers.Notify(Event{UserID: userID, Name: name, Data: data})
	})
}

// onTransport applies a transition raised by s, ignoring sockets that were replaced.
// The identity binding survives a transport drop so the socket can be reused.
func (m *Manager) onTransport(s push.Socket, next State, err error) {
	m.mu.Lock()
	if m.socket != s {
		m.mu.Unlock()
		return
	}
	change, ok := m.transition(next, m.userID, err)
	m.mu.Unlock()
	if ok {
		m.notify(change)
	}
}
