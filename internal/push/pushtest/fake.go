// Package pushtest provides an in-memory push transport for tests.
package pushtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/memohai/chatsync/internal/push"
)

// Dialer records every socket it creates.
type Dialer struct {
	mu      sync.Mutex
	sockets []*Socket
	// Overlaps counts dials that happened while another socket was still live.
	Overlaps int
}

// Dial implements push.Dialer.
func (d *Dialer) Dial(endpoint string, opts push.Options) push.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sockets {
		if s.Live() {
			d.Overlaps++
		}
	}
	s := &Socket{
		id:        fmt.Sprintf("fake-%d", len(d.sockets)+1),
		Endpoint:  endpoint,
		auth:      opts.Auth,
		reconnect: opts.Reconnect,
		handlers:  map[string][]push.Handler{},
	}
	d.sockets = append(d.sockets, s)
	return s
}

// Sockets returns every socket dialed so far.
func (d *Dialer) Sockets() []*Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Socket(nil), d.sockets...)
}

// Last returns the most recently dialed socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// LiveCount is the number of sockets that were connected (or asked to) and not disconnected.
func (d *Dialer) LiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.sockets {
		if s.Live() {
			n++
		}
	}
	return n
}

// Emitted is one frame sent by the client.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Socket is a push.Socket driven by the test. Nothing is delivered until the test
// calls Accept, Drop, Reject or Push.
type Socket struct {
	id       string
	Endpoint string

	mu           sync.Mutex
	auth         push.Auth
	reconnect    bool
	live         bool
	connected    bool
	connectCalls int
	disconnects  int
	handlers     map[string][]push.Handler
	any          []push.AnyHandler
	emitted      []Emitted
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) Connect() {
	s.mu.Lock()
	s.live = true
	s.connectCalls++
	s.mu.Unlock()
}

func (s *Socket) SetAuth(auth push.Auth) {
	s.mu.Lock()
	s.auth = auth
	s.mu.Unlock()
}

func (s *Socket) On(event string, h push.Handler) {
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *Socket) OnAny(h push.AnyHandler) {
	s.mu.Lock()
	s.any = append(s.any, h)
	s.mu.Unlock()
}

func (s *Socket) Emit(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return push.ErrClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.emitted = append(s.emitted, Emitted{Event: event, Payload: raw})
	return nil
}

func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.live = false
	s.connected = false
	s.mu.Unlock()
}

func (s *Socket) SetReconnect(enabled bool) {
	s.mu.Lock()
	s.reconnect = enabled
	s.mu.Unlock()
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Live reports whether the socket was asked to connect and not disconnected since.
func (s *Socket) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Auth returns the current handshake payload.
func (s *Socket) Auth() push.Auth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// Reconnect reports the transport reconnect flag.
func (s *Socket) Reconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

// ConnectCalls counts Connect invocations.
func (s *Socket) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// DisconnectCalls counts Disconnect invocations.
func (s *Socket) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// Emitted returns the frames sent so far.
func (s *Socket) Emitted() []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Emitted(nil), s.emitted...)
}

// Accept completes the handshake and raises connect.
func (s *Socket) Accept() {
	s.mu.Lock()
	s.live = true
	s.connected = true
	s.mu.Unlock()
	s.fire(push.EventConnect, nil)
}

// Drop simulates the server closing the connection.
func (s *Socket) Drop() {
	s.mu.Lock()
	s.connected = false
	s.live = s.reconnect
	s.mu.Unlock()
	s.fire(push.EventDisconnect, nil)
}

// Reject raises connect_error with message.
func (s *Socket) Reject(message string) {
	s.mu.Lock()
	s.connected = false
	s.live = false
	s.mu.Unlock()
	raw, _ := json.Marshal(push.ErrorPayload{Message: message})
	s.fire(push.EventConnectError, raw)
}

// Push delivers a server event with a JSON payload.
func (s *Socket) Push(event string, payload string) {
	s.fire(event, json.RawMessage(payload))
}

func (s *Socket) fire(event string, data json.RawMessage) {
	s.mu.Lock()
	handlers := append([]push.Handler(nil), s.handlers[event]...)
	var anyHandlers []push.AnyHandler
	if !push.IsReserved(event) {
		anyHandlers = append(anyHandlers, s.any...)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	for _, h := range anyHandlers {
		h(event, data)
	}
}

var _ push.Socket = (*Socket)(nil)
var _ push.Dialer = (*Dialer)(nil)
