package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/version"
)

// WSDialer creates websocket sockets speaking the JSON frame protocol.
type WSDialer struct {
	logger *slog.Logger
	dialer *websocket.Dialer
	header http.Header
}

// NewWSDialer builds a dialer with the handshake timeout from cfg.
func NewWSDialer(log *slog.Logger, cfg config.PushConfig) *WSDialer {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	return &WSDialer{
		logger: logger.Component(log, "push"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout(),
		},
		header: header,
	}
}

// Dial returns an unconnected socket for endpoint.
func (d *WSDialer) Dial(endpoint string, opts Options) Socket {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = config.DefaultHandshakeTimeoutMS * time.Millisecond
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = config.DefaultReconnectDelayMS * time.Millisecond
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay
	}
	id := uuid.NewString()
	return &wsSocket{
		id:       id,
		endpoint: endpoint,
		dialer:   d.dialer,
		header:   d.header,
		opts:     opts,
		handlers: map[string][]Handler{},
		logger:   d.logger.With(slog.String("socket_id", id)),
	}
}

type wsSocket struct {
	id       string
	endpoint string
	dialer   *websocket.Dialer
	header   http.Header
	logger   *slog.Logger

	mu        sync.Mutex
	opts      Options
	handlers  map[string][]Handler
	any       []AnyHandler
	conn      *websocket.Conn
	connected bool
	gen       uint64
	cancel    context.CancelFunc
	kick      chan struct{}

	writeMu sync.Mutex
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) Connect() {
	s.mu.Lock()
	if s.cancel != nil {
		kick := s.kick
		s.mu.Unlock()
		select {
		case kick <- struct{}{}:
		default:
		}
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.gen++
	s.cancel = cancel
	s.kick = make(chan struct{}, 1)
	gen, kick := s.gen, s.kick
	s.mu.Unlock()

	go s.run(ctx, gen, kick)
}

func (s *wsSocket) SetAuth(auth Auth) {
	s.mu.Lock()
	s.opts.Auth = auth
	s.mu.Unlock()
}

func (s *wsSocket) SetReconnect(enabled bool) {
	s.mu.Lock()
	s.opts.Reconnect = enabled
	s.mu.Unlock()
}

func (s *wsSocket) On(event string, h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], h)
	s.mu.Unlock()
}

func (s *wsSocket) OnAny(h AnyHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.any = append(s.any, h)
	s.mu.Unlock()
}

func (s *wsSocket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *wsSocket) Disconnect() {
	s.mu.Lock()
	cancel, conn := s.cancel, s.conn
	s.cancel = nil
	s.conn = nil
	s.connected = false
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (s *wsSocket) Emit(ctx context.Context, event string, payload any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return ErrClosed
	}
	return s.write(ctx, conn, event, payload)
}

func (s *wsSocket) write(ctx context.Context, conn *websocket.Conn, event string, payload any) error {
	frame := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		frame.Data = data
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.handshakeTimeout())
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (s *wsSocket) handshakeTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.HandshakeTimeout
}

// current reports whether gen still owns the socket.
func (s *wsSocket) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *wsSocket) run(ctx context.Context, gen uint64, kick <-chan struct{}) {
	s.mu.Lock()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.ReconnectDelay
	b.MaxInterval = s.opts.MaxReconnectDelay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.gen == gen && s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil || !s.current(gen) {
				return
			}
			s.logger.Warn("push connect failed", slog.Any("error", err))
			s.dispatch(gen, EventConnectError, errorPayload(err))
			if errors.Is(err, ErrAuthRejected) || !s.reconnectEnabled() {
				return
			}
		} else {
			if !s.attach(gen, conn) {
				_ = conn.Close()
				return
			}
			b.Reset()
			s.logger.Info("push connected")
			s.dispatch(gen, EventConnect, nil)

			readErr := s.readLoop(gen, conn)
			if !s.detach(gen, conn) {
				return
			}
			_ = conn.Close()
			s.logger.Info("push disconnected", slog.Any("error", readErr))
			s.dispatch(gen, EventDisconnect, errorPayload(readErr))
			if !s.reconnectEnabled() {
				return
			}
		}

		delay := b.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *wsSocket) reconnectEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Reconnect
}

// open dials the endpoint and performs the auth exchange.
func (s *wsSocket) open(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	auth := s.opts.Auth
	timeout := s.opts.HandshakeTimeout
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, resp, err := s.dialer.DialContext(dialCtx, s.endpoint, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}

	if err := s.write(dialCtx, conn, EventAuth, auth); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var reply Frame
	if err := json.Unmarshal(raw, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode handshake reply: %w", err)
	}
	switch reply.Event {
	case EventConnect:
		return conn, nil
	case EventConnectError:
		_ = conn.Close()
		var payload ErrorPayload
		_ = json.Unmarshal(reply.Data, &payload)
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, payload.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Event)
	}
}

func (s *wsSocket) attach(gen uint64, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.conn = conn
	s.connected = true
	return true
}

func (s *wsSocket) detach(gen uint64, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.conn != conn {
		return false
	}
	s.conn = nil
	s.connected = false
	return true
}

func (s *wsSocket) readLoop(gen uint64, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			s.logger.Debug("push frame dropped", slog.Int("bytes", len(raw)))
			continue
		}
		if IsReserved(frame.Event) {
			continue
		}
		s.dispatch(gen, frame.Event, frame.Data)
	}
}

// dispatch runs handlers for event unless the socket was disconnected since gen started.
func (s *wsSocket) dispatch(gen uint64, event string, data json.RawMessage) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	handlers := append([]Handler(nil), s.handlers[event]...)
	var anyHandlers []AnyHandler
	if !IsReserved(event) {
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

func errorPayload(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	raw, _ := json.Marshal(ErrorPayload{Message: err.Error()})
	return raw
}
