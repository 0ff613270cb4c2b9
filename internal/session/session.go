// Package session assembles one client session: identity, push connection,
// presence, reconciliation and catch-up sync, wired together explicitly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/memohai/chatsync/internal/api"
	"github.com/memohai/chatsync/internal/catchup"
	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/connection"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/notify"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/presence"
	"github.com/memohai/chatsync/internal/push"
)

// ErrNotSignedIn is returned by operations that need a bound user.
var ErrNotSignedIn = errors.New("session: not signed in")

// API is the server capability a session needs. *api.Client implements it.
type API interface {
	Me(ctx context.Context) (*identity.User, error)
	Login(ctx context.Context, email, password string) (api.Token, error)
	Logout(ctx context.Context) error
	MyChannels(ctx context.Context) ([]channel.Channel, error)
	CreateChannel(ctx context.Context, name string, private bool) (channel.Channel, error)
	UpdateNotificationMode(ctx context.Context, mode string) (*identity.User, error)
	FetchSince(ctx context.Context, since time.Time) (json.RawMessage, error)
}

// Deps are the collaborators a session does not build itself.
type Deps struct {
	Dialer push.Dialer
	Store  prefs.Store
	// API defaults to an api.Client for cfg.Server.
	API API
	// Sink receives notifications. Nil disables them.
	Sink notify.Sink
	Now  func() time.Time
}

// ConnectionSignal is published on event.TopicConnection.
type ConnectionSignal struct {
	From   string `json:"from"`
	To     string `json:"to"`
	UserID int64  `json:"userId"`
	Error  string `json:"error,omitempty"`
}

// Session owns every component of one running client.
type Session struct {
	Hub      *event.Hub
	Identity *identity.Binding
	Conn     *connection.Manager
	Presence *presence.Coordinator
	Channels *channel.Reconciler
	Sync     *catchup.Coordinator

	api      API
	store    prefs.Store
	notifier *notify.Notifier
	now      func() time.Time
	logger   *slog.Logger

	tokenMu sync.RWMutex
	token   string

	mu     sync.Mutex
	stops  []func()
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a session from cfg. Nothing connects until Start.
func New(log *slog.Logger, cfg config.Config, deps Deps) *Session {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	store := deps.Store
	if store == nil {
		store = prefs.NewMemoryStore()
	}
	s := &Session{
		Hub:    event.NewHub(),
		store:  store,
		now:    now,
		token:  strings.TrimSpace(cfg.Auth.Token),
		logger: logger.Component(log, "session"),
	}
	s.api = deps.API
	if s.api == nil {
		s.api = api.NewClient(log, cfg.Server, cfg.Sync, s.Token)
	}

	s.Identity = identity.NewBinding(log, s.api)
	s.Conn = connection.NewManager(log, deps.Dialer, connection.Options{
		Endpoint: cfg.Server.PushURL,
		Token:    s.Token,
		Push:     cfg.Push,
	})
	roster := presence.NewRoster()
	s.Channels = channel.NewReconciler(log, s.Identity, store, channel.Options{
		Roster:    roster,
		Publisher: s.Hub,
		Now:       now,
	})
	s.Sync = catchup.NewCoordinator(log, s.Conn, s.Identity, store, s.api, s.Channels, catchup.Options{
		Publisher: s.Hub,
		Now:       now,
		Schedule:  cfg.Sync.Schedule,
	})
	s.Presence = presence.NewCoordinator(log, s.Conn, s.Identity, store, roster, presence.Options{
		Refresher: s,
		Syncer:    s.Sync,
		Reconnect: cfg.Push.Reconnect,
	})
	if deps.Sink != nil {
		s.notifier = notify.NewNotifier(log, s.Identity, s.Presence, deps.Sink)
	}
	return s
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

func (s *Session) setToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

// Start restores persisted state, starts the coordinators and, when a token is
// configured, resolves the signed-in user.
func (s *Session) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logger.WithContext(runCtx, s.logger)

	if err := s.Channels.LoadInvites(runCtx); err != nil {
		s.logger.Warn("pending invites not restored", slog.Any("error", err))
	}

	s.mu.Lock()
	s.cancel = cancel
	s.stops = append(s.stops,
		s.Conn.OnEvent(s.Channels.Observe(runCtx)),
		s.Conn.OnStateChange(s.publishState),
		s.Identity.OnChange(func(change identity.Change) {
			if change.Current == nil || (change.Previous != nil && change.IdentityChanged()) {
				s.Channels.Clear(runCtx)
			}
		}),
	)
	s.mu.Unlock()

	if err := s.Sync.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start sync: %w", err)
	}
	if err := s.Presence.Start(runCtx); err != nil {
		s.logger.Warn("initial presence not applied", slog.Any("error", err))
	}
	if s.notifier != nil {
		done := make(chan struct{})
		s.mu.Lock()
		s.done = done
		s.mu.Unlock()
		go func() {
			defer close(done)
			s.notifier.Run(runCtx, s.Hub)
		}()
	}

	if s.Token() == "" {
		s.logger.Info("no token configured, waiting for login")
		return nil
	}
	return s.resume(ctx)
}

// resume checks the stored token and loads the channel list for the bound user.
func (s *Session) resume(ctx context.Context) error {
	if err := identity.ValidateToken(s.Token(), s.now()); err != nil {
		s.setToken("")
		return fmt.Errorf("stored token: %w", err)
	}
	ok, err := s.Identity.Check(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.setToken("")
		return ErrNotSignedIn
	}
	if err := s.RefreshChannels(ctx); err != nil {
		s.logger.Warn("initial channel list failed", slog.Any("error", err))
	}
	return nil
}

// Login adopts token and binds the user it belongs to.
func (s *Session) Login(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if err := identity.ValidateToken(token, s.now()); err != nil {
		return err
	}
	s.setToken(token)
	return s.resume(ctx)
}

// LoginWithPassword exchanges credentials for a token and logs in with it.
func (s *Session) LoginWithPassword(ctx context.Context, email, password string) error {
	token, err := s.api.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return s.Login(ctx, token.Token)
}

// Logout revokes the token best-effort and clears every user-scoped state.
func (s *Session) Logout(ctx context.Context) {
	if s.Token() != "" {
		if err := s.api.Logout(ctx); err != nil {
			s.logger.Debug("server logout failed", slog.Any("error", err))
		}
	}
	s.setToken("")
	s.Identity.Clear()
}

// RefreshChannels replaces the channel list with the server's. A 401 signs the user out.
func (s *Session) RefreshChannels(ctx context.Context) error {
	userID := s.Identity.CurrentUserID()
	if userID <= 0 {
		return ErrNotSignedIn
	}
	channels, err := s.api.MyChannels(ctx)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			s.logger.Warn("token rejected, signing out")
			s.setToken("")
			s.Identity.Clear()
		}
		return fmt.Errorf("refresh channels: %w", err)
	}
	if s.Identity.CurrentUserID() != userID {
		return identity.ErrChanged
	}
	s.Channels.ReplaceChannels(channels)
	return nil
}

// CreateChannel creates a channel on the server and adds it locally.
func (s *Session) CreateChannel(ctx context.Context, name string, private bool) (channel.Channel, error) {
	if s.Identity.CurrentUserID() <= 0 {
		return channel.Channel{}, ErrNotSignedIn
	}
	created, err := s.api.CreateChannel(ctx, name, private)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return s.Channels.Upsert(ctx, channel.PatchFromChannel(created))
}

// SetNotificationMode updates the account setting and rebinds the returned profile.
func (s *Session) SetNotificationMode(ctx context.Context, mode string) error {
	userID := s.Identity.CurrentUserID()
	if userID <= 0 {
		return ErrNotSignedIn
	}
	user, err := s.api.UpdateNotificationMode(ctx, mode)
	if err != nil {
		return fmt.Errorf("update notification mode: %w", err)
	}
	if user == nil || user.ID != userID {
		return identity.ErrChanged
	}
	s.Identity.Set(*user)
	return nil
}

// SetStatus changes the preferred presence status.
func (s *Session) SetStatus(ctx context.Context, status presence.Status) error {
	return s.Presence.SetStatus(ctx, status)
}

// Close stops the coordinators and closes the socket.
func (s *Session) Close() {
	s.mu.Lock()
	stops, cancel, done := s.stops, s.cancel, s.done
	s.stops = nil
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	s.Presence.Stop()
	s.Sync.Stop()
	s.Conn.Disconnect()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Session) publishState(change connection.StateChange) {
	signal := ConnectionSignal{
		From:   change.Previous.String(),
		To:     change.Current.String(),
		UserID: change.UserID,
	}
	if change.Err != nil {
		signal.Error = change.Err.Error()
	}
	s.Hub.Publish(event.NewEvent(event.TopicConnection, signal.To, signal))
}
