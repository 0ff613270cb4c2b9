package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/memohai/chatsync/internal/connection"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/push"
)

// EventStatusUpdate is emitted to tell the server the self status.
const EventStatusUpdate = "status:update"

// Connector is the part of connection.Manager the coordinator drives.
type Connector interface {
	Connect(ctx context.Context, userID int64) (push.Socket, error)
	Disconnect()
	Emit(ctx context.Context, name string, payload any) error
	SetAutoReconnect(enabled bool)
	Connected() bool
	OnStateChange(fn func(connection.StateChange)) func()
}

// Identity is the part of identity.Binding the coordinator reads.
type Identity interface {
	CurrentUserID() int64
	User() (identity.User, bool)
	OnChange(fn func(identity.Change)) func()
}

// ChannelRefresher reloads the full channel list.
type ChannelRefresher interface {
	RefreshChannels(ctx context.Context) error
}

// SyncRequester asks for a catch-up pass.
type SyncRequester interface {
	Request(ctx context.Context)
}

// Options wires optional collaborators.
type Options struct {
	Refresher ChannelRefresher
	Syncer    SyncRequester
	// Reconnect is the transport reconnect setting used while not offline.
	Reconnect bool
}

// StatusPayload is the body of status:update.
type StatusPayload struct {
	Status Status `json:"status"`
}

// Coordinator turns the preferred status into connect and disconnect decisions.
type Coordinator struct {
	conn      Connector
	ident     Identity
	store     prefs.Store
	roster    *Roster
	refresher ChannelRefresher
	syncer    SyncRequester
	reconnect bool
	logger    *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	current    Status
	applied    bool
	appVisible bool
	stops      []func()
}

// NewCoordinator creates a coordinator. Call Start to begin observing.
func NewCoordinator(log *slog.Logger, conn Connector, ident Identity, store prefs.Store, roster *Roster, opts Options) *Coordinator {
	if roster == nil {
		roster = NewRoster()
	}
	return &Coordinator{
		conn:       conn,
		ident:      ident,
		store:      store,
		roster:     roster,
		refresher:  opts.Refresher,
		syncer:     opts.Syncer,
		reconnect:  opts.Reconnect,
		logger:     logger.Component(log, "presence"),
		current:    StatusOffline,
		appVisible: true,
	}
}

// Roster returns the per-user status map.
func (c *Coordinator) Roster() *Roster { return c.roster }

// Start subscribes to connection and identity changes and applies the preferred status.
// ctx is used for work triggered by those signals and should live as long as the session.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.stops = append(c.stops,
		c.conn.OnStateChange(c.onStateChange),
		c.ident.OnChange(c.onIdentityChange),
	)
	c.mu.Unlock()

	return c.Apply(ctx, c.PreferredStatus(ctx))
}

// Stop removes the subscriptions made by Start.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stops := c.stops
	c.stops = nil
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Current returns the last applied status.
func (c *Coordinator) Current() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// PreferredStatus returns the stored choice, or one derived from the account state.
func (c *Coordinator) PreferredStatus(ctx context.Context) Status {
	raw, ok, err := c.store.Get(ctx, prefs.KeyPreferredStatus)
	if err != nil {
		c.logger.Warn("read preferred status failed", slog.Any("error", err))
	}
	if ok {
		if status, err := ParseStatus(raw); err == nil {
			return status
		}
		c.logger.Debug("ignoring stored status", slog.String("value", raw))
	}
	if user, bound := c.ident.User(); bound {
		return FromAccountState(user.State)
	}
	return StatusOnline
}

// SetStatus persists status as the preferred one and applies it.
func (c *Coordinator) SetStatus(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if err := c.store.Set(ctx, prefs.KeyPreferredStatus, string(status)); err != nil {
		c.logger.Warn("persist preferred status failed", slog.Any("error", err))
	}
	if userID := c.ident.CurrentUserID(); userID > 0 {
		c.roster.Set(userID, status)
	}
	return c.Apply(ctx, status)
}

// Apply makes the connection match status. Leaving offline after the first apply
// also refreshes the channel list and requests one sync pass.
func (c *Coordinator) Apply(ctx context.Context, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	c.mu.Lock()
	prev, applied := c.current, c.applied
	c.current = status
	c.applied = true
	c.mu.Unlock()

	userID := c.ident.CurrentUserID()
	if status == StatusOffline || userID <= 0 {
		c.conn.SetAutoReconnect(false)
		c.conn.Disconnect()
		c.logger.Debug("presence offline", slog.Int64("user_id", userID))
		return nil
	}

	c.conn.SetAutoReconnect(c.reconnect)
	if _, err := c.conn.Connect(ctx, userID); err != nil {
		return fmt.Errorf("connect as %d: %w", userID, err)
	}
	if c.conn.Connected() {
		c.emitStatus(ctx, status)
	}

	if applied && prev == StatusOffline {
		c.logger.Info("back from offline", slog.String("status", string(status)))
		if c.refresher != nil {
			if err := c.refresher.RefreshChannels(ctx); err != nil {
				c.logger.Warn("channel refresh failed", slog.Any("error", err))
			}
		}
		if c.syncer != nil {
			c.syncer.Request(ctx)
		}
	}
	return nil
}

// Reset forgets the roster and the stored preference and goes offline locally.
func (c *Coordinator) Reset(ctx context.Context) {
	c.roster.Clear()
	c.mu.Lock()
	c.current = StatusOffline
	c.appVisible = true
	c.mu.Unlock()
	if err := c.store.Remove(ctx, prefs.KeyPreferredStatus); err != nil {
		c.logger.Warn("clear preferred status failed", slog.Any("error", err))
	}
}

// SetAppVisible records whether the host application is in the foreground.
func (c *Coordinator) SetAppVisible(visible bool) {
	c.mu.Lock()
	c.appVisible = visible
	c.mu.Unlock()
}

// AppVisible reports the last visibility set.
func (c *Coordinator) AppVisible() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appVisible
}

func (c *Coordinator) emitStatus(ctx context.Context, status Status) {
	if err := c.conn.Emit(ctx, EventStatusUpdate, StatusPayload{Status: status}); err != nil {
		c.logger.Warn("status update failed", slog.String("status", string(status)), slog.Any("error", err))
	}
}

func (c *Coordinator) onStateChange(change connection.StateChange) {
	if !change.Connected() {
		return
	}
	c.mu.Lock()
	ctx, status := c.ctx, c.current
	c.mu.Unlock()
	if status == StatusOffline {
		return
	}
	c.emitStatus(ctx, status)
}

func (c *Coordinator) onIdentityChange(change identity.Change) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if change.Current == nil {
		c.conn.SetAutoReconnect(false)
		c.conn.Disconnect()
		c.Reset(ctx)
		return
	}
	if err := c.Apply(ctx, c.PreferredStatus(ctx)); err != nil {
		c.logger.Warn("apply status after identity change failed",
			slog.Int64("user_id", change.CurrentID()), slog.Any("error", err))
	}
}
