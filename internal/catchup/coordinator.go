// Package catchup recovers events missed while disconnected by fetching the
// delta since the last successful sync on every (re)connect.
package catchup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/chatsync/internal/connection"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/prefs"
)

// Fetcher returns the opaque delta since an instant.
type Fetcher interface {
	FetchSince(ctx context.Context, since time.Time) (json.RawMessage, error)
}

// Applier consumes a fetched delta.
type Applier interface {
	ApplySync(ctx context.Context, payload json.RawMessage) error
}

// Connection is the part of connection.Manager the coordinator observes.
type Connection interface {
	Connected() bool
	OnStateChange(fn func(connection.StateChange)) func()
}

// Identity is the part of identity.Binding the coordinator reads.
type Identity interface {
	CurrentUserID() int64
	OnChange(fn func(identity.Change)) func()
}

// Options wires optional collaborators.
type Options struct {
	Publisher event.Publisher
	Now       func() time.Time
	// Schedule is a cron spec for periodic passes while connected. Empty disables them.
	Schedule string
}

// Coordinator runs catch-up passes. At most one pass runs at a time; requests that
// arrive while one is running collapse into a single follow-up pass.
type Coordinator struct {
	conn      Connection
	ident     Identity
	store     prefs.Store
	fetcher   Fetcher
	applier   Applier
	publisher event.Publisher
	now       func() time.Time
	schedule  string
	logger    *slog.Logger

	passMu  sync.Mutex
	running bool
	pending bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	ctx   context.Context
	stops []func()
	cron  *cron.Cron
}

// NewCoordinator creates a coordinator. Call Start to observe connects.
func NewCoordinator(log *slog.Logger, conn Connection, ident Identity, store prefs.Store, fetcher Fetcher, applier Applier, opts Options) *Coordinator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		conn:      conn,
		ident:     ident,
		store:     store,
		fetcher:   fetcher,
		applier:   applier,
		publisher: opts.Publisher,
		now:       now,
		schedule:  opts.Schedule,
		logger:    logger.Component(log, "catchup"),
	}
}

// Start subscribes to connection and identity changes and starts the periodic schedule.
func (c *Coordinator) Start(ctx context.Context) error {
	var scheduler *cron.Cron
	if c.schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(c.schedule, func() {
			if c.conn.Connected() {
				_ = c.Run(ctx)
			}
		}); err != nil {
			return fmt.Errorf("sync schedule %q: %w", c.schedule, err)
		}
	}

	c.mu.Lock()
	c.ctx = ctx
	c.cron = scheduler
	c.stops = append(c.stops,
		c.conn.OnStateChange(c.onStateChange),
		c.ident.OnChange(c.onIdentityChange),
	)
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Start()
		c.logger.Info("periodic sync scheduled", slog.String("schedule", c.schedule))
	}
	return nil
}

// Stop unsubscribes, stops the schedule and waits for running passes.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	stops, scheduler := c.stops, c.cron
	c.stops = nil
	c.cron = nil
	c.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	c.wg.Wait()
}

// Wait blocks until background passes finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Request runs a pass now when connected. Otherwise the next connect covers it.
func (c *Coordinator) Request(ctx context.Context) {
	if !c.conn.Connected() {
		c.logger.Debug("sync request deferred to next connect")
		return
	}
	c.spawn(ctx)
}

// Run performs one catch-up pass.
//
// Without a usable last-sync instant it only records the current time. Otherwise it
// fetches the delta, hands it to the applier and records the instant the pass
// started, even when the fetch or apply failed. A pass whose identity changed
// mid-flight is discarded with identity.ErrChanged and leaves the stored instant untouched.
//
// When a pass is already running, Run marks a follow-up and returns nil; the running
// caller performs that pass once its own has recorded its instant.
func (c *Coordinator) Run(ctx context.Context) error {
	c.passMu.Lock()
	if c.running {
		c.pending = true
		c.passMu.Unlock()
		c.logger.Debug("sync pass already running, queued follow-up")
		return nil
	}
	c.running = true
	c.passMu.Unlock()

	for {
		err := c.pass(ctx)

		c.passMu.Lock()
		if !c.pending {
			c.running = false
			c.passMu.Unlock()
			return err
		}
		c.pending = false
		c.passMu.Unlock()
		if err != nil {
			c.logger.Debug("sync pass failed before follow-up", slog.Any("error", err))
		}
	}
}

func (c *Coordinator) pass(ctx context.Context) error {
	userID := c.ident.CurrentUserID()
	if userID <= 0 {
		return nil
	}
	started := c.now().UTC()

	raw, ok, err := c.store.Get(ctx, prefs.KeyLastSyncAt)
	if err != nil {
		return fmt.Errorf("read last sync: %w", err)
	}
	if !ok {
		c.logger.Info("first sync, recording start point", slog.Time("at", started))
		return c.record(ctx, started)
	}
	since, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.logger.Warn("unreadable last sync, resetting", slog.String("value", raw), slog.Any("error", err))
		return c.record(ctx, started)
	}

	payload, fetchErr := c.fetcher.FetchSince(ctx, since)
	if current := c.ident.CurrentUserID(); current != userID {
		c.logger.Warn("discarding sync result for previous identity",
			slog.Int64("user_id", userID), slog.Int64("current_user_id", current))
		return identity.ErrChanged
	}

	var passErr error
	if fetchErr != nil {
		passErr = fmt.Errorf("fetch since %s: %w", since.Format(time.RFC3339), fetchErr)
		c.logger.Warn("sync fetch failed", slog.Any("error", fetchErr))
	} else {
		c.logger.Info("sync fetched", slog.Time("since", since), slog.Int("bytes", len(payload)))
		if c.publisher != nil {
			c.publisher.Publish(event.NewEvent(event.TopicSync, "delta", payload))
		}
		if c.applier != nil {
			if err := c.applier.ApplySync(ctx, payload); err != nil {
				passErr = fmt.Errorf("apply sync: %w", err)
				c.logger.Warn("sync apply incomplete", slog.Any("error", err))
			}
		}
	}

	if err := c.record(ctx, started); err != nil {
		return errors.Join(passErr, err)
	}
	return passErr
}

func (c *Coordinator) record(ctx context.Context, at time.Time) error {
	if err := c.store.Set(ctx, prefs.KeyLastSyncAt, at.Format(time.RFC3339Nano)); err != nil {
		c.logger.Warn("persist last sync failed", slog.Any("error", err))
		return fmt.Errorf("persist last sync: %w", err)
	}
	return nil
}

func (c *Coordinator) spawn(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Run(ctx)
	}()
}

func (c *Coordinator) onStateChange(change connection.StateChange) {
	if !change.Connected() {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	c.spawn(ctx)
}

func (c *Coordinator) onIdentityChange(change identity.Change) {
	// The stored instant belongs to the previous user.
	if change.Current != nil && (change.Previous == nil || !change.IdentityChanged()) {
		return
	}
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if err := c.store.Remove(ctx, prefs.KeyLastSyncAt); err != nil {
		c.logger.Warn("clear last sync failed", slog.Any("error", err))
	}
}
