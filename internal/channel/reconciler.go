package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memohai/chatsync/internal/connection"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/presence"
)

// Identity reports who the client is acting as.
type Identity interface {
	CurrentUserID() int64
}

// StatusRecorder stores other users' presence. presence.Roster implements it.
type StatusRecorder interface {
	Set(userID int64, status presence.Status) bool
}

// Options wires optional collaborators.
type Options struct {
	Roster    StatusRecorder
	Publisher event.Publisher
	Now       func() time.Time
}

// MessageSignal is published on event.TopicMessage for every message event.
type MessageSignal struct {
	Message     Message `json:"message"`
	ChannelName string  `json:"channelName,omitempty"`
	Known       bool    `json:"known"`
}

// Reconciler applies server events to the channel and invite collections in arrival order.
type Reconciler struct {
	ident     Identity
	store     prefs.Store
	roster    StatusRecorder
	publisher event.Publisher
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	channels collection[Channel]
	invites  collection[PendingInvite]
}

// NewReconciler creates an empty reconciler. store may be nil to skip invite persistence.
func NewReconciler(log *slog.Logger, ident Identity, store prefs.Store, opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		ident:     ident,
		store:     store,
		roster:    opts.Roster,
		publisher: opts.Publisher,
		now:       now,
		logger:    logger.Component(log, "channel"),
	}
}

// LoadInvites restores the persisted invite snapshot.
func (r *Reconciler) LoadInvites(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var invites []PendingInvite
	ok, err := prefs.GetJSON(ctx, r.store, prefs.KeyPendingInvites, &invites)
	if err != nil {
		return fmt.Errorf("load pending invites: %w", err)
	}
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.invites.replace(invites)
	r.mu.Unlock()
	return nil
}

// Observe returns a connection event observer bound to ctx.
func (r *Reconciler) Observe(ctx context.Context) func(connection.Event) {
	return func(ev connection.Event) {
		r.HandlePush(ctx, ev)
	}
}

// HandlePush decodes and applies one pushed event. Events from a socket bound to
// another identity and malformed payloads are logged and dropped.
func (r *Reconciler) HandlePush(ctx context.Context, ev connection.Event) {
	if current := r.ident.CurrentUserID(); ev.UserID != current {
		r.logger.Debug("dropping event for stale identity",
			slog.String("event", ev.Name), slog.Int64("socket_user_id", ev.UserID), slog.Int64("user_id", current))
		return
	}
	if err := r.ApplyRaw(ctx, ev.Name, ev.Data); err != nil {
		r.logger.Warn("event dropped", slog.String("event", ev.Name), slog.Any("error", err))
	}
}

// ApplyRaw decodes name and data and applies the result.
func (r *Reconciler) ApplyRaw(ctx context.Context, name string, data json.RawMessage) error {
	ev, err := Decode(name, data)
	if err != nil {
		return err
	}
	return r.Apply(ctx, ev)
}

// Apply runs the mutation for ev. A panic inside a handler is returned as an error.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s handler panicked: %v", ErrMalformedEvent, ev.Name(), rec)
		}
	}()

	self := r.ident.CurrentUserID()
	switch e := ev.(type) {
	case Created:
		if self <= 0 || e.OwnerID != self {
			r.logger.Debug("channel_created for another owner", slog.Int64("channel_id", e.Patch.ID), slog.Int64("owner_id", e.OwnerID))
			return nil
		}
		owner := true
		e.Patch.IsOwner = &owner
		r.addChannel(ctx, e.Patch)
	case Joined:
		if e.UserID != 0 && e.UserID != self {
			return nil
		}
		owner := false
		e.Patch.IsOwner = &owner
		r.addChannel(ctx, e.Patch)
	case Removed:
		if e.Reason.SelfScoped() && e.UserID != 0 && e.UserID != self {
			r.logger.Debug("ignoring removal for another user",
				slog.String("event", e.Event), slog.Int64("channel_id", e.ChannelID), slog.Int64("target_user_id", e.UserID))
			return nil
		}
		r.RemoveChannel(e.ChannelID, e.Reason)
	case Updated:
		r.mu.Lock()
		_, found := r.channels.update(e.Patch.ID, e.Patch.Apply)
		r.mu.Unlock()
		if !found {
			r.logger.Debug("channel_updated for unknown channel", slog.Int64("channel_id", e.Patch.ID))
		}
	case Invited:
		r.mu.Lock()
		_, inserted := r.invites.upsert(e.Patch.ID, e.Patch.ApplyInvite)
		snapshot := r.invites.list()
		r.mu.Unlock()
		r.persistInvites(ctx, snapshot)
		if inserted {
			r.logger.Info("channel invite received", slog.Int64("channel_id", e.Patch.ID))
		}
	case MessageReceived:
		r.touch(e)
	case StatusChanged:
		if r.roster != nil {
			r.roster.Set(e.UserID, e.Status)
		}
	case Unknown:
		r.logger.Debug("ignoring unknown event", slog.String("event", e.Event))
	default:
		return fmt.Errorf("%w: unsupported event %T", ErrMalformedEvent, ev)
	}
	return nil
}

// addChannel upserts a membership and drops a matching invite, keeping the two disjoint.
func (r *Reconciler) addChannel(ctx context.Context, p Patch) Channel {
	r.mu.Lock()
	ch, inserted := r.channels.upsert(p.ID, p.Apply)
	_, hadInvite := r.invites.remove(p.ID)
	snapshot := r.invites.list()
	r.mu.Unlock()

	if hadInvite {
		r.persistInvites(ctx, snapshot)
	}
	if inserted {
		r.logger.Info("channel added", slog.Int64("channel_id", ch.ID), slog.Bool("owner", ch.IsOwner))
	}
	return ch
}

// Upsert merges p into the channel list, inserting at the front when absent.
func (r *Reconciler) Upsert(ctx context.Context, p Patch) (Channel, error) {
	if p.ID <= 0 {
		return Channel{}, fmt.Errorf("%w: channel id is required", ErrMalformedEvent)
	}
	return r.addChannel(ctx, p), nil
}

// RemoveChannel drops a channel and publishes the removal with its reason.
func (r *Reconciler) RemoveChannel(id int64, reason RemovalReason) bool {
	r.mu.Lock()
	ch, found := r.channels.remove(id)
	r.mu.Unlock()
	if !found {
		return false
	}

	removal := Removal{ChannelID: id, Name: ch.Name, Reason: reason}
	r.logger.Info("channel removed", slog.Int64("channel_id", id), slog.String("reason", string(reason)))
	r.publish(event.TopicChannelRemoved, string(reason), removal)
	if reason.Evicts() {
		r.publish(event.TopicEviction, string(reason), removal)
	}
	return true
}

func (r *Reconciler) touch(e MessageReceived) {
	now := r.now().UTC()
	patch := Patch{ID: e.Message.ChannelID, LastActivityAt: &now}
	r.mu.Lock()
	ch, found := r.channels.update(patch.ID, patch.Apply)
	r.mu.Unlock()

	signal := MessageSignal{Message: e.Message, Known: found}
	if found {
		signal.ChannelName = ch.Name
	}
	r.publish(event.TopicMessage, e.Event, signal)
}

// AcceptInvite moves an invite into the channel list as a regular membership.
func (r *Reconciler) AcceptInvite(ctx context.Context, inv PendingInvite) (Channel, error) {
	if inv.ID <= 0 {
		return Channel{}, fmt.Errorf("%w: invite id is required", ErrMalformedEvent)
	}
	invited := false
	patch := Patch{
		ID:              inv.ID,
		Name:            &inv.Name,
		Private:         &inv.Private,
		InviterNickName: &inv.InviterNickName,
		Invited:         &invited,
	}

	r.mu.Lock()
	if stored, ok := r.invites.get(inv.ID); ok && inv.Name == "" {
		patch.Name = &stored.Name
	}
	r.invites.remove(inv.ID)
	ch, _ := r.channels.upsert(inv.ID, patch.Apply)
	snapshot := r.invites.list()
	r.mu.Unlock()

	r.persistInvites(ctx, snapshot)
	return ch, nil
}

// DeclineInvite removes the invite only.
func (r *Reconciler) DeclineInvite(ctx context.Context, id int64) bool {
	r.mu.Lock()
	_, found := r.invites.remove(id)
	snapshot := r.invites.list()
	r.mu.Unlock()
	if found {
		r.persistInvites(ctx, snapshot)
	}
	return found
}

// ReplaceChannels installs a full channel list fetched from the server.
func (r *Reconciler) ReplaceChannels(channels []Channel) {
	r.mu.Lock()
	r.channels.replace(channels)
	r.mu.Unlock()
}

// Clear empties both collections and forgets the invite snapshot.
func (r *Reconciler) Clear(ctx context.Context) {
	r.mu.Lock()
	r.channels.clear()
	r.invites.clear()
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Remove(ctx, prefs.KeyPendingInvites); err != nil {
			r.logger.Warn("clear pending invites failed", slog.Any("error", err))
		}
	}
}

// Channels returns the ordered channel list.
func (r *Reconciler) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels.list()
}

// Channel returns one channel by id.
func (r *Reconciler) Channel(id int64) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels.get(id)
}

// Invites returns the ordered pending invites.
func (r *Reconciler) Invites() []PendingInvite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invites.list()
}

type syncPayload struct {
	Events []struct {
		Type  string          `json:"type"`
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	} `json:"events"`
}

// ApplySync applies the events of a catch-up payload in order. Payloads without an
// events list are left to other consumers. Every entry is attempted.
func (r *Reconciler) ApplySync(ctx context.Context, payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var p syncPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		// Not an object with events, nothing to reconcile.
		return nil
	}
	var errs []error
	for i, item := range p.Events {
		name := item.Type
		if name == "" {
			name = item.Event
		}
		if err := r.ApplyRaw(ctx, name, item.Data); err != nil {
			errs = append(errs, fmt.Errorf("sync event %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) persistInvites(ctx context.Context, snapshot []PendingInvite) {
	if r.store == nil {
		return
	}
	if snapshot == nil {
		snapshot = []PendingInvite{}
	}
	if err := prefs.SetJSON(ctx, r.store, prefs.KeyPendingInvites, snapshot); err != nil {
		r.logger.Warn("persist pending invites failed", slog.Any("error", err))
	}
}

func (r *Reconciler) publish(topic event.Topic, typ string, data any) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(event.NewEvent(topic, typ, data))
}
