package notify

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/presence"
)

// Sink presents a notification to the user.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// PresenceState is the part of presence.Coordinator the notifier reads.
type PresenceState interface {
	Current() presence.Status
	AppVisible() bool
}

// Account reports the signed-in user.
type Account interface {
	User() (identity.User, bool)
}

// Notifier turns message signals into notifications.
type Notifier struct {
	account  Account
	presence PresenceState
	sink     Sink
	logger   *slog.Logger
}

// NewNotifier creates a notifier.
func NewNotifier(log *slog.Logger, account Account, presence PresenceState, sink Sink) *Notifier {
	return &Notifier{
		account:  account,
		presence: presence,
		sink:     sink,
		logger:   logger.Component(log, "notify"),
	}
}

// Run consumes event.TopicMessage until ctx is done or the subscription closes.
func (n *Notifier) Run(ctx context.Context, sub event.Subscriber) {
	_, events, cancel := sub.Subscribe(event.TopicMessage, 0)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var signal channel.MessageSignal
			if err := ev.Decode(&signal); err != nil {
				n.logger.Debug("bad message signal", slog.Any("error", err))
				continue
			}
			n.Handle(ctx, signal)
		}
	}
}

// Handle applies the policy to one signal and reports whether the sink was called.
func (n *Notifier) Handle(ctx context.Context, signal channel.MessageSignal) bool {
	user, ok := n.account.User()
	in := Input{
		Message:    signal.Message,
		Status:     n.presence.Current(),
		AppVisible: n.presence.AppVisible(),
	}
	if ok {
		in.CurrentUserID = user.ID
		in.CurrentNick = user.NickName
		in.MentionsOnly = user.MentionsOnly()
	}
	notify, reason := Decide(in)
	if !notify {
		n.logger.Debug("notification skipped", slog.String("reason", reason), slog.Int64("channel_id", signal.Message.ChannelID))
		return false
	}
	if err := n.sink.Notify(ctx, Build(signal.Message, signal.ChannelName)); err != nil {
		n.logger.Warn("notification failed", slog.Any("error", err))
		return false
	}
	return true
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
