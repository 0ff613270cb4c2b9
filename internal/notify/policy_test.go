package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/presence"
)

func TestDecide(t *testing.T) {
	base := Input{
		Message:       channel.Message{ChannelID: 5, UserID: 2, Content: "hello"},
		CurrentUserID: 1,
		CurrentNick:   "ana",
		Status:        presence.StatusOnline,
	}
	tests := []struct {
		name   string
		mutate func(*Input)
		want   bool
		reason string
	}{
		{name: "background message", mutate: func(*Input) {}, want: true},
		{name: "dnd", mutate: func(in *Input) { in.Status = presence.StatusDND }, reason: ReasonNotOnline},
		{name: "offline", mutate: func(in *Input) { in.Status = presence.StatusOffline }, reason: ReasonNotOnline},
		{name: "app visible", mutate: func(in *Input) { in.AppVisible = true }, reason: ReasonVisible},
		{name: "own message", mutate: func(in *Input) { in.Message.UserID = 1 }, reason: ReasonSelf},
		{name: "signed out", mutate: func(in *Input) { in.CurrentUserID = 0 }, reason: ReasonNoIdentity},
		{name: "mentions only without mention", mutate: func(in *Input) { in.MentionsOnly = true }, reason: ReasonNoMention},
		{name: "mentions only by nick", mutate: func(in *Input) {
			in.MentionsOnly = true
			in.Message.Content = "ping @Ana, see above"
		}, want: true},
		{name: "mentions only by id", mutate: func(in *Input) {
			in.MentionsOnly = true
			in.Message.MentionedUserID = 1
		}, want: true},
		{name: "nick prefix is not a mention", mutate: func(in *Input) {
			in.MentionsOnly = true
			in.Message.Content = "@anabel hi"
		}, reason: ReasonNoMention},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			got, reason := Decide(in)
			if got != tt.want || reason != tt.reason {
				t.Fatalf("Decide() = %v, %q; want %v, %q", got, reason, tt.want, tt.reason)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	n := Build(channel.Message{ChannelID: 5, Content: "  hi  "}, "general")
	if n.Title != "New message in #general" || n.Body != "hi" || n.Tag != "message-general" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	n = Build(channel.Message{ChannelID: 5, SenderNickName: "bob"}, "")
	if n.Title != "bob" || n.Body != "New message" || n.Tag != "message-5" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	long := strings.Repeat("é", 130)
	if got := Preview(long); got != strings.Repeat("é", 120)+"..." {
		t.Fatalf("preview not truncated by rune: %q", got)
	}
}

type fakePresence struct {
	status  presence.Status
	visible bool
}

func (f fakePresence) Current() presence.Status { return f.status }
func (f fakePresence) AppVisible() bool         { return f.visible }

func TestNotifierRun(t *testing.T) {
	binding := identity.NewBinding(logger.Discard(), nil)
	binding.Set(identity.User{ID: 1, NickName: "ana"})

	got := make(chan Notification, 1)
	sink := SinkFunc(func(_ context.Context, n Notification) error {
		select {
		case got <- n:
		default:
		}
		return nil
	})
	notifier := NewNotifier(logger.Discard(), binding, fakePresence{status: presence.StatusOnline}, sink)

	hub := event.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		notifier.Run(ctx, hub)
		close(done)
	}()

	// Publish until the subscription is registered.
	signal := channel.MessageSignal{Message: channel.Message{ChannelID: 5, UserID: 2, Content: "hey"}, ChannelName: "general", Known: true}
	var n Notification
	for n.Tag == "" {
		hub.Publish(event.NewEvent(event.TopicMessage, channel.NameMessageNew, signal))
		select {
		case n = <-got:
		default:
		}
	}
	cancel()
	<-done
	if n.Body != "hey" || n.ChannelID != 5 {
		t.Fatalf("unexpected notification: %+v", n)
	}
}
