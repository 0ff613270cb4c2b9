package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/event"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/prefs"
	"github.com/memohai/chatsync/internal/presence"
	"github.com/memohai/chatsync/internal/push/pushtest"
)

type fakeServer struct {
	unauthorized atomic.Bool
	logouts      atomic.Int32
	syncs        atomic.Int32

	// When set, /auth/me signals meEntered and waits for meRelease.
	meEntered chan struct{}
	meRelease chan struct{}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.unauthorized.Load() && r.URL.Path != "/auth/logout" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/auth/me":
		if f.meEntered != nil {
			close(f.meEntered)
			<-f.meRelease
		}
		_, _ = w.Write([]byte(`{"id":1,"nickName":"ana","state":1,"notificationMode":"all"}`))
	case "/my-channels":
		_, _ = w.Write([]byte(`[{"id":1,"name":"general","isOwner":true},{"id":2,"name":"random"}]`))
	case "/channels":
		_, _ = w.Write([]byte(`{"id":9,"name":"new","isOwner":true}`))
	case "/sync":
		f.syncs.Add(1)
		_, _ = w.Write([]byte(`{"events":[]}`))
	case "/users/me/settings":
		_, _ = w.Write([]byte(`{"id":1,"nickName":"ana","state":1,"notificationMode":"mentions_only"}`))
	case "/auth/logout":
		f.logouts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestSession(t *testing.T, token string) (*Session, *pushtest.Dialer, *fakeServer, prefs.Store) {
	t.Helper()
	server := &fakeServer{}
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Server.APIURL = srv.URL
	cfg.Server.PushURL = "ws://push.test/socket"
	cfg.Auth.Token = token

	dialer := &pushtest.Dialer{}
	store := prefs.NewMemoryStore()
	s := New(logger.Discard(), cfg, Deps{Dialer: dialer, Store: store})
	t.Cleanup(s.Close)
	return s, dialer, server, store
}

func TestStartWithTokenConnectsAndLoadsChannels(t *testing.T) {
	ctx := context.Background()
	s, dialer, _, store := newTestSession(t, "tok")
	_, states, cancel := s.Hub.Subscribe(event.TopicConnection, 8)
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.Equal(t, int64(1), s.Identity.CurrentUserID())
	require.Len(t, s.Channels.Channels(), 2)

	sock := dialer.Last()
	require.NotNil(t, sock)
	require.Equal(t, int64(1), sock.Auth().UserID)
	require.Equal(t, "tok", sock.Auth().Token)

	sock.Accept()
	s.Sync.Wait()
	require.True(t, s.Conn.Connected())

	emitted := sock.Emitted()
	require.NotEmpty(t, emitted)
	require.Equal(t, presence.EventStatusUpdate, emitted[len(emitted)-1].Event)

	_, ok, err := store.Get(ctx, prefs.KeyLastSyncAt)
	require.NoError(t, err)
	require.True(t, ok)

	var seen []string
	for len(states) > 0 {
		ev := <-states
		seen = append(seen, ev.Type)
	}
	require.Equal(t, []string{"connecting", "connected"}, seen)
}

func TestPushEventsReachReconciler(t *testing.T) {
	s, dialer, _, _ := newTestSession(t, "tok")
	require.NoError(t, s.Start(context.Background()))
	sock := dialer.Last()
	sock.Accept()
	s.Sync.Wait()

	sock.Push("channel_invited", `{"channelId":7,"name":"design","inviterNickName":"bob"}`)
	require.Len(t, s.Channels.Invites(), 1)

	sock.Push("channel_deleted", `{"channelId":2}`)
	require.Len(t, s.Channels.Channels(), 1)
}

func TestLogoutClearsUserState(t *testing.T) {
	ctx := context.Background()
	s, dialer, server, store := newTestSession(t, "tok")
	require.NoError(t, s.Start(ctx))
	sock := dialer.Last()
	sock.Accept()
	s.Sync.Wait()
	sock.Push("channel_invited", `{"channelId":7,"name":"design"}`)
	require.NoError(t, s.SetStatus(ctx, presence.StatusDND))

	s.Logout(ctx)

	require.Equal(t, int32(1), server.logouts.Load())
	require.Zero(t, s.Identity.CurrentUserID())
	require.Empty(t, s.Token())
	require.Empty(t, s.Channels.Channels())
	require.Empty(t, s.Channels.Invites())
	require.Zero(t, dialer.LiveCount())
	require.Equal(t, presence.StatusOffline, s.Presence.Current())
	for _, key := range []string{prefs.KeyLastSyncAt, prefs.KeyPreferredStatus, prefs.KeyPendingInvites} {
		_, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		require.False(t, ok, key)
	}
}

func TestStartWithoutTokenWaitsForLogin(t *testing.T) {
	ctx := context.Background()
	s, dialer, _, _ := newTestSession(t, "")
	require.NoError(t, s.Start(ctx))
	require.Zero(t, s.Identity.CurrentUserID())
	require.Empty(t, dialer.Sockets())

	require.Error(t, s.Login(ctx, "  "))
	require.NoError(t, s.Login(ctx, "tok"))
	require.Equal(t, int64(1), s.Identity.CurrentUserID())
	require.Equal(t, 1, dialer.LiveCount())
	require.Len(t, s.Channels.Channels(), 2)
}

func TestUnauthorizedRefreshSignsOut(t *testing.T) {
	ctx := context.Background()
	s, dialer, server, _ := newTestSession(t, "tok")
	require.NoError(t, s.Start(ctx))

	server.unauthorized.Store(true)
	require.Error(t, s.RefreshChannels(ctx))
	require.Zero(t, s.Identity.CurrentUserID())
	require.Empty(t, s.Token())
	require.Zero(t, dialer.LiveCount())

	require.ErrorIs(t, s.RefreshChannels(ctx), ErrNotSignedIn)
}

func TestCreateChannelAddsLocally(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newTestSession(t, "tok")
	require.NoError(t, s.Start(ctx))

	created, err := s.CreateChannel(ctx, "new", false)
	require.NoError(t, err)
	require.Equal(t, int64(9), created.ID)
	require.Equal(t, int64(9), s.Channels.Channels()[0].ID)
}

func TestSetNotificationModeRebindsProfile(t *testing.T) {
	ctx := context.Background()
	s, dialer, _, _ := newTestSession(t, "tok")
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.SetNotificationMode(ctx, "mentions_only"))
	user, ok := s.Identity.User()
	require.True(t, ok)
	require.True(t, user.MentionsOnly())
	require.Len(t, dialer.Sockets(), 1)
	require.Len(t, s.Channels.Channels(), 2)
}

func TestLogoutDuringLoginCheckWins(t *testing.T) {
	ctx := context.Background()
	s, dialer, server, _ := newTestSession(t, "")
	require.NoError(t, s.Start(ctx))
	server.meEntered = make(chan struct{})
	server.meRelease = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- s.Login(ctx, "tok") }()
	<-server.meEntered
	s.Logout(ctx)
	close(server.meRelease)

	require.ErrorIs(t, <-done, identity.ErrChanged)
	require.Zero(t, s.Identity.CurrentUserID())
	require.Empty(t, s.Token())
	require.Empty(t, dialer.Sockets())
	require.Empty(t, s.Channels.Channels())
}
