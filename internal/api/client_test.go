package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(logger.Discard(),
		config.ServerConfig{APIURL: srv.URL + "/", TimeoutSeconds: 5},
		config.SyncConfig{},
		func() string { return token })
}

func TestMe(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/auth/me", r.URL.Path)
			require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":3,"nickName":"ana","state":2,"notificationMode":"mentions_only"}`))
		}, "tok")
		user, err := c.Me(context.Background())
		require.NoError(t, err)
		require.NotNil(t, user)
		require.Equal(t, int64(3), user.ID)
		require.Equal(t, 2, user.State)
		require.True(t, user.MentionsOnly())
	})
	t.Run("unauthorized means nobody", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.Empty(t, r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
		}, "")
		user, err := c.Me(context.Background())
		require.NoError(t, err)
		require.Nil(t, user)
	})
	t.Run("server error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}, "tok")
		_, err := c.Me(context.Background())
		var statusErr *StatusError
		require.True(t, errors.As(err, &statusErr))
		require.Equal(t, http.StatusInternalServerError, statusErr.Code)
		require.False(t, errors.Is(err, ErrUnauthorized))
	})
}

func TestFetchSinceEncodesQuery(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sync", r.URL.Path)
		require.Equal(t, "2026-01-02T02:04:05Z", r.URL.Query().Get("since"))
		_, _ = w.Write([]byte(`{"events":[{"type":"channel_deleted","data":{"channelId":1}}]}`))
	}, "tok")
	payload, err := c.FetchSince(context.Background(), since)
	require.NoError(t, err)
	require.JSONEq(t, `{"events":[{"type":"channel_deleted","data":{"channelId":1}}]}`, string(payload))
}

func TestMyChannelsAndUnauthorized(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1,"name":"general","isOwner":true,"joinedAt":"2026-01-01T00:00:00Z"},{"id":2,"name":"random"}]`))
	}, "tok")

	channels, err := c.MyChannels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	require.True(t, channels[0].IsOwner)
	require.False(t, channels[0].JoinedAt.IsZero())

	_, err = c.MyChannels(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestLoginAndSettings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "ana@example.com", body["email"])
			_, _ = w.Write([]byte(`{"type":"bearer","token":"abc","expiresAt":null}`))
		case "/users/me/settings":
			require.Equal(t, http.MethodPut, r.Method)
			_, _ = w.Write([]byte(`{"id":3,"notificationMode":"all"}`))
		case "/auth/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, "")

	ctx := context.Background()
	token, err := c.Login(ctx, "ana@example.com", "secret")
	require.NoError(t, err)
	require.Equal(t, "abc", token.Token)

	user, err := c.UpdateNotificationMode(ctx, "all")
	require.NoError(t, err)
	require.Equal(t, "all", user.NotificationMode)
	_, err = c.UpdateNotificationMode(ctx, "loud")
	require.Error(t, err)

	require.NoError(t, c.Logout(ctx))
}

func TestRateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := NewClient(logger.Discard(), config.ServerConfig{APIURL: srv.URL}, config.SyncConfig{RateLimit: 0.001, Burst: 1}, nil)

	_, err := c.FetchSince(context.Background(), time.Now())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.FetchSince(ctx, time.Now())
	require.Error(t, err)
}
