package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/push"
)

type authedEvent struct {
	AuthUserID int64 `json:"authUserId"`
}

// heldServer accepts and then drops the first connection, holds the handshake of the
// second until release is closed, and serves every later connection normally. Each
// accepted connection pushes one event naming the user it authenticated.
func heldServer(t *testing.T, held chan<- int64, release <-chan struct{}) string {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		var hello push.Frame
		if err := conn.ReadJSON(&hello); err != nil || hello.Event != push.EventAuth {
			return
		}
		var auth push.Auth
		_ = json.Unmarshal(hello.Data, &auth)

		if n == 2 {
			held <- auth.UserID
			<-release
		}
		if err := conn.WriteJSON(push.Frame{Event: push.EventConnect}); err != nil {
			return
		}
		if n == 1 {
			return
		}
		data, _ := json.Marshal(authedEvent{AuthUserID: auth.UserID})
		_ = conn.WriteJSON(push.Frame{Event: "channel_joined", Data: data})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestReuseForNewUserAbandonsHeldReconnect(t *testing.T) {
	held := make(chan int64, 1)
	release := make(chan struct{})
	endpoint := heldServer(t, held, release)

	pushCfg := config.PushConfig{
		Reconnect:           true,
		ReconnectDelayMS:    10,
		MaxReconnectDelayMS: 20,
		HandshakeTimeoutMS:  2000,
	}
	m := NewManager(logger.Discard(), push.NewWSDialer(logger.Discard(), pushCfg), Options{
		Endpoint: endpoint,
		Push:     pushCfg,
	})
	t.Cleanup(m.Disconnect)

	events := make(chan Event, 8)
	m.OnEvent(func(e Event) { events <- e })
	dropped := make(chan struct{}, 1)
	m.OnStateChange(func(c StateChange) {
		if c.Previous == StateConnected && c.Current == StateDisconnected {
			select {
			case dropped <- struct{}{}:
			default:
			}
		}
	})

	_, err := m.Connect(context.Background(), 1)
	require.NoError(t, err)
	select {
	case <-dropped:
	case <-time.After(3 * time.Second):
		t.Fatal("first connection never dropped")
	}
	select {
	case userID := <-held:
		require.Equal(t, int64(1), userID)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect handshake never reached the server")
	}
	require.Equal(t, StateDisconnected, m.State())

	_, err = m.Connect(context.Background(), 2)
	require.NoError(t, err)
	close(release)

	select {
	case e := <-events:
		var payload authedEvent
		require.NoError(t, json.Unmarshal(e.Data, &payload))
		require.Equal(t, int64(2), e.UserID)
		require.Equal(t, int64(2), payload.AuthUserID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event from the new user's connection")
	}
	require.Eventually(t, m.Connected, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), m.UserID())

	select {
	case e := <-events:
		t.Fatalf("unexpected event %s from user %s", e.Name, string(e.Data))
	case <-time.After(200 * time.Millisecond):
	}
}
