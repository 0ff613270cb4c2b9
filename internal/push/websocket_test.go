package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/logger"
)

// testServer accepts auth frames, rejects token "bad", pushes one channel_joined event
// after a successful handshake and forwards client frames to received.
type testServer struct {
	*httptest.Server
	received chan Frame
	auths    chan Auth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan Frame, 16), auths: make(chan Auth, 16)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello Frame
		if err := conn.ReadJSON(&hello); err != nil || hello.Event != EventAuth {
			return
		}
		var auth Auth
		_ = json.Unmarshal(hello.Data, &auth)
		ts.auths <- auth
		if auth.Token == "bad" {
			data, _ := json.Marshal(ErrorPayload{Message: "invalid token"})
			_ = conn.WriteJSON(Frame{Event: EventConnectError, Data: data})
			return
		}
		_ = conn.WriteJSON(Frame{Event: EventConnect})
		_ = conn.WriteJSON(Frame{Event: "channel_joined", Data: json.RawMessage(`{"channelId":5}`)})
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			ts.received <- f
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) endpoint() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newDialer() *WSDialer {
	return NewWSDialer(logger.Discard(), config.PushConfig{HandshakeTimeoutMS: 2000})
}

func TestSocketHandshakeAndEvents(t *testing.T) {
	ts := newTestServer(t)
	sock := newDialer().Dial(ts.endpoint(), Options{Auth: Auth{UserID: 1, Token: "ok"}})

	connected := make(chan struct{}, 1)
	events := make(chan string, 4)
	sock.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	sock.OnAny(func(event string, data json.RawMessage) { events <- event + " " + string(data) })
	sock.Connect()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("socket never connected")
	}
	require.True(t, sock.Connected())
	require.Equal(t, Auth{UserID: 1, Token: "ok"}, <-ts.auths)

	select {
	case got := <-events:
		require.Equal(t, `channel_joined {"channelId":5}`, got)
	case <-time.After(3 * time.Second):
		t.Fatal("pushed event not delivered")
	}

	require.NoError(t, sock.Emit(context.Background(), "status:update", map[string]string{"status": "dnd"}))
	select {
	case f := <-ts.received:
		require.Equal(t, "status:update", f.Event)
		require.JSONEq(t, `{"status":"dnd"}`, string(f.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("emit not received")
	}

	sock.Disconnect()
	require.False(t, sock.Connected())
	require.ErrorIs(t, sock.Emit(context.Background(), "status:update", nil), ErrClosed)
}

func TestSocketAuthRejected(t *testing.T) {
	ts := newTestServer(t)
	sock := newDialer().Dial(ts.endpoint(), Options{Auth: Auth{UserID: 1, Token: "bad"}, Reconnect: true})

	failures := make(chan string, 4)
	sock.On(EventConnectError, func(data json.RawMessage) {
		var payload ErrorPayload
		_ = json.Unmarshal(data, &payload)
		failures <- payload.Message
	})
	sock.Connect()

	select {
	case msg := <-failures:
		require.Contains(t, msg, "invalid token")
	case <-time.After(3 * time.Second):
		t.Fatal("connect_error not raised")
	}
	require.False(t, sock.Connected())

	// A rejected handshake is not retried by the transport.
	select {
	case <-failures:
		t.Fatal("rejected auth was retried")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSocketReuseWithNewAuth(t *testing.T) {
	ts := newTestServer(t)
	sock := newDialer().Dial(ts.endpoint(), Options{Auth: Auth{UserID: 1, Token: "bad"}})

	failed := make(chan struct{}, 1)
	connected := make(chan struct{}, 1)
	sock.On(EventConnectError, func(json.RawMessage) { failed <- struct{}{} })
	sock.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })
	sock.Connect()
	<-failed
	<-ts.auths

	sock.SetAuth(Auth{UserID: 2, Token: "ok"})
	// The first attempt may still be winding down; Connect either starts a new run or skips its delay.
	require.Eventually(t, func() bool {
		sock.Connect()
		select {
		case <-connected:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	require.Equal(t, int64(2), (<-ts.auths).UserID)
	sock.Disconnect()
}

func TestIsReserved(t *testing.T) {
	cases := map[string]bool{
		EventConnect:      true,
		EventDisconnect:   true,
		EventConnectError: true,
		"channel_joined":  false,
		"":                false,
	}
	for name, want := range cases {
		if got := IsReserved(name); got != want {
			t.Fatalf("IsReserved(%q) = %v, want %v", name, got, want)
		}
	}
}
