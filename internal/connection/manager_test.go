package connection

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/push/pushtest"
)

func newTestManager() (*Manager, *pushtest.Dialer) {
	dialer := &pushtest.Dialer{}
	m := NewManager(logger.Discard(), dialer, Options{
		Endpoint: "ws://push.test/socket",
		Token:    func() string { return "tok" },
		Push:     config.Default().Push,
	})
	return m, dialer
}

func recordStates(m *Manager) *[]StateChange {
	var changes []StateChange
	m.OnStateChange(func(c StateChange) { changes = append(changes, c) })
	return &changes
}

func TestConnectRequiresIdentity(t *testing.T) {
	m, dialer := newTestManager()
	_, err := m.Connect(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoIdentity)
	require.Empty(t, dialer.Sockets())
}

func TestConnectSameUserIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()

	first, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	second, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, dialer.LiveCount())

	dialer.Last().Accept()
	third, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	require.Same(t, first, third)
	require.Len(t, dialer.Sockets(), 1)
	require.Equal(t, 1, dialer.LiveCount())
	require.Equal(t, 1, dialer.Last().ConnectCalls())
	require.Equal(t, int64(1), dialer.Last().Auth().UserID)
	require.Equal(t, "tok", dialer.Last().Auth().Token)
}

func TestConnectDifferentUserTearsDownFirst(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()
	changes := recordStates(m)

	_, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	first := dialer.Last()
	first.Accept()

	_, err = m.Connect(ctx, 2)
	require.NoError(t, err)
	second := dialer.Last()

	require.NotSame(t, first, second)
	require.False(t, first.Live())
	require.Zero(t, dialer.Overlaps)
	require.Equal(t, 1, dialer.LiveCount())
	require.Equal(t, int64(2), m.UserID())

	require.Equal(t, []StateChange{
		{Previous: StateDisconnected, Current: StateConnecting, UserID: 1},
		{Previous: StateConnecting, Current: StateConnected, UserID: 1},
		{Previous: StateConnected, Current: StateDisconnected, UserID: 1},
		{Previous: StateDisconnected, Current: StateConnecting, UserID: 2},
	}, *changes)

	// Late events from the replaced socket are ignored.
	first.Drop()
	require.Equal(t, StateConnecting, m.State())
}

func TestConnectReusesDisconnectedSocket(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()

	_, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	sock := dialer.Last()
	sock.Accept()
	sock.Drop()
	require.Equal(t, StateDisconnected, m.State())
	require.Equal(t, int64(1), m.UserID())

	again, err := m.Connect(ctx, 3)
	require.NoError(t, err)
	require.Same(t, sock, again)
	require.Len(t, dialer.Sockets(), 1)
	require.Equal(t, int64(3), sock.Auth().UserID)
	require.Equal(t, 2, sock.ConnectCalls())
	require.Equal(t, 1, sock.DisconnectCalls())
	require.Equal(t, StateConnecting, m.State())
}

func TestConnectErrorLeavesManagerUsable(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()
	changes := recordStates(m)

	_, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	dialer.Last().Reject("invalid token")

	require.Equal(t, StateDisconnected, m.State())
	last := (*changes)[len(*changes)-1]
	require.Error(t, last.Err)
	require.Contains(t, last.Err.Error(), "invalid token")

	_, err = m.Connect(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, m.State())
	require.Len(t, dialer.Sockets(), 1)
	require.Zero(t, dialer.Last().DisconnectCalls())
}

func TestDisconnectClearsBinding(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()

	_, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	sock := dialer.Last()
	sock.Accept()

	m.Disconnect()
	require.Nil(t, m.Socket())
	require.Zero(t, m.UserID())
	require.Equal(t, StateDisconnected, m.State())
	require.False(t, sock.Live())
	require.ErrorIs(t, m.Emit(ctx, "status:update", nil), ErrNotConnected)

	// Disconnecting twice does not publish another transition.
	changes := recordStates(m)
	m.Disconnect()
	require.Empty(t, *changes)
}

func TestEmitAndEvents(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()

	var events []Event
	m.OnEvent(func(e Event) { events = append(events, e) })

	_, err := m.Connect(ctx, 4)
	require.NoError(t, err)
	require.ErrorIs(t, m.Emit(ctx, "status:update", nil), ErrNotConnected)

	sock := dialer.Last()
	sock.Accept()
	require.NoError(t, m.Emit(ctx, "status:update", map[string]string{"status": "online"}))
	require.Equal(t, "status:update", sock.Emitted()[0].Event)

	sock.Push("channel_joined", `{"channelId":9}`)
	require.Equal(t, []Event{{UserID: 4, Name: "channel_joined", Data: json.RawMessage(`{"channelId":9}`)}}, events)
}

func TestSetAutoReconnect(t *testing.T) {
	ctx := context.Background()
	m, dialer := newTestManager()

	m.SetAutoReconnect(false)
	_, err := m.Connect(ctx, 1)
	require.NoError(t, err)
	require.False(t, dialer.Last().Reconnect())

	m.SetAutoReconnect(true)
	require.True(t, dialer.Last().Reconnect())
}

func TestObserversRunInRegistrationOrder(t *testing.T) {
	m, _ := newTestManager()
	var order []string
	m.OnStateChange(func(StateChange) { order = append(order, "presence") })
	m.OnStateChange(func(StateChange) { order = append(order, "sync") })

	_, err := m.Connect(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"presence", "sync"}, order)
}
