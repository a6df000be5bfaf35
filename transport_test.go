package portalsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportConnectSubscribes(t *testing.T) {
	tr, sink, dialer, _ := newTestTransport(t, testConfig())
	conn := newFakeConn()
	dialer.Queue(conn)

	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, waitFor, time.Millisecond)
	sub := conn.Written()[0]
	assert.Equal(t, "subscribe", sub["type"])
	assert.Equal(t, []any{"queue", "messages", "notifications"}, sub["channels"])
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, sink.States())

	tr.Connect(context.Background())
	assert.Equal(t, 1, dialer.Dials(), "connect is a no-op while connected")
}

func TestTransportDeliversFramesInOrderAndSwallowsPong(t *testing.T) {
	tr, sink, dialer, _ := newTestTransport(t, testConfig())
	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	conn.inbound <- []byte(`{"type":"queue_update","position":2}`)
	conn.inbound <- []byte(`{"type":"pong"}`)
	conn.inbound <- []byte(`{"type":"new_message","message":{"id":"m1"}}`)
	conn.inbound <- []byte(`{"type":"typing","conversationId":"c1","isTyping":true}`)

	require.Eventually(t, func() bool { return len(sink.Frames()) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{FrameQueueUpdate, FrameNewMessage, FrameTyping}, sink.FrameTypes())
}

func TestTransportAlwaysFailingDial(t *testing.T) {
	tr, sink, dialer, clk := newTestTransport(t, testConfig())

	tr.Connect(context.Background())
	for i := 1; i <= DefaultMaxReconnectAttempts; i++ {
		waitState(t, tr, StateReconnecting)
		clk.WaitForTimers(1)
		clk.Advance(DefaultReconnectBaseDelay * time.Duration(i))
	}
	waitState(t, tr, StateDisconnected)

	want := []ConnectionState{}
	for i := 0; i < DefaultMaxReconnectAttempts; i++ {
		want = append(want, StateConnecting, StateReconnecting)
	}
	want = append(want, StateConnecting, StateDisconnected)
	assert.Equal(t, want, sink.States())
	assert.Equal(t, DefaultMaxReconnectAttempts+1, dialer.Dials())
	assert.Equal(t, 0, clk.PendingCount(), "nothing scheduled after giving up")
}

func TestTransportReconnectDelaysGrow(t *testing.T) {
	tr, _, dialer, clk := newTestTransport(t, testConfig())

	tr.Connect(context.Background())
	waitState(t, tr, StateReconnecting)
	clk.WaitForTimers(1)

	clk.Advance(DefaultReconnectBaseDelay - time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "first retry waits the base delay")
	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return dialer.Dials() == 2 }, waitFor, time.Millisecond)

	waitState(t, tr, StateReconnecting)
	clk.WaitForTimers(1)
	clk.Advance(2*DefaultReconnectBaseDelay - time.Millisecond)
	assert.Equal(t, 2, dialer.Dials(), "second retry waits twice the base delay")
	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return dialer.Dials() == 3 }, waitFor, time.Millisecond)
}

func TestTransportCloseCancelsPendingReconnect(t *testing.T) {
	tr, sink, dialer, clk := newTestTransport(t, testConfig())
	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	conn.Drop()
	waitState(t, tr, StateReconnecting)
	clk.WaitForTimers(1)

	require.NoError(t, tr.Close())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Equal(t, 0, clk.PendingCount())

	clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.Dials(), "no dial after an explicit close")
	assert.Equal(t, StateDisconnected, sink.States()[len(sink.States())-1])
}

func TestTransportReconnectsAfterDrop(t *testing.T) {
	tr, _, dialer, clk := newTestTransport(t, testConfig())
	first, second := newFakeConn(), newFakeConn()
	dialer.Queue(first, second)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	first.Drop()
	waitState(t, tr, StateReconnecting)
	clk.WaitForTimers(1)
	clk.Advance(DefaultReconnectBaseDelay)
	waitState(t, tr, StateConnected)

	require.Eventually(t, func() bool { return len(second.Written()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "subscribe", second.Written()[0]["type"], "subscriptions are restored")
	assert.Equal(t, 0, tr.recon.attempt, "attempts reset after success")
}

func TestTransportHeartbeat(t *testing.T) {
	cfg := testConfig()
	tr, _, dialer, clk := newTestTransport(t, cfg)
	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)
	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, waitFor, time.Millisecond)

	clk.Advance(cfg.HeartbeatInterval)
	assert.Equal(t, []string{"subscribe", "ping"}, conn.WrittenTypes())
	assert.Equal(t, StateConnected, tr.State())

	clk.Advance(cfg.HeartbeatInterval)
	assert.Equal(t, StateReconnecting, tr.State(), "two silent intervals kill the connection")
	assert.True(t, conn.Closed())
}

func TestTransportHeartbeatDeadlineFollowsLastFrame(t *testing.T) {
	cfg := testConfig()
	tr, _, dialer, clk := newTestTransport(t, cfg)
	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)
	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, waitFor, time.Millisecond)

	clk.Advance(cfg.HeartbeatInterval)
	clk.Advance(time.Second)
	conn.inbound <- []byte(`{"type":"pong"}`)
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.lastFrame.Equal(clk.Now())
	}, waitFor, time.Millisecond)
	pongAt := clk.Now()

	// Two more pings go out while the silence is still under the deadline.
	clk.Advance(2*cfg.HeartbeatInterval - time.Millisecond)
	assert.Equal(t, []string{"subscribe", "ping", "ping", "ping"}, conn.WrittenTypes())
	assert.Equal(t, StateConnected, tr.State())

	clk.Advance(time.Millisecond)
	assert.Equal(t, pongAt.Add(2*cfg.HeartbeatInterval), clk.Now())
	assert.Equal(t, StateReconnecting, tr.State(), "dead exactly two intervals after the last frame")
	assert.True(t, conn.Closed())
}

func TestTransportHeartbeatKeptAliveByFrames(t *testing.T) {
	cfg := testConfig()
	tr, sink, dialer, clk := newTestTransport(t, cfg)
	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	for i := 0; i < 4; i++ {
		clk.Advance(cfg.HeartbeatInterval)
		conn.inbound <- []byte(`{"type":"pong"}`)
		// The pong refreshes liveness without reaching the sink.
		require.Eventually(t, func() bool {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			return tr.lastFrame.Equal(clk.Now())
		}, waitFor, time.Millisecond)
	}
	assert.Equal(t, StateConnected, tr.State())
	assert.Empty(t, sink.Frames())
}

func TestTransportSend(t *testing.T) {
	tr, _, dialer, _ := newTestTransport(t, testConfig())

	err := tr.Send(context.Background(), Command{Type: FrameLeaveQueue})
	assert.True(t, errors.Is(err, ErrNotConnected))

	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)

	require.NoError(t, tr.Send(context.Background(), Command{Type: FrameMarkRead, Body: conversationBody{ConversationID: "c1"}}))
	require.Eventually(t, func() bool { return len(conn.Written()) == 2 }, waitFor, time.Millisecond)
	assert.Contains(t, conn.WrittenTypes(), "mark_read")
}

func TestTransportSubscriptionChanges(t *testing.T) {
	cfg := testConfig()
	cfg.Channels = []Channel{ChannelQueue}
	tr, _, dialer, _ := newTestTransport(t, cfg)

	assert.True(t, tr.Subscribed(ChannelQueue))
	assert.False(t, tr.Subscribed(ChannelMessages))

	// Offline changes are only recorded.
	require.NoError(t, tr.Subscribe(context.Background(), ChannelNotifications))

	conn := newFakeConn()
	dialer.Queue(conn)
	tr.Connect(context.Background())
	waitState(t, tr, StateConnected)
	require.Eventually(t, func() bool { return len(conn.Written()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []any{"queue", "notifications"}, conn.Written()[0]["channels"])

	require.NoError(t, tr.Subscribe(context.Background(), ChannelMessages, ChannelQueue))
	require.NoError(t, tr.Unsubscribe(context.Background(), ChannelQueue))
	require.NoError(t, tr.Unsubscribe(context.Background(), ChannelQueue))

	written := conn.Written()
	require.Len(t, written, 3)
	assert.Equal(t, []any{"messages"}, written[1]["channels"])
	assert.Equal(t, "unsubscribe", written[2]["type"])
	assert.Equal(t, "queue", written[2]["channel"])
	assert.False(t, tr.Subscribed(ChannelQueue))
}

func TestTransportCancelledContextStopsReconnecting(t *testing.T) {
	tr, _, dialer, clk := newTestTransport(t, testConfig())
	conn := newFakeConn()
	dialer.Queue(conn)

	ctx, cancel := context.WithCancel(context.Background())
	tr.Connect(ctx)
	waitState(t, tr, StateConnected)

	cancel()
	waitState(t, tr, StateDisconnected)
	assert.Equal(t, 0, clk.PendingCount())
	assert.Equal(t, 1, dialer.Dials())
}

func TestRedactEndpoint(t *testing.T) {
	assert.Equal(t, "wss://x/realtime", redactEndpoint("wss://x/realtime?token=secret"))
	assert.Equal(t, "wss://x/realtime", redactEndpoint("wss://x/realtime"))
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://portal.test/rt", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.test/rt?token=abc", u)

	u, err = websocketURL("ws://localhost:8080/ws", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", u)
}
