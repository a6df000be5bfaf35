package portalsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/medpulse-health/portalsync/clock"
)

// ============================================================================
// Event sources
// ============================================================================

// EventSource produces inbound frames for a Client and carries its outbound
// commands. Transport talks to a real backend; Simulator generates frames
// locally with the same shapes.
type EventSource interface {
	// Connect starts connecting without blocking. Completion is observed
	// through connection state changes delivered to the Sink.
	Connect(ctx context.Context)
	// Close stops the source for good. No reconnect follows.
	Close() error
	// Send writes one command. It returns ErrNotConnected unless the
	// source is connected and never queues.
	Send(ctx context.Context, cmd Command) error
	Subscribe(ctx context.Context, channels ...Channel) error
	Unsubscribe(ctx context.Context, channel Channel) error
	Subscribed(Channel) bool
	State() ConnectionState
	Simulated() bool
}

// ============================================================================
// Dialing
// ============================================================================

// Conn is one physical connection. Write and Close may be called
// concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens connections to the realtime backend.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// WebSocketDialer dials with nhooyr.io/websocket.
type WebSocketDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size in bytes. Zero keeps the library
	// default.
	ReadLimit int64
}

// Dial opens a WebSocket, sending token both as a bearer header and as the
// token query parameter.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	u, err := websocketURL(endpoint, token)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	c, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{c: c}, nil
}

func websocketURL(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}

// ============================================================================
// Transport
// ============================================================================

const writeTimeout = 10 * time.Second

// Transport owns a single connection to the realtime backend. It reconnects
// after unexpected drops, probes liveness with ping frames and tracks the
// channel subscription set.
type Transport struct {
	config *Config
	dialer Dialer
	clock  clock.Clock
	log    *zap.Logger
	sink   Sink

	mu         sync.Mutex
	state      ConnectionState
	closed     bool
	gen        uint64
	baseCtx    context.Context
	connCtx    context.Context
	cancel     context.CancelFunc
	conn       Conn
	recon      *reconnector
	retryTimer *clock.Timer
	heartbeat  *clock.Timer
	deadline   *clock.Timer
	lastFrame  time.Time
	channels   map[Channel]bool
}

// NewTransport returns a disconnected Transport delivering to sink.
// config must already have defaults applied.
func NewTransport(config *Config, sink Sink, dialer Dialer, clk clock.Clock, log *zap.Logger) *Transport {
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		config:   config,
		dialer:   dialer,
		clock:    clk,
		log:      log.Named("transport"),
		sink:     sink,
		state:    StateDisconnected,
		baseCtx:  context.Background(),
		recon:    newReconnector(config, clk),
		channels: make(map[Channel]bool),
	}
	for _, ch := range config.Channels {
		t.channels[ch] = true
	}
	return t
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Simulated is false for a real transport.
func (t *Transport) Simulated() bool { return false }

// Connect starts a connection attempt. It is a no-op while connecting or
// connected. While a reconnect is pending it cancels the wait and dials
// now. ctx bounds the lifetime of the connection and every reconnect.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateConnecting, StateConnected:
		return
	case StateDisconnected:
		t.recon.reset()
	}
	t.closed = false
	t.baseCtx = ctx
	t.stopRetryLocked()
	t.dialLocked()
}

// Close tears the connection down for good. Every pending timer is
// cancelled under the same lock that marks the transport closed, so none
// can fire afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.stopRetryLocked()
	conn := t.teardownLocked()
	t.gen++
	t.setStateLocked(StateDisconnected)
	t.mu.Unlock()

	if conn != nil {
		return conn.Close("client disconnect")
	}
	return nil
}

// Send writes cmd on the live connection.
func (t *Transport) Send(ctx context.Context, cmd Command) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	return t.write(ctx, conn, cmd)
}

// Subscribe adds channels to the subscription set. When connected the new
// channels are sent immediately; otherwise they go out on the next connect.
func (t *Transport) Subscribe(ctx context.Context, channels ...Channel) error {
	t.mu.Lock()
	var added []Channel
	for _, ch := range channels {
		if !t.channels[ch] {
			t.channels[ch] = true
			added = append(added, ch)
		}
	}
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if len(added) == 0 || state != StateConnected {
		return nil
	}
	return t.write(ctx, conn, Command{Type: FrameSubscribe, Body: subscribeBody{Channels: added}})
}

// Unsubscribe removes a channel from the subscription set.
func (t *Transport) Unsubscribe(ctx context.Context, channel Channel) error {
	t.mu.Lock()
	had := t.channels[channel]
	delete(t.channels, channel)
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if !had || state != StateConnected {
		return nil
	}
	return t.write(ctx, conn, Command{Type: FrameUnsubscribe, Body: unsubscribeBody{Channel: channel}})
}

// Subscribed reports whether channel is in the subscription set.
func (t *Transport) Subscribed(channel Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[channel]
}

// dialLocked starts a new connection generation.
func (t *Transport) dialLocked() {
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(t.baseCtx)
	t.connCtx, t.cancel = ctx, cancel
	t.setStateLocked(StateConnecting)
	go t.dial(ctx, gen)
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	conn, err := t.dialer.Dial(ctx, t.config.Endpoint, t.config.AuthToken)

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close("superseded")
		}
		return
	}
	if err != nil {
		t.log.Warn("connect failed", zap.Error(err), zap.Int("attempt", t.recon.attempt))
		t.dropLocked()
		t.mu.Unlock()
		return
	}

	t.conn = conn
	t.recon.reset()
	t.lastFrame = t.clock.Now()
	t.setStateLocked(StateConnected)
	t.armHeartbeatLocked(gen)
	t.armDeadlineLocked(gen)
	channels := t.channelListLocked()
	t.mu.Unlock()

	t.log.Info("connected",
		zap.String("endpoint", redactEndpoint(t.config.Endpoint)),
		zap.Int("channels", len(channels)))
	go t.readLoop(ctx, gen, conn)

	if len(channels) > 0 {
		if err := t.write(ctx, conn, Command{Type: FrameSubscribe, Body: subscribeBody{Channels: channels}}); err != nil {
			t.log.Warn("subscribe failed", zap.Error(err))
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			t.connectionLost(gen, conn, err)
			return
		}

		t.mu.Lock()
		if gen != t.gen || t.conn != conn {
			t.mu.Unlock()
			return
		}
		t.lastFrame = t.clock.Now()
		t.armDeadlineLocked(gen)
		t.mu.Unlock()

		if typ, err := frameType(data); err == nil && typ == FramePong {
			continue
		}
		t.sink.HandleFrame(data)
	}
}

// connectionLost handles a read failure. A connection already torn down by
// the liveness deadline or Close is ignored.
func (t *Transport) connectionLost(gen uint64, conn Conn, err error) {
	t.mu.Lock()
	if gen != t.gen || t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.log.Warn("connection lost", zap.Error(err))
	stale := t.dropLocked()
	t.mu.Unlock()

	if stale != nil {
		stale.Close("connection lost")
	}
}

// dropLocked tears down the current connection and either arms a single
// reconnect timer or gives up. It returns the connection to close once the
// lock is released.
func (t *Transport) dropLocked() Conn {
	stale := t.teardownLocked()

	if t.baseCtx.Err() != nil {
		t.closed = true
		t.setStateLocked(StateDisconnected)
		return stale
	}

	delay, ok := t.recon.next()
	if !ok {
		t.log.Warn("giving up reconnecting", zap.Int("attempts", t.recon.attempt))
		t.setStateLocked(StateDisconnected)
		return stale
	}

	t.setStateLocked(StateReconnecting)
	t.stopRetryLocked()
	gen := t.gen
	t.retryTimer = t.clock.AfterFunc(delay, func() { t.retry(gen) })
	t.log.Info("reconnect scheduled", zap.Int("attempt", t.recon.attempt), zap.Duration("delay", delay))
	return stale
}

func (t *Transport) retry(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || gen != t.gen || t.state != StateReconnecting {
		return
	}
	t.retryTimer = nil
	t.dialLocked()
}

func (t *Transport) teardownLocked() Conn {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	if t.deadline != nil {
		t.deadline.Stop()
		t.deadline = nil
	}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	conn := t.conn
	t.conn = nil
	return conn
}

func (t *Transport) stopRetryLocked() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) armHeartbeatLocked(gen uint64) {
	t.heartbeat = t.clock.AfterFunc(t.config.HeartbeatInterval, func() { t.heartbeatTick(gen) })
}

// armDeadlineLocked restarts the liveness deadline: two heartbeat intervals
// from now.
func (t *Transport) armDeadlineLocked(gen uint64) {
	if t.deadline != nil {
		t.deadline.Stop()
	}
	t.deadline = t.clock.AfterFunc(2*t.config.HeartbeatInterval, func() { t.deadlineExpired(gen) })
}

// deadlineExpired declares the connection dead when nothing has been
// received for two heartbeat intervals.
func (t *Transport) deadlineExpired(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	// A frame may have landed while this callback was already firing.
	silence := t.clock.Now().Sub(t.lastFrame)
	if silence < 2*t.config.HeartbeatInterval {
		t.mu.Unlock()
		return
	}

	t.log.Warn("heartbeat timeout", zap.Duration("silence", silence))
	stale := t.dropLocked()
	t.mu.Unlock()
	if stale != nil {
		stale.Close("heartbeat timeout")
	}
}

// heartbeatTick sends a ping and re-arms itself.
func (t *Transport) heartbeatTick(gen uint64) {
	t.mu.Lock()
	if t.closed || gen != t.gen || t.state != StateConnected {
		t.mu.Unlock()
		return
	}
	conn, ctx := t.conn, t.connCtx
	t.armHeartbeatLocked(gen)
	t.mu.Unlock()

	if err := t.write(ctx, conn, Command{Type: FramePing}); err != nil {
		t.log.Debug("ping failed", zap.Error(err))
	}
}

func (t *Transport) write(ctx context.Context, conn Conn, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

func (t *Transport) setStateLocked(s ConnectionState) {
	if t.state == s {
		return
	}
	if !canTransition(t.state, s) {
		t.log.Error("illegal connection transition", zap.String("from", string(t.state)), zap.String("to", string(s)))
	}
	t.log.Debug("connection state", zap.String("from", string(t.state)), zap.String("to", string(s)))
	t.state = s
	if t.sink != nil {
		t.sink.HandleState(s)
	}
}

func (t *Transport) channelListLocked() []Channel {
	var out []Channel
	for _, ch := range AllChannels {
		if t.channels[ch] {
			out = append(out, ch)
		}
	}
	return out
}

// redactEndpoint strips the query string, which carries the auth token.
func redactEndpoint(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
