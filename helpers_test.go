package portalsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medpulse-health/portalsync/clock"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const waitFor = 2 * time.Second

// ============================================================================
// Recording sink
// ============================================================================

type recordingSink struct {
	mu     sync.Mutex
	states []ConnectionState
	frames [][]byte
}

func (s *recordingSink) HandleFrame(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), data...))
}

func (s *recordingSink) HandleState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
}

func (s *recordingSink) States() []ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConnectionState(nil), s.states...)
}

func (s *recordingSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

func (s *recordingSink) FrameTypes() []string {
	var out []string
	for _, f := range s.Frames() {
		typ, _ := frameType(f)
		out = append(out, typ)
	}
	return out
}

// ============================================================================
// Fake connection and dialer
// ============================================================================

var errConnClosed = errors.New("fake conn closed")

type fakeConn struct {
	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
	reason  string
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Drop simulates the peer going away.
func (c *fakeConn) Drop() { c.Close("peer gone") }

func (c *fakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Written returns the decoded outbound frames.
func (c *fakeConn) Written() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, w := range c.written {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) WrittenTypes() []string {
	var out []string
	for _, m := range c.Written() {
		typ, _ := m["type"].(string)
		out = append(out, typ)
	}
	return out
}

// fakeDialer hands out connections from a queue; with an empty queue it
// fails every dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Queue(conns ...*fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conns...)
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// ============================================================================
// Helpers
// ============================================================================

func testConfig() *Config {
	c := &Config{Endpoint: "wss://portal.test/realtime", AuthToken: "tok"}
	c.defaults()
	return c
}

func newTestTransport(t *testing.T, cfg *Config) (*Transport, *recordingSink, *fakeDialer, *clock.FakeClock) {
	t.Helper()
	sink := &recordingSink{}
	dialer := &fakeDialer{}
	clk := clock.Fake(epoch)
	tr := NewTransport(cfg, sink, dialer, clk, nil)
	t.Cleanup(func() { tr.Close() })
	return tr, sink, dialer, clk
}

func waitState(t *testing.T, src interface{ State() ConnectionState }, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return src.State() == want }, waitFor, time.Millisecond,
		"state never reached %s (last %s)", want, src.State())
}

func mustFrame(t *testing.T, ev Event) []byte {
	t.Helper()
	data, err := EncodeEvent(ev)
	require.NoError(t, err)
	return data
}
