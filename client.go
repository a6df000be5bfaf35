// Package portalsync is the real-time synchronization client of the patient
// portal. It keeps one connection to the realtime backend (or a local
// simulation of it), projects inbound events into queue, inbox and
// notification state, and exposes the outbound actions the portal screens
// call.
//
// Example:
//
//	client, err := portalsync.New(portalsync.Config{
//		Endpoint:  "wss://portal.example.org/realtime",
//		AuthToken: token,
//	}, portalsync.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	client.Connect(ctx)
//	defer client.Disconnect()
//
//	updates, stop := client.Watch()
//	defer stop()
//	client.JoinQueue(ctx, "K1", "A1")
//	for snap := range updates {
//		fmt.Println(snap.Connection, snap.QueuePosition())
//	}
package portalsync

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/medpulse-health/portalsync/clock"
)

// Client ties an EventSource, the Router and the Projector together. Create
// one per signed-in patient; instances share nothing.
type Client struct {
	config    Config
	log       *zap.Logger
	clock     clock.Clock
	dialer    Dialer
	rng       *rand.Rand
	newSource func(Sink) EventSource
	source    EventSource
	router    *Router
	projector *Projector
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the zap logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock sets the clock driving heartbeats, backoff and simulation
// ticks.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDialer replaces the WebSocket dialer of the real transport.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithRand sets the random source of the simulation.
func WithRand(rng *rand.Rand) Option {
	return func(c *Client) { c.rng = rng }
}

// WithSource installs a custom EventSource. The factory receives the sink
// the source must deliver to.
func WithSource(factory func(sink Sink) EventSource) Option {
	return func(c *Client) { c.newSource = factory }
}

// New builds a Client. The simulation source is chosen when config.Demo is
// set or no endpoint is configured.
func New(config Config, opts ...Option) (*Client, error) {
	config.defaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		config: config,
		log:    zap.NewNop(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.projector = NewProjector(c.clock, c.log)
	c.router = NewRouter(c.projector, nil, c.log)
	switch {
	case c.newSource != nil:
		c.source = c.newSource(c.router)
	case c.config.Simulated():
		c.source = NewSimulator(&c.config, c.router, c.rng, c.clock, c.log)
	default:
		c.source = NewTransport(&c.config, c.router, c.dialer, c.clock, c.log)
	}
	c.router.filter = c.source
	c.projector.bind(c.source)
	return c, nil
}

// Connect starts connecting without blocking; watch Snapshot().Connection
// for the outcome.
func (c *Client) Connect(ctx context.Context) {
	c.source.Connect(ctx)
}

// Disconnect closes the connection for good; no reconnect follows.
func (c *Client) Disconnect() error {
	return c.source.Close()
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.source.State()
}

// Simulated reports whether the client runs against the simulation source.
func (c *Client) Simulated() bool {
	return c.source.Simulated()
}

// Snapshot returns a copy of the published state.
func (c *Client) Snapshot() Snapshot {
	return c.projector.Snapshot()
}

// Watch streams snapshots, latest wins. Call stop when done.
func (c *Client) Watch() (updates <-chan Snapshot, stop func()) {
	return c.projector.Watch()
}

// OnReadReceipt registers a listener for remote read receipts.
func (c *Client) OnReadReceipt(fn func(ReadReceipt)) {
	c.projector.OnReadReceipt(fn)
}

// Subscribe adds channels to the subscription.
func (c *Client) Subscribe(ctx context.Context, channels ...Channel) error {
	return c.source.Subscribe(ctx, channels...)
}

// Unsubscribe drops a channel from the subscription.
func (c *Client) Unsubscribe(ctx context.Context, channel Channel) error {
	return c.source.Unsubscribe(ctx, channel)
}

// JoinQueue places the patient in the check-in queue.
func (c *Client) JoinQueue(ctx context.Context, kioskID, appointmentID string) {
	c.projector.JoinQueue(ctx, kioskID, appointmentID)
}

// LeaveQueue removes the patient from the queue.
func (c *Client) LeaveQueue(ctx context.Context) {
	c.projector.LeaveQueue(ctx)
}

// SendMessage sends a chat message; see Projector.SendMessage.
func (c *Client) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	return c.projector.SendMessage(ctx, msg)
}

// MarkMessagesRead marks a conversation read.
func (c *Client) MarkMessagesRead(ctx context.Context, conversationID string) {
	c.projector.MarkMessagesRead(ctx, conversationID)
}

// SendTypingIndicator reports the patient's typing state.
func (c *Client) SendTypingIndicator(ctx context.Context, conversationID string, isTyping bool) {
	c.projector.SendTypingIndicator(ctx, conversationID, isTyping)
}

// ClearQueueAlerts empties the queue alert list.
func (c *Client) ClearQueueAlerts() {
	c.projector.ClearQueueAlerts()
}

// ClearNotifications empties the notification list.
func (c *Client) ClearNotifications() {
	c.projector.ClearNotifications()
}
