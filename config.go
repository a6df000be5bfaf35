package portalsync

import (
	"net/url"
	"time"
)

// Defaults applied by Config.defaults.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = 3 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultSimulationTick       = 5 * time.Second
)

// Config configures a Client. Every timing and policy value is injectable;
// zero values take the defaults above.
type Config struct {
	// Endpoint is the WebSocket URL of the realtime backend (ws:// or
	// wss://; http(s) is rewritten). Empty selects demo mode.
	Endpoint  string
	AuthToken string
	UserID    string

	// Demo forces the simulation source even when Endpoint is set.
	Demo bool

	HeartbeatInterval time.Duration

	Backoff            BackoffStrategy
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts bounds consecutive retries after a drop or a
	// failed connect. The initial dial is not counted, so 5 allows up to 6
	// dials. Negative retries forever.
	MaxReconnectAttempts int

	SimulationTick time.Duration
	// Seed seeds the simulation's random source when no *rand.Rand is
	// injected. Zero seeds from the clock.
	Seed int64

	// Channels subscribed on connect. Empty subscribes to AllChannels.
	Channels []Channel
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Backoff == "" {
		c.Backoff = BackoffLinear
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.SimulationTick == 0 {
		c.SimulationTick = DefaultSimulationTick
	}
	if len(c.Channels) == 0 {
		c.Channels = append([]Channel(nil), AllChannels...)
	}
}

// Simulated reports whether the config selects the simulation source.
func (c *Config) Simulated() bool {
	return c.Demo || c.Endpoint == ""
}

// Validate checks the config after defaults have been applied.
func (c *Config) Validate() error {
	if c.HeartbeatInterval < 0 {
		return &ConfigError{Field: "HeartbeatInterval", Message: "must be positive"}
	}
	if c.ReconnectBaseDelay < 0 {
		return &ConfigError{Field: "ReconnectBaseDelay", Message: "must be positive"}
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return &ConfigError{Field: "ReconnectMaxDelay", Message: "must not be below ReconnectBaseDelay"}
	}
	if c.SimulationTick < 0 {
		return &ConfigError{Field: "SimulationTick", Message: "must be positive"}
	}
	switch c.Backoff {
	case BackoffLinear, BackoffExponential:
	default:
		return &ConfigError{Field: "Backoff", Message: "unknown strategy " + string(c.Backoff)}
	}
	for _, ch := range c.Channels {
		switch ch {
		case ChannelQueue, ChannelMessages, ChannelNotifications:
		default:
			return &ConfigError{Field: "Channels", Message: "unknown channel " + string(ch)}
		}
	}
	if c.Simulated() {
		return nil
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return &ConfigError{Field: "Endpoint", Message: err.Error()}
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return &ConfigError{Field: "Endpoint", Message: "unsupported scheme " + u.Scheme}
	}
	return nil
}
