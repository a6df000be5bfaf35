package portalsync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	c := &Config{}
	c.defaults()

	assert.Equal(t, 30*time.Second, c.HeartbeatInterval)
	assert.Equal(t, BackoffLinear, c.Backoff)
	assert.Equal(t, 3*time.Second, c.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, c.ReconnectMaxDelay)
	assert.Equal(t, 5, c.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, c.SimulationTick)
	assert.Equal(t, AllChannels, c.Channels)

	c.Channels[0] = "changed"
	assert.Equal(t, ChannelQueue, AllChannels[0], "defaults copy the channel list")
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	c := &Config{HeartbeatInterval: time.Second, MaxReconnectAttempts: -1, Channels: []Channel{ChannelMessages}}
	c.defaults()

	assert.Equal(t, time.Second, c.HeartbeatInterval)
	assert.Equal(t, -1, c.MaxReconnectAttempts)
	assert.Equal(t, []Channel{ChannelMessages}, c.Channels)
}

func TestConfigSimulated(t *testing.T) {
	assert.True(t, (&Config{}).Simulated())
	assert.True(t, (&Config{Endpoint: "wss://x", Demo: true}).Simulated())
	assert.False(t, (&Config{Endpoint: "wss://x"}).Simulated())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"demo needs nothing", Config{}, ""},
		{"wss endpoint", Config{Endpoint: "wss://portal.test/rt"}, ""},
		{"https endpoint", Config{Endpoint: "https://portal.test/rt"}, ""},
		{"bad scheme", Config{Endpoint: "ftp://portal.test"}, "Endpoint"},
		{"unparseable endpoint", Config{Endpoint: "ws://[::1"}, "Endpoint"},
		{"negative heartbeat", Config{HeartbeatInterval: -time.Second}, "HeartbeatInterval"},
		{"max below base", Config{ReconnectBaseDelay: 10 * time.Second, ReconnectMaxDelay: time.Second}, "ReconnectMaxDelay"},
		{"negative tick", Config{SimulationTick: -time.Second}, "SimulationTick"},
		{"unknown backoff", Config{Backoff: "fibonacci"}, "Backoff"},
		{"unknown channel", Config{Channels: []Channel{"billing"}}, "Channels"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.defaults()
			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]ConnectionState{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateReconnecting},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateConnecting},
		{StateConnected, StateDisconnected},
		{StateReconnecting, StateDisconnected},
	}
	for _, tr := range legal {
		assert.True(t, canTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.False(t, canTransition(StateConnected, StateConnecting))
	assert.False(t, canTransition(StateDisconnected, StateConnected))
	assert.False(t, canTransition(StateReconnecting, StateConnected))
}
