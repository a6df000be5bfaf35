package main

import (
	"github.com/spf13/pflag"
)

// connectionFlags are per-invocation overrides of the [connection] section.
type connectionFlags struct {
	endpoint string
	token    string
	demo     bool
	channels []string
}

func (f *connectionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.endpoint, "endpoint", "", "Realtime endpoint (overrides config)")
	fs.StringVar(&f.token, "token", "", "Auth token (overrides config)")
	fs.BoolVar(&f.demo, "demo", false, "Force the built-in simulation")
	fs.StringSliceVar(&f.channels, "channels", nil, "Channels to subscribe: queue, messages, notifications")
}

// apply copies every flag the user actually set onto cfg.
func (f *connectionFlags) apply(fs *pflag.FlagSet, cfg *Config) {
	if fs.Changed("endpoint") {
		cfg.Connection.Endpoint = f.endpoint
	}
	if fs.Changed("token") {
		cfg.Connection.AuthToken = f.token
	}
	if fs.Changed("demo") {
		cfg.Connection.Demo = f.demo
	}
	if fs.Changed("channels") {
		cfg.Connection.Channels = f.channels
	}
}
