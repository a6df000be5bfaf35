package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/medpulse-health/portalsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.portalsync/config.toml.
type Config struct {
	Connection ConfigConnection `toml:"connection"`
	Timing     ConfigTiming     `toml:"timing"`
	Server     ConfigServer     `toml:"server"`
}

// ConfigConnection selects the backend and identifies the patient.
type ConfigConnection struct {
	Endpoint  string   `toml:"endpoint"`
	AuthToken string   `toml:"auth_token"`
	UserID    string   `toml:"user_id"`
	Demo      bool     `toml:"demo"`
	Channels  []string `toml:"channels,omitempty"`
}

// ConfigTiming overrides the client's timing and retry policy. Durations
// use Go syntax ("30s", "1m").
type ConfigTiming struct {
	HeartbeatInterval    string `toml:"heartbeat_interval,omitempty"`
	Backoff              string `toml:"backoff,omitempty"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay,omitempty"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay,omitempty"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts,omitempty"`
	SimulationTick       string `toml:"simulation_tick,omitempty"`
	Seed                 int64  `toml:"seed,omitempty"`
}

// ConfigServer configures `portalsync serve`.
type ConfigServer struct {
	Listen string `toml:"listen,omitempty"`
	Token  string `toml:"token,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configFile overrides the config location when set with --config.
var configFile string

// configEnv names the environment variable consulted when --config is unset.
const configEnv = "PORTALSYNC_CONFIG"

// configPath resolves the config file: --config, then $PORTALSYNC_CONFIG,
// then ~/.portalsync/config.toml. Nothing is created on disk.
func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	if env := os.Getenv(configEnv); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".portalsync", "config.toml"), nil
}

// loadConfig reads the config file. A missing file is an empty config;
// keys the CLI does not know are rejected so typos do not go unnoticed.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("cannot parse config %s: unknown keys:\n%s", path, strict.String())
		}
		return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// saveConfig replaces the config file atomically. The file holds auth
// tokens, so it and a newly created directory are private to the user.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cannot replace config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "connection.endpoint").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. connection.endpoint)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "connection":
		switch field {
		case "endpoint":
			cfg.Connection.Endpoint = value
		case "auth_token":
			cfg.Connection.AuthToken = value
		case "user_id":
			cfg.Connection.UserID = value
		case "demo":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("connection.demo: %w", err)
			}
			cfg.Connection.Demo = b
		case "channels":
			cfg.Connection.Channels = splitList(value)
		default:
			return fmt.Errorf("unknown field %q in section [connection]", field)
		}
	case "timing":
		switch field {
		case "heartbeat_interval", "reconnect_base_delay", "reconnect_max_delay", "simulation_tick":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("timing.%s: %w", field, err)
			}
			*durationField(&cfg.Timing, field) = value
		case "backoff":
			cfg.Timing.Backoff = value
		case "max_reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("timing.max_reconnect_attempts: %w", err)
			}
			cfg.Timing.MaxReconnectAttempts = n
		case "seed":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("timing.seed: %w", err)
			}
			cfg.Timing.Seed = n
		default:
			return fmt.Errorf("unknown field %q in section [timing]", field)
		}
	case "server":
		switch field {
		case "listen":
			cfg.Server.Listen = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: connection, timing, server)", section)
	}
	return nil
}

func durationField(t *ConfigTiming, field string) *string {
	switch field {
	case "heartbeat_interval":
		return &t.HeartbeatInterval
	case "reconnect_base_delay":
		return &t.ReconnectBaseDelay
	case "reconnect_max_delay":
		return &t.ReconnectMaxDelay
	default:
		return &t.SimulationTick
	}
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clientConfig converts the file config into a library Config.
func clientConfig(cfg *Config) (portalsync.Config, error) {
	out := portalsync.Config{
		Endpoint:             cfg.Connection.Endpoint,
		AuthToken:            cfg.Connection.AuthToken,
		UserID:               cfg.Connection.UserID,
		Demo:                 cfg.Connection.Demo,
		Backoff:              portalsync.BackoffStrategy(cfg.Timing.Backoff),
		MaxReconnectAttempts: cfg.Timing.MaxReconnectAttempts,
		Seed:                 cfg.Timing.Seed,
	}
	for _, ch := range cfg.Connection.Channels {
		out.Channels = append(out.Channels, portalsync.Channel(ch))
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"heartbeat_interval", cfg.Timing.HeartbeatInterval, &out.HeartbeatInterval},
		{"reconnect_base_delay", cfg.Timing.ReconnectBaseDelay, &out.ReconnectBaseDelay},
		{"reconnect_max_delay", cfg.Timing.ReconnectMaxDelay, &out.ReconnectMaxDelay},
		{"simulation_tick", cfg.Timing.SimulationTick, &out.SimulationTick},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return portalsync.Config{}, fmt.Errorf("timing.%s: %w", d.field, err)
		}
		*d.dst = v
	}
	return out, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "portalsync",
	Short: "Patient portal real-time sync client",
	Long: "Command-line interface for the patient portal real-time sync client.\n" +
		"Manage configuration, watch live or simulated portal state, and run a local development backend.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $PORTALSYNC_CONFIG or ~/.portalsync/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
