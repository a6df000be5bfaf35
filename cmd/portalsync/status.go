package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/medpulse-health/portalsync"
)

var (
	statusProbe   bool
	statusTimeout time.Duration
)

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "Connect once and report whether the backend is reachable")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "How long --probe waits for a connection")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection status",
	Long:  "Display the current configuration and optionally probe the realtime backend.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()
		printConfigSummary(out, cfg)

		if !statusProbe {
			return nil
		}

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		pc, err := clientConfig(cfg)
		if err != nil {
			return err
		}
		// The probe is bounded by --timeout, not by the retry policy.
		pc.MaxReconnectAttempts = -1
		client, err := portalsync.New(pc, portalsync.WithLogger(log))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Connection:")
		state := probe(ctx, client)
		fmt.Fprintf(out, "  State:       %s\n", state)
		if state != portalsync.StateConnected {
			return fmt.Errorf("backend not reachable within %s", statusTimeout)
		}
		return nil
	},
}

// probe connects and waits for the first connected state or ctx expiry.
func probe(ctx context.Context, client *portalsync.Client) portalsync.ConnectionState {
	updates, stop := client.Watch()
	defer stop()

	client.Connect(ctx)
	defer client.Disconnect()

	state := client.State()
	for {
		select {
		case snap := <-updates:
			state = snap.Connection
			if state == portalsync.StateConnected {
				return state
			}
		case <-ctx.Done():
			return state
		}
	}
}

func printConfigSummary(out io.Writer, cfg *Config) {
	fmt.Fprintln(out, "Configuration:")
	mode := "live"
	if cfg.Connection.Demo || cfg.Connection.Endpoint == "" {
		mode = "demo (simulated)"
	}
	fmt.Fprintf(out, "  Mode:        %s\n", mode)
	fmt.Fprintf(out, "  Endpoint:    %s\n", valueOrDefault(cfg.Connection.Endpoint, "(not set)"))
	if cfg.Connection.AuthToken != "" {
		fmt.Fprintf(out, "  Auth Token:  %s\n", maskKey(cfg.Connection.AuthToken))
	} else {
		fmt.Fprintln(out, "  Auth Token:  (not set)")
	}
	fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Connection.UserID, "(not set)"))
	if len(cfg.Connection.Channels) > 0 {
		fmt.Fprintf(out, "  Channels:    %v\n", cfg.Connection.Channels)
	} else {
		fmt.Fprintln(out, "  Channels:    all")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Timing:")
	fmt.Fprintf(out, "  Heartbeat:   %s\n", valueOrDefault(cfg.Timing.HeartbeatInterval, portalsync.DefaultHeartbeatInterval.String()))
	fmt.Fprintf(out, "  Backoff:     %s\n", valueOrDefault(cfg.Timing.Backoff, string(portalsync.BackoffLinear)))
	fmt.Fprintf(out, "  Base Delay:  %s\n", valueOrDefault(cfg.Timing.ReconnectBaseDelay, portalsync.DefaultReconnectBaseDelay.String()))
	attempts := cfg.Timing.MaxReconnectAttempts
	if attempts == 0 {
		attempts = portalsync.DefaultMaxReconnectAttempts
	}
	fmt.Fprintf(out, "  Max Retries: %d\n", attempts)
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
