package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medpulse-health/portalsync"
)

var (
	initToken  string
	initUserID string
	initDemo   bool
)

func init() {
	initCmd.Flags().StringVar(&initToken, "token", "", "Auth token for the realtime backend")
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "Patient user ID")
	initCmd.Flags().BoolVar(&initDemo, "demo", false, "Use the built-in simulation instead of a backend")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [endpoint]",
	Short: "Store connection settings in ~/.portalsync/config.toml",
	Long: "Initialize portalsync by storing the realtime endpoint and credentials in the local configuration file.\n" +
		"Without an endpoint the client runs in demo mode.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			cfg.Connection.Endpoint = args[0]
		}
		if initToken != "" {
			cfg.Connection.AuthToken = initToken
		}
		if initUserID != "" {
			cfg.Connection.UserID = initUserID
		}
		cfg.Connection.Demo = initDemo || cfg.Connection.Endpoint == ""

		pc, err := clientConfig(cfg)
		if err != nil {
			return err
		}
		if _, err := portalsync.New(pc); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		mode := "live"
		if cfg.Connection.Demo {
			mode = "demo"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration (%s mode) saved to %s\n", mode, path)
		return nil
	},
}
