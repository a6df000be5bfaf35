package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medpulse-health/portalsync/internal/devserver"
)

const defaultListen = "127.0.0.1:8787"

var (
	serveListen string
	serveToken  string
	serveTick   time.Duration
	serveSeed   int64
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default "+defaultListen+")")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Require this auth token from clients")
	serveCmd.Flags().DurationVar(&serveTick, "tick", 0, "Simulation tick per client (default 5s)")
	serveCmd.Flags().Int64Var(&serveSeed, "seed", 0, "Seed every client's simulation (0 = random)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local development realtime backend",
	Long: "Serve the realtime wire protocol on /ws, driving each client with its own\n" +
		"simulated queue, messages and notifications. Point 'portalsync watch --endpoint' at it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		listen := serveListen
		if listen == "" {
			listen = valueOrDefault(cfg.Server.Listen, defaultListen)
		}
		token := serveToken
		if !cmd.Flags().Changed("token") {
			token = cfg.Server.Token
		}
		seed := serveSeed
		if !cmd.Flags().Changed("seed") {
			seed = cfg.Timing.Seed
		}
		tick := serveTick
		if tick == 0 && cfg.Timing.SimulationTick != "" {
			if tick, err = time.ParseDuration(cfg.Timing.SimulationTick); err != nil {
				return fmt.Errorf("timing.simulation_tick: %w", err)
			}
		}

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		srv := devserver.New(devserver.Options{Token: token, Tick: tick, Seed: seed, Logger: log})
		return serve(cmd.Context(), listen, srv.Handler(), log)
	},
}

// serve runs handler on addr until ctx ends, then shuts down gracefully.
func serve(ctx context.Context, addr string, handler http.Handler, log *zap.Logger) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", addr), zap.String("ws", "ws://"+addr+"/ws"))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
