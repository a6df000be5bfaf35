package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medpulse-health/portalsync"
)

var (
	watchFlags    connectionFlags
	watchJSON     bool
	watchJoin     []string
	watchDuration time.Duration
)

func init() {
	watchFlags.register(watchCmd.Flags())
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print full snapshots as JSON lines")
	watchCmd.Flags().StringSliceVar(&watchJoin, "join", nil, "Join a queue on connect: --join <kiosk>,<appointment>")
	watchCmd.Flags().DurationVar(&watchDuration, "duration", 0, "Stop after this long (default: until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print portal state as it changes",
	Long: "Connect to the realtime backend (or the built-in simulation) and print a line\n" +
		"whenever queue, inbox, notification or connection state changes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(watchJoin) != 0 && len(watchJoin) != 2 {
			return fmt.Errorf("--join takes <kiosk>,<appointment>")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		watchFlags.apply(cmd.Flags(), cfg)

		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		pc, err := clientConfig(cfg)
		if err != nil {
			return err
		}
		client, err := portalsync.New(pc, portalsync.WithLogger(log))
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if watchDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, watchDuration)
			defer cancel()
		}
		return runWatch(ctx, client, cmd.OutOrStdout(), log)
	},
}

// runWatch streams snapshots to out until ctx ends.
func runWatch(ctx context.Context, client *portalsync.Client, out io.Writer, log *zap.Logger) error {
	updates, stop := client.Watch()
	client.OnReadReceipt(func(r portalsync.ReadReceipt) {
		log.Info("read receipt", zap.String("conversation", r.ConversationID), zap.Strings("messages", r.MessageIDs))
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		stop()
		return client.Disconnect()
	})
	g.Go(func() error {
		joined := len(watchJoin) == 0
		var last string
		for snap := range updates {
			if !joined && snap.Connection == portalsync.StateConnected {
				joined = true
				client.JoinQueue(ctx, watchJoin[0], watchJoin[1])
			}
			if err := printSnapshot(out, snap, &last); err != nil {
				return err
			}
		}
		return nil
	})

	client.Connect(ctx)
	return g.Wait()
}

// printSnapshot writes snap unless it renders the same as the last line.
func printSnapshot(out io.Writer, snap portalsync.Snapshot, last *string) error {
	var line string
	if watchJSON {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		line = string(data)
	} else {
		line = summarize(snap)
	}
	if line == *last {
		return nil
	}
	*last = line
	_, err := fmt.Fprintln(out, line)
	return err
}

func summarize(snap portalsync.Snapshot) string {
	s := fmt.Sprintf("%-12s queue=%s", snap.Connection, snap.Queue.Status)
	if snap.Queue.Position != nil {
		s += fmt.Sprintf(" pos=%d wait=%dm", snap.QueuePosition(), snap.QueueWaitTime())
	}
	s += fmt.Sprintf(" unread=%d notifications=%d", snap.Inbox.UnreadCount, len(snap.Notifications))
	for _, conv := range slices.Sorted(maps.Keys(snap.Inbox.TypingIndicators)) {
		if snap.Inbox.TypingIndicators[conv] {
			s += " typing:" + conv
		}
	}
	if len(snap.Queue.Alerts) > 0 {
		a := snap.Queue.Alerts[0]
		s += fmt.Sprintf(" alert=%q", a.Message)
		if a.Urgent {
			s += "!"
		}
	}
	if snap.Simulated {
		s += " [demo]"
	}
	return s
}
