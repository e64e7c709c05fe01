package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatroster/pkg/source"
)

var (
	presenceFollow   bool
	presenceInterval time.Duration
)

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Announce the subscriber as online",
	Long: `Publishes the subscriber's own presence once, or with --follow keeps
heartbeating until interrupted. With a Redis presence backend, --follow also
sweeps expired heartbeats so stale correspondents go offline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireSubscriber(cfg); err != nil {
			return err
		}
		log, err := setupLogger(cfg, "cmd.presence")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stack, err := openSources(runCtx, cfg, log)
		if err != nil {
			return err
		}
		defer stack.Close()

		var sweeper source.Sweeper
		if stack.Redis != nil && stack.Presence == source.Presence(stack.Redis) {
			sweeper = stack.Redis
		}

		id := cfg.Session.SubscriberID
		if !presenceFollow {
			if err := stack.Presence.PublishSelfPresence(runCtx, id); err != nil {
				return fmt.Errorf("publish presence: %w", err)
			}
			log.Info("Presence published", "subscriber", id)
			return nil
		}

		err = runHeartbeat(runCtx, stack.Presence, sweeper, id, presenceInterval, log)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(presenceCmd)
	presenceCmd.Flags().BoolVarP(&presenceFollow, "follow", "f", false, "keep heartbeating until interrupted")
	presenceCmd.Flags().DurationVar(&presenceInterval, "interval", 30*time.Second, "heartbeat interval with --follow")
}

// runHeartbeat publishes presence for id every interval until ctx ends. A
// failed heartbeat is logged and retried on the next tick.
func runHeartbeat(ctx context.Context, presence source.Presence, sweeper source.Sweeper, id string, interval time.Duration, log *slog.Logger) error {
	if interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", interval)
	}

	beat := func() {
		if err := presence.PublishSelfPresence(ctx, id); err != nil {
			if ctx.Err() == nil {
				log.Warn("Heartbeat failed", "subscriber", id, "error", err)
			}
			return
		}
		log.Debug("Heartbeat sent", "subscriber", id)

		if sweeper != nil {
			_, _ = source.SweepOnce(ctx, sweeper, log)
		}
	}

	beat()
	log.Info("Heartbeat running", "subscriber", id, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
		}
	}
}
