package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatroster/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the roster gateway",
	Long:  "Serves live rosters for any subscriber over HTTP and websockets, with health, readiness and metrics endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := setupLogger(cfg, "cmd.serve")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stack, err := openSources(runCtx, cfg, log)
		if err != nil {
			log.Error("Failed to open sources", "error", err)
			return err
		}
		defer func() {
			if err := stack.Close(); err != nil {
				log.Warn("Closing sources failed", "error", err)
			}
		}()

		svc, err := gateway.NewService(runCtx, cfg, stack.Set, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}
		defer svc.Close()

		log.Info("Gateway started", append([]any{"addr", cfg.Gateway.Addr()}, backends(cfg)...)...)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
