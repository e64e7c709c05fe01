package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chatroster/pkg/logger"
	"chatroster/pkg/session"
	"chatroster/pkg/ui/rosterview"
)

var watchLogFile string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the live roster in the terminal",
	Long:  "Starts a roster session for the subscriber and renders it as a searchable, live-updating list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireSubscriber(cfg); err != nil {
			return err
		}

		// The UI owns the terminal, so logs go to a file or nowhere.
		var logWriter io.Writer = io.Discard
		if watchLogFile != "" {
			file, err := os.OpenFile(watchLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open log file: %w", err)
			}
			defer file.Close()
			logWriter = file
		}
		appLogger, err := logger.NewWithWriter(cfg.Logging, logWriter)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := logger.Component(appLogger, "cmd.watch")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stack, err := openSources(runCtx, cfg, log)
		if err != nil {
			return err
		}

		opts := sessionOptions(cfg, stack, log)
		opts.OwnSources = true
		sess, err := session.Start(runCtx, opts)
		if err != nil {
			_ = stack.Close()
			return err
		}
		defer sess.Close()

		log.Info("Watching roster", append([]any{"subscriber", sess.SubscriberID()}, backends(cfg)...)...)
		return rosterview.Run(runCtx, sess)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchLogFile, "log-file", "", "append logs to this file while the UI runs")
}
