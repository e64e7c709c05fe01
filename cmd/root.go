package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatroster/pkg/config"
	"chatroster/pkg/logger"
	"chatroster/pkg/session"
)

var (
	configPath   string
	subscriberID string
)

var rootCmd = &cobra.Command{
	Use:   "chatroster",
	Short: "Live chat roster aggregation",
	Long: `chatroster merges a correspondent directory, message history and presence
into one ordered roster per subscriber and keeps it current as messages and
presence changes arrive.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if value := strings.TrimSpace(configPath); value != "" {
			return os.Setenv("CHATROSTER_CONFIG", value)
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (overrides CHATROSTER_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&subscriberID, "subscriber", "s", "", "subscriber id (overrides session.subscriber_id)")
}

// loadConfig resolves the config and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigOrDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if value := strings.TrimSpace(subscriberID); value != "" {
		cfg.Session.SubscriberID = value
	}
	return cfg, nil
}

// setupLogger installs the process logger and returns it tagged for component.
func setupLogger(cfg *config.Config, component string) (*slog.Logger, error) {
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	return logger.Component(appLogger, component), nil
}

// sessionOptions maps config onto session options for the configured
// subscriber.
func sessionOptions(cfg *config.Config, stack *sourceStack, log *slog.Logger) session.Options {
	return session.Options{
		SubscriberID: cfg.Session.SubscriberID,
		Sources:      stack.Set,
		Logger:       log,
		DedupWindow:  cfg.Session.DedupWindow,
		BusBuffer:    cfg.Session.BusBuffer,
		Reconnect: session.ReconnectPolicy{
			InitialInterval: cfg.Reconnect.InitialInterval(),
			MaxInterval:     cfg.Reconnect.MaxInterval(),
			MaxElapsedTime:  cfg.Reconnect.MaxElapsed(),
			GapLookback:     cfg.Reconnect.GapLookback(),
		},
		SweepInterval: cfg.Sources.Redis.SweepInterval(),
	}
}

func requireSubscriber(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Session.SubscriberID) == "" {
		return fmt.Errorf("subscriber id is required: pass --subscriber or set session.subscriber_id")
	}
	return nil
}
