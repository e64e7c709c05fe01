package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chatroster/pkg/bus"
	"chatroster/pkg/projection"
	"chatroster/pkg/session"
)

var (
	snapshotSearch string
	snapshotJSON   bool
	snapshotSettle time.Duration
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the subscriber's roster once",
	Long:  "Builds the roster for the subscriber, waits briefly for presence to settle, prints the projected list and exits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireSubscriber(cfg); err != nil {
			return err
		}
		log, err := setupLogger(cfg, "cmd.snapshot")
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		stack, err := openSources(ctx, cfg, log)
		if err != nil {
			return err
		}

		opts := sessionOptions(cfg, stack, log)
		opts.OwnSources = true
		sess, err := session.Start(ctx, opts)
		if err != nil {
			_ = stack.Close()
			return err
		}
		defer sess.Close()

		waitForPresence(ctx, sess, snapshotSettle)

		items := sess.Items(snapshotSearch)
		if snapshotJSON {
			return writeSnapshotJSON(cmd.OutOrStdout(), items)
		}
		return writeSnapshotTable(cmd.OutOrStdout(), items, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().StringVarP(&snapshotSearch, "search", "q", "", "case-insensitive name filter (agents always shown)")
	snapshotCmd.Flags().BoolVar(&snapshotJSON, "json", false, "print the roster as JSON")
	snapshotCmd.Flags().DurationVar(&snapshotSettle, "settle", 500*time.Millisecond, "how long to wait for the first presence sync")
}

// changeFeed is the part of a session waitForPresence needs.
type changeFeed interface {
	Changes(ctx context.Context, buffer int) (<-chan bus.Event, func())
}

// waitForPresence returns after the first presence-driven roster change or
// once settle passes, whichever is first.
func waitForPresence(ctx context.Context, feed changeFeed, settle time.Duration) {
	if settle <= 0 {
		return
	}

	events, unsubscribe := feed.Changes(ctx, 8)
	defer unsubscribe()

	timer := time.NewTimer(settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == bus.EventRosterChanged && event.Feed == bus.FeedPresence {
				return
			}
		}
	}
}

func writeSnapshotJSON(w io.Writer, items []projection.Item) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(items)
}

func writeSnapshotTable(w io.Writer, items []projection.Item, now time.Time) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("", "NAME", "KIND", "LAST", "PREVIEW")

	for _, item := range items {
		status := "○"
		if item.Online {
			status = "●"
		}

		last := "-"
		if item.Latest != nil {
			last = humanize.RelTime(item.Latest.CreatedAt, now, "ago", "from now")
		}

		t.Row(status, item.Correspondent.Name, string(item.Correspondent.Kind), last, item.Preview)
	}

	_, err := fmt.Fprintln(w, t.Render())
	return err
}
