package rosterview

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Run shows feed until the user quits, ctx ends, or the feed closes.
func Run(ctx context.Context, feed Feed) error {
	model := newModel(ctx, feed)
	defer model.close()

	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Println(renderGoodbyeBanner(feed.SubscriberID()))
	return nil
}

func renderGoodbyeBanner(subscriberID string) string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("📇 Roster closed for " + subscriberID)
}
