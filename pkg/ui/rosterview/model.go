// Package rosterview renders a live roster session in the terminal.
package rosterview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"chatroster/pkg/bus"
	"chatroster/pkg/projection"
	chatroster "chatroster/pkg/roster"
)

const changeBuffer = 16

// Feed is the live roster the UI renders.
type Feed interface {
	SubscriberID() string
	Items(search string) []projection.Item
	Changes(ctx context.Context, buffer int) (<-chan bus.Event, func())
}

type changeMsg struct {
	event bus.Event
}

type feedClosedMsg struct{}

type model struct {
	ctx         context.Context
	feed        Feed
	events      <-chan bus.Event
	unsubscribe func()
	now         func() time.Time

	theme    theme
	input    textinput.Model
	viewport viewport.Model
	items    []projection.Item
	search   string
	cursor   int
	version  uint64
	width    int
	height   int
	isReady  bool

	disconnected map[bus.Feed]bool
	lastDrop     string
}

func newModel(ctx context.Context, feed Feed) *model {
	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Search by name..."
	in.Focus()
	in.CharLimit = 64

	events, unsubscribe := feed.Changes(ctx, changeBuffer)

	m := &model{
		ctx:          ctx,
		feed:         feed,
		events:       events,
		unsubscribe:  unsubscribe,
		now:          time.Now,
		theme:        defaultTheme(),
		input:        in,
		viewport:     viewport.New(80, 12),
		width:        100,
		height:       28,
		disconnected: make(map[bus.Feed]bool),
	}
	m.reload()

	return m
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForChange(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil
	case changeMsg:
		m.applyEvent(typed.event)
		return m, waitForChange(m.events)
	case feedClosedMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "ctrl+p":
			m.moveCursor(-1)
			return m, nil
		case "down", "ctrl+n":
			m.moveCursor(1)
			return m, nil
		case "pgup":
			m.viewport.PageUp()
			return m, nil
		case "pgdown":
			m.viewport.PageDown()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if value := m.input.Value(); value != m.search {
		m.search = value
		m.cursor = 0
		m.reload()
	}

	return m, cmd
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	header := m.theme.header.Width(m.width - 2).Render("📇 Roster")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"subscriber:%s · version:%d · shown:%d · online:%d",
		m.feed.SubscriberID(),
		m.version,
		len(m.items),
		countOnline(m.items),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	parts := []string{
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width - 2).Render(m.viewport.View()),
		m.statusLine(),
		m.theme.inputLabel.Render("🔎 Search") + " " + m.theme.hint.Render("(agents always shown)"),
		m.theme.input.Width(m.width - 2).Render(m.input.View()),
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) applyEvent(event bus.Event) {
	switch event.Type {
	case bus.EventRosterChanged:
		m.version = event.Version
		m.reload()
	case bus.EventSourceDisconnected:
		m.disconnected[event.Feed] = true
	case bus.EventSourceRecovered:
		delete(m.disconnected, event.Feed)
		m.reload()
	case bus.EventDropped:
		m.lastDrop = event.Payload["reason"]
	}
}

func (m *model) reload() {
	m.items = m.feed.Items(m.search)
	if m.cursor >= len(m.items) {
		m.cursor = max(0, len(m.items)-1)
	}
	m.refreshViewport()
}

func (m *model) moveCursor(delta int) {
	if len(m.items) == 0 {
		m.cursor = 0
		return
	}

	m.cursor = min(max(m.cursor+delta, 0), len(m.items)-1)
	m.refreshViewport()
}

func (m *model) statusLine() string {
	if len(m.disconnected) > 0 {
		feeds := make([]string, 0, len(m.disconnected))
		for _, feed := range []bus.Feed{bus.FeedMessages, bus.FeedPresence} {
			if m.disconnected[feed] {
				feeds = append(feeds, string(feed))
			}
		}
		return m.theme.statusErr.Render(fmt.Sprintf("🚨 %s feed disconnected - reconnecting", strings.Join(feeds, "+")))
	}
	if m.lastDrop != "" {
		return m.theme.statusWarn.Render(fmt.Sprintf("⚠ last event dropped: %s", m.lastDrop))
	}

	return m.theme.status.Render("💡 Type to search  ·  ↑/↓ select  ·  PgUp/PgDn scroll  ·  🛑 Ctrl+C/Esc quit")
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport() {
	if len(m.items) == 0 {
		m.viewport.SetContent(m.theme.empty.Render("no correspondents match"))
		return
	}

	now := m.now()
	rows := make([]string, 0, len(m.items))
	for i, item := range m.items {
		style := m.theme.row
		if i == m.cursor {
			style = m.theme.rowSelected
		}
		rows = append(rows, style.Width(m.viewport.Width).Render(m.renderRow(item, now)))
	}

	m.viewport.SetContent(strings.Join(rows, "\n"))

	if m.cursor < m.viewport.YOffset {
		m.viewport.SetYOffset(m.cursor)
	} else if m.cursor >= m.viewport.YOffset+m.viewport.Height {
		m.viewport.SetYOffset(m.cursor - m.viewport.Height + 1)
	}
}

func (m *model) renderRow(item projection.Item, now time.Time) string {
	dot := m.theme.offline.Render("○")
	if item.Online {
		dot = m.theme.online.Render("●")
	}

	name := m.theme.name.Render(item.Correspondent.Name)
	if item.Correspondent.Kind == chatroster.KindAgent {
		name = m.theme.agentName.Render(item.Correspondent.Name)
	}

	line := fmt.Sprintf("%s %s %s", dot, name, m.theme.kind.Render("("+string(item.Correspondent.Kind)+")"))
	if item.Latest == nil {
		return line
	}

	return fmt.Sprintf("%s  %s  %s",
		line,
		m.theme.preview.Render(item.Preview),
		m.theme.timestamp.Render(relativeTime(item.Latest.CreatedAt, now)),
	)
}

func (m *model) close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// relativeTime renders t relative to now, e.g. "5 minutes ago".
func relativeTime(t time.Time, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func countOnline(items []projection.Item) int {
	count := 0
	for _, item := range items {
		if item.Online {
			count++
		}
	}
	return count
}

func waitForChange(events <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return feedClosedMsg{}
		}
		return changeMsg{event: event}
	}
}
