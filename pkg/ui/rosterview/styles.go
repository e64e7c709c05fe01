package rosterview

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for roster UI regions.
type theme struct {
	header      lipgloss.Style
	headerMeta  lipgloss.Style
	divider     lipgloss.Style
	row         lipgloss.Style
	rowSelected lipgloss.Style
	name        lipgloss.Style
	agentName   lipgloss.Style
	kind        lipgloss.Style
	online      lipgloss.Style
	offline     lipgloss.Style
	preview     lipgloss.Style
	timestamp   lipgloss.Style
	empty       lipgloss.Style
	status      lipgloss.Style
	statusWarn  lipgloss.Style
	statusErr   lipgloss.Style
	hint        lipgloss.Style
	inputLabel  lipgloss.Style
	input       lipgloss.Style
	viewport    lipgloss.Style
}

// defaultTheme keeps the retro terminal palette.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		row: lipgloss.NewStyle().
			Padding(0, 1),
		rowSelected: lipgloss.NewStyle().
			Padding(0, 1).
			Background(lipgloss.Color("237")),
		name: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		agentName: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("44")),
		kind: lipgloss.NewStyle().
			Foreground(lipgloss.Color("109")),
		online: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		offline: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		preview: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		timestamp: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		empty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusWarn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("173")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
