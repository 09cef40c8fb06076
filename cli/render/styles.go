package render

import "github.com/charmbracelet/lipgloss"

// Level classifies a status line.
type Level string

// Status levels.
const (
	LevelOK   Level = "ok"
	LevelInfo Level = "info"
	LevelWarn Level = "warn"
	LevelFail Level = "fail"
)

// Color palette.
var (
	primaryColor = lipgloss.Color("#7C3AED") // Purple
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

var (
	// HeaderStyle for table headers and field labels.
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(successColor)

	infoStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(warningColor)

	failStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(errorColor)
)

func levelStyle(level Level) lipgloss.Style {
	switch level {
	case LevelOK:
		return okStyle
	case LevelWarn:
		return warnStyle
	case LevelFail:
		return failStyle
	default:
		return infoStyle
	}
}
