package hopui

import (
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// ThemeEnv selects the palette: none, dark or light. Unset means dark.
const ThemeEnv = "ICOTES_HOP_THEME"

// Theme holds the dashboard's styles. The zero value renders plain text.
type Theme struct {
	Header    lipgloss.Style
	Accent    lipgloss.Style
	Selected  lipgloss.Style
	Dim       lipgloss.Style
	Separator lipgloss.Style
	Help      lipgloss.Style
	Error     lipgloss.Style
	Success   lipgloss.Style
	Warn      lipgloss.Style
}

// LoadTheme resolves the palette from the environment.
func LoadTheme() Theme {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(ThemeEnv))) {
	case "none", "off", "disabled":
		return NoTheme()
	case "light":
		return LightTheme()
	default:
		return DarkTheme()
	}
}

func NoTheme() Theme {
	s := lipgloss.NewStyle()
	return Theme{Header: s, Accent: s, Selected: s, Dim: s, Separator: s, Help: s, Error: s, Success: s, Warn: s}
}

func DarkTheme() Theme {
	return Theme{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("183")),
		Accent:    lipgloss.NewStyle().Foreground(lipgloss.Color("44")),
		Selected:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("216")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Separator: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("44")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color("114")),
		Warn:      lipgloss.NewStyle().Foreground(lipgloss.Color("215")),
	}
}

func LightTheme() Theme {
	return Theme{
		Header:    lipgloss.NewStyle().Bold(true),
		Accent:    lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		Selected:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")),
		Dim:       lipgloss.NewStyle().Faint(true),
		Separator: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Warn:      lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

func (t Theme) tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.Inherit(t.Header).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).
		BorderForeground(t.Separator.GetForeground())
	s.Selected = t.Selected
	return s
}
