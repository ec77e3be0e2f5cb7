package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"icotes-hop/pkg/hop"
	"icotes-hop/pkg/hopconfig"
)

var (
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("215"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// printResult writes errors and warnings one per line and a closing summary.
func printResult(w io.Writer, source string, res hopconfig.Result) {
	for _, is := range res.Errors {
		fmt.Fprintf(w, "%s %s\n", styleError.Render("error"), is.String())
	}
	for _, is := range res.Warnings {
		fmt.Fprintf(w, "%s  %s\n", styleWarn.Render("warn"), is.String())
	}
	switch {
	case !res.Valid():
		fmt.Fprintf(w, "%s %s: %d error(s), %d warning(s)\n", styleError.Render("✗"), source, len(res.Errors), len(res.Warnings))
	case len(res.Warnings) > 0:
		fmt.Fprintf(w, "%s %s: valid with %d warning(s)\n", styleWarn.Render("!"), source, len(res.Warnings))
	default:
		fmt.Fprintf(w, "%s %s: valid\n", styleOK.Render("✓"), source)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, s hop.Session) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "context\t%s\n", s.ContextID)
	fmt.Fprintf(tw, "name\t%s\n", s.Name)
	fmt.Fprintf(tw, "status\t%s\n", statusText(s.Status))
	if s.Host != "" {
		fmt.Fprintf(tw, "target\t%s@%s:%d\n", s.Username, s.Host, s.Port)
	}
	if s.Cwd != "" {
		fmt.Fprintf(tw, "cwd\t%s\n", s.Cwd)
	}
	if s.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", styleError.Render(s.Error))
	}
	_ = tw.Flush()
}

func statusText(s hop.Status) string {
	switch s {
	case hop.StatusConnected:
		return styleOK.Render(string(s))
	case hop.StatusError:
		return styleError.Render(string(s))
	default:
		return styleDim.Render(string(s))
	}
}
