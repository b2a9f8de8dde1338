package events

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// LogConfig configures the logging handler.
type LogConfig struct {
	// Writer is where log lines go (default: os.Stderr).
	Writer io.Writer

	// NoColor disables styling even when the writer is a terminal.
	NoColor bool

	// TimeFormat is the timestamp format (default: "15:04:05").
	TimeFormat string
}

var (
	styleType    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	styleIssue   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleDim     = lipgloss.NewStyle().Faint(true)
)

// LogHandler returns a handler that writes one styled line per event.
// Styling is dropped when the writer is not a terminal.
func LogHandler(cfg LogConfig) Handler {
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05"
	}

	color := !cfg.NoColor
	if f, ok := cfg.Writer.(*os.File); ok {
		color = color && term.IsTerminal(int(f.Fd()))
	}

	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	return func(e Event) {
		ts := render(styleDim, e.Time.Format(cfg.TimeFormat))
		typ := render(styleType, string(e.Type))

		line := ts + " " + typ
		if e.Issue != 0 {
			line += " " + render(styleIssue, fmt.Sprintf("#%d", e.Issue))
		}
		if e.Attempt != nil {
			line += fmt.Sprintf(" attempt=%d", *e.Attempt)
		}
		if e.Error != "" {
			line += " " + render(styleError, e.Error)
		} else if e.Type == MergeResult || e.Type == SlotDone {
			if s, ok := statusPayload(e.Payload); ok {
				line += " " + render(styleSuccess, s)
			}
		}

		fmt.Fprintln(cfg.Writer, line)
	}
}

// statusPayload pulls a short status string out of common payload shapes.
func statusPayload(payload any) (string, bool) {
	switch p := payload.(type) {
	case string:
		return p, true
	case map[string]any:
		if s, ok := p["status"].(string); ok {
			return s, true
		}
	}
	return "", false
}
