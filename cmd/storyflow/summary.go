package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/storyflow/internal/driver"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// renderSummary formats the run summary for the terminal. With styled
// false (output piped, CI) the same text is emitted without escapes.
func renderSummary(s *driver.Summary, styled bool) string {
	paint := func(st lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return st.Render(text)
	}

	var sb strings.Builder

	verdict := paint(okStyle, "completed")
	switch {
	case s.Interrupted:
		verdict = paint(warnStyle, "interrupted")
	case s.ExitCode() != 0:
		verdict = paint(failStyle, "failed")
	}
	sb.WriteString(paint(headerStyle, fmt.Sprintf("Epic %s", s.EpicID)))
	sb.WriteString(": " + verdict + "\n")

	fmt.Fprintf(&sb, "  stories  %d done", s.Done)
	if s.Failed > 0 {
		sb.WriteString(", " + paint(failStyle, fmt.Sprintf("%d failed", s.Failed)))
	}
	if s.Pending > 0 {
		sb.WriteString(", " + paint(dimStyle, fmt.Sprintf("%d pending", s.Pending)))
	}
	fmt.Fprintf(&sb, " (of %d)\n", s.Total)

	writePhase := func(label, status string) {
		if status == "" {
			return
		}
		text := status
		switch status {
		case "completed":
			text = paint(okStyle, status)
		case "concerns":
			text = paint(warnStyle, status)
		case "failed":
			text = paint(failStyle, status)
		}
		fmt.Fprintf(&sb, "  %-8s %s\n", label, text)
	}
	writePhase("quality", s.QualityStatus)
	writePhase("tests", s.TestStatus)

	if s.StrictFailed {
		sb.WriteString("  " + paint(failStyle, "strict mode: waived concerns rejected") + "\n")
	}
	if s.Interrupted {
		sb.WriteString("  " + paint(dimStyle, "rerun the same epic to resume") + "\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}
