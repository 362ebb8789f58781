package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"pkgman/pkg/status"
	"pkgman/pkg/types"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	successColor = lipgloss.Color("#42c767")
	warningColor = lipgloss.Color("#ff9f43")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
)

// outcomeLine renders the message for kind on the named package.
func outcomeLine(kind status.Kind, name string) string {
	msg := status.Describe(kind, name)
	switch {
	case kind == status.OK:
		return successStyle.Render("✓ ") + msg
	case !kind.Failed():
		return warningStyle.Render("• ") + msg
	default:
		return dangerStyle.Render("✗ ") + msg
	}
}

// report prints the outcome of err on name to w.
func report(w io.Writer, name string, err error) status.Kind {
	kind := status.Classify(err)
	fmt.Fprintln(w, outcomeLine(kind, name))
	return kind
}

// shorten trims long encoded values for display.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func recordTable(records ...types.PackageRecord) *table.Table {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			case col >= 2:
				return mutedStyle.Padding(0, 1)
			default:
				return lipgloss.NewStyle().Padding(0, 1)
			}
		}).
		Headers("NAME", "VERSION", "CONTENT", "SHA256")

	for _, rec := range records {
		t.Row(rec.Name, rec.Version, shorten(string(rec.ContentID), 20), shorten(rec.Checksum, 16))
	}
	return t
}
