// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/baissd/internal/util"
)

// init configures lipgloss color profile based on terminal capabilities.
func init() {
	lipgloss.SetColorProfile(GetColorProfile())
}

// disableColors switches every style to plain output.
func disableColors() {
	ForceColorsEnabled(false)
	lipgloss.SetColorProfile(GetColorProfile())
}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// TitleStyle is used for command titles and headers
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// SectionStyle is used for section headers within commands
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")).
			MarginTop(1)

	// LabelStyle is used for field labels
	LabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(16)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	// DimStyle is used for secondary information and hints
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))

	// PromptStyle renders the chat prompt
	PromptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// HeaderCellStyle and CellStyle render status tables
	HeaderCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245")).
			PaddingRight(2)

	CellStyle = lipgloss.NewStyle().
			PaddingRight(2)
)

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// RenderSeparator renders a horizontal separator line of the given width.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 60
	}
	return DimStyle.Render(strings.Repeat("-", width))
}

// RenderStatus renders a status indicator with appropriate color.
func RenderStatus(status string) string {
	switch strings.ToLower(status) {
	case "ok", "running", "healthy":
		return SuccessStyle.Render("[" + strings.ToUpper(status) + "]")
	case "error", "crashed", "failed", "unhealthy":
		return ErrorStyle.Render("[" + strings.ToUpper(status) + "]")
	case "degraded", "starting", "stopping", "warn":
		return WarningStyle.Render("[" + strings.ToUpper(status) + "]")
	default:
		return DimStyle.Render("[" + strings.ToUpper(status) + "]")
	}
}

// RenderLabel renders a label with consistent width.
func RenderLabel(label string) string {
	return LabelStyle.Render(label)
}

// renderTable lays out rows in padded columns. Cells wider than maxCell are
// truncated by display width.
func renderTable(header []string, rows [][]string, maxCell int) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = util.StringWidth(h)
	}
	for _, row := range rows {
		for i := range row {
			row[i] = util.TruncateWidth(row[i], maxCell)
			if w := util.StringWidth(row[i]); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	for i, h := range header {
		b.WriteString(HeaderCellStyle.Width(widths[i] + 2).Render(h))
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			b.WriteString(CellStyle.Width(widths[i] + 2).Render(cell))
		}
		b.WriteString("\n")
	}
	return b.String()
}
