// Package tui provides a live terminal dashboard for the shard pool.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays:
// - Pool utilization
// - Per-shard state, priority and memory
// - Pipeline throughput and batch latency
package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Base Styles
// =============================================================================

var (
	mutedStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)
)

// =============================================================================
// Status Indicator Styles
// =============================================================================

var (
	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)
)

// =============================================================================
// Layout Styles
// =============================================================================

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder).
				MarginTop(1)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)
)

// =============================================================================
// Value Styles
// =============================================================================

var (
	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	valueWarnStyle = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)
)

// =============================================================================
// Progress Bar Styles
// =============================================================================

var (
	progressBarStyle = lipgloss.NewStyle().
				Foreground(colorPrimary)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(colorBorder)

	progressPercentStyle = lipgloss.NewStyle().
				Foreground(colorText).
				Bold(true)
)

// =============================================================================
// Table Styles
// =============================================================================

var (
	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	tableRowEvenStyle = lipgloss.NewStyle().
				Foreground(colorText)

	tableRowOddStyle = lipgloss.NewStyle().
				Foreground(colorTextMuted)
)

// =============================================================================
// Pool Status Indicator
// =============================================================================

// PoolStatus summarizes how much headroom the pool has.
type PoolStatus int

const (
	PoolStatusIdle PoolStatus = iota
	PoolStatusBusy
	PoolStatusSaturated
)

// GetPoolStatus returns the status for free of size shards.
func GetPoolStatus(free, size int) PoolStatus {
	switch {
	case size == 0 || free == 0:
		return PoolStatusSaturated
	case free < size:
		return PoolStatusBusy
	default:
		return PoolStatusIdle
	}
}

// GetPoolLabel returns a styled label for the pool status.
func GetPoolLabel(free, size int) string {
	switch GetPoolStatus(free, size) {
	case PoolStatusSaturated:
		return statusError.Render("● Pool (saturated)")
	case PoolStatusBusy:
		return statusWarning.Render("● Pool (busy)")
	default:
		return statusOK.Render("● Pool")
	}
}

// =============================================================================
// Shard Indicators
// =============================================================================

// ShardStateLabel names a shard's state for the table.
func ShardStateLabel(free, ready, stopped bool) string {
	switch {
	case stopped:
		return "stopped"
	case !free:
		return "reserved"
	case ready:
		return "ready"
	default:
		return "busy"
	}
}

// GetShardStateStyle returns a style for a ShardStateLabel value.
func GetShardStateStyle(state string) lipgloss.Style {
	switch state {
	case "ready":
		return valueGoodStyle
	case "reserved":
		return statusInfo
	case "busy":
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// GetErrorRateStyle returns a style based on the share of error messages.
func GetErrorRateStyle(errorRate float64) lipgloss.Style {
	switch {
	case errorRate == 0:
		return valueGoodStyle
	case errorRate < 0.01:
		return valueWarnStyle
	default:
		return valueBadStyle
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}

// RenderProgressBar renders a progress bar.
func RenderProgressBar(progress float64, width int) string {
	if width < 10 {
		width = 10
	}

	filled := int(progress * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := progressBarStyle.Render(repeatChar('█', filled)) +
		progressBarEmptyStyle.Render(repeatChar('░', width-filled))

	percent := progressPercentStyle.Render(fmt.Sprintf(" %3.0f%%", progress*100))

	return bar + percent
}

func repeatChar(char rune, count int) string {
	if count <= 0 {
		return ""
	}
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
