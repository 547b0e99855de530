package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	sections := []string{
		m.renderHeader(),
		m.renderUtilization(),
	}
	if m.summary != nil {
		sections = append(sections, m.renderPipelineStats())
		sections = append(sections, m.renderLifecycleStats())
	}
	sections = append(sections, m.renderShardTable(m.height-24))
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView shows the full shard table.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderShardTable(m.height-10),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-process-shards │ %s │ Free: %d/%d │ Elapsed: %s ",
		GetPoolLabel(m.FreeShards(), m.poolSize),
		m.FreeShards(),
		m.poolSize,
		formatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Utilization
// =============================================================================

func (m Model) renderUtilization() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}

	var status string
	switch GetPoolStatus(m.FreeShards(), m.poolSize) {
	case PoolStatusSaturated:
		status = statusError.Render("All shards reserved or not ready")
	case PoolStatusBusy:
		status = statusInfo.Render(fmt.Sprintf("%d of %d shards free", m.FreeShards(), m.poolSize))
	default:
		status = statusOK.Render("✓ All shards free")
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Pool Utilization"),
		RenderProgressBar(m.Utilization(), barWidth),
		status,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Pipeline Statistics
// =============================================================================

func (m Model) renderPipelineStats() string {
	s := m.summary
	errStyle := GetErrorRateStyle(m.ErrorRate())

	lines := []string{
		sectionHeaderStyle.Render("Pipeline"),
		RenderKeyValue("Batches", formatNumber(s.Batches)),
		RenderKeyValue("Failed batches", formatNumber(s.FailedBatches)),
		RenderKeyValue("Messages in", formatNumber(s.MessagesIn)),
		RenderKeyValue("Messages out", formatNumber(s.MessagesOut)),
		RenderKeyValue("Input rate", fmt.Sprintf("%s  (30s %s, 5m %s)",
			formatRate(s.InputRate.Rate1s), formatRate(s.InputRate.Rate30s), formatRate(s.InputRate.Rate300s))),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Error messages:"),
			errStyle.Render(fmt.Sprintf("%s (%s)", formatNumber(s.MessagesErr), formatPercent(m.ErrorRate()))),
		),
		RenderKeyValue("Reserve timeouts", formatNumber(s.ReserveTimeouts)),
		RenderKeyValue("Batch latency", fmt.Sprintf("P50 %s  P95 %s  P99 %s",
			formatMs(s.BatchP50), formatMs(s.BatchP95), formatMs(s.BatchP99))),
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderLifecycleStats() string {
	s := m.summary
	var exits int64
	for code, n := range s.ExitCodes {
		if code != 0 {
			exits += n
		}
	}
	exitStyle := valueGoodStyle
	if exits > 0 {
		exitStyle = valueWarnStyle
	}

	lines := []string{
		sectionHeaderStyle.Render("Processes"),
		RenderKeyValue("Starts", formatNumber(s.TotalStarts)),
		RenderKeyValue("Restarts", formatNumber(s.TotalRestarts)),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failed exits:"),
			exitStyle.Render(formatNumber(exits)),
		),
	}
	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Shard Table
// =============================================================================

func (m Model) renderShardTable(maxRows int) string {
	if len(m.shards) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No shards running yet."),
		)
	}
	if maxRows < 5 {
		maxRows = 5
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-14s %-10s %-9s %-8s %-10s", "Shard", "State", "Priority", "PID", "Memory"),
	)

	var rows []string
	for i, s := range m.shards {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more shards", len(m.shards)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		pid, memory := "-", "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		if s.Memory > 0 {
			memory = formatBytes(s.Memory)
		}

		row := fmt.Sprintf("%-14s %s %-9s %-8s %-10s",
			shortID(s.ID, 14),
			GetShardStateStyle(s.State).Render(fmt.Sprintf("%-10s", s.State)),
			formatPriority(s.Priority),
			pid,
			memory,
		)
		rows = append(rows, rowStyle.Render(row))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Shards"),
			header,
		}, rows...)...,
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle shard table",
		"r: refresh",
	}

	cmd := m.command
	maxLen := m.width - 60
	if len(cmd) > maxLen && maxLen > 10 {
		cmd = cmd[:maxLen-3] + "..."
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := mutedStyle.Render("Worker: " + cmd)

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
