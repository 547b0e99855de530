package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-process-shards/internal/metrics"
	"github.com/randomizedcoder/go-process-shards/internal/pool"
	"github.com/randomizedcoder/go-process-shards/internal/priority"
)

// snapshotTimeout bounds one refresh of the shard table.
const snapshotTimeout = time.Second

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries a refreshed view of the pool.
type SnapshotMsg struct {
	Shards  []ShardRow
	Summary *metrics.Summary
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// ShardRow is one line of the shard table.
type ShardRow struct {
	ID       string
	State    string
	Priority int64
	PID      int
	Memory   uint64
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	poolSize    int
	command     string
	metricsAddr string

	// Current state
	shards       []ShardRow
	summary      *metrics.Summary
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	poolSource    PoolSource
	summarySource SummarySource

	quitting bool
}

// PoolSource provides the shard table. *pool.Pool implements it.
type PoolSource interface {
	Snapshot(ctx context.Context) []pool.ShardStatus
	GetShard(id string) (pool.Shard, bool)
}

// SummarySource provides pipeline and lifecycle totals.
// *metrics.Collector implements it.
type SummarySource interface {
	GenerateSummary() *metrics.Summary
}

// Config holds TUI configuration.
type Config struct {
	PoolSize      int
	Command       string
	MetricsAddr   string
	PoolSource    PoolSource
	SummarySource SummarySource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		poolSize:      cfg.PoolSize,
		command:       cfg.Command,
		metricsAddr:   cfg.MetricsAddr,
		poolSource:    cfg.PoolSource,
		summarySource: cfg.SummarySource,
		startTime:     time.Now(),
		lastUpdate:    time.Now(),
		width:         80,
		height:        24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, m.refreshCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case SnapshotMsg:
		m.shards = msg.Shards
		if msg.Summary != nil {
			m.summary = msg.Summary
		}
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// refreshCmd collects a snapshot off the UI goroutine, since readiness
// checks can block.
func (m Model) refreshCmd() tea.Cmd {
	poolSource, summarySource := m.poolSource, m.summarySource
	return func() tea.Msg {
		return Collect(poolSource, summarySource)
	}
}

// Collect builds a SnapshotMsg from the given sources. Either may be nil.
func Collect(poolSource PoolSource, summarySource SummarySource) SnapshotMsg {
	var msg SnapshotMsg
	if summarySource != nil {
		msg.Summary = summarySource.GenerateSummary()
	}
	if poolSource == nil {
		return msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	for _, st := range poolSource.Snapshot(ctx) {
		row := ShardRow{
			ID:       st.ID,
			State:    ShardStateLabel(st.Free, st.Ready, st.Stopped),
			Priority: st.Priority,
			PID:      st.PID,
		}
		if shard, ok := poolSource.GetShard(st.ID); ok {
			if d, ok := shard.Diagnostics(); ok {
				row.Memory = d.ResidentMemory
			}
		}
		msg.Shards = append(msg.Shards, row)
	}
	return msg
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// FreeShards returns how many shards were free at the last refresh.
func (m Model) FreeShards() int {
	n := 0
	for _, s := range m.shards {
		if s.State == "ready" || s.State == "busy" {
			n++
		}
	}
	return n
}

// Utilization returns the reserved share of the pool (0.0 to 1.0).
func (m Model) Utilization() float64 {
	if m.poolSize == 0 {
		return 0
	}
	return float64(m.poolSize-m.FreeShards()) / float64(m.poolSize)
}

// ErrorRate returns the share of republished messages that were errors.
func (m Model) ErrorRate() float64 {
	if m.summary == nil {
		return 0
	}
	total := m.summary.MessagesOut + m.summary.MessagesErr
	if total == 0 {
		return 0
	}
	return float64(m.summary.MessagesErr) / float64(total)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatNumber formats a number with K/M suffixes.
func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes with KB/MB/GB suffixes.
func formatBytes(n uint64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// formatMs formats a duration as milliseconds.
func formatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// formatPercent formats a fraction as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}

// formatRate formats a per-second rate.
func formatRate(perSec float64) string {
	switch {
	case perSec >= 1_000_000:
		return fmt.Sprintf("%.1fM/s", perSec/1_000_000)
	case perSec >= 1_000:
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	default:
		return fmt.Sprintf("%.1f/s", perSec)
	}
}

// formatPriority renders the unreachable priority as a dash.
func formatPriority(p int64) string {
	if p == priority.Max {
		return "-"
	}
	return fmt.Sprintf("%d", p)
}

// shortID trims a shard id to its last n characters.
func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return "…" + id[len(id)-n+1:]
}
