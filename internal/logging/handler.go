package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the longest stderr line kept before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is how many recent stderr lines each shard keeps.
	MaxBufferedLines = 100
)

// StderrRecorder keeps the most recent stderr lines of one shard's worker
// and mirrors them to the log at a level derived from their content.
// The tail is attached to crash reports.
type StderrRecorder struct {
	shardID string
	logger  *slog.Logger
	verbose bool

	mu     sync.Mutex
	buffer []string
	bufIdx int
	total  int
}

// NewStderrRecorder creates a recorder for shardID. With verbose unset,
// only lines classified as warnings are logged.
func NewStderrRecorder(shardID string, logger *slog.Logger, verbose bool) *StderrRecorder {
	return &StderrRecorder{
		shardID: shardID,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleLine records a single stderr line.
func (r *StderrRecorder) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	r.mu.Lock()
	r.buffer[r.bufIdx] = line
	r.bufIdx = (r.bufIdx + 1) % MaxBufferedLines
	r.total++
	r.mu.Unlock()

	level := classifyLine(line)
	if !r.verbose && level == slog.LevelDebug {
		return
	}
	r.logger.Log(context.Background(), level, "worker_stderr",
		"shard_id", r.shardID,
		"line", line,
	)
}

// classifyLine picks a log level from common failure markers.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)
	for _, p := range ErrorPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return slog.LevelWarn
		}
	}
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (r *StderrRecorder) RecentLines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if n > r.total {
		n = r.total
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, r.buffer[idx])
	}
	return lines
}

// Total returns how many lines were recorded since creation.
func (r *StderrRecorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// ErrorPatterns mark a stderr line as worth a warning.
var ErrorPatterns = []string{
	"error",
	"fatal",
	"panic",
	"exception",
	"traceback",
	"killed",
	"timeout",
	"out of memory",
}

// CountErrors counts buffered lines matching each error pattern.
func (r *StderrRecorder) CountErrors() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range r.buffer {
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, p := range ErrorPatterns {
			if strings.Contains(lower, p) {
				counts[p]++
			}
		}
	}
	return counts
}
