package process

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
)

// Watcher tracks every live worker pid so that orphans can be killed when
// the host shuts down, even if a shard loop failed to clean up.
type Watcher struct {
	logger *slog.Logger

	mu   sync.Mutex
	pids map[int]struct{}
	done bool
}

// NewWatcher creates a watcher. Run kills whatever is still tracked when
// its context ends.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		logger: logger,
		pids:   make(map[int]struct{}),
	}
}

// Watch registers pid. A pid registered after shutdown is killed at once.
func (w *Watcher) Watch(pid int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		w.kill(pid)
		return
	}
	w.pids[pid] = struct{}{}
	w.logger.Debug("child_watched", "pid", pid)
}

// Forget unregisters pid after its process has been reaped.
func (w *Watcher) Forget(pid int) {
	w.mu.Lock()
	delete(w.pids, pid)
	w.mu.Unlock()
}

// Tracked returns the number of pids currently tracked.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pids)
}

// Run blocks until ctx ends, then kills every process group still tracked.
// ctx should end only after the shard loops have returned, or the graceful
// stop of live workers is cut short.
func (w *Watcher) Run(ctx context.Context) error {
	<-ctx.Done()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	for pid := range w.pids {
		w.kill(pid)
		delete(w.pids, pid)
	}
	return nil
}

func (w *Watcher) kill(pid int) {
	p, err := os.FindProcess(pid)
	if err == nil {
		err = signalGroup(p, syscall.SIGKILL)
	}
	if err != nil {
		w.logger.Debug("child_kill_skipped", "pid", pid, "error", err)
		return
	}
	w.logger.Warn("child_killed_on_shutdown", "pid", pid)
}
