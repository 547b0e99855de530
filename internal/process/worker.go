package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
	"github.com/randomizedcoder/go-process-shards/internal/queue"
)

// Header names added to every output and error message when
// Options.EnrichHeaders is set.
const (
	HeaderShardID   = "shard_id"
	HeaderProcessID = "process_id"
)

// Callbacks contains optional hooks for process events.
type Callbacks struct {
	// OnStart is called after the process is spawned.
	OnStart func(shardID string, pid int)

	// OnReady is called once the handler first reports ready.
	OnReady func(shardID string, pid int)

	// OnExit is called after the process is reaped.
	OnExit func(shardID string, pid, exitCode int, uptime time.Duration, cancelled bool)
}

// Options configures a Worker.
type Options struct {
	// ID is the shard id. Empty generates "process_shard_<uuid>".
	ID string

	Runner   Runner
	Handlers HandlerFactory

	// Watcher, when set, is told about every spawned pid.
	Watcher *Watcher

	Logger    *slog.Logger
	Callbacks Callbacks

	// OutputCapacity bounds the output queue. Producers block when full.
	OutputCapacity int

	// ErrorCapacity bounds the error queue. The oldest item is dropped when full.
	ErrorCapacity int

	// StatusCheckInterval is the polling period for readiness and liveness.
	StatusCheckInterval time.Duration

	// GracefulStopTimeout is how long a stopping process may take to exit
	// after SIGTERM before it is killed. Zero kills immediately.
	GracefulStopTimeout time.Duration

	// DrainTimeout bounds how long the readers may keep draining pipes
	// after the process has exited.
	DrainTimeout time.Duration

	// EnrichHeaders adds shard_id and process_id headers to every message.
	EnrichHeaders bool

	// VerboseStderr logs every stderr line instead of only suspicious ones.
	VerboseStderr bool
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		OutputCapacity:      queue.DefaultCapacity,
		ErrorCapacity:       queue.DefaultCapacity,
		StatusCheckInterval: 50 * time.Millisecond,
		GracefulStopTimeout: 5 * time.Second,
		DrainTimeout:        2 * time.Second,
		EnrichHeaders:       true,
	}
}

// handle is one process run. Fields are immutable after publication
// except exitCode, which is written before exited is closed.
type handle struct {
	cmd      *exec.Cmd
	pid      int
	handler  IOHandler
	started  time.Time
	exited   chan struct{}
	exitCode int
}

func (h *handle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

type lastRun struct {
	pid      int
	exitCode int
}

// Worker owns one worker program at a time: it spawns it, exposes its
// output and error streams as queues, serializes publishes, and reports
// how the process ended.
type Worker struct {
	id     string
	opts   Options
	logger *slog.Logger
	stderr *logging.StderrRecorder

	outputs *queue.Queue[broker.Message]
	errs    *queue.Queue[broker.Message]

	publishSem *semaphore.Weighted
	publishing atomic.Bool

	current atomic.Pointer[handle]
	last    atomic.Pointer[lastRun]
	state   atomic.Int32

	dropLimiter *rate.Limiter

	runMu sync.Mutex
}

// NewWorker creates a Worker. Zero option fields take DefaultOptions values,
// except EnrichHeaders which is taken as given.
func NewWorker(opts Options) *Worker {
	def := DefaultOptions()
	if opts.ID == "" {
		opts.ID = "process_shard_" + uuid.NewString()
	}
	if opts.Handlers == nil {
		opts.Handlers = LineHandlerFactory{}
	}
	if opts.OutputCapacity <= 0 {
		opts.OutputCapacity = def.OutputCapacity
	}
	if opts.ErrorCapacity <= 0 {
		opts.ErrorCapacity = def.ErrorCapacity
	}
	if opts.StatusCheckInterval <= 0 {
		opts.StatusCheckInterval = def.StatusCheckInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.ForShard(logger, opts.ID, 0)

	return &Worker{
		id:          opts.ID,
		opts:        opts,
		logger:      logger,
		stderr:      logging.NewStderrRecorder(opts.ID, logger, opts.VerboseStderr),
		outputs:     queue.New[broker.Message]("outputs", opts.OutputCapacity, queue.Block),
		errs:        queue.New[broker.Message]("errors", opts.ErrorCapacity, queue.DropOldest),
		publishSem:  semaphore.NewWeighted(1),
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// ID returns the shard id.
func (w *Worker) ID() string {
	return w.id
}

// Outputs returns the queue fed by the process's stdout.
func (w *Worker) Outputs() *queue.Queue[broker.Message] {
	return w.outputs
}

// Errors returns the queue fed by the process's stderr.
func (w *Worker) Errors() *queue.Queue[broker.Message] {
	return w.errs
}

// State returns the phase of the current run.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// PID returns the pid of the live process, or 0.
func (w *Worker) PID() int {
	if h := w.current.Load(); h != nil && h.alive() {
		return h.pid
	}
	return 0
}

// RecentStderr returns up to n recent stderr lines.
func (w *Worker) RecentStderr(n int) []string {
	return w.stderr.RecentLines(n)
}

// IsReady reports whether a publish would be accepted right now: a live
// process exists, no publish is in flight, and the handler is ready.
func (w *Worker) IsReady(context.Context) (bool, error) {
	h := w.current.Load()
	return h != nil && h.alive() && !w.publishing.Load() && h.handler.IsReady(), nil
}

// Diagnostics returns a snapshot of the live process. The second result is
// false when no process is running or /proc could not be read.
func (w *Worker) Diagnostics() (Diagnostics, bool) {
	h := w.current.Load()
	if h == nil || !h.alive() {
		return Diagnostics{}, false
	}
	d, err := ReadDiagnostics(h.pid)
	if err != nil {
		return Diagnostics{}, false
	}
	return d, true
}

// Publish writes msgs to the process. Publishes are serialized. It waits
// for a live, ready process; if ctx ends first an *UnavailableError is
// returned. If the process is found dead with a non-zero exit code after
// the write, a *PublishedCrashError is returned.
func (w *Worker) Publish(ctx context.Context, msgs []broker.Message) error {
	if err := w.publishSem.Acquire(ctx, 1); err != nil {
		return w.unavailable(err)
	}
	defer w.publishSem.Release(1)
	w.publishing.Store(true)
	defer w.publishing.Store(false)

	h, err := w.waitRunning(ctx)
	if err != nil {
		return err
	}

	if err := h.handler.WriteInputs(ctx, msgs); err != nil {
		if !h.alive() && h.exitCode != 0 {
			return &PublishedCrashError{ShardID: w.id, PID: h.pid, ExitCode: h.exitCode}
		}
		return fmt.Errorf("shard %s: write inputs: %w", w.id, err)
	}
	if !h.alive() && h.exitCode != 0 {
		return &PublishedCrashError{ShardID: w.id, PID: h.pid, ExitCode: h.exitCode}
	}
	return nil
}

func (w *Worker) waitRunning(ctx context.Context) (*handle, error) {
	ticker := time.NewTicker(w.opts.StatusCheckInterval)
	defer ticker.Stop()
	for {
		if h := w.current.Load(); h != nil && h.alive() && h.handler.IsReady() {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, w.unavailable(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (w *Worker) unavailable(cause error) error {
	e := &UnavailableError{ShardID: w.id, ExitCode: -1, Cause: cause}
	if h := w.current.Load(); h != nil {
		e.PID = h.pid
		if !h.alive() {
			e.ExitCode = h.exitCode
		}
	} else if l := w.last.Load(); l != nil {
		e.PID, e.ExitCode = l.pid, l.exitCode
	}
	return e
}

// Run starts one process and blocks until it exits or ctx ends.
//
// When ctx ends the process gets SIGTERM, GracefulStopTimeout to exit,
// then SIGKILL; Run returns nil. When the process exits on its own with
// code 0 Run logs a warning and returns nil; with any other code it
// returns an *ExitError.
func (w *Worker) Run(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	h, streams, err := w.start(ctx)
	if err != nil {
		w.state.Store(int32(StateExited))
		return err
	}
	logger := w.logger.With("pid", h.pid)
	logger.Info("shard_started", "command", h.cmd.Path)
	if w.opts.Callbacks.OnStart != nil {
		w.opts.Callbacks.OnStart(w.id, h.pid)
	}

	var readers sync.WaitGroup
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	readers.Add(2)
	go func() {
		defer readers.Done()
		err := h.handler.ReadOutputs(readCtx, func(m broker.Message) error {
			_, err := w.outputs.Push(readCtx, w.enrich(m, h.pid))
			return err
		})
		w.logReadError(logger, "stdout", err)
	}()
	go func() {
		defer readers.Done()
		err := h.handler.ReadErrors(readCtx, func(m broker.Message) error {
			w.stderr.HandleLine(string(m.Payload))
			dropped, err := w.errs.Push(readCtx, w.enrich(m, h.pid))
			if dropped && w.dropLimiter.Allow() {
				_, n, _ := w.errs.Stats()
				logger.Warn("error_queue_overflow",
					"mode", w.errs.Mode().String(),
					"dropped_total", n,
					"drop_rate", w.errs.DropRate(),
					"capacity", w.errs.Cap(),
				)
			}
			return err
		})
		w.logReadError(logger, "stderr", err)
	}()

	if w.waitReady(ctx, h) {
		w.current.Store(h)
		w.state.Store(int32(StateReady))
		logger.Info("shard_ready")
		if w.opts.Callbacks.OnReady != nil {
			w.opts.Callbacks.OnReady(w.id, h.pid)
		}
	}

	cancelled := false
	select {
	case <-h.exited:
	case <-ctx.Done():
		cancelled = true
		w.state.Store(int32(StateStopping))
		w.stop(logger, h)
		<-h.exited
	}
	uptime := time.Since(h.started)

	w.last.Store(&lastRun{pid: h.pid, exitCode: h.exitCode})
	w.drain(logger, &readers, cancelRead, streams)
	_ = h.handler.Close()
	if w.opts.Watcher != nil {
		w.opts.Watcher.Forget(h.pid)
	}
	w.state.Store(int32(StateExited))
	if w.opts.Callbacks.OnExit != nil {
		w.opts.Callbacks.OnExit(w.id, h.pid, h.exitCode, uptime, cancelled)
	}

	switch {
	case cancelled && h.exitCode == 0:
		logger.Info("shard_stopped", "uptime", uptime.String())
		return nil
	case cancelled:
		logger.Warn("shard_stopped_with_code", "exit_code", h.exitCode, "uptime", uptime.String())
		return nil
	case h.exitCode == 0:
		logger.Warn("shard_exited_unexpectedly", "exit_code", 0, "uptime", uptime.String())
		return nil
	default:
		tail := w.stderr.RecentLines(10)
		logger.Error("shard_crashed", "exit_code", h.exitCode, "uptime", uptime.String(), "stderr_tail", tail)
		return &ExitError{ShardID: w.id, PID: h.pid, ExitCode: h.exitCode, Stderr: tail}
	}
}

// pipes are the parent's read ends of stdout and stderr.
type pipes struct {
	stdout, stderr *os.File
}

func (w *Worker) start(ctx context.Context) (*handle, pipes, error) {
	w.state.Store(int32(StateStarting))

	cmd, err := w.opts.Runner.BuildCommand(ctx, w.id)
	if err != nil {
		return nil, pipes{}, fmt.Errorf("shard %s: build command: %w", w.id, err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, pipes{}, fmt.Errorf("shard %s: stdin pipe: %w", w.id, err)
	}

	// Own pipes instead of StdoutPipe so Wait can be called while the
	// readers are still draining.
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, pipes{}, fmt.Errorf("shard %s: stdout pipe: %w", w.id, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(outR, outW)
		return nil, pipes{}, fmt.Errorf("shard %s: stderr pipe: %w", w.id, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(outR, outW, errR, errW)
		w.logger.Error("shard_start_failed", "error", err)
		return nil, pipes{}, fmt.Errorf("shard %s: start: %w", w.id, err)
	}
	closeAll(outW, errW)

	h := &handle{
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	h.handler = w.opts.Handlers.NewHandler(w.id, h.pid, Streams{Stdin: stdin, Stdout: outR, Stderr: errR})
	go func() {
		h.exitCode = extractExitCode(cmd.Wait())
		close(h.exited)
	}()

	if w.opts.Watcher != nil {
		w.opts.Watcher.Watch(h.pid)
	}
	return h, pipes{stdout: outR, stderr: errR}, nil
}

// waitReady polls the handler until it is ready. It returns false if the
// process exits or ctx ends first.
func (w *Worker) waitReady(ctx context.Context, h *handle) bool {
	ticker := time.NewTicker(w.opts.StatusCheckInterval)
	defer ticker.Stop()
	for {
		if h.handler.IsReady() {
			return h.alive()
		}
		select {
		case <-ctx.Done():
			return false
		case <-h.exited:
			return false
		case <-ticker.C:
		}
	}
}

func (w *Worker) stop(logger *slog.Logger, h *handle) {
	_ = h.handler.Close()
	if timeout := w.opts.GracefulStopTimeout; timeout > 0 {
		_ = signalGroup(h.cmd.Process, syscall.SIGTERM)
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-h.exited:
			return
		case <-t.C:
		}
		logger.Warn("force_killing_process", "timeout", timeout.String())
	}
	if err := signalGroup(h.cmd.Process, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Error("process_kill_failed", "error", err)
	}
}

// drain waits for the readers to reach EOF. Once DrainTimeout passes the
// pipes are closed and blocked pushes are abandoned.
func (w *Worker) drain(logger *slog.Logger, readers *sync.WaitGroup, cancelRead context.CancelFunc, p pipes) {
	done := make(chan struct{})
	go func() {
		readers.Wait()
		close(done)
	}()

	t := time.NewTimer(w.opts.DrainTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		logger.Warn("reader_drain_timeout", "timeout", w.opts.DrainTimeout.String())
		cancelRead()
		closeAll(p.stdout, p.stderr)
		<-done
	}
	closeAll(p.stdout, p.stderr)
}

func (w *Worker) enrich(m broker.Message, pid int) broker.Message {
	if !w.opts.EnrichHeaders {
		return m
	}
	return m.WithHeader(HeaderShardID, w.id).WithHeader(HeaderProcessID, strconv.Itoa(pid))
}

func (w *Worker) logReadError(logger *slog.Logger, stream string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
		return
	}
	logger.Error("stream_read_failed", "stream", stream, "error", err)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}
