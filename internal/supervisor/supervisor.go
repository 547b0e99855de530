package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of long-running work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f JobFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Policy decides how long to wait before running a job again.
// Each delay function receives its own attempt counter, which resets
// whenever the opposite outcome occurs.
type Policy struct {
	OnSuccess DelayFunc
	OnError   DelayFunc
}

// ConstantPolicy waits d after every run.
func ConstantPolicy(d time.Duration) Policy {
	return Policy{OnSuccess: Constant(d), OnError: Constant(d)}
}

// DefaultPolicy waits one second after every run.
func DefaultPolicy() Policy {
	return ConstantPolicy(time.Second)
}

// Callbacks contains optional hooks for supervisor events.
type Callbacks struct {
	// OnStateChange is called when the supervisor state changes.
	OnStateChange func(name string, oldState, newState State)

	// OnExit is called after each run of the job.
	OnExit func(name string, err error, uptime time.Duration)

	// OnRestart is called before waiting for the next run.
	OnRestart func(name string, successes, failures int, delay time.Duration)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Name      string
	Job       Job
	Policy    Policy
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Supervisor runs a job until its context is cancelled, restarting it
// after every return.
type Supervisor struct {
	name      string
	job       Job
	policy    Policy
	logger    *slog.Logger
	callbacks Callbacks

	mu        sync.RWMutex
	state     State
	startTime time.Time
	restarts  int
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	policy := cfg.Policy
	if policy.OnSuccess == nil {
		policy.OnSuccess = DefaultPolicy().OnSuccess
	}
	if policy.OnError == nil {
		policy.OnError = DefaultPolicy().OnError
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		name:      cfg.Name,
		job:       cfg.Job,
		policy:    policy,
		logger:    logger,
		callbacks: cfg.Callbacks,
		state:     StateCreated,
	}
}

// Run blocks until ctx is cancelled. Errors from the job are logged and
// never returned; Run only returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	var successes, failures int
	defer s.setState(StateStopped)

	for ctx.Err() == nil {
		s.setState(StateRunning)
		s.mu.Lock()
		s.startTime = time.Now()
		s.mu.Unlock()

		s.logger.Debug("job_running", "job", s.name)
		err := s.job.Run(ctx)
		uptime := s.Uptime()

		if s.callbacks.OnExit != nil {
			s.callbacks.OnExit(s.name, err, uptime)
		}

		var delay time.Duration
		switch {
		case ctx.Err() != nil && (err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			s.logger.Debug("job_stopped", "job", s.name)
			return ctx.Err()
		case err == nil:
			s.logger.Debug("job_completed",
				"job", s.name,
				"uptime", uptime.String(),
				"successes", successes,
				"failures", failures,
			)
			failures = 0
			delay = s.policy.OnSuccess(successes)
			successes++
		default:
			s.logger.Error("job_failed",
				"job", s.name,
				"error", err,
				"uptime", uptime.String(),
				"successes", successes,
				"failures", failures,
			)
			successes = 0
			delay = s.policy.OnError(failures)
			failures++
		}

		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		if s.callbacks.OnRestart != nil {
			s.callbacks.OnRestart(s.name, successes, failures, delay)
		}

		s.setState(StateWaiting)
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(newState State) {
	s.mu.Lock()
	oldState := s.state
	s.state = newState
	s.mu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(s.name, oldState, newState)
	}
}

// Name returns the supervised job's name.
func (s *Supervisor) Name() string {
	return s.name
}

// Restarts returns how many times the job has returned and been rescheduled.
func (s *Supervisor) Restarts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// Uptime returns how long the current run has lasted, or 0 when not running.
func (s *Supervisor) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startTime)
}
