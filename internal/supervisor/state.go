// Package supervisor keeps long-running jobs alive: it restarts them with
// configurable delays until their context is cancelled.
package supervisor

// State is the current phase of a supervised job.
type State int

const (
	// StateCreated is the initial state before Run is called.
	StateCreated State = iota

	// StateRunning indicates the job is executing.
	StateRunning

	// StateWaiting indicates the job returned and the supervisor is
	// sleeping before the next run.
	StateWaiting

	// StateStopped indicates the supervisor has exited.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive reports whether the job is running or scheduled to run again.
func (s State) IsActive() bool {
	return s == StateRunning || s == StateWaiting
}

// IsTerminal reports whether the supervisor has exited.
func (s State) IsTerminal() bool {
	return s == StateStopped
}
