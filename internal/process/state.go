package process

// State is the phase of a worker's current process run.
type State int32

const (
	// StateIdle means no process has been started yet.
	StateIdle State = iota

	// StateStarting means the process is spawned but not yet ready.
	StateStarting

	// StateReady means the process accepts publishes.
	StateReady

	// StateStopping means a stop was requested and the process is
	// being terminated.
	StateStopping

	// StateExited means the last process has been reaped.
	StateExited
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}
