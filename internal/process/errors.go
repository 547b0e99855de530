package process

import (
	"errors"
	"fmt"
)

// ErrUnavailable is matched by UnavailableError.
var ErrUnavailable = errors.New("process unavailable")

// ExitError reports a worker process that exited with a non-zero code
// while nobody asked it to stop.
type ExitError struct {
	ShardID  string
	PID      int
	ExitCode int
	Stderr   []string // most recent stderr lines, oldest first
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("shard %s: process %d exited unexpectedly with code %d", e.ShardID, e.PID, e.ExitCode)
}

// UnavailableError is returned by Publish when no live, ready process
// appeared before the caller's context ended.
type UnavailableError struct {
	ShardID  string
	PID      int // last known pid, 0 if none was ever started
	ExitCode int // last known exit code, -1 if unknown
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("shard %s: unable to publish, process unavailable (pid %d, exit code %d): %v",
		e.ShardID, e.PID, e.ExitCode, e.Cause)
}

func (e *UnavailableError) Unwrap() []error {
	return []error{ErrUnavailable, e.Cause}
}

// PublishedCrashError is returned by Publish when the batch was written
// but the process was found dead with a non-zero code afterwards.
type PublishedCrashError struct {
	ShardID  string
	PID      int
	ExitCode int
}

func (e *PublishedCrashError) Error() string {
	return fmt.Sprintf("shard %s: published but process %d crashed with code %d", e.ShardID, e.PID, e.ExitCode)
}
