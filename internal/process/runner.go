// Package process runs one external worker program per shard and bridges
// its standard streams to bounded output and error queues.
package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Runner creates executable commands for shards.
// The returned command must not be started yet.
type Runner interface {
	BuildCommand(ctx context.Context, shardID string) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// ExecConfig describes the worker program every shard runs.
type ExecConfig struct {
	// BinaryPath is the program to execute.
	BinaryPath string

	// Args are passed after the binary path.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// Dir is the working directory. Empty means the parent's.
	Dir string
}

// ExecRunner implements Runner for an arbitrary executable.
type ExecRunner struct {
	config ExecConfig
}

// NewExecRunner creates a runner for cfg.
func NewExecRunner(cfg ExecConfig) *ExecRunner {
	return &ExecRunner{config: cfg}
}

// Name returns the base name of the binary.
func (r *ExecRunner) Name() string {
	name := r.config.BinaryPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// BuildCommand creates the command in its own process group so the whole
// tree can be signalled on shutdown. The shard id is exported as SHARD_ID.
func (r *ExecRunner) BuildCommand(_ context.Context, shardID string) (*exec.Cmd, error) {
	if r.config.BinaryPath == "" {
		return nil, errors.New("process: binary path is empty")
	}
	cmd := exec.Command(r.config.BinaryPath, r.config.Args...)
	cmd.Dir = r.config.Dir
	cmd.Env = append(os.Environ(), r.config.Env...)
	cmd.Env = append(cmd.Env, "SHARD_ID="+shardID)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// CommandString returns the command that would be executed (for logs).
func (r *ExecRunner) CommandString() string {
	return strings.TrimSpace(r.config.BinaryPath + " " + strings.Join(r.config.Args, " "))
}

// signalGroup sends sig to the process group led by p. Processes that do
// not lead their own group are signalled directly.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	if pgid, err := syscall.Getpgid(p.Pid); err == nil && pgid == p.Pid {
		return syscall.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}

// extractExitCode extracts the exit code from a Wait() error.
// Signalled processes report 128 + signal number.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	return 1
}
