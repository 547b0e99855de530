package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/randomizedcoder/go-process-shards/internal/logging"
)

// =============================================================================
// ExecRunner
// =============================================================================

func TestExecRunner_BuildCommand(t *testing.T) {
	r := NewExecRunner(ExecConfig{
		BinaryPath: "/usr/bin/python3",
		Args:       []string{"-u", "worker.py"},
		Env:        []string{"MODE=test"},
		Dir:        "/tmp",
	})

	cmd, err := r.BuildCommand(context.Background(), "shard-7")
	if err != nil {
		t.Fatalf("BuildCommand() error = %v", err)
	}
	if cmd.Path != "/usr/bin/python3" {
		t.Errorf("Path = %q", cmd.Path)
	}
	if got := strings.Join(cmd.Args, " "); got != "/usr/bin/python3 -u worker.py" {
		t.Errorf("Args = %q", got)
	}
	if cmd.Dir != "/tmp" {
		t.Errorf("Dir = %q", cmd.Dir)
	}
	env := strings.Join(cmd.Env, "\n")
	for _, want := range []string{"MODE=test", "SHARD_ID=shard-7"} {
		if !strings.Contains(env, want) {
			t.Errorf("Env missing %q", want)
		}
	}
	if cmd.SysProcAttr == nil || !cmd.SysProcAttr.Setpgid {
		t.Error("command should run in its own process group")
	}
}

func TestExecRunner_EmptyBinary(t *testing.T) {
	if _, err := NewExecRunner(ExecConfig{}).BuildCommand(context.Background(), "s"); err == nil {
		t.Error("BuildCommand() with empty binary should fail")
	}
}

func TestExecRunner_NameAndCommandString(t *testing.T) {
	tests := []struct {
		cfg     ExecConfig
		name    string
		command string
	}{
		{ExecConfig{BinaryPath: "cat"}, "cat", "cat"},
		{ExecConfig{BinaryPath: "/opt/bin/worker", Args: []string{"--fast"}}, "worker", "/opt/bin/worker --fast"},
	}
	for _, tt := range tests {
		r := NewExecRunner(tt.cfg)
		if r.Name() != tt.name {
			t.Errorf("Name() = %q, want %q", r.Name(), tt.name)
		}
		if r.CommandString() != tt.command {
			t.Errorf("CommandString() = %q, want %q", r.CommandString(), tt.command)
		}
	}
}

func TestExtractExitCode(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want int
	}{
		{"success", []string{"true"}, 0},
		{"exit 3", []string{"sh", "-c", "exit 3"}, 3},
		{"killed", []string{"sh", "-c", "kill -9 $$"}, 128 + int(syscall.SIGKILL)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exec.Command(tt.argv[0], tt.argv[1:]...).Run()
			if got := extractExitCode(err); got != tt.want {
				t.Errorf("extractExitCode() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := extractExitCode(errors.New("not an exit error")); got != 1 {
		t.Errorf("extractExitCode(generic) = %d, want 1", got)
	}
}

// =============================================================================
// Watcher
// =============================================================================

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd, err := NewExecRunner(ExecConfig{BinaryPath: "sleep", Args: []string{"30"}}).BuildCommand(context.Background(), "w")
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep not available: %v", err)
	}
	return cmd
}

func waitExit(t *testing.T, cmd *exec.Cmd) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("process was not killed")
		return nil
	}
}

func TestWatcher_KillsTrackedOnShutdown(t *testing.T) {
	w := NewWatcher(logging.Discard())
	cmd := startSleeper(t)
	w.Watch(cmd.Process.Pid)
	if w.Tracked() != 1 {
		t.Fatalf("Tracked() = %d, want 1", w.Tracked())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}

	if extractExitCode(waitExit(t, cmd)) != 128+int(syscall.SIGKILL) {
		t.Error("tracked process should have been SIGKILLed")
	}
	if w.Tracked() != 0 {
		t.Errorf("Tracked() after shutdown = %d", w.Tracked())
	}
}

func TestWatcher_ForgetSparesProcess(t *testing.T) {
	w := NewWatcher(logging.Discard())
	cmd := startSleeper(t)
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	w.Watch(cmd.Process.Pid)
	w.Forget(cmd.Process.Pid)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)

	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		t.Errorf("forgotten process should still be alive: %v", err)
	}
}

func TestWatcher_WatchAfterShutdownKills(t *testing.T) {
	w := NewWatcher(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)

	cmd := startSleeper(t)
	w.Watch(cmd.Process.Pid)
	_ = waitExit(t, cmd)
	if w.Tracked() != 0 {
		t.Errorf("Tracked() = %d, want 0", w.Tracked())
	}
}

// =============================================================================
// Diagnostics
// =============================================================================

func TestReadDiagnostics_Self(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("/proc not available")
	}
	d, err := ReadDiagnostics(os.Getpid())
	if err != nil {
		t.Fatalf("ReadDiagnostics() error = %v", err)
	}
	if d.PID != os.Getpid() {
		t.Errorf("PID = %d", d.PID)
	}
	if d.ResidentMemory == 0 || d.Threads == 0 || d.OpenFDs == 0 {
		t.Errorf("Diagnostics = %+v, want non-zero memory, threads and fds", d)
	}
	if d.SampledAt.IsZero() {
		t.Error("SampledAt not set")
	}
}

func TestReadDiagnostics_MissingPID(t *testing.T) {
	if _, err := ReadDiagnostics(1 << 30); err == nil {
		t.Error("ReadDiagnostics() for a missing pid should fail")
	}
}
