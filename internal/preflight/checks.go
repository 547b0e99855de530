// Package preflight provides startup validation checks.
package preflight

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"syscall"

	"github.com/prometheus/procfs"
)

// Per-worker descriptor budget: three pipes on our side plus the
// worker's own files.
const (
	fdsPerShard   = 16
	fdOverhead    = 100
	procsOverhead = 50
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// RunAll executes all preflight checks for a pool of shards running
// command in dir.
func RunAll(shards int, command, dir string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	result.add(checkFileDescriptors(shards))
	result.add(checkProcessLimit(shards))
	result.add(checkCommand(command))
	if dir != "" {
		result.add(checkWorkDir(dir))
	}
	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(shards int) Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}

	required := shards*fdsPerShard + fdOverhead
	actual := clampInt(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d shards)", actual, required, shards),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
// RLIMIT_NPROC is not exported by syscall, so the soft limit is read from
// /proc/self/limits.
func checkProcessLimit(shards int) Check {
	required := shards + procsOverhead

	self, err := procfs.Self()
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}
	limits, err := self.Limits()
	if err != nil || limits.Processes == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	actual := clampInt(uint64(limits.Processes))
	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// checkCommand verifies the worker binary resolves to an executable.
func checkCommand(command string) Check {
	if command == "" {
		return Check{
			Name:    "worker_command",
			Passed:  false,
			Message: "no worker command given",
		}
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return Check{
			Name:    "worker_command",
			Passed:  false,
			Message: fmt.Sprintf("not found: %s: %v", command, err),
		}
	}

	return Check{
		Name:    "worker_command",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", path),
	}
}

// checkWorkDir verifies the worker working directory exists.
func checkWorkDir(dir string) Check {
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		return Check{Name: "work_dir", Passed: false, Message: err.Error()}
	case !info.IsDir():
		return Check{Name: "work_dir", Passed: false, Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return Check{Name: "work_dir", Passed: true, Message: dir}
}

func clampInt(v uint64) int {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(v)
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	WriteResults(os.Stdout, result)
}

// WriteResults writes the preflight check results to w.
func WriteResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "worker_command":
		return "install the worker or pass an absolute path after --"
	case "work_dir":
		return "create the directory or fix -dir"
	default:
		return "see documentation"
	}
}
