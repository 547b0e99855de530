package process

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Diagnostics is a best-effort snapshot of a live worker process.
type Diagnostics struct {
	PID            int
	Command        string
	ResidentMemory uint64 // bytes
	VirtualMemory  uint64 // bytes
	OpenFDs        int
	Threads        int
	CPUTime        time.Duration // user + system, accumulated since start
	StartTime      time.Time
	SampledAt      time.Time
}

// ReadDiagnostics reads /proc for pid.
func ReadDiagnostics(pid int) (Diagnostics, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("open proc %d: %w", pid, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return Diagnostics{}, fmt.Errorf("read stat %d: %w", pid, err)
	}

	d := Diagnostics{
		PID:            pid,
		Command:        stat.Comm,
		ResidentMemory: uint64(stat.ResidentMemory()),
		VirtualMemory:  uint64(stat.VirtualMemory()),
		Threads:        stat.NumThreads,
		CPUTime:        time.Duration(stat.CPUTime() * float64(time.Second)),
		SampledAt:      time.Now(),
	}
	if start, err := stat.StartTime(); err == nil {
		sec := int64(start)
		d.StartTime = time.Unix(sec, int64((start-float64(sec))*float64(time.Second)))
	}
	if n, err := p.FileDescriptorsLen(); err == nil {
		d.OpenFDs = n
	}
	return d, nil
}
