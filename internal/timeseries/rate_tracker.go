// Package timeseries tracks a cumulative counter and reports its rate over
// rolling windows (1s, 30s, 60s, 300s).
//
// Add is lock-free. RecordSample and Stats share a small ring of samples
// guarded by a RWMutex, about 10KB for five minutes at one sample per second.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize is the number of samples kept (5 minutes at 1 sample/sec).
	ringSize = 300

	window1s   = 1 * time.Second
	window30s  = 30 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// point is the counter value observed at one instant.
type point struct {
	at    time.Time
	total int64
}

// RateTracker counts events (messages processed) and derives per-second
// rates from periodic samples.
//
//	tracker := NewRateTracker()
//	tracker.Add(batchSize)   // per batch, from any goroutine
//	tracker.RecordSample()   // once per monitor tick
//	stats := tracker.Stats() // for Prometheus and the dashboard
type RateTracker struct {
	total atomic.Int64

	mu     sync.RWMutex
	ring   []point
	next   int // write position once the ring is full
	origin time.Time
	clock  Clock
}

// RateStats is a point-in-time view of a RateTracker.
type RateStats struct {
	// Total is the cumulative count since the tracker started.
	Total int64

	// Per-second rates over the trailing windows.
	Rate1s   float64
	Rate30s  float64
	Rate60s  float64
	Rate300s float64

	// RateOverall is Total divided by the time since start.
	RateOverall float64
}

// Windows returns the rolling rates keyed by their window label.
func (s RateStats) Windows() map[string]float64 {
	return map[string]float64{
		"1s":   s.Rate1s,
		"30s":  s.Rate30s,
		"60s":  s.Rate60s,
		"300s": s.Rate300s,
	}
}

// NewRateTracker creates a tracker using the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker driven by clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	return &RateTracker{
		ring:   append(make([]point, 0, ringSize), point{at: now}),
		origin: now,
		clock:  clock,
	}
}

// Add increases the counter by n. Non-positive n is ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// Total returns the cumulative count.
func (t *RateTracker) Total() int64 {
	return t.total.Load()
}

// RecordSample stores the current counter value. The oldest sample is
// overwritten once the ring is full.
func (t *RateTracker) RecordSample() {
	p := point{at: t.clock.Now(), total: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ring) < ringSize {
		t.ring = append(t.ring, p)
		return
	}
	t.ring[t.next] = p
	t.next = (t.next + 1) % ringSize
}

// Stats computes the rates at the current instant. With less history than
// a window, the oldest sample is used instead.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	s := RateStats{Total: total}
	if elapsed := now.Sub(t.origin).Seconds(); elapsed > 0 {
		s.RateOverall = float64(total) / elapsed
	}
	s.Rate1s = t.rateOver(now, total, window1s)
	s.Rate30s = t.rateOver(now, total, window30s)
	s.Rate60s = t.rateOver(now, total, window60s)
	s.Rate300s = t.rateOver(now, total, window300s)
	return s
}

// rateOver must be called with mu held.
func (t *RateTracker) rateOver(now time.Time, total int64, window time.Duration) float64 {
	base := t.baseline(now.Add(-window))
	if base == nil {
		return 0
	}
	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-base.total) / elapsed
}

// baseline returns the newest sample taken at or before cutoff, or the
// oldest sample when none is that old. Must be called with mu held.
func (t *RateTracker) baseline(cutoff time.Time) *point {
	var best *point
	for i := range t.ring {
		p := &t.ring[i]
		if p.at.After(cutoff) {
			continue
		}
		if best == nil || p.at.After(best.at) {
			best = p
		}
	}
	if best != nil {
		return best
	}
	return t.oldest()
}

// oldest must be called with mu held.
func (t *RateTracker) oldest() *point {
	switch {
	case len(t.ring) == 0:
		return nil
	case len(t.ring) < ringSize:
		return &t.ring[0]
	default:
		return &t.ring[t.next]
	}
}

// Reset zeroes the counter and history.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.Store(0)
	t.ring = append(t.ring[:0], point{at: now})
	t.next = 0
	t.origin = now
}

// SampleCount returns the number of stored samples.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ring)
}
