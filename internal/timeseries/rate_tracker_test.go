package timeseries

import (
	"math"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{time: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func near(got, want float64) bool {
	return math.Abs(got-want) < 0.01
}

// =============================================================================
// Counting
// =============================================================================

func TestRateTracker_Add(t *testing.T) {
	tests := []struct {
		name     string
		adds     []int64
		expected int64
	}{
		{"single add", []int64{100}, 100},
		{"multiple adds", []int64{1, 10, 100}, 111},
		{"zero ignored", []int64{5, 0, 5}, 10},
		{"negative ignored", []int64{5, -3, 5}, 10},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewRateTrackerWithClock(newMockClock(epoch))
			for _, n := range tt.adds {
				tracker.Add(n)
			}
			if got := tracker.Stats().Total; got != tt.expected {
				t.Errorf("Total = %d, want %d", got, tt.expected)
			}
			if got := tracker.Total(); got != tt.expected {
				t.Errorf("Total() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestRateTracker_ConcurrentAdd(t *testing.T) {
	tracker := NewRateTracker()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tracker.Add(1)
				if j%100 == 0 {
					tracker.RecordSample()
					_ = tracker.Stats()
				}
			}
		}()
	}
	wg.Wait()

	if got := tracker.Total(); got != 8000 {
		t.Errorf("Total() = %d, want 8000", got)
	}
}

// =============================================================================
// Rates
// =============================================================================

func TestRateTracker_ConstantRate(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	// 50 messages per second for 60 seconds.
	for i := 0; i < 60; i++ {
		tracker.Add(50)
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	s := tracker.Stats()
	for name, got := range s.Windows() {
		if !near(got, 50) {
			t.Errorf("rate %s = %f, want 50", name, got)
		}
	}
	if !near(s.RateOverall, 50) {
		t.Errorf("RateOverall = %f, want 50", s.RateOverall)
	}
}

func TestRateTracker_BurstThenIdle(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	// 1000 messages in the first second, then 59 idle seconds.
	tracker.Add(1000)
	clock.Advance(time.Second)
	tracker.RecordSample()
	for i := 0; i < 59; i++ {
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	s := tracker.Stats()
	if s.Rate1s != 0 {
		t.Errorf("Rate1s = %f, want 0 after idling", s.Rate1s)
	}
	if !near(s.Rate30s, 0) {
		t.Errorf("Rate30s = %f, want 0", s.Rate30s)
	}
	if !near(s.Rate60s, 1000.0/60) {
		t.Errorf("Rate60s = %f, want %f", s.Rate60s, 1000.0/60)
	}
}

func TestRateTracker_ShortHistoryUsesOldestSample(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	tracker.Add(100)
	clock.Advance(10 * time.Second)
	tracker.RecordSample()

	// Only 10s of history: the 300s window falls back to the start.
	s := tracker.Stats()
	if !near(s.Rate300s, 10) {
		t.Errorf("Rate300s = %f, want 10", s.Rate300s)
	}
}

func TestRateTracker_NoElapsedTime(t *testing.T) {
	tracker := NewRateTrackerWithClock(newMockClock(epoch))
	tracker.Add(100)

	s := tracker.Stats()
	if s.Rate1s != 0 || s.RateOverall != 0 {
		t.Errorf("rates should be 0 without elapsed time: %+v", s)
	}
}

func TestRateTracker_RingWraps(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	for i := 0; i < ringSize+50; i++ {
		tracker.Add(2)
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	if got := tracker.SampleCount(); got != ringSize {
		t.Errorf("SampleCount() = %d, want %d", got, ringSize)
	}
	if got := tracker.Stats().Rate300s; !near(got, 2) {
		t.Errorf("Rate300s = %f after wrap, want 2", got)
	}
}

func TestRateTracker_Reset(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	tracker.Add(500)
	clock.Advance(5 * time.Second)
	tracker.RecordSample()
	tracker.Reset()

	if tracker.Total() != 0 {
		t.Errorf("Total() = %d after reset", tracker.Total())
	}
	if tracker.SampleCount() != 1 {
		t.Errorf("SampleCount() = %d after reset, want 1", tracker.SampleCount())
	}

	clock.Advance(time.Second)
	tracker.Add(7)
	if got := tracker.Stats().RateOverall; !near(got, 7) {
		t.Errorf("RateOverall = %f after reset, want 7", got)
	}
}

func TestRateStats_Windows(t *testing.T) {
	s := RateStats{Rate1s: 1, Rate30s: 30, Rate60s: 60, Rate300s: 300}
	w := s.Windows()
	if len(w) != 4 || w["1s"] != 1 || w["30s"] != 30 || w["60s"] != 60 || w["300s"] != 300 {
		t.Errorf("Windows() = %v", w)
	}
}
