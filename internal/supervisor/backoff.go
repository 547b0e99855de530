package supervisor

import (
	"math"
	"time"
)

// GoldenRatio is the default exponential base for polling.
// With a 5s cap it keeps the number of polls low for fast health checks
// while staying responsive during the first few milliseconds.
const GoldenRatio = 1.61803398874989484820458683436

// DelayFunc maps an attempt index (starting at 0) to a wait duration.
// Implementations must be pure.
type DelayFunc func(attempt int) time.Duration

// DefaultPollDelay is used by RepeatWhile when no delay is given.
var DefaultPollDelay = Exponential(time.Millisecond, 5*time.Second, GoldenRatio)

// Constant always returns d.
func Constant(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Linear grows from min to max over the given number of steps.
func Linear(min, max time.Duration, steps int) DelayFunc {
	if steps <= 0 {
		return Constant(max)
	}
	delta := (max - min) / time.Duration(steps)
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := min + delta*time.Duration(attempt)
		if d > max || d < min {
			return max
		}
		return d
	}
}

// Exponential returns min*base^attempt rounded up, capped at max.
// Once attempt reaches ceil(log_base(max/min)) it returns exactly max.
func Exponential(min, max time.Duration, base float64) DelayFunc {
	if min <= 0 {
		min = time.Nanosecond
	}
	if max < min {
		max = min
	}
	if base <= 1 {
		return Constant(min)
	}
	maxIndex := int(math.Ceil(math.Log(float64(max)/float64(min)) / math.Log(base)))
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt >= maxIndex {
			return max
		}
		d := math.Min(float64(min)*math.Pow(base, float64(attempt)), float64(max))
		return time.Duration(math.Ceil(d))
	}
}

// ExponentialBase2 doubles min on every attempt, capped at max.
func ExponentialBase2(min, max time.Duration) DelayFunc {
	if min <= 0 {
		min = time.Nanosecond
	}
	if max < min {
		max = min
	}
	maxIndex := int(math.Ceil(math.Log2(float64(max) / float64(min))))
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt >= maxIndex {
			return max
		}
		d := min << uint(attempt)
		if d > max || d <= 0 {
			return max
		}
		return d
	}
}
