package supervisor

import (
	"hash/fnv"
	"math/rand"
	"time"
)

// JitterSource hands out deterministic random generators per shard.
// Shards keep their relative restart offsets across runs, so a pool that
// crashes together does not restart in lockstep.
type JitterSource struct {
	seed int64
}

// NewJitterSource creates a jitter source with a fixed seed.
func NewJitterSource(seed int64) *JitterSource {
	return &JitterSource{seed: seed}
}

// NewJitterSourceFromTime creates a jitter source seeded from the clock.
func NewJitterSourceFromTime() *JitterSource {
	return NewJitterSource(time.Now().UnixNano())
}

// ForKey returns a generator seeded from key. The same key always yields
// the same sequence for a given source.
func (j *JitterSource) ForKey(key string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return rand.New(rand.NewSource(int64(h.Sum64()) ^ j.seed))
}

// Jittered wraps delay so each result is spread by ±pct/2 around the
// value delay returns. The result is not pure: every call draws from the
// key's generator, so it must be owned by a single goroutine.
func (j *JitterSource) Jittered(key string, delay DelayFunc, pct float64) DelayFunc {
	if pct <= 0 || delay == nil {
		return delay
	}
	rng := j.ForKey(key)
	return func(attempt int) time.Duration {
		d := float64(delay(attempt))
		span := d * pct
		d += span*rng.Float64() - span/2
		if d < 0 {
			d = 0
		}
		return time.Duration(d)
	}
}
