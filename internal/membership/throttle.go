package membership

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const minThrottleKeys = 1024

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// throttle keeps one token bucket per key. A nil throttle allows everything.
type throttle struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	pruneAt int // prune when the map reaches this size
}

func newThrottle(perMinute, burst int) *throttle {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &throttle{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		buckets: make(map[string]*bucket),
		pruneAt: minThrottleKeys,
	}
}

func (t *throttle) allow(key string) bool {
	if t == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		if len(t.buckets) >= t.pruneAt {
			t.prune(now)
		}
		b = &bucket{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// prune drops buckets idle long enough to have refilled completely.
func (t *throttle) prune(now time.Time) {
	refill := time.Duration(float64(t.burst) / float64(t.limit) * float64(time.Second))
	for k, b := range t.buckets {
		if now.Sub(b.seen) > refill {
			delete(t.buckets, k)
		}
	}
	t.pruneAt = max(minThrottleKeys, 2*len(t.buckets))
}
