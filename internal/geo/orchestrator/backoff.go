package orchestrator

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes the delay before the next attempt of a failed sync. The
// delay doubles with every retry starting at Base and never exceeds Max.
// Up to Jitter times the delay is added at random. With Jitter within
// [0, 1] the delay of retry n+1 is never below the delay of retry n.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff returns a Backoff seeded from the current time.
func NewBackoff(base, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: jitter,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the delay before retry number retryCount. The first retry
// has retryCount 1.
func (b *Backoff) Delay(retryCount int) time.Duration {
	d := b.exponential(retryCount)
	if b.Jitter > 0 {
		d += time.Duration(b.float64() * b.Jitter * float64(d))
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b *Backoff) exponential(retryCount int) time.Duration {
	d := b.Base
	for i := 1; i < retryCount; i++ {
		if d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

func (b *Backoff) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rand.Float64()
}
