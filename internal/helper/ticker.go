package helper

import (
	"math/rand"
	"sync"
	"time"
)

// Ticker paces a background loop. The loop calls Reset once per pass and
// waits on C for the next one.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset()
}

// NewTimerTicker returns a Ticker that ticks interval after each Reset. It
// doesn't tick before the first Reset.
func NewTimerTicker(interval time.Duration) Ticker {
	return NewJitterTicker(interval, 0)
}

// NewJitterTicker returns a Ticker that ticks after interval plus a random
// share of up to jitter*interval, drawn again on every Reset. Secondaries
// polling the same primary don't fall into step this way.
func NewJitterTicker(interval time.Duration, jitter float64) Ticker {
	t := &pollTicker{
		interval: interval,
		jitter:   jitter,
		timer:    time.NewTimer(time.Hour),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	t.stop()
	return t
}

type pollTicker struct {
	interval time.Duration
	jitter   float64
	timer    *time.Timer

	mu  sync.Mutex
	rnd *rand.Rand
}

func (t *pollTicker) C() <-chan time.Time { return t.timer.C }

func (t *pollTicker) Stop() { t.stop() }

// stop halts the timer and drops an unconsumed tick.
func (t *pollTicker) stop() {
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
}

func (t *pollTicker) Reset() {
	t.stop()
	t.timer.Reset(t.next())
}

func (t *pollTicker) next() time.Duration {
	if t.jitter <= 0 {
		return t.interval
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval + time.Duration(t.rnd.Float64()*t.jitter*float64(t.interval))
}

// ManualTicker ticks only when the test says so. Its Reset and Stop calls
// are counted and can be hooked with OnReset.
type ManualTicker struct {
	ticks chan time.Time

	mu      sync.Mutex
	resets  int
	stopped bool
	// OnReset is invoked on every Reset with the number of resets so far,
	// including this one.
	OnReset func(resets int)
}

// NewManualTicker returns a ManualTicker without hooks.
func NewManualTicker() *ManualTicker {
	return &ManualTicker{ticks: make(chan time.Time, 1)}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ticks }

func (m *ManualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *ManualTicker) Reset() {
	m.mu.Lock()
	m.resets++
	resets, hook := m.resets, m.OnReset
	m.mu.Unlock()

	if hook != nil {
		hook(resets)
	}
}

// Tick emits a tick. It blocks while the previous one is unconsumed.
func (m *ManualTicker) Tick() { m.ticks <- time.Now() }

// Resets returns how often Reset was called.
func (m *ManualTicker) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Stopped reports whether Stop was called.
func (m *ManualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// NewCountTicker returns a ManualTicker that ticks on the first n resets
// and calls done on the reset after them. A loop resetting once per pass
// therefore makes n passes after its initial one before done runs.
func NewCountTicker(n int, done func()) *ManualTicker {
	m := NewManualTicker()
	m.OnReset = func(resets int) {
		if resets > n {
			done()
			return
		}
		m.Tick()
	}
	return m
}
