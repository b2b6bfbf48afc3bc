// Package circuitbreaker fails calls to an endpoint fast once its recent
// error rate crosses a threshold, instead of letting every caller wait out
// a timeout.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed passes requests through.
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets a single probe through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes when the breaker trips and how it recovers.
type Config struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // requests required in the window before tripping
	WindowSeconds  int           // observation window, capped at 60
	OpenTimeout    time.Duration // time spent open before probing again
}

// DefaultConfig suits an endpoint called a few times per minute.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

// slot accumulates one second of outcomes.
type slot struct {
	weighted float64
	total    int
}

// Breaker tracks outcomes in a ring of per-second slots and moves between
// closed, open and half-open. Safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	openedAt time.Time
	probing  bool
	slots    []slot
	head     int
	headSec  int64
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.WindowSeconds <= 0 || cfg.WindowSeconds > 60 {
		cfg.WindowSeconds = 60
	}
	return &Breaker{
		cfg:   cfg,
		now:   time.Now,
		slots: make([]slot, cfg.WindowSeconds),
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a request may proceed. An open breaker past its
// timeout flips to half-open and admits the caller as the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess notes a successful call. A successful half-open probe
// closes the breaker and starts a fresh window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(0)
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.clearWindow()
	}
}

// RecordError notes a failed call with the given weight (see ClassifyError).
// A closed breaker trips when the windowed rate crosses the threshold with
// enough samples; a failed half-open probe reopens immediately.
func (b *Breaker) RecordError(weight float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(weight)

	switch b.state {
	case StateClosed:
		rate, samples := b.windowRate()
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	}
}

// record adds an outcome to the current second's slot; the caller holds
// the lock.
func (b *Breaker) record(weight float64) {
	b.advance()
	b.slots[b.head].total++
	b.slots[b.head].weighted += weight
}

// advance rotates the ring up to the current second, zeroing slots that
// fell out of the window.
func (b *Breaker) advance() {
	sec := b.now().Unix()
	if b.headSec == 0 {
		b.headSec = sec
		return
	}
	gap := sec - b.headSec
	if gap <= 0 {
		return
	}
	n := int(gap)
	if n > len(b.slots) {
		n = len(b.slots)
	}
	for i := 1; i <= n; i++ {
		b.slots[(b.head+i)%len(b.slots)] = slot{}
	}
	b.head = (b.head + int(gap)) % len(b.slots)
	b.headSec = sec
}

// windowRate returns the weighted error rate and sample count across the
// live window.
func (b *Breaker) windowRate() (rate float64, samples int) {
	b.advance()
	var weighted float64
	for i := range b.slots {
		weighted += b.slots[i].weighted
		samples += b.slots[i].total
	}
	if samples == 0 {
		return 0, 0
	}
	return weighted / float64(samples), samples
}

func (b *Breaker) clearWindow() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.head = 0
	b.headSec = 0
}
