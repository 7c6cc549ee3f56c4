package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker is rejecting calls.
// The resolver treats it as a transient live-tier failure, so a flapping
// explorer trips straight to the fallback tiers instead of burning the
// fetch timeout on every cycle.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting calls
	StateHalfOpen              // probing whether the source recovered
)

// Breaker is a minimal circuit breaker for the live balance source.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	probeSuccess  int
	failLimit     int
	probeLimit    int
	openTimeout   time.Duration
	lastFailureAt time.Time
	nowFn         func() time.Time
	onStateChange func(from, to State)
}

// Config tunes the breaker. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	ProbeThreshold   int           // half-open successes before closing (default 2)
	OpenTimeout      time.Duration // time spent open before probing (default 30s)
	OnStateChange    func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ProbeThreshold <= 0 {
		cfg.ProbeThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		state:         StateClosed,
		failLimit:     cfg.FailureThreshold,
		probeLimit:    cfg.ProbeThreshold,
		openTimeout:   cfg.OpenTimeout,
		nowFn:         time.Now,
		onStateChange: cfg.OnStateChange,
	}
}

// Allow reports whether a call may proceed. While open, it returns ErrOpen
// until the open timeout elapses, then lets a probe through half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.probeSuccess++
		if b.probeSuccess >= b.probeLimit {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure notes a failed call. A failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probeSuccess = 0
	b.lastFailureAt = b.nowFn()
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.failLimit) {
		b.setState(StateOpen)
	}
}

// CurrentState returns the breaker state, promoting open to half-open when
// the open timeout has elapsed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFn().Sub(b.lastFailureAt) > b.openTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probeSuccess = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
