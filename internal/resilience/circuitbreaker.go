// Package resilience protects the provider layer: a three-state circuit
// breaker per provider and a failover ladder that walks ranked chat
// runtimes, recording every hop for the run summary.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [CircuitBreaker.Do] while the breaker is
// open and the cooldown has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probes through to decide whether
	// to close again.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [CircuitBreaker]. Zero fields get defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs, typically the provider name.
	Name string

	// TripAfter is the consecutive-failure count that opens the breaker.
	// Default 4.
	TripAfter int

	// Cooldown is how long the breaker stays open. Default 20s.
	Cooldown time.Duration

	// Probes is the half-open probe allowance. Default 2.
	Probes int
}

// CircuitBreaker keeps a flaky provider from eating every turn's latency
// budget. Closed → Open on consecutive failures, Open → HalfOpen after the
// cooldown, HalfOpen → Closed once the probes all succeed.
type CircuitBreaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration
	probes    int

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probeCount int
	now        func() time.Time
}

// NewCircuitBreaker builds a breaker from cfg.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 4
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		tripAfter: cfg.TripAfter,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		now:       time.Now,
	}
}

// Do runs fn unless the breaker rejects the call. The fn error passes
// through untouched so callers can inspect provider errors directly.
func (b *CircuitBreaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.state = HalfOpen
		b.probeCount = 0
		slog.Debug("breaker half-open", "name", b.name)
	case HalfOpen:
		if b.probeCount >= b.probes {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probeCount++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must run with b.mu held.
func (b *CircuitBreaker) onFailure(probing bool) {
	b.openedAt = b.now()
	if probing {
		b.state = Open
		b.failures = b.tripAfter
		slog.Warn("breaker reopened by failed probe", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.tripAfter {
		b.state = Open
		slog.Warn("breaker opened", "name", b.name, "failures", b.failures)
	}
}

// onSuccess must run with b.mu held.
func (b *CircuitBreaker) onSuccess(probing bool) {
	if probing {
		if b.probeCount >= b.probes {
			b.state = Closed
			b.failures = 0
			b.probeCount = 0
			slog.Info("breaker closed after probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the effective state; an elapsed cooldown shows as HalfOpen
// even before the next Do performs the transition.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCount = 0
}
