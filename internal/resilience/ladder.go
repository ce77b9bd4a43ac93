package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// ErrLadderExhausted is returned when every rung fails or is rejected by
// its breaker.
var ErrLadderExhausted = errors.New("resilience: all rungs failed")

// BreakerGroup lazily allocates one breaker per name from a shared config.
// Ladders built per turn borrow breakers from a group, so provider health
// persists across turns while the rung order can change every resolve.
type BreakerGroup struct {
	mu  sync.Mutex
	cfg BreakerConfig
	m   map[string]*CircuitBreaker
}

// NewBreakerGroup builds a group whose breakers share cfg. The breaker
// name comes from the lookup key, not cfg.Name.
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{cfg: cfg, m: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (g *BreakerGroup) Get(name string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.m[name]
	if !ok {
		cfg := g.cfg
		cfg.Name = name
		b = NewCircuitBreaker(cfg)
		g.m[name] = b
	}
	return b
}

// Open reports whether name's breaker is currently rejecting calls.
func (g *BreakerGroup) Open(name string) bool {
	return g.Get(name).State() == Open
}

// Rung is one candidate in a failover ladder.
type Rung[T any] struct {
	// Name labels the rung in logs and retry entries and keys its breaker
	// in the group, typically the provider name.
	Name string

	// Model is recorded on retry-ladder entries.
	Model string

	Value T
}

// Ladder walks ranked candidates in order, skipping rungs whose breaker is
// open, and records a [types.RetryEntry] for every hop past the first rung.
// Ladders are cheap per-turn values; the shared state lives in the group.
type Ladder[T any] struct {
	rungs []Rung[T]
	group *BreakerGroup
}

// NewLadder builds a ladder over the ranked rungs, borrowing breakers from
// group by rung name.
func NewLadder[T any](group *BreakerGroup, rungs ...Rung[T]) *Ladder[T] {
	return &Ladder[T]{group: group, rungs: rungs}
}

// Add appends a rung below the existing ones.
func (l *Ladder[T]) Add(r Rung[T]) {
	l.rungs = append(l.rungs, r)
}

// Climb runs fn down the ladder until a rung succeeds. The second return
// value lists the hops taken: one entry per failed rung, naming the stage,
// the models switched between, and the failure reason.
func Climb[T any, R any](l *Ladder[T], stage string, fn func(Rung[T]) (R, error)) (R, []types.RetryEntry, error) {
	var (
		zero    R
		hops    []types.RetryEntry
		lastErr error
	)
	for i, rung := range l.rungs {
		var result R
		err := l.group.Get(rung.Name).Do(func() error {
			var callErr error
			result, callErr = fn(rung)
			return callErr
		})
		if err == nil {
			return result, hops, nil
		}
		lastErr = err

		reason := err.Error()
		if errors.Is(err, ErrBreakerOpen) {
			reason = "breaker_open"
			slog.Debug("ladder rung skipped", "stage", stage, "rung", rung.Name)
		} else {
			slog.Warn("ladder rung failed", "stage", stage, "rung", rung.Name, "error", err)
		}
		if i+1 < len(l.rungs) {
			hops = append(hops, types.RetryEntry{
				Stage:     stage,
				FromModel: rung.Model,
				ToModel:   l.rungs[i+1].Model,
				Reason:    reason,
			})
		}
	}
	return zero, hops, fmt.Errorf("%w: %v", ErrLadderExhausted, lastErr)
}
