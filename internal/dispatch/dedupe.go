package dispatch

import (
	"strings"
	"sync"
	"time"
)

// DedupeFilter debounces identical consecutive utterances from the same
// (source, sender, user, session) within a short window. Transport layers
// occasionally deliver the same inbound twice (HUD reconnects, Discord
// retries); the filter keeps the second copy out of the engine.
//
// Intent carve-outs are the caller's job: the dispatcher consults its
// carve-out predicates before asking the filter.
type DedupeFilter struct {
	mu      sync.Mutex
	entries map[dedupeKey]dedupeEntry
	window  time.Duration
	now     func() time.Time
}

type dedupeKey struct {
	source  string
	sender  string
	user    string
	session string
}

type dedupeEntry struct {
	text string
	seen time.Time
}

// DedupeOption configures a DedupeFilter.
type DedupeOption func(*DedupeFilter)

// WithDedupeWindow overrides the default 2.5 second window.
func WithDedupeWindow(d time.Duration) DedupeOption {
	return func(f *DedupeFilter) { f.window = d }
}

// WithDedupeClock injects a time source for tests.
func WithDedupeClock(now func() time.Time) DedupeOption {
	return func(f *DedupeFilter) { f.now = now }
}

// NewDedupeFilter creates a filter with a 2.5 second window.
func NewDedupeFilter(opts ...DedupeOption) *DedupeFilter {
	f := &DedupeFilter{
		entries: make(map[dedupeKey]dedupeEntry),
		window:  2500 * time.Millisecond,
		now:     time.Now,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// ShouldSkip records the utterance and reports whether it duplicates the
// previous one from the same scope within the window. The record is always
// refreshed, so a burst of N identical sends skips N-1.
func (f *DedupeFilter) ShouldSkip(source, sender, user, session, text string) bool {
	norm := normalizeUtterance(text)
	if norm == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	k := dedupeKey{source, sender, user, session}
	now := f.now()
	prev, ok := f.entries[k]
	f.entries[k] = dedupeEntry{text: norm, seen: now}

	return ok && prev.text == norm && now.Sub(prev.seen) <= f.window
}

// normalizeUtterance lowercases and collapses whitespace so that retries
// with cosmetic differences still match.
func normalizeUtterance(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
