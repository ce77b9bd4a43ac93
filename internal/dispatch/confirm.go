package dispatch

import (
	"strings"
	"sync"
	"time"
)

// ConfirmationKind names what a pending confirmation would execute.
type ConfirmationKind string

const (
	ConfirmWeather ConfirmationKind = "weather"
	ConfirmMission ConfirmationKind = "mission"
)

// PendingConfirmation arms a session to execute a prior intent on "yes".
type PendingConfirmation struct {
	Kind   ConfirmationKind
	Prompt string

	// SuggestedLocation carries the weather path's best location guess.
	SuggestedLocation string

	CreatedAt time.Time
}

// ConfirmStore is a process-wide TTL store of pending confirmations, keyed
// by session and kind. Only one pending per session per kind; Set
// overwrites. Losing the state is tolerable: the next turn simply
// re-requests confirmation.
type ConfirmStore struct {
	mu      sync.Mutex
	entries map[confirmKey]PendingConfirmation
	ttl     time.Duration
	now     func() time.Time
}

type confirmKey struct {
	session string
	kind    ConfirmationKind
}

// ConfirmOption configures a ConfirmStore.
type ConfirmOption func(*ConfirmStore)

// WithConfirmTTL overrides the default 10 minute lifetime.
func WithConfirmTTL(d time.Duration) ConfirmOption {
	return func(s *ConfirmStore) { s.ttl = d }
}

// WithConfirmClock injects a time source for tests.
func WithConfirmClock(now func() time.Time) ConfirmOption {
	return func(s *ConfirmStore) { s.now = now }
}

// NewConfirmStore creates an empty store with a 10 minute TTL.
func NewConfirmStore(opts ...ConfirmOption) *ConfirmStore {
	s := &ConfirmStore{
		entries: make(map[confirmKey]PendingConfirmation),
		ttl:     10 * time.Minute,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Set arms a pending confirmation, overwriting any prior one of the same
// kind for the session.
func (s *ConfirmStore) Set(sessionKey string, p PendingConfirmation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = s.now()
	s.entries[confirmKey{sessionKey, p.Kind}] = p
}

// Get returns the pending confirmation of the given kind. Expired entries
// are purged on read.
func (s *ConfirmStore) Get(sessionKey string, kind ConfirmationKind) (PendingConfirmation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := confirmKey{sessionKey, kind}
	p, ok := s.entries[k]
	if !ok {
		return PendingConfirmation{}, false
	}
	if s.now().Sub(p.CreatedAt) > s.ttl {
		delete(s.entries, k)
		return PendingConfirmation{}, false
	}
	return p, true
}

// Clear removes the pending confirmation of the given kind, if any.
func (s *ConfirmStore) Clear(sessionKey string, kind ConfirmationKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, confirmKey{sessionKey, kind})
}

// isAffirmative reports whether text is a yes-like reply. Trailing detail
// ("yes, Pittsburgh PA") still counts.
func isAffirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, p := range []string{"yes", "yeah", "yep", "sure", "go ahead", "do it", "confirm", "ok", "okay"} {
		if t == p || strings.HasPrefix(t, p+",") || strings.HasPrefix(t, p+" ") || strings.HasPrefix(t, p+".") {
			return true
		}
	}
	return false
}

// isNegative reports whether text is a no-like reply.
func isNegative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".!")
	switch t {
	case "no", "nope", "nah", "no thanks", "don't", "do not", "cancel":
		return true
	}
	return false
}

// affirmativeDetail strips the leading yes-word and returns any remaining
// detail text, e.g. "yes, Pittsburgh PA" → "Pittsburgh PA".
func affirmativeDetail(text string) string {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	for _, p := range []string{"yes", "yeah", "yep", "sure", "okay", "ok"} {
		if strings.HasPrefix(lower, p) {
			rest := strings.TrimSpace(t[len(p):])
			return strings.TrimSpace(strings.TrimLeft(rest, ",.:;-"))
		}
	}
	return ""
}
