// Package hotctx maintains Nova's short-term conversational context: per
// (user, conversation, domain) follow-up slots that let the dispatcher route
// refinements ("make it 9am instead") without re-asking for the full intent.
//
// Entries expire lazily on read. The store is process-wide, guarded by a
// coarse lock on write, and owned by the composition root.
package hotctx

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Domain partitions short-term context by intent family.
type Domain string

const (
	DomainAssistant Domain = "assistant"
	DomainMission   Domain = "mission_task"
	DomainCrypto    Domain = "crypto"
)

// State is one short-term context entry.
type State struct {
	// TopicAffinityID groups related turns (e.g. a coin symbol or a mission
	// draft id).
	TopicAffinityID string

	// Slots carries the captured follow-up material, typically
	// "last_user" and "last_assistant" excerpts.
	Slots map[string]string

	// UpdatedAt stamps the last upsert; lazily expired on read.
	UpdatedAt time.Time
}

// key identifies one (user, conversation, domain) entry.
type key struct {
	user         string
	conversation string
	domain       Domain
}

// Store is the process-wide short-term context registry.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[key]State
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Store during construction.
type Option func(*Store)

// WithTTL overrides the default 10 minute entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Store) { s.ttl = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty Store with a 10 minute TTL.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[key]State),
		ttl:     10 * time.Minute,
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert writes the state for (user, conversation, domain), overwriting any
// prior entry. Called after successful assistant turns.
func (s *Store) Upsert(user, conversation string, domain Domain, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = s.now()
	if state.Slots == nil {
		state.Slots = map[string]string{}
	}
	s.entries[key{user, conversation, domain}] = state
}

// Get returns the entry for (user, conversation, domain). Expired entries
// are purged on read. Absence is normal and returns ok=false.
func (s *Store) Get(user, conversation string, domain Domain) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{user, conversation, domain}
	st, ok := s.entries[k]
	if !ok {
		return State{}, false
	}
	if s.now().Sub(st.UpdatedAt) > s.ttl {
		delete(s.entries, k)
		return State{}, false
	}
	return st, true
}

// Clear removes the entry for (user, conversation, domain).
func (s *Store) Clear(user, conversation string, domain Domain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key{user, conversation, domain})
}

// Primary returns the freshest non-expired entry among the mission and
// crypto domains for (user, conversation). Mission wins timestamp ties.
func (s *Store) Primary(user, conversation string) (Domain, State, bool) {
	mission, okM := s.Get(user, conversation, DomainMission)
	crypto, okC := s.Get(user, conversation, DomainCrypto)

	switch {
	case okM && okC:
		if mission.UpdatedAt.Before(crypto.UpdatedAt) {
			return DomainCrypto, crypto, true
		}
		return DomainMission, mission, true
	case okM:
		return DomainMission, mission, true
	case okC:
		return DomainCrypto, crypto, true
	default:
		return "", State{}, false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Domain policies
// ─────────────────────────────────────────────────────────────────────────────

// Policy classifies a new utterance relative to an existing context entry.
// Implementations are pure; they never touch the store.
type Policy interface {
	// Domain names the policy's domain.
	Domain() Domain

	// IsCancel reports whether text cancels the pending context.
	IsCancel(text string) bool

	// IsNewTopic reports whether text abandons the pending context.
	IsNewTopic(text string) bool

	// IsNonCriticalFollowUp reports whether text refines the pending context
	// without requiring a fresh confirmation round.
	IsNonCriticalFollowUp(text string) bool

	// ResolveTopicAffinityID derives the affinity id from text, or "".
	ResolveTopicAffinityID(text string) string
}

// cancelPhrases are shared across domains.
var cancelPhrases = []string{
	"cancel", "never mind", "nevermind", "forget it", "forget that",
	"scrap that", "drop it", "stop",
}

func isCancelPhrase(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".!")
	for _, p := range cancelPhrases {
		if t == p || t == p+" please" {
			return true
		}
	}
	return false
}

// MissionPolicy classifies mission-task follow-ups: schedule, channel, and
// delivery refinements on a pending mission draft.
type MissionPolicy struct{}

func (MissionPolicy) Domain() Domain { return DomainMission }

func (MissionPolicy) IsCancel(text string) bool { return isCancelPhrase(text) }

func (MissionPolicy) IsNewTopic(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "new mission") || strings.Contains(t, "different mission")
}

var (
	missionFollowUpCues = []string{
		"instead", "make it", "change it to", "change that to", "actually",
		"on telegram", "on discord", "via email", "every ", "daily", "weekly",
	}
	reClockTime = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s*(?:am|pm)\b`)
)

func (MissionPolicy) IsNonCriticalFollowUp(text string) bool {
	t := strings.ToLower(text)
	if len(strings.Fields(t)) > 16 {
		return false
	}
	if reClockTime.MatchString(t) {
		return true
	}
	for _, cue := range missionFollowUpCues {
		if strings.Contains(t, cue) {
			return true
		}
	}
	return false
}

func (MissionPolicy) ResolveTopicAffinityID(string) string { return "mission_draft" }

// CryptoPolicy classifies crypto follow-ups: coin swaps and report
// refinements on a prior report.
type CryptoPolicy struct{}

func (CryptoPolicy) Domain() Domain { return DomainCrypto }

func (CryptoPolicy) IsCancel(text string) bool { return isCancelPhrase(text) }

func (CryptoPolicy) IsNewTopic(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "weather") || strings.Contains(t, "mission")
}

var cryptoFollowUpCues = []string{
	"what about", "how about", "same for", "compare", "in usd", "in eur",
}

func (CryptoPolicy) IsNonCriticalFollowUp(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if len(strings.Fields(t)) > 10 {
		return false
	}
	if strings.HasPrefix(t, "and ") {
		return true
	}
	for _, cue := range cryptoFollowUpCues {
		if strings.Contains(t, cue) {
			return true
		}
	}
	return false
}

func (CryptoPolicy) ResolveTopicAffinityID(text string) string {
	t := strings.ToLower(text)
	for _, coin := range []string{"bitcoin", "btc", "ethereum", "eth", "solana", "sol", "dogecoin", "doge"} {
		if strings.Contains(t, coin) {
			return coin
		}
	}
	return ""
}

// AssistantPolicy classifies generic chat follow-ups. Its non-critical
// follow-up signal decides whether the prior exchange is replayed into the
// prompt as short-term context.
type AssistantPolicy struct{}

func (AssistantPolicy) Domain() Domain { return DomainAssistant }

func (AssistantPolicy) IsCancel(text string) bool { return isCancelPhrase(text) }

func (AssistantPolicy) IsNewTopic(text string) bool {
	t := strings.ToLower(text)
	return strings.HasPrefix(t, "new topic") || strings.HasPrefix(t, "different question")
}

// Phrase cues match anywhere; pronoun cues must be whole words so "it"
// never fires inside "bitcoin".
var (
	assistantPhraseCues = []string{"what about", "how come", "and then", "more detail"}
	assistantWordCues   = map[string]bool{
		"why": true, "expand": true, "shorter": true, "longer": true,
		"again": true, "that": true, "it": true, "those": true, "them": true,
	}
)

func (AssistantPolicy) IsNonCriticalFollowUp(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	words := strings.Fields(t)
	if len(words) == 0 || len(words) > 12 {
		return false
	}
	for _, cue := range assistantPhraseCues {
		if strings.Contains(t, cue) {
			return true
		}
	}
	for _, w := range words {
		if assistantWordCues[strings.Trim(w, ".,!?")] {
			return true
		}
	}
	return false
}

func (AssistantPolicy) ResolveTopicAffinityID(string) string { return "" }
