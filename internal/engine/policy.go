// Package engine implements the chat execution pipeline: turn policy,
// fast-path detection, prompt assembly with parallel enrichment, the
// provider call in its three modes, the guardrailed tool loop, and the
// recovery and fallback passes that guarantee every turn ends with a reply.
package engine

import (
	"regexp"
	"strings"
)

// TurnPolicy is derived purely from the utterance. No I/O.
type TurnPolicy struct {
	FastLaneSimpleChat    bool
	WeatherIntent         bool
	CryptoIntent          bool
	ToolLoopCandidate     bool
	MemoryRecallCandidate bool

	// HasURL and WebSearchIntent are capability hints consumed by the
	// execution-policy intersection and the enrichment fan-out.
	HasURL          bool
	WebSearchIntent bool
}

// ExecutionPolicy is the turn policy intersected with what the tool runtime
// actually offers this turn.
type ExecutionPolicy struct {
	CanRunToolLoop            bool
	CanRunWebSearch           bool
	CanRunWebFetch            bool
	ShouldPreloadWebSearch    bool
	ShouldPreloadWebFetch     bool
	ShouldAttemptMemoryRecall bool
}

const (
	fastLaneMaxChars = 42
	fastLaneMaxWords = 8
)

// fastLaneGreetings is the allowed set for the short-greeting lane. The
// normalized utterance must either equal an entry or open with one and stay
// within the word cap.
var fastLaneGreetings = map[string]bool{
	"hey": true, "hi": true, "hello": true, "yo": true, "sup": true,
	"hey nova": true, "hi nova": true, "hello nova": true,
	"good morning": true, "good afternoon": true, "good evening": true, "good night": true,
	"what's up": true, "whats up": true, "how are you": true, "how's it going": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true, "nice": true, "cool": true,
}

// fastLaneBlocked keywords disqualify the fast lane even inside a short
// utterance.
var fastLaneBlocked = []string{
	"weather", "price", "search", "http", "remember", "mission", "mail", "play",
}

// BuildTurnPolicy derives the routing hints for one utterance.
func BuildTurnPolicy(text string) TurnPolicy {
	norm := normalizeText(text)
	return TurnPolicy{
		FastLaneSimpleChat:    isFastLaneSimpleChat(norm),
		WeatherIntent:         isWeatherIntent(norm),
		CryptoIntent:          isCryptoIntent(norm),
		ToolLoopCandidate:     isToolLoopCandidate(norm),
		MemoryRecallCandidate: isMemoryRecallCandidate(norm),
		HasURL:                containsURL(text),
		WebSearchIntent:       isWebSearchIntent(norm),
	}
}

// BuildExecutionPolicy intersects the turn policy with the tools available
// this turn. availableTools maps tool name to presence; toolLoopEnabled and
// memoryLoopEnabled come from config.
func BuildExecutionPolicy(p TurnPolicy, availableTools map[string]bool, toolLoopEnabled, memoryLoopEnabled bool) ExecutionPolicy {
	webSearch := availableTools["web_search"]
	webFetch := availableTools["web_fetch"]
	return ExecutionPolicy{
		CanRunToolLoop:            toolLoopEnabled && len(availableTools) > 0,
		CanRunWebSearch:           webSearch,
		CanRunWebFetch:            webFetch,
		ShouldPreloadWebSearch:    webSearch && p.WebSearchIntent && !p.FastLaneSimpleChat,
		ShouldPreloadWebFetch:     webFetch && p.HasURL,
		ShouldAttemptMemoryRecall: memoryLoopEnabled && p.MemoryRecallCandidate && !p.FastLaneSimpleChat,
	}
}

func isFastLaneSimpleChat(norm string) bool {
	if len(norm) > fastLaneMaxChars {
		return false
	}
	words := strings.Fields(norm)
	if len(words) == 0 || len(words) > fastLaneMaxWords {
		return false
	}
	for _, kw := range fastLaneBlocked {
		if strings.Contains(norm, kw) {
			return false
		}
	}
	if fastLaneGreetings[norm] {
		return true
	}
	// "hey nova, how's your day" still qualifies when it opens with a
	// greeting and stays short.
	for g := range fastLaneGreetings {
		if strings.HasPrefix(norm, g+" ") || strings.HasPrefix(norm, g+",") {
			return true
		}
	}
	return false
}

var reURL = regexp.MustCompile(`https?://[^\s]+`)

func containsURL(text string) bool { return reURL.MatchString(text) }

var webSearchCues = []string{
	"latest", "news", "current", "today's", "right now", "search for",
	"look up", "look it up", "google", "what happened", "score", "stock",
}

func isWebSearchIntent(norm string) bool {
	for _, cue := range webSearchCues {
		if strings.Contains(norm, cue) {
			return true
		}
	}
	return false
}

var noBrowseCues = []string{
	"don't browse", "dont browse", "no web", "without searching",
	"don't search", "dont search", "from memory only",
}

var toolIntentCues = []string{
	"run ", "repo", "github", "pull request", "commit", "use the", "check my",
	"my inbox", "my email", "my calendar", "fetch", "summarize this page",
}

func isToolLoopCandidate(norm string) bool {
	for _, cue := range noBrowseCues {
		if strings.Contains(norm, cue) {
			return false
		}
	}
	if containsURL(norm) || isWebSearchIntent(norm) {
		return true
	}
	for _, cue := range toolIntentCues {
		if strings.Contains(norm, cue) {
			return true
		}
	}
	return false
}

var memoryRecallCues = []string{
	"remember", "last time", "what did i", "did i tell you", "my preference",
	"we talked about", "you said", "previously",
}

func isMemoryRecallCandidate(norm string) bool {
	for _, cue := range memoryRecallCues {
		if strings.Contains(norm, cue) {
			return true
		}
	}
	return false
}

// normalizeText lowercases and collapses whitespace.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
