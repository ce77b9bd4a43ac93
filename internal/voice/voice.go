// Package voice is the narrow seam to the speech stack. Playback itself
// lives outside this system; the orchestrator only needs somewhere to send
// final replies and the thinking cue, plus the pure tone helpers that keep
// spoken and written persona directives consistent.
package voice

import (
	"context"
	"strings"
)

// Speaker is the playback seam.
type Speaker interface {
	// Speak renders text with the named voice. Blocking is the
	// implementation's concern; the engine never waits on playback.
	Speak(ctx context.Context, text, voice string) error

	// PlayThinking starts the short thinking cue.
	PlayThinking(ctx context.Context) error
}

// Noop discards all playback. Used when no speech stack is wired.
type Noop struct{}

var _ Speaker = Noop{}

func (Noop) Speak(context.Context, string, string) error { return nil }
func (Noop) PlayThinking(context.Context) error          { return nil }

// knownTones is the accepted runtime tone vocabulary. Unknown input
// normalizes to neutral.
var knownTones = map[string]string{
	"neutral":      "neutral",
	"warm":         "warm",
	"friendly":     "warm",
	"professional": "professional",
	"formal":       "professional",
	"playful":      "playful",
	"funny":        "playful",
	"calm":         "calm",
	"soothing":     "calm",
	"energetic":    "energetic",
	"excited":      "energetic",
}

// NormalizeRuntimeTone maps a free-form tone request onto the supported
// vocabulary.
func NormalizeRuntimeTone(tone string) string {
	norm := strings.ToLower(strings.TrimSpace(tone))
	if mapped, ok := knownTones[norm]; ok {
		return mapped
	}
	return "neutral"
}

// toneDirectives render each supported tone as a persona directive.
var toneDirectives = map[string]string{
	"neutral":      "Keep an even, natural tone.",
	"warm":         "Speak warmly, like a close friend who is glad to help.",
	"professional": "Keep the tone crisp and professional.",
	"playful":      "Keep it light; a little wit is welcome.",
	"calm":         "Stay calm and unhurried, even for urgent asks.",
	"energetic":    "Bring energy; short, lively sentences.",
}

// RuntimeToneDirective renders the persona directive for a tone request.
func RuntimeToneDirective(tone string) string {
	return toneDirectives[NormalizeRuntimeTone(tone)]
}
