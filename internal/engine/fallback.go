package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AverageNftEnjoyer/nova/internal/prompt"
)

// The fallback builders convert an empty or failed generation into a
// deterministic, user-facing reply. The constraint-safe layer runs first
// when output constraints are active; it must produce text that passes the
// same validator the real reply would have faced.

// FallbackOpts tunes the builders.
type FallbackOpts struct {
	// Strict marks a strict-output turn; replies stay terse.
	Strict bool
}

// BuildDeterministicEmptyReplyFallback picks a reply for a turn whose
// generation yielded nothing, from heuristic intent buckets.
func BuildDeterministicEmptyReplyFallback(text string, opts FallbackOpts) string {
	norm := normalizeText(text)

	switch {
	case containsAny(norm, "weapon", "bomb", "explosive", "hurt someone", "kill"):
		return "I can't help with anything intended to harm people. If there's a safe angle you're after, tell me more and I'll help with that."
	case containsAny(norm, "diagnose", "symptom", "medication", "dosage", "overdose"):
		return "I couldn't produce a solid answer just now, and for health questions you should rely on a medical professional rather than a retry from me."
	case isWeatherIntent(norm):
		return "The weather lookup came back empty. Ask me again in a moment and I'll retry it."
	case opts.Strict:
		return "Please retry that request."
	default:
		return "Something went sideways while generating that reply. Please send the request once more and I'll take another run at it."
	}
}

// BuildConstraintSafeFallback produces a reply that satisfies the active
// output constraints. Falls through to the deterministic builder (and
// re-validates) when no structural constraint applies.
func BuildConstraintSafeFallback(c prompt.Constraints, text string, opts FallbackOpts) string {
	switch {
	case c.OneWord:
		return "Acknowledged"

	case c.JSONOnly:
		obj := map[string]string{}
		if len(c.RequiredJSONKeys) > 0 {
			for _, k := range c.RequiredJSONKeys {
				obj[k] = "unavailable"
			}
		} else {
			obj["status"] = "retry"
		}
		raw, err := json.Marshal(obj)
		if err != nil {
			return `{"status":"retry"}`
		}
		return string(raw)

	case c.ExactBulletCount > 0:
		lines := make([]string, c.ExactBulletCount)
		for i := range lines {
			lines[i] = fmt.Sprintf("- Retry step %d.", i+1)
		}
		return strings.Join(lines, "\n")

	case c.SentenceCount > 0:
		sentences := []string{"That reply failed to generate."}
		if c.SentenceCount >= 2 {
			sentences = append(sentences, "Please send the request again.")
		}
		return strings.Join(sentences[:c.SentenceCount], " ")

	default:
		reply := BuildDeterministicEmptyReplyFallback(text, opts)
		if err := c.Validate(reply); err != nil {
			return "Please retry that request."
		}
		return reply
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
