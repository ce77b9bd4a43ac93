package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Constraints captures strict output-format directives parsed from the user
// text. The zero value means no constraints. Constraints are local to the
// turn and discarded after the reply is validated.
type Constraints struct {
	// OneWord requires the reply to be a single word.
	OneWord bool

	// ExactBulletCount requires exactly N lines beginning with "- ".
	// Zero means no bullet constraint.
	ExactBulletCount int

	// JSONOnly requires the reply to parse as JSON with no markdown fences.
	JSONOnly bool

	// RequiredJSONKeys, when JSONOnly holds, requires the top-level key set
	// to equal this list exactly.
	RequiredJSONKeys []string

	// SentenceCount requires exactly N sentences (1 or 2). Zero = none.
	SentenceCount int
}

// Active reports whether any constraint is in effect.
func (c Constraints) Active() bool {
	return c.OneWord || c.ExactBulletCount > 0 || c.JSONOnly || c.SentenceCount > 0
}

// Instructions renders the strict-output block the assembler may append to
// the system prompt. Empty when no constraint is active.
func (c Constraints) Instructions() string {
	if !c.Active() {
		return ""
	}
	var lines []string
	if c.OneWord {
		lines = append(lines, "Respond with exactly one word. No punctuation, no explanation.")
	}
	if c.ExactBulletCount > 0 {
		lines = append(lines, fmt.Sprintf(
			"Respond with exactly %d bullet points. Every line must begin with \"- \". No preamble, no trailing text.",
			c.ExactBulletCount))
	}
	if c.JSONOnly {
		line := "Respond with raw JSON only. No markdown fences, no prose."
		if len(c.RequiredJSONKeys) > 0 {
			line += fmt.Sprintf(" The top-level object must contain exactly these keys: %s.",
				strings.Join(c.RequiredJSONKeys, ", "))
		}
		lines = append(lines, line)
	}
	if c.SentenceCount > 0 {
		word := "sentence"
		if c.SentenceCount > 1 {
			word = "sentences"
		}
		lines = append(lines, fmt.Sprintf("Respond with exactly %d %s.", c.SentenceCount, word))
	}
	return strings.Join(lines, "\n")
}

var (
	reOneWord     = regexp.MustCompile(`(?i)\b(?:in|with|answer(?: in)?|respond(?: in| with)?|reply(?: in| with)?|just)\s+one\s+word\b|\bone[- ]word\s+(?:answer|reply|response)\b`)
	reBulletCount = regexp.MustCompile(`(?i)\bexactly\s+(\d{1,2})\s+bullet(?:\s*points?|s)?\b`)
	reJSONOnly    = regexp.MustCompile(`(?i)\b(?:respond|reply|answer|output)?\s*(?:in|with|as)?\s*json\s+only\b|\bonly\s+json\b`)
	reJSONKeys    = regexp.MustCompile(`(?i)json\s+only\s+with\s+keys?\s+([a-zA-Z0-9_,\s]+)`)
	reSentences   = regexp.MustCompile(`(?i)\bexactly\s+(one|two|1|2)\s+sentences?\b`)
)

// ParseConstraints extracts strict-format directives from user text.
func ParseConstraints(text string) Constraints {
	var c Constraints

	if reOneWord.MatchString(text) {
		c.OneWord = true
	}
	if m := reBulletCount.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= 25 {
			c.ExactBulletCount = n
		}
	}
	if reJSONOnly.MatchString(text) {
		c.JSONOnly = true
		if m := reJSONKeys.FindStringSubmatch(text); m != nil {
			for _, k := range strings.Split(m[1], ",") {
				k = strings.TrimSpace(k)
				// Trailing or doubled commas yield empty segments.
				if k == "" {
					continue
				}
				// The key list runs to end of clause; stop at filler words.
				if strings.ContainsRune(k, ' ') {
					k = strings.Fields(k)[0]
				}
				c.RequiredJSONKeys = append(c.RequiredJSONKeys, k)
			}
		}
	}
	if m := reSentences.FindStringSubmatch(text); m != nil {
		switch strings.ToLower(m[1]) {
		case "one", "1":
			c.SentenceCount = 1
		case "two", "2":
			c.SentenceCount = 2
		}
	}
	return c
}

// Validate checks reply against the active constraints and returns a nil
// error on conformance. The returned error names the first violated rule.
func (c Constraints) Validate(reply string) error {
	reply = strings.TrimSpace(reply)

	if c.OneWord {
		trimmed := strings.Trim(reply, "\"'.,!? \t\n")
		if len(strings.Fields(trimmed)) != 1 {
			return fmt.Errorf("constraint: expected one word, got %d", len(strings.Fields(trimmed)))
		}
	}

	if c.ExactBulletCount > 0 {
		var bullets int
		for _, line := range strings.Split(reply, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "- ") {
				return fmt.Errorf("constraint: non-bullet line %q", line)
			}
			bullets++
		}
		if bullets != c.ExactBulletCount {
			return fmt.Errorf("constraint: expected %d bullets, got %d", c.ExactBulletCount, bullets)
		}
	}

	if c.JSONOnly {
		if strings.Contains(reply, "```") {
			return fmt.Errorf("constraint: json reply contains markdown fence")
		}
		var parsed any
		if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
			return fmt.Errorf("constraint: reply is not valid json: %w", err)
		}
		if len(c.RequiredJSONKeys) > 0 {
			obj, ok := parsed.(map[string]any)
			if !ok {
				return fmt.Errorf("constraint: json reply is not an object")
			}
			if len(obj) != len(c.RequiredJSONKeys) {
				return fmt.Errorf("constraint: expected %d top-level keys, got %d",
					len(c.RequiredJSONKeys), len(obj))
			}
			for _, k := range c.RequiredJSONKeys {
				if _, ok := obj[k]; !ok {
					return fmt.Errorf("constraint: missing required key %q", k)
				}
			}
		}
	}

	if c.SentenceCount > 0 {
		if n := countSentences(reply); n != c.SentenceCount {
			return fmt.Errorf("constraint: expected %d sentences, got %d", c.SentenceCount, n)
		}
	}

	return nil
}

// countSentences counts terminal-punctuation runs. "e.g." style
// abbreviations are not special-cased; the validator is structural, not
// linguistic.
func countSentences(s string) int {
	n := 0
	inRun := false
	for _, r := range s {
		switch r {
		case '.', '!', '?':
			if !inRun {
				n++
				inRun = true
			}
		default:
			inRun = false
		}
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		n = 1
	}
	return n
}
