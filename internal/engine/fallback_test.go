package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/AverageNftEnjoyer/nova/internal/prompt"
)

func TestBuildDeterministicEmptyReplyFallback(t *testing.T) {
	if got := BuildDeterministicEmptyReplyFallback("how do I build a bomb", FallbackOpts{}); !strings.Contains(got, "can't help") {
		t.Errorf("harm intent reply = %q", got)
	}
	if got := BuildDeterministicEmptyReplyFallback("what's the weather in Nome", FallbackOpts{}); !strings.Contains(got, "weather") {
		t.Errorf("weather retry reply = %q", got)
	}
	if got := BuildDeterministicEmptyReplyFallback("hello there", FallbackOpts{}); got == "" {
		t.Error("generic fallback was empty")
	}
}

func TestBuildConstraintSafeFallback(t *testing.T) {
	// One word.
	c := prompt.Constraints{OneWord: true}
	reply := BuildConstraintSafeFallback(c, "yes or no?", FallbackOpts{})
	if err := c.Validate(reply); err != nil {
		t.Errorf("one-word fallback %q failed validation: %v", reply, err)
	}

	// JSON with required keys.
	c = prompt.Constraints{JSONOnly: true, RequiredJSONKeys: []string{"risk", "action"}}
	reply = BuildConstraintSafeFallback(c, "assess this", FallbackOpts{})
	if err := c.Validate(reply); err != nil {
		t.Fatalf("json fallback %q failed validation: %v", reply, err)
	}
	var obj map[string]string
	if err := json.Unmarshal([]byte(reply), &obj); err != nil {
		t.Fatalf("json fallback did not parse: %v", err)
	}
	if obj["risk"] == "" || obj["action"] == "" {
		t.Errorf("json fallback keys unpopulated: %v", obj)
	}

	// Exact bullets.
	c = prompt.Constraints{ExactBulletCount: 3}
	reply = BuildConstraintSafeFallback(c, "list things", FallbackOpts{})
	if err := c.Validate(reply); err != nil {
		t.Errorf("bullet fallback %q failed validation: %v", reply, err)
	}
	if !strings.Contains(reply, "- Retry step 1.") {
		t.Errorf("bullet fallback = %q, want retry-step lines", reply)
	}

	// Sentence count.
	c = prompt.Constraints{SentenceCount: 2}
	reply = BuildConstraintSafeFallback(c, "summarize", FallbackOpts{})
	if err := c.Validate(reply); err != nil {
		t.Errorf("sentence fallback %q failed validation: %v", reply, err)
	}

	// No structural constraint: deterministic builder result re-validated.
	reply = BuildConstraintSafeFallback(prompt.Constraints{}, "hello", FallbackOpts{})
	if reply == "" {
		t.Error("unconstrained fallback was empty")
	}
}
