package engine

import "testing"

func TestBuildTurnPolicy_FastLane(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"hey nova", true},
		{"good morning", true},
		{"hey nova, how's it going", true},
		{"hello", true},
		{"what's the weather like", false},            // blocked keyword
		{"hey can you check the bitcoin price", false}, // blocked keyword
		{"explain the raft consensus protocol in detail please and thanks", false}, // too long
		{"play some jazz", false}, // blocked keyword
		{"", false},
	}
	for _, tt := range tests {
		got := BuildTurnPolicy(tt.text).FastLaneSimpleChat
		if got != tt.want {
			t.Errorf("FastLaneSimpleChat(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestBuildTurnPolicy_ToolLoopCandidate(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"summarize https://example.com/post", true},
		{"what's the latest news on fusion power", true},
		{"check my inbox for anything urgent", true},
		{"what is a monad", false},
		{"latest news, but don't browse the web", false},
	}
	for _, tt := range tests {
		got := BuildTurnPolicy(tt.text).ToolLoopCandidate
		if got != tt.want {
			t.Errorf("ToolLoopCandidate(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestBuildTurnPolicy_Intents(t *testing.T) {
	p := BuildTurnPolicy("what's the forecast in Denver tomorrow?")
	if !p.WeatherIntent {
		t.Error("forecast text missed weather intent")
	}

	p = BuildTurnPolicy("how is my crypto portfolio doing")
	if !p.CryptoIntent {
		t.Error("portfolio text missed crypto intent")
	}

	p = BuildTurnPolicy("do you remember what I told you about my sister?")
	if !p.MemoryRecallCandidate {
		t.Error("recall phrasing missed memory candidacy")
	}

	p = BuildTurnPolicy("read https://example.com and summarize")
	if !p.HasURL {
		t.Error("URL not detected")
	}
}

func TestBuildExecutionPolicy(t *testing.T) {
	tp := TurnPolicy{WebSearchIntent: true, HasURL: true, MemoryRecallCandidate: true}
	tools := map[string]bool{"web_search": true, "web_fetch": true}

	ep := BuildExecutionPolicy(tp, tools, true, true)
	if !ep.CanRunToolLoop || !ep.ShouldPreloadWebSearch || !ep.ShouldPreloadWebFetch || !ep.ShouldAttemptMemoryRecall {
		t.Errorf("ExecutionPolicy = %+v, want all capabilities on", ep)
	}

	// Fast-lane turns skip the preloads and recall.
	tp.FastLaneSimpleChat = true
	ep = BuildExecutionPolicy(tp, tools, true, true)
	if ep.ShouldPreloadWebSearch || ep.ShouldAttemptMemoryRecall {
		t.Errorf("fast-lane ExecutionPolicy = %+v, want preloads off", ep)
	}

	// No tools at all disables the loop.
	ep = BuildExecutionPolicy(tp, nil, true, true)
	if ep.CanRunToolLoop {
		t.Error("tool loop enabled with no tools available")
	}

	// Config kill switch wins.
	ep = BuildExecutionPolicy(tp, tools, false, true)
	if ep.CanRunToolLoop {
		t.Error("tool loop enabled against config")
	}
}
