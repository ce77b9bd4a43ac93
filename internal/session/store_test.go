package session

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

func TestStore_AppendAndResolve(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if err := s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "user", Text: "hello"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if err := s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "assistant", Text: "hi there"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	sc, err := s.Resolve(ctx, "sess1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(sc.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(sc.Turns))
	}
	if sc.Turns[0].Role != "user" || sc.Turns[1].Role != "assistant" {
		t.Errorf("turn order wrong: %+v", sc.Turns)
	}
	if sc.Turns[0].Timestamp.IsZero() {
		t.Error("append did not stamp the turn")
	}
}

func TestStore_ResolveMissingSession(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	sc, err := s.Resolve(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(sc.Turns) != 0 || sc.SessionID != "nope" {
		t.Errorf("sc = %+v, want empty session", sc)
	}
}

func TestStore_PersistUsage(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ctx := context.Background()

	s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "user", Text: "q"})
	s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "assistant", Text: "a"})

	usage := types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	if err := s.PersistUsage(ctx, "sess1", "openai", "gpt-4o-mini", usage); err != nil {
		t.Fatalf("PersistUsage: %v", err)
	}

	sc, _ := s.Resolve(ctx, "sess1")
	last := sc.Turns[len(sc.Turns)-1]
	if last.Provider != "openai" || last.Model != "gpt-4o-mini" {
		t.Errorf("last turn = %+v, want provider annotations", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want persisted totals", last.Usage)
	}
	// The user turn is untouched.
	if sc.Turns[0].Usage != nil {
		t.Error("usage leaked onto the user turn")
	}
}

func TestStore_PersistUsageKeepsConcurrentAppends(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	ctx := context.Background()

	s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "user", Text: "q"})
	s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "assistant", Text: "a"})

	// Race appends against usage rewrites. Every appended turn must
	// survive: the rewrite may not erase writes it did not see.
	const iterations = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if err := s.AppendTurn(ctx, "sess1", types.TranscriptTurn{Role: "user", Text: "extra"}); err != nil {
				t.Errorf("AppendTurn: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if err := s.PersistUsage(ctx, "sess1", "openai", "gpt-4o-mini", types.Usage{TotalTokens: 1}); err != nil {
				t.Errorf("PersistUsage: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	sc, err := s.Resolve(ctx, "sess1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := 2 + iterations; len(sc.Turns) != want {
		t.Errorf("turns = %d, want %d (appends lost to usage rewrite)", len(sc.Turns), want)
	}
}

func TestLimitTurns(t *testing.T) {
	turns := []types.TranscriptTurn{{Text: "1"}, {Text: "2"}, {Text: "3"}}

	got := LimitTurns(turns, 2)
	if len(got) != 2 || got[0].Text != "2" {
		t.Errorf("LimitTurns = %+v, want newest two", got)
	}
	if got := LimitTurns(turns, 0); len(got) != 3 {
		t.Errorf("LimitTurns(0) trimmed: %+v", got)
	}
}

func TestToChatMessages(t *testing.T) {
	turns := []types.TranscriptTurn{
		{Role: "user", Text: "q"},
		{Role: "assistant", Text: ""},
		{Role: "assistant", Text: "a"},
	}
	got := ToChatMessages(turns)
	if len(got) != 2 {
		t.Fatalf("messages = %d, want empty turns dropped", len(got))
	}
	if got[1].Role != "assistant" || got[1].Content != "a" {
		t.Errorf("messages = %+v", got)
	}
}

func TestResolveUserContextID(t *testing.T) {
	in := types.TurnInput{UserContextID: "  User/One  "}
	if got := ResolveUserContextID(in); got != "user_one" {
		t.Errorf("ResolveUserContextID = %q, want user_one", got)
	}

	in = types.TurnInput{Source: "discord", SenderID: "42"}
	if got := ResolveUserContextID(in); got != "discord-42" {
		t.Errorf("ResolveUserContextID = %q, want discord-42", got)
	}

	anon := ResolveUserContextID(types.TurnInput{})
	if !strings.HasPrefix(anon, "anon-") {
		t.Errorf("ResolveUserContextID = %q, want anon fallback", anon)
	}
}
