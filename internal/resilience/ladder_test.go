package resilience

import (
	"errors"
	"testing"
)

func TestClimb_PrimarySucceeds(t *testing.T) {
	l := NewLadder(NewBreakerGroup(BreakerConfig{}),
		Rung[string]{Name: "openai", Model: "gpt-a", Value: "primary"},
		Rung[string]{Name: "claude", Model: "claude-b", Value: "backup"},
	)

	got, hops, err := Climb(l, "chat", func(r Rung[string]) (string, error) {
		return r.Value, nil
	})
	if err != nil {
		t.Fatalf("Climb: %v", err)
	}
	if got != "primary" || len(hops) != 0 {
		t.Errorf("got %q with %d hops, want primary with none", got, len(hops))
	}
}

func TestClimb_FailoverRecordsHop(t *testing.T) {
	l := NewLadder(NewBreakerGroup(BreakerConfig{}),
		Rung[string]{Name: "openai", Model: "gpt-a", Value: "primary"},
		Rung[string]{Name: "claude", Model: "claude-b", Value: "backup"},
	)

	got, hops, err := Climb(l, "chat_first_step", func(r Rung[string]) (string, error) {
		if r.Value == "primary" {
			return "", errors.New("connection reset")
		}
		return r.Value, nil
	})
	if err != nil {
		t.Fatalf("Climb: %v", err)
	}
	if got != "backup" {
		t.Errorf("got %q, want backup", got)
	}
	if len(hops) != 1 {
		t.Fatalf("hops = %d, want 1", len(hops))
	}
	hop := hops[0]
	if hop.Stage != "chat_first_step" || hop.FromModel != "gpt-a" || hop.ToModel != "claude-b" {
		t.Errorf("hop = %+v", hop)
	}
	if hop.Reason == "" {
		t.Error("hop reason empty")
	}
}

func TestClimb_AllFail(t *testing.T) {
	l := NewLadder(NewBreakerGroup(BreakerConfig{}), Rung[int]{Name: "only", Model: "m", Value: 1})

	_, hops, err := Climb(l, "chat", func(Rung[int]) (int, error) {
		return 0, errors.New("down")
	})
	if !errors.Is(err, ErrLadderExhausted) {
		t.Fatalf("err = %v, want ErrLadderExhausted", err)
	}
	if len(hops) != 0 {
		t.Errorf("hops = %d for a single-rung ladder, want 0", len(hops))
	}
}

func TestClimb_SkipsOpenBreakerRung(t *testing.T) {
	g := NewBreakerGroup(BreakerConfig{TripAfter: 1})
	if err := g.Get("openai").Do(func() error { return errors.New("down") }); err == nil {
		t.Fatal("tripping call did not fail")
	}
	if !g.Open("openai") {
		t.Fatal("breaker not open after trip")
	}

	l := NewLadder(g,
		Rung[string]{Name: "openai", Model: "gpt-a", Value: "primary"},
		Rung[string]{Name: "claude", Model: "claude-b", Value: "backup"},
	)
	var calls []string
	got, hops, err := Climb(l, "chat", func(r Rung[string]) (string, error) {
		calls = append(calls, r.Name)
		return r.Value, nil
	})
	if err != nil {
		t.Fatalf("Climb: %v", err)
	}
	if got != "backup" {
		t.Errorf("got %q, want the healthy backup", got)
	}
	if len(calls) != 1 || calls[0] != "claude" {
		t.Errorf("calls = %v, open rung was not skipped", calls)
	}
	if len(hops) != 1 || hops[0].Reason != "breaker_open" {
		t.Errorf("hops = %+v, want one breaker_open hop", hops)
	}
}

func TestBreakerGroup_SharesStateAcrossLadders(t *testing.T) {
	g := NewBreakerGroup(BreakerConfig{TripAfter: 2})

	fail := func(Rung[string]) (string, error) { return "", errors.New("down") }
	for i := 0; i < 2; i++ {
		l := NewLadder(g, Rung[string]{Name: "openai", Model: "m", Value: "p"})
		Climb(l, "chat", fail)
	}

	if !g.Open("openai") {
		t.Error("failures across separate ladders did not trip the shared breaker")
	}
}
