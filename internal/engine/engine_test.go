package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/internal/providers"
	"github.com/AverageNftEnjoyer/nova/internal/tools"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm/mock"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// ─── test doubles ────────────────────────────────────────────────────────────

type stubSnapshots struct {
	snap *providers.Snapshot
	err  error
}

func (s stubSnapshots) Get(context.Context, string) (*providers.Snapshot, error) {
	return s.snap, s.err
}

func openAISnapshot() *providers.Snapshot {
	return &providers.Snapshot{Integrations: []providers.Integration{{
		Name:          "openai",
		Connected:     true,
		Enabled:       true,
		APIKey:        "sk-test",
		DefaultModel:  "gpt-4o-mini",
		SupportsTools: true,
	}}}
}

type stubFactory struct {
	p   llm.Provider
	err error
}

func (f stubFactory) Build(*providers.ChatRuntime) (llm.Provider, error) { return f.p, f.err }

type stubBroadcast struct {
	deltas   []string
	messages []string
	started  []string
	done     []string
	usage    int
	hudToken string
}

func (b *stubBroadcast) Thinking(string)                  {}
func (b *stubBroadcast) Message(text string)              { b.messages = append(b.messages, text) }
func (b *stubBroadcast) StreamStart(id string)            { b.started = append(b.started, id) }
func (b *stubBroadcast) StreamDelta(_, delta string)      { b.deltas = append(b.deltas, delta) }
func (b *stubBroadcast) StreamDone(id string)             { b.done = append(b.done, id) }
func (b *stubBroadcast) EmitUsage(_, _ string, _ types.Usage, _ float64) { b.usage++ }
func (b *stubBroadcast) ConsumeHudOpToken(token string) bool {
	if token == "" || token != b.hudToken {
		return false
	}
	b.hudToken = ""
	return true
}

type stubWeatherSvc struct {
	summary string
	err     error
}

func (s stubWeatherSvc) Lookup(context.Context, string) (string, error) {
	return s.summary, s.err
}

func testEngine(t *testing.T, p llm.Provider, mutate func(*Deps)) (*Engine, *stubBroadcast) {
	t.Helper()
	b := &stubBroadcast{}
	d := Deps{
		Config:    config.Default(),
		Snapshots: stubSnapshots{snap: openAISnapshot()},
		Factory:   stubFactory{p: p},
		Broadcast: b,
	}
	if mutate != nil {
		mutate(&d)
	}
	return New(d), b
}

func turn(text string) types.TurnInput {
	return types.TurnInput{
		Text:          text,
		Source:        "hud",
		UserContextID: "user-1",
		SessionKey:    "",
	}
}

func stopChunk(usage types.Usage) llm.Chunk {
	return llm.Chunk{FinishReason: "stop", Usage: &usage}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestRun_StreamsReplyWithDeltas(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Lighthouses "},
		{Text: "rotate their lenses."},
		stopChunk(types.Usage{PromptTokens: 20, CompletionTokens: 6, TotalTokens: 26}),
	}}
	e, b := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("tell me something interesting about lighthouses"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.OK || sum.Route != RouteChatStream {
		t.Errorf("OK = %v, Route = %q", sum.OK, sum.Route)
	}
	if sum.Reply != "Lighthouses rotate their lenses." {
		t.Errorf("Reply = %q", sum.Reply)
	}
	if len(b.deltas) != 2 || len(b.started) != 1 || len(b.done) != 1 {
		t.Errorf("broadcast deltas=%d started=%d done=%d", len(b.deltas), len(b.started), len(b.done))
	}
	if sum.Usage.TotalTokens != 26 || b.usage != 1 {
		t.Errorf("usage = %+v, emitted %d times", sum.Usage, b.usage)
	}
	if _, ok := sum.LatencyStages["provider_call"]; !ok {
		t.Errorf("LatencyStages = %v, missing provider_call", sum.LatencyStages)
	}
}

func TestRun_FastLaneShrinksCompletionCap(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hey! All good here."},
		stopChunk(types.Usage{}),
	}}
	e, _ := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("hey nova"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteFastLane {
		t.Errorf("Route = %q, want %q", sum.Route, RouteFastLane)
	}
	req := p.StreamCalls[0].Req
	if want := config.Default().Prompt.FastLaneMaxCompletionTokens; req.MaxTokens != want {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, want)
	}
}

func TestRun_ProviderResolutionErrorEscapes(t *testing.T) {
	e, _ := testEngine(t, &mock.Provider{}, func(d *Deps) {
		d.Snapshots = stubSnapshots{snap: &providers.Snapshot{}}
	})

	if _, err := e.Run(context.Background(), turn("hello there friend")); !errors.Is(err, providers.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestRun_StrictConstraintUsesNonStreamingCall(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: "Yes", FinishReason: "stop"},
	}}
	e, b := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("answer in one word: is the sky blue?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteChatStrict || sum.Reply != "Yes" {
		t.Errorf("Route = %q, Reply = %q", sum.Route, sum.Reply)
	}
	if sum.ConstraintCorrections != 0 {
		t.Errorf("ConstraintCorrections = %d, want 0", sum.ConstraintCorrections)
	}
	if len(p.StreamCalls) != 0 {
		t.Error("strict turn used the streaming call")
	}
	// The reply still reaches HUD clients inside one stream envelope.
	if len(b.started) != 1 || len(b.done) != 1 {
		t.Errorf("started = %d, done = %d, want one envelope", len(b.started), len(b.done))
	}
	if len(b.messages) != 1 || b.messages[0] != "Yes" {
		t.Errorf("messages = %v, want the strict reply broadcast", b.messages)
	}
}

func TestRun_ConstraintViolationTriggersOneCorrection(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: "Yes, the sky is definitely blue.", FinishReason: "stop"},
		{Content: "Yes", FinishReason: "stop"},
	}}
	e, _ := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("answer in one word: is the sky blue?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.ConstraintCorrections != 1 || sum.Reply != "Yes" {
		t.Errorf("corrections = %d, Reply = %q", sum.ConstraintCorrections, sum.Reply)
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("Complete called %d times, want 2", len(p.CompleteCalls))
	}
	// The correction request carries the violating reply and the rewrite
	// instruction.
	msgs := p.CompleteCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "Rewrite") {
		t.Errorf("correction message = %+v", last)
	}
}

func TestRun_ToolLoopRoute(t *testing.T) {
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (string, error) {
			return "1. Go 1.26 released", nil
		},
	})
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"go release"}`}}, FinishReason: "tool_calls"},
		{Content: "Go 1.26 is out.", FinishReason: "stop"},
	}}
	e, _ := testEngine(t, p, func(d *Deps) { d.Tools = r })

	sum, err := e.Run(context.Background(), turn("search for the latest golang release notes"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteChatToolLoop || sum.Reply != "Go 1.26 is out." {
		t.Errorf("Route = %q, Reply = %q", sum.Route, sum.Reply)
	}
	var loopRecord bool
	for _, call := range sum.ToolCalls {
		if call.Name == "web_search" && call.Status == "ok" {
			loopRecord = true
		}
	}
	if !loopRecord {
		t.Errorf("ToolCalls = %+v, missing web_search record", sum.ToolCalls)
	}
	if !sum.WebContextUsed {
		t.Error("web preload did not land in the prompt")
	}
}

func TestRun_EmptyStreamFallsBackDeterministically(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{stopChunk(types.Usage{})}}
	e, b := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("tell me about the history of semaphores"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Reply == "" {
		t.Fatal("empty reply delivered")
	}
	if sum.FallbackStage != "deterministic" || sum.FallbackReason != "empty_reply" {
		t.Errorf("FallbackStage = %q, FallbackReason = %q", sum.FallbackStage, sum.FallbackReason)
	}
	if sum.HadCandidateReply {
		t.Error("HadCandidateReply = true for an empty stream")
	}
	// The synthesized text goes out on the open stream before it closes.
	if len(b.deltas) == 0 || b.deltas[len(b.deltas)-1] != sum.Reply {
		t.Errorf("deltas = %v, fallback text not delivered on the stream", b.deltas)
	}
}

func TestRun_RefusalRecoveryAppendsLiveResults(t *testing.T) {
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (string, error) {
			return "1. Markets closed higher today", nil
		},
	})
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "I don't have access to the internet, sorry."},
		stopChunk(types.Usage{}),
	}}
	e, _ := testEngine(t, p, func(d *Deps) { d.Tools = r })

	sum, err := e.Run(context.Background(), turn("how are the markets doing"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(sum.Reply, "I do have live web access") {
		t.Errorf("Reply = %q, missing correction", sum.Reply)
	}
	if !strings.Contains(sum.Reply, "Markets closed higher") {
		t.Errorf("Reply = %q, missing search results", sum.Reply)
	}
}

func TestRun_WeatherConfirmPromptArmsCallback(t *testing.T) {
	var armedKey string
	e, _ := testEngine(t, &mock.Provider{}, func(d *Deps) {
		d.Weather = NewWeatherFastPath(stubWeatherSvc{summary: "Sunny, 22C"}, time.Second)
		d.ArmWeatherConfirm = func(sessionKey, _ string) { armedKey = sessionKey }
	})
	in := turn("what's the weather like?")
	in.SessionKey = "sess-9"

	sum, err := e.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteWeatherConfirmPrompt {
		t.Errorf("Route = %q, want %q", sum.Route, RouteWeatherConfirmPrompt)
	}
	if armedKey != "sess-9" {
		t.Errorf("armed session = %q, want sess-9", armedKey)
	}
	if !strings.Contains(sum.Reply, "city") {
		t.Errorf("Reply = %q, want a location prompt", sum.Reply)
	}
}

func TestRun_WeatherFastPathWithLocation(t *testing.T) {
	p := &mock.Provider{}
	e, _ := testEngine(t, p, func(d *Deps) {
		d.Weather = NewWeatherFastPath(stubWeatherSvc{summary: "Sunny, 22C"}, time.Second)
	})

	sum, err := e.Run(context.Background(), turn("what's the weather in Lisbon?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteWeatherFastPath || !strings.Contains(sum.Reply, "Sunny") {
		t.Errorf("Route = %q, Reply = %q", sum.Route, sum.Reply)
	}
	if len(p.StreamCalls)+len(p.CompleteCalls) != 0 {
		t.Error("fast path still called the provider")
	}
	if len(sum.ToolCalls) != 1 || sum.ToolCalls[0].Name != "weather_lookup" {
		t.Errorf("ToolCalls = %+v", sum.ToolCalls)
	}
}

func TestConfirmedWeather(t *testing.T) {
	e, _ := testEngine(t, &mock.Provider{}, func(d *Deps) {
		d.Weather = NewWeatherFastPath(stubWeatherSvc{summary: "Rain, 14C"}, time.Second)
	})

	sum, err := e.ConfirmedWeather(context.Background(), turn("Porto"), "Porto")
	if err != nil {
		t.Fatalf("ConfirmedWeather: %v", err)
	}
	if sum.Route != RouteWeatherFastPath || !strings.Contains(sum.Reply, "Rain") {
		t.Errorf("Route = %q, Reply = %q", sum.Route, sum.Reply)
	}
}

func TestConfirmedWeather_LookupFailureDegrades(t *testing.T) {
	e, _ := testEngine(t, &mock.Provider{}, func(d *Deps) {
		d.Weather = NewWeatherFastPath(stubWeatherSvc{err: errors.New("upstream 500")}, time.Second)
	})

	sum, err := e.ConfirmedWeather(context.Background(), turn("Porto"), "Porto")
	if err != nil {
		t.Fatalf("ConfirmedWeather: %v", err)
	}
	if sum.Reply == "" || sum.FallbackReason != "weather_lookup_failed" {
		t.Errorf("Reply = %q, FallbackReason = %q", sum.Reply, sum.FallbackReason)
	}
}

func TestRun_StrictTurnSkipsFastPath(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: "Sunny", FinishReason: "stop"},
	}}
	e, _ := testEngine(t, p, func(d *Deps) {
		d.Weather = NewWeatherFastPath(stubWeatherSvc{summary: "Sunny, 22C"}, time.Second)
	})

	sum, err := e.Run(context.Background(), turn("answer in one word: weather in Lisbon?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Route != RouteChatStrict {
		t.Errorf("Route = %q, strict turn took the fast path", sum.Route)
	}
}

func TestRun_EveryRouteEmitsOneStreamEnvelope(t *testing.T) {
	searchRuntime := func() tools.Runtime {
		r := tools.NewRuntime()
		r.RegisterBuiltin(tools.BuiltinTool{
			Definition: types.ToolDefinition{Name: "web_search"},
			Handler: func(context.Context, string) (string, error) {
				return "1. Result", nil
			},
		})
		return r
	}

	tests := []struct {
		name      string
		text      string
		provider  func() *mock.Provider
		mutate    func(*Deps)
		wantRoute string
	}{
		{
			name: "streaming",
			text: "tell me something interesting about lighthouses",
			provider: func() *mock.Provider {
				return &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Lenses rotate."}, stopChunk(types.Usage{})}}
			},
			wantRoute: RouteChatStream,
		},
		{
			name: "strict",
			text: "answer in one word: is the sky blue?",
			provider: func() *mock.Provider {
				return &mock.Provider{CompleteResponses: []*llm.CompletionResponse{{Content: "Yes", FinishReason: "stop"}}}
			},
			wantRoute: RouteChatStrict,
		},
		{
			name: "tool loop",
			text: "search for the latest golang release notes",
			provider: func() *mock.Provider {
				return &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
					{ToolCalls: []types.ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"query":"go"}`}}, FinishReason: "tool_calls"},
					{Content: "Go 1.26 is out.", FinishReason: "stop"},
				}}
			},
			mutate:    func(d *Deps) { d.Tools = searchRuntime() },
			wantRoute: RouteChatToolLoop,
		},
		{
			name:     "weather fast path",
			text:     "what's the weather in Lisbon?",
			provider: func() *mock.Provider { return &mock.Provider{} },
			mutate: func(d *Deps) {
				d.Weather = NewWeatherFastPath(stubWeatherSvc{summary: "Sunny, 22C"}, time.Second)
			},
			wantRoute: RouteWeatherFastPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, b := testEngine(t, tt.provider(), tt.mutate)

			sum, err := e.Run(context.Background(), turn(tt.text))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if sum.Route != tt.wantRoute {
				t.Errorf("Route = %q, want %q", sum.Route, tt.wantRoute)
			}
			if len(b.started) != 1 || len(b.done) != 1 {
				t.Errorf("started = %d, done = %d, want exactly one each", len(b.started), len(b.done))
			}
			if got := strings.Join(b.deltas, "") + strings.Join(b.messages, ""); !strings.Contains(got, sum.Reply) {
				t.Errorf("broadcast text %q missing reply %q", got, sum.Reply)
			}
		})
	}
}

func TestRun_StrictRouteFailsOverToFallbackModel(t *testing.T) {
	p := &mock.Provider{
		CompleteErrs:      []error{errors.New("connection reset")},
		CompleteResponses: []*llm.CompletionResponse{nil, {Content: "Yes", FinishReason: "stop"}},
	}
	snap := openAISnapshot()
	snap.Integrations[0].DefaultModel = "gpt-4o"
	e, _ := testEngine(t, p, func(d *Deps) {
		d.Snapshots = stubSnapshots{snap: snap}
	})

	sum, err := e.Run(context.Background(), turn("answer in one word: is the sky blue?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.OK || sum.Reply != "Yes" {
		t.Errorf("OK = %v, Reply = %q", sum.OK, sum.Reply)
	}
	if len(sum.RetryLadder) != 1 {
		t.Fatalf("RetryLadder = %+v, want one hop", sum.RetryLadder)
	}
	hop := sum.RetryLadder[0]
	if hop.Stage != "chat_strict" || hop.FromModel != "gpt-4o" || hop.ToModel != "gpt-4o-mini" {
		t.Errorf("hop = %+v", hop)
	}
	if len(p.CompleteCalls) != 2 {
		t.Errorf("Complete called %d times, want primary then fallback", len(p.CompleteCalls))
	}
}

func TestRun_OpenBreakerReroutesRanking(t *testing.T) {
	snap := &providers.Snapshot{Integrations: []providers.Integration{
		{Name: "openai", Connected: true, Enabled: true, APIKey: "sk-a", DefaultModel: "gpt-4o-mini", SupportsTools: true},
		{Name: "claude", Connected: true, Enabled: true, APIKey: "sk-b", DefaultModel: "claude-sonnet-4-20250514", SupportsTools: true},
	}}
	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello."}, stopChunk(types.Usage{})}}
	e, _ := testEngine(t, p, func(d *Deps) {
		d.Snapshots = stubSnapshots{snap: snap}
	})

	// Trip the preferred provider's breaker.
	for i := 0; i < 4; i++ {
		e.breakers.Get("openai").Do(func() error { return errors.New("down") })
	}

	sum, err := e.Run(context.Background(), turn("tell me about tide pools"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Provider != "claude" {
		t.Errorf("Provider = %q, want the healthy claude", sum.Provider)
	}
	if len(sum.RankedProviders) != 2 || sum.RankedProviders[1] != "openai" {
		t.Errorf("RankedProviders = %v, want openai demoted", sum.RankedProviders)
	}
}

func TestRun_ClaudeCompletionCapApplies(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Deep dive."}, stopChunk(types.Usage{})}}
	snap := &providers.Snapshot{Integrations: []providers.Integration{
		{Name: "claude", Connected: true, Enabled: true, APIKey: "sk-ant", DefaultModel: "claude-sonnet-4-20250514", SupportsTools: true},
	}}
	cfg := config.Default()
	cfg.Prompt.ClaudeChatMaxTokens = 32
	e, _ := testEngine(t, p, func(d *Deps) {
		d.Config = cfg
		d.Snapshots = stubSnapshots{snap: snap}
	})

	if _, err := e.Run(context.Background(), turn("walk me through how container images are layered")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(p.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d", len(p.StreamCalls))
	}
	if got := p.StreamCalls[0].Req.MaxTokens; got != 32 {
		t.Errorf("MaxTokens = %d, want the claude cap 32", got)
	}
}

func TestRun_FailedCorrectionShipsConstraintSafeFallback(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		{Content: "Yes, the sky is definitely blue.", FinishReason: "stop"},
		{Content: "Yes of course it is.", FinishReason: "stop"},
	}}
	e, _ := testEngine(t, p, nil)

	sum, err := e.Run(context.Background(), turn("answer in one word: is the sky blue?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.ConstraintCorrections != 1 {
		t.Errorf("ConstraintCorrections = %d, want 1", sum.ConstraintCorrections)
	}
	if sum.FallbackStage != "constraint_safe" {
		t.Errorf("FallbackStage = %q, want constraint_safe", sum.FallbackStage)
	}
	if words := strings.Fields(sum.Reply); len(words) != 1 {
		t.Errorf("Reply = %q, still violates the one-word constraint", sum.Reply)
	}
}

func TestRun_PersonaToneRendersDirective(t *testing.T) {
	p := &mock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Happy to help!"},
		stopChunk(types.Usage{}),
	}}
	e, _ := testEngine(t, p, nil)

	in := turn("what makes sourdough rise differently from yeast bread")
	in.Persona = types.PersonaOverrides{Tone: "Friendly"}
	if _, err := e.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(p.StreamCalls) != 1 {
		t.Fatalf("stream calls = %d", len(p.StreamCalls))
	}
	sys := p.StreamCalls[0].Req.SystemPrompt
	if !strings.Contains(sys, "Tone: warm.") {
		t.Errorf("system prompt %q missing normalized tone", sys)
	}
	if !strings.Contains(sys, "Speak warmly") {
		t.Errorf("system prompt %q missing tone directive", sys)
	}
}
