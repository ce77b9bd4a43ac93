package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/AverageNftEnjoyer/nova/internal/hotctx"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

type fakeEngine struct {
	runCalls       int
	confirmedCalls int
	lastLocation   string
}

func (f *fakeEngine) Run(_ context.Context, _ types.TurnInput) (*types.RunSummary, error) {
	f.runCalls++
	return &types.RunSummary{Route: "chat", OK: true, Reply: "engine reply"}, nil
}

func (f *fakeEngine) ConfirmedWeather(_ context.Context, _ types.TurnInput, location string) (*types.RunSummary, error) {
	f.confirmedCalls++
	f.lastLocation = location
	return &types.RunSummary{
		OK:        true,
		Reply:     "Sunny and 72F in " + location + ".",
		ToolCalls: []types.ToolCallRecord{{Name: "weather_lookup", Status: "ok"}},
	}, nil
}

type fakeBuilder struct {
	calls      int
	lastPrompt string
}

func (f *fakeBuilder) Build(_ context.Context, _ types.TurnInput, prompt string) (*types.RunSummary, error) {
	f.calls++
	f.lastPrompt = prompt
	return &types.RunSummary{OK: true, Reply: "Mission scheduled."}, nil
}

type fakeMemory struct{ facts []string }

func (f *fakeMemory) UpsertFact(_ context.Context, _ string, fact string) error {
	f.facts = append(f.facts, fact)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeEngine, *fakeBuilder, *fakeMemory) {
	t.Helper()
	eng := &fakeEngine{}
	builder := &fakeBuilder{}
	mem := &fakeMemory{}
	d := New(Deps{
		Engine:   eng,
		Memory:   mem,
		Builder:  builder,
		Dedupe:   NewDedupeFilter(),
		Confirm:  NewConfirmStore(),
		ShortCtx: hotctx.NewStore(),
	})
	return d, eng, builder, mem
}

func turn(text string) types.TurnInput {
	return types.TurnInput{
		Text:           text,
		Source:         "hud",
		SenderID:       "s1",
		UserContextID:  "u1",
		SessionKey:     "sess1",
		ConversationID: "c1",
	}
}

func TestDispatch_Shutdown(t *testing.T) {
	var shutdownReason string
	d, eng, _, _ := newTestDispatcher(t)
	d.requestShutdown = func(reason string) { shutdownReason = reason }

	sum, err := d.Dispatch(context.Background(), turn("Nova shutdown"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteShutdown {
		t.Errorf("Route = %q, want %q", sum.Route, RouteShutdown)
	}
	if sum.Reply != ShutdownReply {
		t.Errorf("Reply = %q, want canned shutdown reply", sum.Reply)
	}
	if shutdownReason == "" {
		t.Error("host shutdown was not requested")
	}
	if eng.runCalls != 0 {
		t.Error("engine ran on a shutdown turn")
	}
}

func TestDispatch_DuplicateSkipped(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, turn("hey nova")); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	sum, err := d.Dispatch(ctx, turn("hey nova"))
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if sum.Route != RouteDuplicateSkipped {
		t.Errorf("Route = %q, want %q", sum.Route, RouteDuplicateSkipped)
	}
	if !strings.HasPrefix(sum.Reply, "I got that same request again") {
		t.Errorf("Reply = %q, want duplicate notice", sum.Reply)
	}
	if eng.runCalls != 1 {
		t.Errorf("engine runs = %d, want 1", eng.runCalls)
	}
}

func TestDispatch_DuplicateCarveOutExplicitCryptoReport(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)
	d.isExplicitCryptoReport = func(text string) bool {
		return strings.Contains(strings.ToLower(text), "crypto report")
	}
	ctx := context.Background()

	d.Dispatch(ctx, turn("give me the full crypto report"))
	d.Dispatch(ctx, turn("give me the full crypto report"))
	if eng.runCalls != 2 {
		t.Errorf("engine runs = %d, want 2 for carved-out duplicates", eng.runCalls)
	}
}

func TestDispatch_DuplicateCryptoReplay(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	d.isCryptoIntent = func(text string) bool { return strings.Contains(text, "bitcoin") }
	d.reports = stubReports{report: "BTC: $60,000"}
	ctx := context.Background()

	d.Dispatch(ctx, turn("how is bitcoin doing"))
	sum, err := d.Dispatch(ctx, turn("how is bitcoin doing"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteDuplicateCryptoReplay {
		t.Errorf("Route = %q, want %q", sum.Route, RouteDuplicateCryptoReplay)
	}
	if sum.Reply != "BTC: $60,000" {
		t.Errorf("Reply = %q, want replayed report", sum.Reply)
	}
}

type stubReports struct{ report string }

func (s stubReports) LastReport(string) (string, bool) { return s.report, s.report != "" }

func TestDispatch_MemoryUpdate(t *testing.T) {
	d, _, _, mem := newTestDispatcher(t)

	sum, err := d.Dispatch(context.Background(), turn("update your memory: I prefer metric units"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteMemoryUpdate {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMemoryUpdate)
	}
	if len(mem.facts) != 1 || mem.facts[0] != "I prefer metric units" {
		t.Errorf("facts = %v, want the parsed fact", mem.facts)
	}
}

func TestDispatch_MissionConfirmFlow(t *testing.T) {
	d, _, builder, _ := newTestDispatcher(t)
	ctx := context.Background()

	// S4: the build phrase arms a confirmation.
	sum, err := d.Dispatch(ctx, turn("create a mission to send me a daily summary at 9am on Telegram"))
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if sum.Route != RouteMissionConfirmPrompt {
		t.Fatalf("Route = %q, want %q", sum.Route, RouteMissionConfirmPrompt)
	}
	if !strings.HasPrefix(sum.Reply, "I can turn that into a mission at 9am to Telegram") {
		t.Errorf("Reply = %q, want confirmation prompt with schedule and channel", sum.Reply)
	}
	if builder.calls != 0 {
		t.Fatal("builder ran before confirmation")
	}

	// A detail follow-up merges and re-confirms.
	sum, err = d.Dispatch(ctx, turn("make it 10am instead"))
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if sum.Route != RouteMissionConfirmRefined {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMissionConfirmRefined)
	}
	if !strings.Contains(sum.Reply, "10am") {
		t.Errorf("Reply = %q, want merged schedule", sum.Reply)
	}

	// "yes" builds with the merged prompt.
	sum, err = d.Dispatch(ctx, turn("yes"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if sum.Route != RouteMissionConfirmAccepted {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMissionConfirmAccepted)
	}
	if builder.calls != 1 {
		t.Fatalf("builder calls = %d, want 1", builder.calls)
	}
	if !strings.Contains(builder.lastPrompt, "10am") || strings.Contains(builder.lastPrompt, "9am") {
		t.Errorf("built prompt = %q, want refined 10am schedule", builder.lastPrompt)
	}
}

func TestDispatch_MissionConfirmDeclined(t *testing.T) {
	d, _, builder, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.Dispatch(ctx, turn("set up a mission to ping me every morning"))
	sum, err := d.Dispatch(ctx, turn("no"))
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if sum.Route != RouteMissionConfirmDeclined {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMissionConfirmDeclined)
	}
	if builder.calls != 0 {
		t.Error("builder ran on a declined mission")
	}
	// The pending state is gone; another "no" falls through to chat.
	sum, _ = d.Dispatch(ctx, turn("no"))
	if sum.Route == RouteMissionConfirmDeclined {
		t.Error("stale pending mission survived decline")
	}
}

func TestDispatch_WeatherConfirmFlow(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	// The engine's weather path armed the confirmation on a prior turn.
	d.confirm.Set("sess1", PendingConfirmation{Kind: ConfirmWeather, Prompt: "what's the weather"})

	sum, err := d.Dispatch(ctx, turn("yes, Pittsburgh PA"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteWeatherConfirmAccepted {
		t.Errorf("Route = %q, want %q", sum.Route, RouteWeatherConfirmAccepted)
	}
	if eng.lastLocation != "Pittsburgh PA" {
		t.Errorf("location = %q, want Pittsburgh PA", eng.lastLocation)
	}
	if len(sum.ToolCalls) == 0 || sum.ToolCalls[0].Name != "weather_lookup" {
		t.Errorf("ToolCalls = %+v, want weather tool", sum.ToolCalls)
	}
}

func TestDispatch_WeatherConfirmUnrelatedClears(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.confirm.Set("sess1", PendingConfirmation{Kind: ConfirmWeather})
	sum, err := d.Dispatch(ctx, turn("tell me about the roman empire"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != "chat" || eng.runCalls != 1 {
		t.Errorf("Route = %q, engine runs = %d; want fallthrough to chat", sum.Route, eng.runCalls)
	}
	if _, ok := d.confirm.Get("sess1", ConfirmWeather); ok {
		t.Error("unrelated turn left the weather confirmation armed")
	}
}

func TestDispatch_MissionContextCancel(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.shortCtx.Upsert("u1", "c1", hotctx.DomainMission, hotctx.State{
		Slots: map[string]string{"prompt": "daily summary at 9am"},
	})
	sum, err := d.Dispatch(ctx, turn("never mind"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteMissionContextCancel {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMissionContextCancel)
	}
	if _, ok := d.shortCtx.Get("u1", "c1", hotctx.DomainMission); ok {
		t.Error("mission context survived cancel")
	}
}

func TestDispatch_MusicIntent(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)
	d.music = stubMusic{}
	ctx := context.Background()

	sum, err := d.Dispatch(ctx, turn("play bohemian rhapsody by queen"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != RouteMusic {
		t.Errorf("Route = %q, want %q", sum.Route, RouteMusic)
	}

	// Excluded subjects fall through to chat.
	sum, _ = d.Dispatch(ctx, turn("play a game with me"))
	if sum.Route != "chat" || eng.runCalls != 1 {
		t.Errorf("Route = %q, engine runs = %d; want chat fallthrough", sum.Route, eng.runCalls)
	}
}

type stubMusic struct{}

func (stubMusic) Handle(context.Context, types.TurnInput) (*types.RunSummary, error) {
	return &types.RunSummary{OK: true, Reply: "Playing."}, nil
}

func TestDispatch_Fallthrough(t *testing.T) {
	d, eng, _, _ := newTestDispatcher(t)

	sum, err := d.Dispatch(context.Background(), turn("explain goroutine scheduling"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if sum.Route != "chat" || eng.runCalls != 1 {
		t.Errorf("Route = %q, runs = %d; want engine fallthrough", sum.Route, eng.runCalls)
	}
}

func TestDedupeFilter_Window(t *testing.T) {
	now := time.Now()
	clock := &now
	f := NewDedupeFilter(WithDedupeWindow(2*time.Second), WithDedupeClock(func() time.Time { return *clock }))

	if f.ShouldSkip("hud", "s", "u", "k", "hey nova") {
		t.Error("first send skipped")
	}
	if !f.ShouldSkip("hud", "s", "u", "k", "Hey  Nova") {
		t.Error("normalized duplicate not skipped")
	}
	later := now.Add(3 * time.Second)
	clock = &later
	if f.ShouldSkip("hud", "s", "u", "k", "hey nova") {
		t.Error("duplicate outside the window skipped")
	}
	// A different session is a different scope.
	if f.ShouldSkip("hud", "s", "u", "other", "hey nova") {
		t.Error("cross-session send skipped")
	}
}

func TestMergeMissionPrompt(t *testing.T) {
	got := mergeMissionPrompt("send me a daily summary at 9am on telegram", "make it 10am instead")
	if !strings.Contains(got, "10am") || strings.Contains(got, "9am") {
		t.Errorf("merged = %q, want schedule replaced", got)
	}

	got = mergeMissionPrompt("send me a daily summary at 9am", "on discord")
	if !strings.Contains(got, "discord") {
		t.Errorf("merged = %q, want channel appended", got)
	}
}
