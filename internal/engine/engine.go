package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/internal/hotctx"
	"github.com/AverageNftEnjoyer/nova/internal/observe"
	"github.com/AverageNftEnjoyer/nova/internal/prompt"
	"github.com/AverageNftEnjoyer/nova/internal/providers"
	"github.com/AverageNftEnjoyer/nova/internal/resilience"
	"github.com/AverageNftEnjoyer/nova/internal/session"
	"github.com/AverageNftEnjoyer/nova/internal/tools"
	"github.com/AverageNftEnjoyer/nova/pkg/memory"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Engine sub-routes recorded on the run summary.
const (
	RouteChatStream           = "chat_stream"
	RouteChatStrict           = "chat_strict"
	RouteChatToolLoop         = "chat_tool_loop"
	RouteFastLane             = "fast_lane"
	RouteWeatherFastPath      = "weather_fastpath"
	RouteWeatherConfirmPrompt = "weather_confirm_prompt"
	RouteCryptoFastPath       = "crypto_fastpath"
)

// weatherConfirmPromptReply asks for the missing location instead of
// guessing one.
const weatherConfirmPromptReply = "Sure, which city should I check?"

// SnapshotGetter supplies the integrations snapshot for a user.
type SnapshotGetter interface {
	Get(ctx context.Context, userContextID string) (*providers.Snapshot, error)
}

// ProviderFactory builds a concrete provider from a resolved runtime.
type ProviderFactory interface {
	Build(rt *providers.ChatRuntime) (llm.Provider, error)
}

// SessionRuntime is the transcript seam.
type SessionRuntime interface {
	Resolve(ctx context.Context, sessionKey string) (*session.Context, error)
	AppendTurn(ctx context.Context, sessionKey string, turn types.TranscriptTurn) error
	PersistUsage(ctx context.Context, sessionKey, provider, model string, usage types.Usage) error
}

// Broadcaster pushes live turn state to connected HUD clients. It also
// owns the single-use HUD operation tokens gating sensitive actions.
type Broadcaster interface {
	Thinking(status string)
	Message(text string)
	StreamStart(streamID string)
	StreamDelta(streamID, delta string)
	StreamDone(streamID string)
	EmitUsage(provider, model string, usage types.Usage, costUSD float64)
	ConsumeHudOpToken(token string) bool
}

// Engine is the chat execution pipeline. One per process; every method
// is safe for concurrent turns.
type Engine struct {
	log         *slog.Logger
	cfg         *config.Config
	snapshots   SnapshotGetter
	factory     ProviderFactory
	toolRuntime tools.Runtime
	weather     *WeatherFastPath
	crypto      *CryptoFastPath
	sessions    SessionRuntime
	memory      memory.Store
	recaller    memory.Recaller
	shortCtx    *hotctx.Store
	broadcast   Broadcaster
	metrics     *observe.Metrics
	basePersona string
	loop        *ToolLoop
	breakers    *resilience.BreakerGroup

	// armWeatherConfirm arms the session's pending weather confirmation;
	// wired by the composition root to the dispatcher's confirm store.
	armWeatherConfirm func(sessionKey, suggestedLocation string)
}

// Deps bundles the engine's collaborators. Nil optional fields disable
// their feature (fast paths, memory, telemetry, broadcasting).
type Deps struct {
	Logger      *slog.Logger
	Config      *config.Config
	Snapshots   SnapshotGetter
	Factory     ProviderFactory
	Tools       tools.Runtime
	Weather     *WeatherFastPath
	Crypto      *CryptoFastPath
	Sessions    SessionRuntime
	Memory      memory.Store
	Recaller    memory.Recaller
	ShortCtx    *hotctx.Store
	Broadcast   Broadcaster
	Metrics     *observe.Metrics
	BasePersona string

	ArmWeatherConfirm func(sessionKey, suggestedLocation string)
}

// New constructs the engine and its tool loop.
func New(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		log:               log.With("component", "engine"),
		cfg:               cfg,
		snapshots:         d.Snapshots,
		factory:           d.Factory,
		toolRuntime:       d.Tools,
		weather:           d.Weather,
		crypto:            d.Crypto,
		sessions:          d.Sessions,
		memory:            d.Memory,
		recaller:          d.Recaller,
		shortCtx:          d.ShortCtx,
		broadcast:         d.Broadcast,
		metrics:           d.Metrics,
		basePersona:       d.BasePersona,
		armWeatherConfirm: d.ArmWeatherConfirm,
		breakers:          resilience.NewBreakerGroup(resilience.BreakerConfig{}),
	}
	var gate HudTokenGate
	if d.Broadcast != nil {
		gate = d.Broadcast
	}
	e.loop = NewToolLoop(d.Tools, gate, ToolLoopConfig{
		MaxDuration:         cfg.ToolLoop.MaxDuration,
		RequestTimeout:      cfg.ToolLoop.RequestTimeout,
		ToolExecTimeout:     cfg.ToolLoop.ToolExecTimeout,
		RecoveryTimeout:     cfg.ToolLoop.RecoveryTimeout,
		MaxSteps:            cfg.ToolLoop.MaxSteps,
		MaxToolCallsPerStep: cfg.ToolLoop.MaxToolCallsPerStep,
		MaxCompletionTokens: cfg.Prompt.ToolLoopMaxCompletionTokens,
	}, log)
	return e
}

// Run executes one chat turn end to end. Only provider-resolution
// failures surface as errors; everything downstream degrades into a
// reply on the summary.
func (e *Engine) Run(ctx context.Context, in types.TurnInput) (*types.RunSummary, error) {
	rec := observe.NewTurnRecorder()
	cons := prompt.ParseConstraints(in.Text)
	pol := BuildTurnPolicy(in.Text)

	stop := rec.Track("provider_select")
	rt, err := e.resolveRuntime(ctx, in, pol)
	stop()
	if err != nil {
		return nil, fmt.Errorf("engine: resolve provider: %w", err)
	}

	sum := &types.RunSummary{
		OK:              true,
		Provider:        rt.Provider,
		Model:           rt.Model,
		RankedProviders: rt.RankedCandidates,
	}

	if !cons.Active() && e.tryFastPaths(ctx, in, sum, rec) {
		e.broadcastUnstreamed(sum.Reply)
		e.finish(ctx, in, sum, rec)
		return sum, nil
	}

	e.chat(ctx, in, rt, pol, cons, sum, rec)
	e.finish(ctx, in, sum, rec)
	return sum, nil
}

// ConfirmedWeather runs the weather lookup with a user-confirmed
// location.
func (e *Engine) ConfirmedWeather(ctx context.Context, in types.TurnInput, location string) (*types.RunSummary, error) {
	if e.weather == nil {
		return nil, fmt.Errorf("engine: weather fast path not configured")
	}
	rec := observe.NewTurnRecorder()
	sum := &types.RunSummary{OK: true, Route: RouteWeatherFastPath}

	stop := rec.Track("fast_path")
	reply, call, err := e.weather.Confirmed(ctx, location)
	stop()
	if call != nil {
		sum.ToolCalls = append(sum.ToolCalls, *call)
	}
	if err != nil {
		sum.Reply = "The weather lookup for " + location + " didn't come back. Ask me again in a moment and I'll retry."
		sum.FallbackStage = "deterministic"
		sum.FallbackReason = "weather_lookup_failed"
	} else {
		sum.Reply = reply
	}
	e.broadcastUnstreamed(sum.Reply)
	e.finish(ctx, in, sum, rec)
	return sum, nil
}

// resolveRuntime snapshots the user's integrations and ranks a backend.
func (e *Engine) resolveRuntime(ctx context.Context, in types.TurnInput, pol TurnPolicy) (*providers.ChatRuntime, error) {
	if e.snapshots == nil {
		return nil, providers.ErrNoProvider
	}
	snap, err := e.snapshots.Get(ctx, in.UserContextID)
	if err != nil {
		return nil, err
	}
	return providers.ResolveChatRuntime(snap, providers.ResolveOpts{
		RequireTools:        pol.ToolLoopCandidate && e.cfg.ToolLoop.Enabled,
		Preferred:           e.cfg.Routing.PreferredProviders,
		AllowActiveOverride: e.cfg.Routing.AllowActiveOverride,
		Unhealthy:           e.breakers.Open,
	})
}

// tryFastPaths attempts weather then crypto. Returns true when the turn
// is fully answered (or a confirmation was armed).
func (e *Engine) tryFastPaths(ctx context.Context, in types.TurnInput, sum *types.RunSummary, rec *observe.TurnRecorder) bool {
	stop := rec.Track("fast_path")
	defer stop()

	if e.weather != nil {
		reply, call, needsConfirm, ok := e.weather.Try(ctx, in.Text)
		if call != nil {
			sum.ToolCalls = append(sum.ToolCalls, *call)
		}
		if ok {
			if needsConfirm {
				if e.armWeatherConfirm != nil {
					e.armWeatherConfirm(in.SessionKey, "")
				}
				sum.Route = RouteWeatherConfirmPrompt
				sum.Reply = weatherConfirmPromptReply
				return true
			}
			sum.Route = RouteWeatherFastPath
			sum.Reply = reply
			return true
		}
		// A failed lookup falls through to the general pipeline.
	}

	if e.crypto != nil {
		reply, call, ok := e.crypto.Try(ctx, in.UserContextID, in.Text)
		if call != nil {
			sum.ToolCalls = append(sum.ToolCalls, *call)
		}
		if ok {
			sum.Route = RouteCryptoFastPath
			sum.Reply = reply
			return true
		}
	}
	return false
}

// chat runs the full provider pipeline: assembly, one of the three call
// modes, refusal recovery, constraint correction, normalization, and the
// empty-reply fallback ladder.
func (e *Engine) chat(ctx context.Context, in types.TurnInput, rt *providers.ChatRuntime, pol TurnPolicy, cons prompt.Constraints, sum *types.RunSummary, rec *observe.TurnRecorder) {
	if e.broadcast != nil {
		e.broadcast.Thinking("thinking")
	}

	stop := rec.Track("session_resolve")
	var turns []types.Message
	if e.sessions != nil && in.SessionKey != "" {
		if sc, err := e.sessions.Resolve(ctx, in.SessionKey); err == nil {
			turns = session.ToChatMessages(sc.Turns)
		} else {
			e.log.Warn("session resolve failed", "err", err)
		}
	}
	stop()

	execPol := BuildExecutionPolicy(pol, e.availableTools(), e.cfg.ToolLoop.Enabled, e.cfg.Routing.MemoryLoop)

	stop = rec.Track("prompt_assembly")
	asm := e.assemble(ctx, in, pol, execPol, cons, turns)
	stop()
	sum.MemoryRecallUsed = asm.MemoryRecallUsed
	sum.WebContextUsed = asm.WebContextUsed
	sum.LinkContextUsed = asm.LinkContextUsed

	prov, err := e.factory.Build(rt)
	if err != nil {
		e.log.Error("provider build failed", "provider", rt.Provider, "err", err)
		e.degrade(sum, cons, in.Text, err)
		e.broadcastUnstreamed(sum.Reply)
		return
	}

	req := llm.CompletionRequest{
		SystemPrompt: asm.SystemPrompt,
		Messages:     append(asm.History, types.Message{Role: "user", Content: in.Text}),
		Temperature:  0.7,
		MaxTokens:    AdaptiveMaxCompletionTokens(normalizeText(in.Text), cons, e.cfg.Prompt, pol.FastLaneSimpleChat),
	}
	if llm.Kind(rt.Provider) == llm.KindClaude && e.cfg.Prompt.ClaudeChatMaxTokens > 0 {
		req.MaxTokens = min(req.MaxTokens, e.cfg.Prompt.ClaudeChatMaxTokens)
	}

	var (
		reply    string
		finish   string
		callErr  error
		streamID string
	)

	stop = rec.Track("provider_call")
	switch {
	case cons.Active():
		sum.Route = RouteChatStrict
		if prov.Capabilities().SupportsVerbosityTuning {
			req.Verbosity, req.ReasoningEffort = "low", "low"
		}
		resp, hops, err := resilience.Climb(e.providerLadder(rt, prov), "chat_strict",
			func(r resilience.Rung[llm.Provider]) (*llm.CompletionResponse, error) {
				return llm.WithTimeout(ctx, "chat_strict", e.cfg.Timeouts.OpenAIRequest, func(c context.Context) (*llm.CompletionResponse, error) {
					return r.Value.Complete(c, req)
				})
			})
		sum.RetryLadder = append(sum.RetryLadder, hops...)
		if err != nil {
			callErr = err
		} else {
			reply, finish = resp.Content, resp.FinishReason
			addUsage(sum, resp.Usage)
		}

	case execPol.CanRunToolLoop && pol.ToolLoopCandidate:
		sum.Route = RouteChatToolLoop
		req.Tools = e.toolRuntime.Definitions()
		var fb llm.Provider
		if e.cfg.Routing.ProviderFallback {
			fb = e.buildFallbackProvider(rt)
		}
		lr, err := e.loop.Run(ctx, prov, fb, LoopInput{Request: req, HudOpToken: in.HudOpToken})
		if err != nil {
			callErr = err
		} else {
			reply, finish = lr.Reply, lr.FinishReason
			sum.ToolCalls = append(sum.ToolCalls, lr.ToolRecords...)
			sum.Guardrails = lr.Guardrails
			sum.RetryLadder = append(sum.RetryLadder, lr.RetryHops...)
			addUsage(sum, lr.Usage)
			if lr.Forced {
				sum.FallbackStage = "tool_loop_forced"
				sum.FallbackReason = "guardrail_or_fatal_tool_error"
			}
		}

	default:
		sum.Route = RouteChatStream
		if pol.FastLaneSimpleChat {
			sum.Route = RouteFastLane
		}
		streamID = uuid.NewString()
		if e.broadcast != nil {
			e.broadcast.StreamStart(streamID)
		}
		sctx, cancel := context.WithTimeout(ctx, e.cfg.Timeouts.OpenAIRequest)
		var res *llm.StreamResult
		err := e.breakers.Get(rt.Provider).Do(func() error {
			var serr error
			res, serr = llm.Stream(sctx, prov, req, func(delta string) {
				if e.broadcast != nil {
					e.broadcast.StreamDelta(streamID, delta)
				}
			})
			return serr
		})
		cancel()
		if err != nil {
			callErr = err
			if res != nil {
				reply = res.Reply
			}
		} else {
			reply, finish = res.Reply, res.FinishReason
			addUsage(sum, res.Usage)
		}
	}
	stop()

	// Refusal recovery: the model denied having web access it does have.
	if !cons.Active() && callErr == nil && execPol.CanRunWebSearch && ClaimsNoWebAccess(reply) {
		reply = e.correctWebRefusal(ctx, in, reply, streamID, rec)
	}

	// One constraint-correction pass, counted. A rewrite that still
	// violates is discarded so the constraint-safe fallback ships instead
	// of a non-conforming reply.
	if cons.Active() && callErr == nil && reply != "" {
		if verr := cons.Validate(reply); verr != nil {
			sum.ConstraintCorrections = 1
			if corrected := e.correctConstraints(ctx, prov, req, reply, cons); corrected != "" && cons.Validate(corrected) == nil {
				reply = corrected
			} else {
				reply = ""
			}
		}
	}

	norm := NormalizeReply(reply)
	synthesized := false
	if norm == "" {
		norm = e.climbFallbackLadder(ctx, prov, req, cons, in.Text, reply, finish, sum, callErr)
		synthesized = true
	}
	sum.Reply = norm

	if callErr != nil {
		sum.OK = false
		sum.Error = callErr.Error()
		e.log.Error("provider call failed", "route", sum.Route, "err", callErr)
	}

	if streamID != "" {
		if e.broadcast != nil {
			if synthesized && norm != "" {
				// The stream produced nothing usable; deliver the
				// synthesized text on the open stream before closing it.
				e.broadcast.StreamDelta(streamID, norm)
			}
			e.broadcast.StreamDone(streamID)
		}
	} else {
		e.broadcastUnstreamed(sum.Reply)
	}
}

// climbFallbackLadder turns an empty reply into a deliverable one:
// recovery completion first when the cut looks length-induced, then the
// deterministic constraint-safe builder.
func (e *Engine) climbFallbackLadder(ctx context.Context, prov llm.Provider, req llm.CompletionRequest, cons prompt.Constraints, text, candidate, finish string, sum *types.RunSummary, callErr error) string {
	sum.HadCandidateReply = candidate != ""

	lengthCut := finish == "length" ||
		(req.MaxTokens > 0 && sum.Usage.CompletionTokens*100 >= req.MaxTokens*85)
	// Strict turns skip the recovery completion: its output is unvalidated,
	// and a conforming reply is guaranteed by the constraint-safe builder.
	if callErr == nil && lengthCut && !cons.Active() && prov.Kind().IsOpenAICompatible() {
		if r := e.lengthRecovery(ctx, prov, req); r != "" {
			sum.FallbackStage = "recovery_completion"
			sum.FallbackReason = "finish_length"
			return r
		}
	}

	opts := FallbackOpts{Strict: cons.Active()}
	sum.FallbackReason = "empty_reply"
	if callErr != nil {
		sum.FallbackReason = "provider_error"
	}
	if cons.Active() {
		sum.FallbackStage = "constraint_safe"
		return BuildConstraintSafeFallback(cons, text, opts)
	}
	sum.FallbackStage = "deterministic"
	return BuildDeterministicEmptyReplyFallback(text, opts)
}

// lengthRecovery reissues the completion with a larger cap after a
// length-truncated generation came back empty post-normalization.
func (e *Engine) lengthRecovery(ctx context.Context, prov llm.Provider, req llm.CompletionRequest) string {
	req.Tools = nil
	req.MaxTokens = req.MaxTokens * 2
	resp, err := llm.WithTimeout(ctx, "length_recovery", e.cfg.ToolLoop.RecoveryTimeout, func(c context.Context) (*llm.CompletionResponse, error) {
		return prov.Complete(c, req)
	})
	if err != nil {
		e.log.Debug("length recovery failed", "err", err)
		return ""
	}
	return NormalizeReply(resp.Content)
}

// correctWebRefusal runs one live search and appends the correction
// paragraph, broadcasting it as an extra delta on streaming turns.
func (e *Engine) correctWebRefusal(ctx context.Context, in types.TurnInput, reply, streamID string, rec *observe.TurnRecorder) string {
	stop := rec.Track("refusal_recovery")
	defer stop()

	res, err := llm.WithTimeout(ctx, "refusal_search", e.cfg.Timeouts.WebPreload, func(c context.Context) (*tools.Result, error) {
		return e.toolRuntime.Execute(c, "web_search", fmt.Sprintf(`{"query":%q}`, in.Text))
	})
	if err != nil || res.IsError {
		e.log.Debug("refusal-recovery search failed", "err", err)
		return reply
	}

	correction := "\n\nActually, I do have live web access and just checked. Current results:\n" +
		truncate(res.Content, synthMaxChars)
	if streamID != "" && e.broadcast != nil {
		e.broadcast.StreamDelta(streamID, correction)
	}
	return reply + correction
}

// correctConstraints resubmits the violating reply with a rewrite
// instruction on the same provider.
func (e *Engine) correctConstraints(ctx context.Context, prov llm.Provider, req llm.CompletionRequest, reply string, cons prompt.Constraints) string {
	req.Messages = append(req.Messages,
		types.Message{Role: "assistant", Content: reply},
		types.Message{Role: "user", Content: "Your reply did not follow the required output format. Rewrite it so it does, with no other changes:\n" + cons.Instructions()},
	)
	resp, err := llm.WithTimeout(ctx, "constraint_correction", e.cfg.Timeouts.OpenAIRequest, func(c context.Context) (*llm.CompletionResponse, error) {
		return prov.Complete(c, req)
	})
	if err != nil {
		e.log.Debug("constraint correction failed", "err", err)
		return ""
	}
	return NormalizeReply(resp.Content)
}

// degrade ends the turn on a deterministic reply after an unrecoverable
// setup failure.
func (e *Engine) degrade(sum *types.RunSummary, cons prompt.Constraints, text string, err error) {
	sum.OK = false
	sum.Error = err.Error()
	sum.FallbackStage = "deterministic"
	sum.FallbackReason = "setup_failure"
	opts := FallbackOpts{Strict: cons.Active()}
	if cons.Active() {
		sum.Reply = BuildConstraintSafeFallback(cons, text, opts)
		return
	}
	sum.Reply = BuildDeterministicEmptyReplyFallback(text, opts)
}

// broadcastUnstreamed wraps a reply produced without a live stream in the
// same start/done envelope streaming turns use, carrying the text as one
// complete message. Every turn emits exactly one start and one done.
func (e *Engine) broadcastUnstreamed(reply string) {
	if e.broadcast == nil {
		return
	}
	streamID := uuid.NewString()
	e.broadcast.StreamStart(streamID)
	if reply != "" {
		e.broadcast.Message(reply)
	}
	e.broadcast.StreamDone(streamID)
}

// providerLadder builds the per-turn failover ladder for direct
// completions: the resolved runtime first, then the family's default model
// when the one-shot switch is enabled. Breaker state persists across turns
// through the shared group.
func (e *Engine) providerLadder(rt *providers.ChatRuntime, prov llm.Provider) *resilience.Ladder[llm.Provider] {
	ladder := resilience.NewLadder(e.breakers,
		resilience.Rung[llm.Provider]{Name: rt.Provider, Model: rt.Model, Value: prov})
	if e.cfg.Routing.ProviderFallback {
		if fb := e.buildFallbackProvider(rt); fb != nil {
			ladder.Add(resilience.Rung[llm.Provider]{
				Name:  rt.Provider,
				Model: providers.FallbackModel(rt.Provider),
				Value: fb,
			})
		}
	}
	return ladder
}

// buildFallbackProvider constructs the one-shot switch target: the same
// family's default model, skipped when that is already in play.
func (e *Engine) buildFallbackProvider(rt *providers.ChatRuntime) llm.Provider {
	alt := providers.FallbackModel(rt.Provider)
	if alt == "" || alt == rt.Model {
		return nil
	}
	cp := *rt
	cp.Model = alt
	fb, err := e.factory.Build(&cp)
	if err != nil {
		e.log.Debug("fallback provider build failed", "err", err)
		return nil
	}
	return fb
}

func (e *Engine) availableTools() map[string]bool {
	if e.toolRuntime == nil {
		return nil
	}
	return e.toolRuntime.Available()
}

// finish persists the turn, refreshes short-term context, and snapshots
// telemetry onto the summary.
func (e *Engine) finish(ctx context.Context, in types.TurnInput, sum *types.RunSummary, rec *observe.TurnRecorder) {
	stop := rec.Track("persistence")
	if e.sessions != nil && in.SessionKey != "" {
		if err := e.sessions.AppendTurn(ctx, in.SessionKey, types.TranscriptTurn{Role: "user", Text: in.Text}); err != nil {
			e.log.Warn("transcript append failed", "role", "user", "err", err)
		}
		if err := e.sessions.AppendTurn(ctx, in.SessionKey, types.TranscriptTurn{Role: "assistant", Text: sum.Reply}); err != nil {
			e.log.Warn("transcript append failed", "role", "assistant", "err", err)
		}
		if sum.Usage.TotalTokens > 0 {
			if err := e.sessions.PersistUsage(ctx, in.SessionKey, sum.Provider, sum.Model, sum.Usage); err != nil {
				e.log.Warn("usage persist failed", "err", err)
			}
		}
	}
	if e.shortCtx != nil && sum.OK && sum.Reply != "" {
		e.shortCtx.Upsert(in.UserContextID, in.ConversationID, hotctx.DomainAssistant, hotctx.State{
			TopicAffinityID: (hotctx.AssistantPolicy{}).ResolveTopicAffinityID(in.Text),
			Slots: map[string]string{
				"last_user":  truncate(in.Text, 240),
				"last_reply": truncate(sum.Reply, 240),
			},
		})
	}
	stop()

	sum.LatencyStages = rec.Stages()
	sum.HotPath = rec.HotPath()
	e.emitMetrics(ctx, sum)

	if e.broadcast != nil && sum.Usage.TotalTokens > 0 {
		e.broadcast.EmitUsage(sum.Provider, sum.Model, sum.Usage, llm.EstimateCostUSD(sum.Model, sum.Usage))
	}
}

func (e *Engine) emitMetrics(ctx context.Context, sum *types.RunSummary) {
	if e.metrics == nil {
		return
	}
	route := metric.WithAttributes(attribute.String("route", sum.Route))
	e.metrics.TurnsTotal.Add(ctx, 1, route)
	if !sum.OK {
		e.metrics.TurnErrors.Add(ctx, 1, route)
	}
	if sum.FallbackStage != "" {
		e.metrics.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", sum.FallbackStage)))
	}
	if sum.Guardrails.Breached() {
		e.metrics.GuardrailBreach.Add(ctx, 1, route)
	}
	for _, call := range sum.ToolCalls {
		e.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("status", call.Status),
		))
	}
	for stage, ms := range sum.LatencyStages {
		e.metrics.StageDuration.Record(ctx, float64(ms)/1000.0,
			metric.WithAttributes(attribute.String("stage", stage)))
	}
	if sum.Usage.PromptTokens > 0 {
		e.metrics.PromptTokens.Record(ctx, int64(sum.Usage.PromptTokens))
	}
	if sum.Usage.CompletionTokens > 0 {
		e.metrics.CompletionTokens.Record(ctx, int64(sum.Usage.CompletionTokens))
	}
}

func addUsage(sum *types.RunSummary, u types.Usage) {
	sum.Usage.PromptTokens += u.PromptTokens
	sum.Usage.CompletionTokens += u.CompletionTokens
	sum.Usage.TotalTokens += u.TotalTokens
}
