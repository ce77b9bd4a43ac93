package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AverageNftEnjoyer/nova/internal/tools"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm/mock"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

func loopConfig() ToolLoopConfig {
	return ToolLoopConfig{
		MaxDuration:         10 * time.Second,
		RequestTimeout:      2 * time.Second,
		ToolExecTimeout:     2 * time.Second,
		RecoveryTimeout:     2 * time.Second,
		MaxSteps:            3,
		MaxToolCallsPerStep: 2,
		MaxCompletionTokens: 256,
	}
}

func echoRuntime(t *testing.T, names ...string) tools.Runtime {
	t.Helper()
	r := tools.NewRuntime()
	for _, name := range names {
		err := r.RegisterBuiltin(tools.BuiltinTool{
			Definition: types.ToolDefinition{Name: name},
			Handler: func(_ context.Context, args string) (string, error) {
				return "echo:" + args, nil
			},
		})
		if err != nil {
			t.Fatalf("RegisterBuiltin(%s): %v", name, err)
		}
	}
	return r
}

type stubGate struct {
	token    string
	consumed bool
}

func (g *stubGate) ConsumeHudOpToken(token string) bool {
	if g.consumed || token == "" || token != g.token {
		return false
	}
	g.consumed = true
	return true
}

func toolCallResp(calls ...types.ToolCall) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: calls, FinishReason: "tool_calls"}
}

func TestToolLoop_ExecutesToolThenAnswers(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(types.ToolCall{ID: "c1", Name: "echo", Arguments: `{"q":"x"}`}),
		{Content: "final answer", FinishReason: "stop"},
	}}
	loop := NewToolLoop(echoRuntime(t, "echo"), nil, loopConfig(), nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "final answer" || res.Forced {
		t.Errorf("Reply = %q, Forced = %v", res.Reply, res.Forced)
	}
	if len(res.ToolRecords) != 1 || res.ToolRecords[0].Status != "ok" {
		t.Errorf("ToolRecords = %+v", res.ToolRecords)
	}
	if res.Guardrails.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Guardrails.Steps)
	}

	// The second request must carry the tool result keyed to the call id.
	second := p.CompleteCalls[1].Req.Messages
	var sawResult bool
	for _, m := range second {
		if m.Role == "tool" && m.ToolCallID == "c1" && strings.HasPrefix(m.Content, "echo:") {
			sawResult = true
		}
	}
	if !sawResult {
		t.Errorf("second request missing tool result, messages = %+v", second)
	}
}

func TestToolLoop_SensitiveDeniedWithoutToken(t *testing.T) {
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "gmail_forward_message", Sensitive: true},
		Handler:    func(context.Context, string) (string, error) { return "forwarded", nil },
	})
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(types.ToolCall{ID: "c1", Name: "gmail_forward_message", Arguments: "{}"}),
	}}
	loop := NewToolLoop(r, &stubGate{token: "tok1"}, loopConfig(), nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Forced || res.Reply != sensitiveActionReply {
		t.Errorf("Reply = %q, Forced = %v, want confirmation prompt", res.Reply, res.Forced)
	}
	if len(res.ToolRecords) != 0 {
		t.Errorf("sensitive tool ran without a token: %+v", res.ToolRecords)
	}
}

func TestToolLoop_SensitiveRunsWithToken(t *testing.T) {
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "gmail_forward_message", Sensitive: true},
		Handler:    func(context.Context, string) (string, error) { return "forwarded", nil },
	})
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(types.ToolCall{ID: "c1", Name: "gmail_forward_message", Arguments: "{}"}),
		{Content: "done, it's forwarded", FinishReason: "stop"},
	}}
	gate := &stubGate{token: "tok1"}
	loop := NewToolLoop(r, gate, loopConfig(), nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{HudOpToken: "tok1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Forced || res.Reply != "done, it's forwarded" {
		t.Errorf("Reply = %q, Forced = %v", res.Reply, res.Forced)
	}
	if !gate.consumed {
		t.Error("HUD token was not consumed")
	}
	if len(res.ToolRecords) != 1 || res.ToolRecords[0].Status != "ok" {
		t.Errorf("ToolRecords = %+v", res.ToolRecords)
	}
}

func TestToolLoop_CapsCallsPerStep(t *testing.T) {
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(
			types.ToolCall{ID: "c1", Name: "echo", Arguments: "{}"},
			types.ToolCall{ID: "c2", Name: "echo", Arguments: "{}"},
			types.ToolCall{ID: "c3", Name: "echo", Arguments: "{}"},
		),
		{Content: "done", FinishReason: "stop"},
	}}
	loop := NewToolLoop(echoRuntime(t, "echo"), nil, loopConfig(), nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Guardrails.CallsCapped != 1 {
		t.Errorf("CallsCapped = %d, want 1", res.Guardrails.CallsCapped)
	}
	if len(res.ToolRecords) != 2 {
		t.Errorf("executed %d calls, want 2", len(res.ToolRecords))
	}

	// The dropped call still gets a result message, as a guardrail note.
	var note string
	for _, m := range p.CompleteCalls[1].Req.Messages {
		if m.Role == "tool" && m.ToolCallID == "c3" {
			note = m.Content
		}
	}
	if !strings.Contains(note, "Skipped") {
		t.Errorf("dropped call note = %q", note)
	}
}

func TestToolLoop_FatalToolErrorForcesFallbackReply(t *testing.T) {
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("Brave Search API key not configured")
		},
	})
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(types.ToolCall{ID: "c1", Name: "web_search", Arguments: `{"query":"x"}`}),
	}}
	loop := NewToolLoop(r, nil, loopConfig(), nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Forced || res.Reply == "" || strings.HasPrefix(res.Reply, "Tool error") {
		t.Errorf("Reply = %q, Forced = %v, want forced fallback", res.Reply, res.Forced)
	}
	if len(res.ToolRecords) != 1 || res.ToolRecords[0].Status != "error" {
		t.Errorf("ToolRecords = %+v", res.ToolRecords)
	}
}

func TestToolLoop_FirstStepFailureSwitchesModel(t *testing.T) {
	primary := &mock.Provider{
		ModelName:    "primary-model",
		CompleteErrs: []error{errors.New("connection refused")},
	}
	fallback := &mock.Provider{
		ModelName:         "fallback-model",
		CompleteResponses: []*llm.CompletionResponse{{Content: "fallback answer", FinishReason: "stop"}},
	}
	loop := NewToolLoop(echoRuntime(t, "echo"), nil, loopConfig(), nil)

	res, err := loop.Run(context.Background(), primary, fallback, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "fallback answer" {
		t.Errorf("Reply = %q", res.Reply)
	}
	if len(res.RetryHops) != 1 {
		t.Fatalf("RetryHops = %+v, want one hop", res.RetryHops)
	}
	hop := res.RetryHops[0]
	if hop.FromModel != "primary-model" || hop.ToModel != "fallback-model" || hop.Stage != "tool_loop" {
		t.Errorf("hop = %+v", hop)
	}
	if res.Guardrails.Steps != 1 {
		t.Errorf("Steps = %d, want 1 after switch", res.Guardrails.Steps)
	}
}

func TestToolLoop_BudgetExhaustedReply(t *testing.T) {
	cfg := loopConfig()
	cfg.MaxDuration = 0
	p := &mock.Provider{}
	loop := NewToolLoop(echoRuntime(t, "echo"), nil, cfg, nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Forced || res.Reply != budgetExhaustedReply {
		t.Errorf("Reply = %q, Forced = %v", res.Reply, res.Forced)
	}
	if res.Guardrails.BudgetExhausted == 0 {
		t.Error("BudgetExhausted not counted")
	}
	if len(p.CompleteCalls) != 0 {
		t.Errorf("provider was called %d times on a spent budget", len(p.CompleteCalls))
	}
}

func TestToolLoop_RecoveryCompletionAfterStepCap(t *testing.T) {
	cfg := loopConfig()
	cfg.MaxSteps = 1
	p := &mock.Provider{CompleteResponses: []*llm.CompletionResponse{
		toolCallResp(types.ToolCall{ID: "c1", Name: "echo", Arguments: "{}"}),
		{Content: "recovered summary", FinishReason: "stop"},
	}}
	loop := NewToolLoop(echoRuntime(t, "echo"), nil, cfg, nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "recovered summary" || res.Forced {
		t.Errorf("Reply = %q, Forced = %v", res.Reply, res.Forced)
	}

	// The recovery request must not offer tools again.
	last := p.CompleteCalls[len(p.CompleteCalls)-1].Req
	if len(last.Tools) != 0 {
		t.Errorf("recovery request still offers %d tools", len(last.Tools))
	}
}

func TestToolLoop_SynthesizesFromToolOutput(t *testing.T) {
	cfg := loopConfig()
	cfg.MaxSteps = 1
	r := tools.NewRuntime()
	r.RegisterBuiltin(tools.BuiltinTool{
		Definition: types.ToolDefinition{Name: "web_search"},
		Handler: func(context.Context, string) (string, error) {
			return "1. Result A\n2. Result B", nil
		},
	})
	p := &mock.Provider{
		CompleteResponses: []*llm.CompletionResponse{
			toolCallResp(types.ToolCall{ID: "c1", Name: "web_search", Arguments: `{"query":"x"}`}),
		},
		CompleteErrs: []error{nil, errors.New("model unavailable")},
	}
	loop := NewToolLoop(r, nil, cfg, nil)

	res, err := loop.Run(context.Background(), p, nil, LoopInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Forced {
		t.Error("synthesized reply not marked forced")
	}
	if !strings.Contains(res.Reply, "web search turned up") || !strings.Contains(res.Reply, "Result A") {
		t.Errorf("Reply = %q, want search synthesis", res.Reply)
	}
}

func TestSynthesizeFromToolOutputs_LastErrorShape(t *testing.T) {
	got := synthesizeFromToolOutputs([]toolOutput{
		{name: "web_fetch", content: "connection refused", isError: true},
	}, nil)
	if !strings.Contains(got, "web_fetch") || !strings.Contains(got, "connection refused") {
		t.Errorf("synthesis = %q", got)
	}
}
