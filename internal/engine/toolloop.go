package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AverageNftEnjoyer/nova/internal/tools"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Timeout floors keep a nearly-spent budget from issuing zero-duration
// requests that can only fail.
const (
	stepTimeoutFloor = 2 * time.Second
	toolTimeoutFloor = time.Second
	previewMaxChars  = 200
	synthMaxChars    = 1500
)

// sensitiveActionReply is returned when a sensitive tool is requested
// without a valid single-use HUD operation token.
const sensitiveActionReply = "That action touches your email, so I need a one-tap confirmation from the HUD before I run it. Approve it there and ask me again."

// budgetExhaustedReply ends a loop whose wall-clock budget ran out before
// a final answer was produced and no tool output was worth synthesizing.
const budgetExhaustedReply = "That took longer than I allow for tool work, so I stopped early. Ask again and I'll pick a faster route."

// HudTokenGate consumes a single-use HUD operation token. A false return
// means the token was absent, already spent, or invalid.
type HudTokenGate interface {
	ConsumeHudOpToken(token string) bool
}

// ToolLoopConfig bounds one guardrailed loop.
type ToolLoopConfig struct {
	MaxDuration         time.Duration
	RequestTimeout      time.Duration
	ToolExecTimeout     time.Duration
	RecoveryTimeout     time.Duration
	MaxSteps            int
	MaxToolCallsPerStep int
	MaxCompletionTokens int
}

// ToolLoop runs the bounded model-tool-model iteration. One instance per
// engine; all per-turn state lives in Run.
type ToolLoop struct {
	runtime tools.Runtime
	gate    HudTokenGate
	cfg     ToolLoopConfig
	log     *slog.Logger
}

// NewToolLoop wires the loop to its tool runtime and HUD token gate.
// gate may be nil, which denies every sensitive action.
func NewToolLoop(runtime tools.Runtime, gate HudTokenGate, cfg ToolLoopConfig, log *slog.Logger) *ToolLoop {
	if log == nil {
		log = slog.Default()
	}
	return &ToolLoop{runtime: runtime, gate: gate, cfg: cfg, log: log.With("component", "toolloop")}
}

// LoopInput is one loop invocation.
type LoopInput struct {
	// Request carries the assembled system prompt, history, and tool
	// definitions for the first step.
	Request llm.CompletionRequest

	// HudOpToken authorises sensitive actions for this turn only.
	HudOpToken string
}

// LoopResult is the loop's account of itself. Reply is never empty.
type LoopResult struct {
	Reply        string
	FinishReason string

	// Forced marks a deterministic exit (fatal tool error, missing HUD
	// token, exhausted budget).
	Forced bool

	ToolRecords []types.ToolCallRecord
	Usage       types.Usage
	Guardrails  types.GuardrailSnapshot
	RetryHops   []types.RetryEntry
}

// toolOutput is an executed call kept around for reply synthesis.
type toolOutput struct {
	name    string
	content string
	isError bool
}

// Run drives the loop to a reply. The only error returned is parent
// context cancellation; every other failure mode degrades into a reply.
func (l *ToolLoop) Run(ctx context.Context, primary, fallback llm.Provider, in LoopInput) (*LoopResult, error) {
	res := &LoopResult{}
	budget := NewLoopBudget(l.cfg.MaxDuration)

	provider := primary
	switched := false
	messages := append([]types.Message(nil), in.Request.Messages...)

	var outputs []toolOutput
	var lastErr error

	for step := 0; step < l.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if budget.IsExhausted() {
			res.Guardrails.BudgetExhausted++
			break
		}
		res.Guardrails.Steps++

		req := in.Request
		req.Messages = messages
		if l.cfg.MaxCompletionTokens > 0 {
			req.MaxTokens = l.cfg.MaxCompletionTokens
		}

		timeout := budget.ResolveTimeout(l.cfg.RequestTimeout, stepTimeoutFloor)
		resp, err := llm.WithTimeout(ctx, "tool_loop_step", timeout, func(c context.Context) (*llm.CompletionResponse, error) {
			return provider.Complete(c, req)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// One-shot model switch when the very first step dies on
			// transport, before any tool has run.
			if step == 0 && !switched && fallback != nil {
				switched = true
				res.RetryHops = append(res.RetryHops, types.RetryEntry{
					Stage:     "tool_loop",
					FromModel: primary.Model(),
					ToModel:   fallback.Model(),
					Reason:    err.Error(),
				})
				l.log.Warn("first tool-loop step failed, switching model",
					"from", primary.Model(), "to", fallback.Model(), "err", err)
				provider = fallback
				res.Guardrails.Steps--
				step--
				continue
			}
			if IsLikelyTimeoutError(err) {
				res.Guardrails.StepTimeouts++
			}
			lastErr = err
			break
		}

		res.Usage.PromptTokens += resp.Usage.PromptTokens
		res.Usage.CompletionTokens += resp.Usage.CompletionTokens
		res.Usage.TotalTokens += resp.Usage.TotalTokens
		res.FinishReason = resp.FinishReason

		if len(resp.ToolCalls) == 0 {
			res.Reply = strings.TrimSpace(resp.Content)
			break
		}

		messages = append(messages, types.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		capRes := CapToolCalls(resp.ToolCalls, l.cfg.MaxToolCallsPerStep)
		if capRes.WasCapped {
			res.Guardrails.CallsCapped++
			// The model still needs a result per requested call; dropped
			// calls get the guardrail note so it knows what happened.
			for _, dropped := range resp.ToolCalls[capRes.CappedCount:] {
				messages = append(messages, types.Message{
					Role:       "tool",
					ToolCallID: dropped.ID,
					Content: fmt.Sprintf("Skipped: only %d tool calls are allowed per step (%d were requested).",
						capRes.CappedCount, capRes.RequestedCount),
				})
			}
		}

		for _, call := range capRes.Capped {
			if l.runtime.IsSensitive(call.Name) {
				if in.HudOpToken == "" || l.gate == nil || !l.gate.ConsumeHudOpToken(in.HudOpToken) {
					res.Reply = sensitiveActionReply
					res.Forced = true
					return res, nil
				}
			}

			execTimeout := budget.ResolveTimeout(l.cfg.ToolExecTimeout, toolTimeoutFloor)
			if execTimeout == 0 {
				res.Guardrails.BudgetExhausted++
				break
			}

			record, content, forced := l.executeCall(ctx, call, execTimeout, &res.Guardrails)
			res.ToolRecords = append(res.ToolRecords, record)
			outputs = append(outputs, toolOutput{
				name:    call.Name,
				content: content,
				isError: record.Status != "ok",
			})
			if forced != "" {
				res.Reply = forced
				res.Forced = true
				return res, nil
			}

			messages = append(messages, types.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    content,
			})
		}

		if res.Guardrails.BudgetExhausted > 0 {
			break
		}
	}

	if res.Reply != "" {
		return res, nil
	}

	// Recovery completion: one no-tools pass asking for the final answer.
	if !budget.IsExhausted() {
		if reply := l.recoveryCompletion(ctx, provider, in, messages, budget, res); reply != "" {
			res.Reply = reply
			return res, nil
		}
	}

	// Synthesize from the most recent useful tool output.
	if reply := synthesizeFromToolOutputs(outputs, lastErr); reply != "" {
		res.Reply = reply
		res.Forced = true
		return res, nil
	}

	res.Reply = budgetExhaustedReply
	res.Forced = true
	return res, nil
}

// executeCall runs one tool invocation under its own timeout. The third
// return is a non-empty forced-fallback reply when the error shape is
// fatal.
func (l *ToolLoop) executeCall(ctx context.Context, call types.ToolCall, timeout time.Duration, g *types.GuardrailSnapshot) (types.ToolCallRecord, string, string) {
	start := time.Now()
	result, err := llm.WithTimeout(ctx, "tool_exec", timeout, func(c context.Context) (*tools.Result, error) {
		return l.runtime.Execute(c, call.Name, call.Arguments)
	})
	record := types.ToolCallRecord{
		Name:       call.Name,
		Status:     "ok",
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case err != nil && IsLikelyTimeoutError(err):
		g.ToolExecutionTimeouts++
		record.Status = "timeout"
		record.Preview = err.Error()
		content := fmt.Sprintf("Tool %s timed out after %s.", call.Name, timeout)
		return record, content, ""

	case err != nil:
		record.Status = "error"
		record.Preview = truncate(err.Error(), previewMaxChars)
		return record, "Tool error: " + err.Error(), ""

	case result.IsError:
		record.Status = "error"
		record.Preview = truncate(result.Content, previewMaxChars)
		if reply, fatal := tools.ForcedFallbackReply(call.Name, result.Content); fatal {
			return record, result.Content, reply
		}
		return record, "Tool error: " + result.Content, ""

	default:
		record.Preview = truncate(result.Content, previewMaxChars)
		return record, result.Content, ""
	}
}

// recoveryCompletion asks the model for a final answer without tools,
// inside the recovery sub-budget.
func (l *ToolLoop) recoveryCompletion(ctx context.Context, provider llm.Provider, in LoopInput, messages []types.Message, budget *LoopBudget, res *LoopResult) string {
	req := in.Request
	req.Tools = nil
	req.Messages = append(append([]types.Message(nil), messages...), types.Message{
		Role:    "user",
		Content: "Provide the final answer based on the tool results above. Do not request any more tools.",
	})
	if l.cfg.MaxCompletionTokens > 0 {
		req.MaxTokens = l.cfg.MaxCompletionTokens
	}

	timeout := budget.ResolveTimeout(l.cfg.RecoveryTimeout, stepTimeoutFloor)
	resp, err := llm.WithTimeout(ctx, "tool_loop_recovery", timeout, func(c context.Context) (*llm.CompletionResponse, error) {
		return provider.Complete(c, req)
	})
	if err != nil {
		l.log.Debug("recovery completion failed", "err", err)
		return ""
	}
	res.Usage.PromptTokens += resp.Usage.PromptTokens
	res.Usage.CompletionTokens += resp.Usage.CompletionTokens
	res.Usage.TotalTokens += resp.Usage.TotalTokens
	return strings.TrimSpace(resp.Content)
}

// synthesizeFromToolOutputs builds a reply directly from tool output when
// the model never produced one. Newest useful output wins; formatting
// varies by tool family.
func synthesizeFromToolOutputs(outputs []toolOutput, lastErr error) string {
	for i := len(outputs) - 1; i >= 0; i-- {
		o := outputs[i]
		if o.isError || strings.TrimSpace(o.content) == "" {
			continue
		}
		body := truncate(strings.TrimSpace(o.content), synthMaxChars)
		switch o.name {
		case "web_search":
			return "Here's what the web search turned up:\n\n" + body
		case "web_fetch":
			return "Here's the relevant content from that page:\n\n" + body
		default:
			return fmt.Sprintf("Here's what the %s tool returned:\n\n%s", o.name, body)
		}
	}
	if len(outputs) > 0 {
		last := outputs[len(outputs)-1]
		return fmt.Sprintf("I couldn't finish that: the %s tool failed with %q. Want me to try a different angle?",
			last.name, truncate(last.content, previewMaxChars))
	}
	if lastErr != nil {
		return "I hit a provider error before any tool could run. Send that again and I'll retry."
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
