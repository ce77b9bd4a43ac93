// Package llm defines the Provider interface over Large Language Model
// backends.
//
// A provider wraps a remote model API (OpenAI, Anthropic Claude, Gemini,
// Grok, or any OpenAI-compatible endpoint) and exposes a uniform surface for
// the Nova engine to perform streaming and non-streaming completions, count
// tokens, and inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Kind is the tagged variant identifying a provider family. The engine
// branches on the tag only at call sites (strict-mode routing, tuning).
type Kind string

const (
	KindOpenAI        Kind = "openai"
	KindClaude        Kind = "claude"
	KindGrok          Kind = "grok"
	KindGemini        Kind = "gemini"
	KindOpenAIChatKit Kind = "openai-chatkit"
)

// IsOpenAICompatible reports whether the provider speaks the OpenAI chat
// completions dialect. These backends support the non-streaming recovery
// completion used by the empty-reply fallback ladder.
func (k Kind) IsOpenAICompatible() bool {
	return k == KindOpenAI || k == KindGrok || k == KindOpenAIChatKit
}

// Capabilities describes what a provider's underlying model supports.
// The result is assumed constant for the lifetime of a Provider instance.
type Capabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens generated in one completion.
	MaxOutputTokens int

	// SupportsTools indicates native function/tool calling support.
	SupportsTools bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool

	// SupportsVerbosityTuning indicates the model family accepts verbosity /
	// reasoning-effort knobs (newer OpenAI reasoning models).
	SupportsVerbosityTuning bool
}

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Messages
// must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Tools is the set of tool definitions offered to the model.
	// Callers should check Capabilities().SupportsTools first.
	Tools []types.ToolDefinition

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int

	// Verbosity and ReasoningEffort tune model families that support them
	// ("low", "medium", "high"). Ignored elsewhere.
	Verbosity       string
	ReasoningEffort string
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, usage, or any combination.
type Chunk struct {
	// Text is the incremental text content. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", "tool_calls",
	// "error", or "" for non-final chunks.
	FinishReason string

	// ToolCalls contains fully accumulated tool invocations, emitted on the
	// final chunk of a tool-calling response.
	ToolCalls []types.ToolCall

	// Usage is the final token accounting, set on the last chunk when the
	// backend reports it.
	Usage *types.Usage
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply. Empty when the model
	// responds exclusively with tool calls.
	Content string

	// ToolCalls lists tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// FinishReason indicates why generation stopped ("stop", "length", ...).
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage types.Usage
}

// StreamResult aggregates a fully drained stream.
type StreamResult struct {
	// Reply is the concatenated text of all chunks.
	Reply string

	// ToolCalls are the accumulated tool invocations, if any.
	ToolCalls []types.ToolCall

	// FinishReason is the final chunk's finish reason.
	FinishReason string

	// Usage is the final token accounting, when reported.
	Usage types.Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Used for the strict-mode direct path and tool-loop steps.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened surface as a Chunk with FinishReason
	// "error"; the initial error return is non-nil only for failures that
	// prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the tokens the given messages would consume in
	// the model's context window. The result need not be exact but should
	// not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata for the provider's model.
	Capabilities() Capabilities

	// Kind returns the provider family tag.
	Kind() Kind

	// Model returns the concrete model identifier in use.
	Model() string
}

// Stream drives a streaming completion to completion, invoking onDelta for
// every non-empty text fragment, and returns the aggregated result. onDelta
// may be nil. Stream returns early with ctx.Err() on cancellation.
func Stream(ctx context.Context, p Provider, req CompletionRequest, onDelta func(string)) (*StreamResult, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &StreamResult{}
	var buf []byte
	for {
		select {
		case <-ctx.Done():
			res.Reply = string(buf)
			return res, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				res.Reply = string(buf)
				return res, nil
			}
			if chunk.Text != "" && chunk.FinishReason != "error" {
				buf = append(buf, chunk.Text...)
				if onDelta != nil {
					onDelta(chunk.Text)
				}
			}
			if len(chunk.ToolCalls) > 0 {
				res.ToolCalls = append(res.ToolCalls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				res.Usage = *chunk.Usage
			}
			if chunk.FinishReason != "" {
				res.FinishReason = chunk.FinishReason
				if chunk.FinishReason == "error" {
					res.Reply = string(buf)
					return res, &Error{Op: "stream", Provider: string(p.Kind()), Detail: chunk.Text}
				}
			}
		}
	}
}
