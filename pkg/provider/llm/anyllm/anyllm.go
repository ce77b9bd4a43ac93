// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Groq, Mistral, DeepSeek, Ollama, and
// OpenAI-compatible endpoints (including Grok via base-URL override).
//
// Usage:
//
//	p, err := anyllm.New(llm.KindClaude, "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	p, err := anyllm.New(llm.KindGrok, "grok-2-latest",
//	    anyllmlib.WithAPIKey("xai-..."), anyllmlib.WithBaseURL("https://api.x.ai/v1"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	kind    llm.Kind
	model   string
}

// Compile-time assertion that Provider satisfies the llm.Provider interface.
var _ llm.Provider = (*Provider)(nil)

// New creates a Provider for the given family and model.
//
// kind selects the backing API dialect: KindClaude uses the Anthropic
// messages API, KindGemini the Gemini API, and everything else the OpenAI
// chat completions dialect (Grok and ChatKit endpoints are OpenAI-compatible
// and are selected via anyllmlib.WithBaseURL).
//
// opts are any-llm-go configuration options (WithAPIKey, WithBaseURL). When
// no API key option is provided the backend falls back to the conventional
// environment variable for its family.
func New(kind llm.Kind, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(kind, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", kind, err)
	}

	return &Provider{backend: backend, kind: kind, model: model}, nil
}

// createBackend creates the underlying any-llm-go provider for the family.
func createBackend(kind llm.Kind, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch kind {
	case llm.KindClaude:
		return anthropic.New(opts...)
	case llm.KindGemini:
		return gemini.New(opts...)
	case llm.KindOpenAI, llm.KindGrok, llm.KindOpenAIChatKit:
		return anyllmoai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}

// Kind implements llm.Provider.
func (p *Provider) Kind() llm.Kind { return p.kind }

// Model implements llm.Provider.
func (p *Provider) Model() string { return p.model }

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params := p.buildParams(req)

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}
		var textLen int

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}
			textLen += len(delta.Content)

			// Accumulate tool call fragments by index within this chunk.
			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls plus usage.
			if choice.FinishReason != "" {
				if choice.FinishReason == anyllmlib.FinishReasonToolCalls || len(toolCallAccum) > 0 {
					for i := 0; i < len(toolCallAccum); i++ {
						if tc, ok := toolCallAccum[i]; ok {
							out.ToolCalls = append(out.ToolCalls, *tc)
						}
					}
				}
				out.Usage = p.estimateUsage(req, textLen)
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{FinishReason: "error", Text: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params := p.buildParams(req)

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, &llm.Error{Op: "complete", Provider: string(p.kind), Detail: err.Error(), Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.Error{Op: "complete", Provider: string(p.kind), Detail: "empty choices in response"}
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		result.Usage = types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	return llm.CountMessageTokens(messages), nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.Capabilities {
	return modelCapabilities(p.kind, p.model)
}

// estimateUsage synthesizes a usage record for streams whose backend does not
// report one. Prompt tokens are counted locally; completion tokens derive
// from the accumulated text length.
func (p *Provider) estimateUsage(req llm.CompletionRequest, completionChars int) *types.Usage {
	prompt := llm.CountTextTokens(req.SystemPrompt) + llm.CountMessageTokens(req.Messages)
	completion := (completionChars + 3) / 4
	return &types.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// buildParams converts our CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

// convertMessage converts a types.Message to an anyllm.Message, including
// assistant tool-use blocks and tool-result messages for the tool loop.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// modelCapabilities returns Capabilities based on known model names.
// Unknown models receive sensible defaults.
func modelCapabilities(kind llm.Kind, model string) llm.Capabilities {
	caps := llm.Capabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
	}

	lower := strings.ToLower(model)

	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"):
		caps.MaxOutputTokens = 16_384

	case strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxOutputTokens = 16_384

	case strings.HasPrefix(lower, "gpt-4.1"):
		caps.ContextWindow = 1_047_576
		caps.MaxOutputTokens = 32_768

	case strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o1"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
		caps.SupportsVerbosityTuning = true

	case strings.HasPrefix(lower, "gpt-5"):
		caps.ContextWindow = 400_000
		caps.MaxOutputTokens = 128_000
		caps.SupportsVerbosityTuning = true

	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192

	case strings.Contains(lower, "gemini-2"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192

	case strings.HasPrefix(lower, "gemini"):
		caps.MaxOutputTokens = 8_192

	case strings.HasPrefix(lower, "grok"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 8_192
	}

	if kind == llm.KindGemini {
		// Gemini tool streaming through the compat layer is unreliable;
		// the engine falls back to non-streaming tool steps for it.
		caps.SupportsVerbosityTuning = false
	}

	return caps
}
