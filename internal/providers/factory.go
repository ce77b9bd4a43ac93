package providers

import (
	"fmt"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm/anyllm"
	openaiprov "github.com/AverageNftEnjoyer/nova/pkg/provider/llm/openai"
)

// grokBaseURL is used when the integration carries no explicit endpoint.
const grokBaseURL = "https://api.x.ai/v1"

// Factory instantiates concrete LLM clients from a resolved runtime.
// OpenAI-family runtimes use the native client (strict-mode completions and
// verbosity tuning need it); Claude and Gemini go through the universal
// backend.
type Factory struct {
	// RequestTimeout bounds each native OpenAI call.
	RequestTimeout time.Duration
}

// Build returns the provider client for rt.
func (f Factory) Build(rt *ChatRuntime) (llm.Provider, error) {
	kind := llm.Kind(rt.Provider)
	switch kind {
	case llm.KindOpenAI, llm.KindGrok, llm.KindOpenAIChatKit:
		opts := []openaiprov.Option{openaiprov.WithKind(kind)}
		if f.RequestTimeout > 0 {
			opts = append(opts, openaiprov.WithTimeout(f.RequestTimeout))
		}
		baseURL := rt.BaseURL
		if baseURL == "" && kind == llm.KindGrok {
			baseURL = grokBaseURL
		}
		if baseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(baseURL))
		}
		return openaiprov.New(rt.APIKey, rt.Model, opts...)

	case llm.KindClaude, llm.KindGemini:
		opts := []anyllmlib.Option{anyllmlib.WithAPIKey(rt.APIKey)}
		if rt.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(rt.BaseURL))
		}
		return anyllm.New(kind, rt.Model, opts...)

	default:
		return nil, fmt.Errorf("providers: unknown provider kind %q", rt.Provider)
	}
}
