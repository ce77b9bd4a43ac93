package llm

import (
	"strings"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// modelRate holds per-million-token pricing in USD.
type modelRate struct {
	inputPerM  float64
	outputPerM float64
}

// knownRates is a best-effort pricing table keyed by model-name prefix.
// Unknown models fall back to defaultRate. Rates drift; the estimate is for
// the usage broadcast only and carries no billing authority.
var knownRates = []struct {
	prefix string
	rate   modelRate
}{
	{"gpt-4o-mini", modelRate{0.15, 0.60}},
	{"gpt-4o", modelRate{2.50, 10.00}},
	{"gpt-4.1-mini", modelRate{0.40, 1.60}},
	{"gpt-4.1", modelRate{2.00, 8.00}},
	{"o3-mini", modelRate{1.10, 4.40}},
	{"o3", modelRate{2.00, 8.00}},
	{"claude-3-5-haiku", modelRate{0.80, 4.00}},
	{"claude-3-5-sonnet", modelRate{3.00, 15.00}},
	{"claude", modelRate{3.00, 15.00}},
	{"gemini-2.0-flash", modelRate{0.10, 0.40}},
	{"gemini", modelRate{1.25, 5.00}},
	{"grok", modelRate{2.00, 10.00}},
}

var defaultRate = modelRate{1.00, 3.00}

// EstimateCostUSD returns the approximate dollar cost of usage for model.
func EstimateCostUSD(model string, usage types.Usage) float64 {
	rate := defaultRate
	lower := strings.ToLower(model)
	for _, kr := range knownRates {
		if strings.HasPrefix(lower, kr.prefix) {
			rate = kr.rate
			break
		}
	}
	return float64(usage.PromptTokens)/1e6*rate.inputPerM +
		float64(usage.CompletionTokens)/1e6*rate.outputPerM
}
