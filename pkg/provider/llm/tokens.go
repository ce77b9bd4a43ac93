package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// charsPerToken is the heuristic ratio used when no tokenizer is available
// for the model. English text averages roughly 4 characters per token across
// common LLM tokenizers.
const charsPerToken = 4

// perMessageOverhead accounts for role and formatting tokens per message.
const perMessageOverhead = 4

var (
	encOnce sync.Once
	encBase *tiktoken.Tiktoken
)

// baseEncoding lazily initialises the cl100k_base encoding. Non-OpenAI
// tokenizers differ, but cl100k is close enough for budget enforcement and
// never undercounts dramatically. Returns nil when the encoding data cannot
// be loaded (offline first run); callers fall back to the chars/4 heuristic.
func baseEncoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encBase = enc
		}
	})
	return encBase
}

// CountTextTokens estimates the token count of a plain text blob.
func CountTextTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := baseEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// CountMessageTokens estimates the tokens a message list would consume,
// including per-message role/formatting overhead.
func CountMessageTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += CountTextTokens(m.Content) + perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += CountTextTokens(tc.Name) + CountTextTokens(tc.Arguments)
		}
	}
	return total
}
