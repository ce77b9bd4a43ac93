// Package prompt holds the pure functions behind Nova's prompt construction:
// the token-budgeted section assembler, history trimming, and the strict
// output-constraint parser and validator.
//
// Nothing in this package performs I/O. Token counting goes through the
// shared llm tokenizer helpers so the assembler and the providers agree on
// the unit.
package prompt

import (
	"strings"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Budget bounds one prompt assembly pass. Construct it per turn from config
// plus the turn's shape (fast-lane and strict turns shrink the budget).
type Budget struct {
	// MaxPromptTokens is the total budget for system prompt + history + user.
	MaxPromptTokens int

	// ResponseReserveTokens is held back for the completion.
	ResponseReserveTokens int

	// HistoryTargetTokens is the preferred history share.
	HistoryTargetTokens int

	// MinHistoryTokens and MaxHistoryTokens clamp the computed history budget.
	MinHistoryTokens int
	MaxHistoryTokens int

	// SectionMaxTokens caps any single appended section.
	SectionMaxTokens int
}

// Shrink returns a copy of b scaled down for fast-lane or strict turns.
// Fast-lane halves the totals; strict trims section room so the constraint
// instructions always fit.
func (b Budget) Shrink(fastLane, strict bool) Budget {
	out := b
	if fastLane {
		out.MaxPromptTokens = b.MaxPromptTokens / 2
		out.HistoryTargetTokens = b.HistoryTargetTokens / 2
		out.SectionMaxTokens = b.SectionMaxTokens / 2
	}
	if strict {
		out.SectionMaxTokens = min(out.SectionMaxTokens, 800)
	}
	return out
}

// AppendResult reports the outcome of one budgeted section append.
type AppendResult struct {
	// Prompt is the (possibly extended) prompt text.
	Prompt string

	// Included is true when the section fit and was appended.
	Included bool

	// Reason explains a rejection ("section_over_cap", "budget_exhausted").
	Reason string
}

// AppendBudgetedSection appends a titled section to prompt if it fits both
// the per-section cap and the remaining total budget. Sections that do not
// fit are rejected whole rather than truncated mid-sentence.
func AppendBudgetedSection(prompt, title, body string, b Budget) AppendResult {
	body = strings.TrimSpace(body)
	if body == "" {
		return AppendResult{Prompt: prompt, Included: false, Reason: "empty_body"}
	}

	section := "\n\n## " + title + "\n" + body
	sectionTokens := llm.CountTextTokens(section)

	if b.SectionMaxTokens > 0 && sectionTokens > b.SectionMaxTokens {
		return AppendResult{Prompt: prompt, Included: false, Reason: "section_over_cap"}
	}

	used := llm.CountTextTokens(prompt)
	if b.MaxPromptTokens > 0 && used+sectionTokens > b.MaxPromptTokens {
		return AppendResult{Prompt: prompt, Included: false, Reason: "budget_exhausted"}
	}

	return AppendResult{Prompt: prompt + section, Included: true}
}

// HistoryTokenBudget computes how many tokens of conversation history may
// accompany the assembled system prompt and the user message. The result is
// MaxPromptTokens minus system, user, and reserve, clamped to
// [MinHistoryTokens, MaxHistoryTokens], then capped at HistoryTargetTokens.
// Returns 0 when nothing is left.
func HistoryTokenBudget(systemPrompt, userText string, b Budget) int {
	remaining := b.MaxPromptTokens -
		llm.CountTextTokens(systemPrompt) -
		llm.CountTextTokens(userText) -
		b.ResponseReserveTokens
	if remaining <= 0 {
		return 0
	}

	if b.MaxHistoryTokens > 0 && remaining > b.MaxHistoryTokens {
		remaining = b.MaxHistoryTokens
	}
	if remaining < b.MinHistoryTokens {
		remaining = b.MinHistoryTokens
	}
	if b.HistoryTargetTokens > 0 && remaining > b.HistoryTargetTokens {
		remaining = b.HistoryTargetTokens
	}
	return remaining
}

// TrimHistory selects messages from newest back until budget tokens are
// spent, preserving original order in the returned slice. A message that
// would overflow the budget is dropped along with everything older.
func TrimHistory(messages []types.Message, budget int) []types.Message {
	if budget <= 0 || len(messages) == 0 {
		return nil
	}

	spent := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := llm.CountMessageTokens(messages[i : i+1])
		if spent+cost > budget {
			break
		}
		spent += cost
		start = i
	}
	if start == len(messages) {
		return nil
	}
	out := make([]types.Message, len(messages)-start)
	copy(out, messages[start:])
	return out
}
