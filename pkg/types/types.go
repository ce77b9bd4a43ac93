// Package types defines the shared types used across all Nova packages.
//
// These types form the lingua franca between the dispatcher, the chat
// execution engine, providers, memory layers, and the dev log. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// TurnInput is everything the orchestrator knows about an inbound user
// utterance. One TurnInput produces exactly one assistant reply.
type TurnInput struct {
	// Text is the raw user utterance.
	Text string

	// Source tags where the turn arrived from ("hud", "voice", "telegram",
	// "discord", "novachat", ...).
	Source string

	// SenderID identifies the sending account on the source platform.
	SenderID string

	// UserContextID scopes memory, preferences and transcripts to one user.
	UserContextID string

	// SessionKey identifies the live session (pending confirmations, dedupe).
	SessionKey string

	// ConversationID identifies the transcript thread. May be derived from
	// SessionKey when the source does not supply one.
	ConversationID string

	// InboundMessageID is the platform message id, when the source has one.
	InboundMessageID string

	// Persona carries runtime persona overrides for this turn.
	Persona PersonaOverrides

	// HudOpToken is a single-use token authorising sensitive tool actions.
	HudOpToken string

	// AccessToken is an optional bearer token for collaborator APIs.
	AccessToken string
}

// PersonaOverrides are per-turn adjustments layered over the base persona.
// Zero-value fields are ignored.
type PersonaOverrides struct {
	Tone               string
	CommunicationStyle string
	AssistantName      string
	CustomInstructions string
	Proactivity        string
	Humor              string
	Risk               string
	Structure          string
	Challenge          string
}

// TranscriptTurn is a single persisted conversation turn.
type TranscriptTurn struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the turn content.
	Text string

	// Timestamp is when the turn was recorded.
	Timestamp time.Time

	// Provider and Model identify who generated an assistant turn, when known.
	Provider string
	Model    string

	// Usage holds token accounting for assistant turns, when known.
	Usage *Usage

	// Diagnostics carries optional NLP preprocessor annotations.
	Diagnostics map[string]string
}

// Usage holds token accounting information returned by an LLM backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and
	// system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this
	// message responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// MaxDurationMs is the declared upper bound on execution time, used as a
	// per-call timeout where the runtime does not override it.
	MaxDurationMs int

	// Sensitive marks tools that require a single-use HUD operation token
	// before execution (e.g. outbound mail actions).
	Sensitive bool
}

// ToolCallRecord captures one observed tool invocation for the run summary.
type ToolCallRecord struct {
	// Name is the tool that was invoked.
	Name string `json:"name"`

	// Status is "ok", "error", or "timeout".
	Status string `json:"status"`

	// DurationMs is the wall-clock execution time.
	DurationMs int64 `json:"duration_ms"`

	// Preview is a truncated excerpt of the tool output or error.
	Preview string `json:"preview,omitempty"`
}

// RetryEntry records one rung of the retry ladder: a model or stage switch
// taken while recovering a turn.
type RetryEntry struct {
	Stage     string `json:"stage"`
	FromModel string `json:"from_model,omitempty"`
	ToModel   string `json:"to_model,omitempty"`
	Reason    string `json:"reason"`
}

// GuardrailSnapshot is the tool loop's counter state at turn end.
type GuardrailSnapshot struct {
	// BudgetExhausted counts loop exits forced by the wall-clock budget.
	BudgetExhausted int `json:"budget_exhausted"`

	// StepTimeouts counts model-request timeouts inside the loop.
	StepTimeouts int `json:"step_timeouts"`

	// ToolExecutionTimeouts counts individual tool invocations that timed out.
	ToolExecutionTimeouts int `json:"tool_execution_timeouts"`

	// CallsCapped counts steps where the model's tool-call list was truncated.
	CallsCapped int `json:"calls_capped"`

	// Steps is the number of loop iterations that ran.
	Steps int `json:"steps"`
}

// Breached reports whether any guardrail counter is non-zero.
func (g GuardrailSnapshot) Breached() bool {
	return g.BudgetExhausted > 0 || g.StepTimeouts > 0 ||
		g.ToolExecutionTimeouts > 0 || g.CallsCapped > 0
}

// RunSummary is the engine's account of one completed turn. It is the unit
// written to the dev conversation log and never outlives the turn otherwise.
type RunSummary struct {
	// Route identifies which dispatcher branch or engine sub-path handled
	// the turn (e.g. "shutdown", "duplicate_skipped", "chat_stream",
	// "chat_tool_loop", "weather_fastpath").
	Route string `json:"route"`

	// OK is false when the turn ended in a ConfigError or runtime error.
	OK bool `json:"ok"`

	// Reply is the final assistant text delivered to the user.
	Reply string `json:"reply"`

	// Error holds the surfaced error text when OK is false.
	Error string `json:"error,omitempty"`

	// Provider and Model identify the backend that served the turn.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Usage is the aggregate token accounting across all provider calls.
	Usage Usage `json:"usage"`

	// ToolCalls lists every observed tool invocation in order.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`

	// RetryLadder lists model/stage switches taken during recovery.
	RetryLadder []RetryEntry `json:"retry_ladder,omitempty"`

	// LatencyStages maps stage name to duration in milliseconds.
	LatencyStages map[string]int64 `json:"latency_stages,omitempty"`

	// HotPath names the stage that consumed the largest share of the turn.
	HotPath string `json:"hot_path,omitempty"`

	// FallbackStage and FallbackReason are set when the fallback ladder fired.
	FallbackStage  string `json:"fallback_stage,omitempty"`
	FallbackReason string `json:"fallback_reason,omitempty"`

	// HadCandidateReply is true when a non-empty candidate existed before the
	// fallback ladder replaced it.
	HadCandidateReply bool `json:"had_candidate_reply,omitempty"`

	// Guardrails is the tool-loop counter snapshot.
	Guardrails GuardrailSnapshot `json:"guardrails"`

	// RankedProviders lists provider candidates in selection order.
	RankedProviders []string `json:"ranked_providers,omitempty"`

	// ConstraintCorrections counts constraint-correction passes (0 or 1).
	ConstraintCorrections int `json:"constraint_corrections,omitempty"`

	// Enrichment flags record which context sections made it into the prompt.
	MemoryRecallUsed bool `json:"memory_recall_used,omitempty"`
	WebContextUsed   bool `json:"web_context_used,omitempty"`
	LinkContextUsed  bool `json:"link_context_used,omitempty"`
}
