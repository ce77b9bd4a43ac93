// Package config provides the configuration schema and loader for the Nova
// chat orchestrator.
//
// Configuration is loaded from a YAML file and then overlaid with environment
// variables. Every numeric knob is bounded on parse: out-of-range or
// malformed values fall back to the default rather than failing startup.
package config

import "time"

// LogLevel controls log verbosity for the Nova server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Nova.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	ToolLoop  ToolLoopConfig  `yaml:"tool_loop"`
	Prompt    PromptConfig    `yaml:"prompt"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Routing   RoutingConfig   `yaml:"routing"`
	DevLog    DevLogConfig    `yaml:"dev_log"`
	Memory    MemoryConfig    `yaml:"memory"`
	Services  ServicesConfig  `yaml:"services"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the Nova server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the configured LLM backends. Each entry selects a
// provider family and carries its credentials; the registry ranks connected
// entries per turn.
type ProvidersConfig struct {
	Entries []ProviderEntry `yaml:"entries"`
}

// ProviderEntry is the configuration block for one LLM backend.
type ProviderEntry struct {
	// Name is the provider family tag ("openai", "claude", "grok", "gemini",
	// "openai-chatkit").
	Name string `yaml:"name"`

	// APIKey is the authentication key. An entry with an empty key is
	// treated as not connected.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the default model for this provider. When empty, a
	// per-family hardcoded fallback applies.
	Model string `yaml:"model"`

	// Disabled removes the entry from ranking without deleting its config.
	Disabled bool `yaml:"disabled"`
}

// ToolLoopConfig bounds the guardrailed model-tool-model iteration.
type ToolLoopConfig struct {
	// Enabled gates the tool loop globally.
	Enabled bool `yaml:"enabled"`

	// MaxDuration is the total wall-clock budget for one loop.
	// Env: TOOL_LOOP_MAX_DURATION_MS. Bounds [5s, 10m], default 90s.
	MaxDuration time.Duration `yaml:"max_duration"`

	// RequestTimeout is the per-step model request timeout.
	// Env: TOOL_LOOP_REQUEST_TIMEOUT_MS. Bounds [2s, 5m], default 45s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ToolExecTimeout is the per-tool execution timeout.
	// Env: TOOL_LOOP_TOOL_EXEC_TIMEOUT_MS. Bounds [1s, 2m], default 20s.
	ToolExecTimeout time.Duration `yaml:"tool_exec_timeout"`

	// RecoveryTimeout bounds the no-tools recovery completion.
	// Env: TOOL_LOOP_RECOVERY_TIMEOUT_MS. Bounds [2s, 2m], default 15s.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// MaxSteps caps loop iterations.
	// Env: TOOL_LOOP_MAX_STEPS. Bounds [1, 24], default 6.
	MaxSteps int `yaml:"max_steps"`

	// MaxToolCallsPerStep caps tool invocations per step.
	// Env: TOOL_LOOP_MAX_TOOL_CALLS_PER_STEP. Bounds [1, 16], default 4.
	MaxToolCallsPerStep int `yaml:"max_tool_calls_per_step"`
}

// PromptConfig bounds prompt assembly.
type PromptConfig struct {
	// MaxPromptTokens is the total prompt budget.
	// Env: MAX_PROMPT_TOKENS. Bounds [1k, 200k], default 24000.
	MaxPromptTokens int `yaml:"max_prompt_tokens"`

	// ResponseReserveTokens is held back for the completion.
	// Env: PROMPT_RESPONSE_RESERVE_TOKENS. Bounds [128, 32k], default 1024.
	ResponseReserveTokens int `yaml:"response_reserve_tokens"`

	// HistoryTargetTokens is the preferred history share.
	// Env: PROMPT_HISTORY_TARGET_TOKENS. Bounds [256, 64k], default 6000.
	HistoryTargetTokens int `yaml:"history_target_tokens"`

	// MinHistoryTokens is the history floor.
	// Env: PROMPT_MIN_HISTORY_TOKENS. Bounds [64, 8k], default 512.
	MinHistoryTokens int `yaml:"min_history_tokens"`

	// SectionMaxTokens caps any single appended context section.
	// Env: PROMPT_CONTEXT_SECTION_MAX_TOKENS. Bounds [128, 16k], default 1500.
	SectionMaxTokens int `yaml:"section_max_tokens"`

	// ClaudeChatMaxTokens caps Claude completions.
	// Env: CLAUDE_CHAT_MAX_TOKENS. Bounds [256, 64k], default 4096.
	ClaudeChatMaxTokens int `yaml:"claude_chat_max_tokens"`

	// ToolLoopMaxCompletionTokens caps OpenAI tool-loop completions.
	// Env: OPENAI_TOOL_LOOP_MAX_COMPLETION_TOKENS. Bounds [256, 32k], default 2048.
	ToolLoopMaxCompletionTokens int `yaml:"tool_loop_max_completion_tokens"`

	// FastLaneMaxCompletionTokens caps fast-lane replies.
	// Env: FAST_LANE_MAX_COMPLETION_TOKENS. Bounds [64, 4k], default 384.
	FastLaneMaxCompletionTokens int `yaml:"fast_lane_max_completion_tokens"`

	// StrictMaxCompletionTokens is the cap ceiling under strict constraints.
	// Env: STRICT_MAX_COMPLETION_TOKENS. Bounds [128, 8k], default 1024.
	StrictMaxCompletionTokens int `yaml:"strict_max_completion_tokens"`
}

// TimeoutConfig bounds every other outbound call.
type TimeoutConfig struct {
	// OpenAIRequest is the direct (non-loop) provider call timeout.
	// Env: OPENAI_REQUEST_TIMEOUT_MS. Bounds [2s, 5m], default 60s.
	OpenAIRequest time.Duration `yaml:"openai_request"`

	// MemoryRecall bounds the memory-recall enrichment task.
	// Env: MEMORY_RECALL_TIMEOUT_MS. Bounds [200ms, 30s], default 2500ms.
	MemoryRecall time.Duration `yaml:"memory_recall"`

	// WebPreload bounds the web-search enrichment task.
	// Env: WEB_PRELOAD_TIMEOUT_MS. Bounds [500ms, 60s], default 6s.
	WebPreload time.Duration `yaml:"web_preload"`

	// LinkPreload bounds the link-understanding enrichment task.
	// Env: LINK_PRELOAD_TIMEOUT_MS. Bounds [500ms, 60s], default 8s.
	LinkPreload time.Duration `yaml:"link_preload"`
}

// RoutingConfig holds provider-selection policy.
type RoutingConfig struct {
	// PreferredProviders ranks provider families for selection.
	PreferredProviders []string `yaml:"preferred_providers"`

	// AllowActiveOverride lets the user's explicit active provider win.
	AllowActiveOverride bool `yaml:"allow_active_override"`

	// ProviderFallback enables the one-shot primary→fallback model switch.
	ProviderFallback bool `yaml:"provider_fallback"`

	// MemoryLoop enables memory-recall enrichment.
	MemoryLoop bool `yaml:"memory_loop"`
}

// DevLogConfig controls the per-turn JSONL conversation log.
type DevLogConfig struct {
	// Enabled gates the whole dev log.
	Enabled bool `yaml:"enabled"`

	// Redact selects text handling: "none", "hash", or "drop".
	Redact string `yaml:"redact"`

	// MaxChars truncates logged text fields.
	// Env: DEVLOG_MAX_CHARS. Bounds [256, 65536], default 4000.
	MaxChars int `yaml:"max_chars"`

	// HashSalt salts hashed text when Redact is "hash".
	HashSalt string `yaml:"hash_salt"`

	// Path is the aggregate JSONL log path.
	Path string `yaml:"path"`

	// WarnScore is the quality score at or below which a warn is logged.
	// Env: DEVLOG_WARN_SCORE. Bounds [0, 100], default 40.
	WarnScore int `yaml:"warn_score"`

	// AlertWindow is the sliding window for guardrail alert rates.
	// Env: DEVLOG_ALERT_WINDOW. Bounds [8, 512], default 50.
	AlertWindow int `yaml:"alert_window"`

	// AlertMinSamples is the minimum window fill before alerting.
	// Env: DEVLOG_ALERT_MIN_SAMPLES. Bounds [4, 256], default 10.
	AlertMinSamples int `yaml:"alert_min_samples"`

	// AlertThreshold is the breach-rate threshold in [0,1].
	AlertThreshold float64 `yaml:"alert_threshold"`

	// AlertCooldown bounds how often one scope may alert.
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

// MemoryConfig configures the persistent memory layers.
type MemoryConfig struct {
	// Dir is the root directory for per-user MEMORY.md files.
	Dir string `yaml:"dir"`

	// PostgresDSN enables the pgvector semantic index when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ServicesConfig configures the built-in tool collaborators.
type ServicesConfig struct {
	// BraveAPIKey authenticates live web search. The search tool stays
	// registered without it; calls then fail with the missing-key shape.
	BraveAPIKey string `yaml:"brave_api_key"`

	// EmbeddingsModel selects the OpenAI embeddings model for the
	// semantic memory index.
	EmbeddingsModel string `yaml:"embeddings_model"`

	// EmbeddingsAPIKey authenticates the embeddings client. Falls back to
	// the configured openai provider entry's key when empty.
	EmbeddingsAPIKey string `yaml:"embeddings_api_key"`
}

// DiscordConfig configures the optional Discord frontend.
type DiscordConfig struct {
	// Token is the bot token. Empty disables the frontend.
	Token string `yaml:"token"`

	// ChannelIDs limits which channels feed the dispatcher. Empty = all.
	ChannelIDs []string `yaml:"channel_ids"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		ToolLoop: ToolLoopConfig{
			Enabled:             true,
			MaxDuration:         90 * time.Second,
			RequestTimeout:      45 * time.Second,
			ToolExecTimeout:     20 * time.Second,
			RecoveryTimeout:     15 * time.Second,
			MaxSteps:            6,
			MaxToolCallsPerStep: 4,
		},
		Prompt: PromptConfig{
			MaxPromptTokens:             24000,
			ResponseReserveTokens:       1024,
			HistoryTargetTokens:         6000,
			MinHistoryTokens:            512,
			SectionMaxTokens:            1500,
			ClaudeChatMaxTokens:         4096,
			ToolLoopMaxCompletionTokens: 2048,
			FastLaneMaxCompletionTokens: 384,
			StrictMaxCompletionTokens:   1024,
		},
		Timeouts: TimeoutConfig{
			OpenAIRequest: 60 * time.Second,
			MemoryRecall:  2500 * time.Millisecond,
			WebPreload:    6 * time.Second,
			LinkPreload:   8 * time.Second,
		},
		Routing: RoutingConfig{
			PreferredProviders:  []string{"openai", "claude", "grok", "gemini"},
			AllowActiveOverride: true,
			ProviderFallback:    true,
			MemoryLoop:          true,
		},
		DevLog: DevLogConfig{
			Enabled:         true,
			Redact:          "none",
			MaxChars:        4000,
			Path:            "nova-conversations.jsonl",
			WarnScore:       40,
			AlertWindow:     50,
			AlertMinSamples: 10,
			AlertThreshold:  0.2,
			AlertCooldown:   5 * time.Minute,
		},
		Memory: MemoryConfig{
			Dir: "memory",
		},
		Services: ServicesConfig{
			EmbeddingsModel: "text-embedding-3-small",
		},
	}
}
