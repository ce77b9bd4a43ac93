package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the YAML configuration file at path, applies
// defaults for unset fields, overlays environment variables, and validates
// the result. A missing file is not an error: defaults plus environment
// apply.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.applyEnv()
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader parses YAML configuration from r, applies defaults,
// overlays environment variables, and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks cross-field consistency. Bounded numeric knobs never fail
// validation (they are clamped on parse); only structural problems do.
func (c *Config) validate() error {
	if c.Server.LogLevel != "" && !c.Server.LogLevel.IsValid() {
		return fmt.Errorf("config: invalid log level %q", c.Server.LogLevel)
	}
	switch c.DevLog.Redact {
	case "", "none", "hash", "drop":
	default:
		return fmt.Errorf("config: invalid dev_log.redact %q", c.DevLog.Redact)
	}
	for _, e := range c.Providers.Entries {
		switch e.Name {
		case "openai", "claude", "grok", "gemini", "openai-chatkit":
		default:
			return fmt.Errorf("config: unknown provider %q", e.Name)
		}
	}
	return nil
}

// applyEnv overlays environment variables onto c. Every numeric override is
// bounded: values outside the documented range are ignored with a debug log.
func (c *Config) applyEnv() {
	envDurationMs("TOOL_LOOP_MAX_DURATION_MS", &c.ToolLoop.MaxDuration, 5*time.Second, 10*time.Minute)
	envDurationMs("TOOL_LOOP_REQUEST_TIMEOUT_MS", &c.ToolLoop.RequestTimeout, 2*time.Second, 5*time.Minute)
	envDurationMs("TOOL_LOOP_TOOL_EXEC_TIMEOUT_MS", &c.ToolLoop.ToolExecTimeout, time.Second, 2*time.Minute)
	envDurationMs("TOOL_LOOP_RECOVERY_TIMEOUT_MS", &c.ToolLoop.RecoveryTimeout, 2*time.Second, 2*time.Minute)
	envInt("TOOL_LOOP_MAX_STEPS", &c.ToolLoop.MaxSteps, 1, 24)
	envInt("TOOL_LOOP_MAX_TOOL_CALLS_PER_STEP", &c.ToolLoop.MaxToolCallsPerStep, 1, 16)

	envDurationMs("OPENAI_REQUEST_TIMEOUT_MS", &c.Timeouts.OpenAIRequest, 2*time.Second, 5*time.Minute)
	envDurationMs("MEMORY_RECALL_TIMEOUT_MS", &c.Timeouts.MemoryRecall, 200*time.Millisecond, 30*time.Second)
	envDurationMs("WEB_PRELOAD_TIMEOUT_MS", &c.Timeouts.WebPreload, 500*time.Millisecond, time.Minute)
	envDurationMs("LINK_PRELOAD_TIMEOUT_MS", &c.Timeouts.LinkPreload, 500*time.Millisecond, time.Minute)

	envInt("MAX_PROMPT_TOKENS", &c.Prompt.MaxPromptTokens, 1000, 200_000)
	envInt("PROMPT_RESPONSE_RESERVE_TOKENS", &c.Prompt.ResponseReserveTokens, 128, 32_000)
	envInt("PROMPT_HISTORY_TARGET_TOKENS", &c.Prompt.HistoryTargetTokens, 256, 64_000)
	envInt("PROMPT_MIN_HISTORY_TOKENS", &c.Prompt.MinHistoryTokens, 64, 8_000)
	envInt("PROMPT_CONTEXT_SECTION_MAX_TOKENS", &c.Prompt.SectionMaxTokens, 128, 16_000)
	envInt("CLAUDE_CHAT_MAX_TOKENS", &c.Prompt.ClaudeChatMaxTokens, 256, 64_000)
	envInt("OPENAI_TOOL_LOOP_MAX_COMPLETION_TOKENS", &c.Prompt.ToolLoopMaxCompletionTokens, 256, 32_000)
	envInt("FAST_LANE_MAX_COMPLETION_TOKENS", &c.Prompt.FastLaneMaxCompletionTokens, 64, 4_000)
	envInt("STRICT_MAX_COMPLETION_TOKENS", &c.Prompt.StrictMaxCompletionTokens, 128, 8_000)

	envInt("DEVLOG_MAX_CHARS", &c.DevLog.MaxChars, 256, 65_536)
	envInt("DEVLOG_WARN_SCORE", &c.DevLog.WarnScore, 0, 100)
	envInt("DEVLOG_ALERT_WINDOW", &c.DevLog.AlertWindow, 8, 512)
	envInt("DEVLOG_ALERT_MIN_SAMPLES", &c.DevLog.AlertMinSamples, 4, 256)

	if v := os.Getenv("NOVA_DEVLOG_PATH"); v != "" {
		c.DevLog.Path = v
	}
	if v := os.Getenv("NOVA_MEMORY_DIR"); v != "" {
		c.Memory.Dir = v
	}
	if v := os.Getenv("NOVA_POSTGRES_DSN"); v != "" {
		c.Memory.PostgresDSN = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("BRAVE_SEARCH_API_KEY"); v != "" {
		c.Services.BraveAPIKey = v
	}
	if v := os.Getenv("OPENAI_EMBEDDINGS_API_KEY"); v != "" {
		c.Services.EmbeddingsAPIKey = v
	}
}

// envInt overrides *dst with the integer value of the named env variable,
// clamped to [min, max]. Malformed values are ignored.
func envInt(name string, dst *int, min, max int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Debug("ignoring malformed env override", "var", name, "value", v)
		return
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	*dst = n
}

// envDurationMs overrides *dst with the env variable interpreted as
// milliseconds, clamped to [min, max]. Malformed values are ignored.
func envDurationMs(name string, dst *time.Duration, min, max time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Debug("ignoring malformed env override", "var", name, "value", v)
		return
	}
	d := time.Duration(n) * time.Millisecond
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	*dst = d
}
