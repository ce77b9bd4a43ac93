// Package devlog writes the per-turn conversation log: one JSONL record per
// turn into an aggregate file, a per-user file, and a per-day archive
// mirror. Records carry a quality score and tag set so regressions show up
// in the log stream itself, and a sliding-window evaluator raises warn-level
// alerts when tool-loop guardrail rates climb for a user.
package devlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// slowTurnThreshold marks a turn as slow for tagging.
const slowTurnThreshold = 10 * time.Second

// Record is one JSONL line.
type Record struct {
	Timestamp     time.Time `json:"ts"`
	TurnID        string    `json:"turn_id"`
	Source        string    `json:"source"`
	UserContextID string    `json:"user_context_id"`
	SessionKey    string    `json:"session_key,omitempty"`

	UserText string `json:"user_text,omitempty"`
	Reply    string `json:"reply,omitempty"`

	Route          string                  `json:"route"`
	OK             bool                    `json:"ok"`
	Error          string                  `json:"error,omitempty"`
	Provider       string                  `json:"provider,omitempty"`
	Model          string                  `json:"model,omitempty"`
	Usage          types.Usage             `json:"usage"`
	ToolCalls      []types.ToolCallRecord  `json:"tool_calls,omitempty"`
	RetryLadder    []types.RetryEntry      `json:"retry_ladder,omitempty"`
	LatencyStages  map[string]int64        `json:"latency_stages,omitempty"`
	HotPath        string                  `json:"hot_path,omitempty"`
	FallbackStage  string                  `json:"fallback_stage,omitempty"`
	FallbackReason string                  `json:"fallback_reason,omitempty"`
	Guardrails     types.GuardrailSnapshot `json:"guardrails"`

	QualityScore int      `json:"quality_score"`
	Tags         []string `json:"tags,omitempty"`
}

// Log is the dev conversation log. Safe for concurrent turns.
type Log struct {
	cfg config.DevLogConfig
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	alerts map[string]*alertWindow
}

// New builds the log. A disabled config produces a Log whose Append is a
// no-op, so callers never need a nil check.
func New(cfg config.DevLogConfig, log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		cfg:    cfg,
		log:    log.With("component", "devlog"),
		now:    time.Now,
		alerts: make(map[string]*alertWindow),
	}
}

// Append writes one turn record to the three sinks and feeds the guardrail
// alert evaluator. Write failures are logged, never propagated; the dev log
// must not take a turn down.
func (l *Log) Append(in types.TurnInput, sum *types.RunSummary) {
	if !l.cfg.Enabled || sum == nil {
		return
	}

	rec := l.build(in, sum)
	line, err := json.Marshal(rec)
	if err != nil {
		l.log.Error("record marshal failed", "err", err)
		return
	}
	line = append(line, '\n')

	for _, path := range l.sinkPaths(in.UserContextID, rec.Timestamp) {
		if err := appendLine(path, line); err != nil {
			l.log.Error("record write failed", "path", path, "err", err)
		}
	}

	if rec.QualityScore <= l.cfg.WarnScore {
		l.log.Warn("low-quality turn",
			"score", rec.QualityScore, "route", rec.Route, "tags", strings.Join(rec.Tags, ","))
	}
	l.evaluateAlerts(in.UserContextID, sum.Guardrails)
}

// build assembles the record, applying redaction and the char cap.
func (l *Log) build(in types.TurnInput, sum *types.RunSummary) Record {
	return Record{
		Timestamp:      l.now().UTC(),
		TurnID:         uuid.NewString(),
		Source:         in.Source,
		UserContextID:  in.UserContextID,
		SessionKey:     in.SessionKey,
		UserText:       l.redact(in.Text),
		Reply:          l.redact(sum.Reply),
		Route:          sum.Route,
		OK:             sum.OK,
		Error:          sum.Error,
		Provider:       sum.Provider,
		Model:          sum.Model,
		Usage:          sum.Usage,
		ToolCalls:      sum.ToolCalls,
		RetryLadder:    sum.RetryLadder,
		LatencyStages:  sum.LatencyStages,
		HotPath:        sum.HotPath,
		FallbackStage:  sum.FallbackStage,
		FallbackReason: sum.FallbackReason,
		Guardrails:     sum.Guardrails,
		QualityScore:   Score(sum),
		Tags:           Tags(sum),
	}
}

// redact applies the configured text handling, then the char cap.
func (l *Log) redact(text string) string {
	switch l.cfg.Redact {
	case "drop":
		return ""
	case "hash":
		h := sha256.Sum256([]byte(l.cfg.HashSalt + text))
		return "sha256:" + hex.EncodeToString(h[:8])
	}
	if l.cfg.MaxChars > 0 && len(text) > l.cfg.MaxChars {
		return text[:l.cfg.MaxChars] + "…"
	}
	return text
}

// sinkPaths returns the aggregate, per-user, and per-day archive paths.
func (l *Log) sinkPaths(userContextID string, ts time.Time) []string {
	dir := filepath.Dir(l.cfg.Path)
	return []string{
		l.cfg.Path,
		filepath.Join(dir, "users", sanitizeFileName(userContextID)+".jsonl"),
		filepath.Join(dir, "archive", ts.Format("2006-01-02")+".jsonl"),
	}
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("devlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("devlog: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("devlog: write: %w", err)
	}
	return nil
}

// sanitizeFileName keeps user-context ids filesystem-safe.
func sanitizeFileName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

// ─────────────────────────────────────────────────────────────────────────────
// Quality scoring
// ─────────────────────────────────────────────────────────────────────────────

// Score rates a turn 0-100. Deductions stack; the floor is 0.
func Score(sum *types.RunSummary) int {
	score := 100
	if sum.Reply == "" {
		score -= 60
	}
	if !sum.OK {
		score -= 40
	}
	if sum.FallbackStage != "" {
		score -= 25
	}
	if sum.Guardrails.Breached() {
		score -= 20
	}
	if sum.ConstraintCorrections > 0 {
		score -= 10
	}
	if totalLatency(sum) > slowTurnThreshold {
		score -= 15
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Tags annotates the turn's notable conditions.
func Tags(sum *types.RunSummary) []string {
	var tags []string
	if sum.Reply == "" {
		tags = append(tags, "empty_reply")
	}
	if !sum.OK {
		tags = append(tags, "runtime_error")
	}
	if sum.FallbackStage != "" {
		tags = append(tags, "degraded_fallback")
	}
	if sum.ConstraintCorrections > 0 {
		tags = append(tags, "constraint_correction_pass")
	}
	if totalLatency(sum) > slowTurnThreshold {
		tags = append(tags, "slow_response")
	}
	if sum.HotPath != "" {
		// Already carries the "hot_path_" prefix from the turn recorder.
		tags = append(tags, sum.HotPath)
	}
	g := sum.Guardrails
	if g.BudgetExhausted > 0 {
		tags = append(tags, "guardrail_budget_exhausted")
	}
	if g.StepTimeouts > 0 {
		tags = append(tags, "guardrail_step_timeout")
	}
	if g.ToolExecutionTimeouts > 0 {
		tags = append(tags, "guardrail_tool_exec_timeout")
	}
	if g.CallsCapped > 0 {
		tags = append(tags, "guardrail_calls_capped")
	}
	return tags
}

func totalLatency(sum *types.RunSummary) time.Duration {
	var ms int64
	for _, v := range sum.LatencyStages {
		ms += v
	}
	return time.Duration(ms) * time.Millisecond
}

// ─────────────────────────────────────────────────────────────────────────────
// Guardrail alert evaluator
// ─────────────────────────────────────────────────────────────────────────────

// alertScopes are the per-kind guardrail rates tracked per user.
var alertScopes = []string{"budget_exhausted", "step_timeout", "tool_exec_timeout", "calls_capped"}

// alertWindow is a per-user sliding window of guardrail observations.
type alertWindow struct {
	samples   []types.GuardrailSnapshot
	lastAlert map[string]time.Time
}

// evaluateAlerts records the turn's guardrail snapshot and warns when any
// per-kind breach rate crosses the threshold, bounded by the per-scope
// cooldown.
func (l *Log) evaluateAlerts(userContextID string, g types.GuardrailSnapshot) {
	if l.cfg.AlertWindow <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.alerts[userContextID]
	if w == nil {
		w = &alertWindow{lastAlert: make(map[string]time.Time)}
		l.alerts[userContextID] = w
	}
	w.samples = append(w.samples, g)
	if len(w.samples) > l.cfg.AlertWindow {
		w.samples = w.samples[len(w.samples)-l.cfg.AlertWindow:]
	}
	if len(w.samples) < l.cfg.AlertMinSamples {
		return
	}

	now := l.now()
	for _, scope := range alertScopes {
		breached := 0
		for _, s := range w.samples {
			if scopeBreached(s, scope) {
				breached++
			}
		}
		rate := float64(breached) / float64(len(w.samples))
		if rate < l.cfg.AlertThreshold {
			continue
		}
		if last, ok := w.lastAlert[scope]; ok && now.Sub(last) < l.cfg.AlertCooldown {
			continue
		}
		w.lastAlert[scope] = now
		l.log.Warn("guardrail alert",
			"scope", scope, "user", userContextID,
			"rate", fmt.Sprintf("%.2f", rate), "window", len(w.samples))
	}
}

func scopeBreached(g types.GuardrailSnapshot, scope string) bool {
	switch scope {
	case "budget_exhausted":
		return g.BudgetExhausted > 0
	case "step_timeout":
		return g.StepTimeouts > 0
	case "tool_exec_timeout":
		return g.ToolExecutionTimeouts > 0
	case "calls_capped":
		return g.CallsCapped > 0
	}
	return false
}
