package providers

import (
	"context"
	"time"

	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
)

// ConfigSource serves integration snapshots assembled from static
// configuration. Every user sees the same entries; the first connected
// entry is flagged active so the ranking override has a deterministic
// winner when the operator lists providers in preference order.
type ConfigSource struct {
	integrations []Integration
	now          func() time.Time
}

var _ SnapshotSource = (*ConfigSource)(nil)

// NewConfigSource maps configured provider entries onto integrations. An
// entry with an empty API key is carried as disconnected so resolution
// errors name it instead of silently skipping it.
func NewConfigSource(cfg config.ProvidersConfig) *ConfigSource {
	integrations := make([]Integration, 0, len(cfg.Entries))
	activeSet := false
	for _, e := range cfg.Entries {
		integ := Integration{
			Name:          e.Name,
			Connected:     e.APIKey != "",
			Enabled:       !e.Disabled,
			APIKey:        e.APIKey,
			BaseURL:       e.BaseURL,
			DefaultModel:  e.Model,
			SupportsTools: supportsTools(llm.Kind(e.Name)),
		}
		if !activeSet && integ.Connected && integ.Enabled {
			integ.Active = true
			activeSet = true
		}
		integrations = append(integrations, integ)
	}
	return &ConfigSource{integrations: integrations, now: time.Now}
}

// FetchSnapshot implements SnapshotSource. The snapshot is rebuilt per
// call with a fresh timestamp so cache TTL semantics hold.
func (s *ConfigSource) FetchSnapshot(_ context.Context, _ string) (*Snapshot, error) {
	out := make([]Integration, len(s.integrations))
	copy(out, s.integrations)
	return &Snapshot{Integrations: out, FetchedAt: s.now()}, nil
}

func supportsTools(kind llm.Kind) bool {
	switch kind {
	case llm.KindOpenAI, llm.KindClaude, llm.KindGrok, llm.KindGemini, llm.KindOpenAIChatKit:
		return true
	}
	return false
}
