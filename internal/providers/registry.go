package providers

import (
	"errors"
	"fmt"

	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
)

// Resolution errors. These are the only errors the engine surfaces to the
// dispatcher without synthesizing a reply.
var (
	ErrMissingAPIKey    = errors.New("providers: missing_api_key")
	ErrProviderDisabled = errors.New("providers: provider_disabled")
	ErrNoProvider       = errors.New("providers: no connected provider")
)

// ResolveOpts steer the ranking.
type ResolveOpts struct {
	// RequireTools restricts ranking to tool-capable providers.
	RequireTools bool

	// Preferred lists provider names in descending preference.
	Preferred []string

	// AllowActiveOverride lets a user-flagged active integration jump the
	// preference order.
	AllowActiveOverride bool

	// Unhealthy reports whether a provider's circuit breaker is currently
	// open. Unhealthy candidates rank last; nil means all healthy.
	Unhealthy func(name string) bool
}

// ChatRuntime is the resolved backend for one turn.
type ChatRuntime struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	Connected   bool
	RouteReason string

	// RankedCandidates is the full candidate order considered, recorded on
	// the run summary.
	RankedCandidates []string
}

// modelFallbacks supplies a model when an integration carries no default.
var modelFallbacks = map[llm.Kind]string{
	llm.KindOpenAI:        "gpt-4o-mini",
	llm.KindClaude:        "claude-sonnet-4-20250514",
	llm.KindGrok:          "grok-3-mini",
	llm.KindGemini:        "gemini-2.0-flash",
	llm.KindOpenAIChatKit: "gpt-4o-mini",
}

// FallbackModel returns the family's default model for one-shot retry
// switches, or "" for an unknown provider.
func FallbackModel(provider string) string {
	return modelFallbacks[llm.Kind(provider)]
}

// ResolveChatRuntime picks the provider and model for a turn.
//
// Rules, in order: a single connected-and-keyed integration is used
// directly; otherwise candidates are ranked by the preferred list (with an
// optional active-integration override), filtered to tool-capable providers
// when tools are required. The chosen integration must be enabled and
// keyed.
func ResolveChatRuntime(snap *Snapshot, opts ResolveOpts) (*ChatRuntime, error) {
	if snap == nil || len(snap.Integrations) == 0 {
		return nil, ErrNoProvider
	}

	candidates := make([]Integration, 0, len(snap.Integrations))
	for _, integ := range snap.Integrations {
		if !integ.Connected {
			continue
		}
		if opts.RequireTools && !integ.SupportsTools {
			continue
		}
		candidates = append(candidates, integ)
	}
	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	var chosen Integration
	var reason string
	switch {
	case len(candidates) == 1:
		chosen, reason = candidates[0], "single_connected_provider"
	default:
		ranked := rank(candidates, opts)
		candidates = ranked
		chosen, reason = ranked[0], "ranked_preference"
		if opts.AllowActiveOverride && chosen.Active {
			reason = "active_override"
		}
	}

	if !chosen.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, chosen.Name)
	}
	if chosen.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingAPIKey, chosen.Name)
	}

	model := chosen.DefaultModel
	if model == "" {
		model = modelFallbacks[llm.Kind(chosen.Name)]
	}

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return &ChatRuntime{
		Provider:         chosen.Name,
		APIKey:           chosen.APIKey,
		BaseURL:          chosen.BaseURL,
		Model:            model,
		Connected:        true,
		RouteReason:      reason,
		RankedCandidates: names,
	}, nil
}

// rank orders candidates: healthy breakers first, then active override
// (when allowed), then the preferred list, then original order. Stable so
// equal-rank candidates keep snapshot order.
func rank(candidates []Integration, opts ResolveOpts) []Integration {
	prefIndex := func(name string) int {
		for i, p := range opts.Preferred {
			if p == name {
				return i
			}
		}
		return len(opts.Preferred)
	}
	unhealthy := func(string) bool { return false }
	if opts.Unhealthy != nil {
		unhealthy = opts.Unhealthy
	}

	out := make([]Integration, len(candidates))
	copy(out, candidates)
	// Insertion sort keeps this stable without pulling in sort.SliceStable
	// for a handful of entries.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1], opts, prefIndex, unhealthy); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b Integration, opts ResolveOpts, prefIndex func(string) int, unhealthy func(string) bool) bool {
	if ua, ub := unhealthy(a.Name), unhealthy(b.Name); ua != ub {
		return !ua
	}
	if opts.AllowActiveOverride && a.Active != b.Active {
		return a.Active
	}
	return prefIndex(a.Name) < prefIndex(b.Name)
}
