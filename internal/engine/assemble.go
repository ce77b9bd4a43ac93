package engine

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AverageNftEnjoyer/nova/internal/hotctx"
	"github.com/AverageNftEnjoyer/nova/internal/prompt"
	"github.com/AverageNftEnjoyer/nova/internal/voice"
	"github.com/AverageNftEnjoyer/nova/pkg/provider/llm"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// defaultPersona is the base system prompt when the composition root
// supplies none.
const defaultPersona = "You are Nova, a personal assistant. You are direct, warm, and concise. " +
	"You answer from what you know and from the context sections below; you never invent tool output."

const recallK = 5

// assembled is the outcome of one prompt-assembly pass.
type assembled struct {
	SystemPrompt string
	History      []types.Message

	MemoryRecallUsed bool
	WebContextUsed   bool
	LinkContextUsed  bool
}

// enrichment is the fan-out's collected output. Fields are written by at
// most one goroutine each and read after Wait.
type enrichment struct {
	webContext  string
	linkContext string
	recall      string
}

// assemble builds the system prompt section by section under the token
// budget, runs the parallel enrichment fan-out, and trims history to the
// remaining budget. Pure except for the enrichment I/O.
func (e *Engine) assemble(ctx context.Context, in types.TurnInput, pol TurnPolicy, execPol ExecutionPolicy, c prompt.Constraints, turns []types.Message) assembled {
	budget := prompt.Budget{
		MaxPromptTokens:       e.cfg.Prompt.MaxPromptTokens,
		ResponseReserveTokens: e.cfg.Prompt.ResponseReserveTokens,
		HistoryTargetTokens:   e.cfg.Prompt.HistoryTargetTokens,
		MinHistoryTokens:      e.cfg.Prompt.MinHistoryTokens,
		MaxHistoryTokens:      e.cfg.Prompt.HistoryTargetTokens * 2,
		SectionMaxTokens:      e.cfg.Prompt.SectionMaxTokens,
	}.Shrink(pol.FastLaneSimpleChat, c.Active())

	out := assembled{}
	sys := e.basePersona
	if sys == "" {
		sys = defaultPersona
	}

	appendSection := func(title, body string) bool {
		res := prompt.AppendBudgetedSection(sys, title, body, budget)
		if !res.Included && res.Reason != "empty_body" {
			e.log.Debug("prompt section dropped", "section", title, "reason", res.Reason)
		}
		sys = res.Prompt
		return res.Included
	}

	// 1-2. Persona overlays.
	appendSection("Runtime Persona", renderPersonaOverlay(in.Persona))

	// 3. User preference memory, refreshed with anything the utterance
	// just stated.
	if e.memory != nil {
		for _, fact := range CapturePreferenceFacts(in.Text) {
			if err := e.memory.UpsertFact(ctx, in.UserContextID, fact); err != nil {
				e.log.Warn("preference capture failed", "err", err)
			}
		}
		if block, err := e.memory.Render(ctx, in.UserContextID); err == nil {
			appendSection("What You Know About The User", block)
		}
	}

	// 4. Identity intelligence.
	if signal := IdentitySignal(normalizeText(in.Text)); signal != "" {
		appendSection("Identity Signals", "This user "+signal+".")
		if e.memory != nil {
			if err := e.memory.UpsertFact(ctx, in.UserContextID, "communication signal: "+signal); err != nil {
				e.log.Debug("identity signal persist failed", "err", err)
			}
		}
	}

	// 5. Personality calibration.
	appendSection("Personality Calibration", renderCalibration(in.Persona))

	// 6. Short-term context, only for non-critical follow-ups.
	if e.shortCtx != nil && (hotctx.AssistantPolicy{}).IsNonCriticalFollowUp(in.Text) {
		if state, ok := e.shortCtx.Get(in.UserContextID, in.ConversationID, hotctx.DomainAssistant); ok {
			appendSection("Recent Topic", renderShortCtx(state))
		}
	}

	// 7. Strict output requirements.
	appendSection("Output Requirements", c.Instructions())

	// 8. Parallel enrichment.
	enr := e.enrich(ctx, in, execPol)
	if enr.webContext != "" {
		out.WebContextUsed = appendSection("Live Web Context", wrapExternalContent(enr.webContext))
	}
	if enr.linkContext != "" {
		out.LinkContextUsed = appendSection("Linked Page Content", wrapExternalContent(enr.linkContext))
	}
	if enr.recall != "" {
		out.MemoryRecallUsed = appendSection("Recalled Memory", enr.recall)
	}

	out.SystemPrompt = sys
	out.History = prompt.TrimHistory(turns, prompt.HistoryTokenBudget(sys, in.Text, budget))
	return out
}

// enrich fans out up to three independent context fetches, each under its
// own hard timeout. Failures are logged and dropped; the turn proceeds.
func (e *Engine) enrich(ctx context.Context, in types.TurnInput, execPol ExecutionPolicy) enrichment {
	enr := enrichment{}
	g, gctx := errgroup.WithContext(ctx)

	if execPol.ShouldPreloadWebSearch && e.toolRuntime != nil {
		g.Go(func() error {
			res, err := llm.WithTimeout(gctx, "web_preload", e.cfg.Timeouts.WebPreload, func(c context.Context) (string, error) {
				r, err := e.toolRuntime.Execute(c, "web_search", fmt.Sprintf(`{"query":%q}`, in.Text))
				if err != nil {
					return "", err
				}
				if r.IsError {
					return "", fmt.Errorf("web_search: %s", r.Content)
				}
				return r.Content, nil
			})
			if err != nil {
				e.log.Debug("web preload failed", "err", err)
				return nil
			}
			enr.webContext = res
			return nil
		})
	}

	if execPol.ShouldPreloadWebFetch && e.toolRuntime != nil {
		if url := reURL.FindString(in.Text); url != "" {
			g.Go(func() error {
				res, err := llm.WithTimeout(gctx, "link_preload", e.cfg.Timeouts.LinkPreload, func(c context.Context) (string, error) {
					r, err := e.toolRuntime.Execute(c, "web_fetch", fmt.Sprintf(`{"url":%q}`, url))
					if err != nil {
						return "", err
					}
					if r.IsError {
						return "", fmt.Errorf("web_fetch: %s", r.Content)
					}
					return r.Content, nil
				})
				if err != nil {
					e.log.Debug("link preload failed", "url", url, "err", err)
					return nil
				}
				enr.linkContext = res
				return nil
			})
		}
	}

	if execPol.ShouldAttemptMemoryRecall && e.recaller != nil {
		g.Go(func() error {
			hits, err := llm.WithTimeout(gctx, "memory_recall", e.cfg.Timeouts.MemoryRecall, func(c context.Context) ([]string, error) {
				results, err := e.recaller.Search(c, in.UserContextID, in.Text, recallK)
				if err != nil {
					return nil, err
				}
				lines := make([]string, 0, len(results))
				for _, r := range results {
					lines = append(lines, "- "+r.Content)
				}
				return lines, nil
			})
			if err != nil {
				e.log.Debug("memory recall failed", "err", err)
				return nil
			}
			enr.recall = strings.Join(hits, "\n")
			return nil
		})
	}

	// Tasks swallow their own errors, so Wait only propagates ctx failure.
	_ = g.Wait()
	return enr
}

// renderPersonaOverlay renders the non-zero runtime persona fields.
func renderPersonaOverlay(p types.PersonaOverrides) string {
	var lines []string
	if p.AssistantName != "" {
		lines = append(lines, "Your name for this session is "+p.AssistantName+".")
	}
	if p.Tone != "" {
		tone := voice.NormalizeRuntimeTone(p.Tone)
		lines = append(lines, "Tone: "+tone+".")
		if dir := voice.RuntimeToneDirective(tone); dir != "" {
			lines = append(lines, dir)
		}
	}
	if p.CommunicationStyle != "" {
		lines = append(lines, "Communication style: "+p.CommunicationStyle+".")
	}
	if p.CustomInstructions != "" {
		lines = append(lines, p.CustomInstructions)
	}
	return strings.Join(lines, "\n")
}

// renderCalibration renders the slider-style persona knobs.
func renderCalibration(p types.PersonaOverrides) string {
	var lines []string
	for _, kv := range []struct{ name, val string }{
		{"Proactivity", p.Proactivity},
		{"Humor", p.Humor},
		{"Risk tolerance", p.Risk},
		{"Structure", p.Structure},
		{"Challenge", p.Challenge},
	} {
		if kv.val != "" {
			lines = append(lines, kv.name+": "+kv.val+".")
		}
	}
	return strings.Join(lines, "\n")
}

// renderShortCtx renders the assistant-domain slots for the prompt.
func renderShortCtx(state hotctx.State) string {
	var b strings.Builder
	if state.TopicAffinityID != "" {
		b.WriteString("The user is following up on: " + state.TopicAffinityID + "\n")
	}
	for k, v := range state.Slots {
		b.WriteString("- " + k + ": " + v + "\n")
	}
	return strings.TrimSpace(b.String())
}
