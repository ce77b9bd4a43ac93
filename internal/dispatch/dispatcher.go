// Package dispatch classifies inbound turns and routes each one to exactly
// one downstream handler: shutdown, duplicate skip, memory update, skill
// preference, weather/mission confirmation, workflow build, music, or the
// chat execution engine. The dispatcher never calls a provider itself.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/AverageNftEnjoyer/nova/internal/hotctx"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Route labels recorded on the run summary for dispatcher-handled branches.
const (
	RouteShutdown               = "shutdown"
	RouteDuplicateSkipped       = "duplicate_skipped"
	RouteDuplicateCryptoReplay  = "duplicate_crypto_rerendered"
	RouteMemoryUpdate           = "memory_update"
	RouteSkillPreference        = "skill_preference"
	RouteMissionContextCancel   = "mission_context_cancelled"
	RouteMissionContextRefine   = "mission_context_refined"
	RouteWeatherConfirmAccepted = "weather_confirm_accepted"
	RouteWeatherConfirmDeclined = "weather_confirm_declined"
	RouteMissionConfirmAccepted = "mission_confirm_accepted"
	RouteMissionConfirmDeclined = "mission_confirm_declined"
	RouteMissionConfirmRefined  = "mission_confirm_refined"
	RouteWorkflowBuild          = "workflow_build"
	RouteMissionConfirmPrompt   = "mission_confirm_prompt"
	RouteMusic                  = "music"
)

// ShutdownReply is the canned reply for the shutdown phrases.
const ShutdownReply = "Shutting down now. If you need me again, just restart the system."

// ChatEngine runs the full chat execution pipeline for a fallthrough turn.
type ChatEngine interface {
	Run(ctx context.Context, in types.TurnInput) (*types.RunSummary, error)

	// ConfirmedWeather runs the weather fast-path with a user-confirmed
	// location, bypassing the confirmation round.
	ConfirmedWeather(ctx context.Context, in types.TurnInput, location string) (*types.RunSummary, error)
}

// MemoryUpserter persists a user-stated fact into the per-user memory file.
type MemoryUpserter interface {
	UpsertFact(ctx context.Context, userContextID, fact string) error
}

// SkillPreferences applies per-skill directives and records the signal.
type SkillPreferences interface {
	Apply(ctx context.Context, userContextID, skill, directive string) error
}

// WorkflowBuilder turns a confirmed mission prompt into a scheduled workflow.
type WorkflowBuilder interface {
	Build(ctx context.Context, in types.TurnInput, prompt string) (*types.RunSummary, error)
}

// MusicHandler serves play/Spotify intents.
type MusicHandler interface {
	Handle(ctx context.Context, in types.TurnInput) (*types.RunSummary, error)
}

// CryptoReports replays the most recent rendered report for a user.
type CryptoReports interface {
	LastReport(userContextID string) (string, bool)
}

// Dispatcher owns the routing table. Construct one per process with New and
// share it across turns; all dependencies are injected.
type Dispatcher struct {
	log     *slog.Logger
	engine  ChatEngine
	memory  MemoryUpserter
	skills  SkillPreferences
	builder WorkflowBuilder
	music   MusicHandler
	reports CryptoReports

	dedupe   *DedupeFilter
	confirm  *ConfirmStore
	shortCtx *hotctx.Store
	mission  hotctx.Policy
	crypto   hotctx.Policy

	// isExplicitCryptoReport is the strict crypto-report detector; explicit
	// requests bypass dedupe.
	isExplicitCryptoReport func(text string) bool

	// isCryptoIntent is the loose detector used to pick the replay recovery
	// for deduped crypto turns.
	isCryptoIntent func(text string) bool

	// requestShutdown signals the host to terminate after the canned reply.
	requestShutdown func(reason string)
}

// Deps bundles the Dispatcher's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Engine  ChatEngine
	Memory  MemoryUpserter
	Skills  SkillPreferences
	Builder WorkflowBuilder
	Music   MusicHandler
	Reports CryptoReports

	Dedupe        *DedupeFilter
	Confirm       *ConfirmStore
	ShortCtx      *hotctx.Store
	MissionPolicy hotctx.Policy
	CryptoPolicy  hotctx.Policy

	IsExplicitCryptoReport func(text string) bool
	IsCryptoIntent         func(text string) bool
	RequestShutdown        func(reason string)
}

// New constructs a Dispatcher. Nil optional collaborators (Music, Reports,
// Skills) disable their branches.
func New(d Deps) *Dispatcher {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	disp := &Dispatcher{
		log:                    log.With("component", "dispatcher"),
		engine:                 d.Engine,
		memory:                 d.Memory,
		skills:                 d.Skills,
		builder:                d.Builder,
		music:                  d.Music,
		reports:                d.Reports,
		dedupe:                 d.Dedupe,
		confirm:                d.Confirm,
		shortCtx:               d.ShortCtx,
		mission:                d.MissionPolicy,
		crypto:                 d.CryptoPolicy,
		isExplicitCryptoReport: d.IsExplicitCryptoReport,
		isCryptoIntent:         d.IsCryptoIntent,
		requestShutdown:        d.RequestShutdown,
	}
	if disp.mission == nil {
		disp.mission = hotctx.MissionPolicy{}
	}
	if disp.crypto == nil {
		disp.crypto = hotctx.CryptoPolicy{}
	}
	if disp.isExplicitCryptoReport == nil {
		disp.isExplicitCryptoReport = func(string) bool { return false }
	}
	if disp.isCryptoIntent == nil {
		disp.isCryptoIntent = func(string) bool { return false }
	}
	return disp
}

// Dispatch routes one turn. First match wins; errors from sub-handlers
// propagate and a turn is never silently dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, in types.TurnInput) (*types.RunSummary, error) {
	text := strings.TrimSpace(in.Text)
	norm := normalizeUtterance(text)

	// 1. Shutdown phrases.
	if isShutdownPhrase(norm) {
		d.log.Info("shutdown phrase received", "source", in.Source)
		if d.requestShutdown != nil {
			d.requestShutdown("user request")
		}
		return canned(RouteShutdown, ShutdownReply), nil
	}

	// 2. Duplicate inbound, minus the intent carve-outs.
	if d.dedupe != nil && !d.dedupeCarveOut(text) {
		if d.dedupe.ShouldSkip(in.Source, in.SenderID, in.UserContextID, in.SessionKey, text) {
			return d.handleDuplicate(in, text), nil
		}
	}

	// 3. Memory-update phrase.
	if fact, ok := parseMemoryUpdate(text); ok && d.memory != nil {
		if err := d.memory.UpsertFact(ctx, in.UserContextID, fact); err != nil {
			return nil, fmt.Errorf("dispatch: memory update: %w", err)
		}
		return canned(RouteMemoryUpdate, fmt.Sprintf("Got it. I'll remember that %s.", fact)), nil
	}

	// 4. Skill-preference update.
	if skill, directive, ok := parseSkillPreference(text); ok && d.skills != nil {
		if err := d.skills.Apply(ctx, in.UserContextID, skill, directive); err != nil {
			return nil, fmt.Errorf("dispatch: skill preference: %w", err)
		}
		return canned(RouteSkillPreference,
			fmt.Sprintf("Done. For %s I'll now %s.", skill, directive)), nil
	}

	// 5. Mission short-term-context cancel / refine.
	if sum := d.handleMissionShortCtx(in, text); sum != nil {
		return sum, nil
	}

	// 6. Pending weather confirmation.
	if sum, err, handled := d.handleWeatherConfirm(ctx, in, text); handled {
		return sum, err
	}

	// 7. Pending mission confirmation.
	if sum, err, handled := d.handleMissionConfirm(ctx, in, text); handled {
		return sum, err
	}

	// 8. Workflow-build intent.
	if isWorkflowBuildPhrase(norm) && d.builder != nil {
		sum, err := d.builder.Build(ctx, in, text)
		if err != nil {
			return nil, fmt.Errorf("dispatch: workflow build: %w", err)
		}
		if sum.Route == "" {
			sum.Route = RouteWorkflowBuild
		}
		return sum, nil
	}

	// 9. Workflow-confirm intent: arm pending mission, ask for a go-ahead.
	if isMissionBuildPhrase(norm) {
		return d.armMissionConfirmation(in, text), nil
	}

	// 10. Music / Spotify intent.
	if isMusicIntent(norm) && d.music != nil {
		sum, err := d.music.Handle(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dispatch: music: %w", err)
		}
		if sum.Route == "" {
			sum.Route = RouteMusic
		}
		return sum, nil
	}

	// 11. General chat.
	return d.engine.Run(ctx, in)
}

// ─────────────────────────────────────────────────────────────────────────────
// Branch handlers
// ─────────────────────────────────────────────────────────────────────────────

func (d *Dispatcher) dedupeCarveOut(text string) bool {
	if d.isExplicitCryptoReport(text) {
		return true
	}
	if isMissionBuildPhrase(normalizeUtterance(text)) {
		return true
	}
	return d.mission.IsNonCriticalFollowUp(text) ||
		d.crypto.IsNonCriticalFollowUp(text) ||
		(hotctx.AssistantPolicy{}).IsNonCriticalFollowUp(text)
}

func (d *Dispatcher) handleDuplicate(in types.TurnInput, text string) *types.RunSummary {
	if d.isCryptoIntent(text) && d.reports != nil {
		if report, ok := d.reports.LastReport(in.UserContextID); ok {
			d.log.Debug("duplicate crypto turn, replaying last report", "user", in.UserContextID)
			return canned(RouteDuplicateCryptoReplay, report)
		}
	}
	d.log.Debug("duplicate inbound skipped", "source", in.Source, "session", in.SessionKey)
	return canned(RouteDuplicateSkipped,
		"I got that same request again and skipped it so you don't get a double reply. Say it once more if you really want a rerun.")
}

func (d *Dispatcher) handleMissionShortCtx(in types.TurnInput, text string) *types.RunSummary {
	if d.shortCtx == nil {
		return nil
	}
	state, ok := d.shortCtx.Get(in.UserContextID, in.ConversationID, hotctx.DomainMission)
	if !ok {
		return nil
	}

	if d.mission.IsCancel(text) {
		d.shortCtx.Clear(in.UserContextID, in.ConversationID, hotctx.DomainMission)
		if d.confirm != nil {
			d.confirm.Clear(in.SessionKey, ConfirmMission)
		}
		return canned(RouteMissionContextCancel, "Okay, I dropped that mission draft.")
	}

	// Refinements only apply when no confirmation is already pending; the
	// pending-confirmation branch owns merges in that case.
	if d.confirm != nil {
		if _, pending := d.confirm.Get(in.SessionKey, ConfirmMission); pending {
			return nil
		}
	}
	if !d.mission.IsNonCriticalFollowUp(text) {
		return nil
	}

	merged := mergeMissionPrompt(state.Slots["prompt"], text)
	state.Slots["prompt"] = merged
	d.shortCtx.Upsert(in.UserContextID, in.ConversationID, hotctx.DomainMission, state)
	if d.confirm != nil {
		d.confirm.Set(in.SessionKey, PendingConfirmation{Kind: ConfirmMission, Prompt: merged})
	}
	return canned(RouteMissionContextRefine, missionConfirmationPrompt(merged))
}

func (d *Dispatcher) handleWeatherConfirm(ctx context.Context, in types.TurnInput, text string) (*types.RunSummary, error, bool) {
	if d.confirm == nil {
		return nil, nil, false
	}
	pending, ok := d.confirm.Get(in.SessionKey, ConfirmWeather)
	if !ok {
		return nil, nil, false
	}

	switch {
	case isAffirmative(text):
		d.confirm.Clear(in.SessionKey, ConfirmWeather)
		location := affirmativeDetail(text)
		if location == "" {
			location = pending.SuggestedLocation
		}
		sum, err := d.engine.ConfirmedWeather(ctx, in, location)
		if err != nil {
			return nil, fmt.Errorf("dispatch: weather confirm: %w", err), true
		}
		sum.Route = RouteWeatherConfirmAccepted
		return sum, nil, true

	case isNegative(text):
		d.confirm.Clear(in.SessionKey, ConfirmWeather)
		return canned(RouteWeatherConfirmDeclined, "No problem, skipping the weather lookup."), nil, true

	default:
		// Anything else clears the armed state so the user is not stuck in
		// a yes/no trap, then routing continues.
		d.confirm.Clear(in.SessionKey, ConfirmWeather)
		return nil, nil, false
	}
}

func (d *Dispatcher) handleMissionConfirm(ctx context.Context, in types.TurnInput, text string) (*types.RunSummary, error, bool) {
	if d.confirm == nil {
		return nil, nil, false
	}
	pending, ok := d.confirm.Get(in.SessionKey, ConfirmMission)
	if !ok {
		return nil, nil, false
	}

	switch {
	case isAffirmative(text):
		d.confirm.Clear(in.SessionKey, ConfirmMission)
		if d.shortCtx != nil {
			d.shortCtx.Clear(in.UserContextID, in.ConversationID, hotctx.DomainMission)
		}
		if d.builder == nil {
			return canned(RouteMissionConfirmDeclined, "Mission building isn't available right now."), nil, true
		}
		sum, err := d.builder.Build(ctx, in, pending.Prompt)
		if err != nil {
			return nil, fmt.Errorf("dispatch: mission build: %w", err), true
		}
		sum.Route = RouteMissionConfirmAccepted
		return sum, nil, true

	case isNegative(text):
		d.confirm.Clear(in.SessionKey, ConfirmMission)
		if d.shortCtx != nil {
			d.shortCtx.Clear(in.UserContextID, in.ConversationID, hotctx.DomainMission)
		}
		return canned(RouteMissionConfirmDeclined, "Okay, I won't set that mission up."), nil, true

	case d.mission.IsNonCriticalFollowUp(text):
		merged := mergeMissionPrompt(pending.Prompt, text)
		d.confirm.Set(in.SessionKey, PendingConfirmation{Kind: ConfirmMission, Prompt: merged})
		d.rememberMissionDraft(in, merged)
		return canned(RouteMissionConfirmRefined, missionConfirmationPrompt(merged)), nil, true

	default:
		// Unrelated text: leave the confirmation armed and keep routing.
		return nil, nil, false
	}
}

func (d *Dispatcher) armMissionConfirmation(in types.TurnInput, text string) *types.RunSummary {
	if d.confirm != nil {
		d.confirm.Set(in.SessionKey, PendingConfirmation{Kind: ConfirmMission, Prompt: text})
	}
	d.rememberMissionDraft(in, text)
	return canned(RouteMissionConfirmPrompt, missionConfirmationPrompt(text))
}

func (d *Dispatcher) rememberMissionDraft(in types.TurnInput, prompt string) {
	if d.shortCtx == nil {
		return
	}
	d.shortCtx.Upsert(in.UserContextID, in.ConversationID, hotctx.DomainMission, hotctx.State{
		TopicAffinityID: d.mission.ResolveTopicAffinityID(prompt),
		Slots:           map[string]string{"prompt": prompt},
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Intent detection
// ─────────────────────────────────────────────────────────────────────────────

func isShutdownPhrase(norm string) bool {
	switch norm {
	case "nova shutdown", "nova shut down", "shutdown nova":
		return true
	}
	return false
}

var reMemoryUpdate = regexp.MustCompile(`(?i)^update your memory[:,]?\s*(.+)$`)

func parseMemoryUpdate(text string) (fact string, ok bool) {
	m := reMemoryUpdate.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	fact = strings.TrimSpace(m[1])
	fact = strings.TrimPrefix(fact, "that ")
	return fact, fact != ""
}

var reSkillPreference = regexp.MustCompile(
	`(?i)^(?:for|when using)\s+(?:the\s+)?([a-z0-9_-]+)\s+skill[,:]?\s+(.+)$|^set\s+(?:your\s+)?([a-z0-9_-]+)\s+skill\s+(?:preference\s+)?to\s+(.+)$`)

func parseSkillPreference(text string) (skill, directive string, ok bool) {
	m := reSkillPreference.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	if m[1] != "" {
		return strings.ToLower(m[1]), strings.TrimSpace(m[2]), true
	}
	return strings.ToLower(m[3]), strings.TrimSpace(m[4]), true
}

var missionBuildPhrases = []string{
	"create a mission", "make a mission", "set up a mission", "setup a mission",
	"create a new mission", "schedule a mission", "build a mission",
}

func isMissionBuildPhrase(norm string) bool {
	for _, p := range missionBuildPhrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

var workflowBuildPhrases = []string{
	"build the workflow", "run the workflow build", "build that workflow",
	"create the workflow now",
}

func isWorkflowBuildPhrase(norm string) bool {
	for _, p := range workflowBuildPhrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

var (
	rePlayTrack = regexp.MustCompile(`(?i)^play\s+(.+?)(?:\s+by\s+(.+))?$`)

	// playExclusions keep "play a game" style requests out of the music path.
	playExclusions = []string{"a game", "a video", "a role", "the video", "that game"}
)

func isMusicIntent(norm string) bool {
	if strings.Contains(norm, "spotify") || strings.Contains(norm, "put on some music") ||
		strings.Contains(norm, "play some music") {
		return true
	}
	m := rePlayTrack.FindStringSubmatch(norm)
	if m == nil {
		return false
	}
	subject := strings.TrimSpace(m[1])
	for _, ex := range playExclusions {
		if strings.HasPrefix(subject, ex) {
			return false
		}
	}
	return subject != ""
}

// ─────────────────────────────────────────────────────────────────────────────
// Mission prompt helpers
// ─────────────────────────────────────────────────────────────────────────────

var (
	reMissionTime    = regexp.MustCompile(`(?i)\bat\s+(\d{1,2}(?::\d{2})?\s*(?:am|pm)?)\b`)
	reBareTime       = regexp.MustCompile(`(?i)\b(\d{1,2}(?::\d{2})?\s*(?:am|pm))\b`)
	reMissionChannel = regexp.MustCompile(`(?i)\b(?:on|via|to)\s+(telegram|discord|email|hud)\b`)
)

// missionConfirmationPrompt renders the go-ahead question for a mission
// draft, surfacing the schedule and delivery channel when present.
func missionConfirmationPrompt(prompt string) string {
	var b strings.Builder
	b.WriteString("I can turn that into a mission")
	if m := reMissionTime.FindStringSubmatch(prompt); m != nil {
		b.WriteString(" at " + strings.TrimSpace(m[1]))
	}
	if m := reMissionChannel.FindStringSubmatch(prompt); m != nil {
		b.WriteString(" to " + capitalize(strings.ToLower(m[1])))
	}
	b.WriteString(". Want me to set it up?")
	return b.String()
}

// mergeMissionPrompt folds a refinement into the existing draft. Time and
// channel refinements replace their counterparts; anything else appends.
func mergeMissionPrompt(prompt, refinement string) string {
	if prompt == "" {
		return refinement
	}
	merged := prompt
	// "make it 10am" carries no "at"; the bare clock-time form still counts.
	if m := reBareTime.FindStringSubmatch(refinement); m != nil {
		if reMissionTime.MatchString(merged) {
			merged = reMissionTime.ReplaceAllString(merged, "at "+strings.TrimSpace(m[1]))
		} else {
			merged += " at " + strings.TrimSpace(m[1])
		}
		refinement = strings.Replace(refinement, m[0], "", 1)
	}
	if m := reMissionChannel.FindStringSubmatch(refinement); m != nil {
		if reMissionChannel.MatchString(merged) {
			merged = reMissionChannel.ReplaceAllString(merged, "on "+strings.ToLower(m[1]))
		} else {
			merged += " on " + strings.ToLower(m[1])
		}
		refinement = strings.Replace(refinement, m[0], "", 1)
	}
	if rest := strings.TrimSpace(refinement); rest != "" && !isRefinementFiller(rest) {
		merged += "; " + rest
	}
	return merged
}

var refinementFillers = []string{"instead", "actually", "make it", "change it to", "change that to", "please"}

func isRefinementFiller(rest string) bool {
	t := strings.ToLower(strings.Trim(rest, " ,.!"))
	for _, f := range refinementFillers {
		t = strings.TrimSpace(strings.ReplaceAll(t, f, ""))
	}
	return t == ""
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// canned builds a run summary for a dispatcher-terminal branch.
func canned(route, reply string) *types.RunSummary {
	return &types.RunSummary{Route: route, OK: true, Reply: reply}
}
