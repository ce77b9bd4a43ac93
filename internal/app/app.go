// Package app wires all Nova subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the frontends until the context is cancelled or a
// shutdown turn fires, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithProviderFactory, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AverageNftEnjoyer/nova/internal/broadcast"
	"github.com/AverageNftEnjoyer/nova/internal/config"
	"github.com/AverageNftEnjoyer/nova/internal/devlog"
	"github.com/AverageNftEnjoyer/nova/internal/dispatch"
	"github.com/AverageNftEnjoyer/nova/internal/engine"
	"github.com/AverageNftEnjoyer/nova/internal/frontend/discord"
	"github.com/AverageNftEnjoyer/nova/internal/health"
	"github.com/AverageNftEnjoyer/nova/internal/hotctx"
	"github.com/AverageNftEnjoyer/nova/internal/observe"
	"github.com/AverageNftEnjoyer/nova/internal/providers"
	"github.com/AverageNftEnjoyer/nova/internal/services"
	"github.com/AverageNftEnjoyer/nova/internal/session"
	"github.com/AverageNftEnjoyer/nova/internal/tools"
	"github.com/AverageNftEnjoyer/nova/pkg/memory"
	embedopenai "github.com/AverageNftEnjoyer/nova/pkg/provider/embeddings/openai"
	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// The hub doubles as the engine's broadcaster seam.
var _ engine.Broadcaster = (*broadcast.Hub)(nil)

// Collaborators holds one interface value per external collaborator slot.
// Nil disables the matching branch. Weather, crypto, and search default to
// the built-in HTTP clients when left nil; the rest stay off until wired.
type Collaborators struct {
	Weather engine.WeatherService
	Crypto  engine.CryptoService
	Search  tools.SearchService
	Gmail   tools.GmailService
	Skills  dispatch.SkillPreferences
	Builder dispatch.WorkflowBuilder
	Music   dispatch.MusicHandler
}

// App owns all subsystem lifetimes and the outer turn boundary.
type App struct {
	cfg *config.Config
	log *slog.Logger

	collab Collaborators

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	devLog      *devlog.Log
	hub         *broadcast.Hub
	toolRuntime tools.Runtime
	memoryStore memory.Store
	recaller    memory.Recaller
	sessions    engine.SessionRuntime
	shortCtx    *hotctx.Store
	dedupe      *dispatch.DedupeFilter
	confirm     *dispatch.ConfirmStore
	snapshots   engine.SnapshotGetter
	factory     engine.ProviderFactory
	engine      *engine.Engine
	dispatcher  *dispatch.Dispatcher
	frontend    *discord.Frontend
	httpServer  *http.Server

	// quit is closed by a shutdown turn; Run returns when it fires.
	quit     chan struct{}
	quitOnce sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger injects the base logger instead of slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithSessionStore injects a transcript store instead of creating one
// under the memory dir.
func WithSessionStore(s engine.SessionRuntime) Option {
	return func(a *App) { a.sessions = s }
}

// WithMemoryStore injects a fact store instead of creating a Markdown one.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memoryStore = s }
}

// WithRecaller injects a semantic recaller instead of connecting pgvector.
func WithRecaller(r memory.Recaller) Option {
	return func(a *App) { a.recaller = r }
}

// WithSnapshotSource injects an integrations source instead of the
// config-backed one. The TTL cache still wraps it.
func WithSnapshotSource(src providers.SnapshotSource) Option {
	return func(a *App) { a.snapshots = providers.NewSnapshotCache(src, 30*time.Second) }
}

// WithProviderFactory injects a provider factory instead of the real one.
func WithProviderFactory(f engine.ProviderFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithToolRuntime injects a tool runtime instead of creating one with the
// built-in tools registered.
func WithToolRuntime(rt tools.Runtime) Option {
	return func(a *App) { a.toolRuntime = rt }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The collaborators
// struct comes from main.go; use Option functions to inject test doubles
// for any subsystem.
func New(ctx context.Context, cfg *config.Config, collab Collaborators, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		collab: collab,
		quit:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.fillCollaborators()

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initTelemetry(); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	// ── 2. Broadcast hub ─────────────────────────────────────────────────
	a.hub = broadcast.NewHub(a.log)
	a.closers = append(a.closers, func() error {
		a.hub.Close()
		return nil
	})

	// ── 3. Tool runtime ──────────────────────────────────────────────────
	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 4. Memory ────────────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 5. Sessions + process-wide registries ────────────────────────────
	if err := a.initRegistries(); err != nil {
		return nil, fmt.Errorf("app: init registries: %w", err)
	}

	// ── 6. Providers ─────────────────────────────────────────────────────
	if a.snapshots == nil {
		a.snapshots = providers.NewSnapshotCache(
			providers.NewConfigSource(cfg.Providers), 30*time.Second)
	}
	if a.factory == nil {
		a.factory = providers.Factory{RequestTimeout: cfg.Timeouts.OpenAIRequest}
	}

	// ── 7. Engine + dispatcher ───────────────────────────────────────────
	a.initPipeline()

	// ── 8. HTTP server + optional Discord frontend ───────────────────────
	if err := a.initFrontends(); err != nil {
		return nil, fmt.Errorf("app: init frontends: %w", err)
	}

	return a, nil
}

// fillCollaborators backfills the built-in HTTP clients for nil slots that
// have a keyless or config-keyed default.
func (a *App) fillCollaborators() {
	if a.collab.Weather == nil {
		a.collab.Weather = services.NewOpenMeteoWeather()
	}
	if a.collab.Crypto == nil {
		a.collab.Crypto = services.NewCoinGeckoCrypto()
	}
	if a.collab.Search == nil {
		a.collab.Search = services.NewBraveSearch(a.cfg.Services.BraveAPIKey)
	}
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTelemetry() error {
	m, err := observe.NewMetrics()
	if err != nil {
		return err
	}
	a.metrics = m
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return m.Shutdown(ctx)
	})

	a.devLog = devlog.New(a.cfg.DevLog, a.log)
	return nil
}

func (a *App) initTools() error {
	if a.toolRuntime != nil {
		return nil
	}
	rt := tools.NewRuntime()
	a.closers = append(a.closers, rt.Close)

	builtins := []tools.BuiltinTool{
		tools.NewWebFetchTool(&http.Client{Timeout: 10 * time.Second}),
		tools.NewWebSearchTool(a.collab.Search),
		tools.NewWeatherTool(a.collab.Weather),
		tools.NewCryptoReportTool(a.collab.Crypto),
	}
	if a.collab.Gmail != nil {
		builtins = append(builtins,
			tools.NewGmailForwardTool(a.collab.Gmail),
			tools.NewGmailReplyDraftTool(a.collab.Gmail),
		)
	}
	for _, b := range builtins {
		if err := rt.RegisterBuiltin(b); err != nil {
			return fmt.Errorf("register tool %q: %w", b.Definition.Name, err)
		}
	}
	a.toolRuntime = rt
	return nil
}

func (a *App) initMemory(ctx context.Context) error {
	if a.memoryStore == nil {
		store, err := memory.NewMarkdownStore(a.cfg.Memory.Dir)
		if err != nil {
			return err
		}
		a.memoryStore = store
	}

	if a.recaller != nil || a.cfg.Memory.PostgresDSN == "" {
		return nil
	}
	embedder, err := embedopenai.New(a.embeddingsKey(), a.cfg.Services.EmbeddingsModel)
	if err != nil {
		return fmt.Errorf("build embedder: %w", err)
	}
	index, err := memory.NewSemanticIndex(ctx, a.cfg.Memory.PostgresDSN, embedder)
	if err != nil {
		return err
	}
	a.recaller = index
	a.closers = append(a.closers, func() error {
		index.Close()
		return nil
	})
	return nil
}

// embeddingsKey falls back to the configured openai provider entry's key.
func (a *App) embeddingsKey() string {
	if k := a.cfg.Services.EmbeddingsAPIKey; k != "" {
		return k
	}
	for _, e := range a.cfg.Providers.Entries {
		if e.Name == "openai" && e.APIKey != "" {
			return e.APIKey
		}
	}
	return ""
}

func (a *App) initRegistries() error {
	if a.sessions == nil {
		store, err := session.NewStore(filepath.Join(a.cfg.Memory.Dir, "sessions"))
		if err != nil {
			return err
		}
		a.sessions = store
	}
	a.shortCtx = hotctx.NewStore()
	a.dedupe = dispatch.NewDedupeFilter()
	a.confirm = dispatch.NewConfirmStore()
	return nil
}

func (a *App) initPipeline() {
	// The crypto fast path doubles as the dispatcher's report replay cache.
	cryptoFP := engine.NewCryptoFastPath(a.collab.Crypto, a.cfg.Timeouts.WebPreload)

	a.engine = engine.New(engine.Deps{
		Logger:    a.log,
		Config:    a.cfg,
		Snapshots: a.snapshots,
		Factory:   a.factory,
		Tools:     a.toolRuntime,
		Weather:   engine.NewWeatherFastPath(a.collab.Weather, a.cfg.Timeouts.WebPreload),
		Crypto:    cryptoFP,
		Sessions:  a.sessions,
		Memory:    a.memoryStore,
		Recaller:  a.recaller,
		ShortCtx:  a.shortCtx,
		Broadcast: a.hub,
		Metrics:   a.metrics,
		ArmWeatherConfirm: func(sessionKey, suggestedLocation string) {
			a.confirm.Set(sessionKey, dispatch.PendingConfirmation{
				Kind:              dispatch.ConfirmWeather,
				SuggestedLocation: suggestedLocation,
			})
		},
	})

	a.dispatcher = dispatch.New(dispatch.Deps{
		Logger:                 a.log,
		Engine:                 a.engine,
		Memory:                 a.memoryStore,
		Skills:                 a.collab.Skills,
		Builder:                a.collab.Builder,
		Music:                  a.collab.Music,
		Reports:                cryptoFP,
		Dedupe:                 a.dedupe,
		Confirm:                a.confirm,
		ShortCtx:               a.shortCtx,
		IsExplicitCryptoReport: engine.IsExplicitCryptoReportRequest,
		IsCryptoIntent:         engine.IsCryptoIntent,
		RequestShutdown:        a.RequestShutdown,
	})
}

func (a *App) initFrontends() error {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))
	health.New(
		health.BroadcastProbe(a.hub),
		health.ToolRuntimeProbe(a.toolRuntime),
		health.MemoryDirProbe(a.cfg.Memory.Dir),
	).Register(mux)
	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.Discord.Token == "" {
		return nil
	}
	frontend, err := discord.New(a.cfg.Discord, a, a.log)
	if err != nil {
		return err
	}
	a.frontend = frontend
	return nil
}

// ─── Turn boundary ───────────────────────────────────────────────────────────

// The App is the dispatcher every frontend sees.
var _ discord.Dispatcher = (*App)(nil)

// Dispatch is the outer turn boundary. Every turn from every frontend
// passes through here: the user identity is resolved, the turn is routed,
// and no matter how it ends a dev-log record is written and the HUD
// returns to idle.
func (a *App) Dispatch(ctx context.Context, in types.TurnInput) (*types.RunSummary, error) {
	in.UserContextID = session.ResolveUserContextID(in)
	if in.SessionKey == "" {
		in.SessionKey = in.Source + ":" + in.UserContextID
	}

	sum, err := a.dispatcher.Dispatch(ctx, in)

	logged := sum
	if logged == nil {
		logged = &types.RunSummary{Route: "error", OK: false}
		if err != nil {
			logged.Error = err.Error()
		}
	}
	a.devLog.Append(in, logged)
	a.hub.State("idle")
	return sum, err
}

// RequestShutdown asks Run to return. Safe to call from any turn.
func (a *App) RequestShutdown(reason string) {
	a.quitOnce.Do(func() {
		a.log.Info("shutdown requested", "reason", reason)
		close(a.quit)
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP endpoints and the optional Discord frontend, then
// blocks until ctx is cancelled or a shutdown turn fires.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		a.log.Info("http server listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("app: http server: %w", err)
		}
	}()

	if a.frontend != nil {
		go func() {
			if err := a.frontend.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("app: discord frontend: %w", err)
			}
		}()
	}

	a.hub.State("idle")
	a.log.Info("app running", "discord", a.frontend != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return nil
	case err := <-errCh:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
