// Package app wires all englishpro subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithCatalog, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/englishpro/internal/api"
	"github.com/MrWong99/englishpro/internal/config"
	"github.com/MrWong99/englishpro/internal/curriculum"
	"github.com/MrWong99/englishpro/internal/drill"
	"github.com/MrWong99/englishpro/internal/gateway"
	"github.com/MrWong99/englishpro/internal/health"
	"github.com/MrWong99/englishpro/internal/mcpserver"
	"github.com/MrWong99/englishpro/internal/observe"
	"github.com/MrWong99/englishpro/internal/resilience"
	"github.com/MrWong99/englishpro/internal/session"
	"github.com/MrWong99/englishpro/internal/store"
	"github.com/MrWong99/englishpro/internal/store/postgres"
	"github.com/MrWong99/englishpro/internal/store/sqlite"
	"github.com/MrWong99/englishpro/internal/transcribe"
	"github.com/MrWong99/englishpro/internal/transcript/phonetic"
	"github.com/MrWong99/englishpro/pkg/provider/llm"
	"github.com/MrWong99/englishpro/pkg/provider/stt"
	"github.com/MrWong99/englishpro/pkg/provider/tts"
	"github.com/MrWong99/englishpro/pkg/provider/vad"
)

// readHeaderTimeout bounds how long a client may take to send request
// headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	// level is adjusted when the watched config changes the log level.
	level *slog.LevelVar

	// configPath enables hot reload when set.
	configPath string
	watcher    *config.Watcher

	metrics  *observe.Metrics
	store    store.Store
	guard    *store.Guard
	catalog  *curriculum.Catalog
	gateway  *gateway.Gateway
	manager  *session.Manager
	api      *api.Server
	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a store instead of opening the configured backend. The
// App does not close an injected store.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalog injects a curriculum instead of loading the configured one.
func WithCatalog(c *curriculum.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithMetrics overrides the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets the App adjust the process log level on config reload.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithVersion sets the version reported by the MCP endpoint.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Missing providers
// only disable the features that need them: without an LLM the partner
// answers with a configuration notice, without STT and VAD the live channel
// is text only.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Curriculum ────────────────────────────────────────────────────
	if err := a.initCatalog(); err != nil {
		return nil, fmt.Errorf("app: init curriculum: %w", err)
	}

	// ── 3. Gateway + sessions ────────────────────────────────────────────
	a.initGateway()
	a.manager = session.NewManager(session.ManagerConfig{
		Session: session.Config{
			Catalog:      a.catalog,
			Conversation: a.gateway,
			Words:        drill.NewGenerator(a.gateway, a.guard, drill.WithGeneratorMetrics(a.metrics)),
			Learned:      a.guard,
			Corrector:    phonetic.New(),
			Metrics:      a.metrics,
		},
		Profiles:   a.guard,
		Translator: a.gateway,
	})

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.api = api.New(a.apiConfig())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// ── 5. Hot reload ────────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: init watcher: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured backend and wraps it in a Guard.
func (a *App) initStore(ctx context.Context) error {
	if a.store == nil {
		s, err := openStore(ctx, a.cfg.Store)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	a.guard = store.NewGuard(a.store)
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.StorePostgres:
		s, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", cfg.Backend)
		return s, nil
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", cfg.Backend, "path", cfg.Path)
		return s, nil
	case config.StoreMemory, "":
		var opts []store.MemoryOption
		if cfg.ReadOnly {
			opts = append(opts, store.ReadOnly())
		}
		slog.Info("store opened", "backend", config.StoreMemory, "read_only", cfg.ReadOnly)
		return store.NewMemory(opts...), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (a *App) initCatalog() error {
	if a.catalog != nil {
		return nil
	}
	if a.cfg.Curriculum.Path == "" {
		a.catalog = curriculum.Default()
		return nil
	}
	c, err := curriculum.Load(a.cfg.Curriculum.Path)
	if err != nil {
		return err
	}
	slog.Info("curriculum loaded", "path", a.cfg.Curriculum.Path, "topics", c.Len())
	a.catalog = c
	return nil
}

func (a *App) initGateway() {
	gc := a.cfg.Gateway
	opts := []gateway.Option{
		gateway.WithMetrics(a.metrics),
		gateway.WithChainConfig(chainConfig(gc.Breaker)),
		gateway.WithWordsModel(auxModel(gc.WordsModel)),
		gateway.WithTranslateModel(auxModel(gc.TranslateModel)),
	}
	if len(gc.Models) > 0 {
		opts = append(opts, gateway.WithModels(gc.Models...))
	}
	a.gateway = gateway.New(a.providers.LLM, opts...)
	if !a.gateway.Configured() {
		slog.Warn("no LLM provider configured; replies will ask for configuration")
	}
}

func chainConfig(b config.BreakerConfig) resilience.ChainConfig {
	return resilience.ChainConfig{
		DisableBreakers: b.Disabled,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
		},
	}
}

func auxModel(m string) string {
	if m == "" {
		return gateway.DefaultAuxModel
	}
	return m
}

func (a *App) apiConfig() api.Config {
	cfg := api.Config{
		Manager:  a.manager,
		Catalog:  a.catalog,
		Profiles: a.guard,
		Metrics:  a.metrics,
		Health: health.New(
			health.StoreCheck(a.guard, a.guard),
			health.GatewayCheck(a.gateway),
		),
		Speech: api.SpeechConfig{
			STT:             a.providers.STT,
			VAD:             a.providers.VAD,
			TTS:             a.providers.TTS,
			Language:        a.cfg.Speech.Language,
			NoSpeechTimeout: a.cfg.Speech.NoSpeechTimeout,
			PreferredVoice:  a.cfg.Speech.PreferredVoice,
			FrameInterval:   a.cfg.Speech.MeterInterval,
		},
	}
	if t, ok := a.providers.STT.(stt.Transcriber); ok {
		cfg.Transcriber = transcribe.New(transcribe.NewTranscriberModel(t), a.metrics)
	}
	if a.cfg.MCP.Enabled {
		cfg.MCP = mcpserver.Handler(mcpserver.New(a.catalog, a.gateway, a.version))
		cfg.MCPPath = a.cfg.MCP.Path
	}
	return cfg
}

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Gateway returns the LLM gateway.
func (a *App) Gateway() *gateway.Gateway { return a.gateway }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and polls the config file until ctx is cancelled, then
// stops accepting requests within the configured shutdown timeout. A
// cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("app running", "addr", ln.Addr().String(), "topics", a.catalog.Len(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// onConfigChange applies the reloadable part of a config change.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ModelsChanged {
		models := d.NewModels
		if len(models) == 0 {
			models = slices.Clone(gateway.DefaultModels)
		}
		a.gateway.SetModels(models)
	}
	if d.AuxModelsChanged {
		a.gateway.SetAuxModels(auxModel(new.Gateway.WordsModel), auxModel(new.Gateway.TranslateModel))
	}
	if d.PreferredVoiceChanged {
		a.api.SetPreferredVoice(d.NewPreferredVoice)
		slog.Info("preferred voice changed", "voice", d.NewPreferredVoice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends every session, which closes their live connections, and then
// runs the closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len(), "closers", len(a.closers))

		a.manager.Close(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
