// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — secrets envelope + settings document
//  2. initMetrics  — Prometheus registry
//  3. initUpstream — OpenRouter client, catalog cache
//  4. initKeys     — key manager; startup Ensure/Validate/Regenerate
//  5. initServices — connection monitor, generation tracker, change hooks
//  6. initServer   — gateway + HTTP listener
//
// Settings subscribers are registered last, in initServices: they run on
// notification goroutines, so everything they touch must be fully
// constructed before the first setter can fire them.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zhavoronkov/openrouter-proxy/internal/catalog"
	"github.com/zhavoronkov/openrouter-proxy/internal/keymgr"
	"github.com/zhavoronkov/openrouter-proxy/internal/metrics"
	"github.com/zhavoronkov/openrouter-proxy/internal/openrouter"
	"github.com/zhavoronkov/openrouter-proxy/internal/proxy"
	"github.com/zhavoronkov/openrouter-proxy/internal/secrets"
	"github.com/zhavoronkov/openrouter-proxy/internal/settings"
	"github.com/zhavoronkov/openrouter-proxy/internal/status"
	"github.com/zhavoronkov/openrouter-proxy/internal/track"
)

// Attribution headers sent with every upstream request.
const (
	appReferer = "https://github.com/zhavoronkov/openrouter-proxy"
	appTitle   = "OpenRouter Proxy"
)

// Options configures application startup.
type Options struct {
	// SettingsPath overrides the settings document location; empty uses the
	// per-user default.
	SettingsPath string

	// KeyPath overrides the envelope key file location.
	KeyPath string

	// BaseURL overrides the upstream API root. Used by tests and mocks.
	BaseURL string

	// Force starts the listener even when no credentials are configured.
	Force bool

	// Version is reported by /health and metrics.
	Version string
}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	opts    Options
	baseCtx context.Context
	log     *slog.Logger

	store   *settings.Store
	client  *openrouter.Client
	catalog *catalog.Cache
	keys    *keymgr.Manager

	prom    *metrics.Registry
	monitor *status.Monitor
	tracker *track.Tracker

	server *proxy.Server
}

// New initializes all subsystems and returns a ready-to-run App. All
// resources allocated here are released by Close.
func New(ctx context.Context, log *slog.Logger, opts Options) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{opts: opts, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"metrics", a.initMetrics},
		{"upstream", a.initUpstream},
		{"keys", a.initKeys},
		{"services", a.initServices},
		{"server", a.initServer},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Server exposes the listener for status queries and restarts.
func (a *App) Server() *proxy.Server { return a.server }

// Settings exposes the settings store.
func (a *App) Settings() *settings.Store { return a.store }

// Run starts the proxy listener and blocks until ctx is cancelled. It closes
// the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	var start func() (proxy.Status, error)
	switch {
	case a.opts.Force:
		start = a.server.ForceStart
	case a.store.ProxyAutoStart():
		start = a.server.Start
	default:
		a.log.Info("auto-start disabled, waiting for explicit start")
	}

	if start != nil {
		st, err := start()
		if err != nil {
			return err
		}
		a.log.Info("proxy ready",
			slog.String("version", a.opts.Version),
			slog.Int("port", st.Port),
			slog.String("url", st.URL),
		)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})
	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.log.Error("server stop error", slog.String("error", err.Error()))
		}
		a.server = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.Error("tracker close error", slog.String("error", err.Error()))
		}
		a.tracker = nil
	}
}

// ── Init steps ────────────────────────────────────────────────────────────────

func (a *App) initStore(_ context.Context) error {
	settingsPath := a.opts.SettingsPath
	if settingsPath == "" {
		settingsPath = settings.DefaultPath()
	}
	keyPath := a.opts.KeyPath
	if keyPath == "" {
		keyPath = settings.DefaultKeyPath()
	}

	env, err := secrets.New(keyPath, a.log)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}

	store, err := settings.Open(settingsPath, env, a.log)
	if err != nil {
		return err
	}
	a.store = store

	a.log.Info("settings loaded",
		slog.String("path", settingsPath),
		slog.String("scope", string(store.AuthScope())),
		slog.Bool("configured", store.Configured()),
	)
	return nil
}

func (a *App) initMetrics(_ context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.opts.Version)
	return nil
}

func (a *App) initUpstream(_ context.Context) error {
	var opts []openrouter.Option
	if a.opts.BaseURL != "" {
		opts = append(opts, openrouter.WithBaseURL(a.opts.BaseURL))
	}
	a.client = openrouter.New(appReferer, appTitle, a.log, opts...)

	a.catalog = catalog.New(a.client, a.store.APIKey, a.log,
		catalog.WithBaseContext(a.baseCtx),
		catalog.WithRefreshObserver(a.prom.RecordCatalogRefresh),
	)
	return nil
}

func (a *App) initKeys(ctx context.Context) error {
	a.keys = keymgr.New(a.client, a.store, a.log)

	if !a.store.Configured() {
		if !a.opts.Force {
			return fmt.Errorf("not configured: set OPENROUTER_API_KEY or OPENROUTER_PROVISIONING_KEY")
		}
		a.log.Warn("starting without credentials; chat requests will fail with 401")
		return nil
	}

	if err := a.keys.EnsureStartup(ctx); err != nil {
		return err
	}
	a.log.Info("runtime key ready", slog.String("state", string(a.keys.State())))
	return nil
}

func (a *App) initServices(_ context.Context) error {
	a.monitor = status.NewMonitor(a.baseCtx, a.client, a.store, a.prom)

	tracker, err := track.New(a.baseCtx, a.store, a.log)
	if err != nil {
		return err
	}
	a.tracker = tracker

	// Credential changes invalidate the catalog (an authenticated fetch may
	// see account-gated models an anonymous one does not) and reprobe the
	// connection. Registered only now: subscribers run on notification
	// goroutines, so the captured references must already be final.
	cat, mon := a.catalog, a.monitor
	a.store.Subscribe(func(f settings.Field) {
		switch f {
		case settings.FieldAPIKey, settings.FieldProvisioningKey, settings.FieldAuthScope:
			cat.Invalidate()
			mon.Refresh()
		}
	})
	return nil
}

func (a *App) initServer(_ context.Context) error {
	gw := proxy.NewGateway(a.client, a.store, a.catalog, a.keys, proxy.GatewayOptions{
		Logger:  a.log,
		Metrics: a.prom,
		Monitor: a.monitor,
		Tracker: a.tracker,
		Version: a.opts.Version,
	})
	a.server = proxy.NewServer(gw, a.store, a.log)
	return nil
}
