// Package bootstrap wires the gateway's independently-built pieces
// (config, guard registry, upstream connections, relay, optional
// persistence) into one running App, the way the donor's internal/bootstrap
// seeds a workspace before the gateway server starts.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw-guard/internal/config"
	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	_ "github.com/nextlevelbuilder/goclaw-guard/internal/guard/native" // registers native guard kinds
	_ "github.com/nextlevelbuilder/goclaw-guard/internal/guard/wasmguard" // registers the wasm guard kind
	"github.com/nextlevelbuilder/goclaw-guard/internal/mcp"
	"github.com/nextlevelbuilder/goclaw-guard/internal/relay"
	"github.com/nextlevelbuilder/goclaw-guard/internal/store"
	"github.com/nextlevelbuilder/goclaw-guard/internal/store/pg"
	"github.com/nextlevelbuilder/goclaw-guard/internal/store/sqlite"
)

// App is the gateway's fully-wired runtime: configuration, the guard
// registry every upstream's Executor lives in, the relay that multiplexes
// client traffic across upstreams, and (optionally) a revision store.
type App struct {
	Log      *slog.Logger
	Config   *config.Config
	Registry *guard.Registry
	Relay    *relay.Relay
	Store    store.RevisionStore // nil if Database.Driver == ""

	upstreams       []*mcp.Upstream
	watcher         *config.Watcher
	cfgPath         string
	wasmDir         string
	wasmGuards      []guard.Config
	tracingShutdown func(context.Context) error
}

// Build loads cfgPath, connects every configured upstream, compiles the
// authorization policy set, and assembles the Relay. Callers own Close.
func Build(ctx context.Context, log *slog.Logger, cfgPath, wasmDir string) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	wasmGuards, err := config.ScanWasmDir(wasmDir)
	if err != nil {
		log.Warn("wasm guard directory scan failed, continuing without directory-discovered guards",
			slog.Any("error", err))
		wasmGuards = nil
	}

	tracingShutdown, err := InitTracing(ctx, cfg.Telemetry)
	if err != nil {
		log.Warn("tracing init failed, continuing without it", slog.Any("error", err))
		tracingShutdown = func(context.Context) error { return nil }
	}

	revStore, err := openRevisionStore(cfg.Database)
	if err != nil {
		log.Warn("revision store init failed, continuing without persistence", slog.Any("error", err))
		revStore = nil
	}

	policy, err := relay.CompilePolicySet(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("compile authorization policy: %w", err)
	}

	registry := guard.NewRegistry(log)

	upstreams := make([]*mcp.Upstream, 0, len(cfg.Upstreams))
	for name, uc := range cfg.Upstreams {
		up, err := mcp.Connect(ctx, name, uc)
		if err != nil {
			return nil, fmt.Errorf("connect upstream %q: %w", name, err)
		}
		upstreams = append(upstreams, up)
	}

	app := &App{
		Log: log, Config: cfg, Registry: registry, Store: revStore,
		upstreams: upstreams, cfgPath: cfgPath, wasmDir: wasmDir, wasmGuards: wasmGuards,
		tracingShutdown: tracingShutdown,
	}

	rel, err := relay.NewRelay(log, registry, policy, upstreams, app.guardConfigsFor)
	if err != nil {
		return nil, fmt.Errorf("build relay: %w", err)
	}
	app.Relay = rel

	watcher, err := config.WatchFile(log, cfgPath, wasmDir, app.reload)
	if err != nil {
		log.Warn("config hot-reload watch failed to start", slog.Any("error", err))
	} else {
		app.watcher = watcher
	}

	return app, nil
}

// guardConfigsFor is the GuardConfigsFunc handed to the relay: the
// explicitly configured chain for backend, plus every guard discovered by
// scanning the wasm guard directory, which applies to all backends alike.
func (a *App) guardConfigsFor(backend string) []guard.Config {
	explicit := a.Config.GuardConfigsFor(backend)
	if len(a.wasmGuards) == 0 {
		return explicit
	}
	out := make([]guard.Config, 0, len(explicit)+len(a.wasmGuards))
	out = append(out, explicit...)
	out = append(out, a.wasmGuards...)
	return out
}

// reload is the fsnotify callback: reload the config file and the wasm
// guard directory, diff both against the live state, and hot-reload any
// backend whose effective guard chain changed. Because directory-discovered
// wasm guards apply to every backend, a change there touches every backend
// currently registered in the config file.
func (a *App) reload() {
	fresh, err := config.Load(a.cfgPath)
	if err != nil {
		a.Log.Error("config reload failed, keeping previous config", slog.Any("error", err))
		return
	}

	freshWasmGuards, err := config.ScanWasmDir(a.wasmDir)
	if err != nil {
		a.Log.Error("wasm guard directory rescan failed, keeping previous wasm guards", slog.Any("error", err))
		freshWasmGuards = a.wasmGuards
	}
	wasmChanged := !configsEqual(a.wasmGuards, freshWasmGuards)
	a.wasmGuards = freshWasmGuards

	snap := a.Config.Snapshot()
	for backend, configs := range fresh.Guards {
		explicitChanged := !configsEqual(snap.Guards[backend], configs)
		if !explicitChanged && !wasmChanged {
			continue
		}
		combined := configs
		if len(a.wasmGuards) > 0 {
			combined = append(append([]guard.Config{}, configs...), a.wasmGuards...)
		}
		if err := a.Registry.UpdateBackend(backend, combined); err != nil {
			a.Log.Error("config reload: hot-reload rejected, previous executor left installed",
				slog.String("backend", backend), slog.Any("error", err))
			continue
		}
		if explicitChanged {
			a.Config.SetGuardConfigsFor(backend, configs)
		}
	}
}

func configsEqual(a, b []guard.Config) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i].Payload) != string(b[i].Payload) {
			return false
		}
	}
	return true
}

func openRevisionStore(dbc config.DatabaseConfig) (store.RevisionStore, error) {
	switch dbc.Driver {
	case "":
		return nil, nil
	case "postgres":
		return pg.NewRevisionStore(dbc.DSN)
	case "sqlite":
		return sqlite.NewRevisionStore(dbc.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", dbc.Driver)
	}
}

// Close tears down every upstream connection, the config watcher, the
// revision store, and flushes the trace exporter.
func (a *App) Close(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Close()
	}
	for _, up := range a.upstreams {
		up.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	return a.tracingShutdown(ctx)
}
