package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func jsonIndent(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") }

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway:   GatewayConfig{Host: "0.0.0.0", Port: 8787},
		Upstreams: map[string]UpstreamConfig{},
		Guards:    map[string][]guard.Config{},
	}
}

// Load reads config from a json5 file (comments/trailing commas permitted
// the way ops hand-edit these files), falling back to Default if the file
// does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvSecrets(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnvSecrets(cfg)
	return cfg, nil
}

// applyEnvSecrets fills in the fields that are deliberately excluded from
// json5 (un)marshaling (json:"-") so they never land on disk: the gateway's
// bearer token and the revision-store DSN.
func applyEnvSecrets(cfg *Config) {
	if v := os.Getenv("GOCLAW_GUARD_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GOCLAW_GUARD_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

// Save writes cfg back to path as indented JSON (json5 is a read-time
// convenience; writes emit plain JSON so the file stays diff-friendly).
func (c *Config) Save(path string) error {
	c.mu.RLock()
	data, err := jsonIndent(c)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Watcher watches a guard-config file (and, if set, a WASM guard
// directory) for changes and drives a reload callback, so a guard chain
// edit takes effect without restarting any upstream session.
type Watcher struct {
	log     *slog.Logger
	fsw     *fsnotify.Watcher
	onEvent func()
	done    chan struct{}
}

// WatchFile starts watching path (and, if wasmDir != "", that directory
// too) and invokes onReload on every write/create/rename/remove event.
// There is no debouncing: each event immediately triggers
// onReload, which callers make idempotent (re-reading the file and
// diffing against the live config) rather than trying to coalesce bursts
// here.
func WatchFile(log *slog.Logger, path, wasmDir string, onReload func()) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	if wasmDir != "" {
		if err := fsw.Add(wasmDir); err != nil {
			log.Warn("failed to watch wasm guard directory", slog.String("dir", wasmDir), slog.Any("error", err))
		}
	}

	w := &Watcher{log: log, fsw: fsw, onEvent: onReload, done: make(chan struct{})}
	go w.loop(path)
	return w, nil
}

func (w *Watcher) loop(configPath string) {
	base := filepath.Base(configPath)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Only the watched config file's own events or anything inside
			// a watched wasm directory should trigger a reload; filtering
			// on basename keeps unrelated sibling-file churn quiet.
			if filepath.Base(ev.Name) != base && filepath.Dir(ev.Name) == filepath.Dir(configPath) {
				continue
			}
			w.log.Info("config file changed, reloading", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			w.onEvent()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", slog.Any("error", err))
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
