package guard

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Registry is the process-wide backend_name -> Executor map. Sessions hold
// a reference to the Executor returned by GetOrCreate; UpdateBackend
// replaces that Executor's guard list in place so every session targeting
// the backend observes the new rule set on its next call, with no session
// restart.
type Registry struct {
	log *slog.Logger

	mu        sync.RWMutex
	executors map[string]*Executor
}

// NewRegistry builds an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log, executors: make(map[string]*Executor)}
}

// GetOrCreate returns the Executor for backend, constructing one from
// configs on first access (double-checked: a shared-lock read first, then
// an exclusive-lock re-check before inserting).
func (r *Registry) GetOrCreate(backend string, configs []Config) (*Executor, error) {
	r.mu.RLock()
	if e, ok := r.executors[backend]; ok {
		r.mu.RUnlock()
		return e, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.executors[backend]; ok {
		return e, nil
	}
	e, err := NewExecutor(r.log.With(slog.String("backend", backend)), configs)
	if err != nil {
		return nil, err
	}
	r.executors[backend] = e
	r.log.Info("guard executor created", slog.String("backend", backend), slog.Int("guard_count", len(configs)))
	return e, nil
}

// UpdateBackend hot-reloads backend's guard chain in place via
// Executor.Update so live sessions' held references observe the new rules
// without reconnecting. If no Executor exists yet for backend, one is
// created. On a ConfigError the existing Executor (if any) is left
// installed.
func (r *Registry) UpdateBackend(backend string, configs []Config) error {
	r.mu.RLock()
	e, ok := r.executors[backend]
	r.mu.RUnlock()
	if !ok {
		_, err := r.GetOrCreate(backend, configs)
		return err
	}
	if err := e.Update(configs); err != nil {
		r.log.Error("guard hot-reload failed, previous executor left installed",
			slog.String("backend", backend), slog.Any("error", err))
		return err
	}
	r.log.Info("guard executor hot-reloaded", slog.String("backend", backend), slog.Int("guard_count", len(configs)))
	return nil
}

// RemoveBackend drops backend's Executor entirely.
func (r *Registry) RemoveBackend(backend string) {
	r.mu.Lock()
	delete(r.executors, backend)
	r.mu.Unlock()
}

// Get returns the Executor currently registered for backend, if any.
func (r *Registry) Get(backend string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[backend]
	return e, ok
}

// CollectWasmSchemas aggregates {guard id -> schema} across every
// registered backend's guards, for the Schema API's UI consumption.
func (r *Registry) CollectWasmSchemas() map[string]GuardSchema {
	r.mu.RLock()
	backends := make([]*Executor, 0, len(r.executors))
	for _, e := range r.executors {
		backends = append(backends, e)
	}
	r.mu.RUnlock()

	out := map[string]GuardSchema{}
	for _, e := range backends {
		for id, schema := range e.Schemas() {
			out[id] = schema
		}
	}
	return out
}

// SchemasJSON is a convenience wrapper returning CollectWasmSchemas as the
// JSON document the Schema API exposes.
func (r *Registry) SchemasJSON() (json.RawMessage, error) {
	return json.Marshal(r.CollectWasmSchemas())
}
