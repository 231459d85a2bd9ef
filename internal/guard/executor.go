package guard

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Constructor builds a guard implementation from its tagged-union config.
// Registered per Kind by the native and wasm packages via RegisterKind so
// this package stays free of a hard dependency on either.
type Constructor func(cfg Config) (Guard, error)

var (
	constructorsMu sync.RWMutex
	constructors   = map[Kind]Constructor{}
)

// RegisterKind installs the constructor for a guard kind. Called from
// package init() in internal/guard/native and internal/guard/wasmguard so
// this package never imports them directly (avoids an import cycle, since
// native guards import guard.Config/guard.Guard).
func RegisterKind(k Kind, ctor Constructor) {
	constructorsMu.Lock()
	defer constructorsMu.Unlock()
	constructors[k] = ctor
}

func build(cfg Config) (Guard, error) {
	constructorsMu.RLock()
	ctor, ok := constructors[cfg.Type]
	constructorsMu.RUnlock()
	if !ok {
		return nil, configError("unknown guard kind %q (id %q)", cfg.Type, cfg.ID)
	}
	return ctor(cfg)
}

// entry pairs a compiled guard with the config it was built from, so the
// executor can report per-guard config back to the schema surface without
// re-deriving it from the Guard interface alone.
type entry struct {
	cfg   Config
	guard Guard
}

// Executor owns one backend's ordered, phase-gated guard chain. Guards are
// sorted by ascending priority at load time; the chain is replaced
// atomically on hot-reload via Update, never mutated in place, so a reader
// observes either the full old list or the full new one — never an
// interleaving.
type Executor struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries []entry

	errMu  sync.Mutex
	errsCh chan error // non-blocking best-effort error channel
}

// NewExecutor compiles configs into an Executor. Invalid configs (bad regex,
// missing wasm module, unknown kind) are a fatal ConfigError at load time.
func NewExecutor(log *slog.Logger, configs []Config) (*Executor, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{log: log, errsCh: make(chan error, 32)}
	entries, err := compile(configs)
	if err != nil {
		return nil, err
	}
	e.entries = entries
	return e, nil
}

// compile filters to enabled configs, constructs each guard, and sorts by
// ascending priority; insertion order (config list order) breaks ties
// deterministically since sort.SliceStable is used.
func compile(configs []Config) ([]entry, error) {
	out := make([]entry, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		g, err := build(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{cfg: cfg, guard: g})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].cfg.Priority < out[j].cfg.Priority })
	return out, nil
}

// Update compiles a fresh guard list and swaps it in under an exclusive
// lock held only for the pointer swap. On a ConfigError the previous
// Executor state is left installed, so a bad edit never tears down a
// working chain.
func (e *Executor) Update(configs []Config) error {
	entries, err := compile(configs)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.entries = entries
	e.mu.Unlock()
	return nil
}

// snapshot returns the current guard list under the shared lock. Safe to
// iterate afterwards without holding any lock, satisfying the invariant
// that an Executor never holds locks across a guest (WASM) call.
func (e *Executor) snapshot() []entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]entry, len(e.entries))
	copy(out, e.entries)
	return out
}

// Errors returns the executor's best-effort timeout/error notification
// channel.
func (e *Executor) Errors() <-chan error { return e.errsCh }

func (e *Executor) emitErr(err error) {
	select {
	case e.errsCh <- err:
	default:
	}
}

// runOne invokes a single guard's call under its configured timeout,
// applying FailureMode on error or timeout.
func runOne(ctx context.Context, log *slog.Logger, ent entry, call func(context.Context) (Decision, error)) (Decision, bool, error) {
	timeout := time.Duration(ent.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		dec Decision
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		dec, err := call(callCtx)
		resCh <- result{dec, err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return handleFailure(log, ent, &GuardError{Kind: ErrExecution, Msg: "guard evaluation failed", Err: r.err})
		}
		return r.dec, true, nil
	case <-callCtx.Done():
		return handleFailure(log, ent, &GuardError{Kind: ErrTimeout, Msg: "guard evaluation timed out"})
	}
}

// handleFailure applies a guard's FailureMode to an error/timeout: FailOpen
// logs and continues (Allow, true-continue, nil-error); FailClosed aborts
// the chain.
func handleFailure(log *slog.Logger, ent entry, err *GuardError) (Decision, bool, error) {
	if ent.cfg.FailureMode == FailOpen {
		log.Warn("guard failed open, continuing chain",
			slog.String("guard_id", ent.cfg.ID), slog.String("kind", string(ent.cfg.Type)), slog.Any("error", err))
		return Allow, true, nil
	}
	log.Error("guard failed closed, aborting chain",
		slog.String("guard_id", ent.cfg.ID), slog.String("kind", string(ent.cfg.Type)), slog.Any("error", err))
	return Decision{}, false, err
}

// EvaluateConnection runs every Connection-phase guard in priority order.
func (e *Executor) EvaluateConnection(ctx context.Context, serverName string, serverURL *string, gctx GuardContext) (Decision, error) {
	for _, ent := range e.snapshot() {
		if !RunsOn(ent.cfg.RunsOn, PhaseConnection) {
			continue
		}
		dec, cont, err := runOne(ctx, e.log, ent, func(c context.Context) (Decision, error) {
			return ent.guard.EvaluateConnection(c, serverName, serverURL, gctx)
		})
		if err != nil {
			e.emitErr(err)
			return Decision{}, err
		}
		if !cont {
			continue
		}
		if d, stop := applyDecision(dec); stop {
			return d, nil
		}
	}
	return Allow, nil
}

// EvaluateToolsList runs every ToolsList-phase guard (ToolsList≡Response
// alias applies), threading a Modify(Transform) result's tool list into
// subsequent guards in the chain.
func (e *Executor) EvaluateToolsList(ctx context.Context, tools []ToolDescriptor, gctx GuardContext) (Decision, []ToolDescriptor, error) {
	current := tools
	for _, ent := range e.snapshot() {
		if !RunsOn(ent.cfg.RunsOn, PhaseToolsList) {
			continue
		}
		dec, cont, err := runOne(ctx, e.log, ent, func(c context.Context) (Decision, error) {
			return ent.guard.EvaluateToolsList(c, current, gctx)
		})
		if err != nil {
			e.emitErr(err)
			return Decision{}, current, err
		}
		if !cont {
			continue
		}
		switch dec.Kind {
		case DecisionDeny:
			return dec, current, nil
		case DecisionModify:
			if dec.Modify != nil && dec.Modify.Kind == ModifyTransform {
				var next []ToolDescriptor
				if jsonUnmarshal(dec.Modify.Transform, &next) {
					current = next
				}
			}
		}
	}
	return Allow, current, nil
}

// EvaluateToolInvoke runs every ToolInvoke-phase guard (ToolInvoke≡Request
// alias applies).
func (e *Executor) EvaluateToolInvoke(ctx context.Context, toolName string, arguments json.RawMessage, gctx GuardContext) (Decision, error) {
	for _, ent := range e.snapshot() {
		if !RunsOn(ent.cfg.RunsOn, PhaseToolInvoke) {
			continue
		}
		dec, cont, err := runOne(ctx, e.log, ent, func(c context.Context) (Decision, error) {
			return ent.guard.EvaluateToolInvoke(c, toolName, arguments, gctx)
		})
		if err != nil {
			e.emitErr(err)
			return Decision{}, err
		}
		if !cont {
			continue
		}
		if d, stop := applyDecision(dec); stop {
			return d, nil
		}
	}
	return Allow, nil
}

// EvaluateRequest runs every Request-phase guard (ToolInvoke≡Request alias
// applies), threading a Modify(Transform) payload into the next guard.
func (e *Executor) EvaluateRequest(ctx context.Context, request json.RawMessage, gctx GuardContext) (Decision, json.RawMessage, error) {
	current := request
	for _, ent := range e.snapshot() {
		if !RunsOn(ent.cfg.RunsOn, PhaseRequest) {
			continue
		}
		dec, cont, err := runOne(ctx, e.log, ent, func(c context.Context) (Decision, error) {
			return ent.guard.EvaluateRequest(c, current, gctx)
		})
		if err != nil {
			e.emitErr(err)
			return Decision{}, current, err
		}
		if !cont {
			continue
		}
		switch dec.Kind {
		case DecisionDeny:
			return dec, current, nil
		case DecisionModify:
			if dec.Modify != nil && dec.Modify.Kind == ModifyTransform {
				current = dec.Modify.Transform
			}
		}
	}
	return Allow, current, nil
}

// EvaluateResponse runs every Response-phase guard (ToolsList≡Response
// alias applies), threading a Modify(Transform) payload into the next guard.
func (e *Executor) EvaluateResponse(ctx context.Context, response json.RawMessage, gctx GuardContext) (Decision, json.RawMessage, error) {
	current := response
	for _, ent := range e.snapshot() {
		if !RunsOn(ent.cfg.RunsOn, PhaseResponse) {
			continue
		}
		dec, cont, err := runOne(ctx, e.log, ent, func(c context.Context) (Decision, error) {
			return ent.guard.EvaluateResponse(c, current, gctx)
		})
		if err != nil {
			e.emitErr(err)
			return Decision{}, current, err
		}
		if !cont {
			continue
		}
		switch dec.Kind {
		case DecisionDeny:
			return dec, current, nil
		case DecisionModify:
			if dec.Modify != nil && dec.Modify.Kind == ModifyTransform {
				current = dec.Modify.Transform
			}
		}
	}
	return Allow, current, nil
}

// ResetServer clears every guard's per-server state; only an explicit call
// to this method forgets it, never a timer or a request count.
func (e *Executor) ResetServer(serverName string) {
	for _, ent := range e.snapshot() {
		ent.guard.ResetServer(serverName)
	}
}

// Schemas aggregates {guard id -> {settings_schema, default_config}} across
// this executor's guards for the Schema API (C7).
func (e *Executor) Schemas() map[string]GuardSchema {
	out := map[string]GuardSchema{}
	for _, ent := range e.snapshot() {
		out[ent.cfg.ID] = GuardSchema{
			SettingsSchema: ent.guard.SettingsSchema(),
			DefaultConfig:  ent.guard.DefaultConfig(),
		}
	}
	return out
}

// GuardSchema is one guard's contribution to the Schema API.
type GuardSchema struct {
	SettingsSchema json.RawMessage `json:"settings_schema,omitempty"`
	DefaultConfig  json.RawMessage `json:"default_config,omitempty"`
}

// applyDecision reports whether the evaluation should stop (on Deny) and,
// if so, the decision to return; Allow/Modify-without-payload-use continue.
func applyDecision(dec Decision) (Decision, bool) {
	if dec.Kind == DecisionDeny {
		return dec, true
	}
	return Allow, false
}

func jsonUnmarshal(data json.RawMessage, v any) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
