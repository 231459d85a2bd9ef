// Package wasmguard implements the sandboxed guest runtime for
// user-supplied WebAssembly guards: a shared wazero engine, per-call fresh
// instances, the mcp:security-guard/host@0.1.0 host ABI, and JSON Schema
// discovery for the guest's settings.
//
// Guests compiled against a WIT component-model toolchain would normally
// run under wasmtime; wazero, the pure-Go runtime this module uses, has no
// component-model support, so the guest ABI here is a core-wasm emulation
// of the same entrypoints: arguments are JSON-encoded, written into guest
// memory via the guest's exported `alloc`, and results are a packed
// (ptr<<32|len) pointer into guest memory, instead of WIT records/variants.
// See DESIGN.md for the tradeoff this records.
package wasmguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"runtime"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

const hostModuleName = "mcp:security-guard/host@0.1.0"

// Default sandbox limits.
const (
	DefaultMaxWasmStack = 2 << 20  // 2 MiB
	DefaultMaxMemory    = 10 << 20 // 10 MiB
	wasmPageSize        = 65536
)

// Config is the wasm-kind guard's flattened configuration payload.
type Config struct {
	ModulePath   string            `json:"module_path"`
	MaxMemory    int               `json:"max_memory,omitempty"`
	MaxWasmStack int               `json:"max_wasm_stack,omitempty"`
	TimeoutMS    uint64            `json:"timeout_ms,omitempty"`
	GuestConfig  map[string]string `json:"config,omitempty"`
}

func init() {
	guard.RegisterKind(guard.KindWasm, func(cfg guard.Config) (guard.Guard, error) {
		g, err := New(cfg, nil)
		if err != nil {
			return nil, err
		}
		return g, nil
	})
}

// sharedEngine is the process-global wazero runtime and compilation cache,
// amortizing module compilation across every wasm guard.
var (
	engineOnce sync.Once
	engineErr  error
	rt         wazero.Runtime
)

func sharedRuntime(ctx context.Context) (wazero.Runtime, error) {
	engineOnce.Do(func() {
		cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(uint32(DefaultMaxMemory / wasmPageSize))
		rt = wazero.NewRuntimeWithConfig(ctx, cfg)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			engineErr = fmt.Errorf("instantiate wasi: %w", err)
		}
	})
	return rt, engineErr
}

// Guard wraps one compiled guest module plus its own host-ABI module
// instance. Every evaluate-* call instantiates a fresh, anonymously-named
// guest instance against the shared compiled module, giving each call a
// fresh linear memory; the host module, being stateless beyond this
// guard's own config/logger, is instantiated once per Guard and reused.
type Guard struct {
	guard.BaseGuard
	log *slog.Logger

	cfg  guard.Config
	wcfg Config

	compiled wazero.CompiledModule
	host     api.Module
}

// New loads and ahead-of-time compiles a wasm module from ModulePath
// (shell-expanded) at construction time.
func New(base guard.Config, log *slog.Logger) (*Guard, error) {
	if log == nil {
		log = slog.Default()
	}
	var wcfg Config
	if len(base.Payload) > 0 {
		if err := json.Unmarshal(base.Payload, &wcfg); err != nil {
			return nil, fmt.Errorf("decode wasm guard config: %w", err)
		}
	}
	if wcfg.ModulePath == "" {
		return nil, fmt.Errorf("wasm guard %q: module_path is required", base.ID)
	}
	if wcfg.MaxMemory <= 0 {
		wcfg.MaxMemory = DefaultMaxMemory
	}
	if wcfg.MaxWasmStack <= 0 {
		wcfg.MaxWasmStack = DefaultMaxWasmStack
	}

	modPath := expandPath(wcfg.ModulePath)
	bin, err := os.ReadFile(modPath)
	if err != nil {
		return nil, fmt.Errorf("wasm guard %q: read module %s: %w", base.ID, modPath, err)
	}

	ctx := context.Background()
	runtime, err := sharedRuntime(ctx)
	if err != nil {
		return nil, fmt.Errorf("wasm guard %q: %w", base.ID, err)
	}
	compiled, err := runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("wasm guard %q: compile module: %w", base.ID, err)
	}

	g := &Guard{
		BaseGuard: guard.NewBaseGuard(base),
		log:       log,
		cfg:       base,
		wcfg:      wcfg,
		compiled:  compiled,
	}

	host, err := buildHostModule(ctx, runtime, g)
	if err != nil {
		return nil, fmt.Errorf("wasm guard %q: build host module: %w", base.ID, err)
	}
	g.host = host
	return g, nil
}

// Close releases the guard's host-ABI module and compiled guest module.
// Executor.Update does not call it: a guard replaced by an update is not
// closed.
func (g *Guard) Close(ctx context.Context) error {
	if g.host != nil {
		_ = g.host.Close(ctx)
	}
	return g.compiled.Close(ctx)
}

func expandPath(p string) string {
	if len(p) > 0 && p[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return path.Join(home, p[1:])
		}
	}
	return os.ExpandEnv(p)
}

// buildHostModule exports the mcp:security-guard/host@0.1.0 ABI: log,
// get-time, get-config. Each string parameter
// crosses the boundary as a (ptr,len) pair into the calling guest's own
// memory; get-config's string result is written back via the guest's own
// `alloc` export so ownership of the returned buffer stays with the guest.
func buildHostModule(ctx context.Context, rt wazero.Runtime, g *Guard) (api.Module, error) {
	b := rt.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level uint32, msgPtr, msgLen uint32) {
			msg, _ := readMemString(m, msgPtr, msgLen)
			logAtLevel(g.log, level, g.cfg.ID, msg)
		}).
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) uint64 {
			return uint64(time.Now().UnixMilli())
		}).
		Export("get-time")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			key, _ := readMemString(m, keyPtr, keyLen)
			val := g.wcfg.GuestConfig[key]
			packed, err := writeStringViaGuestAlloc(ctx, m, val)
			if err != nil {
				return 0
			}
			return packed
		}).
		Export("get-config")

	return b.Instantiate(ctx)
}

// logAtLevel maps the WIT level enum 0..=4 to TRACE/DEBUG/INFO/WARN/ERROR.
// slog has no TRACE level; it is folded into Debug-1 so it remains ordered
// below Debug without a new level constant.
func logAtLevel(log *slog.Logger, level uint32, guardID, msg string) {
	lvl := slog.LevelDebug - 4
	switch level {
	case 0:
		lvl = slog.LevelDebug - 4 // TRACE
	case 1:
		lvl = slog.LevelDebug
	case 2:
		lvl = slog.LevelInfo
	case 3:
		lvl = slog.LevelWarn
	case 4:
		lvl = slog.LevelError
	}
	log.Log(context.Background(), lvl, "wasm guest log", slog.String("guard_id", guardID), slog.String("message", msg))
}

func readMemString(m api.Module, ptr, length uint32) (string, bool) {
	b, ok := m.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeStringViaGuestAlloc reserves length(s) bytes in the guest's own
// memory via its exported `alloc` function, writes s into that region, and
// returns the packed (ptr<<32|len) result the guest ABI uses throughout.
func writeStringViaGuestAlloc(ctx context.Context, m api.Module, s string) (uint64, error) {
	alloc := m.ExportedFunction("alloc")
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export alloc")
	}
	if len(s) == 0 {
		return 0, nil
	}
	res, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil || len(res) == 0 {
		return 0, fmt.Errorf("guest alloc failed: %w", err)
	}
	ptr := uint32(res[0])
	if !m.Memory().Write(ptr, []byte(s)) {
		return 0, fmt.Errorf("guest memory write out of range")
	}
	return pack(ptr, uint32(len(s))), nil
}

func pack(ptr, length uint32) uint64 { return uint64(ptr)<<32 | uint64(length) }
func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// decision is the JSON shape a guest export returns: a discriminated union
// mirroring the WIT `decision` variant.
type decision struct {
	Kind      string          `json:"kind"` // allow | deny | modify | warn
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	Transform json.RawMessage `json:"transform,omitempty"`
	Messages  []string        `json:"messages,omitempty"`
}

// toGuardDecision maps the guest's decision onto the host Decision sum type.
func (d decision) toGuardDecision(log *slog.Logger, guardID string) guard.Decision {
	switch d.Kind {
	case "deny":
		code := d.Code
		if code == "" {
			code = "wasm_guard_denied"
		}
		return guard.Deny(code, d.Message, d.Details)
	case "modify":
		return guard.Modify(d.Transform)
	case "warn":
		for _, m := range d.Messages {
			log.Warn("wasm guard warning", slog.String("guard_id", guardID), slog.String("message", m))
		}
		return guard.Allow
	default: // "allow" and anything unrecognized
		return guard.Allow
	}
}

type callResult struct {
	dec guard.Decision
	err error
}

// callGuest is the shared invocation path for every evaluate-* entrypoint:
// instantiate a fresh anonymous guest instance, marshal args into guest
// memory, call, parse the packed result, drop the instance.
func (g *Guard) callGuest(ctx context.Context, export string, args any) (guard.Decision, error) {
	timeout := time.Duration(g.wcfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	resultCh := make(chan callResult, 1)
	go runOnDedicatedThread(func() {
		resultCh <- g.invoke(ctx, export, args)
	})

	select {
	case r := <-resultCh:
		return r.dec, r.err
	case <-time.After(timeout):
		// Soft deadline only: the goroutine is left to finish and its
		// result discarded; host state is never mutated mid-call so this
		// cannot corrupt it.
		g.log.Warn("wasm guard call exceeded timeout", slog.String("guard_id", g.cfg.ID), slog.String("export", export))
		return guard.Decision{}, &guard.GuardError{Kind: guard.ErrTimeout, Msg: "wasm guard call timed out"}
	}
}

// runOnDedicatedThread gives each wasm call its own OS thread: wazero is
// pure Go, so the guest's own operand stack does not live on a host native
// stack. max_wasm_stack and max_memory are read from the config but not
// applied; every guard runs in the shared runtime, capped at
// DefaultMaxMemory. LockOSThread still keeps one guard
// call from sharing an M (and its signal/stack state) with unrelated
// concurrent calls.
func runOnDedicatedThread(fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	fn()
}

func (g *Guard) invoke(ctx context.Context, export string, args any) callResult {
	argJSON, err := json.Marshal(args)
	if err != nil {
		return callResult{err: fmt.Errorf("marshal wasm args: %w", err)}
	}

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdout(logWriter{g.log, g.cfg.ID, slog.LevelInfo}).
		WithStderr(logWriter{g.log, g.cfg.ID, slog.LevelWarn})

	inst, err := rt.InstantiateModule(ctx, g.compiled, modCfg)
	if err != nil {
		return callResult{err: fmt.Errorf("instantiate wasm guest: %w", err)}
	}
	defer inst.Close(ctx)

	fn := inst.ExportedFunction(export)
	if fn == nil {
		return callResult{err: fmt.Errorf("wasm guard %q: guest does not export %q", g.cfg.ID, export)}
	}

	argPacked, err := writeStringViaGuestAlloc(ctx, inst, string(argJSON))
	if err != nil {
		return callResult{err: fmt.Errorf("wasm guard %q: write args: %w", g.cfg.ID, err)}
	}
	argPtr, argLen := unpack(argPacked)

	results, err := fn.Call(ctx, uint64(argPtr), uint64(argLen))
	if err != nil {
		return callResult{err: fmt.Errorf("wasm guard %q: call %s: %w", g.cfg.ID, export, err)}
	}
	if len(results) == 0 {
		return callResult{err: fmt.Errorf("wasm guard %q: %s returned no result", g.cfg.ID, export)}
	}

	resPtr, resLen := unpack(results[0])
	out, ok := inst.Memory().Read(resPtr, resLen)
	if !ok {
		return callResult{err: fmt.Errorf("wasm guard %q: result buffer out of range", g.cfg.ID)}
	}

	var d decision
	if err := json.Unmarshal(out, &d); err != nil {
		return callResult{err: fmt.Errorf("wasm guard %q: parse result: %w", g.cfg.ID, err)}
	}
	return callResult{dec: d.toGuardDecision(g.log, g.cfg.ID)}
}

// EvaluateConnection delegates to the guest's evaluate-server-connection export.
func (g *Guard) EvaluateConnection(ctx context.Context, serverName string, serverURL *string, gctx guard.GuardContext) (guard.Decision, error) {
	return g.callGuest(ctx, "evaluate-server-connection", map[string]any{
		"server_name": serverName, "server_url": serverURL, "ctx": gctx,
	})
}

// EvaluateToolsList delegates to the guest's evaluate-tools-list export.
func (g *Guard) EvaluateToolsList(ctx context.Context, tools []guard.ToolDescriptor, gctx guard.GuardContext) (guard.Decision, error) {
	return g.callGuest(ctx, "evaluate-tools-list", map[string]any{"tools": tools, "ctx": gctx})
}

// EvaluateToolInvoke delegates to the guest's evaluate-tool-invoke export.
func (g *Guard) EvaluateToolInvoke(ctx context.Context, toolName string, arguments json.RawMessage, gctx guard.GuardContext) (guard.Decision, error) {
	return g.callGuest(ctx, "evaluate-tool-invoke", map[string]any{
		"name": toolName, "args_json": string(arguments), "ctx": gctx,
	})
}

// EvaluateResponse delegates to the guest's evaluate-response export.
func (g *Guard) EvaluateResponse(ctx context.Context, response json.RawMessage, gctx guard.GuardContext) (guard.Decision, error) {
	return g.callGuest(ctx, "evaluate-response", map[string]any{"resp_json": string(response), "ctx": gctx})
}

// SettingsSchema invokes the guest's get-settings-schema export. May be
// called at registration time or on demand by the UI surface.
func (g *Guard) SettingsSchema() json.RawMessage { return g.callSchemaExport("get-settings-schema") }

// DefaultConfig invokes the guest's get-default-config export.
func (g *Guard) DefaultConfig() json.RawMessage { return g.callSchemaExport("get-default-config") }

func (g *Guard) callSchemaExport(export string) json.RawMessage {
	ctx := context.Background()
	resultCh := make(chan struct {
		raw json.RawMessage
		err error
	}, 1)
	go runOnDedicatedThread(func() {
		raw, err := g.invokeRawString(ctx, export)
		resultCh <- struct {
			raw json.RawMessage
			err error
		}{raw, err}
	})
	select {
	case r := <-resultCh:
		if r.err != nil {
			g.log.Warn("wasm guard schema call failed", slog.String("guard_id", g.cfg.ID), slog.String("export", export), slog.Any("error", r.err))
			return nil
		}
		return r.raw
	case <-time.After(2 * time.Second):
		return nil
	}
}

// invokeRawString calls a no-argument, string-returning guest export
// (get-settings-schema / get-default-config) and returns its raw JSON bytes
// unparsed, since these calls return a JSON document directly rather than a
// `decision`.
func (g *Guard) invokeRawString(ctx context.Context, export string) (json.RawMessage, error) {
	modCfg := wazero.NewModuleConfig().WithName("")
	inst, err := rt.InstantiateModule(ctx, g.compiled, modCfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm guest: %w", err)
	}
	defer inst.Close(ctx)

	fn := inst.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("guest does not export %q", export)
	}
	results, err := fn.Call(ctx)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", export, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%s returned no result", export)
	}
	ptr, length := unpack(results[0])
	out, ok := inst.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("result buffer out of range")
	}
	return append(json.RawMessage(nil), out...), nil
}

// logWriter adapts guest stdout/stderr to the structured logger.
type logWriter struct {
	log     *slog.Logger
	guardID string
	level   slog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.Log(context.Background(), w.level, "wasm guest output", slog.String("guard_id", w.guardID), slog.String("text", string(p)))
	return len(p), nil
}
