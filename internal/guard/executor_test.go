package guard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// stubGuard is a minimal Guard used only by this file's tests; it records
// every call it receives and returns a pre-configured decision/error.
type stubGuard struct {
	BaseGuard
	onToolsList func(tools []ToolDescriptor) (Decision, error)
	onConn      error
	connDelay   time.Duration
	calls       *[]string
}

func (g *stubGuard) EvaluateToolsList(ctx context.Context, tools []ToolDescriptor, gctx GuardContext) (Decision, error) {
	if g.calls != nil {
		*g.calls = append(*g.calls, g.ID())
	}
	if g.onToolsList != nil {
		return g.onToolsList(tools)
	}
	return Allow, nil
}

func (g *stubGuard) EvaluateConnection(ctx context.Context, serverName string, serverURL *string, gctx GuardContext) (Decision, error) {
	if g.connDelay > 0 {
		select {
		case <-time.After(g.connDelay):
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		}
	}
	if g.onConn != nil {
		return Decision{}, g.onConn
	}
	return Allow, nil
}

const kindStubA Kind = "__stub_a"
const kindStubB Kind = "__stub_b"
const kindStubSlow Kind = "__stub_slow"

func registerStubs(t *testing.T, calls *[]string, aDecision, bDecision func([]ToolDescriptor) (Decision, error)) {
	t.Helper()
	RegisterKind(kindStubA, func(cfg Config) (Guard, error) {
		return &stubGuard{BaseGuard: NewBaseGuard(cfg), onToolsList: aDecision, calls: calls}, nil
	})
	RegisterKind(kindStubB, func(cfg Config) (Guard, error) {
		return &stubGuard{BaseGuard: NewBaseGuard(cfg), onToolsList: bDecision, calls: calls}, nil
	})
}

func mustConfig(t *testing.T, id string, kind Kind, priority uint32, failureMode FailureMode, runsOn ...Phase) Config {
	t.Helper()
	return Config{
		ID: id, Type: kind, Priority: priority, FailureMode: failureMode,
		RunsOn: runsOn, Enabled: true, Payload: json.RawMessage(`{}`),
	}
}

func TestExecutorPriorityOrderingAndTieBreak(t *testing.T) {
	var calls []string
	registerStubs(t, &calls, nil, nil)

	// B has a lower priority number and runs first despite being declared
	// second; a third entry with the same priority as A preserves insertion
	// order via sort.SliceStable.
	configs := []Config{
		mustConfig(t, "a1", kindStubA, 10, FailOpen, PhaseToolsList),
		mustConfig(t, "b1", kindStubB, 5, FailOpen, PhaseToolsList),
		mustConfig(t, "a2", kindStubA, 10, FailOpen, PhaseToolsList),
	}
	exec, err := NewExecutor(nil, configs)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	_, _, err = exec.EvaluateToolsList(context.Background(), nil, GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	want := []string{"b1", "a1", "a2"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestExecutorDenyShortCircuits(t *testing.T) {
	var calls []string
	deny := func([]ToolDescriptor) (Decision, error) {
		return Deny("blocked", "nope", nil), nil
	}
	registerStubs(t, &calls, deny, nil)

	configs := []Config{
		mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList),
		mustConfig(t, "b1", kindStubB, 2, FailOpen, PhaseToolsList),
	}
	exec, err := NewExecutor(nil, configs)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	dec, _, err := exec.EvaluateToolsList(context.Background(), nil, GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if dec.Kind != DecisionDeny {
		t.Fatalf("dec.Kind = %v, want DecisionDeny", dec.Kind)
	}
	if len(calls) != 1 || calls[0] != "a1" {
		t.Fatalf("calls = %v, want only [a1] (b1 should not run after a1 denies)", calls)
	}
}

func TestExecutorFailOpenContinuesFailClosedAborts(t *testing.T) {
	RegisterKind(kindStubSlow, func(cfg Config) (Guard, error) {
		return &stubGuard{BaseGuard: NewBaseGuard(cfg), onConn: errors.New("boom")}, nil
	})
	var calls []string
	registerStubs(t, &calls, nil, nil)

	// fail_open: an erroring guard should not abort the chain; the evaluation
	// returns Allow with no error.
	openCfg := []Config{
		mustConfig(t, "slow1", kindStubSlow, 1, FailOpen, PhaseConnection),
	}
	exec, err := NewExecutor(nil, openCfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	dec, err := exec.EvaluateConnection(context.Background(), "srv", nil, GuardContext{})
	if err != nil {
		t.Fatalf("fail_open should not surface an error, got: %v", err)
	}
	if dec.Kind != DecisionAllow {
		t.Fatalf("fail_open decision = %v, want Allow", dec.Kind)
	}

	closedCfg := []Config{
		mustConfig(t, "slow2", kindStubSlow, 1, FailClosed, PhaseConnection),
	}
	exec2, err := NewExecutor(nil, closedCfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	_, err = exec2.EvaluateConnection(context.Background(), "srv", nil, GuardContext{})
	if err == nil {
		t.Fatal("fail_closed should surface an error")
	}
}

func TestExecutorTimeout(t *testing.T) {
	RegisterKind(kindStubSlow, func(cfg Config) (Guard, error) {
		return &stubGuard{BaseGuard: NewBaseGuard(cfg), connDelay: 200 * time.Millisecond}, nil
	})
	cfg := mustConfig(t, "slow3", kindStubSlow, 1, FailClosed, PhaseConnection)
	cfg.TimeoutMS = 10
	exec, err := NewExecutor(nil, []Config{cfg})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	_, err = exec.EvaluateConnection(context.Background(), "srv", nil, GuardContext{})
	if err == nil {
		t.Fatal("expected a timeout error with fail_closed")
	}
	var gerr *GuardError
	if !errors.As(err, &gerr) || gerr.Kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout GuardError, got: %v", err)
	}
}

func TestExecutorUpdateHotReload(t *testing.T) {
	var calls []string
	registerStubs(t, &calls, nil, nil)

	exec, err := NewExecutor(nil, []Config{mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList)})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	if _, _, err := exec.EvaluateToolsList(context.Background(), nil, GuardContext{}); err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call before update, got %d", len(calls))
	}

	if err := exec.Update([]Config{
		mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList),
		mustConfig(t, "b1", kindStubB, 2, FailOpen, PhaseToolsList),
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if _, _, err := exec.EvaluateToolsList(context.Background(), nil, GuardContext{}); err != nil {
		t.Fatalf("EvaluateToolsList after update: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 total calls after update added a guard, got %d (%v)", len(calls), calls)
	}
}

func TestExecutorUpdateKeepsOldStateOnConfigError(t *testing.T) {
	var calls []string
	registerStubs(t, &calls, nil, nil)

	exec, err := NewExecutor(nil, []Config{mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList)})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	badCfg := mustConfig(t, "bad", Kind("__unregistered"), 1, FailOpen, PhaseToolsList)
	if err := exec.Update([]Config{badCfg}); err == nil {
		t.Fatal("expected Update to fail on unknown kind")
	}

	if _, _, err := exec.EvaluateToolsList(context.Background(), nil, GuardContext{}); err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if len(calls) != 1 || calls[0] != "a1" {
		t.Fatalf("old guard chain should still be installed after a failed Update, got calls=%v", calls)
	}
}

func TestRegistryGetOrCreateAndUpdateBackend(t *testing.T) {
	var calls []string
	registerStubs(t, &calls, nil, nil)

	reg := NewRegistry(nil)
	cfgs := []Config{mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList)}
	exec1, err := reg.GetOrCreate("backend-1", cfgs)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	exec2, err := reg.GetOrCreate("backend-1", cfgs)
	if err != nil {
		t.Fatalf("GetOrCreate (second call): %v", err)
	}
	if exec1 != exec2 {
		t.Fatal("GetOrCreate should return the same *Executor for an existing backend")
	}

	if err := reg.UpdateBackend("backend-1", []Config{
		mustConfig(t, "a1", kindStubA, 1, FailOpen, PhaseToolsList),
		mustConfig(t, "b1", kindStubB, 2, FailOpen, PhaseToolsList),
	}); err != nil {
		t.Fatalf("UpdateBackend: %v", err)
	}
	if _, _, err := exec1.EvaluateToolsList(context.Background(), nil, GuardContext{}); err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("UpdateBackend should update the executor obtained earlier in place, got calls=%v", calls)
	}
}
