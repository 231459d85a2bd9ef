package wasmguard

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []struct{ ptr, length uint32 }{
		{0, 0}, {1, 1}, {123456, 789}, {0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, c := range cases {
		packed := pack(c.ptr, c.length)
		gotPtr, gotLen := unpack(packed)
		if gotPtr != c.ptr || gotLen != c.length {
			t.Errorf("pack/unpack(%d, %d) round trip = (%d, %d)", c.ptr, c.length, gotPtr, gotLen)
		}
	}
}

func TestDecisionToGuardDecisionAllow(t *testing.T) {
	d := decision{Kind: "allow"}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Kind != guard.DecisionAllow {
		t.Errorf("Kind = %v, want DecisionAllow", got.Kind)
	}
}

func TestDecisionToGuardDecisionDeny(t *testing.T) {
	d := decision{Kind: "deny", Code: "blocked", Message: "nope"}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Kind != guard.DecisionDeny || got.Deny.Code != "blocked" {
		t.Errorf("unexpected deny decision: %+v", got)
	}
}

func TestDecisionToGuardDecisionDenyDefaultsCode(t *testing.T) {
	d := decision{Kind: "deny", Message: "nope"}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Deny.Code != "wasm_guard_denied" {
		t.Errorf("Code = %q, want default wasm_guard_denied", got.Deny.Code)
	}
}

func TestDecisionToGuardDecisionModify(t *testing.T) {
	transform := json.RawMessage(`{"x":1}`)
	d := decision{Kind: "modify", Transform: transform}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Kind != guard.DecisionModify || string(got.Modify.Transform) != string(transform) {
		t.Errorf("unexpected modify decision: %+v", got)
	}
}

func TestDecisionToGuardDecisionWarnAllowsAndLogs(t *testing.T) {
	d := decision{Kind: "warn", Messages: []string{"careful"}}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Kind != guard.DecisionAllow {
		t.Errorf("warn decisions should still Allow, got Kind = %v", got.Kind)
	}
}

func TestDecisionToGuardDecisionUnrecognizedDefaultsAllow(t *testing.T) {
	d := decision{Kind: "something_else"}
	got := d.toGuardDecision(slog.Default(), "g1")
	if got.Kind != guard.DecisionAllow {
		t.Errorf("unrecognized kind should default to Allow, got %v", got.Kind)
	}
}

func TestExpandPathEnvVar(t *testing.T) {
	t.Setenv("WASMGUARD_TEST_DIR", "/tmp/guards")
	got := expandPath("$WASMGUARD_TEST_DIR/module.wasm")
	if got != "/tmp/guards/module.wasm" {
		t.Errorf("expandPath env var = %q, want /tmp/guards/module.wasm", got)
	}
}

func TestExpandPathHomeTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available in this environment")
	}
	got := expandPath("~/guards/module.wasm")
	want := home + "/guards/module.wasm"
	if got != want {
		t.Errorf("expandPath(~) = %q, want %q", got, want)
	}
}
