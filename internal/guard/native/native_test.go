package native

import (
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestDecodeStrictStripsEnvelopeFields(t *testing.T) {
	payload := []byte(`{
		"id": "g1", "type": "tool_poisoning", "priority": 5,
		"failure_mode": "fail_open", "timeout_ms": 100, "runs_on": ["tools_list"],
		"enabled": true,
		"strict_mode": false, "alert_threshold": 3
	}`)
	var cfg ToolPoisoningConfig
	if err := decodeStrict(payload, &cfg); err != nil {
		t.Fatalf("decodeStrict: %v", err)
	}
	if cfg.StrictMode != false || cfg.AlertThreshold != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestDecodeStrictRejectsTypo(t *testing.T) {
	payload := []byte(`{"id": "g1", "type": "tool_poisoning", "alret_threshold": 3}`)
	var cfg ToolPoisoningConfig
	if err := decodeStrict(payload, &cfg); err == nil {
		t.Fatal("expected decodeStrict to reject a typo'd field name")
	}
}

func TestDecodeStrictKeepsFieldsDeclaredByDst(t *testing.T) {
	// RugPullConfig declares its own "enabled" field, unlike the other
	// native guards; decodeStrict must not strip it as an envelope field.
	payload := []byte(`{"id": "g1", "type": "rug_pull", "priority": 1, "enabled": false, "risk_threshold": 2.0}`)
	var cfg RugPullConfig
	if err := decodeStrict(payload, &cfg); err != nil {
		t.Fatalf("decodeStrict: %v", err)
	}
	if cfg.Enabled != false {
		t.Errorf("expected dst's own Enabled field to be preserved as false, got %v", cfg.Enabled)
	}
	if cfg.RiskThreshold != 2.0 {
		t.Errorf("RiskThreshold = %v, want 2.0", cfg.RiskThreshold)
	}
}

// buildConfig constructs a guard.Config the way a real loader would: marshal
// a flattened map, then let guard.Config's custom UnmarshalJSON split common
// fields from the retained payload.
func buildConfig(t *testing.T, fields map[string]any) guard.Config {
	t.Helper()
	m := map[string]any{"priority": 1, "enabled": true, "failure_mode": "fail_closed"}
	for k, v := range fields {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal config fields: %v", err)
	}
	var cfg guard.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		t.Fatalf("unmarshal guard.Config: %v", err)
	}
	return cfg
}
