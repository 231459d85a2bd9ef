package native

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestRugPullSeedsBaselineOnFirstSight(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "rp1", "type": "rug_pull"})
	g, err := NewRugPull(cfg)
	if err != nil {
		t.Fatalf("NewRugPull: %v", err)
	}
	tools := []guard.ToolDescriptor{{Name: "a", Description: "does a"}}
	dec, err := g.EvaluateToolsList(context.Background(), tools, guard.GuardContext{ServerName: "srv1"})
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("first sight should seed and allow, got %v", dec.Kind)
	}
}

func TestRugPullDetectsDriftAndSticksBlock(t *testing.T) {
	cfg := buildConfig(t, map[string]any{
		"id": "rp2", "type": "rug_pull",
		"risk_threshold": 0.5, "removal_weight": 0.6,
	})
	g, err := NewRugPull(cfg)
	if err != nil {
		t.Fatalf("NewRugPull: %v", err)
	}
	ctx := context.Background()
	gctx := guard.GuardContext{ServerName: "srv1"}

	seed := []guard.ToolDescriptor{{Name: "a", Description: "does a"}, {Name: "b", Description: "does b"}}
	if dec, err := g.EvaluateToolsList(ctx, seed, gctx); err != nil || dec.Kind != guard.DecisionAllow {
		t.Fatalf("seed call: dec=%v err=%v", dec, err)
	}

	// Removing tool "b" should exceed risk_threshold=0.5 via removal_weight=0.6.
	drifted := []guard.ToolDescriptor{{Name: "a", Description: "does a"}}
	dec, err := g.EvaluateToolsList(ctx, drifted, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList (drift): %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "rug_pull_detected" {
		t.Fatalf("expected rug_pull_detected deny, got %+v", dec)
	}

	// Sticky: once blocked, stays blocked even on a tool list identical to
	// the original baseline.
	dec2, err := g.EvaluateToolsList(ctx, seed, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList (post-block): %v", err)
	}
	if dec2.Kind != guard.DecisionDeny || dec2.Deny.Code != "rug_pull_server_blocked" {
		t.Fatalf("expected sticky rug_pull_server_blocked, got %+v", dec2)
	}

	// ToolInvoke on a blocked server is also denied.
	dec3, err := g.EvaluateToolInvoke(ctx, "a", nil, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolInvoke: %v", err)
	}
	if dec3.Kind != guard.DecisionDeny || dec3.Deny.Code != "rug_pull_server_blocked" {
		t.Fatalf("expected blocked ToolInvoke deny, got %+v", dec3)
	}
}

// TestRugPullDefaultWeightsMatchSpecScenario exercises spec §8 scenario 4
// against the guard's own default config (no weight overrides): seed
// [t1,t2], then an empty tools/list removes both and must score
// 2*removal_weight(3) = 6 against the default risk_threshold(5), and the
// third list, [t1] alone, must stay sticky-blocked.
func TestRugPullDefaultWeightsMatchSpecScenario(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "rp-default", "type": "rug_pull"})
	g, err := NewRugPull(cfg)
	if err != nil {
		t.Fatalf("NewRugPull: %v", err)
	}
	ctx := context.Background()
	gctx := guard.GuardContext{ServerName: "srv1"}

	seed := []guard.ToolDescriptor{
		{Name: "t1", Description: "desc1", InputSchema: json.RawMessage(`{"schema":1}`)},
		{Name: "t2", Description: "desc2", InputSchema: json.RawMessage(`{"schema":2}`)},
	}
	if dec, err := g.EvaluateToolsList(ctx, seed, gctx); err != nil || dec.Kind != guard.DecisionAllow {
		t.Fatalf("seed call: dec=%v err=%v", dec, err)
	}

	dec, err := g.EvaluateToolsList(ctx, nil, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList (drift): %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "rug_pull_detected" {
		t.Fatalf("expected rug_pull_detected deny, got %+v", dec)
	}
	var details struct {
		TotalRiskScore float64 `json:"total_risk_score"`
		Threshold      float64 `json:"threshold"`
	}
	if err := json.Unmarshal(dec.Deny.Details, &details); err != nil {
		t.Fatalf("unmarshal deny details: %v", err)
	}
	if details.TotalRiskScore != 6 {
		t.Fatalf("expected total_risk_score=6 per spec scenario 4, got %v", details.TotalRiskScore)
	}
	if details.Threshold != 5 {
		t.Fatalf("expected default threshold=5, got %v", details.Threshold)
	}

	dec2, err := g.EvaluateToolsList(ctx, seed[:1], gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList (post-block): %v", err)
	}
	if dec2.Kind != guard.DecisionDeny || dec2.Deny.Code != "rug_pull_server_blocked" {
		t.Fatalf("expected sticky rug_pull_server_blocked, got %+v", dec2)
	}
}

func TestRugPullResetServerClearsBaseline(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "rp3", "type": "rug_pull", "risk_threshold": 0.1})
	g, err := NewRugPull(cfg)
	if err != nil {
		t.Fatalf("NewRugPull: %v", err)
	}
	gctx := guard.GuardContext{ServerName: "srv1"}
	tools := []guard.ToolDescriptor{{Name: "a"}}
	if _, err := g.EvaluateToolsList(context.Background(), tools, gctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	g.ResetServer("srv1")
	// After reset, the next call reseeds rather than comparing against the
	// old baseline (so an otherwise-drifted tool set is allowed again).
	dec, err := g.EvaluateToolsList(context.Background(), []guard.ToolDescriptor{{Name: "b"}}, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList post-reset: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("expected reseed-allow after ResetServer, got %v", dec.Kind)
	}
}

func TestRugPullDisabledAlwaysAllows(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "rp4", "type": "rug_pull", "enabled": false, "risk_threshold": 0.0})
	g, err := NewRugPull(cfg)
	if err != nil {
		t.Fatalf("NewRugPull: %v", err)
	}
	gctx := guard.GuardContext{ServerName: "srv1"}
	if _, err := g.EvaluateToolsList(context.Background(), []guard.ToolDescriptor{{Name: "a"}}, gctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	dec, err := g.EvaluateToolsList(context.Background(), nil, gctx)
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("disabled guard should always allow, got %v", dec.Kind)
	}
}
