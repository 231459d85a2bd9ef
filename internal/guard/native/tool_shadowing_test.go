package native

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestToolShadowingDetectsCrossServerCollision(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "ts1", "type": "tool_shadowing"})
	g, err := NewToolShadowing(cfg)
	if err != nil {
		t.Fatalf("NewToolShadowing: %v", err)
	}
	ctx := context.Background()
	first := []guard.ToolDescriptor{{Name: "Search"}}
	if dec, err := g.EvaluateToolsList(ctx, first, guard.GuardContext{ServerName: "srv-a"}); err != nil || dec.Kind != guard.DecisionAllow {
		t.Fatalf("first server registration: dec=%v err=%v", dec, err)
	}

	// Same name, case-insensitive normalization, different server.
	second := []guard.ToolDescriptor{{Name: "search"}}
	dec, err := g.EvaluateToolsList(ctx, second, guard.GuardContext{ServerName: "srv-b"})
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "tool_shadowing_detected" {
		t.Fatalf("expected tool_shadowing_detected deny, got %+v", dec)
	}
}

func TestToolShadowingAllowsSameServerReannounce(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "ts2", "type": "tool_shadowing"})
	g, err := NewToolShadowing(cfg)
	if err != nil {
		t.Fatalf("NewToolShadowing: %v", err)
	}
	ctx := context.Background()
	tools := []guard.ToolDescriptor{{Name: "search"}}
	if _, err := g.EvaluateToolsList(ctx, tools, guard.GuardContext{ServerName: "srv-a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	dec, err := g.EvaluateToolsList(ctx, tools, guard.GuardContext{ServerName: "srv-a"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("same server re-announcing its own tool should be allowed, got %v", dec.Kind)
	}
}

func TestToolShadowingResetServerForgetsItsTools(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "ts3", "type": "tool_shadowing"})
	g, err := NewToolShadowing(cfg)
	if err != nil {
		t.Fatalf("NewToolShadowing: %v", err)
	}
	ctx := context.Background()
	tools := []guard.ToolDescriptor{{Name: "search"}}
	if _, err := g.EvaluateToolsList(ctx, tools, guard.GuardContext{ServerName: "srv-a"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	g.ResetServer("srv-a")
	dec, err := g.EvaluateToolsList(ctx, tools, guard.GuardContext{ServerName: "srv-b"})
	if err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("after srv-a's tools are forgotten, srv-b should be able to claim the same name, got %v", dec.Kind)
	}
}
