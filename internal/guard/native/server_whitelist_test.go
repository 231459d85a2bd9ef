package native

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func newServerWhitelistGuard(t *testing.T, fields map[string]any) *ServerWhitelist {
	t.Helper()
	cfg := buildConfig(t, fields)
	g, err := NewServerWhitelist(cfg)
	if err != nil {
		t.Fatalf("NewServerWhitelist: %v", err)
	}
	return g
}

func TestServerWhitelistAllowsMember(t *testing.T) {
	g := newServerWhitelistGuard(t, map[string]any{
		"id": "sw1", "type": "server_whitelist",
		"allowed_servers": []string{"search-server"},
	})
	dec, err := g.EvaluateConnection(context.Background(), "search-server", nil, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("expected allow for whitelisted server, got %v", dec.Kind)
	}
}

func TestServerWhitelistDeniesUnknownServer(t *testing.T) {
	g := newServerWhitelistGuard(t, map[string]any{
		"id": "sw2", "type": "server_whitelist",
		"allowed_servers": []string{"search-server"},
		"typosquat_check":  false,
	})
	dec, err := g.EvaluateConnection(context.Background(), "completely-different", nil, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "server_not_whitelisted" {
		t.Fatalf("expected server_not_whitelisted deny, got %+v", dec)
	}
}

func TestServerWhitelistDetectsTyposquat(t *testing.T) {
	g := newServerWhitelistGuard(t, map[string]any{
		"id": "sw3", "type": "server_whitelist",
		"allowed_servers":    []string{"search-server"},
		"typosquat_check":    true,
		"typosquat_distance": 2,
	})
	dec, err := g.EvaluateConnection(context.Background(), "search-serverr", nil, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "server_typosquat_suspected" {
		t.Fatalf("expected server_typosquat_suspected deny, got %+v", dec)
	}
}

func TestServerWhitelistURLPatternCheck(t *testing.T) {
	g := newServerWhitelistGuard(t, map[string]any{
		"id": "sw4", "type": "server_whitelist",
		"allowed_servers":      []string{"search-server"},
		"allowed_url_patterns": []string{"https://trusted.example.com/*"},
	})
	bad := "https://evil.example.com/mcp"
	dec, err := g.EvaluateConnection(context.Background(), "search-server", &bad, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if dec.Kind != guard.DecisionDeny {
		t.Fatalf("expected deny for URL outside allowed pattern, got %v", dec.Kind)
	}

	good := "https://trusted.example.com/mcp"
	dec2, err := g.EvaluateConnection(context.Background(), "search-server", &good, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateConnection: %v", err)
	}
	if dec2.Kind != guard.DecisionAllow {
		t.Fatalf("expected allow for matching URL pattern, got %v", dec2.Kind)
	}
}
