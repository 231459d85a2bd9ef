package relay

import "testing"

func TestPolicySetNilAllowsEverything(t *testing.T) {
	var ps *PolicySet
	allowed, err := ps.Evaluate(ResourceTool, "alice", "srv", "search")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed {
		t.Fatal("a nil PolicySet should allow everything")
	}
}

func TestPolicySetNoMatchDefaultsAllow(t *testing.T) {
	ps, err := CompilePolicySet([]PolicyRuleConfig{
		{Expression: `identity == "bob"`, Effect: "deny"},
	})
	if err != nil {
		t.Fatalf("CompilePolicySet: %v", err)
	}
	allowed, err := ps.Evaluate(ResourceTool, "alice", "srv", "search")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed {
		t.Fatal("no matching rule should default to allow")
	}
}

func TestPolicySetDenyRuleMatches(t *testing.T) {
	ps, err := CompilePolicySet([]PolicyRuleConfig{
		{Expression: `identity == "bob"`, Effect: "deny"},
	})
	if err != nil {
		t.Fatalf("CompilePolicySet: %v", err)
	}
	allowed, err := ps.Evaluate(ResourceTool, "bob", "srv", "search")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if allowed {
		t.Fatal("expected the matching deny rule to block bob")
	}
}

func TestPolicySetResourceTypeScoping(t *testing.T) {
	ps, err := CompilePolicySet([]PolicyRuleConfig{
		{ResourceTypes: []ResourceType{ResourcePrompt}, Expression: `true`, Effect: "deny"},
	})
	if err != nil {
		t.Fatalf("CompilePolicySet: %v", err)
	}
	// Rule only scoped to prompts, so a tool lookup should fall through to
	// the default allow.
	allowed, err := ps.Evaluate(ResourceTool, "alice", "srv", "search")
	if err != nil {
		t.Fatalf("Evaluate (tool): %v", err)
	}
	if !allowed {
		t.Fatal("a prompt-scoped rule should not affect tool resources")
	}

	deniedForPrompt, err := ps.Evaluate(ResourcePrompt, "alice", "srv", "greeting")
	if err != nil {
		t.Fatalf("Evaluate (prompt): %v", err)
	}
	if deniedForPrompt {
		t.Fatal("expected the prompt-scoped deny rule to apply to a prompt resource")
	}
}

func TestPolicySetFirstMatchWins(t *testing.T) {
	ps, err := CompilePolicySet([]PolicyRuleConfig{
		{Expression: `resource_name == "search"`, Effect: "allow"},
		{Expression: `true`, Effect: "deny"},
	})
	if err != nil {
		t.Fatalf("CompilePolicySet: %v", err)
	}
	allowed, err := ps.Evaluate(ResourceTool, "alice", "srv", "search")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !allowed {
		t.Fatal("expected the first matching rule (allow) to win over the catch-all deny")
	}

	blocked, err := ps.Evaluate(ResourceTool, "alice", "srv", "delete")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if blocked {
		t.Fatal("expected the catch-all deny rule to apply to a non-matching resource")
	}
}

func TestCompilePolicySetRejectsBadExpression(t *testing.T) {
	_, err := CompilePolicySet([]PolicyRuleConfig{{Expression: `not valid cel (`}})
	if err == nil {
		t.Fatal("expected a compile error for an invalid CEL expression")
	}
}
