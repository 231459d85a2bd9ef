package native

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

func TestPIIGuardMasksCreditCardInResponse(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "pii1", "type": "pii", "action": "mask"})
	g, err := NewPIIGuard(cfg)
	if err != nil {
		t.Fatalf("NewPIIGuard: %v", err)
	}
	payload := json.RawMessage(`{"result":"your card is 4111 1111 1111 1111, thanks"}`)
	dec, err := g.EvaluateResponse(context.Background(), payload, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateResponse: %v", err)
	}
	if dec.Kind != guard.DecisionModify {
		t.Fatalf("expected a Modify decision, got %v", dec.Kind)
	}
	var masked map[string]string
	if err := json.Unmarshal(dec.Modify.Transform, &masked); err != nil {
		t.Fatalf("unmarshal transform: %v", err)
	}
	out := masked["result"]
	if strings.Contains(out, "4111 1111 1111 1111") {
		t.Errorf("credit card number was not masked: %s", out)
	}
	if !strings.Contains(out, "<CREDIT_CARD>") {
		t.Errorf("expected a <CREDIT_CARD> mask marker, got: %s", out)
	}
}

func TestPIIGuardCleanPayloadPassesThrough(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "pii2", "type": "pii", "action": "mask"})
	g, err := NewPIIGuard(cfg)
	if err != nil {
		t.Fatalf("NewPIIGuard: %v", err)
	}
	payload := json.RawMessage(`{"result":"nothing sensitive here"}`)
	dec, err := g.EvaluateResponse(context.Background(), payload, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateResponse: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("expected Allow for a clean payload, got %v", dec.Kind)
	}
}

func TestPIIGuardRejectAction(t *testing.T) {
	cfg := buildConfig(t, map[string]any{
		"id": "pii3", "type": "pii", "action": "reject",
		"rejection_message": "blocked: contains PII",
	})
	g, err := NewPIIGuard(cfg)
	if err != nil {
		t.Fatalf("NewPIIGuard: %v", err)
	}
	payload := json.RawMessage(`{"result":"email me at alice@example.com"}`)
	dec, err := g.EvaluateRequest(context.Background(), payload, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateRequest: %v", err)
	}
	if dec.Kind != guard.DecisionDeny {
		t.Fatalf("expected Deny for reject action, got %v", dec.Kind)
	}
	if dec.Deny.Message != "blocked: contains PII" {
		t.Errorf("rejection_message not used: %q", dec.Deny.Message)
	}
}

func TestPIIGuardTypeOverrideRaisesMinScore(t *testing.T) {
	// phone_number normally scores 0.6; override the min_score for it above
	// that so a phone number alone no longer triggers a detection.
	cfg := buildConfig(t, map[string]any{
		"id": "pii4", "type": "pii", "action": "mask",
		"type_overrides": map[string]float64{"phone_number": 0.9},
	})
	g, err := NewPIIGuard(cfg)
	if err != nil {
		t.Fatalf("NewPIIGuard: %v", err)
	}
	payload := json.RawMessage(`{"result":"call 415-555-0100 please"}`)
	dec, err := g.EvaluateResponse(context.Background(), payload, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateResponse: %v", err)
	}
	if dec.Kind != guard.DecisionAllow {
		t.Fatalf("expected Allow once phone_number's min_score override excludes it, got %v", dec.Kind)
	}
}

func TestPIIGuardToolsListReject(t *testing.T) {
	cfg := buildConfig(t, map[string]any{"id": "pii5", "type": "pii", "action": "reject"})
	g, err := NewPIIGuard(cfg)
	if err != nil {
		t.Fatalf("NewPIIGuard: %v", err)
	}
	tools := []guard.ToolDescriptor{{Name: "t", Description: "contact alice@example.com for help"}}
	dec, err := g.EvaluateToolsList(context.Background(), tools, guard.GuardContext{})
	if err != nil {
		t.Fatalf("EvaluateToolsList: %v", err)
	}
	if dec.Kind != guard.DecisionDeny || dec.Deny.Code != "pii_in_tool_description" {
		t.Fatalf("expected pii_in_tool_description deny, got %+v", dec)
	}
}
