package native

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// DetectChanges selects which change kinds RugPull factors into its risk
// score.
type DetectChanges struct {
	Removals           bool `json:"removals"`
	Additions          bool `json:"additions"`
	DescriptionChanges bool `json:"description_changes"`
	SchemaChanges      bool `json:"schema_changes"`
}

// RugPullConfig configures the RugPull guard.
type RugPullConfig struct {
	Enabled                 bool           `json:"enabled"`
	RiskThreshold           float64        `json:"risk_threshold"`
	RemovalWeight           float64        `json:"removal_weight"`
	SchemaChangeWeight      float64        `json:"schema_change_weight"`
	DescriptionChangeWeight float64        `json:"description_change_weight"`
	AdditionWeight          float64        `json:"addition_weight"`
	DetectChanges           DetectChanges  `json:"detect_changes"`
	UpdateBaselineOnAllow   bool           `json:"update_baseline_on_allow"`
}

func defaultRugPullConfig() RugPullConfig {
	return RugPullConfig{
		Enabled:                 true,
		RiskThreshold:           5,
		RemovalWeight:           3,
		SchemaChangeWeight:      2,
		DescriptionChangeWeight: 1,
		AdditionWeight:          1,
		DetectChanges: DetectChanges{
			Removals: true, Additions: true, DescriptionChanges: true, SchemaChanges: true,
		},
		UpdateBaselineOnAllow: true,
	}
}

// toolFingerprint is a single tool's identity/content hash snapshot.
type toolFingerprint struct {
	descriptionHash string
	schemaHash      string
}

// serverBaseline is the per-server trust-on-first-use state RugPull
// maintains across ToolsList evaluations.
type serverBaseline struct {
	fingerprints map[string]toolFingerprint
	blocked      bool
	updateCount  int
}

// changeEntry describes one detected drift between baseline and current.
type changeEntry struct {
	Type   string  `json:"type"`
	Tool   string  `json:"tool"`
	Weight float64 `json:"weight"`
}

// RugPull detects tool-set drift after a server's tool list has been
// trusted: removed/added tools, and changed descriptions or schemas,
// weighted into a risk score that can permanently block a server.
type RugPull struct {
	guard.BaseGuard
	cfg RugPullConfig

	mu         sync.RWMutex
	baselines  map[string]*serverBaseline
}

// NewRugPull builds a RugPull guard from its flattened config payload.
func NewRugPull(base guard.Config) (*RugPull, error) {
	cfg := defaultRugPullConfig()
	if err := decodeStrict(base.Payload, &cfg); err != nil {
		return nil, err
	}
	return &RugPull{
		BaseGuard: guard.NewBaseGuard(base),
		cfg:       cfg,
		baselines: make(map[string]*serverBaseline),
	}, nil
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fingerprintTools(tools []guard.ToolDescriptor) map[string]toolFingerprint {
	out := make(map[string]toolFingerprint, len(tools))
	for _, t := range tools {
		out[t.Name] = toolFingerprint{
			descriptionHash: hashString(t.Description),
			schemaHash:      hashString(canonicalizeSchema(t.InputSchema)),
		}
	}
	return out
}

// EvaluateToolsList implements the RugPull baseline/drift algorithm in four
// steps: sticky-block check, seed-on-first-sight, change-set computation,
// and the risk-threshold decision.
func (g *RugPull) EvaluateToolsList(_ context.Context, tools []guard.ToolDescriptor, gctx guard.GuardContext) (guard.Decision, error) {
	if !g.cfg.Enabled {
		return guard.Allow, nil
	}
	server := gctx.ServerName

	// Step 1: sticky block.
	g.mu.RLock()
	b, exists := g.baselines[server]
	blocked := exists && b.blocked
	g.mu.RUnlock()
	if blocked {
		return guard.Deny("rug_pull_server_blocked", fmt.Sprintf("server %q is blocked after a prior rug-pull detection", server), nil), nil
	}

	current := fingerprintTools(tools)

	// Step 2: seed on first sight. Re-check after upgrading to the
	// exclusive lock in case another goroutine seeded the baseline first.
	g.mu.Lock()
	b, exists = g.baselines[server]
	if !exists {
		g.baselines[server] = &serverBaseline{fingerprints: current}
		g.mu.Unlock()
		return guard.Allow, nil
	}
	if b.blocked {
		g.mu.Unlock()
		return guard.Deny("rug_pull_server_blocked", fmt.Sprintf("server %q is blocked after a prior rug-pull detection", server), nil), nil
	}

	// Step 3: compute change set restricted by detect_changes mask.
	var changes []changeEntry
	risk := 0.0
	if g.cfg.DetectChanges.Removals {
		for name := range b.fingerprints {
			if _, ok := current[name]; !ok {
				changes = append(changes, changeEntry{Type: "removed", Tool: name, Weight: g.cfg.RemovalWeight})
				risk += g.cfg.RemovalWeight
			}
		}
	}
	if g.cfg.DetectChanges.Additions {
		for name := range current {
			if _, ok := b.fingerprints[name]; !ok {
				changes = append(changes, changeEntry{Type: "added", Tool: name, Weight: g.cfg.AdditionWeight})
				risk += g.cfg.AdditionWeight
			}
		}
	}
	for name, curFp := range current {
		baseFp, ok := b.fingerprints[name]
		if !ok {
			continue
		}
		if g.cfg.DetectChanges.DescriptionChanges && curFp.descriptionHash != baseFp.descriptionHash {
			changes = append(changes, changeEntry{Type: "description_changed", Tool: name, Weight: g.cfg.DescriptionChangeWeight})
			risk += g.cfg.DescriptionChangeWeight
		}
		if g.cfg.DetectChanges.SchemaChanges && curFp.schemaHash != baseFp.schemaHash {
			changes = append(changes, changeEntry{Type: "schema_changed", Tool: name, Weight: g.cfg.SchemaChangeWeight})
			risk += g.cfg.SchemaChangeWeight
		}
	}

	// Step 4: threshold decision.
	if risk >= g.cfg.RiskThreshold {
		b.blocked = true
		g.mu.Unlock()
		return guard.Deny("rug_pull_detected", fmt.Sprintf("tool set drift risk %.2f exceeds threshold %.2f", risk, g.cfg.RiskThreshold),
			map[string]any{"changes": changes, "total_risk_score": risk, "threshold": g.cfg.RiskThreshold}), nil
	}
	if g.cfg.UpdateBaselineOnAllow {
		b.fingerprints = current
		b.updateCount++
	}
	g.mu.Unlock()
	return guard.Allow, nil
}

// EvaluateToolInvoke denies invocations on a blocked server the same way
// ToolsList does.
func (g *RugPull) EvaluateToolInvoke(_ context.Context, _ string, _ json.RawMessage, gctx guard.GuardContext) (guard.Decision, error) {
	g.mu.RLock()
	b, exists := g.baselines[gctx.ServerName]
	blocked := exists && b.blocked
	g.mu.RUnlock()
	if blocked {
		return guard.Deny("rug_pull_server_blocked", fmt.Sprintf("server %q is blocked after a prior rug-pull detection", gctx.ServerName), nil), nil
	}
	return guard.Allow, nil
}

// ResetServer removes the baseline entry for a server.
func (g *RugPull) ResetServer(serverName string) {
	g.mu.Lock()
	delete(g.baselines, serverName)
	g.mu.Unlock()
}

func (g *RugPull) SettingsSchema() json.RawMessage { return schemaFor(RugPullConfig{}) }
func (g *RugPull) DefaultConfig() json.RawMessage {
	b, _ := json.Marshal(defaultRugPullConfig())
	return b
}
