package native

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// ToolShadowingConfig configures the ToolShadowing guard.
type ToolShadowingConfig struct {
	// CaseSensitive disables lowercasing before comparison (surrounding
	// whitespace is still trimmed).
	CaseSensitive bool `json:"case_sensitive"`
	// CompareDescriptions also flags a collision when two tools from
	// different servers share an identical normalized description.
	CompareDescriptions bool `json:"compare_descriptions"`
}

func defaultToolShadowingConfig() ToolShadowingConfig {
	return ToolShadowingConfig{}
}

// seenTool records which server first introduced a normalized name or
// description, for cross-server collision detection.
type seenTool struct {
	server      string
	description string
}

// ToolShadowing denies a tool whose name or description collides with a
// tool already seen from a different server. Names and descriptions are
// compared for exact equality after normalize (trim, plus lowercasing
// unless CaseSensitive); near-matches are not flagged.
type ToolShadowing struct {
	guard.BaseGuard
	cfg ToolShadowingConfig

	mu          sync.RWMutex
	namesByKey  map[string]seenTool
	descByKey   map[string]seenTool
}

// NewToolShadowing builds a ToolShadowing guard from its flattened config payload.
func NewToolShadowing(base guard.Config) (*ToolShadowing, error) {
	cfg := defaultToolShadowingConfig()
	if err := decodeStrict(base.Payload, &cfg); err != nil {
		return nil, err
	}
	return &ToolShadowing{
		BaseGuard:  guard.NewBaseGuard(base),
		cfg:        cfg,
		namesByKey: make(map[string]seenTool),
		descByKey:  make(map[string]seenTool),
	}, nil
}

func (g *ToolShadowing) normalize(s string) string {
	if !g.cfg.CaseSensitive {
		s = strings.ToLower(s)
	}
	return strings.TrimSpace(s)
}

// EvaluateToolsList checks each tool's normalized name (and, if configured,
// description) against every other server's already-registered tools,
// denying on the first cross-server collision found.
func (g *ToolShadowing) EvaluateToolsList(_ context.Context, tools []guard.ToolDescriptor, gctx guard.GuardContext) (guard.Decision, error) {
	server := gctx.ServerName
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range tools {
		nameKey := g.normalize(t.Name)
		if prior, ok := g.namesByKey[nameKey]; ok && prior.server != server {
			return guard.Deny("tool_shadowing_detected",
				fmt.Sprintf("tool %q from server %q collides with a tool already registered by server %q", t.Name, server, prior.server),
				map[string]any{"tool": t.Name, "server": server, "shadowed_server": prior.server}), nil
		}
		if g.cfg.CompareDescriptions && t.Description != "" {
			descKey := g.normalize(t.Description)
			if prior, ok := g.descByKey[descKey]; ok && prior.server != server {
				return guard.Deny("tool_shadowing_detected",
					fmt.Sprintf("tool %q from server %q has a description identical to a tool already registered by server %q", t.Name, server, prior.server),
					map[string]any{"tool": t.Name, "server": server, "shadowed_server": prior.server}), nil
			}
		}
	}

	for _, t := range tools {
		g.namesByKey[g.normalize(t.Name)] = seenTool{server: server, description: t.Description}
		if g.cfg.CompareDescriptions && t.Description != "" {
			g.descByKey[g.normalize(t.Description)] = seenTool{server: server}
		}
	}
	return guard.Allow, nil
}

// ResetServer forgets every name/description this server contributed.
func (g *ToolShadowing) ResetServer(serverName string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range g.namesByKey {
		if v.server == serverName {
			delete(g.namesByKey, k)
		}
	}
	for k, v := range g.descByKey {
		if v.server == serverName {
			delete(g.descByKey, k)
		}
	}
}

func (g *ToolShadowing) SettingsSchema() json.RawMessage { return schemaFor(ToolShadowingConfig{}) }
func (g *ToolShadowing) DefaultConfig() json.RawMessage {
	b, _ := json.Marshal(defaultToolShadowingConfig())
	return b
}
