package native

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
)

// ScanField names a tool-descriptor field the ToolPoisoning guard inspects.
type ScanField string

const (
	ScanFieldName        ScanField = "name"
	ScanFieldDescription ScanField = "description"
	ScanFieldInputSchema ScanField = "input_schema"
)

// ToolPoisoningConfig configures the ToolPoisoning guard.
type ToolPoisoningConfig struct {
	StrictMode     bool        `json:"strict_mode"`
	CustomPatterns []string    `json:"custom_patterns,omitempty"`
	ScanFields     []ScanField `json:"scan_fields"`
	AlertThreshold int         `json:"alert_threshold"`
}

func defaultToolPoisoningConfig() ToolPoisoningConfig {
	return ToolPoisoningConfig{
		StrictMode:     true,
		ScanFields:     []ScanField{ScanFieldName, ScanFieldDescription, ScanFieldInputSchema},
		AlertThreshold: 1,
	}
}

// builtinToolPoisoningPatterns is the built-in, case-insensitive pattern set
// covering prompt injection, system/admin override, safety-bypass, role
// manipulation, hidden markers, prompt leaking, and unicode/hex escape
// tricks. All tolerate whitespace/underscore/dash separator variance.
var builtinToolPoisoningPatterns = []string{
	// prompt injection
	`(?i)ignore[\s_-]+(all[\s_-]+)?previous[\s_-]+(instructions?|commands?|prompts?)`,
	`(?i)disregard[\s_-]+(all[\s_-]+)?(previous|prior|earlier)[\s_-]+(instructions?|commands?)`,
	`(?i)forget[\s_-]+(all[\s_-]+)?(previous|prior|earlier)[\s_-]+(instructions?|commands?)`,

	// system/admin/root override
	`(?i)SYSTEM:[\s_-]*(override|execute|run|bypass)`,
	`(?i)ADMIN:[\s_-]*(override|execute|run|bypass)`,
	`(?i)ROOT:[\s_-]*(execute|run)`,
	`(?i)execute[\s_-]+as[\s_-]+(root|admin|system)`,

	// safety/guardrail bypass
	`(?i)disregard[\s_-]+(all[\s_-]+)?(safety|security|restrictions?)`,
	`(?i)bypass[\s_-]+(all[\s_-]+)?(safety|security|restrictions?)`,
	`(?i)ignore[\s_-]+(all[\s_-]+)?(safety|security|restrictions?)`,
	`(?i)disable[\s_-]+(all[\s_-]+)?(safety|security|guardrails?)`,

	// role manipulation
	`(?i)you[\s_-]+are[\s_-]+now[\s_-]+(a[\s_-]+)?(admin|root|system|jailbroken)`,
	`(?i)act[\s_-]+as[\s_-]+(if[\s_-]+you[\s_-]+are[\s_-]+)?(admin|root|system)`,
	`(?i)pretend[\s_-]+(you[\s_-]+are|to[\s_-]+be)[\s_-]+(admin|root|system)`,

	// hidden/injected markers
	`(?i)\[HIDDEN\]`,
	`(?i)\[SECRET\]`,
	`(?i)<!--\s*INJECT`,

	// prompt leaking
	`(?i)print[\s_-]+(your|the)[\s_-]+(system[\s_-]+)?prompt`,
	`(?i)show[\s_-]+(me[\s_-]+)?(your|the)[\s_-]+(system[\s_-]+)?prompt`,
	`(?i)reveal[\s_-]+(your|the)[\s_-]+(system[\s_-]+)?prompt`,

	// unicode/hex escape tricks
	`(?i)\\u[0-9a-f]{4}.*execute`,
	`(?i)\\x[0-9a-f]{2}.*execute`,
}

// Violation is a single matched pattern, returned in a Deny's details.
type Violation struct {
	Field       ScanField `json:"field"`
	Pattern     string    `json:"pattern"`
	MatchedText string    `json:"matched_text"`
}

// ToolPoisoning scans tools/list results for prompt-injection and
// instruction-override patterns embedded in tool metadata.
type ToolPoisoning struct {
	guard.BaseGuard
	cfg      ToolPoisoningConfig
	patterns []*regexp.Regexp
}

// NewToolPoisoning builds a ToolPoisoning guard from its flattened config
// payload. Unknown JSON fields are rejected, matching every other native
// guard kind's strict-decode rule.
func NewToolPoisoning(base guard.Config) (*ToolPoisoning, error) {
	cfg := defaultToolPoisoningConfig()
	if err := decodeStrict(base.Payload, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.ScanFields) == 0 {
		cfg.ScanFields = defaultToolPoisoningConfig().ScanFields
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = 1
	}

	all := make([]string, 0, len(builtinToolPoisoningPatterns)+len(cfg.CustomPatterns))
	all = append(all, builtinToolPoisoningPatterns...)
	all = append(all, cfg.CustomPatterns...)

	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, p := range all {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tool_poisoning guard %q: bad pattern %q: %w", base.ID, p, err)
		}
		patterns = append(patterns, re)
	}

	return &ToolPoisoning{BaseGuard: guard.NewBaseGuard(base), cfg: cfg, patterns: patterns}, nil
}

func (g *ToolPoisoning) scanField(field ScanField, text string) []Violation {
	var out []Violation
	for _, re := range g.patterns {
		if loc := re.FindStringIndex(text); loc != nil {
			out = append(out, Violation{Field: field, Pattern: re.String(), MatchedText: text[loc[0]:loc[1]]})
		}
	}
	return out
}

func (g *ToolPoisoning) scanFieldsEnabled(field ScanField) bool {
	for _, f := range g.cfg.ScanFields {
		if f == field {
			return true
		}
	}
	return false
}

// EvaluateToolsList implements the ToolsList evaluation: scan every
// configured field of every tool, counting violations across the whole
// list, denying once the count reaches alert_threshold.
func (g *ToolPoisoning) EvaluateToolsList(_ context.Context, tools []guard.ToolDescriptor, _ guard.GuardContext) (guard.Decision, error) {
	var violations []Violation
	for _, t := range tools {
		if g.scanFieldsEnabled(ScanFieldName) {
			violations = append(violations, g.scanField(ScanFieldName, t.Name)...)
		}
		if g.scanFieldsEnabled(ScanFieldDescription) {
			violations = append(violations, g.scanField(ScanFieldDescription, t.Description)...)
		}
		if g.scanFieldsEnabled(ScanFieldInputSchema) && len(t.InputSchema) > 0 {
			violations = append(violations, g.scanField(ScanFieldInputSchema, canonicalizeSchema(t.InputSchema))...)
		}
	}
	if len(violations) >= g.cfg.AlertThreshold {
		return guard.Deny("tool_poisoning_detected", fmt.Sprintf("%d tool poisoning pattern(s) matched", len(violations)),
			map[string]any{"violations": violations, "threshold": g.cfg.AlertThreshold}), nil
	}
	return guard.Allow, nil
}

// canonicalizeSchema serializes a tool's input schema to a stable text form
// for pattern scanning.
func canonicalizeSchema(schema json.RawMessage) string {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return string(schema)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(schema)
	}
	return strings.ToLower(string(out))
}

func (g *ToolPoisoning) SettingsSchema() json.RawMessage { return schemaFor(ToolPoisoningConfig{}) }
func (g *ToolPoisoning) DefaultConfig() json.RawMessage {
	b, _ := json.Marshal(defaultToolPoisoningConfig())
	return b
}
