package native

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/internal/guard/pii"
)

// Action selects what the PII guard does with a detection.
type Action string

const (
	ActionMask   Action = "mask"
	ActionReject Action = "reject"
)

// PIIGuardConfig configures the PII guard, including a custom rejection
// message and per-type score overrides.
type PIIGuardConfig struct {
	Detect           []pii.Type         `json:"detect"`
	Action           Action             `json:"action"`
	MinScore         float64            `json:"min_score"`
	RejectionMessage string             `json:"rejection_message,omitempty"`
	TypeOverrides    map[pii.Type]float64 `json:"type_overrides,omitempty"`
}

func defaultPIIGuardConfig() PIIGuardConfig {
	return PIIGuardConfig{
		Detect:   []pii.Type{pii.TypeEmail, pii.TypePhoneNumber, pii.TypeSSN, pii.TypeCreditCard, pii.TypeCASIN, pii.TypeURL},
		Action:   ActionMask,
		MinScore: 0.5,
	}
}

// detection is a single recognized span, resolved to its JSON path.
type detection struct {
	Type  pii.Type `json:"type"`
	Path  string   `json:"path"`
	Score float64  `json:"score"`
}

// PIIGuard walks an arbitrary JSON payload, recognizing and then masking or
// rejecting on configured PII types.
type PIIGuard struct {
	guard.BaseGuard
	cfg PIIGuardConfig
}

// NewPIIGuard builds a PII guard from its flattened config payload.
func NewPIIGuard(base guard.Config) (*PIIGuard, error) {
	cfg := defaultPIIGuardConfig()
	if err := decodeStrict(base.Payload, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Detect) == 0 {
		cfg.Detect = defaultPIIGuardConfig().Detect
	}
	return &PIIGuard{BaseGuard: guard.NewBaseGuard(base), cfg: cfg}, nil
}

func (g *PIIGuard) minScoreFor(t pii.Type) float64 {
	if override, ok := g.cfg.TypeOverrides[t]; ok {
		return override
	}
	return g.cfg.MinScore
}

// scanString recognizes every configured PII type in a single string leaf,
// applying any per-type min_score override.
func (g *PIIGuard) scanString(text string) []pii.Result {
	var out []pii.Result
	for _, t := range g.cfg.Detect {
		r := pii.For(t)
		if r == nil {
			continue
		}
		min := g.minScoreFor(t)
		for _, res := range r.Recognize(text) {
			if res.Score >= min {
				out = append(out, res)
			}
		}
	}
	return out
}

// walkResult carries every detection found during a recursive JSON walk.
type walkResult struct {
	detections []detection
	changed    bool
}

// walk recurses through an arbitrary decoded JSON value, masking string
// leaves in place (when masking) and recording every detection found.
func (g *PIIGuard) walk(v any, path string, mask bool, wr *walkResult) any {
	switch val := v.(type) {
	case string:
		results := g.scanString(val)
		if len(results) == 0 {
			return val
		}
		for _, r := range results {
			wr.detections = append(wr.detections, detection{Type: r.Type, Path: path, Score: r.Score})
		}
		if mask {
			wr.changed = true
			return pii.Mask(val, results)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			out[k] = g.walk(child, childPath, mask, wr)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = g.walk(child, path+"["+strconv.Itoa(i)+"]", mask, wr)
		}
		return out
	default:
		return val
	}
}

// evaluatePayload implements the shared request/response evaluation:
// recursively scan, then reject or transform per the configured action.
func (g *PIIGuard) evaluatePayload(payload json.RawMessage) (guard.Decision, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return guard.Allow, nil
	}
	wr := &walkResult{}
	masked := g.walk(v, "", g.cfg.Action == ActionMask, wr)
	if len(wr.detections) == 0 {
		return guard.Allow, nil
	}

	switch g.cfg.Action {
	case ActionReject:
		msg := g.cfg.RejectionMessage
		if msg == "" {
			msg = fmt.Sprintf("%d PII detection(s) found", len(wr.detections))
		}
		return guard.Deny("pii_detected", msg, map[string]any{"detections": wr.detections}), nil
	default: // mask
		out, err := json.Marshal(masked)
		if err != nil {
			return guard.Allow, nil
		}
		return guard.Modify(out), nil
	}
}

// EvaluateRequest scans an outbound request payload for PII.
func (g *PIIGuard) EvaluateRequest(_ context.Context, request json.RawMessage, _ guard.GuardContext) (guard.Decision, error) {
	return g.evaluatePayload(request)
}

// EvaluateResponse scans an inbound response payload for PII.
func (g *PIIGuard) EvaluateResponse(_ context.Context, response json.RawMessage, _ guard.GuardContext) (guard.Decision, error) {
	return g.evaluatePayload(response)
}

// EvaluateToolsList scans each tool's description: reject denies outright,
// mask only logs since the immutable tools/list result cannot be rewritten
// at this layer.
func (g *PIIGuard) EvaluateToolsList(_ context.Context, tools []guard.ToolDescriptor, _ guard.GuardContext) (guard.Decision, error) {
	var detections []detection
	for _, t := range tools {
		for _, r := range g.scanString(t.Description) {
			detections = append(detections, detection{Type: r.Type, Path: t.Name, Score: r.Score})
		}
	}
	if len(detections) == 0 {
		return guard.Allow, nil
	}
	if g.cfg.Action == ActionReject {
		return guard.Deny("pii_in_tool_description", "tool description contains PII", map[string]any{"detections": detections}), nil
	}
	// mask mode: the tools/list result can't be rewritten at this layer, so
	// this is log-only.
	slog.Warn("pii detected in tool descriptions, not masked",
		slog.String("guard_id", g.ID()), slog.Int("detections", len(detections)))
	return guard.Allow, nil
}

func (g *PIIGuard) SettingsSchema() json.RawMessage { return schemaFor(PIIGuardConfig{}) }
func (g *PIIGuard) DefaultConfig() json.RawMessage {
	b, _ := json.Marshal(defaultPIIGuardConfig())
	return b
}
