// Package guard implements the security-guard pipeline for the MCP gateway:
// phase-gated policy engines that inspect connection setup, requests,
// responses, tools/list results, and tool invocations crossing the boundary
// between the client and an upstream MCP server.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
)

// Phase is the stage of a message's life-cycle a guard runs at.
type Phase string

const (
	PhaseConnection Phase = "connection"
	PhaseRequest    Phase = "request"
	PhaseResponse   Phase = "response"
	PhaseToolsList  Phase = "tools_list"
	PhaseToolInvoke Phase = "tool_invoke"
)

// compatAliases lets a guard configured for ToolsList also run on the more
// general Response phase and vice versa (and similarly ToolInvoke/Request):
// membership in either phase is sufficient to run.
var compatAliases = map[Phase]Phase{
	PhaseToolsList:  PhaseResponse,
	PhaseResponse:   PhaseToolsList,
	PhaseToolInvoke: PhaseRequest,
	PhaseRequest:    PhaseToolInvoke,
}

// RunsOn reports whether a guard whose configured phase set is `runsOn`
// should execute for the given phase, honoring the ToolsList≡Response and
// ToolInvoke≡Request compatibility aliases.
func RunsOn(runsOn []Phase, phase Phase) bool {
	for _, p := range runsOn {
		if p == phase {
			return true
		}
		if alias, ok := compatAliases[phase]; ok && p == alias {
			return true
		}
	}
	return false
}

// FailureMode controls what happens when a guard's evaluation errors out
// (as opposed to returning a Deny decision, which is never a failure).
type FailureMode string

const (
	FailClosed FailureMode = "fail_closed"
	FailOpen   FailureMode = "fail_open"
)

// DecisionKind discriminates the Decision sum type.
type DecisionKind int

const (
	DecisionAllow DecisionKind = iota
	DecisionDeny
	DecisionModify
)

// DenyReason carries the structured explanation for a Deny decision.
type DenyReason struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ModifyActionKind discriminates ModifyAction variants. Only Transform is
// acted on by the relay today; MaskFields and AddWarning are carried so
// guard authors and the schema surface can express intent even though the
// relay currently treats them as informational.
type ModifyActionKind int

const (
	ModifyMaskFields ModifyActionKind = iota
	ModifyAddWarning
	ModifyTransform
)

// ModifyAction is the payload of a Decision in the Modify state.
type ModifyAction struct {
	Kind      ModifyActionKind
	Fields    []string        // MaskFields
	Warning   string          // AddWarning
	Transform json.RawMessage // Transform
}

// Decision is the outcome of a single guard evaluation.
type Decision struct {
	Kind   DecisionKind
	Deny   *DenyReason
	Modify *ModifyAction
}

// Allow is the zero-value "continue" decision.
var Allow = Decision{Kind: DecisionAllow}

// Deny builds a Deny decision.
func Deny(code, message string, details any) Decision {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	return Decision{Kind: DecisionDeny, Deny: &DenyReason{Code: code, Message: message, Details: raw}}
}

// Modify builds a Modify(Transform(...)) decision, the only variant the
// relay substitutes into the in-flight payload.
func Modify(transform json.RawMessage) Decision {
	return Decision{Kind: DecisionModify, Modify: &ModifyAction{Kind: ModifyTransform, Transform: transform}}
}

// GuardContext is the immutable per-invocation context passed to every guard.
type GuardContext struct {
	ServerName string
	Identity   string
	Metadata   json.RawMessage
}

// ErrorKind discriminates the GuardError taxonomy.
type ErrorKind int

const (
	ErrConfig ErrorKind = iota
	ErrTimeout
	ErrExecution
	ErrWasm
)

// GuardError is returned by guard evaluation and construction. ConfigError
// is fatal at load time; the others are recovered by the executor according
// to the guard's FailureMode.
type GuardError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *GuardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *GuardError) Unwrap() error { return e.Err }

func configError(format string, args ...any) *GuardError {
	return &GuardError{Kind: ErrConfig, Msg: fmt.Sprintf(format, args...)}
}

func executionError(err error) *GuardError {
	return &GuardError{Kind: ErrExecution, Msg: "guard execution failed", Err: err}
}

// Kind is the tagged-union discriminant selecting a guard implementation.
type Kind string

const (
	KindToolPoisoning   Kind = "tool_poisoning"
	KindRugPull         Kind = "rug_pull"
	KindToolShadowing   Kind = "tool_shadowing"
	KindServerWhitelist Kind = "server_whitelist"
	KindPII             Kind = "pii"
	KindWasm            Kind = "wasm"
)

// Config is the tagged-union guard configuration: common fields plus a
// kind-specific payload flattened into the same JSON object.
type Config struct {
	ID          string      `json:"id"`
	Type        Kind        `json:"type"`
	Description string      `json:"description,omitempty"`
	Priority    uint32      `json:"priority"`
	FailureMode FailureMode `json:"failure_mode"`
	TimeoutMS   uint64      `json:"timeout_ms"`
	RunsOn      []Phase     `json:"runs_on"`
	Enabled     bool        `json:"enabled"`

	// Kind-specific payload, re-decoded by the matching constructor. Native
	// kinds reject unknown fields; the wasm kind's nested Config map accepts
	// arbitrary keys.
	Payload json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the common envelope fields and retains the full
// object as Payload so each guard kind's constructor can re-decode its own
// fields strictly (deny_unknown_fields semantics for native kinds).
func (c *Config) UnmarshalJSON(data []byte) error {
	type envelope struct {
		ID          string      `json:"id"`
		Type        Kind        `json:"type"`
		Description string      `json:"description,omitempty"`
		Priority    uint32      `json:"priority"`
		FailureMode FailureMode `json:"failure_mode"`
		TimeoutMS   uint64      `json:"timeout_ms"`
		RunsOn      []Phase     `json:"runs_on"`
		Enabled     bool        `json:"enabled"`
	}
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	c.ID, c.Type, c.Description = e.ID, e.Type, e.Description
	c.Priority, c.FailureMode, c.TimeoutMS = e.Priority, e.FailureMode, e.TimeoutMS
	c.RunsOn, c.Enabled = e.RunsOn, e.Enabled
	c.Payload = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the flattened object: common fields overlaid onto
// the retained kind-specific payload.
func (c *Config) MarshalJSON() ([]byte, error) {
	base := map[string]json.RawMessage{}
	if len(c.Payload) > 0 {
		if err := json.Unmarshal(c.Payload, &base); err != nil {
			return nil, err
		}
	}
	common := struct {
		ID          string      `json:"id"`
		Type        Kind        `json:"type"`
		Description string      `json:"description,omitempty"`
		Priority    uint32      `json:"priority"`
		FailureMode FailureMode `json:"failure_mode"`
		TimeoutMS   uint64      `json:"timeout_ms"`
		RunsOn      []Phase     `json:"runs_on"`
		Enabled     bool        `json:"enabled"`
	}{c.ID, c.Type, c.Description, c.Priority, c.FailureMode, c.TimeoutMS, c.RunsOn, c.Enabled}
	commonRaw, err := json.Marshal(common)
	if err != nil {
		return nil, err
	}
	var commonMap map[string]json.RawMessage
	if err := json.Unmarshal(commonRaw, &commonMap); err != nil {
		return nil, err
	}
	for k, v := range commonMap {
		base[k] = v
	}
	return json.Marshal(base)
}

// Guard is the common capability set every guard kind implements (spec
// §4.2): each method defaults to Allow except where a kind overrides it.
type Guard interface {
	ID() string
	Config() Config

	EvaluateConnection(ctx context.Context, serverName string, serverURL *string, gctx GuardContext) (Decision, error)
	EvaluateToolsList(ctx context.Context, tools []ToolDescriptor, gctx GuardContext) (Decision, error)
	EvaluateToolInvoke(ctx context.Context, toolName string, arguments json.RawMessage, gctx GuardContext) (Decision, error)
	EvaluateRequest(ctx context.Context, request json.RawMessage, gctx GuardContext) (Decision, error)
	EvaluateResponse(ctx context.Context, response json.RawMessage, gctx GuardContext) (Decision, error)

	// ResetServer clears any per-server state. Executor.ResetServer fans it
	// out to every guard; the relay does not call it when a session
	// re-initializes. Stateless guards no-op.
	ResetServer(serverName string)

	// SettingsSchema/DefaultConfig support the Schema API (C7). Native
	// guards return a real schema derived from their Go config struct
	// (SPEC_FULL supplement); wasm guards delegate to the guest module.
	SettingsSchema() json.RawMessage
	DefaultConfig() json.RawMessage
}

// ToolDescriptor is the guard-facing view of a tool, decoupled from both the
// wire protocol.Tool and any upstream client's own type.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// BaseGuard provides the common-default method bodies (all Allow, no-op
// reset, nil schemas) so concrete guard kinds only implement what they
// override, mirroring the NativeGuard trait's default bodies.
type BaseGuard struct {
	cfg Config
}

func NewBaseGuard(cfg Config) BaseGuard { return BaseGuard{cfg: cfg} }

func (b BaseGuard) ID() string      { return b.cfg.ID }
func (b BaseGuard) Config() Config   { return b.cfg }
func (b BaseGuard) ResetServer(string) {}
func (b BaseGuard) SettingsSchema() json.RawMessage { return nil }
func (b BaseGuard) DefaultConfig() json.RawMessage  { return nil }

func (b BaseGuard) EvaluateConnection(context.Context, string, *string, GuardContext) (Decision, error) {
	return Allow, nil
}
func (b BaseGuard) EvaluateToolsList(context.Context, []ToolDescriptor, GuardContext) (Decision, error) {
	return Allow, nil
}
func (b BaseGuard) EvaluateToolInvoke(context.Context, string, json.RawMessage, GuardContext) (Decision, error) {
	return Allow, nil
}
func (b BaseGuard) EvaluateRequest(context.Context, json.RawMessage, GuardContext) (Decision, error) {
	return Allow, nil
}
func (b BaseGuard) EvaluateResponse(context.Context, json.RawMessage, GuardContext) (Decision, error) {
	return Allow, nil
}
