package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/internal/mcp"
	"github.com/nextlevelbuilder/goclaw-guard/pkg/protocol"
)

// GuardConfigsFunc resolves the guard chain configured for a backend name,
// the seam that lets the Relay stay decoupled from internal/config.
type GuardConfigsFunc func(backend string) []guard.Config

// Relay is the gateway's multiplexer: it owns the ordered upstream
// connections, the resource-naming rule derived from them, the
// authorization policy set, and drives every upstream's guard chain through
// the shared Registry.
type Relay struct {
	log      *slog.Logger
	registry *guard.Registry
	policy   *PolicySet

	naming naming
	order  []string
	handles map[string]*upstreamHandle
}

// GuardDeniedError wraps a guard Deny decision the relay surfaces as a
// JSON-RPC error to the client. Callers that need to distinguish a guard
// denial from any other merge-path error (e.g. to pick
// protocol.ErrCodeGuardDenied over a plain internal error) can type assert
// for it.
type GuardDeniedError struct {
	upstream string
	reason   *guard.DenyReason
}

func (e *GuardDeniedError) Error() string {
	return fmt.Sprintf("guard denied on upstream %q: %s: %s", e.upstream, e.reason.Code, e.reason.Message)
}

// NewRelay connects no sockets itself: it wraps already-constructed
// mcp.Upstream clients (the caller dials them, per internal/bootstrap) and
// builds one guard Executor per upstream via the shared Registry, keyed by
// the upstream's own name as its backend.
func NewRelay(log *slog.Logger, registry *guard.Registry, policy *PolicySet, upstreams []*mcp.Upstream, guardConfigsFor GuardConfigsFunc) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	handleList := make([]*upstreamHandle, 0, len(upstreams))
	handles := make(map[string]*upstreamHandle, len(upstreams))
	order := make([]string, 0, len(upstreams))
	for _, up := range upstreams {
		h := &upstreamHandle{name: up.Name, alwaysPrefix: up.AlwaysPrefix, backend: up.Name, up: up, state: StateNew}
		executor, err := registry.GetOrCreate(h.backend, guardConfigsFor(h.backend))
		if err != nil {
			return nil, fmt.Errorf("build guard executor for upstream %q: %w", up.Name, err)
		}
		h.executor = executor
		handleList = append(handleList, h)
		handles[h.name] = h
		order = append(order, h.name)
	}
	return &Relay{
		log:      log,
		registry: registry,
		policy:   policy,
		naming:   naming{defaultTarget: computeDefaultTarget(handleList)},
		order:    order,
		handles:  handles,
	}, nil
}

// Initialize runs the MCP handshake against every upstream and returns the
// merged (or, non-multiplexing, forwarded) result. Baseline establishment
// runs asynchronously afterward.
func (r *Relay) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	results := make(map[string]*protocol.InitializeResult, len(r.order))
	var firstErr error
	for _, name := range r.order {
		h := r.handles[name]
		res, err := h.up.Initialize(ctx)
		if err != nil {
			r.log.Error("upstream initialize failed", slog.String("upstream", name), slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		h.setState(StateInitialized)
		results[name] = res
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("relay initialize: no upstream connected: %w", firstErr)
	}
	merged := r.mergeInitialize(results)
	go r.establishBaselines(context.Background())
	return merged, nil
}

// mergeInitialize implements the verbatim-forward / synthesized merge
// rules: a single non-prefixed upstream forwards its own result verbatim;
// otherwise the merged result synthesizes a lexicographic-min protocol
// version with a tools-only capability set.
func (r *Relay) mergeInitialize(results map[string]*protocol.InitializeResult) *protocol.InitializeResult {
	if r.naming.defaultTarget != nil {
		if res, ok := results[*r.naming.defaultTarget]; ok {
			return res
		}
	}
	minVersion := ""
	for _, res := range results {
		if minVersion == "" || res.ProtocolVersion < minVersion {
			minVersion = res.ProtocolVersion
		}
	}
	return &protocol.InitializeResult{
		ProtocolVersion: minVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ServerInfo:      protocol.Implementation{Name: "goclaw-guard", Version: "1.0.0"},
	}
}

// establishBaselines seeds each upstream's guard baselines by replaying
// Connection and ToolsList evaluation purely for their side effects. A
// Deny here never fails the client's Initialize; it logs, and a sticky
// rug-pull denial blocks the upstream.
func (r *Relay) establishBaselines(ctx context.Context) {
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		gctx := guard.GuardContext{ServerName: h.backend}

		var urlPtr *string
		if h.up.URL != "" {
			u := h.up.URL
			urlPtr = &u
		}
		dec, err := h.executor.EvaluateConnection(ctx, h.name, urlPtr, gctx)
		if err != nil {
			r.log.Warn("baseline connection guard errored, skipping upstream", slog.String("upstream", name), slog.Any("error", err))
			continue
		}
		if dec.Kind == guard.DecisionDeny {
			r.handleBaselineDeny(name, h, dec.Deny)
			continue
		}

		tools, err := h.up.ListTools(ctx)
		if err != nil {
			r.log.Warn("baseline tools/list failed", slog.String("upstream", name), slog.Any("error", err))
			continue
		}
		dec2, _, err := h.executor.EvaluateToolsList(ctx, toDescriptors(tools), gctx)
		if err != nil {
			r.log.Warn("baseline tools_list guard errored", slog.String("upstream", name), slog.Any("error", err))
			continue
		}
		if dec2.Kind == guard.DecisionDeny {
			r.handleBaselineDeny(name, h, dec2.Deny)
			continue
		}

		h.setState(StateBaselineEstablished)
		h.setState(StateServing)
		r.log.Info("upstream baseline established", slog.String("upstream", name))
	}
}

func (r *Relay) handleBaselineDeny(name string, h *upstreamHandle, reason *guard.DenyReason) {
	r.log.Warn("baseline guard denied upstream, skipping", slog.String("upstream", name), slog.String("code", reason.Code))
	if reason.Code == "rug_pull_server_blocked" {
		h.block()
	}
}

// ToolsList merges every non-blocked upstream's tool list, evaluating
// ToolsList-phase guards per upstream before merging and filtering through
// the authorization policy.
func (r *Relay) ToolsList(ctx context.Context, identity string) ([]protocol.Tool, error) {
	var merged []protocol.Tool
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		tools, err := h.up.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools on upstream %q: %w", name, err)
		}
		gctx := guard.GuardContext{ServerName: h.backend, Identity: identity}
		dec, filtered, err := h.executor.EvaluateToolsList(ctx, toDescriptors(tools), gctx)
		if err != nil {
			return nil, err
		}
		if dec.Kind == guard.DecisionDeny {
			if dec.Deny.Code == "rug_pull_server_blocked" {
				h.block()
			}
			return nil, &GuardDeniedError{upstream: name, reason: dec.Deny}
		}
		for _, td := range filtered {
			allowed, err := r.policy.Evaluate(ResourceTool, identity, name, td.Name)
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
			merged = append(merged, protocol.Tool{
				Name:        r.naming.formatName(name, td.Name),
				Description: td.Description,
				InputSchema: td.InputSchema,
			})
		}
	}
	return merged, nil
}

// Prompts merges every non-blocked upstream's prompt list, authorization-
// filtered with no guard evaluation.
func (r *Relay) Prompts(ctx context.Context, identity string) ([]protocol.Prompt, error) {
	var merged []protocol.Prompt
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		prompts, err := h.up.ListPrompts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list prompts on upstream %q: %w", name, err)
		}
		for _, p := range prompts {
			allowed, err := r.policy.Evaluate(ResourcePrompt, identity, name, p.Name)
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
			merged = append(merged, protocol.Prompt{
				Name:        r.naming.formatName(name, p.Name),
				Description: p.Description,
				Arguments:   p.Arguments,
			})
		}
	}
	return merged, nil
}

// Resources merges every non-blocked upstream's resource list,
// authorization-filtered with no guard evaluation.
func (r *Relay) Resources(ctx context.Context, identity string) ([]protocol.Resource, error) {
	var merged []protocol.Resource
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		resources, err := h.up.ListResources(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resources on upstream %q: %w", name, err)
		}
		for _, rsc := range resources {
			allowed, err := r.policy.Evaluate(ResourceResource, identity, name, rsc.Name)
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
			merged = append(merged, rsc)
		}
	}
	return merged, nil
}

// ResourceTemplates merges every non-blocked upstream's resource template
// list, authorization-filtered with no guard evaluation.
func (r *Relay) ResourceTemplates(ctx context.Context, identity string) ([]protocol.ResourceTemplate, error) {
	var merged []protocol.ResourceTemplate
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		templates, err := h.up.ListResourceTemplates(ctx)
		if err != nil {
			return nil, fmt.Errorf("list resource templates on upstream %q: %w", name, err)
		}
		for _, rt := range templates {
			allowed, err := r.policy.Evaluate(ResourceResourceTemplate, identity, name, rt.Name)
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
			merged = append(merged, rt)
		}
	}
	return merged, nil
}

func toDescriptors(tools []protocol.Tool) []guard.ToolDescriptor {
	out := make([]guard.ToolDescriptor, len(tools))
	for i, t := range tools {
		out[i] = guard.ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	return out
}
