package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/goclaw-guard/internal/guard"
	"github.com/nextlevelbuilder/goclaw-guard/pkg/protocol"
)

// MergeFunc combines every upstream's terminal response into a single
// synthesized result for a fan-out send (spec §4.6 "Fan-out send").
type MergeFunc func(responses map[string]*protocol.Response) (json.RawMessage, error)

// CallTool routes a wire-named tool invocation to its upstream: parses the
// resource name, runs the ToolInvoke-phase guard chain (deny short-circuits
// before the call is ever made), forwards the call, then runs the
// Response-phase chain over the raw result the way SendSingleGuarded does
// for any other upstream response (spec §4.6 "evaluate_tool_invoke...
// synchronous pre-call hook").
func (r *Relay) CallTool(ctx context.Context, id json.RawMessage, wireName string, arguments json.RawMessage, identity string) (*protocol.Response, error) {
	upstreamName, rawName, err := r.naming.parseResourceName(wireName)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInvalidRequest, err.Error(), nil), nil
	}
	h, ok := r.handles[upstreamName]
	if !ok {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInvalidRequest, fmt.Sprintf("unknown upstream %q", upstreamName), nil), nil
	}
	if h.getState() == StateBlocked {
		return protocol.NewErrorResponse(id, protocol.ErrCodeGuardDenied, fmt.Sprintf("upstream %q is blocked (rug_pull_server_blocked)", upstreamName), nil), nil
	}

	gctx := guard.GuardContext{ServerName: h.backend, Identity: identity}
	dec, err := h.executor.EvaluateToolInvoke(ctx, rawName, arguments, gctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate tool_invoke guards on upstream %q: %w", upstreamName, err)
	}
	if dec.Kind == guard.DecisionDeny {
		return r.denyResponse(id, upstreamName, h, dec.Deny), nil
	}

	raw, err := h.up.CallTool(ctx, rawName, arguments)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil), nil
	}
	return r.guardResponse(ctx, id, upstreamName, h, raw, identity)
}

// guardResponse runs the Response-phase guard chain over a raw upstream
// result and substitutes the decision into the JSON-RPC envelope (spec
// §4.6 "Single-target send"): Allow passes through, Deny substitutes a
// JSON-RPC error keeping the original id, Modify(Transform) re-parses the
// payload or, on parse failure, logs and passes the original through
// (fail-open for response rewriting only).
func (r *Relay) guardResponse(ctx context.Context, id json.RawMessage, upstreamName string, h *upstreamHandle, raw json.RawMessage, identity string) (*protocol.Response, error) {
	gctx := guard.GuardContext{ServerName: h.backend, Identity: identity}
	dec, transformed, err := h.executor.EvaluateResponse(ctx, raw, gctx)
	if err != nil {
		return nil, fmt.Errorf("evaluate response guards on upstream %q: %w", upstreamName, err)
	}
	if dec.Kind == guard.DecisionDeny {
		return r.denyResponse(id, upstreamName, h, dec.Deny), nil
	}
	if !json.Valid(transformed) {
		r.log.Warn("response guard transform is not valid JSON, forwarding the original payload",
			slog.String("upstream", upstreamName))
		transformed = raw
	}
	return protocol.NewResultResponse(id, transformed), nil
}

func (r *Relay) denyResponse(id json.RawMessage, upstreamName string, h *upstreamHandle, reason *guard.DenyReason) *protocol.Response {
	if reason.Code == "rug_pull_server_blocked" {
		h.block()
	}
	r.log.Info("guard denied", slog.String("upstream", upstreamName), slog.String("code", reason.Code), slog.String("message", reason.Message))
	return protocol.NewErrorResponse(id, protocol.ErrCodeGuardDenied, reason.Message, reason.Details)
}

// SendSingle forwards an opaque request to one named target upstream,
// without any response guarding — used for methods the guard pipeline has
// no phase for (spec §6 "send_single(req, ctx, target)"). Scoped to the
// tool-call-shaped forwarding internal/mcp.Upstream exposes; a generic
// method/params passthrough for arbitrary MCP methods would need a raw
// JSON-RPC transport the structured mark3labs client doesn't expose.
func (r *Relay) SendSingle(ctx context.Context, id json.RawMessage, target string, method string, params json.RawMessage) (*protocol.Response, error) {
	h, ok := r.handles[target]
	if !ok {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInvalidRequest, fmt.Sprintf("unknown upstream %q", target), nil), nil
	}
	if h.getState() == StateBlocked {
		return protocol.NewErrorResponse(id, protocol.ErrCodeGuardDenied, fmt.Sprintf("upstream %q is blocked (rug_pull_server_blocked)", target), nil), nil
	}
	raw, err := h.up.CallTool(ctx, method, params)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil), nil
	}
	return protocol.NewResultResponse(id, raw), nil
}

// SendSingleGuarded is SendSingle with the Response-phase guard chain
// applied to the raw result before it reaches the client (spec §6
// "send_single_guarded(req, ctx, target, eval_response, identity)").
func (r *Relay) SendSingleGuarded(ctx context.Context, id json.RawMessage, target, method string, params json.RawMessage, identity string) (*protocol.Response, error) {
	h, ok := r.handles[target]
	if !ok {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInvalidRequest, fmt.Sprintf("unknown upstream %q", target), nil), nil
	}
	if h.getState() == StateBlocked {
		return protocol.NewErrorResponse(id, protocol.ErrCodeGuardDenied, fmt.Sprintf("upstream %q is blocked (rug_pull_server_blocked)", target), nil), nil
	}
	raw, err := h.up.CallTool(ctx, method, params)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil), nil
	}
	return r.guardResponse(ctx, id, target, h, raw, identity)
}

// EvaluateToolInvoke is the synchronous pre-call hook spec §6 exposes
// standalone from CallTool (`evaluate_tool_invoke(tool, args, server,
// identity?)`): callers that route a tool call through their own transport
// instead of Relay.CallTool can still run the ToolInvoke-phase guard chain
// first and honor its Deny before making the upstream call.
func (r *Relay) EvaluateToolInvoke(ctx context.Context, toolName string, arguments json.RawMessage, server, identity string) (guard.Decision, error) {
	h, ok := r.handles[server]
	if !ok {
		return guard.Decision{}, fmt.Errorf("evaluate tool_invoke guards: unknown upstream %q", server)
	}
	gctx := guard.GuardContext{ServerName: h.backend, Identity: identity}
	return h.executor.EvaluateToolInvoke(ctx, toolName, arguments, gctx)
}

// FanoutResponses is the per-upstream result of an unmerged fan-out send.
type FanoutResponses map[string]*protocol.Response

// sendFanoutRaw is the shared body of SendFanoutDeletion/SendFanoutGet: issue
// method to every non-blocked upstream concurrently and run the Response
// guard chain over each result, without merging (spec §6
// "send_fanout_deletion(ctx)" / "send_fanout_get(ctx)" — "fan-out without
// merge").
func (r *Relay) sendFanoutRaw(ctx context.Context, id json.RawMessage, method string, params json.RawMessage, identity string) FanoutResponses {
	out := make(FanoutResponses, len(r.order))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		wg.Add(1)
		go func(name string, h *upstreamHandle) {
			defer wg.Done()
			raw, err := h.up.CallTool(ctx, method, params)
			var resp *protocol.Response
			if err != nil {
				resp = protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil)
			} else {
				resp, err = r.guardResponse(ctx, id, name, h, raw, identity)
				if err != nil {
					resp = protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil)
				}
			}
			mu.Lock()
			out[name] = resp
			mu.Unlock()
		}(name, h)
	}
	wg.Wait()
	return out
}

// SendFanoutDeletion fans a deletion-shaped request (e.g. a resource
// unsubscribe) out to every upstream without merging the results, since a
// deletion's per-upstream outcome has no single sensible combination (spec
// §6 "send_fanout_deletion(ctx)").
func (r *Relay) SendFanoutDeletion(ctx context.Context, id json.RawMessage, method string, params json.RawMessage, identity string) FanoutResponses {
	return r.sendFanoutRaw(ctx, id, method, params, identity)
}

// SendFanoutGet fans a read-shaped request out to every upstream without
// merging, for callers that want each upstream's answer individually rather
// than a synthesized combination (spec §6 "send_fanout_get(ctx)").
func (r *Relay) SendFanoutGet(ctx context.Context, id json.RawMessage, method string, params json.RawMessage, identity string) FanoutResponses {
	return r.sendFanoutRaw(ctx, id, method, params, identity)
}

// SendFanout issues the same request to every non-blocked upstream
// concurrently, runs each upstream's Response-phase guard chain over its raw
// result before any merging happens (so baselines stay keyed per upstream,
// never under a synthetic "merged" key) and, once all have produced a
// terminal response (or error), invokes mergeFn to emit a single synthesized
// response carrying the original request id (spec §4.6 "Fan-out send"). A
// guard Deny on any upstream's contribution fails the whole merge — the
// source's choice per spec §9's open question, preserved here.
func (r *Relay) SendFanout(ctx context.Context, id json.RawMessage, method string, params json.RawMessage, identity string, merge MergeFunc) (*protocol.Response, error) {
	responses := make(map[string]*protocol.Response, len(r.order))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var denied *GuardDeniedError

	for _, name := range r.order {
		h := r.handles[name]
		if h.getState() == StateBlocked {
			continue
		}
		wg.Add(1)
		go func(name string, h *upstreamHandle) {
			defer wg.Done()
			raw, err := h.up.CallTool(ctx, method, params)
			if err != nil {
				mu.Lock()
				responses[name] = protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil)
				mu.Unlock()
				return
			}
			gctx := guard.GuardContext{ServerName: h.backend, Identity: identity}
			dec, transformed, err := h.executor.EvaluateResponse(ctx, raw, gctx)
			if err != nil {
				mu.Lock()
				responses[name] = protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil)
				mu.Unlock()
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if dec.Kind == guard.DecisionDeny {
				if dec.Deny.Code == "rug_pull_server_blocked" {
					h.block()
				}
				if denied == nil {
					denied = &GuardDeniedError{upstream: name, reason: dec.Deny}
				}
				return
			}
			responses[name] = protocol.NewResultResponse(id, transformed)
		}(name, h)
	}
	wg.Wait()

	if denied != nil {
		return nil, denied
	}

	result, err := merge(responses)
	if err != nil {
		return nil, fmt.Errorf("merge fan-out responses: %w", err)
	}
	return protocol.NewResultResponse(id, result), nil
}
