// Package mcp owns the relay's connections to upstream MCP tool-servers:
// transport selection, the initialize handshake, and the tools/list /
// tools/call round trips the relay (internal/relay) drives per upstream.
// Each Upstream is a raw per-upstream client; the relay itself multiplexes
// and guards across them.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/goclaw-guard/internal/config"
	"github.com/nextlevelbuilder/goclaw-guard/pkg/protocol"
)

// Upstream is one connected MCP tool-server: a name, the live mark3labs
// client, and the always-prefix flag the relay's naming rule consults.
type Upstream struct {
	Name         string
	AlwaysPrefix bool
	URL          string // only set for sse/streamable_http transports

	client    *mcpclient.Client
	timeout   time.Duration
	connected atomic.Bool
}

// Connect dials one upstream per its UpstreamConfig. It does not run the
// MCP initialize handshake; that is Initialize's job.
func Connect(ctx context.Context, name string, cfg config.UpstreamConfig) (*Upstream, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create client for upstream %q: %w", name, err)
	}
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("start transport for upstream %q: %w", name, err)
		}
	}

	timeoutSec := cfg.TimeoutSec
	if timeoutSec <= 0 {
		timeoutSec = 60
	}

	u := &Upstream{
		Name:         name,
		AlwaysPrefix: cfg.AlwaysPrefix,
		URL:          cfg.URL,
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
	}
	return u, nil
}

func newClient(cfg config.UpstreamConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// Initialize runs the MCP handshake and returns the negotiated result,
// which the relay folds into its merged (or passthrough) initialize
// response.
func (u *Upstream) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: "goclaw-guard", Version: "1.0.0"}

	res, err := u.client.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initialize upstream %q: %w", u.Name, err)
	}
	u.connected.Store(true)
	return &protocol.InitializeResult{
		ProtocolVersion: res.ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": res.Capabilities.Tools != nil},
		ServerInfo:      protocol.Implementation{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version},
	}, nil
}

// ListTools fetches this upstream's raw tool list, pre-guard and
// pre-rename.
func (u *Upstream) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	res, err := u.client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on upstream %q: %w", u.Name, err)
	}
	out := make([]protocol.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		out = append(out, protocol.Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, nil
}

// ListPrompts fetches this upstream's raw prompt list.
func (u *Upstream) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	res, err := u.client.ListPrompts(ctx, mcpgo.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts on upstream %q: %w", u.Name, err)
	}
	out := make([]protocol.Prompt, 0, len(res.Prompts))
	for _, p := range res.Prompts {
		args, err := json.Marshal(p.Arguments)
		if err != nil {
			args = json.RawMessage("[]")
		}
		out = append(out, protocol.Prompt{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return out, nil
}

// ListResources fetches this upstream's raw resource list.
func (u *Upstream) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	res, err := u.client.ListResources(ctx, mcpgo.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources on upstream %q: %w", u.Name, err)
	}
	out := make([]protocol.Resource, 0, len(res.Resources))
	for _, rsc := range res.Resources {
		out = append(out, protocol.Resource{URI: rsc.URI, Name: rsc.Name, Description: rsc.Description, MimeType: rsc.MIMEType})
	}
	return out, nil
}

// ListResourceTemplates fetches this upstream's raw resource template list.
func (u *Upstream) ListResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	res, err := u.client.ListResourceTemplates(ctx, mcpgo.ListResourceTemplatesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resource templates on upstream %q: %w", u.Name, err)
	}
	out := make([]protocol.ResourceTemplate, 0, len(res.ResourceTemplates))
	for _, rt := range res.ResourceTemplates {
		out = append(out, protocol.ResourceTemplate{URITemplate: rt.URITemplate, Name: rt.Name, Description: rt.Description, MimeType: rt.MIMEType})
	}
	return out, nil
}

// CallTool forwards a tool invocation (with its raw upstream-local name,
// already stripped of any prefix by the relay's naming rule) and returns
// the upstream's raw JSON-RPC result payload.
func (u *Upstream) CallTool(ctx context.Context, rawName string, arguments []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	req := mcpgo.CallToolRequest{}
	req.Params.Name = rawName
	if len(arguments) > 0 {
		var args map[string]any
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("decode arguments for tool %q on upstream %q: %w", rawName, u.Name, err)
		}
		req.Params.Arguments = args
	}
	res, err := u.client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %q on upstream %q: %w", rawName, u.Name, err)
	}
	return json.Marshal(res)
}

// Connected reports whether this upstream has completed Initialize.
func (u *Upstream) Connected() bool { return u.connected.Load() }

// Close tears down the upstream's transport.
func (u *Upstream) Close() error { return u.client.Close() }
