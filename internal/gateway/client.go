package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goclaw-guard/internal/relay"
	"github.com/nextlevelbuilder/goclaw-guard/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Client is one connected MCP client's websocket session, dispatching its
// JSON-RPC requests into the shared Relay under the identity it connected
// with (used for per-identity authorization policy evaluation).
type Client struct {
	id       string
	identity string
	conn     *websocket.Conn
	relay    *relay.Relay
	send     chan []byte
}

func newClient(conn *websocket.Conn, r *relay.Relay, identity string) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		relay:    r,
		send:     make(chan []byte, 32),
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// run drives the client's read and write pumps until the context is
// cancelled or the connection drops.
func (c *Client) run(ctx context.Context) {
	done := make(chan struct{})
	go c.writePump(done)
	c.readPump(ctx, done)
}

func (c *Client) readPump(ctx context.Context, done chan struct{}) {
	defer close(done)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway.client_read_error", slog.String("client", c.id), slog.Any("error", err))
			}
			return
		}
		go c.handleMessage(ctx, raw)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(protocol.NewErrorResponse(nil, protocol.ErrCodeParseError, "invalid JSON-RPC request", nil))
		return
	}
	if req.IsNotification() {
		return
	}

	resp := c.dispatch(ctx, &req)
	c.reply(resp)
}

func (c *Client) dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		result, err := c.relay.Initialize(ctx)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error(), nil)
		}
		return resultResponse(req.ID, result)

	case protocol.MethodToolsList:
		tools, err := c.relay.ToolsList(ctx, c.identity)
		if err != nil {
			return errResponseFor(req.ID, err)
		}
		return resultResponse(req.ID, protocol.ToolsListResult{Tools: tools})

	case protocol.MethodToolsCall:
		var params protocol.ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInvalidParams, "invalid tools/call params", nil)
		}
		resp, err := c.relay.CallTool(ctx, req.ID, params.Name, params.Arguments, c.identity)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternalError, err.Error(), nil)
		}
		return resp

	case protocol.MethodPromptsList:
		prompts, err := c.relay.Prompts(ctx, c.identity)
		if err != nil {
			return errResponseFor(req.ID, err)
		}
		return resultResponse(req.ID, protocol.PromptsListResult{Prompts: prompts})

	case protocol.MethodResourcesList:
		resources, err := c.relay.Resources(ctx, c.identity)
		if err != nil {
			return errResponseFor(req.ID, err)
		}
		return resultResponse(req.ID, protocol.ResourcesListResult{Resources: resources})

	case protocol.MethodResourceTemplates:
		templates, err := c.relay.ResourceTemplates(ctx, c.identity)
		if err != nil {
			return errResponseFor(req.ID, err)
		}
		return resultResponse(req.ID, protocol.ResourceTemplatesListResult{ResourceTemplates: templates})

	case protocol.MethodPing:
		return resultResponse(req.ID, map[string]any{})

	default:
		return protocol.NewErrorResponse(req.ID, protocol.ErrCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (c *Client) reply(resp *protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("gateway.response_marshal_failed", slog.String("client", c.id), slog.Any("error", err))
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("gateway.client_send_buffer_full", slog.String("client", c.id))
	}
}

func resultResponse(id json.RawMessage, result any) *protocol.Response {
	data, err := json.Marshal(result)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, "failed to encode result", nil)
	}
	return protocol.NewResultResponse(id, data)
}

// errResponseFor translates a guard Deny short-circuit (returned as an error
// from a merge path that has no per-call Response to carry it) into a
// JSON-RPC error response; anything else becomes a plain internal error.
func errResponseFor(id json.RawMessage, err error) *protocol.Response {
	if de, ok := err.(*relay.GuardDeniedError); ok {
		return protocol.NewErrorResponse(id, protocol.ErrCodeGuardDenied, de.Error(), nil)
	}
	return protocol.NewErrorResponse(id, protocol.ErrCodeInternalError, err.Error(), nil)
}
