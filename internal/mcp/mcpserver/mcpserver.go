// Package mcpserver implements the gateway's outward-facing MCP endpoint:
// a single fasthttp handler that speaks JSON-RPC 2.0 over Streamable HTTP,
// fronting the aggregator (C4). Grounded on original_source's
// crates/mcp/src/server/handler.rs for the method dispatch table, and on the
// teacher's fasthttp-handler idiom (internal/proxy/router.go).
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/mcp/aggregator"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/downstream"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

const protocolVersion = "2024-11-05"

// rateLimitExceededCode is a server-defined JSON-RPC error code (the
// -32000..-32099 range is reserved for implementation-defined server
// errors) for a tool dispatch rejected by the per-server/per-tool scope.
const rateLimitExceededCode = -32029

// Metrics is the subset of internal/metrics.Registry the handler reports
// into (C14). Declared as an interface so this package doesn't depend on
// the concrete metrics type.
type Metrics interface {
	ObserveMCPDispatch(server, outcome string, dur time.Duration)
	ObserveMCPSearch(dur time.Duration)
}

// Handler serves the aggregated MCP endpoint.
type Handler struct {
	agg         *aggregator.Aggregator
	metrics     Metrics
	rateLimiter *ratelimit.Manager
}

// New builds a Handler fronting agg. metrics may be nil.
func New(agg *aggregator.Aggregator, metrics Metrics) *Handler {
	return &Handler{agg: agg, metrics: metrics}
}

// SetRateLimiter injects the per-server/per-tool scope of the rate-limit
// manager (C10). Global/per-IP scopes are already enforced upstream by
// internal/httpserver against the same Manager instance.
func (h *Handler) SetRateLimiter(rl *ratelimit.Manager) {
	h.rateLimiter = rl
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ServeHTTP handles one MCP JSON-RPC request. Only POST is supported — this
// gateway offers Streamable HTTP outward, not the legacy SSE transport.
func (h *Handler) ServeHTTP(ctx *fasthttp.RequestCtx) {
	if !ctx.IsPost() {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, nil, -32700, "parse error")
		return
	}

	// Notifications (no id) get no response body, only a 202.
	isNotification := len(req.ID) == 0

	result, rpcErr := h.dispatch(ctx, req)

	if isNotification {
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		return
	}

	if rpcErr != nil {
		writeError(ctx, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeResult(ctx, req.ID, result)
}

func (h *Handler) dispatch(ctx *fasthttp.RequestCtx, req rpcRequest) (any, *rpcError) {
	c := ctx2Context(ctx)

	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "llm-gateway-mcp", "version": "0.1.0"},
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"prompts":   map[string]any{},
				"resources": map[string]any{},
			},
			"instructions": h.agg.Instructions(),
		}, nil

	case "notifications/initialized":
		return nil, nil

	case "tools/list":
		return map[string]any{"tools": h.agg.ListTools()}, nil

	case "tools/call":
		return h.handleToolsCall(c, ctx, req.Params)

	case "prompts/list":
		prompts, err := h.agg.ListPrompts(c)
		if err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return map[string]any{"prompts": prompts}, nil

	case "resources/list":
		resources, err := h.agg.ListResources(c)
		if err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return map[string]any{"resources": resources}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + req.Method}
	}
}

func (h *Handler) handleToolsCall(c context.Context, ctx *fasthttp.RequestCtx, rawParams json.RawMessage) (any, *rpcError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, &rpcError{Code: downstream.InvalidParamsCode, Message: "invalid params"}
	}

	switch params.Name {
	case "search":
		start := time.Now()
		keywords, _ := params.Arguments["keywords"].([]any)
		kw := make([]string, 0, len(keywords))
		for _, k := range keywords {
			if s, ok := k.(string); ok {
				kw = append(kw, s)
			}
		}
		resp := h.agg.Search(kw)
		if h.metrics != nil {
			h.metrics.ObserveMCPSearch(time.Since(start))
		}
		return h.agg.RenderSearchResult(resp), nil

	case "execute":
		name, _ := params.Arguments["name"].(string)
		args, _ := params.Arguments["arguments"].(map[string]any)

		if h.rateLimiter != nil {
			server, _, _ := strings.Cut(name, "__")
			if err := h.rateLimiter.CheckToolScopes(c, server, name); err != nil {
				var reject *ratelimit.RejectError
				if errors.As(err, &reject) {
					return nil, &rpcError{Code: rateLimitExceededCode, Message: err.Error()}
				}
				// Storage unavailable — degrade gracefully rather than fail
				// the call on an infrastructure blip.
			}
		}

		start := time.Now()
		result, err := h.agg.Execute(c, name, args, inboundHeaders(ctx), forwardToken(ctx))

		server, _, _ := strings.Cut(name, "__")
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		if h.metrics != nil {
			h.metrics.ObserveMCPDispatch(server, outcome, time.Since(start))
		}

		if err != nil {
			if de, ok := err.(*aggregator.DispatchError); ok {
				return nil, &rpcError{Code: de.Code, Message: de.Message}
			}
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return result, nil

	default:
		return nil, &rpcError{Code: downstream.InvalidParamsCode, Message: "unknown tool: " + params.Name}
	}
}

func ctx2Context(ctx *fasthttp.RequestCtx) context.Context {
	if c, ok := ctx.UserValue("request_ctx").(context.Context); ok {
		return c
	}
	return context.Background()
}

func inboundHeaders(ctx *fasthttp.RequestCtx) http.Header {
	h := make(http.Header)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		h.Add(string(key), string(value))
	})
	return h
}

// forwardToken returns the token to forward to downstream MCP servers
// configured with auth: forward_incoming_token. When OAuth bearer
// validation ran upstream (internal/httpserver's authMiddleware), the
// already-parsed token is reused; otherwise the raw Authorization header is
// parsed here directly.
func forwardToken(ctx *fasthttp.RequestCtx) string {
	if tok, ok := ctx.UserValue("bearer_token").(string); ok && tok != "" {
		return tok
	}
	auth := string(ctx.Request.Header.Peek("Authorization"))
	return strings.TrimPrefix(auth, "Bearer ")
}

func writeResult(ctx *fasthttp.RequestCtx, id json.RawMessage, result any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, id json.RawMessage, code int, message string) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
	ctx.SetBody(body)
}
