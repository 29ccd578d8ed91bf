package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// HandleChatCompletions is the exported form of handleChatCompletions, for
// the outer internal/httpserver router that mounts this gateway's routes
// under a configurable base path (e.g. "/llm") alongside the MCP endpoint.
func (g *Gateway) HandleChatCompletions(ctx *fasthttp.RequestCtx) { g.handleChatCompletions(ctx) }

// HandleCompletions is the exported form of handleCompletions.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) { g.handleCompletions(ctx) }

// HandleEmbeddings is the exported form of handleEmbeddings.
func (g *Gateway) HandleEmbeddings(ctx *fasthttp.RequestCtx) { g.handleEmbeddings(ctx) }

// HandleHealth is the exported form of handleHealth.
func (g *Gateway) HandleHealth(ctx *fasthttp.RequestCtx) { g.handleHealth(ctx) }

// HandleReadiness is the exported form of handleReadiness.
func (g *Gateway) HandleReadiness(ctx *fasthttp.RequestCtx) { g.handleReadiness(ctx) }

// HandleModels serves an OpenAI-compatible GET /v1/models listing: every
// actual "provider/model" pair present in the configured allowlists (C7),
// not one synthetic entry per provider — a client can only ever successfully
// request a model that appears here.
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	models := g.ListModels()
	data := make([]map[string]any, 0, len(models))
	for _, id := range models {
		provider, _, _ := splitProviderModel(id)
		data = append(data, map[string]any{
			"id":       id,
			"object":   "model",
			"owned_by": provider,
		})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	g.dispatchEmbeddings(ctx)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
