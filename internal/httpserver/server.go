// Package httpserver assembles the gateway's outer HTTP surface: the
// OpenAI-compatible LLM routes (fronted by internal/proxy.Gateway), the
// aggregated MCP endpoint (internal/mcp/mcpserver), and the ambient
// health/readiness/metrics/OAuth-metadata routes, all behind one middleware
// chain. Grounded on the teacher's internal/proxy/router.go — this package
// generalizes that single-surface router into the gateway's full exported
// surface per the external interface contract.
package httpserver

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/auth/clientid"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/mcpserver"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// OAuthMetadata is served verbatim (as JSON) at
// /.well-known/oauth-protected-resource.
type OAuthMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// Config configures the assembled server.
type Config struct {
	// LLMBasePath prefixes the OpenAI-compatible routes. Default "/llm".
	LLMBasePath string
	// MCPPath is the path the aggregated MCP endpoint is served on. Default "/mcp".
	MCPPath string
	// HealthPath overrides the ambient health path. Default "/health".
	HealthPath string
	// CORSOrigins is passed straight through to the shared CORS middleware.
	CORSOrigins []string
	// OAuth is served at /.well-known/oauth-protected-resource when non-nil.
	OAuth *OAuthMetadata
	// OAuthResourceMetadataURL is the absolute URL of the document above,
	// sent in the WWW-Authenticate challenge on a 401 (C11). Empty omits
	// the resource_metadata parameter.
	OAuthResourceMetadataURL string

	// JWKS enables JWT bearer validation (C11) when non-nil.
	JWKS      *auth.JWKSCache
	JWTConfig auth.Config

	// ClientID enables per-request {client_id, group} derivation (C12).
	ClientID clientid.Config

	// RateLimiter enforces the global/per-IP scopes (C10) on every route
	// when non-nil. Per-server/per-tool and token scopes are enforced
	// deeper in the stack against the same Manager instance.
	RateLimiter *ratelimit.Manager
}

// Server is the assembled outer router plus the fasthttp.Server that serves it.
type Server struct {
	cfg  Config
	gw   *proxy.Gateway
	mcp  *mcpserver.Handler
	mgmt *ManagementRoutes
}

// New assembles the outer router. gw and mcp may be nil to omit their
// routes entirely (e.g. an MCP-less deployment).
func New(cfg Config, gw *proxy.Gateway, mcp *mcpserver.Handler, mgmt *ManagementRoutes) *Server {
	if cfg.LLMBasePath == "" {
		cfg.LLMBasePath = "/llm"
	}
	if cfg.MCPPath == "" {
		cfg.MCPPath = "/mcp"
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	return &Server{cfg: cfg, gw: gw, mcp: mcp, mgmt: mgmt}
}

// ListenAndServe builds the route table, wraps it in the standard
// middleware chain, and blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	r := router.New()
	s.registerRoutes(r)

	handler := proxy.ApplyMiddleware(r.Handler,
		proxy.Recovery,
		proxy.RequestID,
		proxy.Timing,
		proxy.CORSHandler(s.cfg.CORSOrigins),
		s.rateLimitMiddleware,
		s.authMiddleware,
		s.clientIDMiddleware,
		proxy.SecurityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// Handler returns the fully-wrapped handler without starting a server —
// for tests that serve it over an in-memory listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()
	s.registerRoutes(r)
	return proxy.ApplyMiddleware(r.Handler,
		proxy.Recovery,
		proxy.RequestID,
		proxy.Timing,
		proxy.CORSHandler(s.cfg.CORSOrigins),
		s.rateLimitMiddleware,
		s.authMiddleware,
		s.clientIDMiddleware,
		proxy.SecurityHeaders,
	)
}

func (s *Server) registerRoutes(r *router.Router) {
	if s.gw != nil {
		base := s.cfg.LLMBasePath
		r.POST(base+"/v1/chat/completions", s.gw.HandleChatCompletions)
		r.POST(base+"/v1/completions", s.gw.HandleCompletions)
		r.POST(base+"/v1/embeddings", s.gw.HandleEmbeddings)
		r.GET(base+"/v1/models", s.gw.HandleModels)
	}

	if s.mcp != nil {
		r.POST(s.cfg.MCPPath, s.mcp.ServeHTTP)
	}

	if s.cfg.OAuth != nil {
		r.GET("/.well-known/oauth-protected-resource", s.handleOAuthMetadata)
	}

	r.GET(s.cfg.HealthPath, s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.mgmt != nil && s.mgmt.Metrics != nil {
		r.GET("/metrics", s.mgmt.Metrics)
	}
}

func (s *Server) handleOAuthMetadata(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, s.cfg.OAuth)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.gw != nil {
		s.gw.HandleHealth(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.gw != nil {
		s.gw.HandleReadiness(ctx)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
