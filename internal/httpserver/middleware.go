package httpserver

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/auth/clientid"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// authMiddleware validates the request's bearer token against the
// configured JWKS (C11). A nil JWKS cache means OAuth is disabled — the
// request passes through unauthenticated and downstream handlers see no
// "claims" user value.
//
// This must sit after CORSHandler in the chain: corsHandler answers OPTIONS
// preflight with 204 before calling next, so a preflight never reaches here.
func (s *Server) authMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.cfg.JWKS == nil {
			next(ctx)
			return
		}

		header := string(ctx.Request.Header.Peek("Authorization"))
		token, err := auth.ParseBearer(header)
		if err != nil {
			apierr.WriteAuthenticationFailed(ctx, s.cfg.OAuthResourceMetadataURL, err.Error())
			return
		}

		set, err := s.cfg.JWKS.Get(ctx)
		if err != nil {
			apierr.WriteAuthenticationFailed(ctx, s.cfg.OAuthResourceMetadataURL, "jwks unavailable")
			return
		}

		claims, err := auth.Validate(token, set, s.cfg.JWTConfig)
		if err != nil {
			apierr.WriteAuthenticationFailed(ctx, s.cfg.OAuthResourceMetadataURL, "invalid token")
			return
		}
		if !auth.CheckScopes(claims, s.cfg.JWTConfig) {
			apierr.WriteAuthenticationFailed(ctx, s.cfg.OAuthResourceMetadataURL, "insufficient scope")
			return
		}

		ctx.SetUserValue("claims", claims)
		ctx.SetUserValue("bearer_token", token)
		next(ctx)
	}
}

// clientIDMiddleware derives the {client_id, group} identity (C12) from the
// validated claims (if any) and request headers, and stashes it for the
// gateway's token rate-limit scope and the MCP handler's per-tool scope.
func (s *Server) clientIDMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !s.cfg.ClientID.Enabled {
			next(ctx)
			return
		}

		var claimsMap map[string]any
		if claims, ok := ctx.UserValue("claims").(*auth.Claims); ok {
			claimsMap = claimsToMap(claims)
		}

		headers := make(map[string]string)
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			headers[string(k)] = string(v)
		})

		identity, err := clientid.Resolve(s.cfg.ClientID, claimsMap, headers)
		if err != nil {
			switch err {
			case clientid.ErrMissingClientID:
				apierr.WriteMissingClientID(ctx)
			case clientid.ErrUnauthorizedGroup:
				apierr.WriteUnauthorizedGroup(ctx)
			default:
				apierr.WriteAuthenticationFailed(ctx, s.cfg.OAuthResourceMetadataURL, err.Error())
			}
			return
		}

		ctx.SetUserValue("client_identity", identity)
		next(ctx)
	}
}

// rateLimitMiddleware enforces the global and per-IP scopes (C10) against
// every route, including health checks, before any body parsing happens.
// Per-server/per-tool and token scopes are enforced deeper in the stack
// (internal/mcp/mcpserver and internal/proxy.Gateway respectively) against
// the same Manager, so this only ever covers the outermost two scopes.
func (s *Server) rateLimitMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.cfg.RateLimiter == nil {
			next(ctx)
			return
		}

		ip := ctx.RemoteIP().String()
		if err := s.cfg.RateLimiter.CheckRequest(ctx, ip); err != nil {
			if reject, ok := rejectError(err); ok {
				apierr.WriteRateLimitReject(ctx, int(reject.RetryAfter.Seconds()), !reject.Permanent)
				return
			}
			// Storage unavailable — degrade gracefully rather than fail every
			// request on an infrastructure blip.
			next(ctx)
			return
		}
		next(ctx)
	}
}

// rejectError unwraps err into a *ratelimit.RejectError, if it is one.
func rejectError(err error) (*ratelimit.RejectError, bool) {
	var reject *ratelimit.RejectError
	if errors.As(err, &reject) {
		return reject, true
	}
	return nil, false
}

// claimsToMap flattens validated JWT claims into the generic claim map
// clientid.Resolve expects, via a JSON round-trip — the simplest way to
// expose both registered and arbitrary custom claims uniformly.
func claimsToMap(claims *auth.Claims) map[string]any {
	data, err := json.Marshal(claims)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
