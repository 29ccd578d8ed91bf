// Package ratelimit implements the rate-limit manager (C10): an ordered
// chain of scope checks (global, per-IP, per-server, per-tool, token) that
// short-circuits on the first rejection, backed by the storage.Storage
// contract (C9).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/ratelimit/storage"
)

// Scope identifies which check in the chain produced a rejection.
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePerIP     Scope = "per_ip"
	ScopePerServer Scope = "per_server"
	ScopePerTool   Scope = "per_tool"
	ScopeToken     Scope = "token"
)

// LimitConfig is a simple request-count limit over a window.
type LimitConfig struct {
	Limit  int
	Window time.Duration
}

// UserLimit is a token-count limit with an optional reply-capacity reserve.
type UserLimit struct {
	Limit  int
	Window time.Duration
	// OutputBuffer, when non-zero, is added to the estimated input tokens
	// before the check, reserving capacity for the model's reply.
	OutputBuffer int
}

// TokenLimits is the 4-level token rate-limit hierarchy: model+group,
// model-default, provider+group, provider-default.
type TokenLimits struct {
	ModelGroup      map[string]map[string]UserLimit
	ModelDefault    map[string]UserLimit
	ProviderGroup   map[string]map[string]UserLimit
	ProviderDefault map[string]UserLimit
}

// Config is the full rate-limit manager configuration.
type Config struct {
	Global   *LimitConfig
	PerIP    *LimitConfig
	// PerServer is keyed by MCP server name.
	PerServer map[string]LimitConfig
	// PerTool is keyed by the composite "server__tool" name.
	PerTool map[string]LimitConfig
	Token   TokenLimits
}

// RequestContext carries the discriminators the manager needs to build
// scope keys for one request.
type RequestContext struct {
	IP string

	IsToolDispatch bool
	Server         string
	Tool           string // composite "server__tool"

	IsLLMChat            bool
	Provider             string
	Model                string
	ClientID             string
	Group                string // empty means "no group" / default bucket
	EstimatedInputTokens int
}

// RejectError is returned by Check when a scope's limit is exceeded.
type RejectError struct {
	Which      Scope
	RetryAfter time.Duration
	// Permanent is true when the request can never succeed (requested
	// tokens exceed the limit itself), so RetryAfter carries no meaning.
	Permanent bool
}

func (e *RejectError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("rate_limit_exceeded: %s (unsatisfiable)", e.Which)
	}
	return fmt.Sprintf("rate_limit_exceeded: %s, retry_after=%s", e.Which, e.RetryAfter)
}

var errNoStorage = errors.New("ratelimit: nil storage")

// Manager resolves and enforces the scope chain and token hierarchy.
type Manager struct {
	storage storage.Storage
	cfg     Config
}

// New constructs a Manager. storage must not be nil.
func New(s storage.Storage, cfg Config) *Manager {
	return &Manager{storage: s, cfg: cfg}
}

// Check runs the scope chain in order, short-circuiting on first rejection:
// global -> per-IP -> per-server -> per-tool -> token.
func (m *Manager) Check(ctx context.Context, rc RequestContext) error {
	if m.storage == nil {
		return errNoStorage
	}

	if m.cfg.Global != nil {
		if err := m.checkCount(ctx, ScopeGlobal, "global", *m.cfg.Global); err != nil {
			return err
		}
	}

	if m.cfg.PerIP != nil && rc.IP != "" {
		key := "ip:" + rc.IP
		if err := m.checkCount(ctx, ScopePerIP, key, *m.cfg.PerIP); err != nil {
			return err
		}
	}

	if rc.IsToolDispatch {
		if lim, ok := m.cfg.PerServer[rc.Server]; ok {
			key := "server:" + rc.Server
			if err := m.checkCount(ctx, ScopePerServer, key, lim); err != nil {
				return err
			}
		}
		if lim, ok := m.cfg.PerTool[rc.Tool]; ok {
			key := "server:" + rc.Server + ":tool:" + rc.Tool
			if err := m.checkCount(ctx, ScopePerTool, key, lim); err != nil {
				return err
			}
		}
	}

	if rc.IsLLMChat {
		if err := m.checkToken(ctx, rc); err != nil {
			return err
		}
	}

	return nil
}

// CheckRequest runs only the global and per-IP scopes. It is meant to be
// called once per inbound HTTP request, from an outer middleware wrapping
// every route — including health checks — so it must not depend on any
// request body having been parsed yet.
func (m *Manager) CheckRequest(ctx context.Context, ip string) error {
	if m.storage == nil {
		return errNoStorage
	}

	if m.cfg.Global != nil {
		if err := m.checkCount(ctx, ScopeGlobal, "global", *m.cfg.Global); err != nil {
			return err
		}
	}

	if m.cfg.PerIP != nil && ip != "" {
		if err := m.checkCount(ctx, ScopePerIP, "ip:"+ip, *m.cfg.PerIP); err != nil {
			return err
		}
	}

	return nil
}

// CheckToolScopes runs only the per-server and per-tool scopes. It is meant
// to be called once per MCP tool dispatch, after CheckRequest has already
// covered global/per-IP for the same request.
func (m *Manager) CheckToolScopes(ctx context.Context, server, tool string) error {
	if m.storage == nil {
		return errNoStorage
	}

	if lim, ok := m.cfg.PerServer[server]; ok {
		if err := m.checkCount(ctx, ScopePerServer, "server:"+server, lim); err != nil {
			return err
		}
	}
	if lim, ok := m.cfg.PerTool[tool]; ok {
		if err := m.checkCount(ctx, ScopePerTool, "server:"+server+":tool:"+tool, lim); err != nil {
			return err
		}
	}

	return nil
}

// CheckTokenScope runs only the token hierarchy. It is meant to be called
// once per LLM chat dispatch, after CheckRequest has already covered
// global/per-IP for the same request.
func (m *Manager) CheckTokenScope(ctx context.Context, provider, model, clientID, group string, estimatedInputTokens int) error {
	if m.storage == nil {
		return errNoStorage
	}
	return m.checkToken(ctx, RequestContext{
		Provider:             provider,
		Model:                model,
		ClientID:             clientID,
		Group:                group,
		EstimatedInputTokens: estimatedInputTokens,
	})
}

func (m *Manager) checkCount(ctx context.Context, scope Scope, key string, lim LimitConfig) error {
	if lim.Limit <= 0 {
		return nil
	}
	res, err := m.storage.CheckAndConsume(ctx, key, lim.Limit, lim.Window)
	if err != nil {
		return fmt.Errorf("ratelimit: %s: %w", scope, err)
	}
	if !res.Allowed {
		return &RejectError{Which: scope, RetryAfter: res.RetryAfter, Permanent: res.Permanent}
	}
	return nil
}

func (m *Manager) checkToken(ctx context.Context, rc RequestContext) error {
	lim, ok := resolveTokenLimit(m.cfg.Token, rc.Provider, rc.Model, rc.Group)
	if !ok {
		return nil
	}

	tokens := rc.EstimatedInputTokens + lim.OutputBuffer
	group := rc.Group
	if group == "" {
		group = "default"
	}
	model := rc.Model
	if model == "" {
		model = "default"
	}
	key := "token:" + rc.ClientID + ":" + group + ":" + rc.Provider + ":" + model

	res, err := m.storage.CheckAndConsumeTokens(ctx, key, tokens, lim.Limit, lim.Window)
	if err != nil {
		return fmt.Errorf("ratelimit: token: %w", err)
	}
	if !res.Allowed {
		return &RejectError{Which: ScopeToken, RetryAfter: res.RetryAfter, Permanent: res.Permanent}
	}
	return nil
}

// resolveTokenLimit walks the 4-level hierarchy: model+group, model-default,
// provider+group, provider-default. First hit wins; no hit means no limit.
func resolveTokenLimit(t TokenLimits, provider, model, group string) (UserLimit, bool) {
	if group != "" {
		if byGroup, ok := t.ModelGroup[model]; ok {
			if lim, ok := byGroup[group]; ok {
				return lim, true
			}
		}
	}
	if lim, ok := t.ModelDefault[model]; ok {
		return lim, true
	}
	if group != "" {
		if byGroup, ok := t.ProviderGroup[provider]; ok {
			if lim, ok := byGroup[group]; ok {
				return lim, true
			}
		}
	}
	if lim, ok := t.ProviderDefault[provider]; ok {
		return lim, true
	}
	return UserLimit{}, false
}
