package app

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nulpointcorp/llm-gateway/internal/auth"
	"github.com/nulpointcorp/llm-gateway/internal/auth/clientid"
	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/headerrules"
	"github.com/nulpointcorp/llm-gateway/internal/httpserver"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/aggregator"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/downstream"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/mcpserver"
	"github.com/nulpointcorp/llm-gateway/internal/mcp/registry"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/providers/modelmanager"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	ratelimitstorage "github.com/nulpointcorp/llm-gateway/internal/ratelimit/storage"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the LLM provider map and fails when no provider was
// built. Config validation lets a configuration with no provider key through
// when client-supplied keys are allowed; this step still rejects it.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var loggerOpts []logger.Option
	if len(a.cfg.ClickHouse.Addr) > 0 {
		sink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		})
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		loggerOpts = append(loggerOpts, logger.WithClickHouseSink(sink))
		a.log.Info("request logger: clickhouse sink enabled")
	}

	reqLogger, err := logger.New(ctx, a.log, loggerOpts...)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting (C9/C10): one Manager shared by the gateway's token
	// scope, the MCP handler's per-server/per-tool scope, and the HTTP
	// server's global/per-IP scope.
	if mgr, err := a.buildRateLimitManager(); err != nil {
		return fmt.Errorf("rate limits: %w", err)
	} else if mgr != nil {
		a.rlMgr = mgr
		gw.SetRateLimiter(mgr)
		a.log.Info("rate limiting enabled", slog.String("storage_backend", a.cfg.RateLimits.StorageBackend))
	}

	// Per-provider model allowlists (C7). A provider absent here — or with an
	// empty table — accepts no models: there is no implicit passthrough.
	mm, err := buildModelManagers(a.provs, a.cfg)
	if err != nil {
		return fmt.Errorf("model managers: %w", err)
	}
	gw.SetModelManagers(mm)

	// Async request logger — batches to slog, and to ClickHouse when
	// CLICKHOUSE_ADDR is configured (see initServices).
	if a.reqLogger != nil {
		gw.SetLogger(a.reqLogger)
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// initMCP connects every configured downstream MCP server (skipping, and
// logging, any that fail to dial at startup — the gateway still serves the
// healthy subset) and builds the aggregator fronting them.
func (a *App) initMCP(ctx context.Context) error {
	if len(a.cfg.MCP.Servers) == 0 {
		a.log.Info("mcp: no downstream servers configured, aggregated endpoint disabled")
		return nil
	}

	descriptors := make([]downstream.Descriptor, 0, len(a.cfg.MCP.Servers))
	for name, s := range a.cfg.MCP.Servers {
		d := downstream.Descriptor{Name: name}
		switch s.Transport {
		case "stdio":
			d.Stdio = &downstream.StdioDescriptor{Argv: s.Argv, Env: s.Env, Dir: s.Dir}
		case "sse", "streamable_http":
			proto := downstream.TransportStreamableHTTP
			if s.Transport == "sse" {
				proto = downstream.TransportSSE
			}
			d.HTTP = &downstream.HTTPDescriptor{
				URL:         s.URL,
				Protocol:    proto,
				Auth:        mcpAuthKind(s.Auth),
				StaticToken: s.StaticToken,
			}
		}
		descriptors = append(descriptors, d)
	}

	reg, failures := registry.New(ctx, descriptors,
		a.cfg.MCP.DownstreamCacheMaxSize, a.cfg.MCP.DownstreamCacheIdleTimeout)
	for _, f := range failures {
		a.log.Error("mcp: downstream failed to connect, skipping",
			slog.String("server", f.Name), slog.String("error", f.Err.Error()))
	}
	a.mcpRegistry = reg

	headerRules, err := buildHeaderRules(a.cfg.MCP.Headers)
	if err != nil {
		return fmt.Errorf("mcp.headers: %w", err)
	}

	agg, err := aggregator.Build(ctx, reg, aggregator.Config{
		EnableStructuredContent: a.cfg.MCP.EnableStructuredContent,
		HeaderRules:             headerRules,
	})
	if err != nil {
		return fmt.Errorf("build aggregator: %w", err)
	}
	a.mcpAgg = agg
	a.mcpHandler = mcpserver.New(agg, a.prom)

	// Per-server/per-tool rate-limit scope (C9/C10), sharing the Manager
	// instance initGateway built for the token scope.
	if a.rlMgr != nil {
		a.mcpHandler.SetRateLimiter(a.rlMgr)
	}

	a.log.Info("mcp aggregator ready", slog.Any("servers", reg.Names()))
	return nil
}

func mcpAuthKind(auth string) downstream.AuthKind {
	switch auth {
	case "static_token":
		return downstream.AuthStaticToken
	case "forward_incoming_token":
		return downstream.AuthForwardIncoming
	default:
		return downstream.AuthNone
	}
}

// initHTTPServer assembles the outer router: the LLM gateway routes, the
// optional aggregated MCP endpoint, and the ambient health/readiness/
// metrics/OAuth-metadata routes, all behind one middleware chain.
func (a *App) initHTTPServer(_ context.Context) error {
	var oauth *httpserver.OAuthMetadata
	var resourceMetadataURL string
	if a.cfg.AppBaseURL != "" {
		resourceMetadataURL = a.cfg.AppBaseURL + "/.well-known/oauth-protected-resource"
	}
	if a.cfg.OAuth.Enabled() || a.cfg.AppBaseURL != "" {
		resource := a.cfg.OAuth.Resource
		if resource == "" {
			resource = a.cfg.AppBaseURL
		}
		oauth = &httpserver.OAuthMetadata{
			Resource:             resource,
			AuthorizationServers: a.cfg.OAuth.AuthorizationServers,
			ScopesSupported:      a.cfg.OAuth.ScopesSupported,
		}
	}

	var jwks *auth.JWKSCache
	if a.cfg.OAuth.Enabled() {
		jwks = auth.NewJWKSCache(a.cfg.OAuth.JWKSURL, a.cfg.OAuth.JWKSTTL)
		a.log.Info("oauth bearer validation enabled", slog.String("jwks_url", a.cfg.OAuth.JWKSURL))
	}

	a.httpSrv = httpserver.New(httpserver.Config{
		LLMBasePath:              a.cfg.LLMBasePath,
		MCPPath:                  a.cfg.MCP.Path,
		CORSOrigins:              a.cfg.CORSOrigins,
		OAuth:                    oauth,
		OAuthResourceMetadataURL: resourceMetadataURL,
		JWKS:                     jwks,
		JWTConfig: auth.Config{
			ExpectedIssuer:   a.cfg.OAuth.ExpectedIssuer,
			ExpectedAudience: a.cfg.OAuth.ExpectedAudience,
			ScopesSupported:  a.cfg.OAuth.ScopesSupported,
		},
		ClientID: clientid.Config{
			Enabled: a.cfg.ClientIdentification.Enabled,
			ClientID: clientid.Source{
				ClaimPath: a.cfg.ClientIdentification.ClientIDClaim,
				Header:    a.cfg.ClientIdentification.ClientIDHeader,
			},
			Group: clientid.Source{
				ClaimPath: a.cfg.ClientIdentification.GroupClaim,
				Header:    a.cfg.ClientIdentification.GroupHeader,
			},
			AllowedGroups: a.cfg.ClientIdentification.AllowedGroups,
		},
		RateLimiter: a.rlMgr,
	}, a.gw, a.mcpHandler, &httpserver.ManagementRoutes{Metrics: a.mgmt.Metrics})

	return nil
}

// buildRateLimitManager assembles the scope chain and token hierarchy from
// config (C9/C10). Returns a nil Manager — not an error — when rate limiting
// is disabled.
func (a *App) buildRateLimitManager() (*ratelimit.Manager, error) {
	if !a.cfg.RateLimits.Enabled {
		return nil, nil
	}

	var backend ratelimitstorage.Storage
	switch a.cfg.RateLimits.StorageBackend {
	case "redis":
		if a.rdb == nil {
			return nil, fmt.Errorf("storage_backend=redis requires cache.mode=redis (no redis connection)")
		}
		backend = ratelimitstorage.NewRedis(a.rdb)
	default:
		backend = ratelimitstorage.NewMemory()
	}

	cfg := ratelimit.Config{
		PerServer: make(map[string]ratelimit.LimitConfig),
		PerTool:   make(map[string]ratelimit.LimitConfig),
		Token: ratelimit.TokenLimits{
			ModelGroup:      make(map[string]map[string]ratelimit.UserLimit),
			ModelDefault:    make(map[string]ratelimit.UserLimit),
			ProviderGroup:   make(map[string]map[string]ratelimit.UserLimit),
			ProviderDefault: make(map[string]ratelimit.UserLimit),
		},
	}
	if g := a.cfg.RateLimits.Global; g != nil {
		cfg.Global = &ratelimit.LimitConfig{Limit: g.Limit, Window: g.Window}
	}
	if ip := a.cfg.RateLimits.PerIP; ip != nil {
		cfg.PerIP = &ratelimit.LimitConfig{Limit: ip.Limit, Window: ip.Window}
	}

	for name, sc := range a.cfg.MCP.Servers {
		if sc.RateLimit == nil {
			continue
		}
		cfg.PerServer[name] = ratelimit.LimitConfig{Limit: sc.RateLimit.Limit, Window: sc.RateLimit.Duration}
		for tool, tc := range sc.RateLimit.Tools {
			cfg.PerTool[name+"__"+tool] = ratelimit.LimitConfig{Limit: tc.Limit, Window: tc.Duration}
		}
	}

	for provider, pc := range a.cfg.LLM.Providers {
		mergeTokenLimits(&cfg.Token, provider, "", pc.RateLimits)
		for model, mc := range pc.Models {
			mergeTokenLimits(&cfg.Token, provider, model, mc.RateLimits)
		}
	}

	return ratelimit.New(backend, cfg), nil
}

// mergeTokenLimits folds one config.TokenRateLimitConfig into the 4-level
// hierarchy at either the provider level (model == "") or the model level.
func mergeTokenLimits(t *ratelimit.TokenLimits, provider, model string, trl *config.TokenRateLimitConfig) {
	if trl == nil {
		return
	}

	defaults, groups := t.ProviderDefault, t.ProviderGroup
	key := provider
	if model != "" {
		defaults, groups = t.ModelDefault, t.ModelGroup
		key = model
	}

	if trl.Default != nil {
		defaults[key] = toUserLimit(*trl.Default)
	}
	if len(trl.Groups) > 0 {
		g, ok := groups[key]
		if !ok {
			g = make(map[string]ratelimit.UserLimit, len(trl.Groups))
			groups[key] = g
		}
		for group, lim := range trl.Groups {
			g[group] = toUserLimit(lim)
		}
	}
}

func toUserLimit(u config.UserLimitConfig) ratelimit.UserLimit {
	return ratelimit.UserLimit{Limit: u.Limit, Window: u.Window, OutputBuffer: u.OutputBuffer}
}

// buildModelManagers assembles one modelmanager.Manager per configured
// provider (C7). The table is seeded from providers.ModelAliases and
// EmbeddingModelAliases (every well-known model this gateway ships support
// for), then llm.providers.*.models entries layer rename/header overrides on
// top and can introduce additional models an alias table doesn't know about.
// A provider with no matching entries ends up with an empty table — every
// model for it resolves to model_not_found, never an implicit passthrough.
func buildModelManagers(provs map[string]providers.Provider, cfg *config.Config) (map[string]*modelmanager.Manager, error) {
	tables := make(map[string]modelmanager.Table, len(provs))
	for name := range provs {
		tables[name] = modelmanager.Table{}
	}

	seed := func(aliases map[string]string) {
		for model, provider := range aliases {
			t, ok := tables[provider]
			if !ok {
				continue
			}
			t[model] = modelmanager.ModelEntry{}
		}
	}
	seed(providers.ModelAliases)
	seed(providers.EmbeddingModelAliases)

	for provider, pc := range cfg.LLM.Providers {
		t, ok := tables[provider]
		if !ok {
			continue
		}
		for model, mc := range pc.Models {
			rules, err := buildHeaderRules(mc.Headers)
			if err != nil {
				return nil, fmt.Errorf("llm.providers.%s.models.%s.headers: %w", provider, model, err)
			}
			t[model] = modelmanager.ModelEntry{Rename: mc.Rename, HeaderRules: rules}
		}
	}

	out := make(map[string]*modelmanager.Manager, len(tables))
	for name, t := range tables {
		out[name] = modelmanager.New(t)
	}
	return out, nil
}

// buildHeaderRules converts config.HeaderRuleConfig entries into
// headerrules.Rule, compiling match_regex where present.
func buildHeaderRules(cfgs []config.HeaderRuleConfig) ([]headerrules.Rule, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}

	rules := make([]headerrules.Rule, 0, len(cfgs))
	for _, c := range cfgs {
		var kind headerrules.Kind
		switch c.Kind {
		case "forward":
			kind = headerrules.Forward
		case "insert":
			kind = headerrules.Insert
		case "remove":
			kind = headerrules.Remove
		case "rename_duplicate":
			kind = headerrules.RenameDuplicate
		default:
			return nil, fmt.Errorf("unknown header rule kind %q", c.Kind)
		}

		match := headerrules.NameOrPattern{Name: c.Match}
		if c.MatchRegex != "" {
			re, err := regexp.Compile(c.MatchRegex)
			if err != nil {
				return nil, fmt.Errorf("match_regex %q: %w", c.MatchRegex, err)
			}
			match = headerrules.NameOrPattern{Pattern: re}
		}

		rules = append(rules, headerrules.Rule{
			Kind:       kind,
			Match:      match,
			Rename:     c.Rename,
			Default:    c.Default,
			Name:       c.Name,
			Value:      c.Value,
			DupName:    c.DupName,
			DupRename:  c.DupRename,
			DupDefault: c.DupDefault,
		})
	}
	return rules, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
