// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required when CacheMode is "redis" or when rate-limit storage is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook callbacks).
	AppBaseURL string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization headers
	// directly to the upstream provider. When false (default) the gateway only
	// uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool

	// MCP controls the aggregated MCP endpoint. Read from the mcp: block in
	// config.yaml — there is no flat-env-var equivalent since it's a
	// map of named downstream servers.
	MCP MCPConfig

	// LLMBasePath prefixes the OpenAI-compatible LLM routes. Default: "/llm".
	LLMBasePath string

	// ClickHouse enables the durable request-log sink. Empty Addr disables it.
	ClickHouse ClickHouseConfig

	// OAuth controls JWT bearer validation against a remote JWKS (C11).
	// Read from the server.oauth: YAML block (also overridable via
	// SERVER_OAUTH_* env vars, since viper's "." -> "_" replacer applies to
	// any dotted key, not just the flat ones enumerated above).
	OAuth OAuthConfig

	// ClientIdentification controls per-request {client_id, group} derivation
	// (C12). Read from server.client_identification:.
	ClientIdentification ClientIdentificationConfig

	// RateLimits controls the rate-limit manager and its storage backend
	// (C9/C10). Read from server.rate_limits:.
	RateLimits RateLimitsConfig

	// LLM holds the explicit per-provider model allowlist (C7) and token
	// rate-limit hierarchy. Read from the llm: YAML block — like MCP.Servers,
	// this is a map of named entries with no flat-env-var equivalent.
	LLM LLMConfig
}

// OAuthConfig controls JWT bearer auth against a remote JWKS document (C11).
// Enabled is derived from JWKSURL being non-empty — there's no separate
// on/off flag to keep out of sync with it.
type OAuthConfig struct {
	JWKSURL          string
	JWKSTTL          time.Duration
	ExpectedIssuer   string
	ExpectedAudience string
	ScopesSupported  []string

	// Resource/AuthorizationServers populate the
	// /.well-known/oauth-protected-resource document (§6).
	Resource             string
	AuthorizationServers []string
}

// Enabled reports whether JWT bearer validation should run.
func (c OAuthConfig) Enabled() bool { return c.JWKSURL != "" }

// ClientIdentificationConfig controls request identity derivation (C12).
// ClientID/Group are each sourced independently from a JWT claim path or an
// HTTP header.
type ClientIdentificationConfig struct {
	Enabled bool

	ClientIDClaim  string
	ClientIDHeader string
	GroupClaim     string
	GroupHeader    string

	AllowedGroups []string
}

// CountLimitConfig is a simple request-count limit over a window.
type CountLimitConfig struct {
	Limit  int
	Window time.Duration
}

// UserLimitConfig is a token-count limit with an optional reply-capacity
// reserve, added to the estimated input tokens before the check.
type UserLimitConfig struct {
	Limit        int
	Window       time.Duration
	OutputBuffer int
}

// TokenRateLimitConfig is a default + per-group tier of token limits, used at
// both the provider level and the model level (C10's 4-level hierarchy).
type TokenRateLimitConfig struct {
	Default *UserLimitConfig
	Groups  map[string]UserLimitConfig
}

// RateLimitsConfig controls the rate-limit manager's scope chain (C9/C10):
// global and per-IP request-count limits, plus the storage backend that also
// serves per-server/per-tool/token checks wired elsewhere.
type RateLimitsConfig struct {
	Enabled bool

	// StorageBackend selects "memory" or "redis". Default: "memory".
	StorageBackend string
	// KeyPrefix is loaded from server.rate_limits.key_prefix but is not
	// applied: storage keys are used without any prefix.
	KeyPrefix string

	Global *CountLimitConfig
	PerIP  *CountLimitConfig
}

// HeaderRuleConfig mirrors one internal/headerrules.Rule in YAML-friendly
// form: Match is an exact header name; MatchRegex, when set, takes priority
// and is compiled into a regexp at load time.
type HeaderRuleConfig struct {
	Kind       string `mapstructure:"kind"`
	Match      string `mapstructure:"match"`
	MatchRegex string `mapstructure:"match_regex"`
	Rename     string `mapstructure:"rename"`
	Default    string `mapstructure:"default"`
	Name       string `mapstructure:"name"`
	Value      string `mapstructure:"value"`
	DupName    string `mapstructure:"dup_name"`
	DupRename  string `mapstructure:"dup_rename"`
	DupDefault string `mapstructure:"dup_default"`
}

// ModelConfig is one entry of a provider's model allowlist (C7): the
// client-facing name maps to an optional rename, optional rate limits, and
// optional header rules.
type ModelConfig struct {
	Rename     string
	RateLimits *TokenRateLimitConfig
	Headers    []HeaderRuleConfig
}

// LLMProviderConfig declares one llm.providers entry. Each configured
// provider's model table is seeded from the built-in alias catalog
// (providers.ModelAliases and EmbeddingModelAliases); the Models of an entry
// here add models and rename/header overrides on top of that seed. An entry
// does not narrow the table to its listed models: the seeded aliases stay
// accepted. An entry with an empty Models map is rejected at load time.
type LLMProviderConfig struct {
	Type         string
	ForwardToken bool
	RateLimits   *TokenRateLimitConfig
	Models       map[string]ModelConfig
}

// LLMConfig is the llm: YAML block.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig
}

// ToolRateLimitConfig is a per-tool request-count override under an MCP
// server's rate_limit block.
type ToolRateLimitConfig struct {
	Limit    int
	Duration time.Duration
}

// ServerRateLimitConfig is a per-MCP-server request-count limit plus optional
// per-tool overrides, feeding the rate-limit manager's per-server/per-tool
// scopes.
type ServerRateLimitConfig struct {
	Limit    int
	Duration time.Duration
	Tools    map[string]ToolRateLimitConfig
}

// ClickHouseConfig holds connection settings for the optional durable
// request-log sink (internal/logger.ClickHouseSink).
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

// MCPConfig controls the aggregated MCP endpoint (C4) and its downstreams.
type MCPConfig struct {
	// Path is the HTTP path the aggregated MCP endpoint is served on.
	// Default: "/mcp".
	Path string

	// EnableStructuredContent selects the search() tool's response shape.
	// Default: true.
	EnableStructuredContent bool

	// DownstreamCacheMaxSize bounds the forward-auth client cache (C2).
	// <= 0 means unbounded. Default: 0.
	DownstreamCacheMaxSize int

	// DownstreamCacheIdleTimeout evicts idle forward-auth clients from the
	// cache. <= 0 disables idle eviction. Default: 10m.
	DownstreamCacheIdleTimeout time.Duration

	// Servers is the set of downstream MCP servers to aggregate, keyed by
	// name.
	Servers map[string]MCPServerConfig

	// Headers holds header-forwarding rules (C13) applied to every downstream
	// MCP call. There are no per-server header rules.
	Headers []HeaderRuleConfig
}

// MCPServerConfig describes one downstream MCP server.
type MCPServerConfig struct {
	// Transport selects stdio, sse, or streamable_http.
	Transport string

	// HTTP-transport fields (Transport == "sse" or "streamable_http").
	URL         string
	Auth        string // "none", "static_token", or "forward_incoming_token"
	StaticToken string

	// Stdio-transport fields (Transport == "stdio").
	Argv []string
	Env  map[string]string
	Dir  string

	// RateLimit caps tool-call throughput against this server (C9), with
	// optional per-tool overrides.
	RateLimit *ServerRateLimitConfig
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured unless client-supplied
// keys are allowed. REDIS_URL is required when CACHE_MODE=redis or when
// rate-limit storage is redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate-limit manager storage backend default.
	v.SetDefault("server.rate_limits.storage", "memory")
	v.SetDefault("server.oauth.jwks_ttl", "10m")

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// MCP defaults.
	v.SetDefault("LLM_BASE_PATH", "/llm")
	v.SetDefault("mcp.path", "/mcp")
	v.SetDefault("mcp.enable_structured_content", true)
	v.SetDefault("mcp.downstream_cache.idle_timeout", "10m")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),

		LLMBasePath: v.GetString("LLM_BASE_PATH"),

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetStringSlice("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
			Table:    v.GetString("CLICKHOUSE_TABLE"),
		},
	}

	mcpCfg, err := loadMCPConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.MCP = mcpCfg

	cfg.OAuth = loadOAuthConfig(v)
	cfg.ClientIdentification = loadClientIdentificationConfig(v)
	cfg.RateLimits = loadRateLimitsConfig(v)

	llmCfg, err := loadLLMConfig(v)
	if err != nil {
		return nil, err
	}
	cfg.LLM = llmCfg

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOAuthConfig reads the server.oauth: YAML block (C11). Every field is a
// scalar or string slice, so viper's "." -> "_" env replacer already makes
// these overridable via SERVER_OAUTH_* env vars without extra plumbing.
func loadOAuthConfig(v *viper.Viper) OAuthConfig {
	return OAuthConfig{
		JWKSURL:              v.GetString("server.oauth.url"),
		JWKSTTL:              v.GetDuration("server.oauth.jwks_ttl"),
		ExpectedIssuer:       v.GetString("server.oauth.expected_issuer"),
		ExpectedAudience:     v.GetString("server.oauth.expected_audience"),
		ScopesSupported:      v.GetStringSlice("server.oauth.protected_resource.scopes_supported"),
		Resource:             v.GetString("server.oauth.protected_resource.resource"),
		AuthorizationServers: v.GetStringSlice("server.oauth.protected_resource.authorization_servers"),
	}
}

// loadClientIdentificationConfig reads server.client_identification: (C12).
func loadClientIdentificationConfig(v *viper.Viper) ClientIdentificationConfig {
	return ClientIdentificationConfig{
		Enabled:        v.GetBool("server.client_identification.enabled"),
		ClientIDClaim:  v.GetString("server.client_identification.client_id.claim"),
		ClientIDHeader: v.GetString("server.client_identification.client_id.header"),
		GroupClaim:     v.GetString("server.client_identification.group_id.claim"),
		GroupHeader:    v.GetString("server.client_identification.group_id.header"),
		AllowedGroups:  v.GetStringSlice("server.client_identification.allowed_groups"),
	}
}

// loadRateLimitsConfig reads server.rate_limits: (C9/C10).
func loadRateLimitsConfig(v *viper.Viper) RateLimitsConfig {
	rl := RateLimitsConfig{
		Enabled:        v.GetBool("server.rate_limits.enabled"),
		StorageBackend: strings.ToLower(v.GetString("server.rate_limits.storage")),
		KeyPrefix:      v.GetString("server.rate_limits.key_prefix"),
	}
	if v.IsSet("server.rate_limits.global.limit") {
		rl.Global = &CountLimitConfig{
			Limit:  v.GetInt("server.rate_limits.global.limit"),
			Window: v.GetDuration("server.rate_limits.global.duration"),
		}
	}
	if v.IsSet("server.rate_limits.per_ip.limit") {
		rl.PerIP = &CountLimitConfig{
			Limit:  v.GetInt("server.rate_limits.per_ip.limit"),
			Window: v.GetDuration("server.rate_limits.per_ip.duration"),
		}
	}
	return rl
}

// tokenRateLimitYAML mirrors a rate_limits: block shared by llm.providers.*
// and llm.providers.*.models.*.
type tokenRateLimitYAML struct {
	Default *userLimitYAML           `mapstructure:"default"`
	Groups  map[string]userLimitYAML `mapstructure:"groups"`
}

type userLimitYAML struct {
	Limit        int           `mapstructure:"limit"`
	Window       time.Duration `mapstructure:"window"`
	OutputBuffer int           `mapstructure:"output_buffer"`
}

func convertTokenRateLimitYAML(y *tokenRateLimitYAML) *TokenRateLimitConfig {
	if y == nil {
		return nil
	}
	out := &TokenRateLimitConfig{}
	if y.Default != nil {
		out.Default = &UserLimitConfig{Limit: y.Default.Limit, Window: y.Default.Window, OutputBuffer: y.Default.OutputBuffer}
	}
	if len(y.Groups) > 0 {
		out.Groups = make(map[string]UserLimitConfig, len(y.Groups))
		for g, lim := range y.Groups {
			out.Groups[g] = UserLimitConfig{Limit: lim.Limit, Window: lim.Window, OutputBuffer: lim.OutputBuffer}
		}
	}
	return out
}

// llmModelYAML mirrors one entry of llm.providers.*.models.
type llmModelYAML struct {
	Rename     string              `mapstructure:"rename"`
	RateLimits *tokenRateLimitYAML `mapstructure:"rate_limits"`
	Headers    []HeaderRuleConfig  `mapstructure:"headers"`
}

// llmProviderYAML mirrors one entry of llm.providers.
type llmProviderYAML struct {
	Type         string                  `mapstructure:"type"`
	ForwardToken bool                    `mapstructure:"forward_token"`
	RateLimits   *tokenRateLimitYAML     `mapstructure:"rate_limits"`
	Models       map[string]llmModelYAML `mapstructure:"models"`
}

// loadLLMConfig reads the llm: YAML block (C7). Like mcp.servers, this is a
// map of named entries with no flat-env-var mirror.
func loadLLMConfig(v *viper.Viper) (LLMConfig, error) {
	var providers map[string]llmProviderYAML
	if err := v.UnmarshalKey("llm.providers", &providers); err != nil {
		return LLMConfig{}, fmt.Errorf("config: parse llm.providers: %w", err)
	}

	out := LLMConfig{Providers: make(map[string]LLMProviderConfig, len(providers))}
	for name, p := range providers {
		models := make(map[string]ModelConfig, len(p.Models))
		for mname, m := range p.Models {
			models[mname] = ModelConfig{
				Rename:     m.Rename,
				RateLimits: convertTokenRateLimitYAML(m.RateLimits),
				Headers:    m.Headers,
			}
		}
		out.Providers[name] = LLMProviderConfig{
			Type:         p.Type,
			ForwardToken: p.ForwardToken,
			RateLimits:   convertTokenRateLimitYAML(p.RateLimits),
			Models:       models,
		}
	}
	return out, nil
}

// mcpServerYAML mirrors one entry of the mcp.servers YAML map. A separate
// struct (rather than unmarshaling straight into MCPServerConfig) keeps the
// YAML field names snake_case without leaking mapstructure tags onto the
// config type other packages consume.
type mcpServerYAML struct {
	Transport   string            `mapstructure:"transport"`
	URL         string            `mapstructure:"url"`
	Auth        string            `mapstructure:"auth"`
	StaticToken string            `mapstructure:"static_token"`
	Argv        []string          `mapstructure:"argv"`
	Env         map[string]string `mapstructure:"env"`
	Dir         string            `mapstructure:"dir"`
	RateLimit   *mcpRateLimitYAML `mapstructure:"rate_limit"`
}

type mcpToolRateLimitYAML struct {
	Limit    int           `mapstructure:"limit"`
	Duration time.Duration `mapstructure:"duration"`
}

type mcpRateLimitYAML struct {
	Limit    int                             `mapstructure:"limit"`
	Duration time.Duration                   `mapstructure:"duration"`
	Tools    map[string]mcpToolRateLimitYAML `mapstructure:"tools"`
}

// loadMCPConfig reads the mcp: YAML block. It has no flat-env-var mirror —
// a map of named downstream servers doesn't fit the UPPER_SNAKE_CASE scheme
// the rest of this file uses — so it's only configurable via config.yaml.
func loadMCPConfig(v *viper.Viper) (MCPConfig, error) {
	var servers map[string]mcpServerYAML
	if err := v.UnmarshalKey("mcp.servers", &servers); err != nil {
		return MCPConfig{}, fmt.Errorf("config: parse mcp.servers: %w", err)
	}

	var headers []HeaderRuleConfig
	if err := v.UnmarshalKey("mcp.headers", &headers); err != nil {
		return MCPConfig{}, fmt.Errorf("config: parse mcp.headers: %w", err)
	}

	out := MCPConfig{
		Path:                       v.GetString("mcp.path"),
		EnableStructuredContent:    v.GetBool("mcp.enable_structured_content"),
		DownstreamCacheMaxSize:     v.GetInt("mcp.downstream_cache.max_size"),
		DownstreamCacheIdleTimeout: v.GetDuration("mcp.downstream_cache.idle_timeout"),
		Servers:                    make(map[string]MCPServerConfig, len(servers)),
		Headers:                    headers,
	}
	for name, s := range servers {
		sc := MCPServerConfig{
			Transport:   s.Transport,
			URL:         s.URL,
			Auth:        s.Auth,
			StaticToken: s.StaticToken,
			Argv:        s.Argv,
			Env:         s.Env,
			Dir:         s.Dir,
		}
		if s.RateLimit != nil {
			tools := make(map[string]ToolRateLimitConfig, len(s.RateLimit.Tools))
			for tname, t := range s.RateLimit.Tools {
				tools[tname] = ToolRateLimitConfig{Limit: t.Limit, Duration: t.Duration}
			}
			sc.RateLimit = &ServerRateLimitConfig{
				Limit:    s.RateLimit.Limit,
				Duration: s.RateLimit.Duration,
				Tools:    tools,
			}
		}
		out.Servers[name] = sc
	}
	return out, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	for name, s := range c.MCP.Servers {
		switch s.Transport {
		case "stdio":
			if len(s.Argv) == 0 {
				return fmt.Errorf("config: mcp.servers.%s: stdio transport requires a non-empty argv", name)
			}
		case "sse", "streamable_http":
			if s.URL == "" {
				return fmt.Errorf("config: mcp.servers.%s: %s transport requires a url", name, s.Transport)
			}
		default:
			return fmt.Errorf("config: mcp.servers.%s: invalid transport %q; must be one of: stdio, sse, streamable_http", name, s.Transport)
		}
	}

	// Client identification requires both a client-id source and at least one
	// allowed group — otherwise every request would be rejected or every
	// group silently accepted.
	if c.ClientIdentification.Enabled {
		if c.ClientIdentification.ClientIDClaim == "" && c.ClientIdentification.ClientIDHeader == "" {
			return fmt.Errorf("config: server.client_identification.enabled requires client_id.claim or client_id.header")
		}
		if len(c.ClientIdentification.AllowedGroups) == 0 {
			return fmt.Errorf("config: server.client_identification.enabled requires a non-empty allowed_groups")
		}
	}

	if c.RateLimits.Enabled {
		switch c.RateLimits.StorageBackend {
		case "memory", "redis":
		default:
			return fmt.Errorf("config: invalid server.rate_limits.storage %q; must be one of: memory, redis", c.RateLimits.StorageBackend)
		}
		if c.RateLimits.StorageBackend == "redis" && c.Redis.URL == "" {
			return fmt.Errorf("config: server.rate_limits.storage=redis requires REDIS_URL")
		}
	}

	for name, p := range c.LLM.Providers {
		if len(p.Models) == 0 {
			return fmt.Errorf("config: llm.providers.%s: a model allowlist (models:) is required — the gateway never passes through unconfigured models", name)
		}
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
