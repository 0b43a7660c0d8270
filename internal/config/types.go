package config

// VirtualKey is an opaque bearer credential presented by clients. It is never
// mutated in place during a request: the policy store is replaced atomically
// (see Store in policy.go) and handlers always read a snapshot.
type VirtualKey struct {
	ID      string `yaml:"id" json:"id"`
	Token   string `yaml:"token" json:"-"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	TenantID  string `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty"`
	ProjectID string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	UserID    string `yaml:"user_id,omitempty" json:"user_id,omitempty"`

	Limits Limits `yaml:"limits" json:"limits"`
	Budget Budget `yaml:"budget" json:"budget"`

	Cache       CacheOverride    `yaml:"cache" json:"cache"`
	Guardrails  GuardrailsConfig `yaml:"guardrails" json:"guardrails"`
	Passthrough Passthrough      `yaml:"passthrough" json:"passthrough"`

	// Route, if set, names a Backend directly, bypassing router rules.
	Route string `yaml:"route,omitempty" json:"route,omitempty"`
}

// Limits holds per-key RPM/TPM caps. Zero/nil means "no limit".
type Limits struct {
	RPM *int `yaml:"rpm,omitempty" json:"rpm,omitempty"`
	TPM *int `yaml:"tpm,omitempty" json:"tpm,omitempty"`
}

// Budget holds a key's own token/USD-micros ceiling. Shared budgets
// (project/user/tenant) are expressed the same way but keyed by scope
// elsewhere (see internal/ledger.Scope).
type Budget struct {
	TotalTokens    *uint64 `yaml:"total_tokens,omitempty" json:"total_tokens,omitempty"`
	TotalUSDMicros *uint64 `yaml:"total_usd_micros,omitempty" json:"total_usd_micros,omitempty"`
}

// CacheOverride controls per-key proxy-cache participation.
type CacheOverride struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	TTLSeconds *int `yaml:"ttl_seconds,omitempty" json:"ttl_seconds,omitempty"`
}

// GuardrailsConfig is the per-key (or per-router-rule override) guardrail
// policy evaluated by internal/guardrails.
type GuardrailsConfig struct {
	BannedPhrases   []string `yaml:"banned_phrases,omitempty" json:"banned_phrases,omitempty"`
	BannedRegexes   []string `yaml:"banned_regexes,omitempty" json:"banned_regexes,omitempty"`
	BlockPII        bool     `yaml:"block_pii" json:"block_pii"`
	ValidateSchema  bool     `yaml:"validate_schema" json:"validate_schema"`
	MaxInputTokens  *uint32  `yaml:"max_input_tokens,omitempty" json:"max_input_tokens,omitempty"`
	AllowModels     []string `yaml:"allow_models,omitempty" json:"allow_models,omitempty"`
	DenyModels      []string `yaml:"deny_models,omitempty" json:"deny_models,omitempty"`
	CELExpressions  []string `yaml:"cel_expressions,omitempty" json:"cel_expressions,omitempty"`
}

// Passthrough controls whether a client's own upstream Authorization header
// is allowed to flow through instead of the backend's configured credential.
type Passthrough struct {
	AllowUpstreamAuth bool `yaml:"allow_upstream_auth" json:"allow_upstream_auth"`
}

// Backend is an upstream endpoint descriptor.
type Backend struct {
	Name           string            `yaml:"name" json:"name"`
	BaseURL        string            `yaml:"base_url" json:"base_url"`
	MaxInFlight    int               `yaml:"max_in_flight,omitempty" json:"max_in_flight,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"-"`
	QueryParams    map[string]string `yaml:"query_params,omitempty" json:"-"`
	ModelMap       map[string]string `yaml:"model_map,omitempty" json:"model_map,omitempty"`

	// Provider names a typed LanguageModel/EmbeddingModel implementation
	// (e.g. "openai", "anthropic", "gemini") for translation backends;
	// empty means a plain HTTP proxy backend.
	Provider       string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	ProviderConfig map[string]string `yaml:"provider_config,omitempty" json:"-"`

	HealthCheck *HealthCheckConfig `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Retry       RetryConfig        `yaml:"retry" json:"retry"`

	// Auth, when set, names one of the §6 provider-side authentication
	// strategies resolved at dispatch time by internal/authsource, in
	// addition to (and applied after) the static Headers/QueryParams above.
	Auth *AuthStrategy `yaml:"auth,omitempty" json:"-"`

	CircuitBreaker struct {
		FailureThreshold int `yaml:"failure_threshold,omitempty" json:"failure_threshold,omitempty"`
		CooldownSeconds  int `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty"`
	} `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// AuthStrategy is the union of spec §6's provider-side authentication
// strategies. Exactly one non-empty leg should be populated; Kind is
// derived (not stored) by internal/authsource from which legs are set so
// the YAML stays a flat, self-describing document rather than a tagged
// union the operator has to get a discriminator string right for.
type AuthStrategy struct {
	// APIKeyEnv reads the first non-empty of these env vars and sends it
	// as an Authorization: Bearer header (the default bearer-token shape).
	APIKeyEnv []string `yaml:"api_key_env,omitempty" json:"-"`

	// Command runs a shell command and parses its stdout as a credential
	// (spec §9 "bounded process lifetime"). Applied the same way APIKeyEnv
	// is unless HTTPHeader/QueryParam below redirect it.
	Command []string `yaml:"command,omitempty" json:"-"`

	// HTTPHeader/HTTPHeaderCommand send the resolved credential (from
	// HTTPHeaderEnv or Command, respectively) under a custom header name
	// with an optional prefix (e.g. header "x-api-key", no prefix; or
	// header "authorization", prefix "Bearer ").
	HTTPHeaderEnv     []string `yaml:"http_header_env,omitempty" json:"-"`
	HTTPHeaderCommand []string `yaml:"http_header_command,omitempty" json:"-"`
	Header            string   `yaml:"header,omitempty" json:"header,omitempty"`
	Prefix            string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// QueryParamEnv/QueryParamCommand send the resolved credential as a
	// query parameter named QueryParam instead of a header.
	QueryParamEnv     []string `yaml:"query_param_env,omitempty" json:"-"`
	QueryParamCommand []string `yaml:"query_param_command,omitempty" json:"-"`
	QueryParam        string   `yaml:"query_param,omitempty" json:"query_param,omitempty"`

	// SigV4 signs the outbound request with AWS Signature Version 4.
	SigV4 *SigV4Strategy `yaml:"sigv4,omitempty" json:"-"`

	// OAuthClientCredentials fetches (and caches/refreshes) a bearer token
	// via the OAuth2 client-credentials grant.
	OAuthClientCredentials *OAuthClientCredentialsStrategy `yaml:"oauth_client_credentials,omitempty" json:"-"`
}

// SigV4Strategy configures request signing for AWS-fronted backends
// (Bedrock and any other SigV4-protected endpoint).
type SigV4Strategy struct {
	AccessKeyEnv    []string `yaml:"access_keys,omitempty" json:"-"`
	SecretKeyEnv    []string `yaml:"secret_keys,omitempty" json:"-"`
	SessionTokenEnv []string `yaml:"session_token_keys,omitempty" json:"-"`
	Region          string   `yaml:"region" json:"region"`
	Service         string   `yaml:"service" json:"service"`
}

// OAuthClientCredentialsStrategy configures the OAuth2 client-credentials
// grant. ClientID/ClientSecret may each be given literally or sourced from
// an env var list (*Keys takes precedence when both are set).
type OAuthClientCredentialsStrategy struct {
	TokenURL         string            `yaml:"token_url" json:"token_url"`
	ClientID         string            `yaml:"client_id,omitempty" json:"-"`
	ClientIDKeys     []string          `yaml:"client_id_keys,omitempty" json:"-"`
	ClientSecret     string            `yaml:"client_secret,omitempty" json:"-"`
	ClientSecretKeys []string          `yaml:"client_secret_keys,omitempty" json:"-"`
	Scope            string            `yaml:"scope,omitempty" json:"scope,omitempty"`
	Audience         string            `yaml:"audience,omitempty" json:"audience,omitempty"`
	ExtraParams      map[string]string `yaml:"extra_params,omitempty" json:"-"`
}

// HealthCheckConfig configures C9's optional active health-check loop.
type HealthCheckConfig struct {
	Path            string `yaml:"path" json:"path"`
	IntervalSeconds int    `yaml:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// RetryConfig controls C9 proxy-backend retry-on-next-backend behavior.
type RetryConfig struct {
	Enabled          bool  `yaml:"enabled" json:"enabled"`
	MaxAttempts      int   `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	RetryStatusCodes []int `yaml:"retry_status_codes,omitempty" json:"retry_status_codes,omitempty"`
}

// WeightedBackend names one member of a weighted router target set.
type WeightedBackend struct {
	Backend string `yaml:"backend" json:"backend"`
	Weight  int    `yaml:"weight" json:"weight"`
}

// RouterRule is one ordered match rule. Either Backend or Backends is set,
// never both.
type RouterRule struct {
	ModelPrefix string            `yaml:"model_prefix,omitempty" json:"model_prefix,omitempty"`
	ModelExact  string            `yaml:"model_exact,omitempty" json:"model_exact,omitempty"`
	Guardrails  *GuardrailsConfig `yaml:"guardrails,omitempty" json:"guardrails,omitempty"`

	Backend  string            `yaml:"backend,omitempty" json:"backend,omitempty"`
	Backends []WeightedBackend `yaml:"backends,omitempty" json:"backends,omitempty"`
}

// RouterConfig is the ordered set of match rules plus a default fallback set.
type RouterConfig struct {
	Rules   []RouterRule      `yaml:"rules" json:"rules"`
	Default []WeightedBackend `yaml:"default" json:"default"`
}

// Policy is the full policy document: virtual keys, backends, router config
// and pricing, loaded separately from the ambient process Config via
// LoadPolicy (see policy.go) so it can be hot-reloaded independently.
type Policy struct {
	VirtualKeys []VirtualKey `yaml:"virtual_keys"`
	Backends    []Backend    `yaml:"backends"`
	Router      RouterConfig `yaml:"router"`
	Pricing     []PriceEntry `yaml:"pricing"`

	// ProjectBudgets/UserBudgets/TenantBudgets hold the shared ceiling for
	// each non-key scope a virtual key may belong to (spec §8 scenario 3,
	// "keys vk-1 and vk-2 share project_id=p1 with
	// project_budget.total_tokens"); keyed by the scope's id.
	ProjectBudgets map[string]Budget `yaml:"project_budgets,omitempty" json:"project_budgets,omitempty"`
	UserBudgets    map[string]Budget `yaml:"user_budgets,omitempty" json:"user_budgets,omitempty"`
	TenantBudgets  map[string]Budget `yaml:"tenant_budgets,omitempty" json:"tenant_budgets,omitempty"`
}

// PriceEntry is one LiteLLM-style pricing row, consumed by internal/pricing.
type PriceEntry struct {
	Model                string             `yaml:"model" json:"model"`
	InputPerToken        float64            `yaml:"input_cost_per_token" json:"input_cost_per_token"`
	OutputPerToken       float64            `yaml:"output_cost_per_token" json:"output_cost_per_token"`
	CacheReadPerToken    *float64           `yaml:"cache_read_input_token_cost,omitempty" json:"cache_read_input_token_cost,omitempty"`
	CacheCreationPerToken *float64          `yaml:"cache_creation_input_token_cost,omitempty" json:"cache_creation_input_token_cost,omitempty"`
	Tiers                map[string]float64 `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}
