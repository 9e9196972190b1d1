// Package config handles loading and validation of gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// WAGATEWAY_ prefix:
//
//	server.address → WAGATEWAY_SERVER_ADDRESS
//	rate_limit.per_minute → WAGATEWAY_RATE_LIMIT_PER_MINUTE
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via WAGATEWAY_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/wagateway/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// AuditMode selects how audit records are dispatched to the telemetry sink.
// "async" hands records to a background worker that outlives the response;
// "sync" awaits the sink inline. The fallback is an explicit strategy
// selection, not an accidental code path.
type AuditMode string

const (
	AuditModeAsync AuditMode = "async"
	AuditModeSync  AuditMode = "sync"
)

func (m AuditMode) Valid() bool {
	switch m {
	case AuditModeAsync, AuditModeSync, "":
		return true
	}
	return false
}

// TokenCacheBackend selects where positive token validations are cached.
// "memory" is per-instance; "redis" shares the cache across instances.
type TokenCacheBackend string

const (
	TokenCacheMemory TokenCacheBackend = "memory"
	TokenCacheRedis  TokenCacheBackend = "redis"
)

func (b TokenCacheBackend) Valid() bool {
	switch b {
	case TokenCacheMemory, TokenCacheRedis, "":
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Store     StoreConfig     `yaml:"store"      envPrefix:"STORE_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Audit     AuditConfig     `yaml:"audit"      envPrefix:"AUDIT_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// StoreConfig points at the REST credential store (and its telemetry table).
// The store is queried by exact-match filter and returns a JSON array.
// ServiceKey is the write-privileged credential for audit inserts; when empty
// the audit logger degrades to a silent no-op.
type StoreConfig struct {
	URL           string         `yaml:"url"            env:"URL"`
	AnonKey       RedactedString `yaml:"anon_key"       env:"ANON_KEY"`
	ServiceKey    RedactedString `yaml:"service_key"    env:"SERVICE_KEY"`
	Timeout       string         `yaml:"timeout"        env:"TIMEOUT"`
	InstancesPath string         `yaml:"instances_path" env:"INSTANCES_PATH"`
	AuditPath     string         `yaml:"audit_path"     env:"AUDIT_PATH"`
	CacheTTL      string         `yaml:"cache_ttl"      env:"CACHE_TTL"`

	// CacheBackend selects the token cache backing: "memory" (per-instance)
	// or "redis" (shared across instances).
	CacheBackend TokenCacheBackend `yaml:"cache_backend" env:"CACHE_BACKEND"`
}

// UpstreamConfig defines the two proxied destinations and the URL rewrite
// applied to callback URLs embedded in external-API responses.
type UpstreamConfig struct {
	// ExternalURL is the WhatsApp provider base URL (raw token header class).
	ExternalURL string `yaml:"external_url" env:"EXTERNAL_URL"`
	// FunctionURL is the function backend base URL (bearer + tenant headers class).
	FunctionURL string `yaml:"function_url" env:"FUNCTION_URL"`
	// PublicURL is the gateway's public prefix substituted into rewritten
	// callback URLs, e.g. "https://api.evasend.com.br/whatsapp".
	PublicURL string `yaml:"public_url" env:"PUBLIC_URL"`
	// RewriteHost is the upstream prefix that gets replaced by PublicURL in
	// webhook_url / webhookUrl fields, e.g. "https://sender.uazapi.com".
	RewriteHost string `yaml:"rewrite_host" env:"REWRITE_HOST"`

	Timeout         string `yaml:"timeout"           env:"TIMEOUT"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	// MaxBodySize bounds inbound request bodies in bytes. 0 uses the default (2 MiB).
	MaxBodySize int64 `yaml:"max_body_size" env:"MAX_BODY_SIZE"`
}

// RateLimitConfig holds the fixed-window limiter settings. The same
// per-minute limit is applied independently to the source-address and
// credential dimensions.
type RateLimitConfig struct {
	PerMinute int64  `yaml:"per_minute" env:"PER_MINUTE"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig holds Redis connection and topology settings for the counter
// store (and, optionally, the shared token cache).
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// AuditConfig holds audit logger dispatch settings.
type AuditConfig struct {
	Mode       AuditMode `yaml:"mode"        env:"MODE"`
	BufferSize int       `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// Verbose reports whether debug-level detail (including internal error
// messages in 500 bodies) should be exposed.
func (l LoggingConfig) Verbose() bool { return l.Level == LogLevelDebug }

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Store: StoreConfig{
			Timeout:       "10s",
			InstancesPath: "/rest/v1/whatsapp_instances",
			AuditPath:     "/rest/v1/api_logs",
			CacheTTL:      "5m",
			CacheBackend:  TokenCacheMemory,
		},
		Upstream: UpstreamConfig{
			ExternalURL:     "https://sender.uazapi.com",
			FunctionURL:     "",
			PublicURL:       "https://api.evasend.com.br/whatsapp",
			RewriteHost:     "https://sender.uazapi.com",
			Timeout:         "30s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
			MaxBodySize:     2 << 20, // 2 MiB
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
			KeyPrefix: "wg",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Audit: AuditConfig{
			Mode:       AuditModeAsync,
			BufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "wagateway",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("WAGATEWAY_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/wagateway/config.yaml and
// can be overridden via WAGATEWAY_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "WAGATEWAY_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Async"
// or env values like "MEMORY" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Audit.Mode = AuditMode(strings.ToLower(string(cfg.Audit.Mode)))
	cfg.Store.CacheBackend = TokenCacheBackend(strings.ToLower(string(cfg.Store.CacheBackend)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateAudit(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateStore(cfg *Config) error {
	if cfg.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	normalized, err := normalizeURL(cfg.Store.URL)
	if err != nil {
		return fmt.Errorf("invalid store.url %q: %w", cfg.Store.URL, err)
	}
	cfg.Store.URL = normalized
	if cfg.Store.AnonKey == "" {
		return fmt.Errorf("store.anon_key is required")
	}
	if b := cfg.Store.CacheBackend; !b.Valid() {
		return fmt.Errorf("invalid store.cache_backend %q: must be memory or redis", b)
	}
	return nil
}

func validateUpstream(cfg *Config) error {
	for _, u := range []struct{ name, val string }{
		{"upstream.external_url", cfg.Upstream.ExternalURL},
		{"upstream.function_url", cfg.Upstream.FunctionURL},
		{"upstream.public_url", cfg.Upstream.PublicURL},
		{"upstream.rewrite_host", cfg.Upstream.RewriteHost},
	} {
		if u.val == "" {
			continue // function_url may be unset when only external endpoints are exposed
		}
		parsed, err := url.Parse(u.val)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid %s %q: scheme and host are required", u.name, u.val)
		}
	}
	if cfg.Upstream.ExternalURL == "" {
		return fmt.Errorf("upstream.external_url is required")
	}
	return nil
}

// normalizeURL parses a URL and strips any trailing slash so that path
// concatenation is uniform across the codebase.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}
	return strings.TrimRight(u.String(), "/"), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"store.timeout", cfg.Store.Timeout},
		{"store.cache_ttl", cfg.Store.CacheTTL},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"upstream.idle_conn_timeout", cfg.Upstream.IdleConnTimeout},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be >= 1")
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateAudit(cfg *Config) error {
	if m := cfg.Audit.Mode; !m.Valid() {
		return fmt.Errorf("invalid audit.mode %q: must be async or sync", m)
	}
	if cfg.Audit.BufferSize < 0 {
		return fmt.Errorf("audit.buffer_size must be >= 0")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	return fields
}
