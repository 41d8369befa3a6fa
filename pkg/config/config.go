package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the agent
type Config struct {
	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// JWT configuration
	JWT JWTConfig `mapstructure:"jwt"`

	// Ledger configuration
	Ledger LedgerConfig `mapstructure:"ledger"`

	// Access grant policy
	Access AccessConfig `mapstructure:"access"`

	// Record registry limits
	Registry RegistryConfig `mapstructure:"registry"`

	// Audit query configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Content store configuration
	ContentStore ContentStoreConfig `mapstructure:"content_store"`

	// Database configuration, used by the postgres content store
	Database DatabaseConfig `mapstructure:"database"`

	// Read cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Key custody configuration
	Keys KeysConfig `mapstructure:"keys"`

	// Retry policy for content store calls
	Retry RetryConfig `mapstructure:"retry"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level"`

	// Monitoring configuration
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	// RateLimit is the number of requests one principal may make per
	// RatePeriodSeconds. Zero disables limiting.
	RateLimit         int      `mapstructure:"rate_limit"`
	RatePeriodSeconds int      `mapstructure:"rate_period_seconds"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

// RatePeriod returns the rate limit window
func (s ServerConfig) RatePeriod() time.Duration {
	return time.Duration(s.RatePeriodSeconds) * time.Second
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey      string `mapstructure:"secret_key"`
	AccessTokenTTL int    `mapstructure:"access_token_ttl"`
	Issuer         string `mapstructure:"issuer"`
}

// LedgerConfig configures the embedded development ledger and the client
// that talks to it.
type LedgerConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	InMemory        bool   `mapstructure:"in_memory"`
	BatchSize       int    `mapstructure:"batch_size"`
	BatchTimeoutMs  int    `mapstructure:"batch_timeout_ms"`
	SubmitTimeoutMs int    `mapstructure:"submit_timeout_ms"`
	MaxResubmits    int    `mapstructure:"max_resubmits"`
}

// BatchTimeout returns the block cut timeout
func (l LedgerConfig) BatchTimeout() time.Duration {
	return time.Duration(l.BatchTimeoutMs) * time.Millisecond
}

// SubmitTimeout returns how long a client waits for one confirmation
func (l LedgerConfig) SubmitTimeout() time.Duration {
	return time.Duration(l.SubmitTimeoutMs) * time.Millisecond
}

// Duration policies
const (
	DurationPolicyEnumerated = "enumerated"
	DurationPolicyBounded    = "bounded"
)

// AccessConfig holds the grant duration policy
type AccessConfig struct {
	DurationPolicy      string `mapstructure:"duration_policy"`
	AllowedDurationDays []int  `mapstructure:"allowed_duration_days"`
	MaxDurationDays     int    `mapstructure:"max_duration_days"`
}

// RegistryConfig holds record registry limits
type RegistryConfig struct {
	MaxMetadataBytes int `mapstructure:"max_metadata_bytes"`
}

// AuditConfig holds audit query configuration
type AuditConfig struct {
	PageSize int `mapstructure:"page_size"`
}

// Content store backends
const (
	StoreBackendMemory   = "memory"
	StoreBackendIPFS     = "ipfs"
	StoreBackendS3       = "s3"
	StoreBackendPostgres = "postgres"
)

// ContentStoreConfig holds content store configuration
type ContentStoreConfig struct {
	Backend           string `mapstructure:"backend"`
	IPFSAPIURL        string `mapstructure:"ipfs_api_url"`
	IPFSGateway       string `mapstructure:"ipfs_gateway"`
	IPFSProjectID     string `mapstructure:"ipfs_project_id"`
	IPFSProjectSecret string `mapstructure:"ipfs_project_secret"`
	S3Bucket          string `mapstructure:"s3_bucket"`
	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	RequestTimeoutMs  int    `mapstructure:"request_timeout_ms"`
}

// RequestTimeout returns the per-request timeout for remote stores
func (c ContentStoreConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// Cache backends
const (
	CacheBackendNone   = "none"
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// CacheConfig holds read cache configuration
type CacheConfig struct {
	Backend    string `mapstructure:"backend"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// TTL returns the cache entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Key providers
const (
	KeyProviderStatic = "static"
	KeyProviderVault  = "vault"
)

// KeysConfig holds key custody configuration
type KeysConfig struct {
	Provider   string `mapstructure:"provider"`
	VaultMount string `mapstructure:"vault_mount"`

	// StaticSecrets maps principal address to a passphrase. Development only.
	StaticSecrets map[string]string `mapstructure:"static_secrets"`
}

// RetryConfig holds the bounded retry policy
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	InitialIntervalMs int `mapstructure:"initial_interval_ms"`
	MaxIntervalMs     int `mapstructure:"max_interval_ms"`
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MetricsPath    string  `mapstructure:"metrics_path"`
	HealthPath     string  `mapstructure:"health_path"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Load loads configuration from a .env file, environment variables and config files
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/healthchain")

	return load(v)
}

// LoadFile loads configuration from an explicit file path
func LoadFile(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Override with environment variables
	overrideWithEnv(&config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.idle_timeout", 120)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.rate_period_seconds", 60)
	v.SetDefault("server.allowed_origins", []string{})

	// JWT defaults
	v.SetDefault("jwt.access_token_ttl", 3600) // 1 hour
	v.SetDefault("jwt.issuer", "healthchain-agent")

	// Ledger defaults
	v.SetDefault("ledger.data_dir", "./data/ledger")
	v.SetDefault("ledger.in_memory", false)
	v.SetDefault("ledger.batch_size", 10)
	v.SetDefault("ledger.batch_timeout_ms", 200)
	v.SetDefault("ledger.submit_timeout_ms", 30000)
	v.SetDefault("ledger.max_resubmits", 3)

	// Access defaults
	v.SetDefault("access.duration_policy", DurationPolicyEnumerated)
	v.SetDefault("access.allowed_duration_days", []int{1, 7, 14, 30})
	v.SetDefault("access.max_duration_days", 30)

	v.SetDefault("registry.max_metadata_bytes", 4096)
	v.SetDefault("audit.page_size", 50)

	// Content store defaults
	v.SetDefault("content_store.backend", StoreBackendMemory)
	v.SetDefault("content_store.ipfs_api_url", "http://127.0.0.1:5001")
	v.SetDefault("content_store.ipfs_gateway", "https://ipfs.io/ipfs/")
	v.SetDefault("content_store.s3_region", "us-east-1")
	v.SetDefault("content_store.request_timeout_ms", 15000)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "healthchain")
	v.SetDefault("database.user", "healthchain")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	// Cache defaults
	v.SetDefault("cache.backend", CacheBackendMemory)
	v.SetDefault("cache.ttl_seconds", 30)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.pool_size", 10)

	// Keys defaults
	v.SetDefault("keys.provider", KeyProviderStatic)
	v.SetDefault("keys.vault_mount", "secret")

	// Retry defaults
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_interval_ms", 200)
	v.SetDefault("retry.max_interval_ms", 5000)

	// Monitoring defaults
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
	v.SetDefault("monitoring.health_path", "/health")
	v.SetDefault("monitoring.tracing_enabled", false)
	v.SetDefault("monitoring.sampling_rate", 0.1)
	v.SetDefault("monitoring.environment", "development")

	// Logging defaults
	v.SetDefault("log_level", "info")
}

// overrideWithEnv overrides configuration with environment variables
func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if jwtSecret := os.Getenv("JWT_SECRET_KEY"); jwtSecret != "" {
		config.JWT.SecretKey = jwtSecret
	}

	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		config.Database.Password = dbPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
}

// validate validates the configuration
func validate(config *Config) error {
	if config.JWT.SecretKey == "" {
		return fmt.Errorf("JWT secret key is required")
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit > 0 && config.Server.RatePeriodSeconds <= 0 {
		return fmt.Errorf("server.rate_period_seconds must be positive when rate limiting is enabled")
	}

	if config.Access.MaxDurationDays <= 0 {
		return fmt.Errorf("access.max_duration_days must be positive")
	}

	switch config.Access.DurationPolicy {
	case DurationPolicyEnumerated:
		if len(config.Access.AllowedDurationDays) == 0 {
			return fmt.Errorf("access.allowed_duration_days must not be empty")
		}
		for _, d := range config.Access.AllowedDurationDays {
			if d <= 0 || d > config.Access.MaxDurationDays {
				return fmt.Errorf("allowed duration %d is outside 1..%d days", d, config.Access.MaxDurationDays)
			}
		}
	case DurationPolicyBounded:
	default:
		return fmt.Errorf("unknown duration policy: %s", config.Access.DurationPolicy)
	}

	if config.Registry.MaxMetadataBytes <= 0 {
		return fmt.Errorf("registry.max_metadata_bytes must be positive")
	}

	switch config.ContentStore.Backend {
	case StoreBackendMemory, StoreBackendIPFS:
	case StoreBackendS3:
		if config.ContentStore.S3Bucket == "" {
			return fmt.Errorf("content_store.s3_bucket is required for the s3 backend")
		}
	case StoreBackendPostgres:
		if config.Database.Password == "" {
			return fmt.Errorf("database password is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown content store backend: %s", config.ContentStore.Backend)
	}

	switch config.Cache.Backend {
	case CacheBackendNone, CacheBackendMemory, CacheBackendRedis:
	default:
		return fmt.Errorf("unknown cache backend: %s", config.Cache.Backend)
	}

	switch config.Keys.Provider {
	case KeyProviderStatic, KeyProviderVault:
	default:
		return fmt.Errorf("unknown key provider: %s", config.Keys.Provider)
	}

	if config.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}

	return nil
}
