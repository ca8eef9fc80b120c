// Package config loads and validates the relaypost configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the RP_ prefix (e.g., RP_DATABASE_HOST
// overrides database.host in the YAML).
//
// The ENCRYPTION_KEY variable has no RP_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Platforms  PlatformsConfig  `mapstructure:"platforms"`
	Publishing PublishingConfig `mapstructure:"publishing"`
	App        AppConfig        `mapstructure:"app"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Security   SecurityConfig   `mapstructure:"security"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the public-facing URL used for OAuth callbacks.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig configures the shared outbound rate limiter. When disabled,
// each process limits on its own.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds media store backend configuration
type StorageConfig struct {
	DefaultBackend string             `mapstructure:"default_backend"`
	URLTTL         time.Duration      `mapstructure:"url_ttl"`
	Azure          AzureStorageConfig `mapstructure:"azure"`
	S3             S3StorageConfig    `mapstructure:"s3"`
	GCS            GCSStorageConfig   `mapstructure:"gcs"`
	Local          LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
	CDNURL        string `mapstructure:"cdn_url"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO etc.)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is "default" (AWS credential chain) or "static".
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentials_file"`
	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
	// PublicURL is the externally reachable prefix the platforms fetch media from.
	PublicURL string `mapstructure:"public_url"`
}

// VaultConfig holds the credential vault master key.
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// PlatformsConfig holds OAuth client registrations per platform.
type PlatformsConfig struct {
	Twitter   PlatformConfig `mapstructure:"twitter"`
	Threads   PlatformConfig `mapstructure:"threads"`
	Facebook  PlatformConfig `mapstructure:"facebook"`
	Instagram PlatformConfig `mapstructure:"instagram"`
}

// PlatformConfig is one platform's OAuth client and API endpoint override.
type PlatformConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// RedirectURL defaults to {public_url}/api/v1/connections/{platform}/callback
	RedirectURL string `mapstructure:"redirect_url"`
	// APIBaseURL overrides the platform API host (used against sandboxes).
	APIBaseURL string `mapstructure:"api_base_url"`
}

// ByName returns the configuration for a platform key.
func (p *PlatformsConfig) ByName(name string) (PlatformConfig, bool) {
	switch name {
	case "twitter":
		return p.Twitter, true
	case "threads":
		return p.Threads, true
	case "facebook":
		return p.Facebook, true
	case "instagram":
		return p.Instagram, true
	}
	return PlatformConfig{}, false
}

// PublishingConfig controls the sweep, the job queue, and outbound dispatch.
type PublishingConfig struct {
	// SweepSecret authenticates POST /sweep.
	SweepSecret string `mapstructure:"sweep_secret"`
	// WorkerSecret authenticates the worker pull/report endpoints.
	WorkerSecret string `mapstructure:"worker_secret"`
	// SweepInterval runs the sweep in-process when > 0.
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	ScheduleClaimTTL    time.Duration `mapstructure:"schedule_claim_ttl"`
	LeaseTTL            time.Duration `mapstructure:"lease_ttl"`
	DispatchConcurrency int           `mapstructure:"dispatch_concurrency"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxAttempts    int           `mapstructure:"retry_max_attempts"`
	// RatePerMinute bounds outbound publish calls per platform.
	RatePerMinute      int           `mapstructure:"rate_per_minute"`
	RefreshMargin      time.Duration `mapstructure:"refresh_margin"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	MaxLeaseBatch      int           `mapstructure:"max_lease_batch"`
	MaxOneOffJobsBatch int           `mapstructure:"max_one_off_jobs_batch"`
}

// AppConfig holds front-end URLs the API redirects to.
type AppConfig struct {
	// ConnectionsURL receives ?connected= or ?error= after an OAuth callback.
	ConnectionsURL string `mapstructure:"connections_url"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	Secret       string        `mapstructure:"secret"`
	Command      []string      `mapstructure:"command"`
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
}

// SecurityConfig holds inbound security configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds inbound API rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds metrics configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds every config key to its RP_ environment
// variable. AutomaticEnv alone does not populate keys that have no default
// and are absent from the YAML file.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		"redis.enabled",
		"redis.addr",
		"redis.password",
		"redis.db",

		"storage.default_backend",
		"storage.url_ttl",
		"storage.azure.account_name",
		"storage.azure.account_key",
		"storage.azure.container_name",
		"storage.azure.cdn_url",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.auth_method",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",
		"storage.gcs.bucket",
		"storage.gcs.credentials_file",
		"storage.gcs.endpoint",
		"storage.local.base_path",
		"storage.local.public_url",

		"publishing.sweep_secret",
		"publishing.worker_secret",
		"publishing.sweep_interval",
		"publishing.schedule_claim_ttl",
		"publishing.lease_ttl",
		"publishing.dispatch_concurrency",
		"publishing.retry_base_delay",
		"publishing.retry_max_attempts",
		"publishing.rate_per_minute",
		"publishing.refresh_margin",
		"publishing.refresh_interval",
		"publishing.http_timeout",
		"publishing.max_lease_batch",
		"publishing.max_one_off_jobs_batch",

		"app.connections_url",

		"worker.server_url",
		"worker.secret",
		"worker.command",
		"worker.batch_size",
		"worker.poll_interval",
		"worker.job_timeout",

		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		"logging.level",
		"logging.format",

		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, platform := range []string{"twitter", "threads", "facebook", "instagram"} {
		for _, field := range []string{"enabled", "client_id", "client_secret", "redirect_url", "api_base_url"} {
			keys = append(keys, "platforms."+platform+"."+field)
		}
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}

	// Unprefixed secret names, see package doc.
	if err := v.BindEnv("vault.encryption_key", "ENCRYPTION_KEY", "RP_VAULT_ENCRYPTION_KEY"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "vault.encryption_key", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadWorker loads the subset of configuration cmd/worker needs. It skips
// server-side validation so a worker host does not need database settings.
func LoadWorker(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Worker.Secret = expandEnv(cfg.Worker.Secret)

	if cfg.Worker.ServerURL == "" {
		return nil, fmt.Errorf("invalid configuration: worker.server_url is required")
	}
	if cfg.Worker.Secret == "" {
		return nil, fmt.Errorf("invalid configuration: worker.secret is required")
	}
	if len(cfg.Worker.Command) == 0 {
		return nil, fmt.Errorf("invalid configuration: worker.command is required")
	}
	return &cfg, nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/relaypost")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("RP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Config) expandSecrets() {
	c.Database.Password = expandEnv(c.Database.Password)
	c.Redis.Password = expandEnv(c.Redis.Password)
	c.Storage.Azure.AccountKey = expandEnv(c.Storage.Azure.AccountKey)
	c.Storage.S3.AccessKeyID = expandEnv(c.Storage.S3.AccessKeyID)
	c.Storage.S3.SecretAccessKey = expandEnv(c.Storage.S3.SecretAccessKey)
	c.Vault.EncryptionKey = expandEnv(c.Vault.EncryptionKey)
	c.Publishing.SweepSecret = expandEnv(c.Publishing.SweepSecret)
	c.Publishing.WorkerSecret = expandEnv(c.Publishing.WorkerSecret)
	c.Platforms.Twitter.ClientSecret = expandEnv(c.Platforms.Twitter.ClientSecret)
	c.Platforms.Threads.ClientSecret = expandEnv(c.Platforms.Threads.ClientSecret)
	c.Platforms.Facebook.ClientSecret = expandEnv(c.Platforms.Facebook.ClientSecret)
	c.Platforms.Instagram.ClientSecret = expandEnv(c.Platforms.Instagram.ClientSecret)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "relaypost")
	v.SetDefault("database.user", "relaypost")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.url_ttl", "1h")
	v.SetDefault("storage.local.base_path", "./storage")
	v.SetDefault("storage.local.public_url", "http://localhost:8080/media")

	v.SetDefault("publishing.sweep_interval", "0s")
	v.SetDefault("publishing.schedule_claim_ttl", "10m")
	v.SetDefault("publishing.lease_ttl", "15m")
	v.SetDefault("publishing.dispatch_concurrency", 4)
	v.SetDefault("publishing.retry_base_delay", "500ms")
	v.SetDefault("publishing.retry_max_attempts", 3)
	v.SetDefault("publishing.rate_per_minute", 60)
	v.SetDefault("publishing.refresh_margin", "5m")
	v.SetDefault("publishing.refresh_interval", "30m")
	v.SetDefault("publishing.http_timeout", "30s")
	v.SetDefault("publishing.max_lease_batch", 20)
	v.SetDefault("publishing.max_one_off_jobs_batch", 50)

	v.SetDefault("app.connections_url", "http://localhost:3000/settings/connections")

	v.SetDefault("worker.server_url", "http://localhost:8080")
	v.SetDefault("worker.batch_size", 1)
	v.SetDefault("worker.poll_interval", "15s")
	v.SetDefault("worker.job_timeout", "5m")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "relaypost")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR} or $VAR
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	validBackends := map[string]bool{"azure": true, "s3": true, "gcs": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be azure, s3, gcs, or local)", c.Storage.DefaultBackend)
	}

	switch c.Storage.DefaultBackend {
	case "azure":
		if c.Storage.Azure.AccountName == "" || c.Storage.Azure.AccountKey == "" || c.Storage.Azure.ContainerName == "" {
			return fmt.Errorf("storage.azure.account_name, account_key and container_name are required when using Azure backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required when using GCS backend")
		}
	case "local":
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	for _, name := range []string{"twitter", "threads", "facebook", "instagram"} {
		p, _ := c.Platforms.ByName(name)
		if p.Enabled && (p.ClientID == "" || p.ClientSecret == "") {
			return fmt.Errorf("platforms.%s.client_id and client_secret are required when %s is enabled", name, name)
		}
	}

	if c.Publishing.DispatchConcurrency < 1 {
		return fmt.Errorf("publishing.dispatch_concurrency must be at least 1")
	}
	if c.Publishing.LeaseTTL <= 0 {
		return fmt.Errorf("publishing.lease_ttl must be positive")
	}
	if c.Publishing.ScheduleClaimTTL <= 0 {
		return fmt.Errorf("publishing.schedule_claim_ttl must be positive")
	}
	if c.Publishing.RetryMaxAttempts < 1 {
		return fmt.Errorf("publishing.retry_max_attempts must be at least 1")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
