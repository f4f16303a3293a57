// Package config loads service configuration from XPKG_* environment
// variables. Missing required keys are fatal at process start; everything
// else has a sensible default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for all X-Pkg services. Each binary validates
// only the sections it uses.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	S3       S3Config
	Redis    RedisConfig
	Jobs     JobsConfig
	Identity IdentityConfig
	Registry RegistryConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for probes and scraping).
	HealthPort string
}

// PostgresConfig holds the primary store configuration.
type PostgresConfig struct {
	URL      string
	MaxConns int
	MinConns int
	Timeout  time.Duration
}

// S3Config holds object storage configuration. Artifacts land in one of
// three buckets depending on the version's access config.
type S3Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	PublicBucket  string
	PrivateBucket string
	TempBucket    string
}

// RedisConfig holds rate limiter backing store configuration.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// JobsConfig holds the jobs channel settings shared by the coordinator and
// its worker clients.
type JobsConfig struct {
	// URL is the coordinator websocket endpoint workers dial.
	URL string
	// ServicePassword authenticates workers to the coordinator.
	ServicePassword string
	// ServerTrustHash is sha256(trustKey) that workers verify.
	ServerTrustHash string
	// ServerTrustKey is the key the coordinator presents.
	ServerTrustKey string
	// JobTimeout is how long a job may run before the coordinator aborts it.
	JobTimeout time.Duration
}

// IdentityConfig holds identity-service-only settings.
type IdentityConfig struct {
	// AuthSecret signs nothing directly but gates startup; it is the
	// deployment's shared secret for session hardening.
	AuthSecret string
	// PortalURL is where authorize redirects land for the developer portal.
	PortalURL string
}

// RegistryConfig holds registry-service-only settings.
type RegistryConfig struct {
	// ScratchDir is where pipeline workers unpack archives.
	ScratchDir string
	// CatalogPath is the snapshot file the catalog cron rewrites.
	CatalogPath string
	// CatalogInterval is the snapshot regeneration period.
	CatalogInterval time.Duration
	// MaxUploadBytes bounds the accepted archive body.
	MaxUploadBytes int64
	// MaxUnzippedBytes bounds the decompressed archive size.
	MaxUnzippedBytes int64
}

// Load reads all configuration from the environment.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("XPKG_HOST", "0.0.0.0"),
			Port:            getEnv("XPKG_PORT", "8080"),
			ReadTimeout:     getEnvDuration("XPKG_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("XPKG_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("XPKG_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("XPKG_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("XPKG_HEALTH_PORT", "9090"),
		},
		Postgres: PostgresConfig{
			URL:      getEnv("XPKG_POSTGRES_URL", ""),
			MaxConns: getEnvInt("XPKG_POSTGRES_MAX_CONNS", 20),
			MinConns: getEnvInt("XPKG_POSTGRES_MIN_CONNS", 2),
			Timeout:  getEnvDuration("XPKG_POSTGRES_TIMEOUT", 10*time.Second),
		},
		S3: S3Config{
			Endpoint:      getEnv("XPKG_S3_ENDPOINT", ""),
			Region:        getEnv("XPKG_S3_REGION", "us-east-1"),
			AccessKey:     getEnv("XPKG_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("XPKG_S3_SECRET_KEY", ""),
			UsePathStyle:  getEnvBool("XPKG_S3_USE_PATH_STYLE", false),
			PublicBucket:  getEnv("XPKG_S3_PUBLIC_BUCKET", "xpkg-public"),
			PrivateBucket: getEnv("XPKG_S3_PRIVATE_BUCKET", "xpkg-private"),
			TempBucket:    getEnv("XPKG_S3_TEMP_BUCKET", "xpkg-temp"),
		},
		Redis: RedisConfig{
			URL:      getEnv("XPKG_REDIS_URL", ""),
			Password: getEnv("XPKG_REDIS_PASSWORD", ""),
			DB:       getEnvInt("XPKG_REDIS_DB", 0),
		},
		Jobs: JobsConfig{
			URL:             getEnv("XPKG_JOBS_URL", "ws://localhost:8083/jobs"),
			ServicePassword: getEnv("XPKG_SERVICE_PASSWORD", ""),
			ServerTrustHash: getEnv("XPKG_SERVER_TRUST_HASH", ""),
			ServerTrustKey:  getEnv("XPKG_SERVER_TRUST_KEY", ""),
			JobTimeout:      getEnvDuration("XPKG_JOB_TIMEOUT", 30*time.Minute),
		},
		Identity: IdentityConfig{
			AuthSecret: getEnv("XPKG_AUTH_SECRET", ""),
			PortalURL:  getEnv("XPKG_PORTAL_URL", "https://developer.xpkg.net"),
		},
		Registry: RegistryConfig{
			ScratchDir:       getEnv("XPKG_SCRATCH_DIR", os.TempDir()),
			CatalogPath:      getEnv("XPKG_CATALOG_PATH", "/var/lib/xpkg/catalog.json"),
			CatalogInterval:  getEnvDuration("XPKG_CATALOG_INTERVAL", 60*time.Second),
			MaxUploadBytes:   getEnvInt64("XPKG_MAX_UPLOAD_BYTES", 4<<30),
			MaxUnzippedBytes: getEnvInt64("XPKG_MAX_UNZIPPED_BYTES", 16<<30),
		},
		LogLevel: getEnv("XPKG_LOG_LEVEL", "info"),
	}
}

// ValidateIdentity checks the keys the identity service cannot run without.
func (c *Config) ValidateIdentity() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("XPKG_POSTGRES_URL is required")
	}
	if c.Identity.AuthSecret == "" {
		return fmt.Errorf("XPKG_AUTH_SECRET is required")
	}
	return c.validateServer()
}

// ValidateRegistry checks the keys the registry service cannot run without.
func (c *Config) ValidateRegistry() error {
	if c.Postgres.URL == "" {
		return fmt.Errorf("XPKG_POSTGRES_URL is required")
	}
	if c.S3.Endpoint == "" && c.S3.Region == "" {
		return fmt.Errorf("S3 configuration is required")
	}
	if c.Jobs.ServicePassword == "" {
		return fmt.Errorf("XPKG_SERVICE_PASSWORD is required")
	}
	if c.Jobs.ServerTrustHash == "" {
		return fmt.Errorf("XPKG_SERVER_TRUST_HASH is required")
	}
	return c.validateServer()
}

// ValidateJobs checks the keys the jobs coordinator cannot run without.
func (c *Config) ValidateJobs() error {
	if c.Jobs.ServicePassword == "" {
		return fmt.Errorf("XPKG_SERVICE_PASSWORD is required")
	}
	if c.Jobs.ServerTrustKey == "" {
		return fmt.Errorf("XPKG_SERVER_TRUST_KEY is required")
	}
	return c.validateServer()
}

func (c *Config) validateServer() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
