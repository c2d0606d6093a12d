// Package config aggregates runtime configuration for the service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// RPC authentication modes for the token endpoints.
const (
	RPCAuthAPIKey = "api_key"
	RPCAuthMTLS   = "mtls"
	RPCAuthNone   = "none"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Token    TokenConfig
	RPC      RPCConfig
	Policy   PolicyConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN           string
	RunMigrations bool
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// TokenConfig defines token issuance parameters.
type TokenConfig struct {
	Issuer           string
	IdentityAudience string
	ServiceAudience  string
	AccessTTLSeconds int
	RefreshTTLHours  int
	PrivateKeyPEM    string
	KeyID            string
}

// RPCConfig controls how callers of the token endpoints authenticate.
type RPCConfig struct {
	AuthMode string
	APIKey   string
}

// PolicyConfig defines authorization parameters.
type PolicyConfig struct {
	PlatformAdminEmails []string
	PlatformTenantSlug  string
}

// Load reads configuration from environment variables, applying defaults
// where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("AUTH9_REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH9_REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("AUTH9_APP_NAME", "auth9"),
			Env:                   getEnv("AUTH9_ENV", "development"),
			Host:                  getEnv("AUTH9_HOST", "0.0.0.0"),
			Port:                  getEnv("AUTH9_PORT", "8080"),
			Version:               getEnv("AUTH9_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("AUTH9_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:           os.Getenv("AUTH9_POSTGRES_DSN"),
			RunMigrations: getEnvAsBool("AUTH9_POSTGRES_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("AUTH9_REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("AUTH9_REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("AUTH9_LOG_LEVEL", "info"),
		},
		Token: TokenConfig{
			Issuer:           getEnv("AUTH9_TOKEN_ISSUER", "auth9"),
			IdentityAudience: getEnv("AUTH9_IDENTITY_AUDIENCE", "auth9"),
			ServiceAudience:  getEnv("AUTH9_SERVICE_AUDIENCE", "auth9-service"),
			AccessTTLSeconds: getEnvAsInt("AUTH9_ACCESS_TTL_SECONDS", 900),
			RefreshTTLHours:  getEnvAsInt("AUTH9_REFRESH_TTL_HOURS", 14*24),
			PrivateKeyPEM:    os.Getenv("AUTH9_SIGNING_KEY_PEM"),
			KeyID:            os.Getenv("AUTH9_SIGNING_KEY_ID"),
		},
		RPC: RPCConfig{
			AuthMode: getEnv("AUTH9_RPC_AUTH_MODE", RPCAuthAPIKey),
			APIKey:   os.Getenv("AUTH9_RPC_API_KEY"),
		},
		Policy: PolicyConfig{
			PlatformAdminEmails: splitList(os.Getenv("AUTH9_PLATFORM_ADMIN_EMAILS")),
			PlatformTenantSlug:  getEnv("AUTH9_PLATFORM_TENANT_SLUG", "auth9-platform"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that must never reach a shared
// environment. Disabling RPC authentication is a development-only
// affordance; staging and production refuse to start with it.
func (c *Config) Validate() error {
	switch c.RPC.AuthMode {
	case RPCAuthAPIKey:
		if c.RPC.APIKey == "" {
			return fmt.Errorf("config: AUTH9_RPC_API_KEY is required when auth mode is %q", RPCAuthAPIKey)
		}
	case RPCAuthMTLS:
		// Certificate material is handled by the listener setup.
	case RPCAuthNone:
		if !c.App.IsDevelopment() {
			return fmt.Errorf("config: rpc auth mode %q is not allowed in env %q", RPCAuthNone, c.App.Env)
		}
	default:
		return fmt.Errorf("config: unknown rpc auth mode %q", c.RPC.AuthMode)
	}
	if c.Token.IdentityAudience == c.Token.ServiceAudience {
		return fmt.Errorf("config: identity and service audiences must differ")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// IsDevelopment reports whether the environment is a local or test one.
func (a AppConfig) IsDevelopment() bool {
	switch strings.ToLower(a.Env) {
	case "dev", "development", "test":
		return true
	}
	return false
}

// AccessTTL returns the access token lifetime.
func (t TokenConfig) AccessTTL() time.Duration {
	return time.Duration(t.AccessTTLSeconds) * time.Second
}

// RefreshTTL returns the refresh token lifetime.
func (t TokenConfig) RefreshTTL() time.Duration {
	return time.Duration(t.RefreshTTLHours) * time.Hour
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
