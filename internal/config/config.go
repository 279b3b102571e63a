// Package config loads process configuration from the environment once at
// startup. Required variables that are missing or malformed abort startup;
// the caller exits with code 1.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment string
	Port        int

	DatabaseURL string
	RedisURL    string

	JWTPrivateKeyPath string
	JWTPublicKeyDir   string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration

	RefreshTokenPepper string
	SecretMasterKey    []byte // 32 bytes, decoded from 64 hex chars

	TenantApexDomain   string
	CORSAllowedOrigins []string

	BreachOracleURL     string
	BreachOracleTimeout time.Duration
	BreachFailClosed    bool

	RateLimitPerMinute int
	OutboxPollInterval time.Duration
	DBTimeout          time.Duration
	CacheTimeout       time.Duration
	ShutdownGrace      time.Duration

	SentryDSN    string
	AMQPURL      string
	OTLPEndpoint string
}

// Load reads configuration from environment variables. All missing or
// malformed required variables are reported in a single error so operators
// can fix them in one pass.
func Load() (*Config, error) {
	var problems []string

	require := func(name string) string {
		v := os.Getenv(name)
		if v == "" {
			problems = append(problems, name+" is required")
		}
		return v
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnvAsInt("PORT", 8080),

		DatabaseURL: require("DATABASE_URL"),
		RedisURL:    require("REDIS_URL"),

		JWTPrivateKeyPath: require("JWT_PRIVATE_KEY_PATH"),
		JWTPublicKeyDir:   require("JWT_PUBLIC_KEY_DIR"),
		AccessTokenTTL:    getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   getEnvAsDuration("REFRESH_TOKEN_TTL", 168*time.Hour),

		RefreshTokenPepper: require("REFRESH_TOKEN_PEPPER"),

		TenantApexDomain: require("TENANT_APEX_DOMAIN"),

		BreachOracleURL:     require("BREACH_ORACLE_URL"),
		BreachOracleTimeout: getEnvAsDuration("BREACH_ORACLE_TIMEOUT", 2*time.Second),
		BreachFailClosed:    getEnvAsBool("BREACH_FAIL_CLOSED", false),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_DEFAULT_PER_MINUTE", 60),
		OutboxPollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", time.Second),
		DBTimeout:          getEnvAsDuration("DB_TIMEOUT", 5*time.Second),
		CacheTimeout:       getEnvAsDuration("CACHE_TIMEOUT", 200*time.Millisecond),
		ShutdownGrace:      getEnvAsDuration("SHUTDOWN_GRACE", 20*time.Second),

		SentryDSN:    os.Getenv("SENTRY_DSN"),
		AMQPURL:      os.Getenv("AMQP_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if origins := require("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o == "" {
				continue
			}
			if o == "*" {
				problems = append(problems, "CORS_ALLOWED_ORIGINS must not contain a wildcard")
				continue
			}
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if keyHex := require("SECRET_MASTER_KEY"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil || len(key) != 32 {
			problems = append(problems, "SECRET_MASTER_KEY must be 32 bytes as 64 hex characters")
		} else {
			cfg.SecretMasterKey = key
		}
	}

	cfg.TenantApexDomain = strings.ToLower(strings.TrimSpace(cfg.TenantApexDomain))

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}
