package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Refresh policies understood by the session refresher.
const (
	RefreshPolicyForcedReauth  = "forced-reauth"
	RefreshPolicySilentRefresh = "silent-refresh"
)

// Refresh credential rotation modes.
const (
	RotationRotate = "rotate"
	RotationReuse  = "reuse"
)

// Revocation registry backends.
const (
	RevocationBackendMemory   = "memory"
	RevocationBackendRedis    = "redis"
	RevocationBackendPostgres = "postgres"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Session    SessionConfig
	Revocation RevocationConfig
	OIDC       OIDCConfig
	Cleanup    CleanupConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// JWTConfig configures the application's own access tokens.
type JWTConfig struct {
	Secret    string
	Issuer    string
	Audience  []string
	ClockSkew time.Duration
}

// SessionConfig governs token lifetimes and refresh behaviour.
type SessionConfig struct {
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	RefreshPolicy      string
	Rotation           string
	RefreshPepper      string
	DefaultRole        string
	DetectReuse        bool
	ReuseGrace         time.Duration
	RevokeOnDeactivate bool
}

// RevocationConfig selects the revocation registry implementation.
type RevocationConfig struct {
	Backend string
}

// OIDCConfig describes the external identity provider whose ID tokens are trusted.
type OIDCConfig struct {
	Issuer   string
	ClientID string
	JWKSURL  string
}

// CleanupConfig schedules expiry cleanup of revocation and refresh records.
type CleanupConfig struct {
	Enabled  bool
	Interval time.Duration
}

// RateLimitConfig throttles refresh calls per client address.
type RateLimitConfig struct {
	RefreshRPS   float64
	RefreshBurst int
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:      v.GetString("REDIS_HOST"),
		Port:      v.GetInt("REDIS_PORT"),
		Password:  v.GetString("REDIS_PASSWORD"),
		DB:        v.GetInt("REDIS_DB"),
		KeyPrefix: v.GetString("REDIS_KEY_PREFIX"),
	}

	cfg.JWT = JWTConfig{
		Secret:    v.GetString("JWT_SECRET"),
		Issuer:    v.GetString("JWT_ISSUER"),
		Audience:  splitAndTrim(v.GetString("JWT_AUDIENCE")),
		ClockSkew: parseDuration(v.GetString("TOKEN_CLOCK_SKEW"), 5*time.Second),
	}

	cfg.Session = SessionConfig{
		AccessTokenTTL:     parseDuration(v.GetString("ACCESS_TOKEN_TTL"), 15*time.Minute),
		RefreshTokenTTL:    parseDuration(v.GetString("REFRESH_TOKEN_TTL"), 7*24*time.Hour),
		RefreshPolicy:      strings.ToLower(strings.TrimSpace(v.GetString("REFRESH_POLICY"))),
		Rotation:           strings.ToLower(strings.TrimSpace(v.GetString("REFRESH_ROTATION"))),
		RefreshPepper:      v.GetString("REFRESH_TOKEN_PEPPER"),
		DefaultRole:        strings.ToUpper(strings.TrimSpace(v.GetString("DEFAULT_ROLE"))),
		DetectReuse:        v.GetBool("REFRESH_REUSE_DETECTION"),
		ReuseGrace:         parseDuration(v.GetString("REFRESH_REUSE_GRACE"), 30*time.Second),
		RevokeOnDeactivate: v.GetBool("REVOKE_ON_DEACTIVATE"),
	}

	cfg.Revocation = RevocationConfig{
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("REVOCATION_BACKEND"))),
	}

	cfg.OIDC = OIDCConfig{
		Issuer:   v.GetString("OIDC_ISSUER"),
		ClientID: v.GetString("OIDC_CLIENT_ID"),
		JWKSURL:  v.GetString("OIDC_JWKS_URL"),
	}

	cfg.Cleanup = CleanupConfig{
		Enabled:  v.GetBool("ENABLE_CLEANUP"),
		Interval: parseDuration(v.GetString("CLEANUP_INTERVAL"), time.Hour),
	}

	cfg.RateLimit = RateLimitConfig{
		RefreshRPS:   v.GetFloat64("REFRESH_RATE_LIMIT"),
		RefreshBurst: v.GetInt("REFRESH_RATE_BURST"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.RefreshPolicy {
	case RefreshPolicyForcedReauth, RefreshPolicySilentRefresh:
	default:
		return fmt.Errorf("unknown REFRESH_POLICY %q", c.Session.RefreshPolicy)
	}
	switch c.Session.Rotation {
	case RotationRotate, RotationReuse:
	default:
		return fmt.Errorf("unknown REFRESH_ROTATION %q", c.Session.Rotation)
	}
	switch c.Revocation.Backend {
	case RevocationBackendMemory, RevocationBackendRedis, RevocationBackendPostgres:
	default:
		return fmt.Errorf("unknown REVOCATION_BACKEND %q", c.Revocation.Backend)
	}
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.Env == EnvProduction && c.JWT.Secret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	if c.Session.AccessTokenTTL <= 0 || c.Session.RefreshTokenTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	return nil
}

const defaultJWTSecret = "dev_secret"

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sessions")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "session:revocation:")

	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_ISSUER", "sma-adp-session")
	v.SetDefault("JWT_AUDIENCE", "sma-adp-api")
	v.SetDefault("TOKEN_CLOCK_SKEW", "5s")

	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("REFRESH_POLICY", RefreshPolicySilentRefresh)
	v.SetDefault("REFRESH_ROTATION", RotationRotate)
	v.SetDefault("REFRESH_TOKEN_PEPPER", "")
	v.SetDefault("DEFAULT_ROLE", "USER")
	v.SetDefault("REFRESH_REUSE_DETECTION", true)
	v.SetDefault("REFRESH_REUSE_GRACE", "30s")
	v.SetDefault("REVOKE_ON_DEACTIVATE", true)

	v.SetDefault("REVOCATION_BACKEND", RevocationBackendMemory)

	v.SetDefault("OIDC_ISSUER", "")
	v.SetDefault("OIDC_CLIENT_ID", "")
	v.SetDefault("OIDC_JWKS_URL", "")

	v.SetDefault("ENABLE_CLEANUP", true)
	v.SetDefault("CLEANUP_INTERVAL", "1h")

	v.SetDefault("REFRESH_RATE_LIMIT", 5)
	v.SetDefault("REFRESH_RATE_BURST", 10)

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
