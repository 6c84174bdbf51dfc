package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the meshcall core.
type Config struct {
	// Required variables
	JWTSecret     string
	Port          string
	TurnSecret    string
	TurnHost      string
	SFUSecret     string
	SFUURL        string
	DirectoryAddr string

	// Optional variables with defaults
	Host          string
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// TURN/STUN
	TurnPort      string
	StunHost      string
	TurnEnableTCP bool
	TurnTTL       int

	// Auth0
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitApiGlobal string
	RateLimitApiPublic string
	RateLimitApiToken  string
	RateLimitApiExists string
	RateLimitWsIp      string
	RateLimitWsUser    string
}

// ValidateEnv validates all required environment variables and returns a
// Config object. Returns an error if any required variable is missing or
// invalid — the server fails fast at startup rather than limping along with
// a half-valid configuration.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	cfg.TurnSecret = os.Getenv("TURN_SECRET")
	if cfg.TurnSecret == "" {
		errors = append(errors, "TURN_SECRET is required")
	}

	cfg.TurnHost = os.Getenv("TURN_HOST")
	if cfg.TurnHost == "" {
		errors = append(errors, "TURN_HOST is required")
	}

	cfg.SFUSecret = os.Getenv("SFU_SECRET")
	if cfg.SFUSecret == "" {
		errors = append(errors, "SFU_SECRET is required")
	}

	cfg.SFUURL = os.Getenv("SFU_URL")
	if cfg.SFUURL == "" {
		errors = append(errors, "SFU_URL is required")
	}

	cfg.DirectoryAddr = os.Getenv("DIRECTORY_ADDR")
	if cfg.DirectoryAddr == "" {
		errors = append(errors, "DIRECTORY_ADDR is required")
	} else if !isValidHostPort(cfg.DirectoryAddr) {
		errors = append(errors, fmt.Sprintf("DIRECTORY_ADDR must be in format 'host:port' (got '%s')", cfg.DirectoryAddr))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")
	cfg.TurnPort = getEnvOrDefault("TURN_PORT", "3478")
	cfg.StunHost = getEnvOrDefault("STUN_HOST", cfg.TurnHost)
	cfg.TurnEnableTCP = getEnvOrDefault("TURN_ENABLE_TCP", "true") == "true"

	turnTTLRaw := getEnvOrDefault("TURN_TTL", "600")
	turnTTL, err := strconv.Atoi(turnTTLRaw)
	if err != nil || turnTTL < 1 {
		errors = append(errors, fmt.Sprintf("TURN_TTL must be a positive integer of seconds (got '%s')", turnTTLRaw))
	}
	cfg.TurnTTL = turnTTL

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitApiGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitApiPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	// SFU token minting (signed locally by sfu.Minter) gets a tighter
	// budget than ordinary reads.
	cfg.RateLimitApiToken = getEnvOrDefault("RATE_LIMIT_API_TOKEN", "30-M")
	cfg.RateLimitApiExists = getEnvOrDefault("RATE_LIMIT_API_EXISTS", "500-M")
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated successfully")
	slog.Info("configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"turn_secret", redactSecret(cfg.TurnSecret),
		"turn_host", cfg.TurnHost,
		"sfu_secret", redactSecret(cfg.SFUSecret),
		"sfu_url", cfg.SFUURL,
		"directory_addr", cfg.DirectoryAddr,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_api_global", cfg.RateLimitApiGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
