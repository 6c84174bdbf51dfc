package config

import (
	"os"
	"strings"
	"testing"
)

var requiredVars = []string{
	"JWT_SECRET", "PORT", "TURN_SECRET", "TURN_HOST", "SFU_SECRET",
	"SFU_URL", "DIRECTORY_ADDR", "REDIS_ENABLED", "REDIS_ADDR",
	"GO_ENV", "LOG_LEVEL", "TURN_TTL",
}

// setupTestEnv clears and later restores the env vars ValidateEnv reads.
func setupTestEnv(t *testing.T) func() {
	orig := map[string]string{}
	for _, k := range requiredVars {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}

	return func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func setValidRequiredEnv(t *testing.T) {
	os.Setenv("JWT_SECRET", "this-is-a-very-long-secret-key-for-testing-purposes")
	os.Setenv("PORT", "8080")
	os.Setenv("TURN_SECRET", "turn-shared-secret")
	os.Setenv("TURN_HOST", "turn.example.com")
	os.Setenv("SFU_SECRET", "sfu-shared-secret")
	os.Setenv("SFU_URL", "wss://sfu.example.com")
	os.Setenv("DIRECTORY_ADDR", "directory.example.com:8443")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.JWTSecret != "this-is-a-very-long-secret-key-for-testing-purposes" {
		t.Errorf("expected JWT_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to be '8080', got '%s'", cfg.Port)
	}
	if cfg.TurnHost != "turn.example.com" {
		t.Errorf("expected TURN_HOST to be set correctly, got '%s'", cfg.TurnHost)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.TurnTTL != 600 {
		t.Errorf("expected TURN_TTL to default to 600, got %d", cfg.TurnTTL)
	}
	if cfg.StunHost != cfg.TurnHost {
		t.Errorf("expected STUN_HOST to default to TURN_HOST")
	}
}

func TestValidateEnv_MissingJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Unsetenv("JWT_SECRET")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET is required") {
		t.Errorf("expected error message about JWT_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortJWTSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("JWT_SECRET", "short")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for short JWT_SECRET, got nil")
	}
	if !strings.Contains(err.Error(), "must be at least 32 characters") {
		t.Errorf("expected error message about JWT_SECRET length, got: %v", err)
	}
}

func TestValidateEnv_MissingPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Unsetenv("PORT")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for missing PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT is required") {
		t.Errorf("expected error message about PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT must be a valid port number") {
		t.Errorf("expected error message about invalid PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-format")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format 'host:port'") {
		t.Errorf("expected error message about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_InvalidDirectoryAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("DIRECTORY_ADDR", "no-port-here")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid DIRECTORY_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "DIRECTORY_ADDR must be in format 'host:port'") {
		t.Errorf("expected error message about DIRECTORY_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_InvalidTurnTTL(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("TURN_TTL", "not-a-number")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected error for invalid TURN_TTL, got nil")
	}
	if !strings.Contains(err.Error(), "TURN_TTL must be a positive integer") {
		t.Errorf("expected error message about TURN_TTL, got: %v", err)
	}
}

func TestValidateEnv_OptionalDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.GoEnv != "production" {
		t.Errorf("expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LOG_LEVEL to default to 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.TurnEnableTCP != true {
		t.Errorf("expected TURN_ENABLE_TCP to default to true")
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidRequiredEnv(t)
	os.Setenv("REDIS_ENABLED", "true")
	// REDIS_ADDR intentionally left unset

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("expected REDIS_ADDR to default to 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		expected string
	}{
		{"Long secret", "this-is-a-very-long-secret-key", "this-is-***"},
		{"Short secret", "short", "***"},
		{"Exactly 8 chars", "12345678", "***"},
		{"9 chars", "123456789", "12345678***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactSecret(tt.secret)
			if result != tt.expected {
				t.Errorf("expected '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected bool
	}{
		{"Valid localhost", "localhost:8080", true},
		{"Valid IP", "127.0.0.1:3000", true},
		{"Valid hostname", "example.com:443", true},
		{"Missing port", "localhost", false},
		{"Missing host", ":8080", false},
		{"Invalid port", "localhost:99999", false},
		{"Non-numeric port", "localhost:abc", false},
		{"Multiple colons", "localhost:8080:9090", false},
		{"Empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isValidHostPort(tt.addr)
			if result != tt.expected {
				t.Errorf("isValidHostPort('%s') = %v, expected %v", tt.addr, result, tt.expected)
			}
		})
	}
}
