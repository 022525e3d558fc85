// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Config represents the server configuration
type Config struct {
	Server ServerConfig
	Auth   AuthConfig
	DB     DBConfig
	Log    LogConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port    int
	BaseURL string
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string
	// SlowRequestMillis is the threshold above which a completed request
	// logs at WARNING.
	SlowRequestMillis int
}

// AuthConfig holds the credentials the server accepts and issues.
type AuthConfig struct {
	// SharedSecret is the static bearer token accepted on every
	// authenticated route.
	SharedSecret string
	// JWTSecret signs and verifies HS256 tokens issued by the token
	// endpoint. Empty disables JWT auth.
	JWTSecret string
	// OAuthClientID and OAuthClientSecret are the client_credentials
	// pair the token endpoint accepts.
	OAuthClientID     string
	OAuthClientSecret string
	// TokenTTLSeconds is the lifetime of issued tokens.
	TokenTTLSeconds int
}

// DBConfig selects the storage backend.
type DBConfig struct {
	// URL is a DSN. A postgres:// scheme selects PostgreSQL, anything
	// else is treated as a SQLite path. Empty means ./scim.db.
	URL string
}

// LogConfig holds the observability-core defaults applied at startup.
// Everything here can be changed at runtime through the admin API.
type LogConfig struct {
	// Level is the global minimum level name (TRACE..OFF).
	Level string
	// Format is "json" or "pretty".
	Format string
	// CategoryLevels maps category names to level names,
	// parsed from "scim=DEBUG,db=TRACE".
	CategoryLevels map[string]string
	IncludePayloads bool
	IncludeStacks   bool
	// MaxPayloadBytes truncates logged payloads; 0 means the 8 KiB default.
	MaxPayloadBytes int
}

// Load builds the configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("PORT", 8880),
			BaseURL:           envString("BASE_URL", ""),
			CORSOrigins:       splitList(envString("CORS_ORIGINS", "*")),
			SlowRequestMillis: envInt("SLOW_REQUEST_MS", 2000),
		},
		Auth: AuthConfig{
			SharedSecret:      os.Getenv("SCIM_SHARED_SECRET"),
			JWTSecret:         os.Getenv("JWT_SECRET"),
			OAuthClientID:     os.Getenv("OAUTH_CLIENT_ID"),
			OAuthClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
			TokenTTLSeconds:   envInt("TOKEN_TTL_SECONDS", 3600),
		},
		DB: DBConfig{
			URL: envString("DATABASE_URL", "scim.db"),
		},
		Log: LogConfig{
			Level:           envString("LOG_LEVEL", "INFO"),
			Format:          envString("LOG_FORMAT", "json"),
			CategoryLevels:  parseCategoryLevels(os.Getenv("LOG_CATEGORY_LEVELS")),
			IncludePayloads: envBool("LOG_INCLUDE_PAYLOADS", false),
			IncludeStacks:   envBool("LOG_INCLUDE_STACKS", false),
			MaxPayloadBytes: envInt("LOG_MAX_PAYLOAD_SIZE", 0),
		},
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port %d is out of range: must be between 1 and 65535", c.Server.Port),
		})
	}

	if c.Server.BaseURL != "" {
		parsedURL, err := url.Parse(c.Server.BaseURL)
		if err != nil {
			errors = append(errors, ValidationError{
				Field:   "server.baseURL",
				Message: fmt.Sprintf("invalid URL format: %v", err),
			})
		} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			errors = append(errors, ValidationError{
				Field:   "server.baseURL",
				Message: fmt.Sprintf("invalid URL scheme '%s': must be http or https", parsedURL.Scheme),
			})
		} else if parsedURL.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "server.baseURL",
				Message: "URL must include a host (e.g., http://localhost:8880)",
			})
		}
	}

	if c.Auth.SharedSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "auth.sharedSecret",
			Message: "SCIM_SHARED_SECRET must be set",
		})
	}

	if (c.Auth.OAuthClientID == "") != (c.Auth.OAuthClientSecret == "") {
		errors = append(errors, ValidationError{
			Field:   "auth.oauthClient",
			Message: "OAUTH_CLIENT_ID and OAUTH_CLIENT_SECRET must be set together",
		})
	}
	if c.Auth.OAuthClientID != "" && c.Auth.JWTSecret == "" {
		errors = append(errors, ValidationError{
			Field:   "auth.jwtSecret",
			Message: "JWT_SECRET is required when the OAuth token endpoint is enabled",
		})
	}
	if c.Auth.TokenTTLSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "auth.tokenTTLSeconds",
			Message: "token TTL must be positive",
		})
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "pretty":
	default:
		errors = append(errors, ValidationError{
			Field:   "log.format",
			Message: fmt.Sprintf("invalid log format '%s': must be 'json' or 'pretty'", c.Log.Format),
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// IsPostgres reports whether the DSN selects the PostgreSQL backend.
func (d DBConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseCategoryLevels parses "scim=DEBUG,db=TRACE" into a map.
func parseCategoryLevels(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || key == "" || val == "" {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	return out
}
