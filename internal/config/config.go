// Package config loads covercheck configuration from an optional YAML file
// overlaid by environment variables. YAML keys are the lower-case form of the
// variable names (database_url, http_addr, ...).
//
// Required:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional:
//   - CONFIG_FILE: YAML file to read before the environment.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVALUATION_TIMEOUT: bound on one eligibility check (default "5s").
//   - AUDIT_WRITE_TIMEOUT: bound on one audit insert (default "2s").
//   - SERVICE_NOT_COVERED_SEVERITY: "hard" or "soft" (default "hard").
//   - CORS_ALLOWED_ORIGINS: comma separated origins allowed by CORS.
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	defaultHTTPAddr                 = ":8080"
	defaultGRPCAddr                 = ":9090"
	defaultLogLevel                 = "info"
	defaultAuthRateLimit            = 10
	defaultMaxJSONBodySize    int64 = 1 << 20 // 1MB
	defaultEvaluationTimeout        = 5 * time.Second
	defaultAuditWriteTimeout        = 2 * time.Second
	defaultNotCoveredSeverity       = "hard"
)

// knownKeys lists every key read from the file or the environment. Other
// environment variables are ignored.
var knownKeys = map[string]struct{}{
	"database_url":                 {},
	"http_addr":                    {},
	"grpc_addr":                    {},
	"log_level":                    {},
	"max_json_body_size":           {},
	"evaluation_timeout":           {},
	"audit_write_timeout":          {},
	"service_not_covered_severity": {},
	"cors_allowed_origins":         {},
	"auth_rate_limit":              {},
}

// Config holds the runtime configuration for covercheck.
type Config struct {
	DatabaseURL               string
	HTTPAddr                  string
	GRPCAddr                  string
	LogLevel                  string
	AuthRateLimit             int
	MaxJSONBodySize           int64
	EvaluationTimeout         time.Duration
	AuditWriteTimeout         time.Duration
	ServiceNotCoveredSeverity string
	CORSAllowedOrigins        []string
}

// Load reads path (or CONFIG_FILE when path is empty) if set, then overlays
// environment variables. It returns an error if required values are missing
// or if optional values fail validation.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	return fromKoanf(k)
}

// envKey maps DATABASE_URL to database_url. Unknown and blank variables are
// dropped so they never mask a value from the file.
func envKey(key, value string) (string, any) {
	name := strings.ToLower(key)
	if _, ok := knownKeys[name]; !ok {
		return "", nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	return name, value
}

func fromKoanf(k *koanf.Koanf) (Config, error) {
	databaseURL := stringValue(k, "database_url")
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	authRateLimit := defaultAuthRateLimit
	if value := stringValue(k, "auth_rate_limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := stringValue(k, "max_json_body_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	evaluationTimeout, err := positiveDuration(k, "evaluation_timeout", "EVALUATION_TIMEOUT", defaultEvaluationTimeout)
	if err != nil {
		return Config{}, err
	}
	auditWriteTimeout, err := positiveDuration(k, "audit_write_timeout", "AUDIT_WRITE_TIMEOUT", defaultAuditWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	severity := strings.ToLower(stringOrDefault(k, "service_not_covered_severity", defaultNotCoveredSeverity))
	if severity != "hard" && severity != "soft" {
		return Config{}, fmt.Errorf("SERVICE_NOT_COVERED_SEVERITY must be hard or soft, got %q", severity)
	}

	logLevel := strings.ToLower(stringOrDefault(k, "log_level", defaultLogLevel))
	switch logLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", logLevel)
	}

	return Config{
		DatabaseURL:               databaseURL,
		HTTPAddr:                  stringOrDefault(k, "http_addr", defaultHTTPAddr),
		GRPCAddr:                  stringOrDefault(k, "grpc_addr", defaultGRPCAddr),
		LogLevel:                  logLevel,
		AuthRateLimit:             authRateLimit,
		MaxJSONBodySize:           maxJSONBodySize,
		EvaluationTimeout:         evaluationTimeout,
		AuditWriteTimeout:         auditWriteTimeout,
		ServiceNotCoveredSeverity: severity,
		CORSAllowedOrigins:        listValue(k, "cors_allowed_origins"),
	}, nil
}

func positiveDuration(k *koanf.Koanf, key, name string, fallback time.Duration) (time.Duration, error) {
	value := stringValue(k, key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", name)
	}
	return parsed, nil
}

func stringValue(k *koanf.Koanf, key string) string {
	return strings.TrimSpace(k.String(key))
}

func stringOrDefault(k *koanf.Koanf, key, fallback string) string {
	if value := stringValue(k, key); value != "" {
		return value
	}
	return fallback
}

// listValue accepts either a YAML list or a comma separated string.
func listValue(k *koanf.Koanf, key string) []string {
	var raw []string
	switch v := k.Get(key).(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(fmt.Sprint(v), ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
