// Package config provides configuration loading and validation for the ledger
// services. It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/tracing"
)

// Config holds all configuration values for the API server and auditor.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database and cache
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"`

	// JWT Authentication. The previous secret keeps tokens valid across a rotation.
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Ledger store
	StoreBackend          string `koanf:"store_backend"`
	StoreDataDir          string `koanf:"store_data_dir"`
	StoreRetryMaxAttempts int    `koanf:"store_retry_max_attempts"`
	StoreRetryBaseDelayMS int    `koanf:"store_retry_base_delay_ms"`
	StoreRetryMaxDelayMS  int    `koanf:"store_retry_max_delay_ms"`
	StoreCacheFallback    bool   `koanf:"store_cache_fallback"`

	// Evidence archive (S3-compatible object storage). Optional.
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"tracing_exporter"`
	OTLPEndpoint      string  `koanf:"otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`

	// Background jobs and limits
	IntegritySweepIntervalS int `koanf:"integrity_sweep_interval_s"`
	POSRateLimitPerMinute   int `koanf:"pos_rate_limit_per_minute"`

	// HTTP surface
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	ProfilingEnabled   bool     `koanf:"profiling_enabled"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL        = errors.New("DATABASE_URL is required for the postgres store backend")
	ErrMissingJWTSecret          = errors.New("JWT_SECRET is required")
	ErrUnknownStoreBackend       = errors.New("STORE_BACKEND must be one of memory, file, postgres")
	ErrMissingStoreDataDir       = errors.New("STORE_DATA_DIR is required for the file backend and cache fallback")
	ErrInvalidStoreRetry         = errors.New("STORE_RETRY_* values must be positive and max delay >= base delay")
	ErrMissingArchiveBucket      = errors.New("ARCHIVE_BUCKET is required when archive credentials are set")
	ErrMissingArchiveAccessKey   = errors.New("ARCHIVE_ACCESS_KEY_ID is required when ARCHIVE_BUCKET is set")
	ErrMissingArchiveSecretKey   = errors.New("ARCHIVE_SECRET_ACCESS_KEY is required when ARCHIVE_BUCKET is set")
	ErrMissingArchiveEndpoint    = errors.New("ARCHIVE_ENDPOINT is required when ARCHIVE_BUCKET is set")
	ErrInvalidTracingSampleRate  = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidTracingExporter    = errors.New("TRACING_EXPORTER must be otlp-http or otlp-grpc")
	ErrInvalidSweepInterval      = errors.New("INTEGRITY_SWEEP_INTERVAL_S must be positive")
	ErrInvalidPOSRateLimit       = errors.New("POS_RATE_LIMIT_PER_MINUTE must be positive")
	ErrProfilingInProduction     = errors.New("PROFILING_ENABLED cannot be set in production")
	ErrInvalidPort               = errors.New("PORT must be a valid integer")
	ErrInvalidNumber             = errors.New("value must be a valid number")
)

// Default values for non-secret configuration.
const (
	DefaultPort                    = 8080
	DefaultEnv                     = "development"
	DefaultStoreBackend            = ledgerstore.BackendMemory
	DefaultArchiveRegion           = "auto"
	DefaultTracingExporter         = "otlp-http"
	DefaultTracingSampleRate       = 0.1
	DefaultIntegritySweepIntervalS = 900
	DefaultPOSRateLimitPerMinute   = 60
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	intVal := func(envKeys []string, koanfKey string, def int) int {
		v, err := getEnvIntOrDefaultMulti(envKeys, k.Int(koanfKey), def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		return v
	}

	defaultRetry := ledgerstore.DefaultRetryPolicy()

	cfg := &Config{
		Port:              intVal([]string{"CUSTODY_PORT", "PORT"}, "port", DefaultPort),
		Env:               getEnvOrDefaultMulti([]string{"CUSTODY_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:       getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:          getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:         getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret: getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),

		StoreBackend:          strings.ToLower(getEnvOrDefault("STORE_BACKEND", k.String("store_backend"), DefaultStoreBackend)),
		StoreDataDir:          getEnvOrKoanf("STORE_DATA_DIR", k, "store_data_dir"),
		StoreRetryMaxAttempts: intVal([]string{"STORE_RETRY_MAX_ATTEMPTS"}, "store_retry_max_attempts", defaultRetry.MaxAttempts),
		StoreRetryBaseDelayMS: intVal([]string{"STORE_RETRY_BASE_DELAY_MS"}, "store_retry_base_delay_ms", int(defaultRetry.BaseDelay/time.Millisecond)),
		StoreRetryMaxDelayMS:  intVal([]string{"STORE_RETRY_MAX_DELAY_MS"}, "store_retry_max_delay_ms", int(defaultRetry.MaxDelay/time.Millisecond)),
		StoreCacheFallback:    getEnvBool("STORE_CACHE_FALLBACK", k, "store_cache_fallback", false),

		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),

		TracingEnabled:  getEnvBool("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter: getEnvOrDefault("TRACING_EXPORTER", k.String("tracing_exporter"), DefaultTracingExporter),
		OTLPEndpoint:    getEnvOrKoanf("OTLP_ENDPOINT", k, "otlp_endpoint"),

		IntegritySweepIntervalS: intVal([]string{"INTEGRITY_SWEEP_INTERVAL_S"}, "integrity_sweep_interval_s", DefaultIntegritySweepIntervalS),
		POSRateLimitPerMinute:   intVal([]string{"POS_RATE_LIMIT_PER_MINUTE"}, "pos_rate_limit_per_minute", DefaultPOSRateLimitPerMinute),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		ProfilingEnabled:   getEnvBool("PROFILING_ENABLED", k, "profiling_enabled", false),
	}

	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	if err != nil {
		loadErrs = append(loadErrs, err)
	}
	cfg.TracingSampleRate = sampleRate

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	return getEnvOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
// A zero value in a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				sentinel := ErrInvalidNumber
				if strings.HasSuffix(key, "PORT") {
					sentinel = ErrInvalidPort
				}
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, sentinel)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value when present, or default.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBool reads a boolean flag. Unrecognised env values leave the file or
// default value in place.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	v := defaultVal
	if k.Exists(koanfKey) {
		v = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		v = true
	case "false", "0", "no", "off":
		v = false
	}
	return v
}

// getEnvList reads a comma separated env var, or a YAML list.
func getEnvList(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := os.Getenv(envKey)
	if raw == "" {
		return k.Strings(koanfKey)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required configuration values are present and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	switch c.StoreBackend {
	case ledgerstore.BackendMemory:
	case ledgerstore.BackendFile:
		if c.StoreDataDir == "" {
			errs = append(errs, ErrMissingStoreDataDir)
		}
	case ledgerstore.BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
		if c.StoreCacheFallback && c.StoreDataDir == "" {
			errs = append(errs, ErrMissingStoreDataDir)
		}
	default:
		errs = append(errs, ErrUnknownStoreBackend)
	}

	if c.StoreRetryMaxAttempts < 1 || c.StoreRetryBaseDelayMS <= 0 || c.StoreRetryMaxDelayMS < c.StoreRetryBaseDelayMS {
		errs = append(errs, ErrInvalidStoreRetry)
	}

	// Archive configuration is optional. Only validate fields if any value is set.
	if c.ArchiveBucket != "" || c.ArchiveAccessKeyID != "" || c.ArchiveSecretAccessKey != "" {
		if c.ArchiveBucket == "" {
			errs = append(errs, ErrMissingArchiveBucket)
		}
		if c.ArchiveAccessKeyID == "" {
			errs = append(errs, ErrMissingArchiveAccessKey)
		}
		if c.ArchiveSecretAccessKey == "" {
			errs = append(errs, ErrMissingArchiveSecretKey)
		}
		if c.ArchiveEndpoint == "" {
			errs = append(errs, ErrMissingArchiveEndpoint)
		}
	}

	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidTracingSampleRate)
	}
	if c.TracingEnabled && c.TracingExporter != "otlp-http" && c.TracingExporter != "otlp-grpc" {
		errs = append(errs, ErrInvalidTracingExporter)
	}
	if c.IntegritySweepIntervalS <= 0 {
		errs = append(errs, ErrInvalidSweepInterval)
	}
	if c.POSRateLimitPerMinute <= 0 {
		errs = append(errs, ErrInvalidPOSRateLimit)
	}
	if c.ProfilingEnabled && c.IsProduction() {
		errs = append(errs, ErrProfilingInProduction)
	}

	return errs
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// ArchiveEnabled reports whether trace exports can be archived.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// StoreConfig returns the ledger store settings.
func (c *Config) StoreConfig() ledgerstore.Config {
	retry := ledgerstore.DefaultRetryPolicy()
	retry.MaxAttempts = c.StoreRetryMaxAttempts
	retry.BaseDelay = time.Duration(c.StoreRetryBaseDelayMS) * time.Millisecond
	retry.MaxDelay = time.Duration(c.StoreRetryMaxDelayMS) * time.Millisecond
	return ledgerstore.Config{
		Backend:       c.StoreBackend,
		DataDir:       c.StoreDataDir,
		Retry:         retry,
		CacheFallback: c.StoreCacheFallback,
	}
}

// TracingConfig returns the OpenTelemetry settings for serviceName.
func (c *Config) TracingConfig(serviceName string) tracing.Config {
	return tracing.Config{
		ServiceName:  serviceName,
		Enabled:      c.TracingEnabled,
		Environment:  c.Env,
		ExporterType: c.TracingExporter,
		OTLPEndpoint: c.OTLPEndpoint,
		SamplingRate: c.TracingSampleRate,
		InsecureMode: !c.IsProduction(),
	}
}

// SweepInterval returns the integrity sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.IntegritySweepIntervalS) * time.Second
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                       strconv.Itoa(c.Port),
		"env":                        c.Env,
		"database_url":               maskDatabaseURL(c.DatabaseURL),
		"redis_url":                  maskDatabaseURL(c.RedisURL),
		"jwt_secret":                 maskSecret(c.JWTSecret),
		"jwt_previous_secret":        maskSecret(c.JWTPreviousSecret),
		"store_backend":              c.StoreBackend,
		"store_data_dir":             c.StoreDataDir,
		"store_retry_max_attempts":   strconv.Itoa(c.StoreRetryMaxAttempts),
		"store_retry_base_delay_ms":  strconv.Itoa(c.StoreRetryBaseDelayMS),
		"store_retry_max_delay_ms":   strconv.Itoa(c.StoreRetryMaxDelayMS),
		"store_cache_fallback":       strconv.FormatBool(c.StoreCacheFallback),
		"archive_bucket":             c.ArchiveBucket,
		"archive_endpoint":           c.ArchiveEndpoint,
		"archive_access_key_id":      maskSecret(c.ArchiveAccessKeyID),
		"archive_secret_access_key":  maskSecret(c.ArchiveSecretAccessKey),
		"tracing_enabled":            strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":           c.TracingExporter,
		"otlp_endpoint":              c.OTLPEndpoint,
		"tracing_sample_rate":        strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
		"integrity_sweep_interval_s": strconv.Itoa(c.IntegritySweepIntervalS),
		"pos_rate_limit_per_minute":  strconv.Itoa(c.POSRateLimitPerMinute),
		"cors_allowed_origins":       strings.Join(c.CORSAllowedOrigins, ","),
		"profiling_enabled":          strconv.FormatBool(c.ProfilingEnabled),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
