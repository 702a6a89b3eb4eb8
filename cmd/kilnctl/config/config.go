// Package config holds cmd/kilnctl's process-level ambient settings —
// everything a build plan itself cannot carry (spec §6 owns the per-build
// knobs: credentials, concurrency, offline mode, output destination).
// Loading follows the teacher's cmd/api/config verbatim: optional .env file,
// flat struct, getEnv/getEnvInt/getEnvBool helpers.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Config holds kilnctl's process-wide ambient configuration.
type Config struct {
	// CacheDir overrides the platform-default cache root (lib/xdg.Default)
	// when non-empty.
	CacheDir string
	// MaxCacheSize caps the layer cache's total on-disk size; "" means
	// unbounded. Parsed with c2h5oh/datasize, e.g. "20GB".
	MaxCacheSize string
	// DockerConfigDir overrides ~/.docker / $DOCKER_CONFIG when non-empty.
	DockerConfigDir string

	// HTTPTimeoutSeconds is the timeout of the shared HTTP client that
	// bounds each registry HTTP call (spec §5's 20s default).
	HTTPTimeoutSeconds int

	LogLevel string

	// OpenTelemetry configuration, identical in shape to the teacher's.
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Version               string
	Env                   string
}

// Load loads configuration from environment variables, loading a .env file
// first if present (silently ignored when absent).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		CacheDir:        getEnv("KILNCTL_CACHE_DIR", ""),
		MaxCacheSize:    getEnv("KILNCTL_MAX_CACHE_SIZE", ""),
		DockerConfigDir: getEnv("DOCKER_CONFIG", ""),

		HTTPTimeoutSeconds: getEnvInt("KILNCTL_HTTP_TIMEOUT_SECONDS", 20),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "kilnctl"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Version:               getEnv("VERSION", "unknown"),
		Env:                   getEnv("ENV", "unset"),
	}
}

// EffectiveHTTPTimeout returns the configured HTTP timeout as a
// time.Duration, for ProvideHTTPClient.
func (c *Config) EffectiveHTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// EffectiveMaxCacheSize parses MaxCacheSize, returning 0 (unbounded) when
// unset.
func (c *Config) EffectiveMaxCacheSize() (int64, error) {
	if c.MaxCacheSize == "" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.MaxCacheSize)); err != nil {
		return 0, err
	}
	return int64(size), nil
}

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
