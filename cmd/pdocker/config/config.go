package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir                string
	ContainersFile         string
	RequestTimeout         time.Duration
	RegistryUsername       string
	RegistryPassword       string
	InsecureRegistries     []string
	ProotPath              string
	Platform               string
	StopTimeout            time.Duration
	MaxConcurrentDownloads int
	LogLevel               string

	// OTLP export, off unless an endpoint is set
	OtelEndpoint string
	OtelInsecure bool

	// Set from global flags
	Debug bool
	Quiet bool
}

// Overrides carries global command-line flags that take precedence over
// the environment.
type Overrides struct {
	DataDir string
	Debug   bool
	Quiet   bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:                getEnv("DATA_DIR", filepath.Join(xdg.DataHome, "pdocker")),
		ContainersFile:         getEnv("CONTAINERS_FILE", ""),
		RequestTimeout:         getEnvDuration("REQUEST_TIMEOUT", 5*time.Minute),
		RegistryUsername:       getEnv("REGISTRY_USERNAME", ""),
		RegistryPassword:       getEnv("REGISTRY_PASSWORD", ""),
		InsecureRegistries:     splitList(getEnv("INSECURE_REGISTRIES", "")),
		ProotPath:              getEnv("PROOT_PATH", "proot"),
		Platform:               getEnv("PLATFORM", ""),
		StopTimeout:            getEnvDuration("STOP_TIMEOUT", 10*time.Second),
		MaxConcurrentDownloads: getEnvInt("MAX_CONCURRENT_DOWNLOADS", 3),
		LogLevel:               getEnv("LOG_LEVEL", ""),
		OtelEndpoint:           getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OtelInsecure:           getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
	}

	return cfg
}

// Apply layers command-line overrides onto cfg.
func (c *Config) Apply(o Overrides) *Config {
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	c.Debug = o.Debug
	c.Quiet = o.Quiet
	return c
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations and plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
