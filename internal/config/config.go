// Package config loads and validates application configuration from YAML or
// TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the configuration file searched for by LoadAuto.
const DefaultFileName = "comfyui.toml"

// DefaultURL is used by the CLI when no configuration can be loaded.
const DefaultURL = "http://localhost:8188"

// Config is the root application configuration.
type Config struct {
	ComfyUI        ComfyUIConfig        `yaml:"comfyui" toml:"comfyui"`
	Templates      TemplatesConfig      `yaml:"templates" toml:"templates"`
	Retry          RetryConfig          `yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Server         ServerConfig         `yaml:"server" toml:"server"`
	Observability  ObservabilityConfig  `yaml:"observability" toml:"observability"`
}

// ComfyUIConfig describes the render backend connection.
type ComfyUIConfig struct {
	URL       string  `yaml:"url" toml:"url"`
	APIKey    string  `yaml:"api_key" toml:"api_key"`
	Timeout   float64 `yaml:"timeout" toml:"timeout"`
	OutputDir string  `yaml:"output_dir" toml:"output_dir"`

	// outputDirSet distinguishes an explicit empty output_dir from an
	// absent one.
	outputDirSet bool
	apiKeySet    bool
}

// TimeoutDuration returns the request timeout as a duration.
func (c ComfyUIConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// TemplatesConfig describes where template files live.
type TemplatesConfig struct {
	Directory string `yaml:"directory" toml:"directory"`
}

// RetryConfig describes retry settings for backend calls.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" toml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" toml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max" toml:"backoff_max"`
	Jitter            float64       `yaml:"jitter" toml:"jitter"`
}

// CircuitBreakerConfig describes circuit breaker settings for the backend.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold" toml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout" toml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" toml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window" toml:"error_rate_window"`
}

// ServerConfig describes the HTTP gateway settings.
type ServerConfig struct {
	Port            int           `yaml:"port" toml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" toml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level" toml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing" toml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" toml:"enabled"`
	Exporter     string  `yaml:"exporter" toml:"exporter"`
	Endpoint     string  `yaml:"endpoint" toml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" toml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults returns a Config with sensible default values. The backend URL
// has no default and must be configured.
func Defaults() *Config {
	return &Config{
		ComfyUI: ComfyUIConfig{
			Timeout: 120,
		},
		Templates: TemplatesConfig{
			Directory: "workflows",
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    1 * time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        60 * time.Second,
			Jitter:            0.5,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   5,
			SuccessThreshold:   2,
			Timeout:            30 * time.Second,
			ErrorRateThreshold: 0.5,
			ErrorRateWindow:    60 * time.Second,
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			HandlerTimeout:  10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			PollInterval:    1 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML or TOML config file (chosen by extension), applies
// environment variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// LoadAuto searches the standard locations for a config file and loads it.
// When none is found, or the one found cannot be parsed, the configuration
// is built from defaults and environment variables alone. Validation errors
// are always returned.
func LoadAuto() (*Config, string, error) {
	cfg := Defaults()

	path := FindConfigFile(DefaultFileName)
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			cfg = Defaults()
			path = ""
		}
	}

	applyEnvOverrides(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, path, nil
}

// SearchPaths returns the locations searched for filename, in priority
// order: the working directory, the user config directory, and /etc.
func SearchPaths(filename string) []string {
	var paths []string
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(wd, filename))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "comfyui", filename))
	}
	paths = append(paths, filepath.Join("/etc", "comfyui", filename))
	return paths
}

// FindConfigFile returns the first existing regular file among
// SearchPaths(filename), or the empty string.
func FindConfigFile(filename string) string {
	for _, p := range SearchPaths(filename) {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// WithURL returns a copy of c with the backend URL replaced.
func (c *Config) WithURL(url string) *Config {
	cp := *c
	cp.ComfyUI.URL = strings.TrimRight(strings.TrimSpace(url), "/")
	return &cp
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	u := c.ComfyUI.URL
	switch {
	case u == "":
		errs = append(errs, "comfyui.url is required")
	case !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://"):
		errs = append(errs, "comfyui.url must start with http:// or https://")
	}
	if c.ComfyUI.apiKeySet || c.ComfyUI.APIKey != "" {
		key := c.ComfyUI.APIKey
		if strings.TrimSpace(key) == "" {
			errs = append(errs, "comfyui.api_key must not be empty or whitespace-only")
		} else if len(key) < 8 {
			errs = append(errs, "comfyui.api_key must be at least 8 characters long")
		}
	}
	if c.ComfyUI.Timeout < 1 {
		errs = append(errs, "comfyui.timeout must be at least 1 second")
	}
	if c.ComfyUI.Timeout > 3600 {
		errs = append(errs, "comfyui.timeout must not exceed 3600 seconds")
	}
	if c.ComfyUI.outputDirSet && strings.TrimSpace(c.ComfyUI.OutputDir) == "" {
		errs = append(errs, "comfyui.output_dir must not be empty or whitespace-only")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be at least 1")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
		cfg.ComfyUI.apiKeySet = md.IsDefined("comfyui", "api_key")
		cfg.ComfyUI.outputDirSet = md.IsDefined("comfyui", "output_dir")
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parsing %s: %w", path, err)
		}
		var keys struct {
			ComfyUI map[string]any `yaml:"comfyui"`
		}
		if err := yaml.Unmarshal(data, &keys); err == nil {
			_, cfg.ComfyUI.apiKeySet = keys.ComfyUI["api_key"]
			_, cfg.ComfyUI.outputDirSet = keys.ComfyUI["output_dir"]
		}
	default:
		return fmt.Errorf("config: unsupported file type %q", filepath.Ext(path))
	}
	return nil
}

// normalize trims whitespace and trailing slashes from the backend URL.
func (c *Config) normalize() {
	c.ComfyUI.URL = strings.TrimRight(strings.TrimSpace(c.ComfyUI.URL), "/")
}

// applyEnvOverrides reads COMFYUI_* environment variables and overrides
// config values. Values are trimmed; an unparsable timeout is ignored.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("COMFYUI_URL"); ok && v != "" {
		cfg.ComfyUI.URL = v
	}
	if v, ok := lookupEnv("COMFYUI_API_KEY"); ok {
		cfg.ComfyUI.APIKey = v
		cfg.ComfyUI.apiKeySet = true
	}
	if v, ok := lookupEnv("COMFYUI_TIMEOUT"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ComfyUI.Timeout = f
		}
	}
	if v, ok := lookupEnv("COMFYUI_OUTPUT_DIR"); ok {
		cfg.ComfyUI.OutputDir = v
		cfg.ComfyUI.outputDirSet = true
	}
	if v, ok := lookupEnv("COMFYUI_TEMPLATE_DIR"); ok && v != "" {
		cfg.Templates.Directory = v
	}
	if v, ok := lookupEnv("COMFYUI_LOG_LEVEL"); ok && v != "" {
		cfg.Observability.LogLevel = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	return strings.TrimSpace(v), ok
}
