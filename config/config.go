package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CircuitBreakerConfig configures the per-host upstream circuit breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// Config holds the complete application configuration
type Config struct {
	// HTTP server settings
	HTTP struct {
		Address         string        `yaml:"address"`
		Port            string        `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		// PublicURL is the scheme and host the transcoder uses to reach the
		// proxy. Empty means http://127.0.0.1:<port>.
		PublicURL string `yaml:"public_url"`
	} `yaml:"http"`

	// Proxy and upstream settings
	Proxy struct {
		BasePath         string               `yaml:"base_path"`
		UpstreamTimeout  time.Duration        `yaml:"upstream_timeout"`
		UserAgent        string               `yaml:"user_agent"`
		MaxBodySize      int                  `yaml:"max_body_size"`
		BandwidthLimit   int                  `yaml:"bandwidth_limit"` // bytes per second, 0 is unlimited
		ManifestCacheTTL time.Duration        `yaml:"manifest_cache_ttl"`
		CircuitBreaker   CircuitBreakerConfig `yaml:"circuit_breaker"`
	} `yaml:"proxy"`

	// Download manager settings
	Download struct {
		OutputDir         string        `yaml:"output_dir"`
		MaxConcurrent     int           `yaml:"max_concurrent"`
		MaxRetries        int           `yaml:"max_retries"`
		RetryDelay        time.Duration `yaml:"retry_delay"`
		Timeout           time.Duration `yaml:"timeout"`
		FileExtension     string        `yaml:"file_extension"`
		GCInterval        time.Duration `yaml:"gc_interval"`
		MaxTaskAge        time.Duration `yaml:"max_task_age"`
		FFmpegPath        string        `yaml:"ffmpeg_path"`
		FFmpegGracePeriod time.Duration `yaml:"ffmpeg_grace_period"`
	} `yaml:"download"`

	// Storage settings
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	// Logging settings
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

var validLogLevels = map[string]bool{
	"DEBUG": true,
	"INFO":  true,
	"WARN":  true,
	"ERROR": true,
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	var errors []string

	// HTTP settings
	if c.HTTP.Port == "" {
		errors = append(errors, "HTTP port is required")
	}
	if c.HTTP.ReadTimeout <= 0 {
		errors = append(errors, "HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		errors = append(errors, "HTTP write timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errors = append(errors, "HTTP shutdown timeout must be positive")
	}
	if c.HTTP.PublicURL != "" {
		if u, err := url.Parse(c.HTTP.PublicURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, "HTTP public URL must be an absolute http(s) URL")
		}
	}

	// Proxy settings
	if !strings.HasPrefix(c.Proxy.BasePath, "/") {
		errors = append(errors, "Proxy base path must start with /")
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		errors = append(errors, "Upstream timeout must be positive")
	}
	if c.Proxy.MaxBodySize <= 0 {
		errors = append(errors, "Upstream max body size must be positive")
	}
	if c.Proxy.BandwidthLimit < 0 {
		errors = append(errors, "Upstream bandwidth limit cannot be negative")
	}
	if c.Proxy.ManifestCacheTTL < 0 {
		errors = append(errors, "Manifest cache TTL cannot be negative")
	}
	if c.Proxy.CircuitBreaker.FailureThreshold <= 0 {
		errors = append(errors, "Circuit breaker failure threshold must be positive")
	}
	if c.Proxy.CircuitBreaker.Timeout <= 0 {
		errors = append(errors, "Circuit breaker timeout must be positive")
	}
	if c.Proxy.CircuitBreaker.HalfOpenRequests <= 0 {
		errors = append(errors, "Circuit breaker half-open requests must be positive")
	}

	// Download settings
	if c.Download.OutputDir == "" {
		errors = append(errors, "Download output directory is required")
	}
	if c.Download.MaxConcurrent <= 0 {
		errors = append(errors, "Max concurrent downloads must be positive")
	}
	if c.Download.MaxRetries < 0 {
		errors = append(errors, "Max retries cannot be negative")
	}
	if c.Download.RetryDelay < 0 {
		errors = append(errors, "Retry delay cannot be negative")
	}
	if c.Download.Timeout < 0 {
		errors = append(errors, "Download timeout cannot be negative")
	}
	if !strings.HasPrefix(c.Download.FileExtension, ".") {
		errors = append(errors, "File extension must start with .")
	}
	if c.Download.GCInterval <= 0 {
		errors = append(errors, "GC interval must be positive")
	}
	if c.Download.MaxTaskAge <= 0 {
		errors = append(errors, "Max task age must be positive")
	}
	if c.Download.FFmpegPath == "" {
		errors = append(errors, "FFmpeg path is required")
	}

	// Storage settings
	if c.Storage.DBPath == "" {
		errors = append(errors, "Database path is required")
	}

	// Log settings
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		errors = append(errors, "Log level must be one of: DEBUG, INFO, WARN, ERROR")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Default returns a Config with sensible default values
func Default() *Config {
	cfg := &Config{}

	// HTTP defaults
	cfg.HTTP.Address = "127.0.0.1"
	cfg.HTTP.Port = "8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 60 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second

	// Proxy defaults
	cfg.Proxy.BasePath = "/api/proxy"
	cfg.Proxy.UpstreamTimeout = 30 * time.Second
	cfg.Proxy.MaxBodySize = 64 * 1024 * 1024 // 64MB
	cfg.Proxy.CircuitBreaker = CircuitBreakerConfig{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 1,
	}

	// Download defaults
	cfg.Download.OutputDir = "downloads"
	cfg.Download.MaxConcurrent = 2
	cfg.Download.MaxRetries = 3
	cfg.Download.RetryDelay = 5 * time.Second
	cfg.Download.Timeout = 4 * time.Hour
	cfg.Download.FileExtension = ".mp4"
	cfg.Download.GCInterval = time.Hour
	cfg.Download.MaxTaskAge = 24 * time.Hour
	cfg.Download.FFmpegPath = "ffmpeg"
	cfg.Download.FFmpegGracePeriod = 5 * time.Second

	// Storage defaults
	cfg.Storage.DBPath = "hls-relay.db"

	// Log defaults
	cfg.Log.Level = "INFO"

	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Load loads configuration from a file (if provided) and applies environment variable overrides
func Load() (*Config, error) {
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	// Try to load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Every invalid variable is reported, not just the first.
func applyEnvOverrides(cfg *Config) error {
	p := &envParser{}

	// HTTP settings
	p.parseString("HTTP_ADDRESS", &cfg.HTTP.Address)
	p.parseString("HTTP_PORT", &cfg.HTTP.Port)
	p.parseDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	p.parseDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	p.parseString("PUBLIC_URL", &cfg.HTTP.PublicURL)

	// Proxy settings
	p.parseString("PROXY_BASE_PATH", &cfg.Proxy.BasePath)
	p.parseDuration("UPSTREAM_TIMEOUT", &cfg.Proxy.UpstreamTimeout)
	p.parseString("UPSTREAM_USER_AGENT", &cfg.Proxy.UserAgent)
	p.parseByteSize("UPSTREAM_MAX_BODY_SIZE", &cfg.Proxy.MaxBodySize)
	p.parseByteSize("UPSTREAM_BANDWIDTH_LIMIT", &cfg.Proxy.BandwidthLimit)
	p.parseDuration("MANIFEST_CACHE_TTL", &cfg.Proxy.ManifestCacheTTL)
	p.parseInt("CB_FAILURE_THRESHOLD", &cfg.Proxy.CircuitBreaker.FailureThreshold)
	p.parseDuration("CB_TIMEOUT", &cfg.Proxy.CircuitBreaker.Timeout)
	p.parseInt("CB_HALF_OPEN_REQUESTS", &cfg.Proxy.CircuitBreaker.HalfOpenRequests)

	// Download settings
	if val := os.Getenv("DOWNLOAD_DIR"); val != "" {
		absPath, err := filepath.Abs(val)
		if err != nil {
			p.errors = append(p.errors, fmt.Sprintf("DOWNLOAD_DIR: %v", err))
		} else {
			cfg.Download.OutputDir = absPath
		}
	}
	p.parseInt("MAX_CONCURRENT_DOWNLOADS", &cfg.Download.MaxConcurrent)
	p.parseNonNegativeInt("MAX_RETRIES", &cfg.Download.MaxRetries)
	p.parseDuration("RETRY_DELAY", &cfg.Download.RetryDelay)
	p.parseDuration("DOWNLOAD_TIMEOUT", &cfg.Download.Timeout)
	p.parseString("FFMPEG_PATH", &cfg.Download.FFmpegPath)

	// Storage settings
	p.parseString("DB_PATH", &cfg.Storage.DBPath)

	// Log settings
	p.parseEnum("LOG_LEVEL", &cfg.Log.Level, validLogLevels)

	if len(p.errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(p.errors, "\n  - "))
	}
	return nil
}

// ListenAddr returns the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return c.HTTP.Address + ":" + c.HTTP.Port
}

// ProxyBaseURL returns the scheme and host the transcoder uses to reach the proxy.
func (c *Config) ProxyBaseURL() string {
	if c.HTTP.PublicURL != "" {
		return strings.TrimRight(c.HTTP.PublicURL, "/")
	}
	return "http://127.0.0.1:" + c.HTTP.Port
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogAttrs returns the settings worth logging at startup.
func (c *Config) LogAttrs() []any {
	return []any{
		"listen_addr", c.ListenAddr(),
		"proxy_base_url", c.ProxyBaseURL(),
		"proxy_base_path", c.Proxy.BasePath,
		"upstream_timeout", c.Proxy.UpstreamTimeout,
		"bandwidth_limit", c.Proxy.BandwidthLimit,
		"manifest_cache_ttl", c.Proxy.ManifestCacheTTL,
		"download_dir", c.Download.OutputDir,
		"max_concurrent", c.Download.MaxConcurrent,
		"max_retries", c.Download.MaxRetries,
		"ffmpeg_path", c.Download.FFmpegPath,
		"db_path", c.Storage.DBPath,
		"log_level", c.Log.Level,
	}
}
