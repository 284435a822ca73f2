package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/hannes/policylens/hub"
)

// DefaultModelDirectory is the model cache below the user cache directory,
// or ./policylens-models when there is none.
func DefaultModelDirectory() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return "policylens-models"
	}
	return filepath.Join(dir, "policylens", "models")
}

// Duration is a time.Duration that reads "10s" style strings from config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ServerConfig holds HTTP listener options
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver       string `json:"driver" yaml:"driver" toml:"driver"` // sqlite, postgres or memory
	Path         string `json:"path" yaml:"path" toml:"path"`       // SQLite file
	Host         string `json:"host" yaml:"host" toml:"host"`
	Port         int    `json:"port" yaml:"port" toml:"port"`
	Database     string `json:"database" yaml:"database" toml:"database"`
	Username     string `json:"username" yaml:"username" toml:"username"`
	Password     string `json:"password" yaml:"password" toml:"password"`
	SSLMode      string `json:"ssl_mode" yaml:"ssl_mode" toml:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime" yaml:"max_lifetime" toml:"max_lifetime"` // seconds
	UseCache     bool   `json:"use_cache" yaml:"use_cache" toml:"use_cache"`          // in-memory read cache in front of the store
	CacheSize    int    `json:"cache_size" yaml:"cache_size" toml:"cache_size"`
	CleanupHours int    `json:"cleanup_hours" yaml:"cleanup_hours" toml:"cleanup_hours"` // 0 disables cleanup
}

// ModelsConfig selects the inference backend and where the models come from
type ModelsConfig struct {
	Backend      string   `json:"backend" yaml:"backend" toml:"backend"` // onnx or remote
	Directory    string   `json:"directory" yaml:"directory" toml:"directory"`
	BaseURL      string   `json:"base_url" yaml:"base_url" toml:"base_url"`
	Timeout      Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	LibraryPath  string   `json:"library_path" yaml:"library_path" toml:"library_path"`
	TokenTypeIDs bool     `json:"token_type_ids" yaml:"token_type_ids" toml:"token_type_ids"`
	Threshold    float64  `json:"threshold" yaml:"threshold" toml:"threshold"`
	Workers      int      `json:"workers" yaml:"workers" toml:"workers"`

	HFRepo       string `json:"hf_repo" yaml:"hf_repo" toml:"hf_repo"`
	HFRevision   string `json:"hf_revision" yaml:"hf_revision" toml:"hf_revision"`
	HFToken      string `json:"-" yaml:"-" toml:"-"`
	ONNXFile     string `json:"onnx_file" yaml:"onnx_file" toml:"onnx_file"`
	AutoDownload bool   `json:"auto_download" yaml:"auto_download" toml:"auto_download"`
}

// ScraperConfig holds page fetching options
type ScraperConfig struct {
	UserAgent          string   `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	Timeout            Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	MinParagraphLength int      `json:"min_paragraph_length" yaml:"min_paragraph_length" toml:"min_paragraph_length"`
	RequestsPerSecond  float64  `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst              int      `json:"burst" yaml:"burst" toml:"burst"`
}

// CacheConfig holds result cache lifetimes
type CacheConfig struct {
	MaxAge      Duration `json:"max_age" yaml:"max_age" toml:"max_age"` // 0 keeps entries until the marker changes
	ExtractTTL  Duration `json:"extract_ttl" yaml:"extract_ttl" toml:"extract_ttl"`
	ExtractSize int      `json:"extract_size" yaml:"extract_size" toml:"extract_size"`
	// AnalysisTimeout bounds one shared analysis run, independent of the
	// callers waiting on it.
	AnalysisTimeout Duration `json:"analysis_timeout" yaml:"analysis_timeout" toml:"analysis_timeout"`
}

// JobsConfig sizes the asynchronous analysis queue
type JobsConfig struct {
	Workers      int      `json:"workers" yaml:"workers" toml:"workers"`
	MaxQueueSize int      `json:"max_queue_size" yaml:"max_queue_size" toml:"max_queue_size"`
	TTL          Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" toml:"level"`
	Format      string `json:"format" yaml:"format" toml:"format"` // json or console
	LogRequests bool   `json:"log_requests" yaml:"log_requests" toml:"log_requests"`
}

type SentryConfig struct {
	DSN         string  `json:"dsn" yaml:"dsn" toml:"dsn"`
	Environment string  `json:"environment" yaml:"environment" toml:"environment"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`
}

// RateLimitConfig limits API requests per client address
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst"`
}

// Config holds all configuration for the policy analysis service
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database" toml:"database"`
	Models    ModelsConfig    `json:"models" yaml:"models" toml:"models"`
	Scraper   ScraperConfig   `json:"scraper" yaml:"scraper" toml:"scraper"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" toml:"cache"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs" toml:"jobs"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
	Sentry    SentryConfig    `json:"sentry" yaml:"sentry" toml:"sentry"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(5 * time.Minute),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			Path:         "policylens.db",
			Host:         "localhost",
			Port:         5432,
			Database:     "policylens",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
			UseCache:     true,
			CacheSize:    1024,
			CleanupHours: 24 * 30,
		},
		Models: ModelsConfig{
			Backend:      "onnx",
			Directory:    DefaultModelDirectory(),
			BaseURL:      "http://localhost:8000",
			Timeout:      Duration(30 * time.Second),
			TokenTypeIDs: true,
			Threshold:    0.5,
			Workers:      4,
			HFRepo:       hub.DefaultRepo,
			HFRevision:   hub.DefaultRevision,
			ONNXFile:     hub.DefaultONNXFile,
		},
		Scraper: ScraperConfig{
			UserAgent:          "Mozilla/5.0",
			Timeout:            Duration(10 * time.Second),
			MaxBodyBytes:       10 << 20,
			MinParagraphLength: 30,
			RequestsPerSecond:  1,
			Burst:              2,
		},
		Cache: CacheConfig{
			ExtractTTL:      Duration(time.Hour),
			ExtractSize:     256,
			AnalysisTimeout: Duration(5 * time.Minute),
		},
		Jobs: JobsConfig{
			Workers:      2,
			MaxQueueSize: 100,
			TTL:          Duration(time.Hour),
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			LogRequests: true,
		},
		Sentry: SentryConfig{
			Environment: "production",
			SampleRate:  1.0,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
	}
}

// LoadFile overlays the settings in path onto cfg. The format follows the
// file extension: .json, .yaml/.yml or .toml.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the --config flag
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadEnv overlays environment variables onto cfg. Unset variables keep
// their current value; malformed numbers are reported.
func LoadEnv(cfg *Config) error {
	loaders := []func(*Config) error{
		loadServerConfig,
		loadDatabaseConfig,
		loadModelsConfig,
		loadScraperConfig,
		loadCacheConfig,
		loadLoggingConfig,
		loadRateLimitConfig,
	}
	for _, load := range loaders {
		if err := load(cfg); err != nil {
			return err
		}
	}
	return nil
}

func loadServerConfig(cfg *Config) error {
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	// PORT is what most hosting platforms set
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	return nil
}

func loadDatabaseConfig(cfg *Config) error {
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.Path, "DB_PATH")
	setString(&cfg.Database.Host, "DB_HOST")
	setString(&cfg.Database.Database, "DB_NAME")
	setString(&cfg.Database.Username, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.SSLMode, "DB_SSL_MODE")
	setBool(&cfg.Database.UseCache, "DB_USE_CACHE")
	if err := setInt(&cfg.Database.Port, "DB_PORT"); err != nil {
		return err
	}
	return setInt(&cfg.Database.CleanupHours, "DB_CLEANUP_HOURS")
}

func loadModelsConfig(cfg *Config) error {
	setString(&cfg.Models.Backend, "MODEL_BACKEND")
	setString(&cfg.Models.Directory, "MODEL_DIR")
	setString(&cfg.Models.BaseURL, "MODEL_BASE_URL")
	setString(&cfg.Models.HFRepo, "HF_REPO")
	setString(&cfg.Models.HFRevision, "HF_REVISION")
	setString(&cfg.Models.HFToken, "HF_TOKEN")
	setString(&cfg.Models.LibraryPath, "ONNXRUNTIME_SHARED_LIBRARY_PATH")
	setBool(&cfg.Models.AutoDownload, "MODEL_AUTO_DOWNLOAD")
	if err := setFloat(&cfg.Models.Threshold, "CATEGORY_THRESHOLD"); err != nil {
		return err
	}
	return setInt(&cfg.Models.Workers, "PIPELINE_WORKERS")
}

func loadScraperConfig(cfg *Config) error {
	setString(&cfg.Scraper.UserAgent, "SCRAPER_USER_AGENT")
	if err := setDuration(&cfg.Scraper.Timeout, "SCRAPER_TIMEOUT"); err != nil {
		return err
	}
	return setFloat(&cfg.Scraper.RequestsPerSecond, "SCRAPER_RPS")
}

func loadCacheConfig(cfg *Config) error {
	if err := setDuration(&cfg.Cache.MaxAge, "CACHE_MAX_AGE"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Cache.ExtractTTL, "EXTRACT_CACHE_TTL"); err != nil {
		return err
	}
	return setDuration(&cfg.Cache.AnalysisTimeout, "ANALYSIS_TIMEOUT")
}

func loadLoggingConfig(cfg *Config) error {
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setBool(&cfg.Logging.LogRequests, "LOG_REQUESTS")
	setString(&cfg.Sentry.DSN, "SENTRY_DSN")
	setString(&cfg.Sentry.Environment, "SENTRY_ENVIRONMENT")
	return nil
}

func loadRateLimitConfig(cfg *Config) error {
	if err := setFloat(&cfg.RateLimit.RequestsPerSecond, "API_RPS"); err != nil {
		return err
	}
	return setInt(&cfg.RateLimit.Burst, "API_BURST")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: must be an integer (current value: %s)", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: must be a number (current value: %s)", key, v)
	}
	*dst = f
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: must be a duration such as 30s or 24h (current value: %s)", key, v)
	}
	*dst = Duration(d)
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if err := validateAddr(c.Server.Addr, "Server.Addr"); err != nil {
		return err
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("Database.Driver: must be one of sqlite, postgres, memory (current value: %s)", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("Database.Path: cannot be empty for the sqlite driver")
	}

	switch c.Models.Backend {
	case "onnx":
		if c.Models.Directory == "" {
			return fmt.Errorf("Models.Directory: cannot be empty for the onnx backend")
		}
	case "remote":
		if c.Models.BaseURL == "" {
			return fmt.Errorf("Models.BaseURL: cannot be empty for the remote backend")
		}
	default:
		return fmt.Errorf("Models.Backend: must be one of onnx, remote (current value: %s)", c.Models.Backend)
	}

	if c.Models.Threshold <= 0 || c.Models.Threshold >= 1 {
		return fmt.Errorf("Models.Threshold: must be between 0 and 1 exclusive (current value: %g)", c.Models.Threshold)
	}
	if c.Models.Workers <= 0 {
		return fmt.Errorf("Models.Workers: must be positive (current value: %d)", c.Models.Workers)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("Jobs.Workers: must be positive (current value: %d)", c.Jobs.Workers)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("Logging.Format: must be json or console (current value: %s)", c.Logging.Format)
	}
	return nil
}

// validateAddr checks a listen address of the form "[host]:port".
func validateAddr(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("%s: address cannot be empty", fieldName)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: address must be in format '[HOST]:PORT' (current value: %s)", fieldName, addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be a number between 1 and 65535 (current value: %s)", fieldName, addr)
	}
	return nil
}

// StoreDSN is a log-safe description of the database location.
func (d DatabaseConfig) StoreDSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf("postgres://%s@%s:%d/%s", d.Username, d.Host, d.Port, d.Database)
	}
	if d.Driver == "memory" {
		return "memory"
	}
	return d.Path
}
