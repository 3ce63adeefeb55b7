// Package config loads the workflow configuration file and applies
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/flexinfer/ampliconflow/internal/amplicon"
	"github.com/flexinfer/ampliconflow/internal/validator"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// DefaultFile is the config file name used when none is given.
const DefaultFile = "ampliconflow.yaml"

// Config holds the whole configuration of a workflow run.
type Config struct {
	Inputs    amplicon.Inputs `yaml:"inputs" toml:"inputs" json:"inputs"`
	Params    amplicon.Params `yaml:"params" toml:"params" json:"params"`
	Tools     amplicon.Tools  `yaml:"tools" toml:"tools" json:"tools"`
	Store     Store           `yaml:"store" toml:"store" json:"store"`
	Runner    Runner          `yaml:"runner" toml:"runner" json:"runner"`
	Logging   Logging         `yaml:"logging" toml:"logging" json:"logging"`
	Server    Server          `yaml:"server" toml:"server" json:"server"`
	Telemetry Telemetry       `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	Publish   Publish         `yaml:"publish" toml:"publish" json:"publish"`

	// path of the file the config was loaded from, empty for defaults
	source string
}

// Store selects the run store.
type Store struct {
	Type          string   `yaml:"type" toml:"type" json:"type"` // sqlite, memory or redis
	Path          string   `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
	RedisURL      string   `yaml:"redis_url,omitempty" toml:"redis_url,omitempty" json:"redis_url,omitempty"`
	RedisPassword string   `yaml:"redis_password,omitempty" toml:"redis_password,omitempty" json:"redis_password,omitempty"`
	RedisDB       int      `yaml:"redis_db,omitempty" toml:"redis_db,omitempty" json:"redis_db,omitempty"`
	TTL           Duration `yaml:"ttl" toml:"ttl" json:"ttl"`
	EventMaxLen   int64    `yaml:"event_max_len" toml:"event_max_len" json:"event_max_len"`
}

// Runner tunes stage execution.
type Runner struct {
	StageTimeout       Duration          `yaml:"stage_timeout" toml:"stage_timeout" json:"stage_timeout"`
	OutputLimit        int               `yaml:"output_limit" toml:"output_limit" json:"output_limit"`
	Env                map[string]string `yaml:"env,omitempty" toml:"env,omitempty" json:"env,omitempty"`
	EnvPassthrough     []string          `yaml:"env_passthrough,omitempty" toml:"env_passthrough,omitempty" json:"env_passthrough,omitempty"`
	LogLinesPerSecond  float64           `yaml:"log_lines_per_second" toml:"log_lines_per_second" json:"log_lines_per_second"`
	LogBurst           int               `yaml:"log_burst" toml:"log_burst" json:"log_burst"`
	SkipIntegrityCheck bool              `yaml:"skip_integrity_check,omitempty" toml:"skip_integrity_check,omitempty" json:"skip_integrity_check,omitempty"`
}

// Logging configures the slog handler.
type Logging struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// Server configures the HTTP API.
type Server struct {
	Addr          string   `yaml:"addr" toml:"addr" json:"addr"`
	ReadTimeout   Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	ShutdownGrace Duration `yaml:"shutdown_grace" toml:"shutdown_grace" json:"shutdown_grace"`
	// AllowedOrigins enables CORS for browser clients ("*" for any).
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" toml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// Telemetry configures tracing and metric push.
type Telemetry struct {
	TracingEnabled bool    `yaml:"tracing_enabled" toml:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	SampleRate     float64 `yaml:"sample_rate" toml:"sample_rate" json:"sample_rate"`
	PushgatewayURL string  `yaml:"pushgateway_url,omitempty" toml:"pushgateway_url,omitempty" json:"pushgateway_url,omitempty"`
}

// Publish configures where final artifacts are copied after a run.
type Publish struct {
	Backend      string `yaml:"backend" toml:"backend" json:"backend"` // local or s3
	Dir          string `yaml:"dir,omitempty" toml:"dir,omitempty" json:"dir,omitempty"`
	Bucket       string `yaml:"bucket,omitempty" toml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix       string `yaml:"prefix,omitempty" toml:"prefix,omitempty" json:"prefix,omitempty"`
	Region       string `yaml:"region,omitempty" toml:"region,omitempty" json:"region,omitempty"`
	Endpoint     string `yaml:"endpoint,omitempty" toml:"endpoint,omitempty" json:"endpoint,omitempty"`
	UsePathStyle bool   `yaml:"use_path_style,omitempty" toml:"use_path_style,omitempty" json:"use_path_style,omitempty"`
}

// Default returns a configuration with every optional field set. Inputs are
// left empty: they must come from the file.
func Default() *Config {
	return &Config{
		Params: amplicon.DefaultParams(),
		Tools:  amplicon.DefaultTools(),
		Store: Store{
			Type:        "sqlite",
			TTL:         Duration(30 * 24 * time.Hour),
			EventMaxLen: 5000,
		},
		Runner: Runner{
			OutputLimit:       1 << 20,
			LogLinesPerSecond: 200,
			LogBurst:          400,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Server: Server{
			Addr:          ":7070",
			ReadTimeout:   Duration(30 * time.Second),
			WriteTimeout:  Duration(30 * time.Second),
			ShutdownGrace: Duration(10 * time.Second),
		},
		Telemetry: Telemetry{SampleRate: 1.0},
		Publish:   Publish{Backend: "local"},
	}
}

// Load reads the config at path, validates it and applies environment
// overrides. A .env file next to the config is loaded first when present;
// variables already set in the environment win.
func Load(path string) (*Config, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := validate(format, data); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Default()
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, cfg)
	case "toml":
		_, err = toml.Decode(string(data), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.source = path

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".toml":
		return "toml", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// validate checks the raw document against the config schema.
func validate(format string, data []byte) error {
	var doc map[string]interface{}
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &doc)
	case "toml":
		_, err = toml.Decode(string(data), &doc)
	}
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	v, err := validator.New()
	if err != nil {
		return err
	}
	return v.ValidateConfig(doc).Err()
}

// Validate checks the semantic rules the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Inputs.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Type {
	case "sqlite", "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store type %q", c.Store.Type))
	}
	switch c.Publish.Backend {
	case "", "local":
	case "s3":
		if c.Publish.Bucket == "" {
			errs = append(errs, errors.New("publish.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publish backend %q", c.Publish.Backend))
	}
	return errors.Join(errs...)
}

// applyEnv overrides fields from environment variables.
func (c *Config) applyEnv() {
	c.Store.Type = getEnv("AMPLICONFLOW_STORE", c.Store.Type)
	c.Store.Path = getEnv("AMPLICONFLOW_STORE_PATH", c.Store.Path)
	c.Store.RedisURL = getEnv("REDIS_URL", c.Store.RedisURL)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = getInt("REDIS_DB", c.Store.RedisDB)
	c.Store.TTL = Duration(getDuration("RUNSTORE_TTL", time.Duration(c.Store.TTL)))
	c.Store.EventMaxLen = getInt64("EVENT_MAX_LEN", c.Store.EventMaxLen)

	c.Runner.StageTimeout = Duration(getDuration("AMPLICONFLOW_STAGE_TIMEOUT", time.Duration(c.Runner.StageTimeout)))
	c.Params.Threads = getInt("AMPLICONFLOW_THREADS", c.Params.Threads)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Server.Addr = getEnv("AMPLICONFLOW_ADDR", c.Server.Addr)

	c.Telemetry.TracingEnabled = getBool("OTEL_ENABLED", c.Telemetry.TracingEnabled)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.PushgatewayURL = getEnv("PUSHGATEWAY_URL", c.Telemetry.PushgatewayURL)

	c.Publish.Backend = getEnv("AMPLICONFLOW_PUBLISH_BACKEND", c.Publish.Backend)
	c.Publish.Bucket = getEnv("AMPLICONFLOW_PUBLISH_BUCKET", c.Publish.Bucket)
	c.Publish.Region = getEnv("AWS_REGION", c.Publish.Region)
	c.Publish.Endpoint = getEnv("AWS_ENDPOINT_URL_S3", c.Publish.Endpoint)
}

// Source returns the file the config was loaded from.
func (c *Config) Source() string { return c.source }

// ResolveInput resolves an input path against the config file's directory.
// Absolute paths and configs built in memory are returned unchanged.
func (c *Config) ResolveInput(p string) string {
	if p == "" || filepath.IsAbs(p) || c.source == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.source), p)
}

// ResolvedInputs returns Inputs with every path made absolute relative to
// the config file.
func (c *Config) ResolvedInputs() amplicon.Inputs {
	in := c.Inputs
	for _, p := range []*string{&in.ForwardReads, &in.ReverseReads, &in.Metadata, &in.Classifier} {
		if *p == "" {
			continue
		}
		if abs, err := filepath.Abs(c.ResolveInput(*p)); err == nil {
			*p = abs
		}
	}
	return in
}

// StorePath returns the sqlite file for workdir.
func (c *Config) StorePath(workdir string) string {
	if c.Store.Path == "" {
		return filepath.Join(workdir, ".ampliconflow", "runs.db")
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(workdir, c.Store.Path)
}

// Write renders cfg to path in the format given by its extension.
func Write(path string, cfg *Config) error {
	format, err := formatOf(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	case "toml":
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Duration is a time.Duration written as a Go duration string in every
// config format.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
