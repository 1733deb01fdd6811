package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethpandaops/flakeaudit/pkg/fsutil"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix of environment variable overrides.
	EnvPrefix = "FLAKEAUDIT"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for audit results.
	DefaultResultsDir = "./results"

	// DefaultTestSlownessThreshold flags tests slower than this.
	DefaultTestSlownessThreshold = 5 * time.Second

	// DefaultCommandSlownessThreshold flags commands slower than this.
	DefaultCommandSlownessThreshold = 1500 * time.Millisecond

	// DefaultConsoleType is the default terminal report layout.
	DefaultConsoleType = ConsoleTypeTable

	// DefaultIndexInterval is how often serve re-indexes the results dir.
	DefaultIndexInterval = time.Minute

	// DefaultAPIListen is the default API listen address.
	DefaultAPIListen = ":9090"

	// DefaultDevToolsURL is the default Chrome DevTools endpoint.
	DefaultDevToolsURL = "http://127.0.0.1:9222"

	// DefaultConsolePrefix marks console messages carrying runner events.
	DefaultConsolePrefix = "flakeaudit:"
)

// Console report layouts.
const (
	ConsoleTypeList  = "list"
	ConsoleTypeTable = "table"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultResultTasks are reporter task names whose commands are left out of
// reconstructed graphs.
var DefaultResultTasks = []string{
	"displayTestDataInTerminal",
	"displayListInTerminal",
	"displayTableInTerminal",
	"displayStringTerminal",
	"displayTableTerminal",
}

// Config is the root configuration for flakeaudit.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Audit    AuditConfig    `yaml:"audit" mapstructure:"audit"`
	Results  ResultsConfig  `yaml:"results" mapstructure:"results"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Upload   UploadConfig   `yaml:"upload" mapstructure:"upload"`
	API      APIConfig      `yaml:"api" mapstructure:"api"`
	Watch    WatchConfig    `yaml:"watch" mapstructure:"watch"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// AuditConfig controls how runs are audited and reported.
type AuditConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// RunnerVersion is the version of the test runner producing events.
	// Older runners do not flag query commands themselves.
	RunnerVersion string `yaml:"runner_version,omitempty" mapstructure:"runner_version"`

	TestSlownessThreshold    time.Duration `yaml:"test_slowness_threshold" mapstructure:"test_slowness_threshold"`
	CommandSlownessThreshold time.Duration `yaml:"command_slowness_threshold" mapstructure:"command_slowness_threshold"`
	ConsoleType              string        `yaml:"console_type" mapstructure:"console_type"`
	Console                  bool          `yaml:"console" mapstructure:"console"`
	ResultTasks              []string      `yaml:"result_tasks,omitempty" mapstructure:"result_tasks"`
	CollectHostInfo          bool          `yaml:"collect_host_info" mapstructure:"collect_host_info"`
}

// ResultsConfig controls the results directory.
type ResultsConfig struct {
	Dir              string `yaml:"dir" mapstructure:"dir"`
	GenerateIndex    bool   `yaml:"generate_index" mapstructure:"generate_index"`
	GenerateMarkdown bool   `yaml:"generate_markdown" mapstructure:"generate_markdown"`
	// Owner is an optional UID:GID applied to written results.
	Owner string `yaml:"owner" mapstructure:"owner"`
}

// ParseOwner parses Owner, returning nil when unset.
func (r *ResultsConfig) ParseOwner() (*fsutil.Owner, error) {
	owner, err := fsutil.ParseOwner(r.Owner)
	if err != nil {
		return nil, fmt.Errorf("parsing results.owner: %w", err)
	}

	return owner, nil
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Enabled  bool                 `yaml:"enabled" mapstructure:"enabled"`
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`

	// IndexInterval is how often serve re-indexes the results directory.
	IndexInterval    time.Duration `yaml:"index_interval" mapstructure:"index_interval"`
	IndexConcurrency int           `yaml:"index_concurrency" mapstructure:"index_concurrency"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig contains remote upload settings.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
}

// APIConfig contains API server configuration.
type APIConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Auth        APIAuthConfig   `yaml:"auth,omitempty" mapstructure:"auth"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig configures bearer token authentication. Write endpoints
// always require a token when any token is configured.
type APIAuthConfig struct {
	AnonymousRead bool       `yaml:"anonymous_read" mapstructure:"anonymous_read"`
	Tokens        []APIToken `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// APIToken is a named bcrypt hash of a bearer token.
type APIToken struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// WatchConfig configures the Chrome DevTools event source.
type WatchConfig struct {
	DevToolsURL   string `yaml:"devtools_url" mapstructure:"devtools_url"`
	ConsolePrefix string `yaml:"console_prefix" mapstructure:"console_prefix"`

	// TargetURL selects the page whose URL contains it. Empty attaches to
	// the first page.
	TargetURL string `yaml:"target_url,omitempty" mapstructure:"target_url"`

	// Spec names the suite audited from the live browser.
	Spec string `yaml:"spec,omitempty" mapstructure:"spec"`
}

// Load reads the given configuration files, later files merging over
// earlier ones, then applies FLAKEAUDIT_* environment overrides. With no
// paths the defaults and environment are used alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}

		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("merging config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			durationHook,
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every scalar key so environment overrides apply
// even when a key is absent from all config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.runner_version", "")
	v.SetDefault("audit.test_slowness_threshold", DefaultTestSlownessThreshold.String())
	v.SetDefault("audit.command_slowness_threshold", DefaultCommandSlownessThreshold.String())
	v.SetDefault("audit.console_type", DefaultConsoleType)
	v.SetDefault("audit.console", true)
	v.SetDefault("audit.result_tasks", DefaultResultTasks)
	v.SetDefault("audit.collect_host_info", true)

	v.SetDefault("results.dir", DefaultResultsDir)
	v.SetDefault("results.generate_index", true)
	v.SetDefault("results.generate_markdown", true)
	v.SetDefault("results.owner", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.sqlite.path", "flakeaudit.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "flakeaudit")
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.index_interval", DefaultIndexInterval)
	v.SetDefault("database.index_concurrency", 4)

	v.SetDefault("upload.s3.enabled", false)
	v.SetDefault("upload.s3.endpoint_url", "")
	v.SetDefault("upload.s3.region", "")
	v.SetDefault("upload.s3.bucket", "")
	v.SetDefault("upload.s3.access_key_id", "")
	v.SetDefault("upload.s3.secret_access_key", "")
	v.SetDefault("upload.s3.prefix", "")
	v.SetDefault("upload.s3.storage_class", "")
	v.SetDefault("upload.s3.acl", "")
	v.SetDefault("upload.s3.force_path_style", false)

	v.SetDefault("api.listen", DefaultAPIListen)
	v.SetDefault("api.cors_origins", []string{})
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_minute", 600)
	v.SetDefault("api.auth.anonymous_read", true)

	v.SetDefault("watch.devtools_url", DefaultDevToolsURL)
	v.SetDefault("watch.console_prefix", DefaultConsolePrefix)
	v.SetDefault("watch.target_url", "")
	v.SetDefault("watch.spec", "")
}

var durationType = reflect.TypeOf(time.Duration(0))

// durationHook decodes durations from Go duration strings ("1.5s") or from
// plain numbers, which are taken as milliseconds.
func durationHook(f, t reflect.Type, data any) (any, error) {
	if t != durationType || f == durationType {
		return data, nil
	}

	switch v := data.(type) {
	case string:
		if v == "" {
			return time.Duration(0), nil
		}

		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", v, err)
		}

		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return data, nil
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Audit.TestSlownessThreshold <= 0 {
		return fmt.Errorf("audit.test_slowness_threshold must be positive")
	}

	if c.Audit.CommandSlownessThreshold <= 0 {
		return fmt.Errorf("audit.command_slowness_threshold must be positive")
	}

	switch c.Audit.ConsoleType {
	case ConsoleTypeList, ConsoleTypeTable:
	default:
		return fmt.Errorf("audit.console_type: unknown type %q", c.Audit.ConsoleType)
	}

	if _, err := c.Results.ParseOwner(); err != nil {
		return err
	}

	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3.bucket is required when s3 upload is enabled")
	}

	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
	}

	for i, token := range c.API.Auth.Tokens {
		if token.Hash == "" {
			return fmt.Errorf("api.auth.tokens[%d]: hash is required", i)
		}
	}

	return nil
}

// Validate checks the database settings.
func (d *DatabaseConfig) Validate() error {
	switch d.Driver {
	case DriverSQLite:
		if d.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case DriverPostgres:
		if d.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("database.driver: unknown driver %q", d.Driver)
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

