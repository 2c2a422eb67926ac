package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/freightdesk/mailingest/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig selects and configures the persistent email store.
type DatabaseConfig struct {
	Driver         string `toml:"driver"` // "postgres" or "sqlite"
	DSN            string `toml:"dsn"`    // sqlite file path or ":memory:"
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	Name           string `toml:"name"`
	TLSMode        bool   `toml:"tls"`
	MaxConns       int    `toml:"max_conns"`
	MinConns       int    `toml:"min_conns"`
	QueryTimeout   string `toml:"query_timeout"`
	MigrateOnStart bool   `toml:"migrate_on_start"`
	Debug          bool   `toml:"debug"` // Log every SQL statement
}

// GetQueryTimeout parses the per-call store timeout.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// ConnString builds a postgres URL from the discrete fields.
func (d *DatabaseConfig) ConnString() string {
	sslMode := "disable"
	if d.TLSMode {
		sslMode = "require"
	}
	port := d.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, port),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

// S3Config holds blob store configuration.
type S3Config struct {
	Endpoint         string `toml:"endpoint"`
	DisableTLS       bool   `toml:"disable_tls"`
	AccessKey        string `toml:"access_key"`
	SecretKey        string `toml:"secret_key"`
	Bucket           string `toml:"bucket"`
	PublicBaseURL    string `toml:"public_base_url"` // e.g. a CDN in front of the bucket
	PublicRead       bool   `toml:"public_read"`     // apply an anonymous read policy to attachments/
	OperationTimeout string `toml:"operation_timeout"`
	Debug            bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// GetOperationTimeout parses the per-object timeout.
func (s *S3Config) GetOperationTimeout() (time.Duration, error) {
	if s.OperationTimeout == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(s.OperationTimeout)
}

// IMAPConfig holds connection settings shared by every mailbox account.
type IMAPConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	TLSMode            string `toml:"tls_mode"` // "tls", "starttls" or "none"
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Auth               string `toml:"auth"` // "login" or "plain"
	Mailbox            string `toml:"mailbox"`
	ConnectTimeout     string `toml:"connect_timeout"`
	NoopTimeout        string `toml:"noop_timeout"`
	ConnectAttempts    int    `toml:"connect_attempts"`
	ConnectRetryDelay  string `toml:"connect_retry_delay"`
	KeepAlive          bool   `toml:"keep_alive"` // keep sessions pooled between runs
	Debug              bool   `toml:"debug"`
}

// Addr returns host:port.
func (c *IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *IMAPConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 25 * time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectTimeout)
}

func (c *IMAPConfig) GetNoopTimeout() (time.Duration, error) {
	if c.NoopTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.NoopTimeout)
}

func (c *IMAPConfig) GetConnectRetryDelay() (time.Duration, error) {
	if c.ConnectRetryDelay == "" {
		return 2 * time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectRetryDelay)
}

// IngestConfig tunes the ingestion pipeline.
type IngestConfig struct {
	DefaultCount          int    `toml:"default_count"`
	MaxCount              int    `toml:"max_count"`
	ParseConcurrency      int    `toml:"parse_concurrency"`
	AttachmentConcurrency int    `toml:"attachment_concurrency"`
	BatchSize             int    `toml:"batch_size"`
	BatchPause            string `toml:"batch_pause"`
	DedupeCacheTTL        string `toml:"dedupe_cache_ttl"`
	DedupeCacheCapacity   int    `toml:"dedupe_cache_capacity"`
	IdentityMode          string `toml:"identity_mode"` // "random" or "content_hash"
	MaxAttachmentSize     string `toml:"max_attachment_size"`
	UploadAttempts        int    `toml:"upload_attempts"`
	UploadBackoff         string `toml:"upload_backoff"` // linear step
	PollInterval          string `toml:"poll_interval"`  // empty disables polling
	PollCount             int    `toml:"poll_count"`
}

func (c *IngestConfig) GetBatchPause() (time.Duration, error) {
	if c.BatchPause == "" {
		return 100 * time.Millisecond, nil
	}
	return helpers.ParseDuration(c.BatchPause)
}

func (c *IngestConfig) GetDedupeCacheTTL() (time.Duration, error) {
	if c.DedupeCacheTTL == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(c.DedupeCacheTTL)
}

func (c *IngestConfig) GetMaxAttachmentSize() (int64, error) {
	if c.MaxAttachmentSize == "" {
		return 25 * 1024 * 1024, nil
	}
	return helpers.ParseSize(c.MaxAttachmentSize)
}

func (c *IngestConfig) GetUploadBackoff() (time.Duration, error) {
	if c.UploadBackoff == "" {
		return 500 * time.Millisecond, nil
	}
	return helpers.ParseDuration(c.UploadBackoff)
}

// GetPollInterval returns zero when polling is disabled.
func (c *IngestConfig) GetPollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return 0, nil
	}
	return helpers.ParseDuration(c.PollInterval)
}

// CacheConfig configures the read-through result cache.
type CacheConfig struct {
	TTL      string `toml:"ttl"`
	Capacity int    `toml:"capacity"`
}

func (c *CacheConfig) GetTTL() (time.Duration, error) {
	if c.TTL == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(c.TTL)
}

// AccountDisplay overrides the display name of an account loaded from the environment.
type AccountDisplay struct {
	ID          int    `toml:"id"`
	DisplayName string `toml:"display_name"`
}

// AccountsConfig describes where credentials come from and who may read which account.
type AccountsConfig struct {
	EnvFile string              `toml:"env_file"` // optional .env file holding ACCOUNT_CONFIG_{n}
	Display []AccountDisplay    `toml:"display"`
	Access  map[string][]string `toml:"access"` // principal -> account ids, "*" grants all
}

// HTTPAPIConfig holds HTTP API server configuration
type HTTPAPIConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	APIKey          string   `toml:"api_key"`
	AllowedHosts    []string `toml:"allowed_hosts"`   // If empty, all hosts are allowed
	TrustedProxies  []string `toml:"trusted_proxies"` // IPs/CIDRs allowed to set X-Forwarded-For
	PrincipalHeader string   `toml:"principal_header"`
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	IMAP     IMAPConfig     `toml:"imap"`
	Ingest   IngestConfig   `toml:"ingest"`
	Cache    CacheConfig    `toml:"cache"`
	Accounts AccountsConfig `toml:"accounts"`
	HTTPAPI  HTTPAPIConfig  `toml:"http_api"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Name:           "mailingest",
			MaxConns:       20,
			MinConns:       2,
			QueryTimeout:   "30s",
			MigrateOnStart: true,
		},
		S3: S3Config{
			Bucket:           "mail-attachments",
			PublicRead:       true,
			OperationTimeout: "60s",
		},
		IMAP: IMAPConfig{
			Port:              993,
			TLSMode:           "tls",
			Auth:              "login",
			Mailbox:           "INBOX",
			ConnectTimeout:    "25s",
			NoopTimeout:       "5s",
			ConnectAttempts:   3,
			ConnectRetryDelay: "2s",
			KeepAlive:         true,
		},
		Ingest: IngestConfig{
			DefaultCount:          20,
			MaxCount:              100,
			ParseConcurrency:      10,
			AttachmentConcurrency: 4,
			BatchSize:             10,
			BatchPause:            "100ms",
			DedupeCacheTTL:        "2m",
			DedupeCacheCapacity:   2000,
			IdentityMode:          "random",
			MaxAttachmentSize:     "25mb",
			UploadAttempts:        3,
			UploadBackoff:         "500ms",
			PollCount:             20,
		},
		Cache: CacheConfig{
			TTL:      "5m",
			Capacity: 2000,
		},
		HTTPAPI: HTTPAPIConfig{
			Addr:            ":8080",
			PrincipalHeader: "X-Principal",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// Validate checks settings that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			errs = append(errs, errors.New("database: host and name are required for the postgres driver"))
		}
	case "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database: dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}

	if c.S3.Endpoint == "" || c.S3.Bucket == "" {
		errs = append(errs, errors.New("s3: endpoint and bucket are required"))
	}

	if c.IMAP.Host == "" {
		errs = append(errs, errors.New("imap: host is required"))
	}
	switch c.IMAP.TLSMode {
	case "tls", "starttls", "none":
	default:
		errs = append(errs, fmt.Errorf("imap: unknown tls_mode %q", c.IMAP.TLSMode))
	}
	switch c.IMAP.Auth {
	case "login", "plain":
	default:
		errs = append(errs, fmt.Errorf("imap: unknown auth %q", c.IMAP.Auth))
	}
	if c.IMAP.ConnectAttempts < 1 {
		errs = append(errs, errors.New("imap: connect_attempts must be at least 1"))
	}

	if c.Ingest.MaxCount < 1 || c.Ingest.MaxCount > 100 {
		errs = append(errs, errors.New("ingest: max_count must be between 1 and 100"))
	}
	if c.Ingest.BatchSize < 1 {
		errs = append(errs, errors.New("ingest: batch_size must be at least 1"))
	}
	switch c.Ingest.IdentityMode {
	case "random", "content_hash":
	default:
		errs = append(errs, fmt.Errorf("ingest: unknown identity_mode %q", c.Ingest.IdentityMode))
	}

	if c.HTTPAPI.Start && c.HTTPAPI.APIKey == "" {
		errs = append(errs, errors.New("http_api: api_key is required when the API is started"))
	}

	for _, check := range []struct {
		name string
		fn   func() error
	}{
		{"database.query_timeout", func() error { _, err := c.Database.GetQueryTimeout(); return err }},
		{"s3.operation_timeout", func() error { _, err := c.S3.GetOperationTimeout(); return err }},
		{"imap.connect_timeout", func() error { _, err := c.IMAP.GetConnectTimeout(); return err }},
		{"imap.noop_timeout", func() error { _, err := c.IMAP.GetNoopTimeout(); return err }},
		{"imap.connect_retry_delay", func() error { _, err := c.IMAP.GetConnectRetryDelay(); return err }},
		{"ingest.batch_pause", func() error { _, err := c.Ingest.GetBatchPause(); return err }},
		{"ingest.dedupe_cache_ttl", func() error { _, err := c.Ingest.GetDedupeCacheTTL(); return err }},
		{"ingest.max_attachment_size", func() error { _, err := c.Ingest.GetMaxAttachmentSize(); return err }},
		{"ingest.upload_backoff", func() error { _, err := c.Ingest.GetUploadBackoff(); return err }},
		{"ingest.poll_interval", func() error { _, err := c.Ingest.GetPollInterval(); return err }},
		{"cache.ttl", func() error { _, err := c.Cache.GetTTL(); return err }},
	} {
		if err := check.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", check.name, err))
		}
	}

	return errors.Join(errs...)
}

// LoadConfigFromFile decodes a TOML file over cfg and trims whitespace from all
// string fields. Unknown keys are logged and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds hints for common TOML mistakes
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	switch {
	case strings.Contains(errMsg, "has already been defined"):
		return fmt.Errorf("%w\n\nHINT: a configuration key appears twice in the same section", err)
	case strings.Contains(errMsg, "expected value but found \"f\""),
		strings.Contains(errMsg, "expected value but found \"t\""):
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	case strings.Contains(errMsg, "expected"), strings.Contains(errMsg, "invalid"):
		return fmt.Errorf("%w\n\nHINT: check quoting, brackets and section headers in the TOML file", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String || v.Type().Elem().Kind() != reflect.Slice {
			return
		}
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			trimmed := reflect.MakeSlice(elem.Type(), elem.Len(), elem.Len())
			reflect.Copy(trimmed, elem)
			trimStringFields(trimmed)
			v.SetMapIndex(key, trimmed)
		}
	}
}
