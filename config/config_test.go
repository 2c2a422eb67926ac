package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := NewDefaultConfig()
	cfg.S3.Endpoint = "localhost:9000"
	cfg.IMAP.Host = "imap.example.com"
	return cfg
}

func TestNewDefaultConfig_Validates(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	ttl, err := cfg.Cache.GetTTL()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, ttl)

	dedupeTTL, err := cfg.Ingest.GetDedupeCacheTTL()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, dedupeTTL)

	maxSize, err := cfg.Ingest.GetMaxAttachmentSize()
	require.NoError(t, err)
	assert.Equal(t, int64(25*1024*1024), maxSize)

	poll, err := cfg.Ingest.GetPollInterval()
	require.NoError(t, err)
	assert.Zero(t, poll, "polling is disabled by default")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "mysql"
	cfg.IMAP.TLSMode = "ssl"
	cfg.Ingest.MaxCount = 500
	cfg.Cache.TTL = "soon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "mysql"`)
	assert.Contains(t, err.Error(), `unknown tls_mode "ssl"`)
	assert.Contains(t, err.Error(), "max_count")
	assert.Contains(t, err.Error(), "cache.ttl")
}

func TestValidate_RejectsBadPollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.PollInterval = "every now and then"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.poll_interval")

	cfg.Ingest.PollInterval = "5m"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_SQLiteRequiresDSN(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Database.DSN = ":memory:"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_APIKeyRequiredWhenStarted(t *testing.T) {
	cfg := validConfig()
	cfg.HTTPAPI.Start = true
	assert.Error(t, cfg.Validate())

	cfg.HTTPAPI.APIKey = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
driver = "sqlite"
dsn = "  /var/lib/mailingest/mail.db  "

[imap]
host = "imap.example.com"
tls_mode = "starttls"
connect_timeout = "10s"

[ingest]
batch_size = 15
identity_mode = "content_hash"
typo_setting = 1

[accounts]
env_file = ".env"

[accounts.access]
ops = [" 1 ", "2"]
admin = ["*"]

[[accounts.display]]
id = 1
display_name = "Operations"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(configPath, &cfg))

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/var/lib/mailingest/mail.db", cfg.Database.DSN, "strings are trimmed")
	assert.Equal(t, "starttls", cfg.IMAP.TLSMode)
	assert.Equal(t, 15, cfg.Ingest.BatchSize)
	assert.Equal(t, "content_hash", cfg.Ingest.IdentityMode)
	assert.Equal(t, []string{"1", "2"}, cfg.Accounts.Access["ops"])
	assert.Equal(t, []string{"*"}, cfg.Accounts.Access["admin"])
	require.Len(t, cfg.Accounts.Display, 1)
	assert.Equal(t, "Operations", cfg.Accounts.Display[0].DisplayName)

	timeout, err := cfg.IMAP.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, timeout)

	// untouched defaults survive
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, 10, cfg.Ingest.ParseConcurrency)
}

func TestLoadConfigFromFile_SyntaxErrorHint(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[imap]\nkeep_alive = f\n"), 0o644))

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestConnString(t *testing.T) {
	d := DatabaseConfig{Host: "db", User: "u", Password: "p", Name: "mail", TLSMode: true}
	assert.Equal(t, "postgres://u:p@db:5432/mail?sslmode=require", d.ConnString())
}
