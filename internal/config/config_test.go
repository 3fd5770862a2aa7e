package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Archive.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Messages.DuplicateWindow.Std())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "chatcore.yaml")
	yamlData := `
database:
  path: /var/lib/chatcore/chat.db
messages:
  duplicate_window: 30s
  banned_words: [spam, scam]
archive:
  batch_size: 50
  retry_cron: "0 * * * *"
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0600))

	t.Setenv("CHATCORE_ARCHIVE_BATCH_SIZE", "25")
	t.Setenv("CHATCORE_LISTEN_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/chatcore/chat.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Messages.DuplicateWindow.Std())
	assert.Equal(t, []string{"spam", "scam"}, cfg.Messages.BannedWords)
	assert.Equal(t, 25, cfg.Archive.BatchSize, "env overrides file")
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultMaxMessageLength, cfg.Messages.MaxLength, "unset keys keep defaults")
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDBPath, cfg.Database.Path)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("does-not-exist.yaml")
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHATCORE_DB_PATH=from-dotenv.db\n"), 0600))
	t.Setenv("CHATCORE_DB_PATH", "")
	require.NoError(t, os.Unsetenv("CHATCORE_DB_PATH"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Archive.BatchSize = 0 }},
		{"bad cron", func(c *Config) { c.Archive.RetryCron = "every tuesday" }},
		{"min above max", func(c *Config) { c.Messages.MinLength = 10; c.Messages.MaxLength = 5 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit.RequestsPerSecond = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
