package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 993, cfg.Watcher.Port)
	assert.Equal(t, "archive", cfg.Watcher.EmptyMessageAction)
	assert.Equal(t, 1, cfg.Dispatcher.Workers)
	assert.Len(t, cfg.Enrichment.Nameservers, 2)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/dmarcwatch.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
watcher:
  enabled: true
  host: imap.example.com
  empty_message_action: flag
dispatcher:
  workers: 4
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Watcher.Enabled)
	assert.Equal(t, "imap.example.com", cfg.Watcher.Host)
	assert.Equal(t, "flag", cfg.Watcher.EmptyMessageAction)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "INBOX", cfg.Watcher.Mailbox)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watcher: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
