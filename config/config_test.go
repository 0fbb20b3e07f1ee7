package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "5000", c.HTTPPort)
	assert.False(t, c.IndexerEnabled)
	assert.True(t, c.LogAllTxs)
	assert.Equal(t, 30*time.Second, c.BroadcastTimeout)
	assert.Equal(t, 10, c.DBConnectRetries)
}

func TestLoadFileAndEnv(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0o755))
	toml := `
http_port = "7000"
postgres_dsn = "postgresql://postgres:pw@localhost:5432/postgres"
indexer_enabled = true
broadcast_timeout = "5s"
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config", "htlc.toml"), []byte(toml), 0o644))
	t.Setenv("HTLC_HTTP_PORT", "7100")

	c, err := Load(home)
	require.NoError(t, err)
	assert.Equal(t, "7100", c.HTTPPort)
	assert.True(t, c.IndexerEnabled)
	assert.Equal(t, 5*time.Second, c.BroadcastTimeout)
}

func TestValidate(t *testing.T) {
	c := &Config{HTTPPort: "5000", BroadcastTimeout: time.Second, IndexerEnabled: true}
	assert.Error(t, c.Validate())
	c.PostgresDSN = "postgresql://localhost/postgres"
	assert.NoError(t, c.Validate())
	c.BroadcastTimeout = 0
	assert.Error(t, c.Validate())
	c = &Config{BroadcastTimeout: time.Second}
	assert.Error(t, c.Validate())
}
