package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromExpandsEnv(t *testing.T) {
	t.Setenv("TEST_BOT_TOKEN", "sekrit")
	path := writeConfig(t, `
token: ${TEST_BOT_TOKEN}
intents: 3276799
shard:
  index: 1
  count: 4
cache:
  max_messages: 200
voice:
  timeout: 10s
`)

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Token)
	assert.Equal(t, 3276799, cfg.Intents)
	assert.Equal(t, 1, cfg.Shard.Index)
	assert.Equal(t, 4, cfg.Shard.Count)
	assert.Equal(t, 200, cfg.Cache.MaxMessages)
	assert.Equal(t, 10*time.Second, cfg.Voice.Timeout)
	// Unset fields keep their defaults.
	assert.Equal(t, "https://discord.com/api/v10", cfg.API.BaseURL)
	assert.Equal(t, 5, cfg.Voice.MaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestTokenFallsBackToEnv(t *testing.T) {
	t.Setenv("ACCORD_TOKEN", "from-env")
	path := writeConfig(t, "intents: 1\n")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "missing token")

	cfg.Token = "t"
	assert.NoError(t, cfg.Validate())

	cfg.Shard = ShardConfig{Index: 4, Count: 4}
	assert.Error(t, cfg.Validate(), "shard index out of range")
}
