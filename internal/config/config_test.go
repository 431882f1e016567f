package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 8, cfg.Engine.MaxRounds)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Store.Path, cfg.Store.Path)
}

func TestLoadParsesAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
user:
  id: amelia
engine:
  idle_timeout: 5m
  max_rounds: 3
store:
  path: /tmp/v.db
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	t.Setenv("VERDANT_DB", "/srv/verdant.db")
	t.Setenv("VERDANT_LLM_API_KEY", "test-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "amelia", cfg.User.ID)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout())
	assert.Equal(t, 3, cfg.Engine.MaxRounds)
	assert.Equal(t, "/srv/verdant.db", cfg.Store.Path, "env override wins over file")
	assert.Equal(t, "test-key", cfg.LLM.APIKey)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.IdleTimeout = "soon"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Engine.MaxRounds = 0
	assert.Error(t, cfg.Validate())
}
