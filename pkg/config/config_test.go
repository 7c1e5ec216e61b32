package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
default_settings:
  timeout: 90
  seed: 42
output:
  runs_dir: /tmp/runs
database:
  enabled: true
  host: db.local
  port: 6543
elastic:
  enabled: true
  url: http://localhost:9200
`)

	m := NewManager(path)
	require.NoError(t, m.LoadConfig())
	cfg := m.GetConfig()

	assert.Equal(t, 90, cfg.DefaultSettings.Timeout)
	assert.Equal(t, int64(42), cfg.DefaultSettings.Seed)
	assert.Equal(t, "/tmp/runs", cfg.Output.RunsDir)
	assert.True(t, cfg.Output.Checkpoint, "unset keys keep their defaults")
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "tagtrain_epochs", cfg.Elastic.Index)
	assert.Equal(t, 60, cfg.Embeddings.Timeout)
	assert.Equal(t, path, m.Path())
}

func TestLoadConfigExplicitMissing(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	err := m.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)

	m := NewManager("")
	require.NoError(t, m.LoadConfig())
	assert.Equal(t, Default(), m.GetConfig())
}

func TestValidateConfig(t *testing.T) {
	cases := map[string]string{
		"negative timeout": "default_settings:\n  timeout: -1\n",
		"negative workers": "default_settings:\n  workers: -2\n",
		"zero emb timeout": "embeddings:\n  timeout: 0\n",
		"database no host": "database:\n  enabled: true\n  host: \"\"\n",
		"elastic no url":   "elastic:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			err := NewManager(writeConfig(t, body)).LoadConfig()
			assert.ErrorContains(t, err, "config validation failed")
		})
	}
}

func TestLoadExampleConfig(t *testing.T) {
	m := NewManager(filepath.Join("..", "..", "config.yaml.example"))
	require.NoError(t, m.LoadConfig())
	cfg := m.GetConfig()

	assert.Equal(t, GetRunsDir(), cfg.Output.RunsDir)
	assert.Equal(t, GetEmbeddingCacheDir(), cfg.Embeddings.CacheDir)
	assert.Equal(t, 60, cfg.Embeddings.Timeout)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.Elastic.Enabled)
}

func TestEmptyDirectoriesKeepDefaults(t *testing.T) {
	m := NewManager(writeConfig(t, "output:\n  runs_dir: \"\"\nembeddings:\n  cache_dir: \"\"\n"))
	require.NoError(t, m.LoadConfig())
	assert.Equal(t, GetRunsDir(), m.GetConfig().Output.RunsDir)
	assert.Equal(t, GetEmbeddingCacheDir(), m.GetConfig().Embeddings.CacheDir)
}

func TestLoadConfigBadYAML(t *testing.T) {
	err := NewManager(writeConfig(t, "default_settings: [")).LoadConfig()
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestPathsUseAppName(t *testing.T) {
	assert.Equal(t, "tagtrain", filepath.Base(GetConfigDir()))
	assert.Equal(t, "tagtrain", filepath.Base(GetCacheDir()))
	assert.Equal(t, "embeddings", filepath.Base(GetEmbeddingCacheDir()))
	assert.Equal(t, "runs", filepath.Base(GetRunsDir()))
	assert.Equal(t, "config.yaml", filepath.Base(GetDefaultConfigPath()))
}
