package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Story.SceneCount)
	assert.Equal(t, 50, cfg.Story.SimplifyMinLen)
	assert.Equal(t, 5, cfg.Story.CacheLimit)
	assert.Equal(t, 0.6, cfg.Affect.ConfusionThreshold)
}

func TestValidateRanges(t *testing.T) {
	cases := map[string]func(*Config){
		"scene count":   func(c *Config) { c.Story.SceneCount = 7 },
		"poll interval": func(c *Config) { c.Media.VideoPollInterval = time.Second },
		"affect":        func(c *Config) { c.Affect.Interval = 30 * time.Second },
		"driver":        func(c *Config) { c.Storage.Driver = "redis" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Story.CacheLimit = 0
	cfg.Media.VideoMaxPolls = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Story.CacheLimit)
	assert.Equal(t, 60, cfg.Media.VideoMaxPolls)
}

func TestLoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("PORT", "9090")
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("STORYLOOM_SCENE_COUNT", "4")
	t.Setenv("STORYLOOM_STORE", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, 4, cfg.Story.SceneCount)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.DirExists(t, filepath.Join(dir, "data"))
}

func TestInitConfigOverlaysFileAndNeverWritesPlainKey(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("GEMINI_API_KEY", "env-key")
	t.Setenv("STORYLOOM_SECRET", "")
	t.Setenv("STORYLOOM_CONFIG", "")

	saved := Default()
	saved.Story.DefaultLanguage = "fr"
	saved.Story.SimplifyMinLen = 80
	data, err := yaml.Marshal(saved)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600))

	require.NoError(t, InitConfig(dir))
	cfg := GetCurrentConfig()
	assert.Equal(t, "fr", cfg.Story.DefaultLanguage)
	assert.Equal(t, 80, cfg.Story.SimplifyMinLen)
	assert.Equal(t, "env-key", cfg.LLM.APIKey)

	written, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(written), "env-key")
}

func TestUpdateAPIKeySealsWithSecret(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("STORYLOOM_SECRET", "s3cret")
	t.Setenv("STORYLOOM_CONFIG", "")

	require.NoError(t, InitConfig(dir))
	require.NoError(t, UpdateAPIKey("new-key"))

	written, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(written), "new-key")
	assert.Contains(t, string(written), "enc:v1:")

	// a fresh start opens the sealed key from the file
	require.NoError(t, InitConfig(dir))
	assert.Equal(t, "new-key", GetCurrentConfig().LLM.APIKey)
}
