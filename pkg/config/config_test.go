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
	cfg := LoadDefaults()
	assert.Equal(t, 10, cfg.Compiler.MaxHops)
	assert.False(t, cfg.Compiler.AllowCartesianProduct)
	assert.Equal(t, 1024, cfg.Cache.Size)
	assert.Equal(t, "./schemas", cfg.Schemas.Dir)
	assert.Equal(t, time.Duration(0), cfg.Schemas.RefreshInterval)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("HUGIN_MAX_HOPS", "5")
	t.Setenv("HUGIN_ALLOW_CARTESIAN", "true")
	t.Setenv("HUGIN_CACHE_SIZE", "64")
	t.Setenv("HUGIN_SCHEMA_DIR", "/etc/hugin/schemas")
	t.Setenv("HUGIN_SCHEMA_REFRESH", "30s")
	t.Setenv("HUGIN_LOG_LEVEL", "DEBUG")
	t.Setenv("HUGIN_LOG_FORMAT", "json")

	cfg := LoadFromEnv()
	assert.Equal(t, 5, cfg.Compiler.MaxHops)
	assert.True(t, cfg.Compiler.AllowCartesianProduct)
	assert.Equal(t, 64, cfg.Cache.Size)
	assert.Equal(t, "/etc/hugin/schemas", cfg.Schemas.Dir)
	assert.Equal(t, 30*time.Second, cfg.Schemas.RefreshInterval)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("HUGIN_SCHEMA_REFRESH", "45")
	cfg := LoadFromEnv()
	assert.Equal(t, 45*time.Second, cfg.Schemas.RefreshInterval)
}

func TestEnvBoolVariants(t *testing.T) {
	for _, val := range []string{"true", "1", "yes", "on", "TRUE"} {
		t.Setenv("HUGIN_ALLOW_CARTESIAN", val)
		assert.True(t, LoadFromEnv().Compiler.AllowCartesianProduct, val)
	}
	t.Setenv("HUGIN_ALLOW_CARTESIAN", "false")
	assert.False(t, LoadFromEnv().Compiler.AllowCartesianProduct)
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
compiler:
  max_hops: 6
  allow_cartesian: true
cache:
  size: 128
schemas:
  dir: /srv/schemas
  refresh: 1m
logging:
  level: WARN
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Compiler.MaxHops)
	assert.True(t, cfg.Compiler.AllowCartesianProduct)
	assert.Equal(t, 128, cfg.Cache.Size)
	assert.Equal(t, "/srv/schemas", cfg.Schemas.Dir)
	assert.Equal(t, time.Minute, cfg.Schemas.RefreshInterval)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	// Unset file keys keep their defaults.
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compiler:\n  max_hops: 6\n"), 0o644))
	t.Setenv("HUGIN_MAX_HOPS", "3")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Compiler.MaxHops)
}

func TestLoadFromFileMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Compiler.MaxHops)
}

func TestLoadFromFileRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("compiler: [not a map"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromFileRejectsBadRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schemas:\n  refresh: soon\n"), 0o644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max hops below one", func(c *Config) { c.Compiler.MaxHops = 0 }},
		{"negative cache size", func(c *Config) { c.Cache.Size = -1 }},
		{"unknown log level", func(c *Config) { c.Logging.Level = "LOUD" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// chdir stands in for t.Chdir, which requires Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestFindConfigFileReturnsEmptyWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", filepath.Join(dir, "home"))
	assert.Empty(t, FindConfigFile())
}

func TestFindConfigFilePrefersCurrentDirectory(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("HOME", filepath.Join(dir, "home"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hugin.yaml"), []byte("{}"), 0o644))
	assert.Equal(t, "hugin.yaml", FindConfigFile())
}
