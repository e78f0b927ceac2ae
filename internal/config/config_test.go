package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestConfigFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annex.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr = ":9000"
dimension = 384
metric = "cosine"
autosave_interval = "30s"
`), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 384, cfg.Dimension)
	assert.Equal(t, "cosine", cfg.Metric)
	assert.Equal(t, 30*time.Second, cfg.AutoSaveInterval)
	// Untouched keys keep their defaults.
	assert.Equal(t, 16, cfg.M)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ANNEX_DIMENSION", "64")
	t.Setenv("ANNEX_METRIC", "dot")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Dimension)
	assert.Equal(t, "dot", cfg.Metric)
}

func TestFlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("ANNEX_DIMENSION", "64")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("dimension", Default().Dimension, "")
	require.NoError(t, flags.Parse([]string{"--dimension=32"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Dimension)
}

func TestValidation(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("dimension", Default().Dimension, "")
	require.NoError(t, flags.Parse([]string{"--dimension=0"}))

	_, err := Load("", flags)
	assert.Error(t, err)
}
