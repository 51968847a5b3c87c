package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos/internal/config"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoad_OverridesLayerOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_min_fill_percent: 0.5\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.DefaultMinFillPercent)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, config.Defaults().MarketDataIntervalMS, cfg.MarketDataIntervalMS)
	assert.Equal(t, config.Defaults().DefaultSnapshotDepth, cfg.DefaultSnapshotDepth)
}

func TestLoad_NonexistentPathErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_UnparsablePathErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: [["), 0o644))

	_, err := config.Load(path)
	assert.Error(t, err)
}
