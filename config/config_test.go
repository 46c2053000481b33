package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()

	assert.EqualValues(t, 1_000_000, cfg.SplitSize)
	assert.Equal(t, 10, cfg.InitialDelayCoefficient)
	assert.True(t, cfg.InitialDelayPrediction)
	assert.True(t, cfg.DynamicBlockNumSelection)
	assert.True(t, cfg.DuplicateRequest)
	assert.True(t, cfg.AllowRedirects)
	assert.Equal(t, 20, cfg.Threshold)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	cfg.URLs = []string{"http://a"}

	assert.NoError(t, cfg.Validate())

	empty := Default()
	assert.Error(t, empty.Validate(), "no urls should fail validation")

	bad := Default()
	bad.URLs = []string{"http://a"}
	bad.SplitSize = 0
	assert.Error(t, bad.Validate())

	bad.SplitSize = 10
	bad.Threshold = -1
	assert.Error(t, bad.Validate())
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rangedl.yaml")

	content := "urls:\n  - http://mirror-a\n  - http://mirror-b\nsplit_size: 2000000\nthreshold: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://mirror-a", "http://mirror-b"}, []string(cfg.URLs))
	assert.EqualValues(t, 2_000_000, cfg.SplitSize)
	assert.Equal(t, 5, cfg.Threshold)
	// Untouched fields keep their documented defaults.
	assert.True(t, cfg.DuplicateRequest)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
