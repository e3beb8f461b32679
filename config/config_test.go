package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pboted.yml")
	raw := "host: 203.0.113.7\nsam:\n  name: mynode\nloglevel: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "203.0.113.7", cfg.Host)
	assert.Equal(t, "mynode", cfg.SAM.Name)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Everything omitted gets a default.
	assert.Equal(t, uint16(5670), cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.SAM.Address)
	assert.Equal(t, uint16(7656), cfg.SAM.TCP)
	assert.Equal(t, uint16(7655), cfg.SAM.UDP)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadBootstrapList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pboted.yml")
	raw := "bootstrap:\n  address:\n    - AAAA\n    - BBBB\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA", "BBBB"}, cfg.Bootstrap.Address)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- ["), 0o644))

	_, err := Load(context.Background(), path)
	assert.Error(t, err)
}
