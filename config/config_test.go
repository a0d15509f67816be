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

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "leveldb", cfg.Storage.Engine)
	assert.Equal(t, 20, cfg.Registry.MaxSources)
	assert.True(t, cfg.Chain.AutoMine)
	assert.Equal(t, 10*time.Second, cfg.Staking.Timeout)
	assert.Empty(t, cfg.Dispatch.URL)
}

func TestLoad_ShippedFile(t *testing.T) {
	cfg, err := Load("config.yaml")
	require.NoError(t, err)

	require.Len(t, cfg.Staking.Sources, 1)
	assert.Equal(t, "http://localhost:9100", cfg.Staking.Sources[0].URL)
	require.Len(t, cfg.Tokens, 1)
	assert.Equal(t, "wGOV", cfg.Tokens[0].Symbol)
	assert.Equal(t, 5.0, cfg.Dispatch.Rate)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VA_SERVER_PORT", "9999")
	t.Setenv("VA_STORAGE_ENGINE", "pebble")

	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "pebble", cfg.Storage.Engine)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown engine", "storage:\n  engine: bolt\n"},
		{"no sources allowed", "registry:\n  max_sources: 0\n"},
		{"staking without url", "staking:\n  sources:\n    - address: \"0x01\"\n"},
		{"token without address", "tokens:\n  - name: x\n"},
		{"start block past the bound", "chain:\n  start_block: 4611686018427387905\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
