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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `{
		"port": 8080,
		"auth": "swordfish",
		"maxFetchConcurrency": 3,
		"historyPath": "evals.db"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "swordfish", cfg.Auth)
	assert.Equal(t, 3, cfg.MaxFetchConcurrency)
	assert.Equal(t, "evals.db", cfg.HistoryPath)
	assert.Equal(t, 5*1024*1024, cfg.MaxResponseBytes)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `{"auth": "swordfish"}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 5, cfg.MaxFetchConcurrency)
	assert.Empty(t, cfg.HistoryPath)
}

func TestLoad_MissingAuth(t *testing.T) {
	path := writeConfig(t, `{"port": 8080}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "auth secret")
}

func TestLoad_BadConcurrency(t *testing.T) {
	path := writeConfig(t, `{"auth": "s", "maxFetchConcurrency": 0}`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "maxFetchConcurrency")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
