package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/tokentracker/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokentracker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 5005, cfg.Port)
	assert.Equal(t, 300*time.Second, cfg.UpstreamReadTimeout)
	assert.Equal(t, "message_delta", cfg.Events.Terminal)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
port: 6006
upstream: http://127.0.0.1:9999
response_header_timeout: 45s
upstream_read_timeout: 90s
events:
  incremental: [content_block_delta]
pricing:
  claude-next:
    input: 2
    output: 8
    cache_creation: 2.5
    cache_read: 0.2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 6006, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.ResponseHeaderTimeout)
	assert.Equal(t, 90*time.Second, cfg.UpstreamReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout)
	assert.Equal(t, "message_start", cfg.Events.Start)
	assert.Equal(t, []string{"content_block_delta"}, cfg.Events.Incremental)
	assert.Equal(t, 8.0, cfg.Pricing["claude-next"].OutputPerMillion)

	u, err := cfg.UpstreamURL()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", u.Host)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "port: [not, a, number]"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	cfg.DB = ""
	cfg.Upstream = "api.anthropic.com"
	cfg.DialTimeout = 0
	cfg.UpstreamReadTimeout = -time.Second
	cfg.BindRetries = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port: must be at most 65535 (got 70000)")
	assert.Contains(t, err.Error(), "db: is required")
	assert.Contains(t, err.Error(), `upstream: must be an http or https URL (got "api.anthropic.com")`)
	assert.Contains(t, err.Error(), "dial_timeout: must be greater than 0")
	assert.Contains(t, err.Error(), "upstream_read_timeout: must be greater than 0")
	assert.Contains(t, err.Error(), "bind_retries: must be at least 1")
}

func TestValidateNestedSections(t *testing.T) {
	cfg := Default()
	cfg.Events.Terminal = ""
	cfg.Pricing = map[string]model.ModelPricing{
		"claude-next": {InputPerMillion: -1},
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events.terminal: is required")
	assert.Contains(t, err.Error(), "pricing[claude-next].input: must be at least 0")
}

func TestUpstreamURLRejectsOtherSchemes(t *testing.T) {
	cfg := Default()
	cfg.Upstream = "ftp://api.anthropic.com"
	_, err := cfg.UpstreamURL()
	assert.Error(t, err)
	assert.Error(t, cfg.Validate())
}

func TestDBPathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	path, err := cfg.DBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".tokentracker", "usage.db"), path)

	cfg.DB = "/var/lib/tokentracker/usage.db"
	path, err = cfg.DBPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tokentracker/usage.db", path)
}
