package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":3318", cfg.ListenAddr)
	assert.Equal(t, Duration(time.Second), cfg.PollInterval)
	assert.Equal(t, Duration(2*time.Second), cfg.MinJobInterval)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
token_file: "/etc/starbellyd/tokens.json"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "/etc/starbellyd/tokens.json", cfg.TokenFile)
	// Untouched by the file, so the default values survive the overlay.
	assert.Equal(t, Duration(time.Second), cfg.PollInterval)
	assert.Equal(t, Duration(2*time.Second), cfg.MinJobInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadParsesHumanReadableDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: "250ms"
min_job_interval: "5s"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Duration(250*time.Millisecond), cfg.PollInterval)
	assert.Equal(t, Duration(5*time.Second), cfg.MinJobInterval)
}

func TestLoadParsesNanosecondIntegerDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: 250000000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, Duration(250*time.Millisecond), cfg.PollInterval)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: "not-a-duration"
`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
