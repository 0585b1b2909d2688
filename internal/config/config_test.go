package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.SessionTTL())
	assert.Equal(t, 30*time.Second, cfg.PermissionTimeout())
	assert.Equal(t, 5*time.Minute, cfg.PlanTimeout())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen": "127.0.0.1:9000",
		"session_ttl_seconds": 60,
		"max_sessions": 5
	}`), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, time.Minute, cfg.SessionTTL())
	assert.Equal(t, 5, cfg.MaxSessions)
	// Untouched knobs keep their defaults.
	assert.Equal(t, Default().MaxSubscribers, cfg.MaxSubscribers)
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, Default().Listen, cfg.Listen)
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SESSION_TTL", "30m")
	t.Setenv("INTERACTION_TIMEOUT_PERMISSION", "45s")
	t.Setenv("MAX_SESSIONS", "42")
	t.Setenv("MAX_FRAME_BYTES", "2048")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL())
	assert.Equal(t, 45*time.Second, cfg.PermissionTimeout())
	assert.Equal(t, 42, cfg.MaxSessions)
	assert.Equal(t, int64(2048), cfg.MaxFrameBytes)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("SESSION_TTL", "soon")

	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())
}

func TestValidateRejectsNonPositive(t *testing.T) {
	cfg := Default()
	cfg.MaxSessions = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Listen = ""
	assert.Error(t, cfg.Validate())
}
