package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's relaydesk.toml out of the test.
func isolate(t *testing.T) {
	t.Helper()
	old := DefaultPaths
	DefaultPaths = nil
	t.Cleanup(func() { DefaultPaths = old })
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "relaydesk", cfg.Server.Audience)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory://", cfg.Store.StateDSN)
	assert.Equal(t, 1024, cfg.Store.EventQueueSize)
	assert.Equal(t, 15*time.Second, cfg.Watch.Timeout)
	assert.InDelta(t, 0.2, cfg.Watch.JitterRatio, 1e-9)
	assert.True(t, cfg.Watch.Push)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadLayersFileEnvAndOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "relaydesk.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"
jwt_secret = "from-file"
rate_limit_per_second = 5.0

[store]
state_dsn = "file:///var/lib/relaydesk/state.json"

[watch]
push = false
`), 0o644))

	t.Setenv("RELAYDESK_SERVER__JWT_SECRET", "from-env")
	t.Setenv("RELAYDESK_WATCH__TIMEOUT", "3s")
	t.Setenv("RELAYDESK_LOG__LEVEL", "DEBUG")

	cfg, err := Load(path, map[string]any{"server.addr": ":7070"})
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "overrides win over the file")
	assert.Equal(t, "from-env", cfg.Server.JWTSecret, "env wins over the file")
	assert.InDelta(t, 5.0, cfg.Server.RateLimitPerSecond, 1e-9)
	assert.Equal(t, "file:///var/lib/relaydesk/state.json", cfg.Store.StateDSN)
	assert.False(t, cfg.Watch.Push)
	assert.Equal(t, 3*time.Second, cfg.Watch.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.toml")
}

func TestLoadPicksDefaultPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaydesk.toml")
	require.NoError(t, os.WriteFile(path, []byte("[watch]\nconversation_id = \"conv_7\"\n"), 0o644))
	old := DefaultPaths
	DefaultPaths = []string{filepath.Join(t.TempDir(), "missing.toml"), path}
	t.Cleanup(func() { DefaultPaths = old })

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "conv_7", cfg.Watch.ConversationID)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	isolate(t)
	_, err := Load("", map[string]any{
		"server.addr":           " ",
		"store.notify_workers":  0,
		"watch.jitter_ratio":    1.5,
		"log.level":             "loud",
		"log.format":            "xml",
		"server.max_body_bytes": 0,
	})
	require.Error(t, err)
	for _, want := range []string{"server.addr", "notify_workers", "jitter_ratio", "log.level", "log.format", "max_body_bytes"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("conversation_id", "c1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"conversation_id":"c1"`)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}
