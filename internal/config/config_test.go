package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  addr: \":9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "./data/parley.db", cfg.Server.DBPath)
	assert.Equal(t, 40*time.Millisecond, cfg.Server.TokenDelay)
	assert.Equal(t, "websocket", cfg.Client.Transport)
	assert.Equal(t, "file", cfg.Client.Offsets.Backend)
	assert.Equal(t, "./data/offsets.json", cfg.Client.Offsets.Path)
	assert.Equal(t, time.Second, cfg.Client.Backoff.Initial)
	assert.Equal(t, 30*time.Second, cfg.Client.Backoff.Max)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestParseFull(t *testing.T) {
	yml := `
server:
  db_path: /tmp/p.db
  answer_rate: 2.5
  answer_burst: 3
  token_delay: 5ms
  compaction:
    interval: 1m
    min_events: 50
client:
  server_url: http://example.com
  transport: sse
  offsets:
    backend: sqlite
  backoff:
    initial: 500ms
    max: 10s
redis:
  enabled: true
  addr: redis:6379
log:
  level: debug
  format: json
sceneries:
  - id: api
    name: API Review
    agents:
      - id: rest-purist
        name: REST Purist
`
	cfg, err := Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Server.AnswerRate)
	assert.Equal(t, 5*time.Millisecond, cfg.Server.TokenDelay)
	assert.Equal(t, time.Minute, cfg.Server.Compaction.Interval)
	assert.Equal(t, "sse", cfg.Client.Transport)
	assert.Equal(t, "./data/offsets.db", cfg.Client.Offsets.Path)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.Backoff.Initial)
	assert.True(t, cfg.Redis.Enabled)
	require.Len(t, cfg.Sceneries, 1)
	assert.Equal(t, "REST Purist", cfg.Sceneries[0].Agents[0].Name)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"transport", "client:\n  transport: pigeon\n", "client.transport"},
		{"offsets backend", "client:\n  offsets:\n    backend: s3\n", "client.offsets.backend"},
		{"backoff", "client:\n  backoff:\n    initial: 10s\n    max: 1s\n", "client.backoff.max"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"scenery agents", "sceneries:\n  - id: empty\n", "sceneries[0].agents"},
		{"negative rate", "server:\n  answer_rate: -1\n", "server.answer_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PARLEY_DB_PATH":    "/var/lib/parley.db",
		"PORT":              "9090",
		"PARLEY_SERVER_URL": "https://parley.example.com",
		"PARLEY_REDIS_ADDR": "cache:6379",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "/var/lib/parley.db", cfg.Server.DBPath)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "https://parley.example.com", cfg.Client.ServerURL)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Redis.Enabled)
}
