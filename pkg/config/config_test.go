package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-presencesync/pkg/config"
	"github.com/illmade-knight/go-presencesync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
presence:
  subject_id: "1234"
  api_endpoint: https://presence.example
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "1234", cfg.Presence.SubjectID)
	assert.Equal(t, types.TransportPush, cfg.Presence.Transport)
	assert.Equal(t, 30*time.Second, cfg.Presence.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Presence.CacheTTL)
	assert.True(t, cfg.Presence.ShowStatus)
	assert.Equal(t, "/profile.png", cfg.Presence.FallbackAvatar)
	assert.Equal(t, 50*time.Millisecond, cfg.Presence.SkeletonTimeout)
	assert.Equal(t, 20*time.Second, cfg.Push.ConnectTimeout)
	assert.Equal(t, 5, cfg.Push.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Push.ReconnectDelayMin)
	assert.Equal(t, 10*time.Second, cfg.Push.ReconnectDelayMax)
	assert.Equal(t, config.BackendMemory, cfg.Cache.Backend)
	assert.Equal(t, ":8080", cfg.Service.HTTPPort)
	assert.Equal(t, "info", cfg.Service.LogLevel)
}

func TestParse_Overrides(t *testing.T) {
	yml := `
service:
  log_level: debug
  log_format: console
  http_port: ":9090"
presence:
  subject_id: "1234"
  api_endpoint: http://localhost:3000
  transport: poll
  poll_interval: 15s
  cache_ttl: 1m
  show_status: false
  fallback_avatar: /static/me.png
push:
  reconnect_attempts: 3
cache:
  backend: redis
  redis:
    addr: localhost:6379
    db: 2
`
	cfg, err := config.Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "console", cfg.Service.LogFormat)
	assert.Equal(t, ":9090", cfg.Service.HTTPPort)
	assert.Equal(t, types.TransportPoll, cfg.Presence.Transport)
	assert.Equal(t, 15*time.Second, cfg.Presence.PollInterval)
	assert.Equal(t, time.Minute, cfg.Presence.CacheTTL)
	assert.False(t, cfg.Presence.ShowStatus)
	assert.Equal(t, "/static/me.png", cfg.Presence.FallbackAvatar)
	assert.Equal(t, 3, cfg.Push.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Push.ReconnectDelayMin, "unset fields keep their defaults")
	assert.Equal(t, config.BackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "localhost:6379", cfg.Cache.Redis.Addr)
	assert.Equal(t, 2, cfg.Cache.Redis.DB)
	assert.Equal(t, "presence:", cfg.Cache.Redis.KeyPrefix)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "missing subject", mutate: func(c *config.Config) { c.Presence.SubjectID = "" }},
		{name: "missing endpoint", mutate: func(c *config.Config) { c.Presence.APIEndpoint = "" }},
		{name: "relative endpoint", mutate: func(c *config.Config) { c.Presence.APIEndpoint = "/api" }},
		{name: "bad scheme", mutate: func(c *config.Config) { c.Presence.APIEndpoint = "ftp://presence.example" }},
		{name: "bad transport", mutate: func(c *config.Config) { c.Presence.Transport = "sse" }},
		{name: "zero poll interval", mutate: func(c *config.Config) {
			c.Presence.Transport = types.TransportPoll
			c.Presence.PollInterval = 0
		}},
		{name: "zero ttl", mutate: func(c *config.Config) { c.Presence.CacheTTL = 0 }},
		{name: "negative attempts", mutate: func(c *config.Config) { c.Push.ReconnectAttempts = -1 }},
		{name: "inverted delays", mutate: func(c *config.Config) { c.Push.ReconnectDelayMax = time.Second }},
		{name: "bad log format", mutate: func(c *config.Config) { c.Service.LogFormat = "xml" }},
		{name: "redis without addr", mutate: func(c *config.Config) { c.Cache.Backend = config.BackendRedis }},
		{name: "firestore without project", mutate: func(c *config.Config) { c.Cache.Backend = config.BackendFirestore }},
		{name: "unknown backend", mutate: func(c *config.Config) { c.Cache.Backend = "memcached" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Presence.SubjectID = "1234"
			cfg.Presence.APIEndpoint = "https://presence.example"
			require.NoError(t, cfg.Validate())

			tc.mutate(cfg)

			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "presencesync.yaml")
		require.NoError(t, os.WriteFile(path, []byte(minimal), 0o600))

		cfg, err := config.Load(path)

		require.NoError(t, err)
		assert.Equal(t, "https://presence.example", cfg.Presence.APIEndpoint)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := config.Parse([]byte("presence: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("fails validation", func(t *testing.T) {
		_, err := config.Parse([]byte("presence:\n  subject_id: x\n"))
		assert.Error(t, err)
	})
}
