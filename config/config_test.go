package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8585, cfg.Server.Port)
	assert.Equal(t, 8, cfg.SOAR.Workers)
	assert.Equal(t, 30*time.Second, cfg.SOAR.DefaultStepTimeout)
	assert.Equal(t, "abort", cfg.SOAR.DefaultOnError)
	assert.False(t, cfg.SOAR.DestructiveActionsEnabled)
	assert.Equal(t, 4, cfg.SOAR.OrgConcurrencyLimit)
	assert.Equal(t, 1024, cfg.Queue.Size)
	assert.Equal(t, "orthrus.db", cfg.Storage.Path)
	assert.Equal(t, "env", cfg.Secrets.Provider)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.ClickHouse.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
soar:
  workers: 2
  default_on_error: continue
  destructive_actions_enabled: true
  org_concurrency_overrides:
    org-big: 16
storage:
  path: /tmp/test-orthrus.db
clickhouse:
  addr: localhost:9000
redis:
  addr: localhost:6379
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.SOAR.Workers)
	assert.Equal(t, "continue", cfg.SOAR.DefaultOnError)
	assert.True(t, cfg.SOAR.DestructiveActionsEnabled)
	assert.Equal(t, map[string]int{"org-big": 16}, cfg.SOAR.OrgConcurrencyOverrides)
	assert.Equal(t, "/tmp/test-orthrus.db", cfg.Storage.Path)
	assert.True(t, cfg.ClickHouse.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"zero workers", "soar:\n  workers: 0\n"},
		{"bad on_error", "soar:\n  default_on_error: explode\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"empty storage path", "storage:\n  path: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAuthRequiresSecretWhenEnabled(t *testing.T) {
	_, err := Load(writeConfig(t, "auth:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	cfg, err := Load(writeConfig(t, "auth:\n  enabled: true\n  jwt_secret: topsecret\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenExpiry)
}

func TestNotificationChannelValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
notifications:
  channels:
    ops:
      type: webhook
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")

	_, err = Load(writeConfig(t, `
notifications:
  channels:
    oncall:
      type: email
      smtp_host: mail.example.com
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipients")

	cfg, err := Load(writeConfig(t, `
notifications:
  channels:
    ops:
      type: webhook
      url: https://hooks.example.com/soar
    oncall:
      type: email
      smtp_host: mail.example.com
      smtp_port: 587
      from: soar@example.com
      to: [secops@example.com]
`))
	require.NoError(t, err)
	assert.Len(t, cfg.Notifications.Channels, 2)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ORTHRUS_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}
