package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zionsgate/gatekeeper/internal/setup/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("BOT_TOKEN", "token")
	t.Setenv("BAN_WEBHOOK_URL", "https://discord.com/api/webhooks/1/ban")
	t.Setenv("LK_WEBHOOK_URL", "https://discord.com/api/webhooks/1/kick")
	t.Setenv("DB_PASSWORD", "from-env")

	path := writeConfig(t, `
version = 1

[ledger]
backend = "postgres"

[postgresql]
host = "db"
password = "from-file"

[global_ban]
max_concurrency = 3
`)

	cfg, used, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, path, used)
	assert.Equal(t, config.BackendPostgres, cfg.Ledger.Backend)
	assert.Equal(t, "db", cfg.PostgreSQL.Host)
	assert.Equal(t, 5432, cfg.PostgreSQL.Port, "unset keys keep their defaults")
	assert.Equal(t, "from-env", cfg.PostgreSQL.Password)
	assert.Equal(t, 3, cfg.GlobalBan.MaxConcurrency)
	assert.Equal(t, "token", cfg.Env.BotToken)
	assert.Equal(t, "https://discord.com/api/webhooks/1/ban", cfg.Env.BanWebhookURL)
	assert.Equal(t, "https://discord.com/api/webhooks/1/kick", cfg.Env.LocalKickWebhook)
	assert.Empty(t, cfg.Env.PurgeWebhookURL)
	require.NoError(t, cfg.RequireBotToken())
}

func TestLoadConfigVersionChecks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "missing version",
			content: "[ledger]\nbackend = \"csv\"\n",
			wantErr: config.ErrConfigVersionMissing,
		},
		{
			name:    "newer version",
			content: "version = 2\n",
			wantErr: config.ErrConfigVersionMismatch,
		},
		{
			name:    "unknown backend",
			content: "version = 1\n[ledger]\nbackend = \"mysql\"\n",
			wantErr: config.ErrUnknownBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := config.LoadConfig(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, _, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func TestRequireBotToken(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")

	cfg, _, err := config.LoadConfig(writeConfig(t, "version = 1\n"))
	require.NoError(t, err)
	require.ErrorIs(t, cfg.RequireBotToken(), config.ErrBotTokenMissing)
}

func TestLoadConfigTelemetry(t *testing.T) {
	t.Setenv("UPTRACE_DSN", "")
	t.Setenv("LOKI_PASSWORD", "loki-secret")

	path := writeConfig(t, `
version = 1

[telemetry]
uptrace_dsn = "https://token@api.uptrace.dev/1"
environment = "staging"

[loki]
enabled = true
url = "http://loki:3100"
batch_max_size = 50

[loki.labels]
env = "staging"
`)

	cfg, _, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Telemetry.TracingEnabled())
	assert.Equal(t, "https://token@api.uptrace.dev/1", cfg.Telemetry.UptraceDSN)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.True(t, cfg.Loki.Enabled)
	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)
	assert.Equal(t, 50, cfg.Loki.BatchMaxSize)
	assert.Equal(t, 1000, cfg.Loki.BatchMaxWaitMS, "unset keys keep their defaults")
	assert.Equal(t, "staging", cfg.Loki.Labels["env"])
	assert.Equal(t, "loki-secret", cfg.Loki.Password)
}

func TestLoadConfigUptraceDSNFromEnv(t *testing.T) {
	t.Setenv("UPTRACE_DSN", "https://env@api.uptrace.dev/2")

	cfg, _, err := config.LoadConfig(writeConfig(t, "version = 1\n"))
	require.NoError(t, err)

	assert.True(t, cfg.Telemetry.TracingEnabled())
	assert.Equal(t, "https://env@api.uptrace.dev/2", cfg.Telemetry.UptraceDSN)
	assert.False(t, cfg.Loki.Enabled)
}
