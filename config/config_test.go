package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, LogFormatJSON, cfg.App.LogFormat)
	assert.Equal(t, "credits.db", cfg.DB.Path)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, []int{7, 30, 90}, cfg.Ledger.NoticeStages)
	assert.Equal(t, 7*24*time.Hour, cfg.Ledger.ExpiringSoonWindow)
	assert.Equal(t, 3, cfg.Ledger.RetryAttempts)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.ExpireInterval)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("CREDITS_APP_PORT", "9090")
	t.Setenv("CREDITS_LOG_FORMAT", "CONSOLE")
	t.Setenv("CREDITS_DB_PATH", ":memory:")
	t.Setenv("CREDITS_KAFKA_ENABLED", "true")
	t.Setenv("CREDITS_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CREDITS_LEDGER_MANAGERS", "4,8")
	t.Setenv("CREDITS_LEDGER_NOTICE_STAGES", "3,14")
	t.Setenv("CREDITS_LEDGER_TIMEZONE", "Europe/Paris")
	t.Setenv("CREDITS_SCHEDULER_NOTICE_INTERVAL", "12h")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.App.Port)
	assert.Equal(t, LogFormatConsole, cfg.App.LogFormat)
	assert.Equal(t, ":memory:", cfg.DB.Path)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, []int64{4, 8}, cfg.Ledger.Managers)
	assert.Equal(t, []int{3, 14}, cfg.Ledger.NoticeStages)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.NoticeInterval)

	loc, err := cfg.Ledger.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())
}

func TestFromEnv_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"format":   {"CREDITS_LOG_FORMAT", "xml"},
		"port":     {"CREDITS_APP_PORT", "0"},
		"stage":    {"CREDITS_LEDGER_NOTICE_STAGES", "7,-1"},
		"timezone": {"CREDITS_LEDGER_TIMEZONE", "Mars/Olympus"},
		"duration": {"CREDITS_SCHEDULER_LOCK_TTL", "soon"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoad_ReadsDotEnvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("CREDITS_DB_PATH=from-dotenv.db\nCREDITS_APP_PORT=7000\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CREDITS_APP_PORT", "7500")
	// godotenv sets process variables directly; restore after the test.
	t.Setenv("CREDITS_DB_PATH", "")
	require.NoError(t, os.Unsetenv("CREDITS_DB_PATH"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.DB.Path)
	assert.Equal(t, 7500, cfg.App.Port)
}
