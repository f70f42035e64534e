package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/telepost?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.DefaultRetry)
	assert.Equal(t, 20*time.Second, cfg.WorkerInterval)
	assert.Equal(t, 15*time.Minute, cfg.ProcessingTTL)
	assert.Equal(t, 20, cfg.WorkerBatchSize)
	assert.Equal(t, "https://api.telegram.org", cfg.TelegramAPIBase)
	assert.False(t, cfg.DisableScheduler)
}

func TestLoadMissingDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_ADDR", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadAttempts(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("MAX_ATTEMPTS", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestBuildPostgresURL(t *testing.T) {
	u := buildPostgresURL("db:5432", "user", "p@ss/word", "telepost", "disable")
	assert.Equal(t, "postgres://user:p%40ss%2Fword@db:5432/telepost?sslmode=disable", u)

	assert.Empty(t, buildPostgresURL("", "user", "", "db", ""))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("DEFAULT_RETRY_MINUTES", "5")
	t.Setenv("PROCESSING_TTL_SECONDS", "60")
	t.Setenv("DISABLE_SCHEDULER", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.DefaultRetry)
	assert.Equal(t, time.Minute, cfg.ProcessingTTL)
	assert.True(t, cfg.DisableScheduler)
}
