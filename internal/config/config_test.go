package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8083", cfg.Port)
	require.Equal(t, 30*time.Second, cfg.PresenceTTL)
	require.Equal(t, 4000, cfg.MaxContentLength)
	require.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("RESUME_GRACE", "5m")
	t.Setenv("ALLOW_SELF_JOIN", "true")
	t.Setenv("MESSAGE_RETENTION", "1000")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 5*time.Minute, cfg.ResumeGrace)
	require.True(t, cfg.AllowSelfJoin)
	require.Equal(t, int64(1000), cfg.Retention)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PRESENCE_TTL", "soon")
	_, err := Load()
	require.ErrorContains(t, err, "PRESENCE_TTL")
}

func TestLoadRequiresDatabaseInProduction(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DB_DSN", "")
	_, err := Load()
	require.Error(t, err)
}
