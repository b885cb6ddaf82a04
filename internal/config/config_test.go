package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketplane/taxdocs/internal/config"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/taxdocs_test")
	t.Setenv("DOCUMENT_MASTER_KEY", "test-master-key")
	t.Setenv("ESIGN_WEBHOOK_SECRET", "test-webhook-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, "taxdocs", cfg.ServiceName)
	require.Equal(t, 3*365*24*time.Hour, cfg.ValidityWindow)
	require.Equal(t, 7*365*24*time.Hour, cfg.RetentionWindow)
	require.GreaterOrEqual(t, cfg.KDFIterations, 100_000)
	require.Equal(t, "memory", cfg.StateStoreBackend)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/taxdocs_test")
	t.Setenv("DOCUMENT_MASTER_KEY", "")
	t.Setenv("ESIGN_WEBHOOK_SECRET", "secret")

	_, err := config.Load()
	require.Error(t, err)
}

func TestWeakKDFIterationsRaisedToFloor(t *testing.T) {
	setRequired(t)
	t.Setenv("DOCUMENT_KDF_ITERATIONS", "1000")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 100_000, cfg.KDFIterations)
}

func TestShortStateTTLRaisedToFloor(t *testing.T) {
	setRequired(t)
	t.Setenv("ESIGN_STATE_TTL", "30s")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.StateTTL)
}

func TestRedisBackendRequiresURL(t *testing.T) {
	setRequired(t)
	t.Setenv("ESIGN_STATE_STORE", "redis")
	t.Setenv("REDIS_URL", "")

	_, err := config.Load()
	require.Error(t, err)
}
