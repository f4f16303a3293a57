package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 60*time.Second, cfg.Registry.CatalogInterval)
	assert.Equal(t, int64(16<<30), cfg.Registry.MaxUnzippedBytes)
	assert.Equal(t, "xpkg-public", cfg.S3.PublicBucket)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("XPKG_PORT", "9999")
	t.Setenv("XPKG_POSTGRES_URL", "postgres://localhost/xpkg")
	t.Setenv("XPKG_CATALOG_INTERVAL", "2m")
	t.Setenv("XPKG_S3_USE_PATH_STYLE", "true")

	cfg := Load()
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/xpkg", cfg.Postgres.URL)
	assert.Equal(t, 2*time.Minute, cfg.Registry.CatalogInterval)
	assert.True(t, cfg.S3.UsePathStyle)
}

func TestValidateIdentity(t *testing.T) {
	cfg := Load()
	assert.Error(t, cfg.ValidateIdentity(), "missing postgres URL must fail")

	t.Setenv("XPKG_POSTGRES_URL", "postgres://localhost/xpkg")
	cfg = Load()
	assert.Error(t, cfg.ValidateIdentity(), "missing auth secret must fail")

	t.Setenv("XPKG_AUTH_SECRET", "secret")
	cfg = Load()
	require.NoError(t, cfg.ValidateIdentity())
}

func TestValidateRegistry(t *testing.T) {
	t.Setenv("XPKG_POSTGRES_URL", "postgres://localhost/xpkg")
	t.Setenv("XPKG_SERVICE_PASSWORD", "pw")
	cfg := Load()
	assert.Error(t, cfg.ValidateRegistry(), "missing trust hash must fail")

	t.Setenv("XPKG_SERVER_TRUST_HASH", "abc123")
	cfg = Load()
	require.NoError(t, cfg.ValidateRegistry())
}

func TestValidateJobs(t *testing.T) {
	t.Setenv("XPKG_SERVICE_PASSWORD", "pw")
	cfg := Load()
	assert.Error(t, cfg.ValidateJobs(), "missing trust key must fail")

	t.Setenv("XPKG_SERVER_TRUST_KEY", "trust")
	cfg = Load()
	require.NoError(t, cfg.ValidateJobs())
}

func TestValidate_PortCollision(t *testing.T) {
	t.Setenv("XPKG_POSTGRES_URL", "postgres://localhost/xpkg")
	t.Setenv("XPKG_AUTH_SECRET", "secret")
	t.Setenv("XPKG_PORT", "9090")
	cfg := Load()
	assert.Error(t, cfg.ValidateIdentity())
}
