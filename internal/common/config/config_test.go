package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REGISTRY_DATABASE_URL", "postgres://localhost/registry")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/registry", cfg.RegistryDatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.TenantDB.MaxOpenConns)
	assert.Equal(t, 10*time.Second, cfg.TenantDB.AcquireTimeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrentTenants)
	assert.Equal(t, 100, cfg.Broadcast.PageSize)
	assert.Equal(t, 50*time.Millisecond, cfg.Broadcast.MessageDelay)
	assert.Equal(t, 25, cfg.Broadcast.CancelCheckEvery)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.False(t, cfg.Debug)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REGISTRY_DATABASE_URL", "postgres://localhost/registry")
	t.Setenv("SCHEDULER_INTERVAL", "5s")
	t.Setenv("BROADCAST_PAGE_SIZE", "250")
	t.Setenv("ADMIN_IDS", "100,200,300")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 250, cfg.Broadcast.PageSize)
	assert.Equal(t, []int64{100, 200, 300}, cfg.AdminIDs)
	assert.True(t, cfg.Debug)
}

func TestLoadRequiresRegistryURL(t *testing.T) {
	// t.Setenv registers the restore, Unsetenv makes the var truly absent
	t.Setenv("REGISTRY_DATABASE_URL", "x")
	require.NoError(t, os.Unsetenv("REGISTRY_DATABASE_URL"))

	_, err := Load()
	assert.Error(t, err)
}
