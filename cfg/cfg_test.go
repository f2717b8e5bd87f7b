package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, StoreSQLite, c.StoreDriver)
	assert.Equal(t, CacheAuto, c.CacheBackend)
	assert.Equal(t, time.Hour, c.CacheDefaultTTL)
	assert.Equal(t, time.Minute, c.CacheMinTTL)
	assert.Equal(t, 3, c.CacheMaxReconnects)
	assert.Equal(t, "1w", c.DefaultExpiry)
	assert.Equal(t, "pastebox:", c.CachePrefix)
	assert.NoError(t, Validate(c))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "BOLT")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("CACHE_DEFAULT_TTL", "10m")
	t.Setenv("DEFAULT_EXPIRY", "12h")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REDIS_PASSWORD", "hunter2")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBolt, c.StoreDriver)
	assert.Equal(t, CacheMemory, c.ResolvedCacheBackend())
	assert.Equal(t, 10*time.Minute, c.CacheDefaultTTL)
	assert.Equal(t, "12h", c.ExpiryPolicy().Default)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, c.AllowedOrigins)
	assert.Equal(t, "hunter2", c.RedisPassword.Value())
	assert.Equal(t, "***REDACTED***", c.RedisPassword.String())
	require.NoError(t, Validate(c))

	c.Wipe()
	assert.NotEqual(t, "hunter2", c.RedisPassword.Value())
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestResolvedCacheBackend(t *testing.T) {
	c := &Cfg{CacheBackend: CacheAuto}
	assert.Equal(t, CacheNone, c.ResolvedCacheBackend())
	c.RedisURL = "redis://localhost:6379"
	assert.Equal(t, CacheRedis, c.ResolvedCacheBackend())
	c.CacheBackend = CacheNone
	assert.Equal(t, CacheNone, c.ResolvedCacheBackend())
}

func TestValidate(t *testing.T) {
	base := func() *Cfg {
		c, err := Load()
		require.NoError(t, err)
		return c
	}
	tests := []struct {
		name   string
		mutate func(c *Cfg)
	}{
		{"bad port", func(c *Cfg) { c.Port = "http" }},
		{"unknown store", func(c *Cfg) { c.StoreDriver = "mongo" }},
		{"redis without url", func(c *Cfg) { c.CacheBackend = CacheRedis }},
		{"redis bad scheme", func(c *Cfg) { c.RedisURL = "http://localhost" }},
		{"min ttl above default", func(c *Cfg) { c.CacheMinTTL = 2 * time.Hour }},
		{"default expiry out of range", func(c *Cfg) { c.DefaultExpiry = "30h" }},
		{"paste too large", func(c *Cfg) { c.MaxPasteSize = 11 * 1024 * 1024 }},
		{"no workers", func(c *Cfg) { c.WorkerPoolSize = 0 }},
		{"zero cleanup interval", func(c *Cfg) { c.CleanupInterval = 0 }},
		{"zero wal interval", func(c *Cfg) { c.WALCheckpointInterval = 0 }},
		{"negative wal interval", func(c *Cfg) { c.WALCheckpointInterval = -time.Minute }},
		{"production metrics", func(c *Cfg) { c.Environment = "production" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}
