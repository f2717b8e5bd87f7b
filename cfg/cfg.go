package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"pastebox/pkg/expiry"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"

	CacheAuto   = "auto"
	CacheRedis  = "redis"
	CacheMemory = "memory"
	CacheNone   = "none"
)

type Cfg struct {
	Port                  string
	Environment           string
	LogLevel              string
	StoreDriver           string
	DatabasePath          string
	DBMaxOpenConns        int
	DBMaxIdleConns        int
	DBQueryTimeout        time.Duration
	CacheBackend          string
	RedisURL              string
	RedisUsername         string
	RedisPassword         Secret
	RedisTimeout          time.Duration
	LRUCacheSize          int
	CacheDefaultTTL       time.Duration
	CacheMinTTL           time.Duration
	CachePrefix           string
	CacheMaxReconnects    int
	MaxPasteSize          int64
	DefaultExpiry         string
	WorkerPoolSize        int
	ViewQueueSize         int
	CleanupInterval       time.Duration
	WALCheckpointInterval time.Duration
	ContextTimeout        time.Duration
	AllowedOrigins        []string
	MetricsUser           string
	MetricsPass           Secret
	EnableProfiler        bool
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first without overriding set variables.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "5000")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.StoreDriver = strings.ToLower(getEnv("STORE_DRIVER", StoreSQLite))
	c.DatabasePath = getEnv("DATABASE_PATH", "pastebox.db")
	c.CacheBackend = strings.ToLower(getEnv("CACHE_BACKEND", CacheAuto))
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.CachePrefix = getEnv("CACHE_PREFIX", "pastebox:")
	c.DefaultExpiry = getEnv("DEFAULT_EXPIRY", expiry.Default.Default)
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.EnableProfiler = getEnv("ENABLE_PROFILER", "false") == "true"
	var err error
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 100); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.CacheDefaultTTL, err = getDuration("CACHE_DEFAULT_TTL", time.Hour); err != nil {
		return nil, err
	}
	if c.CacheMinTTL, err = getDuration("CACHE_MIN_TTL", time.Minute); err != nil {
		return nil, err
	}
	if c.CacheMaxReconnects, err = getInt("CACHE_MAX_RECONNECTS", 3); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 1024*1024); err != nil {
		return nil, err
	}
	if c.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", 4); err != nil {
		return nil, err
	}
	if c.ViewQueueSize, err = getInt("VIEW_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if c.WALCheckpointInterval, err = getDuration("WAL_CHECKPOINT_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	origins := []string{"http://localhost:5000", "http://localhost:3000"}
	if client := getEnv("CLIENT_URL", ""); client != "" {
		origins = append(origins, client)
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", origins)
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreDriver {
	case StoreSQLite, StoreBolt:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreSQLite, StoreBolt)
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	switch c.CacheBackend {
	case CacheAuto, CacheMemory, CacheNone:
	case CacheRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when CACHE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be one of auto, redis, memory, none")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.CacheDefaultTTL <= 0 {
		return errors.New("CACHE_DEFAULT_TTL must be positive")
	}
	if c.CacheMinTTL <= 0 || c.CacheMinTTL > c.CacheDefaultTTL {
		return errors.New("CACHE_MIN_TTL must be positive and not exceed CACHE_DEFAULT_TTL")
	}
	if c.CacheMaxReconnects < 0 {
		return errors.New("CACHE_MAX_RECONNECTS cannot be negative")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if !c.ExpiryPolicy().IsValid(c.DefaultExpiry) {
		return fmt.Errorf("DEFAULT_EXPIRY %q is not an accepted expiration", c.DefaultExpiry)
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("WORKER_POOL_SIZE must be positive")
	}
	if c.ViewQueueSize <= 0 {
		return errors.New("VIEW_QUEUE_SIZE must be positive")
	}
	if c.CleanupInterval < time.Second {
		return errors.New("CLEANUP_INTERVAL must be at least 1s")
	}
	if c.WALCheckpointInterval < time.Second {
		return errors.New("WAL_CHECKPOINT_INTERVAL must be at least 1s")
	}
	if c.ContextTimeout <= 0 {
		return errors.New("CONTEXT_TIMEOUT must be positive")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

// ExpiryPolicy returns the expiration policy shared by the store and service.
func (c *Cfg) ExpiryPolicy() expiry.Policy {
	p := expiry.Default
	if c.DefaultExpiry != "" {
		p.Default = c.DefaultExpiry
	}
	return p
}

// ResolvedCacheBackend maps "auto" to redis when REDIS_URL is set and to
// none otherwise.
func (c *Cfg) ResolvedCacheBackend() string {
	if c.CacheBackend != CacheAuto && c.CacheBackend != "" {
		return c.CacheBackend
	}
	if c.RedisURL != "" {
		return CacheRedis
	}
	return CacheNone
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
