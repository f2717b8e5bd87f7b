package svc

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebox/cfg"
	"pastebox/pkg/domain"
	"pastebox/pkg/expiry"
	"pastebox/svc/cache"
	"pastebox/svc/db"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		MaxPasteSize:   1024 * 1024,
		DefaultExpiry:  "1w",
		WorkerPoolSize: 2,
		ViewQueueSize:  64,
	}
}

func newStore(t *testing.T) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "pastes.db"), expiry.Default)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newService(t *testing.T, store Store, be cache.Backend) *Paste {
	t.Helper()
	var pc *cache.Paste
	if be != nil {
		pc = cache.New(be, cache.Options{Prefix: "pastebox:", MaxReconnects: 3})
	}
	p := NewPaste(store, pc, testCfg())
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func newLRU(t *testing.T) *cache.LRU {
	t.Helper()
	l, err := cache.NewLRU(100)
	require.NoError(t, err)
	return l
}

// brokenBackend fails every call, like an unreachable Redis.
type brokenBackend struct{ calls atomic.Int32 }

var errUnreachable = errors.New("dial tcp: connection refused")

func (b *brokenBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.calls.Add(1)
	return nil, false, errUnreachable
}
func (b *brokenBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	b.calls.Add(1)
	return errUnreachable
}
func (b *brokenBackend) Delete(ctx context.Context, key string) error {
	b.calls.Add(1)
	return errUnreachable
}
func (b *brokenBackend) Ping(ctx context.Context) error {
	b.calls.Add(1)
	return errUnreachable
}

func backends(t *testing.T) map[string]func() cache.Backend {
	return map[string]func() cache.Backend{
		"no cache": func() cache.Backend { return nil },
		"lru":      func() cache.Backend { return newLRU(t) },
		"broken":   func() cache.Backend { return &brokenBackend{} },
	}
}

func TestCreateGetDeleteLifecycle(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p := newService(t, newStore(t), mk())
			ctx := context.Background()

			created, err := p.Create(ctx, domain.CreateParams{Content: "console.log(1)", Language: "javascript"})
			require.NoError(t, err)
			assert.Equal(t, "Untitled", created.Title)
			assert.Equal(t, int64(0), created.Views)
			assert.Equal(t, "1w", created.ExpiresIn)

			got, err := p.Get(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Views)
			assert.Equal(t, "console.log(1)", got.Content)

			got, err = p.Get(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.Views)

			removed, err := p.Delete(ctx, created.ID)
			require.NoError(t, err)
			assert.True(t, removed)

			_, err = p.Get(ctx, created.ID)
			assert.True(t, pkgerrors.Is(err, domain.ErrPasteNotFound))

			removed, err = p.Delete(ctx, created.ID)
			require.NoError(t, err)
			assert.False(t, removed)
		})
	}
}

func TestCreateValidation(t *testing.T) {
	store := newStore(t)
	c := testCfg()
	c.MaxPasteSize = 16
	p := NewPaste(store, nil, c)
	defer p.Shutdown(context.Background())
	ctx := context.Background()

	_, err := p.Create(ctx, domain.CreateParams{Content: "  \n "})
	assert.True(t, pkgerrors.Is(err, domain.ErrContentRequired))

	_, err = p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "30h"})
	assert.True(t, pkgerrors.Is(err, domain.ErrInvalidExpiry))
	assert.True(t, domain.IsValidation(err))
	assert.Contains(t, err.Error(), "1-24")

	_, err = p.Create(ctx, domain.CreateParams{Content: strings.Repeat("a", 17)})
	assert.True(t, pkgerrors.Is(err, domain.ErrPasteTooLarge))

	_, err = p.Create(ctx, domain.CreateParams{Content: "x", ExpiresIn: "never"})
	assert.NoError(t, err)
}

func TestGetInvalidID(t *testing.T) {
	p := newService(t, newStore(t), nil)
	ctx := context.Background()

	_, err := p.Get(ctx, "invalid-id")
	assert.True(t, pkgerrors.Is(err, domain.ErrInvalidID))
	_, err = p.GetRaw(ctx, "AAAAAAAAAAA")
	assert.True(t, pkgerrors.Is(err, domain.ErrPasteNotFound))
	_, err = p.Analytics(ctx, "../etc")
	assert.True(t, domain.IsNotFound(err))

	removed, err := p.Delete(ctx, "invalid-id")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCacheHitCountsViewInBackground(t *testing.T) {
	store := newStore(t)
	lru := newLRU(t)
	p := newService(t, store, lru)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "cached"})
	require.NoError(t, err)
	assert.Zero(t, lru.Len(), "create must not populate the cache")

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Views)
	assert.Equal(t, 1, lru.Len())

	got, err = p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Views)

	raw, err := p.GetRaw(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "cached", raw)

	require.NoError(t, p.Shutdown(context.Background()))
	stored, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Views)
}

func TestDeleteInvalidatesCache(t *testing.T) {
	lru := newLRU(t)
	p := newService(t, newStore(t), lru)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "short lived"})
	require.NoError(t, err)
	_, err = p.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, lru.Len())

	removed, err := p.Delete(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, removed)
	assert.Zero(t, lru.Len())

	_, err = p.Get(ctx, created.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.Zero(t, lru.Len(), "misses are never cached")
}

func TestExpiredCacheHitIsNotFound(t *testing.T) {
	lru := newLRU(t)
	p := newService(t, newStore(t), lru)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "one hour", ExpiresIn: "1h"})
	require.NoError(t, err)
	_, err = p.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, lru.Len())

	p.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = p.Get(ctx, created.ID)
	assert.True(t, pkgerrors.Is(err, domain.ErrPasteNotFound))
	assert.Zero(t, lru.Len())
}

func TestBrokenCacheIsTransparent(t *testing.T) {
	be := &brokenBackend{}
	p := newService(t, newStore(t), be)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "hello world"})
	require.NoError(t, err)
	for want := int64(1); want <= 5; want++ {
		got, err := p.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.Views)
	}
	enabled, connected := p.CacheStatus()
	assert.True(t, enabled)
	assert.False(t, connected)

	res, err := p.Search(ctx, "world")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	removed, err := p.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestAnalyticsDoesNotCountViews(t *testing.T) {
	lru := newLRU(t)
	p := newService(t, newStore(t), lru)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "stats", Title: "Stats", ExpiresIn: "2d"})
	require.NoError(t, err)
	_, err = p.Get(ctx, created.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		a, err := p.Analytics(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.Views)
		assert.Equal(t, "Stats", a.Title)
		assert.Equal(t, "2d", a.ExpiresIn)
		require.NotNil(t, a.ExpiresAt)
	}
}

func TestSearchValidation(t *testing.T) {
	p := newService(t, newStore(t), newLRU(t))
	ctx := context.Background()

	for _, q := range []string{"", "   "} {
		_, err := p.Search(ctx, q)
		assert.True(t, pkgerrors.Is(err, domain.ErrQueryRequired), "%q", q)
	}

	for _, c := range []string{"hello world", "goodbye world", "javascript code"} {
		_, err := p.Create(ctx, domain.CreateParams{Content: c})
		require.NoError(t, err)
	}
	res, err := p.Search(ctx, "world")
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestConcurrentReadsCountEveryView(t *testing.T) {
	store := newStore(t)
	p := newService(t, store, nil)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "popular"})
	require.NoError(t, err)

	const readers = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		views []int64
	)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := p.Get(ctx, created.ID)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			views = append(views, got.Views)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(views, func(i, j int) bool { return views[i] < views[j] })
	require.Len(t, views, readers)
	for i, v := range views {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestGetAfterShutdownDoesNotPanic(t *testing.T) {
	lru := newLRU(t)
	p := newService(t, newStore(t), lru)
	ctx := context.Background()

	created, err := p.Create(ctx, domain.CreateParams{Content: "late reader"})
	require.NoError(t, err)
	_, err = p.Get(ctx, created.ID)
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, p.Shutdown(ctx))

	got, err := p.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Views)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) CleanupExpired(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 2, s.err
}

func TestCleanerSweeps(t *testing.T) {
	sw := &countingSweeper{}
	c := NewCleaner(sw, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}

func TestCleanerSweepReportsErrors(t *testing.T) {
	sw := &countingSweeper{err: errors.New("disk I/O error")}
	n, err := NewCleaner(sw, time.Minute).Sweep(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, n)
}
