package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pastebox/pkg/domain"
)

var errDown = errors.New("connection refused")

type fakeBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	ttls  map[string]time.Duration
	down  bool
	pings int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, false, errDown
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errDown
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	if f.down {
		return errDown
	}
	return nil
}

func (f *fakeBackend) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeBackend) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(be Backend, maxReconnects int) (*Paste, *clock) {
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := New(be, Options{Prefix: "pastebox:", MaxReconnects: maxReconnects})
	p.now = clk.Now
	return p, clk
}

func samplePaste(id string, expiresAt *time.Time) *domain.Paste {
	return &domain.Paste{
		ID:        id,
		Title:     "Untitled",
		Content:   "console.log(1)",
		Language:  "javascript",
		ExpiresIn: "1w",
		ExpiresAt: expiresAt,
		Views:     3,
		CreatedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func at(t time.Time) *time.Time { return &t }

func TestTTL(t *testing.T) {
	p, clk := newTestCache(newFakeBackend(), 3)
	now := clk.Now()

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      time.Duration
	}{
		{"never expires", nil, time.Hour},
		{"expiring soon clamps up", at(now.Add(10 * time.Second)), time.Minute},
		{"already expired clamps up", at(now.Add(-5 * time.Minute)), time.Minute},
		{"whole seconds", at(now.Add(30*time.Minute + 10*time.Second + 500*time.Millisecond)), 30*time.Minute + 10*time.Second},
		{"far future clamps down", at(now.Add(5 * time.Hour)), time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TTL(tt.expiresAt))
		})
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	be := newFakeBackend()
	p, clk := newTestCache(be, 3)
	ctx := context.Background()

	want := samplePaste("abcDEF12345", at(clk.Now().Add(20*time.Minute)))
	p.Put(ctx, want)

	assert.Contains(t, be.data, "pastebox:paste:abcDEF12345")
	assert.Equal(t, 20*time.Minute, be.ttls["pastebox:paste:abcDEF12345"])

	got, ok := p.Get(ctx, want.ID)
	require.True(t, ok)
	assert.Equal(t, want.Content, got.Content)
	assert.Equal(t, want.Views, got.Views)
	assert.True(t, want.ExpiresAt.Equal(*got.ExpiresAt))

	p.Invalidate(ctx, want.ID)
	_, ok = p.Get(ctx, want.ID)
	assert.False(t, ok)
}

func TestDisabledCacheIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, p := range map[string]*Paste{"nil backend": New(nil, Options{}), "nil cache": nil} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, p.Enabled())
			assert.False(t, p.Connected())
			p.Put(ctx, samplePaste("abcDEF12345", nil))
			p.Invalidate(ctx, "abcDEF12345")
			_, ok := p.Get(ctx, "abcDEF12345")
			assert.False(t, ok)
		})
	}
}

func TestFailuresAreSwallowed(t *testing.T) {
	be := newFakeBackend()
	p, _ := newTestCache(be, 3)
	ctx := context.Background()
	p.Put(ctx, samplePaste("abcDEF12345", nil))
	require.True(t, p.Connected())

	be.setDown(true)
	_, ok := p.Get(ctx, "abcDEF12345")
	assert.False(t, ok)
	assert.False(t, p.Connected())
	assert.True(t, p.Enabled())

	p.Put(ctx, samplePaste("zzzDEF12345", nil))
	p.Invalidate(ctx, "abcDEF12345")
}

func TestReconnectAfterRecovery(t *testing.T) {
	be := newFakeBackend()
	p, clk := newTestCache(be, 3)
	ctx := context.Background()
	p.Put(ctx, samplePaste("abcDEF12345", nil))

	be.setDown(true)
	_, ok := p.Get(ctx, "abcDEF12345")
	require.False(t, ok)

	// first probe happens immediately and fails
	_, ok = p.Get(ctx, "abcDEF12345")
	require.False(t, ok)
	assert.Equal(t, 1, be.pingCount())

	// inside the backoff window nothing is probed
	_, ok = p.Get(ctx, "abcDEF12345")
	require.False(t, ok)
	assert.Equal(t, 1, be.pingCount())

	be.setDown(false)
	clk.Advance(backoff(1))
	_, ok = p.Get(ctx, "abcDEF12345")
	assert.True(t, ok)
	assert.True(t, p.Connected())
	assert.Equal(t, 2, be.pingCount())
}

func TestGivesUpAfterMaxReconnects(t *testing.T) {
	be := newFakeBackend()
	p, clk := newTestCache(be, 3)
	ctx := context.Background()

	be.setDown(true)
	p.Get(ctx, "abcDEF12345")
	for i := 0; i < 10; i++ {
		clk.Advance(backoffLimit)
		p.Get(ctx, "abcDEF12345")
	}
	assert.Equal(t, 3, be.pingCount())

	be.setDown(false)
	clk.Advance(time.Hour)
	p.Put(ctx, samplePaste("abcDEF12345", nil))
	p.Invalidate(ctx, "abcDEF12345")
	_, ok := p.Get(ctx, "abcDEF12345")
	assert.False(t, ok)
	assert.False(t, p.Connected())
	assert.Equal(t, 3, be.pingCount())
}

func TestInvalidateIgnoresBackoff(t *testing.T) {
	be := newFakeBackend()
	p, _ := newTestCache(be, 3)
	ctx := context.Background()
	p.Put(ctx, samplePaste("abcDEF12345", nil))

	be.setDown(true)
	p.Get(ctx, "abcDEF12345")
	p.Get(ctx, "abcDEF12345")
	require.False(t, p.Connected())

	be.setDown(false)
	p.Invalidate(ctx, "abcDEF12345")
	assert.True(t, p.Connected())
	assert.NotContains(t, be.data, "pastebox:paste:abcDEF12345")
}

func TestCanceledCallerDoesNotDisconnect(t *testing.T) {
	p, _ := newTestCache(canceledBackend{}, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := p.Get(ctx, "abcDEF12345")
	assert.False(t, ok)
	assert.True(t, p.Connected())
}

type canceledBackend struct{}

func (canceledBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, ctx.Err()
}
func (canceledBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return ctx.Err()
}
func (canceledBackend) Delete(ctx context.Context, key string) error { return ctx.Err() }
func (canceledBackend) Ping(ctx context.Context) error               { return ctx.Err() }

func TestUndecodableEntryIsDropped(t *testing.T) {
	be := newFakeBackend()
	p, _ := newTestCache(be, 3)
	be.data["pastebox:paste:abcDEF12345"] = []byte("{not json")

	_, ok := p.Get(context.Background(), "abcDEF12345")
	assert.False(t, ok)
	assert.NotContains(t, be.data, "pastebox:paste:abcDEF12345")
	assert.True(t, p.Connected())
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoff(1))
	assert.Equal(t, 300*time.Millisecond, backoff(3))
	assert.Equal(t, 3*time.Second, backoff(30))
	assert.Equal(t, 3*time.Second, backoff(1000))
}

func TestCount(t *testing.T) {
	ctx := context.Background()

	l, err := NewLRU(10)
	require.NoError(t, err)
	p, _ := newTestCache(l, 3)
	p.Put(ctx, samplePaste("AAAAAAAAAAA", nil))
	p.Put(ctx, samplePaste("BBBBBBBBBBB", nil))
	require.NoError(t, l.Set(ctx, "unrelated", []byte("x"), time.Hour))
	n, ok := p.Count(ctx)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	fake, _ := newTestCache(newFakeBackend(), 3)
	_, ok = fake.Count(ctx)
	assert.False(t, ok, "backend without Count")

	var disabled *Paste
	_, ok = disabled.Count(ctx)
	assert.False(t, ok)
}
