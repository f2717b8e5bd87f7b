package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pastebox/cfg"
	"pastebox/metrics"
	"pastebox/pkg/domain"
	"pastebox/svc/util"
)

// Backend is a byte-level key/value store with per-key expiry.
// db.Redis and LRU both satisfy it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Counter is implemented by backends that can report how many keys share
// a prefix.
type Counter interface {
	Count(ctx context.Context, prefix string) (int, error)
}

const (
	defaultTTL   = time.Hour
	minTTL       = time.Minute
	opTimeout    = 2 * time.Second
	backoffStep  = 100 * time.Millisecond
	backoffLimit = 3 * time.Second
)

type Options struct {
	Prefix        string
	DefaultTTL    time.Duration
	MinTTL        time.Duration
	MaxReconnects int
	OpTimeout     time.Duration
}

func OptionsFromCfg(c *cfg.Cfg) Options {
	return Options{
		Prefix:        c.CachePrefix,
		DefaultTTL:    c.CacheDefaultTTL,
		MinTTL:        c.CacheMinTTL,
		MaxReconnects: c.CacheMaxReconnects,
		OpTimeout:     c.RedisTimeout,
	}
}

// Paste is a read-through, write-invalidate cache of paste records.
// Backend failures never reach the caller: they are counted, logged and
// turned into misses. After a failure the backend is re-probed with a
// bounded backoff; once MaxReconnects probes have failed in a row the
// cache stays off for the life of the process.
//
// A nil *Paste, or one built over a nil Backend, is a valid disabled cache.
type Paste struct {
	be   Backend
	opts Options
	now  func() time.Time

	connected atomic.Bool
	gaveUp    atomic.Bool
	probing   atomic.Bool
	attempts  atomic.Int32
	retryAt   atomic.Int64

	log     zerolog.Logger
	logFail rate.Sometimes
}

func New(be Backend, opts Options) *Paste {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.MinTTL <= 0 {
		opts.MinTTL = minTTL
	}
	if opts.MinTTL > opts.DefaultTTL {
		opts.MinTTL = opts.DefaultTTL
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = opTimeout
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	p := &Paste{
		be:      be,
		opts:    opts,
		now:     time.Now,
		log:     util.Component("cache"),
		logFail: rate.Sometimes{Interval: 10 * time.Second},
	}
	p.connected.Store(be != nil)
	return p
}

// Enabled reports whether a backend was configured at all.
func (p *Paste) Enabled() bool {
	return p != nil && p.be != nil
}

// Connected reports whether the last backend interaction succeeded.
func (p *Paste) Connected() bool {
	return p.Enabled() && p.connected.Load()
}

func (p *Paste) key(id string) string {
	return p.opts.Prefix + "paste:" + id
}

// TTL is the lifetime of a cache entry for a paste expiring at expiresAt:
// the time left until expiry in whole seconds, clamped to
// [MinTTL, DefaultTTL]. Pastes that never expire get DefaultTTL.
func (p *Paste) TTL(expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return p.opts.DefaultTTL
	}
	ttl := expiresAt.Sub(p.now()).Truncate(time.Second)
	if ttl < p.opts.MinTTL {
		ttl = p.opts.MinTTL
	}
	if ttl > p.opts.DefaultTTL {
		ttl = p.opts.DefaultTTL
	}
	return ttl
}

// Get returns the cached record for id. The second result is false on a
// miss and whenever the cache is disabled or failing.
func (p *Paste) Get(ctx context.Context, id string) (*domain.Paste, bool) {
	if !p.ready(ctx) {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	raw, ok, err := p.be.Get(opCtx, p.key(id))
	if err != nil {
		p.fail(ctx, "get", err)
		return nil, false
	}
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	var paste domain.Paste
	if err := json.Unmarshal(raw, &paste); err != nil || paste.ID != id {
		metrics.CacheErrors.WithLabelValues("decode").Inc()
		p.log.Warn().Str("id", id).Msg("dropping undecodable cache entry")
		if err := p.be.Delete(opCtx, p.key(id)); err != nil {
			p.fail(ctx, "delete", err)
		}
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &paste, true
}

// Put stores paste under its id with the lifetime given by TTL.
func (p *Paste) Put(ctx context.Context, paste *domain.Paste) {
	if paste == nil || !p.ready(ctx) {
		return
	}
	raw, err := json.Marshal(paste)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	if err := p.be.Set(opCtx, p.key(paste.ID), raw, p.TTL(paste.ExpiresAt)); err != nil {
		p.fail(ctx, "set", err)
	}
}

// Invalidate removes the entry for id. Unlike Get and Put it does not
// wait out the reconnect backoff: a delete always tries the backend
// unless the cache has been abandoned.
func (p *Paste) Invalidate(ctx context.Context, id string) {
	if !p.Enabled() || p.gaveUp.Load() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	if err := p.be.Delete(opCtx, p.key(id)); err != nil {
		p.fail(ctx, "delete", err)
		return
	}
	p.markUp()
}

// Count reports how many pastes are cached. ok is false when the cache is
// down or the backend cannot count.
func (p *Paste) Count(ctx context.Context) (n int, ok bool) {
	if !p.Connected() {
		return 0, false
	}
	c, can := p.be.(Counter)
	if !can {
		return 0, false
	}
	opCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	defer cancel()
	n, err := c.Count(opCtx, p.key(""))
	if err != nil {
		p.fail(ctx, "count", err)
		return 0, false
	}
	return n, true
}

// ready reports whether the backend may be used. When disconnected it
// probes the backend at most once per backoff window, with a single
// prober at a time.
func (p *Paste) ready(ctx context.Context) bool {
	if !p.Enabled() {
		return false
	}
	if p.connected.Load() {
		return true
	}
	if p.gaveUp.Load() {
		return false
	}
	now := p.now()
	if now.UnixNano() < p.retryAt.Load() {
		return false
	}
	if !p.probing.CompareAndSwap(false, true) {
		return false
	}
	defer p.probing.Store(false)

	n := p.attempts.Add(1)
	pingCtx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
	err := p.be.Ping(pingCtx)
	cancel()
	if err == nil {
		p.markUp()
		return true
	}
	metrics.CacheErrors.WithLabelValues("ping").Inc()
	if int(n) >= p.opts.MaxReconnects {
		p.gaveUp.Store(true)
		p.log.Warn().Err(err).Int32("attempts", n).Msg("cache unreachable, continuing without cache")
		return false
	}
	p.retryAt.Store(now.Add(backoff(int(n))).UnixNano())
	p.log.Debug().Err(err).Int32("attempt", n).Msg("cache reconnect failed")
	return false
}

func (p *Paste) markUp() {
	if p.connected.CompareAndSwap(false, true) {
		p.attempts.Store(0)
		p.retryAt.Store(0)
		p.log.Info().Msg("cache reconnected")
	}
}

func (p *Paste) fail(ctx context.Context, op string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	// The caller went away; that says nothing about the backend.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}
	if p.connected.CompareAndSwap(true, false) {
		p.log.Warn().Err(err).Str("op", op).Msg("cache backend unavailable")
		return
	}
	p.logFail.Do(func() {
		p.log.Warn().Err(err).Str("op", op).Msg("cache operation failed")
	})
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffStep
	if d > backoffLimit {
		return backoffLimit
	}
	return d
}
