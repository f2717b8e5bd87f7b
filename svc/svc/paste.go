package svc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"pastebox/cfg"
	"pastebox/metrics"
	"pastebox/pkg/domain"
	"pastebox/pkg/expiry"
	"pastebox/svc/cache"
	"pastebox/svc/util"
)

const viewIncrTimeout = 5 * time.Second

type Paste struct {
	store  Store
	cache  *cache.Paste
	cfg    *cfg.Cfg
	policy expiry.Policy
	now    func() time.Time

	viewQueue    chan string
	viewMu       sync.RWMutex
	closed       bool
	viewWorkerWg sync.WaitGroup
	shutdownCtx  context.Context
	shutdownFn   context.CancelFunc

	analytics singleflight.Group
}

// NewPaste starts the view workers. pc may be nil to run without a cache.
func NewPaste(store Store, pc *cache.Paste, c *cfg.Cfg) *Paste {
	if store == nil || c == nil {
		panic("paste service: nil dependency (store or cfg)")
	}
	workers := c.WorkerPoolSize
	if workers <= 0 {
		workers = 4
	}
	queue := c.ViewQueueSize
	if queue <= 0 {
		queue = workers * 100
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	p := &Paste{
		store:       store,
		cache:       pc,
		cfg:         c,
		policy:      c.ExpiryPolicy(),
		now:         time.Now,
		viewQueue:   make(chan string, queue),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	p.startWorkers(workers)
	return p
}

func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}

func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	for id := range p.viewQueue {
		p.incrViews(id)
	}
}

func (p *Paste) incrViews(id string) {
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Str("id", id).Msg("view increment panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(p.shutdownCtx, viewIncrTimeout)
	defer cancel()
	err := p.store.IncrViews(ctx, id)
	switch {
	case err == nil:
	case domain.IsNotFound(err):
		// deleted or expired after the cache hit
		util.Debug().Str("id", id).Msg("view increment skipped, paste gone")
	default:
		util.Warn().Err(err).Str("id", id).Msg("failed to incr views")
	}
}

// enqueueView hands a view increment to the workers without blocking.
// Increments are dropped when the queue is full or closed.
func (p *Paste) enqueueView(id string) {
	p.viewMu.RLock()
	defer p.viewMu.RUnlock()
	if p.closed {
		metrics.ViewIncrementsDropped.Inc()
		return
	}
	select {
	case p.viewQueue <- id:
	default:
		metrics.ViewIncrementsDropped.Inc()
		util.Warn().Str("id", id).Msg("view queue full, dropping increment")
	}
}

// Shutdown stops accepting view increments and waits for the queued ones
// to be written. If ctx ends first, in-flight increments are cancelled.
func (p *Paste) Shutdown(ctx context.Context) error {
	p.viewMu.Lock()
	if p.closed {
		p.viewMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.viewQueue)
	p.viewMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.viewWorkerWg.Wait()
		close(done)
	}()
	defer p.shutdownFn()
	select {
	case <-done:
		util.Debug().Msg("paste service shutdown complete")
		return nil
	case <-ctx.Done():
		util.Warn().Int("pending", len(p.viewQueue)).Msg("view workers didn't drain in time")
		return ctx.Err()
	}
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, domain.ErrContentRequired
	}
	if limit := p.cfg.MaxPasteSize; limit > 0 && int64(len(params.Content)) > limit {
		return nil, domain.ErrPasteTooLarge.WithMsg(fmt.Sprintf("paste exceeds %d bytes", limit))
	}
	if _, err := p.policy.Resolve(params.ExpiresIn); err != nil {
		return nil, err
	}
	paste, err := p.store.Create(ctx, params)
	if err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	util.Info().
		Str("id", paste.ID).
		Str("expires_in", paste.ExpiresIn).
		Int("size", len(paste.Content)).
		Msg("paste created")
	return paste, nil
}

// Get returns a paste and counts the view. A cache hit returns at once
// with views+1 while the store increment runs in the background; a miss
// increments in the store and populates the cache.
func (p *Paste) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if !util.ValidID(id) {
		return nil, domain.ErrInvalidID
	}
	if cached, ok := p.cache.Get(ctx, id); ok {
		if cached.Expired(p.now()) {
			p.cache.Invalidate(ctx, id)
			return nil, domain.ErrPasteNotFound
		}
		p.enqueueView(id)
		cached.Views++
		metrics.PasteRetrieved.Inc()
		return cached, nil
	}
	paste, err := p.store.IncrViewsAndGet(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "get paste")
	}
	p.cache.Put(ctx, paste)
	metrics.PasteRetrieved.Inc()
	return paste, nil
}

// GetRaw is Get for the plain-text endpoint.
func (p *Paste) GetRaw(ctx context.Context, id string) (string, error) {
	paste, err := p.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return paste.Content, nil
}

// Delete reports whether a live paste was removed. Malformed and unknown
// ids report false without error. The cache entry is gone before Delete
// returns.
func (p *Paste) Delete(ctx context.Context, id string) (bool, error) {
	if !util.ValidID(id) {
		return false, nil
	}
	removed, err := p.store.Delete(ctx, id)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	if !removed {
		return false, nil
	}
	p.cache.Invalidate(ctx, id)
	metrics.PasteDeleted.Inc()
	util.Info().Str("id", id).Msg("paste deleted")
	return true, nil
}

func (p *Paste) Search(ctx context.Context, query string) ([]domain.PasteSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.ErrQueryRequired
	}
	res, err := p.store.Search(ctx, query, domain.SearchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "search pastes")
	}
	return res, nil
}

// Analytics reads straight from the store without counting a view.
// Concurrent calls for one id share a single store read.
func (p *Paste) Analytics(ctx context.Context, id string) (domain.Analytics, error) {
	if !util.ValidID(id) {
		return domain.Analytics{}, domain.ErrInvalidID
	}
	v, err, _ := p.analytics.Do(id, func() (interface{}, error) {
		return p.store.Get(context.WithoutCancel(ctx), id)
	})
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.Analytics{}, err
		}
		return domain.Analytics{}, errors.Wrap(err, "paste analytics")
	}
	return v.(*domain.Paste).Analytics(), nil
}

func (p *Paste) Policy() expiry.Policy {
	return p.policy
}

// CacheStatus reports whether a cache is configured and currently usable.
func (p *Paste) CacheStatus() (enabled, connected bool) {
	return p.cache.Enabled(), p.cache.Connected()
}

// CachedPastes reports the number of cached pastes when the cache can
// count them.
func (p *Paste) CachedPastes(ctx context.Context) (int, bool) {
	return p.cache.Count(ctx)
}

func (p *Paste) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}
