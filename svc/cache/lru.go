package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU is an in-process Backend. Entries carry their own deadline so the
// TTL handed to Set is honoured even though golang-lru has no expiry.
type LRU struct {
	c   *lru.Cache[string, entry]
	mu  sync.Mutex
	now func() time.Time
}

type entry struct {
	val []byte
	exp time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c, now: time.Now}, nil
}

func (l *LRU) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(key)
		return nil, false, nil
	}
	return it.val, true, nil
}

func (l *LRU) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(key, entry{val: buf, exp: l.now().Add(ttl)})
	return nil
}

func (l *LRU) Delete(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
	return nil
}

// Ping always succeeds for a live context; the LRU cannot disconnect.
func (l *LRU) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Count returns the number of live entries whose key starts with prefix.
func (l *LRU) Count(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, k := range l.c.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if it, ok := l.c.Peek(k); ok && now.Before(it.exp) {
			n++
		}
	}
	return n, nil
}

func (l *LRU) Len() int {
	return l.c.Len()
}
