package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"remarq/pkg/domain"
)

// LRU holds per-target comment threads with a TTL so hot pages avoid
// hitting sqlite on every read.
type LRU struct {
	c  *lru.Cache[string, item]
	mu sync.Mutex
}
type item struct {
	thread []*domain.Comment
	exp    time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) GetThread(ctx context.Context, target string) ([]*domain.Comment, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(target)
	if !ok {
		return nil, false
	}
	if time.Now().After(it.exp) {
		l.c.Remove(target)
		return nil, false
	}
	return it.thread, true
}

func (l *LRU) SetThread(ctx context.Context, target string, thread []*domain.Comment, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(target, item{
		thread: thread,
		exp:    time.Now().Add(ttl),
	})
}

func (l *LRU) Delete(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(target)
}
