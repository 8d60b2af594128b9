package keylock

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process Locker. It is sufficient when a single API instance owns the
// database; multi-instance deployments should use Redis.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// Lock blocks until every key is held or ctx is done.
func (l *Local) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}
	for _, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, key)
	}
	return once(releaseHeld), nil
}

// Held reports how many keys currently have an owner or waiter.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, entry)
		return fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	entry, ok := l.entries[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-entry.sem
	l.drop(key, entry)
}

func (l *Local) drop(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
}
