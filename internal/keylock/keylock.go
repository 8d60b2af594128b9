// Package keylock serialises read-check-write sequences per logical key.
//
// A Locker hands out exclusive ownership of a set of keys. Keys are de-duplicated and
// acquired in sorted order so callers locking overlapping sets cannot deadlock. Distinct
// keys never contend with each other; there is no global lock.
package keylock

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotAcquired is returned when a key could not be locked before the wait expired.
var ErrNotAcquired = errors.New("keylock: lock not acquired")

// Unlock releases every key obtained by a Lock call. Calling it more than once is a no-op.
type Unlock func()

// Locker acquires exclusive ownership of a group of keys.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

// normalize drops empty keys, removes duplicates and sorts.
func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func once(release func()) Unlock {
	var o sync.Once
	return func() { o.Do(release) }
}
