package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memoryTier is the in-process tier: one map from full key to entry with a
// running byte total, guarded by a single lock so the map and the size
// counter can never disagree. Reads take the read lock only; per-entry
// access bookkeeping is atomic.
type memoryTier struct {
	capacity int64
	target   float64

	mu      sync.RWMutex
	entries map[string]*entry
	size    int64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

func newMemoryTier(capacity int64, target float64) *memoryTier {
	return &memoryTier{
		capacity: capacity,
		target:   target,
		entries:  make(map[string]*entry),
	}
}

// get retrieves and touches an entry. An expired entry is treated as a miss
// and purged before returning.
func (t *memoryTier) get(key string, now time.Time) ([]byte, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()

	if !ok {
		t.misses.Add(1)
		return nil, false
	}

	if e.expired(now) {
		t.removeExpired(key, now)
		t.misses.Add(1)
		return nil, false
	}

	e.touch(now)
	t.hits.Add(1)
	return e.value, true
}

// set inserts or replaces an entry, evicting down to the target fraction of
// the budget when the insert would exceed it. The caller's now is used for
// victim scoring so one write sees one clock reading.
func (t *memoryTier) set(e *entry, now time.Time) error {
	if e.size > t.capacity {
		return ErrItemTooLarge
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[e.key]; ok {
		t.size -= old.size
		delete(t.entries, e.key)
	}

	if t.size+e.size > t.capacity {
		t.evictLocked(t.size+e.size-t.targetSize(), now)
	}

	t.entries[e.key] = e
	t.size += e.size
	return nil
}

// remove deletes an entry. It is idempotent.
func (t *memoryTier) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key)
}

// removeExpired drops a key only if it is still expired, so a concurrent
// overwrite between the read and the purge is not lost.
func (t *memoryTier) removeExpired(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok && e.expired(now) {
		t.removeLocked(key)
		t.expirations.Add(1)
	}
}

func (t *memoryTier) removeLocked(key string) {
	if e, ok := t.entries[key]; ok {
		delete(t.entries, key)
		t.size -= e.size
	}
}

// clearNamespace removes every entry belonging to the namespace.
func (t *memoryTier) clearNamespace(ns Namespace) {
	prefix := string(ns) + ":"

	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.entries {
		if strings.HasPrefix(key, prefix) {
			t.removeLocked(key)
		}
	}
}

// clear removes all entries and resets the size and stat counters.
func (t *memoryTier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*entry)
	t.size = 0
	t.hits.Store(0)
	t.misses.Store(0)
	t.evictions.Store(0)
	t.expirations.Store(0)
}

// purgeExpired removes every expired entry and returns how many were dropped.
func (t *memoryTier) purgeExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0
	for key, e := range t.entries {
		if e.expired(now) {
			t.removeLocked(key)
			purged++
		}
	}
	t.expirations.Add(int64(purged))
	return purged
}

// evictToTarget brings the tier at or below the target fraction of its
// budget. Returns the number of evicted entries.
func (t *memoryTier) evictToTarget(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.evictLocked(t.size-t.targetSize(), now)
}

// shedHalf evicts the lowest-priority half of the tier. Used on
// memory-pressure signals, independent of the budget.
func (t *memoryTier) shedHalf(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.entries)
	if n == 0 {
		return 0
	}

	metas := t.snapshotLocked()
	var half int64
	for i := range metas {
		half += metas[i].Size
	}
	half /= 2

	victims := selectVictims(metas, half, now)
	for i := range victims {
		t.removeLocked(victims[i].Key)
	}
	t.evictions.Add(int64(len(victims)))
	return len(victims)
}

// evictLocked frees at least excess bytes, lowest priority first.
func (t *memoryTier) evictLocked(excess int64, now time.Time) int {
	if excess <= 0 {
		return 0
	}

	victims := selectVictims(t.snapshotLocked(), excess, now)
	for i := range victims {
		t.removeLocked(victims[i].Key)
	}
	t.evictions.Add(int64(len(victims)))
	return len(victims)
}

func (t *memoryTier) targetSize() int64 {
	return int64(float64(t.capacity) * t.target)
}

// snapshotLocked copies every entry's metadata for the eviction policy.
func (t *memoryTier) snapshotLocked() []Metadata {
	metas := make([]Metadata, 0, len(t.entries))
	for _, e := range t.entries {
		metas = append(metas, e.metadata())
	}
	return metas
}

func (t *memoryTier) contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[key]
	return ok
}

func (t *memoryTier) currentSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

func (t *memoryTier) stats() TierStats {
	t.mu.RLock()
	size := t.size
	count := int64(len(t.entries))
	t.mu.RUnlock()

	s := TierStats{
		Capacity:    t.capacity,
		Size:        size,
		Entries:     count,
		Hits:        t.hits.Load(),
		Misses:      t.misses.Load(),
		Evictions:   t.evictions.Load(),
		Expirations: t.expirations.Load(),
	}
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	return s
}
