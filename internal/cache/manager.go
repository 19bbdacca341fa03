package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

// tierOrigin identifies which tier produced a hit.
type tierOrigin int

const (
	originNone tierOrigin = iota
	originMemory
	originDisk
)

// Manager coordinates the memory and disk tiers: reads check memory first
// and fall back to disk, repeatedly-read disk hits get promoted back into
// memory, and writes go to memory (when small enough) and always to disk.
//
// A Manager is an explicit service instance; construct one at process start
// and hand it to consumers.
type Manager struct {
	cfg    *Config
	logger *log.Logger

	memory *memoryTier

	// diskMu serializes every disk tier operation, keeping the index and
	// the disk size counter consistent. flight collapses concurrent disk
	// loads of the same key into one file read.
	diskMu sync.Mutex
	disk   *diskTier
	flight singleflight.Group

	promotions atomic.Int64

	// Cleanup scheduler
	schedMu       sync.Mutex
	cleanupStop   chan struct{}
	cleanupTicker *time.Ticker
	cleanupWg     sync.WaitGroup
	cleanupRuns   atomic.Int64
	lastCleanup   atomic.Int64 // unix nanoseconds
}

// New creates a cache manager. A nil config uses defaults; a nil logger uses
// log.Default().
func New(cfg *Config, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	if logger == nil {
		logger = log.Default()
	}

	if cfg.Dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
		}
		cfg.Dir = filepath.Join(base, "cachebox")
	}

	disk, err := newDiskTier(cfg.Dir, cfg.MaxDisk, cfg.TargetFraction, cfg.DefaultTTL, cfg.CompressionLevel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk tier: %w", err)
	}

	m := &Manager{
		cfg:         cfg,
		logger:      logger,
		memory:      newMemoryTier(cfg.MaxMemory, cfg.TargetFraction),
		disk:        disk,
		cleanupStop: make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		m.startCleanup()
	}

	return m, nil
}

// Set serializes the value and stores it under the namespaced key. It is
// fire-and-forget: serialization or disk failures are logged and the write
// is dropped, never surfaced to the caller.
func (m *Manager) Set(key string, value any, ns Namespace, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		m.logger.Warn("failed to serialize cache value", "key", key, "namespace", ns, "err", err)
		return
	}
	m.SetBytes(key, data, ns, ttl)
}

// SetBytes stores already-serialized bytes. Values at or above a tenth of
// the memory budget skip the memory tier so a single large entry cannot
// dominate it; every value goes to disk.
func (m *Manager) SetBytes(key string, value []byte, ns Namespace, ttl time.Duration) {
	if !ns.valid() {
		ns = NamespaceGeneral
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	fk := fullKey(ns, key)
	now := time.Now()

	if int64(len(value)) < m.cfg.MaxMemory/10 {
		if err := m.memory.set(newEntry(fk, value, now, ttl), now); err != nil {
			m.logger.Debug("memory tier rejected entry", "key", fk, "err", err)
		}
	}

	m.diskMu.Lock()
	err := m.disk.set(fk, value, now, ttl)
	m.diskMu.Unlock()
	if err != nil {
		m.logger.Warn("failed to write cache entry to disk", "key", fk, "err", err)
	}
}

// Get retrieves and deserializes a value. A miss, an expired entry, or a
// value that no longer deserializes all return ok == false; the corrupt case
// also removes the entry from the tier that produced it.
func Get[T any](m *Manager, key string, ns Namespace) (T, bool) {
	var zero T

	data, origin, ok := m.getBytes(key, ns)
	if !ok {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		m.logger.Warn("failed to deserialize cache value, removing", "key", key, "namespace", ns, "err", err)
		m.removeFrom(fullKey(ns, key), origin)
		return zero, false
	}
	return v, true
}

// GetBytes retrieves the serialized bytes for a key, promoting hot disk
// entries back into memory.
func (m *Manager) GetBytes(key string, ns Namespace) ([]byte, bool) {
	data, _, ok := m.getBytes(key, ns)
	return data, ok
}

type diskLoad struct {
	data []byte
	ok   bool
}

func (m *Manager) getBytes(key string, ns Namespace) ([]byte, tierOrigin, bool) {
	if !ns.valid() {
		ns = NamespaceGeneral
	}
	fk := fullKey(ns, key)
	now := time.Now()

	if data, ok := m.memory.get(fk, now); ok {
		return data, originMemory, true
	}

	v, _, _ := m.flight.Do(fk, func() (any, error) {
		m.diskMu.Lock()
		data, meta, ok := m.disk.get(fk, now)
		m.diskMu.Unlock()

		if ok {
			m.maybePromote(fk, data, meta, now)
		}
		return diskLoad{data: data, ok: ok}, nil
	})

	load := v.(diskLoad)
	if !load.ok {
		return nil, originNone, false
	}
	return load.data, originDisk, true
}

// maybePromote copies a repeatedly-read disk entry into the memory tier,
// carrying over its TTL and access bookkeeping.
func (m *Manager) maybePromote(key string, data []byte, meta Metadata, now time.Time) {
	if meta.AccessCount <= m.cfg.PromoteAfter {
		return
	}
	if int64(len(data)) >= m.cfg.MaxMemory/10 {
		return
	}

	e := &entry{
		key:       key,
		value:     data,
		size:      int64(len(data)),
		createdAt: meta.CreatedAt,
		expiresAt: meta.ExpiresAt,
	}
	e.lastAccess.Store(now.UnixNano())
	e.accessCount.Store(meta.AccessCount)

	if err := m.memory.set(e, now); err == nil {
		m.promotions.Add(1)
	}
}

// Remove deletes the key from both tiers. It is idempotent.
func (m *Manager) Remove(key string, ns Namespace) {
	if !ns.valid() {
		ns = NamespaceGeneral
	}
	m.removeFrom(fullKey(ns, key), originNone)
}

// removeFrom deletes a full key from one tier, or from both when origin is
// originNone.
func (m *Manager) removeFrom(fk string, origin tierOrigin) {
	if origin == originNone || origin == originMemory {
		m.memory.remove(fk)
	}
	if origin == originNone || origin == originDisk {
		m.diskMu.Lock()
		m.disk.remove(fk)
		m.diskMu.Unlock()
	}
}

// Clear wipes a single namespace in both tiers, leaving the others intact.
func (m *Manager) Clear(ns Namespace) error {
	if !ns.valid() {
		return fmt.Errorf("unknown namespace %q", ns)
	}

	m.memory.clearNamespace(ns)

	m.diskMu.Lock()
	defer m.diskMu.Unlock()
	return m.disk.clearNamespace(ns)
}

// ClearAll wipes the whole cache root and resets all size accounting.
func (m *Manager) ClearAll() error {
	m.memory.clear()

	m.diskMu.Lock()
	defer m.diskMu.Unlock()
	return m.disk.clear()
}

// Contains reports whether the key is present in either tier, without
// touching access bookkeeping.
func (m *Manager) Contains(key string, ns Namespace) bool {
	if !ns.valid() {
		ns = NamespaceGeneral
	}
	fk := fullKey(ns, key)

	if m.memory.contains(fk) {
		return true
	}

	m.diskMu.Lock()
	defer m.diskMu.Unlock()
	return m.disk.contains(fk)
}

// Statistics returns a snapshot of both tiers plus manager-level counters.
func (m *Manager) Statistics() Statistics {
	m.diskMu.Lock()
	diskStats := m.disk.stats()
	breakdown := m.disk.namespaceBreakdown()
	m.diskMu.Unlock()

	return Statistics{
		Memory:      m.memory.stats(),
		Disk:        diskStats,
		Promotions:  m.promotions.Load(),
		CleanupRuns: m.cleanupRuns.Load(),
		LastCleanup: time.Unix(0, m.lastCleanup.Load()),
		Namespaces:  breakdown,
	}
}

// HandleMemoryPressure evicts the lowest-priority half of the memory tier
// immediately. Hosts call this from their platform's memory-warning hook.
func (m *Manager) HandleMemoryPressure() {
	evicted := m.memory.shedHalf(time.Now())
	m.logger.Info("memory pressure: shed memory tier", "evicted", evicted)
}

// Sweep runs one cleanup pass: expired entries are purged from both tiers
// and the disk tier is evicted back under budget.
func (m *Manager) Sweep() {
	now := time.Now()

	purged := m.memory.purgeExpired(now)
	if m.memory.currentSize() > m.cfg.MaxMemory {
		m.memory.evictToTarget(now)
	}

	m.diskMu.Lock()
	expired, evicted := m.disk.sweep(now)
	m.diskMu.Unlock()

	m.cleanupRuns.Add(1)
	m.lastCleanup.Store(now.UnixNano())
	m.logger.Debug("cache sweep complete",
		"memory_expired", purged, "disk_expired", expired, "disk_evicted", evicted)
}

// SetCleanupInterval restarts the periodic sweep with a new cadence. An
// interval of zero or less stops it.
func (m *Manager) SetCleanupInterval(interval time.Duration) {
	m.stopCleanup()
	m.cfg.CleanupInterval = interval
	if interval > 0 {
		m.startCleanup()
	}
}

func (m *Manager) startCleanup() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	m.cleanupStop = make(chan struct{})
	m.cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)
	m.cleanupWg.Add(1)

	go func() {
		defer m.cleanupWg.Done()
		for {
			select {
			case <-m.cleanupTicker.C:
				m.Sweep()
			case <-m.cleanupStop:
				return
			}
		}
	}()
}

func (m *Manager) stopCleanup() {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()

	if m.cleanupTicker == nil {
		return
	}
	close(m.cleanupStop)
	m.cleanupWg.Wait()
	m.cleanupTicker.Stop()
	m.cleanupTicker = nil
}

// Close stops the cleanup scheduler and persists the disk index.
func (m *Manager) Close() error {
	m.stopCleanup()

	m.diskMu.Lock()
	defer m.diskMu.Unlock()
	if err := m.disk.close(); err != nil {
		return fmt.Errorf("failed to close disk tier: %w", err)
	}
	return nil
}
