package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/caarlos0/env/v11"
)

// Common errors for cache operations
var (
	// ErrItemTooLarge is returned when an item exceeds a tier's capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrCacheMiss is returned when an item is not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheCorrupted is returned when cache data is corrupted
	ErrCacheCorrupted = errors.New("cache data corrupted")
)

// Namespace partitions the key space and the on-disk directory layout.
// Namespaces never overlap; a key only exists within one namespace.
type Namespace string

const (
	// NamespaceLocations holds reverse-geocoded place names keyed by coordinate.
	NamespaceLocations Namespace = "locations"

	// NamespaceSpotify holds track metadata from the music catalog.
	NamespaceSpotify Namespace = "spotifyMetadata"

	// NamespaceProfiles holds user profile documents.
	NamespaceProfiles Namespace = "userProfiles"

	// NamespaceImages holds serialized image payloads.
	NamespaceImages Namespace = "images"

	// NamespaceAnalytics holds buffered analytics payloads.
	NamespaceAnalytics Namespace = "analytics"

	// NamespaceGeneral is the default namespace.
	NamespaceGeneral Namespace = "general"
)

// Namespaces returns every valid namespace, in stable order.
func Namespaces() []Namespace {
	return []Namespace{
		NamespaceLocations,
		NamespaceSpotify,
		NamespaceProfiles,
		NamespaceImages,
		NamespaceAnalytics,
		NamespaceGeneral,
	}
}

// ParseNamespace converts a string into a Namespace.
func ParseNamespace(s string) (Namespace, error) {
	for _, ns := range Namespaces() {
		if string(ns) == s {
			return ns, nil
		}
	}
	return "", fmt.Errorf("unknown namespace %q", s)
}

func (n Namespace) valid() bool {
	for _, ns := range Namespaces() {
		if n == ns {
			return true
		}
	}
	return false
}

// fullKey builds the globally unique key "namespace:rawKey".
func fullKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// splitKey is the inverse of fullKey.
func splitKey(full string) (Namespace, string) {
	i := strings.IndexByte(full, ':')
	if i < 0 {
		return NamespaceGeneral, full
	}
	return Namespace(full[:i]), full[i+1:]
}

// entry is a memory-resident cache entry: an immutable value plus mutable
// access bookkeeping. Access fields are atomics so concurrent readers can
// touch an entry without holding the tier's write lock.
type entry struct {
	key       string
	value     []byte
	size      int64
	createdAt time.Time
	expiresAt time.Time

	lastAccess  atomic.Int64 // unix nanoseconds
	accessCount atomic.Int64
}

func newEntry(key string, value []byte, now time.Time, ttl time.Duration) *entry {
	e := &entry{
		key:       key,
		value:     value,
		size:      int64(len(value)),
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// touch records a read.
func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.accessCount.Add(1)
}

// metadata snapshots the entry's bookkeeping for the eviction policy.
func (e *entry) metadata() Metadata {
	return Metadata{
		Key:            e.key,
		Size:           e.size,
		CreatedAt:      e.createdAt,
		ExpiresAt:      e.expiresAt,
		LastAccessedAt: time.Unix(0, e.lastAccess.Load()),
		AccessCount:    e.accessCount.Load(),
	}
}

// Metadata describes a cached item without holding its value. It doubles as
// the disk index record, so field names are part of the index.json format.
type Metadata struct {
	Key            string    `json:"key"`
	Size           int64     `json:"size"` // logical (uncompressed) bytes
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`

	// Disk-only fields.
	Path       string `json:"path,omitempty"`      // relative to the cache root
	DiskSize   int64  `json:"disk_size,omitempty"` // bytes on disk (compressed)
	Compressed bool   `json:"compressed,omitempty"`
}

// Expired reports whether the entry is past its TTL.
func (m *Metadata) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// storedSize is the number of bytes the entry occupies in its tier.
func (m *Metadata) storedSize() int64 {
	if m.DiskSize > 0 {
		return m.DiskSize
	}
	return m.Size
}

// TierStats holds counters for a single cache tier.
type TierStats struct {
	Capacity    int64
	Size        int64
	Entries     int64
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	HitRate     float64
}

// NamespaceStats summarizes one namespace's footprint in the disk index.
type NamespaceStats struct {
	Entries int64
	Size    int64
}

// Statistics aggregates both tiers plus manager-level counters.
type Statistics struct {
	Memory      TierStats
	Disk        TierStats
	Promotions  int64
	CleanupRuns int64
	LastCleanup time.Time
	Namespaces  map[Namespace]NamespaceStats
}

// Config holds the cache service configuration. Fields carry env tags so a
// host can configure the cache entirely through the environment.
type Config struct {
	// Dir is the cache root directory. Empty means the platform default.
	Dir string `yaml:"dir" env:"CACHEBOX_DIR"`

	// Tier budgets, in bytes.
	MaxMemory int64 `yaml:"max_memory" env:"CACHEBOX_MAX_MEMORY" envDefault:"52428800"`
	MaxDisk   int64 `yaml:"max_disk" env:"CACHEBOX_MAX_DISK" envDefault:"524288000"`

	// DefaultTTL applies when a Set call passes a zero TTL.
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHEBOX_DEFAULT_TTL" envDefault:"1h"`

	// CleanupInterval is the periodic sweep cadence. Zero disables the sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CACHEBOX_CLEANUP_INTERVAL" envDefault:"5m"`

	// TargetFraction is the fraction of a tier's budget eviction settles to.
	TargetFraction float64 `yaml:"target_fraction" env:"CACHEBOX_TARGET_FRACTION" envDefault:"0.8"`

	// PromoteAfter is the disk access count beyond which a hit is copied
	// into the memory tier.
	PromoteAfter int64 `yaml:"promote_after" env:"CACHEBOX_PROMOTE_AFTER" envDefault:"3"`

	// CompressionLevel is the zstd level for disk entries (0 disables).
	CompressionLevel int `yaml:"compression_level" env:"CACHEBOX_COMPRESSION_LEVEL" envDefault:"3"`

	// LocationRadiusMeters is the default geoproximity match radius.
	LocationRadiusMeters float64 `yaml:"location_radius_meters" env:"CACHEBOX_LOCATION_RADIUS" envDefault:"50"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxMemory:            50 * 1024 * 1024,
		MaxDisk:              500 * 1024 * 1024,
		DefaultTTL:           time.Hour,
		CleanupInterval:      5 * time.Minute,
		TargetFraction:       0.8,
		PromoteAfter:         3,
		CompressionLevel:     3,
		LocationRadiusMeters: 50,
	}
}

// ConfigFromEnv builds a Config from CACHEBOX_* environment variables.
func ConfigFromEnv() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return &cfg, nil
}

// normalize clamps nonsense values back to defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxMemory <= 0 {
		c.MaxMemory = def.MaxMemory
	}
	if c.MaxDisk <= 0 {
		c.MaxDisk = def.MaxDisk
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.TargetFraction <= 0 || c.TargetFraction > 1 {
		c.TargetFraction = def.TargetFraction
	}
	if c.PromoteAfter < 0 {
		c.PromoteAfter = def.PromoteAfter
	}
	if c.LocationRadiusMeters <= 0 {
		c.LocationRadiusMeters = def.LocationRadiusMeters
	}
}
