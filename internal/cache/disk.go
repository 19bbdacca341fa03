package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

// indexFile is the on-disk index name, relative to the cache root.
const indexFile = "index.json"

// cacheExt is the extension of every value file.
const cacheExt = ".cache"

// zstdMagic is the zstd frame header, used to re-detect compression when the
// index has to be rebuilt from a directory scan.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// diskTier stores each entry as a standalone file under
// root/<namespace>/<percent-encoded-key>.cache and mirrors the directory in
// an in-memory index persisted as JSON at root/index.json. The index is the
// tier's source of truth for size accounting and expiry, so stats never
// require opening files.
type diskTier struct {
	root       string
	capacity   int64
	target     float64
	defaultTTL time.Duration
	logger     *log.Logger

	// Compression
	level   int
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// All fields below are guarded by the manager-level discipline: every
	// disk operation runs under the tier lock in the Manager. The tier is
	// not safe for direct concurrent use.
	index map[string]*Metadata
	size  int64 // physical bytes

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

func newDiskTier(root string, capacity int64, target float64, defaultTTL time.Duration, level int, logger *log.Logger) (*diskTier, error) {
	d := &diskTier{
		root:       root,
		capacity:   capacity,
		target:     target,
		defaultTTL: defaultTTL,
		logger:     logger,
		level:      level,
		index:      make(map[string]*Metadata),
	}

	if err := d.ensureDirs(); err != nil {
		return nil, err
	}

	if level > 0 {
		var err error
		d.encoder, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		d.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}

	if err := d.loadIndex(); err != nil {
		d.logger.Warn("cache index unreadable, rebuilding from directory scan", "err", err)
		d.rebuildIndex()
	}
	d.recomputeSize()
	d.sweepOrphans()

	return d, nil
}

func (d *diskTier) ensureDirs() error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	for _, ns := range Namespaces() {
		if err := os.MkdirAll(filepath.Join(d.root, string(ns)), 0o755); err != nil {
			return fmt.Errorf("failed to create namespace directory: %w", err)
		}
	}
	return nil
}

// relPath maps a full key to its file location relative to the root.
func relPath(key string) string {
	ns, raw := splitKey(key)
	return path.Join(string(ns), url.PathEscape(raw)+cacheExt)
}

func (d *diskTier) absPath(rel string) string {
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

// get retrieves and touches an entry. Expired entries are purged as a side
// effect of being observed; a missing or unreadable file drops the dangling
// index record and counts as a miss.
func (d *diskTier) get(key string, now time.Time) ([]byte, Metadata, bool) {
	meta, ok := d.index[key]
	if !ok {
		d.misses++
		return nil, Metadata{}, false
	}

	if meta.Expired(now) {
		d.dropLocked(key, meta)
		d.expirations++
		d.misses++
		d.saveIndex()
		return nil, Metadata{}, false
	}

	data, err := os.ReadFile(d.absPath(meta.Path))
	if err != nil {
		d.logger.Debug("dropping dangling index entry", "key", key, "err", err)
		delete(d.index, key)
		d.size -= meta.DiskSize
		d.misses++
		d.saveIndex()
		return nil, Metadata{}, false
	}

	if meta.Compressed {
		if d.decoder == nil {
			d.decoder, _ = zstd.NewReader(nil)
		}
		decompressed, err := d.decoder.DecodeAll(data, nil)
		if err != nil {
			d.logger.Warn("corrupt cache file, removing", "key", key, "err", err)
			d.dropLocked(key, meta)
			d.misses++
			d.saveIndex()
			return nil, Metadata{}, false
		}
		data = decompressed
	}

	meta.LastAccessedAt = now
	meta.AccessCount++
	d.hits++

	return data, *meta, true
}

// set writes the value file atomically and records it in the index. The
// index is persisted after each mutating batch.
func (d *diskTier) set(key string, value []byte, now time.Time, ttl time.Duration) error {
	logical := int64(len(value))

	toWrite := value
	compressed := false
	if d.encoder != nil && logical > 1024 {
		c := d.encoder.EncodeAll(value, nil)
		if int64(len(c)) < logical {
			toWrite = c
			compressed = true
		}
	}
	physical := int64(len(toWrite))

	if physical > d.capacity {
		return ErrItemTooLarge
	}

	if old, ok := d.index[key]; ok {
		d.size -= old.DiskSize
		delete(d.index, key)
	}

	d.purgeExpired(now)
	if d.size+physical > d.capacity {
		d.evictExcess(d.size+physical-d.targetSize(), now)
	}

	rel := relPath(key)
	if err := writeFileAtomic(d.absPath(rel), toWrite); err != nil {
		d.saveIndex()
		return fmt.Errorf("failed to write cache file: %w", err)
	}

	d.index[key] = &Metadata{
		Key:            key,
		Size:           logical,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
		Path:           rel,
		DiskSize:       physical,
		Compressed:     compressed,
	}
	d.size += physical
	d.saveIndex()

	return nil
}

// remove deletes an entry. It is idempotent.
func (d *diskTier) remove(key string) {
	meta, ok := d.index[key]
	if !ok {
		return
	}
	d.dropLocked(key, meta)
	d.saveIndex()
}

// dropLocked removes the file and the index record for an entry.
func (d *diskTier) dropLocked(key string, meta *Metadata) {
	if err := os.Remove(d.absPath(meta.Path)); err != nil && !os.IsNotExist(err) {
		d.logger.Debug("failed to remove cache file", "path", meta.Path, "err", err)
	}
	delete(d.index, key)
	d.size -= meta.DiskSize
}

// clearNamespace wipes one namespace's directory and index entries,
// re-creating an empty directory.
func (d *diskTier) clearNamespace(ns Namespace) error {
	dir := filepath.Join(d.root, string(ns))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear namespace directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate namespace directory: %w", err)
	}

	prefix := string(ns) + ":"
	for key, meta := range d.index {
		if strings.HasPrefix(key, prefix) {
			d.size -= meta.DiskSize
			delete(d.index, key)
		}
	}
	return d.saveIndex()
}

// clear wipes the whole cache root and resets all counters.
func (d *diskTier) clear() error {
	for _, ns := range Namespaces() {
		if err := os.RemoveAll(filepath.Join(d.root, string(ns))); err != nil {
			return fmt.Errorf("failed to clear cache root: %w", err)
		}
	}
	os.Remove(filepath.Join(d.root, indexFile))

	d.index = make(map[string]*Metadata)
	d.size = 0
	d.hits = 0
	d.misses = 0
	d.evictions = 0
	d.expirations = 0

	if err := d.ensureDirs(); err != nil {
		return err
	}
	return d.saveIndex()
}

// sweep purges expired entries first, then evicts priority-ordered down to
// the target if the tier is still over budget.
func (d *diskTier) sweep(now time.Time) (expired, evicted int) {
	expired = d.purgeExpired(now)
	if d.size > d.capacity {
		evicted = d.evictExcess(d.size-d.targetSize(), now)
	}
	d.saveIndex()
	return expired, evicted
}

func (d *diskTier) purgeExpired(now time.Time) int {
	purged := 0
	for key, meta := range d.index {
		if meta.Expired(now) {
			d.dropLocked(key, meta)
			purged++
		}
	}
	d.expirations += int64(purged)
	return purged
}

func (d *diskTier) evictExcess(excess int64, now time.Time) int {
	if excess <= 0 {
		return 0
	}

	metas := make([]Metadata, 0, len(d.index))
	for _, meta := range d.index {
		metas = append(metas, *meta)
	}

	victims := selectVictims(metas, excess, now)
	for i := range victims {
		if meta, ok := d.index[victims[i].Key]; ok {
			d.dropLocked(victims[i].Key, meta)
		}
	}
	d.evictions += int64(len(victims))
	return len(victims)
}

func (d *diskTier) targetSize() int64 {
	return int64(float64(d.capacity) * d.target)
}

// metadataSnapshot copies the index records for a namespace; an empty
// namespace selects everything.
func (d *diskTier) metadataSnapshot(ns Namespace) []Metadata {
	prefix := ""
	if ns != "" {
		prefix = string(ns) + ":"
	}

	metas := make([]Metadata, 0, len(d.index))
	for key, meta := range d.index {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			metas = append(metas, *meta)
		}
	}
	return metas
}

// namespaceBreakdown reports per-namespace entry counts and logical sizes
// from the index alone.
func (d *diskTier) namespaceBreakdown() map[Namespace]NamespaceStats {
	out := make(map[Namespace]NamespaceStats, len(Namespaces()))
	for _, ns := range Namespaces() {
		out[ns] = NamespaceStats{}
	}
	for key, meta := range d.index {
		ns, _ := splitKey(key)
		s := out[ns]
		s.Entries++
		s.Size += meta.Size
		out[ns] = s
	}
	return out
}

func (d *diskTier) contains(key string) bool {
	_, ok := d.index[key]
	return ok
}

func (d *diskTier) entryCount() int64 {
	return int64(len(d.index))
}

func (d *diskTier) stats() TierStats {
	s := TierStats{
		Capacity:    d.capacity,
		Size:        d.size,
		Entries:     int64(len(d.index)),
		Hits:        d.hits,
		Misses:      d.misses,
		Evictions:   d.evictions,
		Expirations: d.expirations,
	}
	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	return s
}

// close persists the index one last time.
func (d *diskTier) close() error {
	return d.saveIndex()
}

// Index persistence and recovery

func (d *diskTier) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(d.root, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			// First run: an empty directory scan is a no-op, a populated
			// one recovers a previous session's files.
			d.rebuildIndex()
			return nil
		}
		return err
	}

	index := make(map[string]*Metadata)
	if err := json.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheCorrupted, err)
	}

	// Valid JSON can still be a broken index: null records or records
	// without a file path.
	for key, meta := range index {
		if meta == nil || meta.Path == "" {
			return fmt.Errorf("%w: invalid record for %q", ErrCacheCorrupted, key)
		}
	}

	d.index = index
	return nil
}

func (d *diskTier) saveIndex() error {
	data, err := json.Marshal(d.index)
	if err != nil {
		d.logger.Warn("failed to encode cache index", "err", err)
		return err
	}
	if err := writeFileAtomic(filepath.Join(d.root, indexFile), data); err != nil {
		d.logger.Warn("failed to persist cache index", "err", err)
		return err
	}
	return nil
}

// rebuildIndex synthesizes metadata for every .cache file on disk. Creation
// times come from file modtimes, TTLs default, and access counts reset to
// zero; compression is re-detected from the zstd frame header.
func (d *diskTier) rebuildIndex() {
	d.index = make(map[string]*Metadata)

	for _, ns := range Namespaces() {
		dir := filepath.Join(d.root, string(ns))
		dirents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}

		for _, ent := range dirents {
			name := ent.Name()
			if ent.IsDir() || !strings.HasSuffix(name, cacheExt) {
				continue
			}

			info, err := ent.Info()
			if err != nil {
				continue
			}

			raw, err := url.PathUnescape(strings.TrimSuffix(name, cacheExt))
			if err != nil {
				d.logger.Debug("skipping unparseable cache file", "name", name, "err", err)
				continue
			}

			key := fullKey(ns, raw)
			created := info.ModTime()
			meta := &Metadata{
				Key:            key,
				Size:           info.Size(),
				CreatedAt:      created,
				ExpiresAt:      created.Add(d.defaultTTL),
				LastAccessedAt: created,
				Path:           path.Join(string(ns), name),
				DiskSize:       info.Size(),
				Compressed:     d.sniffCompressed(filepath.Join(dir, name)),
			}
			d.index[key] = meta
		}
	}

	if len(d.index) > 0 {
		d.logger.Info("rebuilt cache index", "entries", len(d.index))
	}
}

func (d *diskTier) sniffCompressed(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	header := make([]byte, 4)
	if _, err := f.Read(header); err != nil {
		return false
	}
	return bytes.Equal(header, zstdMagic)
}

// sweepOrphans deletes any on-disk file with no index entry. Dangling index
// entries (file missing) are handled lazily on the next get.
func (d *diskTier) sweepOrphans() {
	known := make(map[string]struct{}, len(d.index))
	for _, meta := range d.index {
		known[meta.Path] = struct{}{}
	}

	removed := 0
	for _, ns := range Namespaces() {
		dir := filepath.Join(d.root, string(ns))
		dirents, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range dirents {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), cacheExt) {
				continue
			}
			rel := path.Join(string(ns), ent.Name())
			if _, ok := known[rel]; !ok {
				if err := os.Remove(filepath.Join(dir, ent.Name())); err == nil {
					removed++
				}
			}
		}
	}

	if removed > 0 {
		d.logger.Debug("removed orphan cache files", "count", removed)
	}
}

func (d *diskTier) recomputeSize() {
	d.size = 0
	for _, meta := range d.index {
		d.size += meta.DiskSize
	}
}

// writeFileAtomic writes to a temp file then renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}
