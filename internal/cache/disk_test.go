package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestDiskTier(t *testing.T, capacity int64) *diskTier {
	t.Helper()

	tier, err := newDiskTier(t.TempDir(), capacity, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("failed to create disk tier: %v", err)
	}
	return tier
}

func TestDiskTier_BasicOperations(t *testing.T) {
	tier := newTestDiskTier(t, 10240)
	now := time.Now()

	key := fullKey(NamespaceGeneral, "test-key")
	value := []byte("test-value")

	if err := tier.set(key, value, now, time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	retrieved, meta, ok := tier.get(key, now)
	if !ok {
		t.Fatal("get failed: key not found")
	}
	if string(retrieved) != string(value) {
		t.Errorf("retrieved value mismatch: got %s, want %s", retrieved, value)
	}
	if meta.AccessCount != 1 {
		t.Errorf("access count not bumped: got %d, want 1", meta.AccessCount)
	}

	tier.remove(key)
	if _, _, ok := tier.get(key, now); ok {
		t.Error("key still exists after remove")
	}
	// Removing again must be a no-op.
	tier.remove(key)
}

func TestDiskTier_FileLayout(t *testing.T) {
	dir := t.TempDir()
	tier, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("failed to create disk tier: %v", err)
	}

	// Keys with separators must be percent-encoded into a flat filename.
	key := fullKey(NamespaceLocations, "37.000000,-122.000000")
	if err := tier.set(key, []byte(`"Main Library"`), time.Now(), time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, string(NamespaceLocations)))
	if err != nil {
		t.Fatalf("failed to read namespace dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cache file, found %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != cacheExt {
		t.Errorf("unexpected cache file name: %s", entries[0].Name())
	}

	if _, err := os.Stat(filepath.Join(dir, indexFile)); err != nil {
		t.Errorf("index.json not persisted: %v", err)
	}
}

func TestDiskTier_SizeInvariant(t *testing.T) {
	tier := newTestDiskTier(t, 1024*1024)
	now := time.Now()

	for i := 0; i < 10; i++ {
		key := fullKey(NamespaceGeneral, fmt.Sprintf("key-%d", i))
		tier.set(key, make([]byte, 100+i), now, time.Hour)
	}
	tier.remove(fullKey(NamespaceGeneral, "key-2"))

	var want int64
	for _, meta := range tier.index {
		want += meta.DiskSize
	}
	if tier.size != want {
		t.Errorf("size counter diverged from index: counter=%d actual=%d", tier.size, want)
	}
}

func TestDiskTier_ExpiredEntryPurgedOnGet(t *testing.T) {
	tier := newTestDiskTier(t, 10240)
	now := time.Now()

	key := fullKey(NamespaceGeneral, "ephemeral")
	tier.set(key, []byte("v"), now, 10*time.Millisecond)

	if _, _, ok := tier.get(key, now.Add(time.Second)); ok {
		t.Fatal("expired entry was returned")
	}
	if tier.contains(key) {
		t.Error("expired entry still indexed after get")
	}
	if tier.entryCount() != 0 {
		t.Error("expired entry still counted")
	}
}

func TestDiskTier_DanglingIndexEntryDropped(t *testing.T) {
	tier := newTestDiskTier(t, 10240)
	now := time.Now()

	key := fullKey(NamespaceGeneral, "doomed")
	tier.set(key, []byte("value"), now, time.Hour)

	// Delete the backing file out from under the index.
	os.Remove(tier.absPath(tier.index[key].Path))

	if _, _, ok := tier.get(key, now); ok {
		t.Fatal("get succeeded with missing backing file")
	}
	if tier.contains(key) {
		t.Error("dangling index entry not dropped")
	}
}

func TestDiskTier_EvictsToTargetOnOverflow(t *testing.T) {
	tier := newTestDiskTier(t, 1000)
	now := time.Now()

	for i := 0; i < 15; i++ {
		key := fullKey(NamespaceGeneral, fmt.Sprintf("key-%d", i))
		if err := tier.set(key, make([]byte, 100), now, time.Hour); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	if tier.size > 1000 {
		t.Errorf("size %d exceeds budget after eviction", tier.size)
	}
	if tier.stats().Evictions == 0 {
		t.Error("expected evictions to be recorded")
	}
}

func TestDiskTier_RejectsOversizedEntry(t *testing.T) {
	tier := newTestDiskTier(t, 100)

	err := tier.set(fullKey(NamespaceGeneral, "huge"), make([]byte, 200), time.Now(), time.Hour)
	if err != ErrItemTooLarge {
		t.Errorf("expected ErrItemTooLarge, got %v", err)
	}
}

func TestDiskTier_IndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("failed to create disk tier: %v", err)
	}
	key := fullKey(NamespaceGeneral, "persistent")
	tier.set(key, []byte("survives"), now, time.Hour)
	tier.get(key, now)
	tier.get(key, now)
	if err := tier.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("failed to reopen disk tier: %v", err)
	}

	data, meta, ok := reopened.get(key, now)
	if !ok {
		t.Fatal("entry lost across restart")
	}
	if string(data) != "survives" {
		t.Errorf("value corrupted across restart: %q", data)
	}
	// Two gets before close plus this one.
	if meta.AccessCount != 3 {
		t.Errorf("access count not preserved: got %d, want 3", meta.AccessCount)
	}
}

func TestDiskTier_RebuildsFromScanOnCorruptIndex(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("failed to create disk tier: %v", err)
	}
	for i := 0; i < 4; i++ {
		key := fullKey(NamespaceGeneral, fmt.Sprintf("key-%d", i))
		tier.set(key, []byte("payload"), now, time.Hour)
		tier.get(key, now)
	}
	tier.close()

	if err := os.WriteFile(filepath.Join(dir, indexFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to corrupt index: %v", err)
	}

	rebuilt, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	if got := rebuilt.entryCount(); got != 4 {
		t.Errorf("rebuilt index has %d entries, want 4", got)
	}

	// The rebuild recovers presence, not history: access counts reset.
	for key, meta := range rebuilt.index {
		if meta.AccessCount != 0 {
			t.Errorf("rebuilt entry %s has access count %d, want 0", key, meta.AccessCount)
		}
	}

	// Values are still readable through the rebuilt index.
	data, _, ok := rebuilt.get(fullKey(NamespaceGeneral, "key-0"), now)
	if !ok || string(data) != "payload" {
		t.Errorf("rebuilt entry unreadable: ok=%v data=%q", ok, data)
	}
}

func TestDiskTier_RebuildsOnNullIndexRecord(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, _ := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	tier.set(fullKey(NamespaceGeneral, "real"), []byte("v"), now, time.Hour)
	tier.close()

	// Parses as JSON, but the record is null; startup must fall back to the
	// directory scan instead of trusting it.
	if err := os.WriteFile(filepath.Join(dir, indexFile), []byte(`{"general:k":null}`), 0o644); err != nil {
		t.Fatalf("failed to plant bad index: %v", err)
	}

	rebuilt, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if got := rebuilt.entryCount(); got != 1 {
		t.Errorf("rebuilt index has %d entries, want 1", got)
	}
	if _, _, ok := rebuilt.get(fullKey(NamespaceGeneral, "real"), now); !ok {
		t.Error("entry unreadable after rebuild from bad index")
	}
}

func TestDiskTier_RebuildsOnPathlessIndexRecord(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, _ := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	tier.set(fullKey(NamespaceGeneral, "real"), []byte("v"), now, time.Hour)
	tier.close()

	bad := `{"general:k":{"key":"general:k","size":1}}`
	if err := os.WriteFile(filepath.Join(dir, indexFile), []byte(bad), 0o644); err != nil {
		t.Fatalf("failed to plant bad index: %v", err)
	}

	rebuilt, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if got := rebuilt.entryCount(); got != 1 {
		t.Errorf("rebuilt index has %d entries, want 1", got)
	}
}

func TestDiskTier_RebuildsWhenIndexMissing(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, _ := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	tier.set(fullKey(NamespaceImages, "pic"), []byte("bytes"), now, time.Hour)
	tier.close()

	os.Remove(filepath.Join(dir, indexFile))

	rebuilt, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if got := rebuilt.entryCount(); got != 1 {
		t.Errorf("rebuilt index has %d entries, want 1", got)
	}
}

func TestDiskTier_OrphanFilesSweptOnStartup(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, _ := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	tier.set(fullKey(NamespaceGeneral, "legit"), []byte("v"), now, time.Hour)
	tier.close()

	orphan := filepath.Join(dir, string(NamespaceGeneral), "orphan"+cacheExt)
	if err := os.WriteFile(orphan, []byte("stray"), 0o644); err != nil {
		t.Fatalf("failed to plant orphan: %v", err)
	}

	// A valid index plus a stray file: the sweep must remove the stray.
	reopened, err := newDiskTier(dir, 10240, 0.8, time.Hour, 0, testLogger())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan file survived startup sweep")
	}
	if reopened.entryCount() != 1 {
		t.Errorf("expected 1 indexed entry, got %d", reopened.entryCount())
	}
}

func TestDiskTier_CompressionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, err := newDiskTier(dir, 1024*1024, 0.8, time.Hour, 3, testLogger())
	if err != nil {
		t.Fatalf("failed to create disk tier: %v", err)
	}

	// Highly compressible payload over the 1 KiB floor.
	value := make([]byte, 8192)
	for i := range value {
		value[i] = byte('a' + i%4)
	}

	key := fullKey(NamespaceAnalytics, "batch")
	if err := tier.set(key, value, now, time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	meta := tier.index[key]
	if !meta.Compressed {
		t.Error("compressible payload stored uncompressed")
	}
	if meta.DiskSize >= meta.Size {
		t.Errorf("disk size %d not smaller than logical size %d", meta.DiskSize, meta.Size)
	}

	data, _, ok := tier.get(key, now)
	if !ok {
		t.Fatal("get failed")
	}
	if len(data) != len(value) {
		t.Fatalf("decompressed length mismatch: got %d, want %d", len(data), len(value))
	}
	for i := range data {
		if data[i] != value[i] {
			t.Fatalf("decompressed payload differs at byte %d", i)
		}
	}
}

func TestDiskTier_CompressionDetectedAfterRebuild(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	tier, _ := newDiskTier(dir, 1024*1024, 0.8, time.Hour, 3, testLogger())
	value := make([]byte, 4096)
	key := fullKey(NamespaceGeneral, "compressed")
	tier.set(key, value, now, time.Hour)
	tier.close()

	os.Remove(filepath.Join(dir, indexFile))

	rebuilt, err := newDiskTier(dir, 1024*1024, 0.8, time.Hour, 3, testLogger())
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	data, meta, ok := rebuilt.get(key, now)
	if !ok {
		t.Fatal("rebuilt entry unreadable")
	}
	if !meta.Compressed {
		t.Error("zstd frame not re-detected during rebuild")
	}
	if len(data) != len(value) {
		t.Errorf("decompressed length mismatch after rebuild: got %d, want %d", len(data), len(value))
	}
}

func TestDiskTier_ClearNamespace(t *testing.T) {
	tier := newTestDiskTier(t, 10240)
	now := time.Now()

	tier.set(fullKey(NamespaceImages, "a"), []byte("img"), now, time.Hour)
	tier.set(fullKey(NamespaceGeneral, "b"), []byte("gen"), now, time.Hour)

	if err := tier.clearNamespace(NamespaceImages); err != nil {
		t.Fatalf("clearNamespace failed: %v", err)
	}

	if tier.contains(fullKey(NamespaceImages, "a")) {
		t.Error("images entry survived namespace clear")
	}
	if _, _, ok := tier.get(fullKey(NamespaceGeneral, "b"), now); !ok {
		t.Error("general entry lost to images namespace clear")
	}

	// Namespace directory is recreated empty.
	if _, err := os.Stat(filepath.Join(tier.root, string(NamespaceImages))); err != nil {
		t.Errorf("namespace directory missing after clear: %v", err)
	}
}

func TestDiskTier_Clear(t *testing.T) {
	tier := newTestDiskTier(t, 10240)
	now := time.Now()

	for _, ns := range Namespaces() {
		tier.set(fullKey(ns, "k"), []byte("v"), now, time.Hour)
	}

	if err := tier.clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if tier.entryCount() != 0 {
		t.Errorf("entries remain after clear: %d", tier.entryCount())
	}
	if tier.size != 0 {
		t.Errorf("size counter not reset: %d", tier.size)
	}
}

func TestDiskTier_SweepPurgesExpiredFirst(t *testing.T) {
	tier := newTestDiskTier(t, 1024*1024)
	now := time.Now()

	tier.set(fullKey(NamespaceGeneral, "stale"), []byte("v"), now, time.Millisecond)
	tier.set(fullKey(NamespaceGeneral, "fresh"), []byte("v"), now, time.Hour)

	expired, _ := tier.sweep(now.Add(time.Second))
	if expired != 1 {
		t.Errorf("expected 1 expired entry purged, got %d", expired)
	}
	if !tier.contains(fullKey(NamespaceGeneral, "fresh")) {
		t.Error("live entry purged by sweep")
	}
}

func TestDiskTier_NamespaceBreakdown(t *testing.T) {
	tier := newTestDiskTier(t, 1024*1024)
	now := time.Now()

	tier.set(fullKey(NamespaceImages, "a"), make([]byte, 10), now, time.Hour)
	tier.set(fullKey(NamespaceImages, "b"), make([]byte, 20), now, time.Hour)
	tier.set(fullKey(NamespaceGeneral, "c"), make([]byte, 5), now, time.Hour)

	breakdown := tier.namespaceBreakdown()
	if breakdown[NamespaceImages].Entries != 2 || breakdown[NamespaceImages].Size != 30 {
		t.Errorf("images breakdown wrong: %+v", breakdown[NamespaceImages])
	}
	if breakdown[NamespaceGeneral].Entries != 1 {
		t.Errorf("general breakdown wrong: %+v", breakdown[NamespaceGeneral])
	}
	if breakdown[NamespaceAnalytics].Entries != 0 {
		t.Errorf("empty namespace should report zero entries: %+v", breakdown[NamespaceAnalytics])
	}
}
