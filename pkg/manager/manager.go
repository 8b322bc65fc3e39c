package manager

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"ledgerdb/pkg/bucket"
	"ledgerdb/pkg/dberrors"
	"ledgerdb/pkg/metrics"
	"ledgerdb/pkg/types"
	"ledgerdb/pkg/worker"
)

const bucketFileExt = ".bucket"

// Options configures a BucketManager.
type Options struct {
	// BucketDir holds adopted bucket files, named by content hash.
	BucketDir string
	// Compress selects zstd framing for newly written buckets.
	Compress bool
	// WorkerThreads sizes the background merge pool.
	WorkerThreads int
	// Metrics receives cache and GC observations; nil means discard.
	Metrics metrics.Collector
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// BucketManager owns the on-disk bucket set. It deduplicates buckets by
// content hash, tracks explicit reference counts, runs merges on a shared
// worker pool and garbage-collects files nothing references anymore.
//
// Every cached bucket holds one reference for the cache entry itself. Handles
// returned to callers are additionally retained, so ForgetUnreferencedBuckets
// only deletes buckets whose count has fallen back to exactly the cache's
// own reference.
type BucketManager struct {
	opts Options
	log  *slog.Logger

	buckets *skipmap.StringMap[*bucket.Bucket]
	pool    *worker.Pool

	// mu serializes cache membership changes against handle handouts, so a
	// GC pass and a concurrent adopt or lookup cannot interleave between the
	// refcount check and the file unlink. It also guards the merge counters
	// and the closed flag, and is never held across a merge.
	mu       sync.Mutex
	counters bucket.MergeCounters
	closed   bool
}

// New creates the bucket and tmp directories and starts the merge pool.
func New(opts Options) (*BucketManager, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BucketDir == "" {
		return nil, fmt.Errorf("bucket directory is required")
	}

	if err := os.MkdirAll(opts.BucketDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	tmpDir := filepath.Join(opts.BucketDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket tmp directory: %w", err)
	}

	m := &BucketManager{
		opts:    opts,
		log:     opts.Logger.With("component", "bucket-manager"),
		buckets: skipmap.NewString[*bucket.Bucket](),
		pool:    worker.NewPool(opts.WorkerThreads),
	}
	if err := m.reattachExisting(); err != nil {
		m.pool.Shutdown()
		return nil, err
	}
	m.log.Info("bucket manager started",
		"dir", opts.BucketDir, "compress", opts.Compress, "workers", opts.WorkerThreads,
		"buckets", m.buckets.Len())
	return m, nil
}

// reattachExisting repopulates the cache from bucket files left by a
// previous run and clears abandoned temp files. Files that no restored level
// or future ends up referencing are removed by the next GC pass.
func (m *BucketManager) reattachExisting() error {
	tmpEntries, err := os.ReadDir(m.TmpDir())
	if err != nil {
		return fmt.Errorf("failed to scan bucket tmp directory: %w", err)
	}
	for _, de := range tmpEntries {
		os.Remove(filepath.Join(m.TmpDir(), de.Name()))
	}

	entries, err := os.ReadDir(m.opts.BucketDir)
	if err != nil {
		return fmt.Errorf("failed to scan bucket directory: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || filepath.Ext(name) != bucketFileExt {
			continue
		}
		h, err := types.HashFromHex(name[:len(name)-len(bucketFileExt)])
		if err != nil || h.IsZero() {
			m.log.Warn("ignoring stray file in bucket directory", "file", name)
			continue
		}
		path := filepath.Join(m.opts.BucketDir, name)
		got, err := bucket.HashFile(path)
		if err != nil {
			return fmt.Errorf("failed to reattach bucket %s: %w", h, err)
		}
		if got != h {
			// A corrupted file stays uncached; if restored state references
			// it, restore fails fast instead of surfacing a bad read later.
			m.log.Warn("ignoring corrupted bucket file", "file", name, "content_hash", got)
			continue
		}
		entryCount, protocol, err := scanBucketFile(path)
		if err != nil {
			return fmt.Errorf("failed to reattach bucket %s: %w", h, err)
		}
		b := bucket.New(h, path, entryCount, protocol)
		b.Retain() // the cache's own reference
		m.buckets.Store(h.Hex(), b)
	}
	return nil
}

// TmpDir implements bucket.Manager.
func (m *BucketManager) TmpDir() string {
	return filepath.Join(m.opts.BucketDir, "tmp")
}

// CompressOutput implements bucket.Manager.
func (m *BucketManager) CompressOutput() bool {
	return m.opts.Compress
}

// Submit schedules a background merge job on the shared pool and reports its
// duration to the metrics collector.
func (m *BucketManager) Submit(task func()) {
	m.pool.Submit(func() {
		start := time.Now()
		task()
		m.opts.Metrics.ObserveHistogram("merge_duration_seconds", nil, time.Since(start).Seconds())
	})
}

func (m *BucketManager) bucketPath(h types.Hash) string {
	return filepath.Join(m.opts.BucketDir, h.Hex()+bucketFileExt)
}

// AdoptFile implements bucket.Manager: it moves tmpPath into the bucket
// directory under its content hash. If an identical bucket already exists the
// temp file is discarded and the existing handle is reused. The returned
// bucket is retained for the caller.
func (m *BucketManager) AdoptFile(tmpPath string, h types.Hash, entryCount int, protocolVersion types.ProtocolVersion) (*bucket.Bucket, error) {
	if h.IsZero() {
		os.Remove(tmpPath)
		return bucket.Empty(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.buckets.Load(h.Hex()); ok {
		os.Remove(tmpPath)
		m.opts.Metrics.IncCounter("bucket_adopt_dedup_total", nil, 1)
		return existing.Retain(), nil
	}

	dst := m.bucketPath(h)
	if err := os.Rename(tmpPath, dst); err != nil {
		return nil, fmt.Errorf("failed to adopt bucket file: %w", err)
	}

	b := bucket.New(h, dst, entryCount, protocolVersion)
	b.Retain() // the cache's own reference
	m.buckets.Store(h.Hex(), b)
	m.opts.Metrics.IncCounter("bucket_adopt_total", nil, 1)
	m.log.Debug("adopted bucket", "hash", h, "entries", entryCount, "protocol", protocolVersion)
	return b.Retain(), nil
}

// GetByHash returns a retained handle for the bucket with the given hash.
// The zero hash resolves to the canonical empty bucket.
func (m *BucketManager) GetByHash(h types.Hash) (*bucket.Bucket, error) {
	if h.IsZero() {
		return bucket.Empty(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets.Load(h.Hex()); ok {
		return b.Retain(), nil
	}
	return nil, fmt.Errorf("%w: %s", dberrors.ErrBucketMissing, h.Hex())
}

// ImportBucket streams entries from r into a new bucket file and verifies the
// content hash matches expect. It backs restore paths that repair a bucket
// set from an external copy.
func (m *BucketManager) ImportBucket(expect types.Hash, r io.Reader) (*bucket.Bucket, error) {
	if expect.IsZero() {
		return bucket.Empty(), nil
	}
	m.mu.Lock()
	if b, ok := m.buckets.Load(expect.Hex()); ok {
		m.mu.Unlock()
		return b.Retain(), nil
	}
	m.mu.Unlock()

	tmpPath := filepath.Join(m.TmpDir(), fmt.Sprintf("import-%s.tmp", uuid.NewString()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create import file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to import bucket: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to import bucket: %w", err)
	}

	// Identity is the digest of the uncompressed entry stream, so a
	// compressed source verifies against the same hash as a raw one.
	got, err := bucket.HashFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	if got != expect {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: imported %s, expected %s",
			dberrors.ErrHashMismatch, got.Hex(), expect.Hex())
	}

	entryCount, protocol, err := scanBucketFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	return m.AdoptFile(tmpPath, expect, entryCount, protocol)
}

func scanBucketFile(path string) (int, types.ProtocolVersion, error) {
	b := bucket.New(types.Hash{0x1}, path, 0, 0) // placeholder identity for scanning
	it, err := b.NewIterator()
	if err != nil {
		return 0, 0, err
	}
	defer it.Close()

	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	if err := it.Err(); err != nil {
		return 0, 0, err
	}
	return count, it.ProtocolVersion(), nil
}

// ForgetUnreferencedBuckets removes cache entries and backing files for
// buckets whose only remaining reference is the cache's own. The whole pass
// holds the cache lock: the refcount check, the map delete and the file
// unlink must not interleave with a concurrent adopt or lookup handing the
// same bucket out.
func (m *BucketManager) ForgetUnreferencedBuckets() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped int
	m.buckets.Range(func(key string, b *bucket.Bucket) bool {
		if b.RefCount() != 1 {
			return true
		}
		m.buckets.Delete(key)
		b.Release()
		if err := os.Remove(b.Path()); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove bucket file", "hash", b.Hash(), "error", err)
		}
		dropped++
		return true
	})
	if dropped > 0 {
		m.opts.Metrics.IncCounter("bucket_gc_total", nil, float64(dropped))
		m.log.Debug("forgot unreferenced buckets", "count", dropped)
	}
	m.opts.Metrics.SetGauge("bucket_cache_size", nil, float64(m.buckets.Len()))
}

// BucketCount reports the number of cached buckets.
func (m *BucketManager) BucketCount() int {
	return m.buckets.Len()
}

// IncrMergeCounters implements bucket.Manager.
func (m *BucketManager) IncrMergeCounters(delta bucket.MergeCounters) {
	m.mu.Lock()
	m.counters.Add(delta)
	m.mu.Unlock()
}

// ReadMergeCounters returns a copy of the accumulated merge counters.
func (m *BucketManager) ReadMergeCounters() bucket.MergeCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

// Shutdown drains the merge pool. Pending merges keep their bucket
// references alive until they finish, so this must complete before the
// process tears down bucket state.
func (m *BucketManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.pool.Shutdown()
	m.log.Info("bucket manager stopped")
}
