package bucket

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

// outputWriter materializes a merge result as a temp file, tracking the
// SHA-256 of the canonical uncompressed stream as it goes. It coalesces
// same-key puts (last write wins), elides tombstones when the target level
// discards them, and defers the metadata marker so that a merge producing no
// real entries collapses to the canonical empty bucket.
type outputWriter struct {
	mgr      Manager
	policy   mergePolicy
	protocol types.ProtocolVersion
	keepDead bool
	ctrs     *MergeCounters

	tmpPath string
	file    *os.File
	encoder *zstd.Encoder
	buf     *bufio.Writer
	digest  hash.Hash

	pending    *entry.Entry
	entryCount int
	wroteAny   bool
}

func newOutputWriter(mgr Manager, protocol types.ProtocolVersion, keepDead bool, ctrs *MergeCounters) (*outputWriter, error) {
	tmpPath := filepath.Join(mgr.TmpDir(), fmt.Sprintf("merge-%s.tmp", uuid.NewString()))
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge output file: %w", err)
	}

	w := &outputWriter{
		mgr:      mgr,
		policy:   policyForProtocol(protocol),
		protocol: protocol,
		keepDead: keepDead,
		ctrs:     ctrs,
		tmpPath:  tmpPath,
		file:     f,
		digest:   sha256.New(),
	}

	var sink io.Writer = f
	if mgr.CompressOutput() {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return nil, fmt.Errorf("failed to create merge output file: %w", err)
		}
		w.encoder = enc
		sink = enc
	}
	w.buf = bufio.NewWriter(sink)
	return w, nil
}

// put stages e for output. Consecutive puts with the same key overwrite each
// other; only the last survives to disk.
func (w *outputWriter) put(e entry.Entry) error {
	if w.pending != nil {
		if entry.Compare(*w.pending, e) == 0 {
			w.ctrs.OutputIteratorBufferUpdates++
			*w.pending = e
			return nil
		}
		if err := w.flushPending(); err != nil {
			return err
		}
	}
	w.ctrs.OutputIteratorBufferUpdates++
	staged := e
	w.pending = &staged
	return nil
}

func (w *outputWriter) flushPending() error {
	e := *w.pending
	w.pending = nil

	if e.Type == entry.TypeDead && !w.keepDead {
		w.ctrs.OutputIteratorTombstoneElisions++
		return nil
	}

	// The metadata marker goes out only once a real entry follows it, so a
	// fully annihilated merge writes nothing and hashes to zero.
	if !w.wroteAny && w.policy.writeMetadata {
		meta := entry.NewMetadata(w.protocol)
		if err := w.writeRaw(meta); err != nil {
			return err
		}
		w.wroteAny = true
	}
	w.wroteAny = true

	if err := w.writeRaw(e); err != nil {
		return err
	}
	w.entryCount++
	w.ctrs.OutputIteratorActualWrites++
	return nil
}

func (w *outputWriter) writeRaw(e entry.Entry) error {
	if err := entry.Write(io.MultiWriter(w.buf, w.digest), e); err != nil {
		return fmt.Errorf("failed to write merge output: %w", err)
	}
	return nil
}

// finish flushes the stream and hands the file to the manager. A merge that
// produced no entries yields the canonical empty bucket and leaves no file
// behind. The returned bucket is retained for the caller.
func (w *outputWriter) finish() (*Bucket, error) {
	if w.pending != nil {
		if err := w.flushPending(); err != nil {
			w.abort()
			return nil, err
		}
	}
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to flush merge output: %w", err)
	}
	if w.encoder != nil {
		if err := w.encoder.Close(); err != nil {
			w.abort()
			return nil, fmt.Errorf("failed to flush merge output: %w", err)
		}
		w.encoder = nil
	}
	if err := w.file.Close(); err != nil {
		w.abort()
		return nil, fmt.Errorf("failed to close merge output: %w", err)
	}
	w.file = nil

	if !w.wroteAny {
		os.Remove(w.tmpPath)
		return Empty(), nil
	}

	var h types.Hash
	w.digest.Sum(h[:0])
	b, err := w.mgr.AdoptFile(w.tmpPath, h, w.entryCount, w.protocol)
	if err != nil {
		os.Remove(w.tmpPath)
		return nil, err
	}
	return b, nil
}

// abort discards the in-progress output and its temp file.
func (w *outputWriter) abort() {
	if w.encoder != nil {
		w.encoder.Close()
		w.encoder = nil
	}
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tmpPath)
}
