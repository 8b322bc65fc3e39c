package bucket

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"ledgerdb/pkg/entry"
	"ledgerdb/pkg/types"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Iterator walks a bucket file's entries in key order. A metadata entry at
// the head of the stream is consumed during construction and exposed through
// Metadata; the iteration itself yields only init, live and dead entries.
type Iterator struct {
	file    *os.File
	decoder *zstd.Decoder
	r       *bufio.Reader

	cur  entry.Entry
	ok   bool
	err  error
	meta *entry.Entry
}

// NewIterator opens the bucket file for a forward scan. The empty bucket
// yields an immediately exhausted iterator.
func (b *Bucket) NewIterator() (*Iterator, error) {
	if b.IsEmpty() {
		return &Iterator{}, nil
	}
	return newFileIterator(b.path)
}

func newFileIterator(path string) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket file: %w", err)
	}

	it := &Iterator{file: f}
	br := bufio.NewReader(f)

	// Compressed and raw bucket files share an extension; sniff the frame.
	head, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(head, zstdMagic) {
		dec, derr := zstd.NewReader(br)
		if derr != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open compressed bucket file: %w", derr)
		}
		it.decoder = dec
		it.r = bufio.NewReader(dec)
	} else {
		it.r = br
	}

	it.advance()
	if it.err != nil {
		it.Close()
		return nil, it.err
	}
	if it.ok && it.cur.Type == entry.TypeMetadata {
		meta := it.cur
		it.meta = &meta
		it.advance()
		if it.err != nil {
			it.Close()
			return nil, it.err
		}
	}
	return it, nil
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.ok
}

// Entry returns the current entry. Only valid while Valid reports true.
func (it *Iterator) Entry() entry.Entry {
	return it.cur
}

// Metadata returns the stream's head metadata entry, nil for pre-metadata
// buckets and the empty bucket.
func (it *Iterator) Metadata() *entry.Entry {
	return it.meta
}

// ProtocolVersion decodes the metadata entry's version, zero when absent.
func (it *Iterator) ProtocolVersion() types.ProtocolVersion {
	if it.meta == nil {
		return 0
	}
	return it.meta.ProtocolVersion()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.ok {
		return
	}
	it.advance()
}

func (it *Iterator) advance() {
	if it.r == nil {
		it.ok = false
		return
	}
	e, err := entry.Read(it.r)
	if err != nil {
		it.ok = false
		if !errors.Is(err, io.EOF) {
			it.err = fmt.Errorf("failed to read bucket entry: %w", err)
		}
		return
	}
	it.cur = e
	it.ok = true
}

// Err returns the first read error encountered, if any. Clean end of stream
// is not an error.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the underlying file. Safe on exhausted iterators.
func (it *Iterator) Close() error {
	if it.decoder != nil {
		it.decoder.Close()
		it.decoder = nil
	}
	if it.file != nil {
		err := it.file.Close()
		it.file = nil
		return err
	}
	return nil
}
