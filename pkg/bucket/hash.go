package bucket

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"ledgerdb/pkg/types"
)

// HashFile digests the file's uncompressed entry stream. Bucket identity is
// the digest of the canonical bytes, so compressed and raw framings of the
// same content hash identically.
func HashFile(path string) (types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Hash{}, fmt.Errorf("failed to open bucket file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var src io.Reader = br
	head, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(head, zstdMagic) {
		dec, derr := zstd.NewReader(br)
		if derr != nil {
			return types.Hash{}, fmt.Errorf("failed to open compressed bucket file: %w", derr)
		}
		defer dec.Close()
		src = dec
	}

	digest := sha256.New()
	if _, err := io.Copy(digest, src); err != nil {
		return types.Hash{}, fmt.Errorf("failed to digest bucket file: %w", err)
	}
	var h types.Hash
	digest.Sum(h[:0])
	return h, nil
}
