package entry

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Fixed binary framing, little-endian:
//
//	[type u8][keyLen u32][key][valueLen u32][value]
//
// The concatenation of frames is the canonical bucket stream; bucket identity
// is the SHA-256 of this stream, so the framing must never change shape under
// the same protocol version.

const maxFrameLen = 1 << 30

// Write encodes e onto w.
func Write(w io.Writer, e Entry) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(e.Type)); err != nil {
		return fmt.Errorf("failed to write entry type: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Key))); err != nil {
		return fmt.Errorf("failed to write key length: %w", err)
	}
	if _, err := w.Write(e.Key); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(e.Value))); err != nil {
		return fmt.Errorf("failed to write value length: %w", err)
	}
	if _, err := w.Write(e.Value); err != nil {
		return fmt.Errorf("failed to write value: %w", err)
	}
	return nil
}

// Read decodes one entry from r. It returns io.EOF untouched when the stream
// ends cleanly on a frame boundary.
func Read(r *bufio.Reader) (Entry, error) {
	var e Entry

	t, err := r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return e, io.EOF
		}
		return e, fmt.Errorf("failed to read entry type: %w", err)
	}
	e.Type = Type(t)

	keyLen, err := readLen(r)
	if err != nil {
		return e, fmt.Errorf("failed to read key length: %w", err)
	}
	if keyLen > 0 {
		e.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(r, e.Key); err != nil {
			return e, fmt.Errorf("failed to read key: %w", err)
		}
	}

	valueLen, err := readLen(r)
	if err != nil {
		return e, fmt.Errorf("failed to read value length: %w", err)
	}
	if valueLen > 0 {
		e.Value = make([]byte, valueLen)
		if _, err := io.ReadFull(r, e.Value); err != nil {
			return e, fmt.Errorf("failed to read value: %w", err)
		}
	}

	return e, nil
}

func readLen(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint32(buf[:])
	if n > maxFrameLen {
		return 0, fmt.Errorf("frame length %d exceeds limit", n)
	}
	return n, nil
}
