// Package compress implements the pluggable wire.Compressor hooks: the
// default identity pass-through (wire.NoCompression) and an LZ4 block
// compressor for payloads where the data-rate win is worth the CPU.
package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/shadowmesh/vpntun/pkg/wire"
)

// Compressor IDs. There is no compressor field in the handshake body
// (spec.md §6 only negotiates ciphers); this endpoint picks its
// compressor locally and symmetrically, same as the identity default.
const (
	IDIdentity uint32 = 0
	IDLZ4      uint32 = 1
)

// lengthPrefixSize is the size of the original-length prefix LZ4 needs
// since UncompressBlock requires a destination sized to the exact
// decompressed length.
const lengthPrefixSize = 4

// LZ4 implements wire.Compressor using LZ4 block compression framed with
// a 4-byte original-length prefix.
type LZ4 struct {
	hashTable []int
	scratch   []byte
}

// NewLZ4 returns an LZ4 compressor sized for payloads up to maxSize bytes.
func NewLZ4(maxSize int) *LZ4 {
	return &LZ4{
		hashTable: make([]int, lz4.CompressBlockBound(maxSize)),
		scratch:   make([]byte, lz4.CompressBlockBound(maxSize)+lengthPrefixSize),
	}
}

// Compress replaces buf[:n] with its LZ4-compressed form, prefixed with
// the original length; satisfies wire.Compressor.
func (l *LZ4) Compress(buf []byte, n int) (int, error) {
	need := lz4.CompressBlockBound(n) + lengthPrefixSize
	if cap(l.scratch) < need {
		l.scratch = make([]byte, need)
		l.hashTable = make([]int, lz4.CompressBlockBound(n))
	}
	scratch := l.scratch[:need]

	written, err := lz4.CompressBlock(buf[:n], scratch[lengthPrefixSize:], l.hashTable)
	if err != nil {
		return 0, fmt.Errorf("compress: lz4: %w", err)
	}
	if written == 0 {
		// Incompressible: lz4 signals this by writing nothing. Fall back
		// to storing the payload uncompressed behind a zero-length
		// marker so Decompress can tell the two cases apart.
		if cap(buf) < n+lengthPrefixSize {
			return 0, fmt.Errorf("compress: buffer too small for uncompressed fallback")
		}
		copy(buf[lengthPrefixSize:lengthPrefixSize+n], buf[:n])
		binary.BigEndian.PutUint32(buf[0:lengthPrefixSize], 0)
		return lengthPrefixSize + n, nil
	}

	binary.BigEndian.PutUint32(scratch[0:lengthPrefixSize], uint32(n))
	total := lengthPrefixSize + written
	if cap(buf) < total {
		return 0, fmt.Errorf("compress: buffer too small: cap %d, need %d", cap(buf), total)
	}
	copy(buf, scratch[:total])
	return total, nil
}

// Decompress reverses Compress; satisfies wire.Compressor.
func (l *LZ4) Decompress(buf []byte, n int) (int, error) {
	if n < lengthPrefixSize {
		return 0, fmt.Errorf("compress: truncated lz4 frame: %d bytes", n)
	}
	origLen := binary.BigEndian.Uint32(buf[0:lengthPrefixSize])
	compressed := buf[lengthPrefixSize:n]

	if origLen == 0 {
		// Uncompressed fallback frame (see Compress).
		copy(buf, compressed)
		return len(compressed), nil
	}

	if cap(l.scratch) < int(origLen) {
		l.scratch = make([]byte, origLen)
	}
	dst := l.scratch[:origLen]

	written, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return 0, fmt.Errorf("compress: lz4: %w", err)
	}
	if cap(buf) < written {
		return 0, fmt.Errorf("compress: buffer too small for decompressed payload")
	}
	copy(buf, dst[:written])
	return written, nil
}

var _ wire.Compressor = (*LZ4)(nil)
