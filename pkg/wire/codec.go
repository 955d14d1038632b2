package wire

import (
	"encoding/binary"
	"fmt"
)

// Cipher is the pluggable encryption hook. Encrypt/Decrypt operate on buf
// in place over the first n bytes and return the new length; n may shrink
// (AEAD overhead) or grow depending on direction. The identity cipher
// (Identity, below) is a no-op implementation of this interface.
type Cipher interface {
	Encrypt(buf []byte, n int) (int, error)
	Decrypt(buf []byte, n int) (int, error)
}

// Compressor is the pluggable compression hook, same buffer-in-place
// convention as Cipher.
type Compressor interface {
	Compress(buf []byte, n int) (int, error)
	Decompress(buf []byte, n int) (int, error)
}

// identityCipher and identityCompressor are the specified default
// implementations: no-ops that leave buf and n untouched.
type identityCipher struct{}

func (identityCipher) Encrypt(buf []byte, n int) (int, error) { return n, nil }
func (identityCipher) Decrypt(buf []byte, n int) (int, error) { return n, nil }

type identityCompressor struct{}

func (identityCompressor) Compress(buf []byte, n int) (int, error)   { return n, nil }
func (identityCompressor) Decompress(buf []byte, n int) (int, error) { return n, nil }

// Identity is the default pass-through Cipher.
var Identity Cipher = identityCipher{}

// NoCompression is the default pass-through Compressor.
var NoCompression Compressor = identityCompressor{}

// Codec wraps and unwraps wire envelopes using a fixed pair of hooks. An
// endpoint owns exactly one Codec and uses it for both its send and its
// receive buffer, both buffers reused across messages per the spec's
// buffer ownership model.
type Codec struct {
	Cipher     Cipher
	Compressor Compressor
}

// NewCodec builds a Codec defaulting to identity hooks when nil is passed,
// matching the spec's "default implementations are identity functions".
func NewCodec(c Cipher, z Compressor) *Codec {
	if c == nil {
		c = Identity
	}
	if z == nil {
		z = NoCompression
	}
	return &Codec{Cipher: c, Compressor: z}
}

// Wrap runs the transmit pipeline: write type + body into buf starting at
// offset 0, write the checksum, compress in place, then encrypt in place.
// It returns the number of bytes in buf ready for sendto.
func (c *Codec) Wrap(buf []byte, t MessageType, body []byte) (int, error) {
	if len(buf) < HeaderSize+len(body) {
		return 0, fmt.Errorf("wire: send buffer too small for %s (%d body bytes)", t, len(body))
	}
	for i := 0; i < HeaderSize; i++ {
		buf[i] = 0
	}
	binary.BigEndian.PutUint32(buf[4:8], uint32(t))
	n := HeaderSize + copy(buf[HeaderSize:], body)

	sum := checksum(buf[4:n])
	binary.BigEndian.PutUint32(buf[0:4], sum)

	n, err := c.Compressor.Compress(buf, n)
	if err != nil {
		return 0, fmt.Errorf("wire: compress: %w", err)
	}
	n, err = c.Cipher.Encrypt(buf, n)
	if err != nil {
		return 0, fmt.Errorf("wire: encrypt: %w", err)
	}
	return n, nil
}

// Unwrap runs the receive pipeline in reverse: decrypt, decompress, then
// verify the checksum. On success it returns the message type and a slice
// of buf holding the body (valid only until buf is next reused). Any
// pipeline step failing is reported as an error; callers must treat that
// as a per-datagram drop, never a fatal condition (spec §7 category 2).
func (c *Codec) Unwrap(buf []byte, n int) (MessageType, []byte, error) {
	n, err := c.Cipher.Decrypt(buf, n)
	if err != nil {
		return TypeInvalid, nil, fmt.Errorf("wire: decrypt: %w", err)
	}
	n, err = c.Compressor.Decompress(buf, n)
	if err != nil {
		return TypeInvalid, nil, fmt.Errorf("wire: decompress: %w", err)
	}
	if n < HeaderSize {
		return TypeInvalid, nil, fmt.Errorf("wire: datagram too short: %d bytes", n)
	}

	want := binary.BigEndian.Uint32(buf[0:4])
	got := checksum(buf[4:n])
	if want != got {
		return TypeInvalid, nil, fmt.Errorf("wire: checksum mismatch: got %#x want %#x", got, want)
	}

	t := MessageType(binary.BigEndian.Uint32(buf[4:8]))
	if !t.Valid() {
		return TypeInvalid, nil, fmt.Errorf("wire: type %d out of range", uint32(t))
	}
	body := buf[HeaderSize:n]
	if len(body) < MinBodyLen(t) {
		return TypeInvalid, nil, fmt.Errorf("wire: %s body too short: %d bytes", t, len(body))
	}
	return t, body, nil
}

// MaxPayload returns the largest body Wrap can carry into a buffer of the
// given capacity.
func MaxPayload(bufferSize int) int {
	return bufferSize - HeaderSize
}
