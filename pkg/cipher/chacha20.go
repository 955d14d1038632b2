// Package cipher implements the pluggable wire.Cipher hooks a peer can
// negotiate during handshake: the default identity pass-through (cipher id
// 0, see wire.Identity) and a real ChaCha20-Poly1305 AEAD (cipher id 1).
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/shadowmesh/vpntun/pkg/wire"
)

// Cipher IDs, negotiated via HandshakeBody.PreferredCipher/Ciphers.
const (
	IDIdentity         uint32 = 0
	IDChaCha20Poly1305 uint32 = 1
)

const (
	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSize
	saltSize  = nonceSize - 6

	hkdfSalt = "vpntun-v1-session-key"
	hkdfInfo = "chacha20poly1305-session-key"
)

// ChaCha20Poly1305 implements wire.Cipher over a fixed session key. Since
// no PFS key exchange is specified (spec.md §1 non-goal), the key is
// derived once from a 64-bit seed via DeriveKey (cmd/vpntun passes its
// --preshared-secret value, shared by every peer); an optional real
// exchange can be layered in later via KeyExchanger (see kex.go) without
// changing this type's interface.
type ChaCha20Poly1305 struct {
	aead cipherAEAD

	mu      sync.Mutex
	counter uint64
	salt    [saltSize]byte
}

// cipherAEAD is the subset of cipher.AEAD this type uses; kept narrow so
// tests can substitute a fake.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}

// NewChaCha20Poly1305 derives an AEAD from a 32-byte key (see DeriveKey).
func NewChaCha20Poly1305(key [keySize]byte) (*ChaCha20Poly1305, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: chacha20poly1305: %w", err)
	}
	c := &ChaCha20Poly1305{aead: aead}
	if _, err := rand.Read(c.salt[:]); err != nil {
		return nil, fmt.Errorf("cipher: salt: %w", err)
	}
	return c, nil
}

// DeriveKey derives a 32-byte ChaCha20-Poly1305 key from a 64-bit secret
// (cmd/vpntun passes the process-wide preshared value, not a peer's
// reconnect secret). It uses HKDF-SHA256 with a fixed salt/info pair, the
// same derivation shape this codebase's handshake package uses elsewhere.
func DeriveKey(secret uint64) [keySize]byte {
	var ikm [8]byte
	binary.BigEndian.PutUint64(ikm[:], secret)

	kdf := hkdf.New(sha256.New, ikm[:], []byte(hkdfSalt), []byte(hkdfInfo))
	var key [keySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		// hkdf.Reader only fails if the requested length exceeds its
		// output limit (255*hash size), which keySize never does.
		panic(fmt.Sprintf("cipher: hkdf expand: %v", err))
	}
	return key
}

// Overhead is the number of bytes Encrypt adds beyond n: the Poly1305 tag
// plus the appended nonce. Callers must size buffers with this much spare
// capacity past the configured MTU.
const Overhead = chacha20poly1305.Overhead + nonceSize

// Encrypt seals buf[:n] in place, appending the nonce and authentication
// tag; satisfies wire.Cipher.
func (c *ChaCha20Poly1305) Encrypt(buf []byte, n int) (int, error) {
	if cap(buf) < n+Overhead {
		return 0, fmt.Errorf("cipher: buffer too small: cap %d, need %d", cap(buf), n+Overhead)
	}
	nonce := c.nextNonce()
	sealed := c.aead.Seal(buf[:0], nonce[:], buf[:n], nil)
	sealed = append(sealed, nonce[:]...)
	if &sealed[0] != &buf[0] {
		copy(buf, sealed)
	}
	return len(sealed), nil
}

// Decrypt opens buf[:n] in place, expecting the trailing nonce Encrypt
// appended; satisfies wire.Cipher.
func (c *ChaCha20Poly1305) Decrypt(buf []byte, n int) (int, error) {
	if n < nonceSize {
		return 0, fmt.Errorf("cipher: ciphertext shorter than nonce: %d bytes", n)
	}
	ciphertext := buf[:n-nonceSize]
	var nonce [nonceSize]byte
	copy(nonce[:], buf[n-nonceSize:n])

	plain, err := c.aead.Open(ciphertext[:0], nonce[:], ciphertext, nil)
	if err != nil {
		return 0, fmt.Errorf("cipher: decrypt: %w", err)
	}
	copy(buf, plain)
	return len(plain), nil
}

// nextNonce builds a 12-byte nonce from a monotonic counter and a random
// per-session salt, matching the counter||salt convention used elsewhere
// in this codebase's AEAD framing.
func (c *ChaCha20Poly1305) nextNonce() [nonceSize]byte {
	var nonce [nonceSize]byte
	n := atomic.AddUint64(&c.counter, 1)
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], n)
	copy(nonce[:nonceSize-saltSize], full[8-(nonceSize-saltSize):])

	c.mu.Lock()
	copy(nonce[nonceSize-saltSize:], c.salt[:])
	c.mu.Unlock()
	return nonce
}

var _ wire.Cipher = (*ChaCha20Poly1305)(nil)
