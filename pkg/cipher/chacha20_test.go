package cipher

import (
	"bytes"
	"testing"
)

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	key := DeriveKey(0xdeadbeefcafef00d)
	tx, err := NewChaCha20Poly1305(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305() error = %v", err)
	}
	rx, err := NewChaCha20Poly1305(key)
	if err != nil {
		t.Fatalf("NewChaCha20Poly1305() error = %v", err)
	}

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	buf := make([]byte, len(plaintext), len(plaintext)+Overhead)
	copy(buf, plaintext)

	n, err := tx.Encrypt(buf[:cap(buf)][:len(plaintext)], len(plaintext))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	sealed := buf[:cap(buf)][:n]

	n, err = rx.Decrypt(sealed, n)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(sealed[:n], plaintext) {
		t.Errorf("round trip = %q, want %q", sealed[:n], plaintext)
	}
}

func TestChaCha20Poly1305RejectsTamperedCiphertext(t *testing.T) {
	key := DeriveKey(1)
	tx, _ := NewChaCha20Poly1305(key)
	rx, _ := NewChaCha20Poly1305(key)

	plaintext := []byte("hello")
	buf := make([]byte, len(plaintext), len(plaintext)+Overhead)
	copy(buf, plaintext)

	n, err := tx.Encrypt(buf[:cap(buf)][:len(plaintext)], len(plaintext))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	sealed := buf[:cap(buf)][:n]
	sealed[0] ^= 0xFF

	if _, err := rx.Decrypt(sealed, n); err == nil {
		t.Fatal("expected authentication failure on tampered ciphertext")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey(12345)
	b := DeriveKey(12345)
	if a != b {
		t.Error("DeriveKey must be deterministic for the same secret")
	}
	c := DeriveKey(12346)
	if a == c {
		t.Error("DeriveKey must differ for different secrets")
	}
}
