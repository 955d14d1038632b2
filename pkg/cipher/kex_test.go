package cipher

import (
	"bytes"
	"testing"
)

func TestNoKEXRejectsExchange(t *testing.T) {
	if _, _, err := NoKEX.Encapsulate(nil); err == nil {
		t.Fatal("expected NoKEX.Encapsulate to reject any exchange")
	}
	if _, err := NoKEX.Decapsulate(nil, nil); err == nil {
		t.Fatal("expected NoKEX.Decapsulate to reject any exchange")
	}
	pub, priv, err := NoKEX.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if pub != nil || priv != nil {
		t.Fatalf("expected NoKEX.GenerateKeyPair to return nil keys, got %v / %v", pub, priv)
	}
}

func TestKyber768ExchangeProducesSharedSecret(t *testing.T) {
	kex := NewKyber768Exchanger()

	pub, priv, err := kex.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if len(pub) == 0 || len(priv) == 0 {
		t.Fatal("expected non-empty keypair")
	}

	ciphertext, senderSecret, err := kex.Encapsulate(pub)
	if err != nil {
		t.Fatalf("Encapsulate() error = %v", err)
	}

	receiverSecret, err := kex.Decapsulate(priv, ciphertext)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}

	if !bytes.Equal(senderSecret, receiverSecret) {
		t.Fatal("expected both sides to derive the same shared secret")
	}
}

func TestKyber768ExchangeRejectsWrongPrivateKey(t *testing.T) {
	kex := NewKyber768Exchanger()

	pubA, _, err := kex.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	_, privB, err := kex.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	ciphertext, senderSecret, err := kex.Encapsulate(pubA)
	if err != nil {
		t.Fatalf("Encapsulate() error = %v", err)
	}

	mismatched, err := kex.Decapsulate(privB, ciphertext)
	if err != nil {
		t.Fatalf("Decapsulate() error = %v", err)
	}
	if bytes.Equal(senderSecret, mismatched) {
		t.Fatal("expected a mismatched private key to derive a different secret")
	}
}
