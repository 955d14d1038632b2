package cipher

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// KeyExchanger is the handshake's placeholder slot for a real
// perfect-forward-secrecy key exchange (spec.md §1 non-goals, §9 open
// questions: "no PFS key exchange is specified"). The default, NoKEX,
// performs no exchange at all — the session key stays bound to the
// preshared seed passed to DeriveKey, matching the spec exactly.
// Kyber768KEX is wired as an available, opt-in alternative a future
// handshake capability flag could select without touching the rest of the
// protocol state machine.
type KeyExchanger interface {
	// GenerateKeyPair returns a fresh encapsulation keypair.
	GenerateKeyPair() (pub, priv []byte, err error)
	// Encapsulate derives a shared secret against a peer's public key,
	// returning the ciphertext to send back to them alongside it.
	Encapsulate(peerPub []byte) (ciphertext, sharedSecret []byte, err error)
	// Decapsulate recovers the shared secret Encapsulate produced.
	Decapsulate(priv, ciphertext []byte) (sharedSecret []byte, err error)
}

type noKEX struct{}

// NoKEX is the spec-compliant default: no key exchange is performed.
var NoKEX KeyExchanger = noKEX{}

func (noKEX) GenerateKeyPair() ([]byte, []byte, error) { return nil, nil, nil }
func (noKEX) Encapsulate([]byte) ([]byte, []byte, error) {
	return nil, nil, fmt.Errorf("cipher: no key exchange configured")
}
func (noKEX) Decapsulate([]byte, []byte) ([]byte, error) {
	return nil, fmt.Errorf("cipher: no key exchange configured")
}

// kyber768KEX implements KeyExchanger over ML-KEM's predecessor Kyber768,
// via circl. It is not used by default; see KeyExchanger's doc comment.
type kyber768KEX struct {
	scheme kem.Scheme
}

// NewKyber768Exchanger returns a Kyber768-backed KeyExchanger.
func NewKyber768Exchanger() KeyExchanger {
	return kyber768KEX{scheme: kyber768.Scheme()}
}

func (k kyber768KEX) GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: kyber768 keygen: %w", err)
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: kyber768 marshal public key: %w", err)
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: kyber768 marshal private key: %w", err)
	}
	return pub, priv, nil
}

func (k kyber768KEX) Encapsulate(peerPub []byte) (ciphertext, sharedSecret []byte, err error) {
	pk, err := k.scheme.UnmarshalBinaryPublicKey(peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: kyber768 unmarshal public key: %w", err)
	}
	ct, ss, err := k.scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher: kyber768 encapsulate: %w", err)
	}
	return ct, ss, nil
}

func (k kyber768KEX) Decapsulate(priv, ciphertext []byte) ([]byte, error) {
	sk, err := k.scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("cipher: kyber768 unmarshal private key: %w", err)
	}
	ss, err := k.scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("cipher: kyber768 decapsulate: %w", err)
	}
	return ss, nil
}

var _ KeyExchanger = noKEX{}
var _ KeyExchanger = kyber768KEX{}
