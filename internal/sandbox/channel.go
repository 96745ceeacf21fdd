package sandbox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ChannelKeypair is an ephemeral X25519 keypair used to seal the stdin
// payload delivered to an isolate whose worker manifest advertises a
// ChannelPublicKey (SPEC_FULL §3's domain-stack wiring: "X25519 for
// sandbox-channel key agreement"). This protects the input/output exchange
// against anything else with read access to the scratch filesystem or to
// the host's process table, on top of the no-network/no-ambient-env
// isolation §4.10 already requires.
type ChannelKeypair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateChannelKeypair produces a fresh ephemeral X25519 keypair, one per
// execution — ephemeral keys mean compromising one execution's channel
// secret never exposes another execution's input.
func GenerateChannelKeypair() (ChannelKeypair, error) {
	var kp ChannelKeypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return ChannelKeypair{}, fmt.Errorf("sandbox: generate channel key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return ChannelKeypair{}, fmt.Errorf("sandbox: derive channel public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// sharedSecret runs X25519 ECDH between priv and peerPub.
func sharedSecret(priv [32]byte, peerPub []byte) ([]byte, error) {
	if len(peerPub) != 32 {
		return nil, errors.New("sandbox: peer channel public key must be 32 bytes")
	}
	secret, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("sandbox: X25519 key agreement: %w", err)
	}
	return secret, nil
}

// SealInput derives a shared secret between the host's ephemeral keypair
// and the worker's pinned channel public key, then seals plaintext with
// ChaCha20-Poly1305 keyed on that secret. Returns the nonce-prefixed
// ciphertext; the worker side recovers the same shared secret from the
// host's ephemeral public key (sent alongside in the stdin envelope) and
// its own static private key.
func SealInput(host ChannelKeypair, workerPublicKeyHex []byte, plaintext []byte) (ciphertext []byte, err error) {
	secret, err := sharedSecret(host.Private, workerPublicKeyHex)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("sandbox: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, sealed...), nil
}

// OpenOutput reverses SealInput from the host side for a response sealed
// by the worker under the same shared secret — used when a worker returns
// its result sealed back to the host's ephemeral public key rather than in
// the clear over stdout.
func OpenOutput(host ChannelKeypair, workerPublicKeyHex []byte, ciphertext []byte) ([]byte, error) {
	secret, err := sharedSecret(host.Private, workerPublicKeyHex)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("sandbox: build aead: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("sandbox: sealed output too short to contain a nonce")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: open sealed output: %w", err)
	}
	return plain, nil
}
