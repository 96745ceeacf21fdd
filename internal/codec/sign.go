package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Ed25519 key and signature sizes, re-exported from the crypto/ed25519
// constants so call sites that only deal in raw byte slices need not
// import that package as well.
const (
	PrivateKeySize = ed25519.PrivateKeySize // 64 (seed + public half)
	PublicKeySize  = ed25519.PublicKeySize  // 32
	SignatureSize  = ed25519.SignatureSize  // 64
)

// GenerateKey creates a fresh Ed25519 keypair using crypto/rand.
func GenerateKey() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign signs msg with priv, returning the raw 64-byte signature.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature of msg under pub.
// Any malformed input (wrong key or signature length) is treated as an
// invalid signature rather than a panic.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// SignCanonical canonicalizes v and signs the resulting bytes, returning
// both the canonical bytes and the signature so callers can persist either.
func SignCanonical(priv ed25519.PrivateKey, v any) (canonical []byte, sig []byte, err error) {
	canonical, err = Canonicalize(v)
	if err != nil {
		return nil, nil, err
	}
	return canonical, Sign(priv, canonical), nil
}

// VerifyCanonical canonicalizes v and verifies sig against it under pub.
func VerifyCanonical(pub ed25519.PublicKey, v any, sig []byte) (bool, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return false, err
	}
	return Verify(pub, canonical, sig), nil
}

// HexEncode / HexDecode and B64Encode / B64Decode are the only permitted
// wire encodings for raw key/signature bytes (spec §6.2): API boundaries may
// use either, but every verification path decodes to raw bytes first.

func HexEncode(b []byte) string { return hex.EncodeToString(b) }

func HexDecode(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: hex decode: %w", err)
	}
	return b, nil
}

func B64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func B64Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode: %w", err)
	}
	return b, nil
}
