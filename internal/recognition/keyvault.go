package recognition

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// KeyVault implements the file-custody policy the spec's Open Questions
// leave unspecified for ROK private keys ("return once, store securely" —
// spec §9): a passphrase-wrapped-at-rest blob, scrypt-derived key plus
// AES-GCM seal, so an ROK private key never touches disk in the clear.
// Grounded in SPEC_FULL §3's domain-stack wiring of golang.org/x/crypto
// ("scrypt for ROK-at-rest wrapping"). HSM or environment-variable custody
// are equally valid policies under the spec's contract; this is the
// file-based one this implementation picks.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

var (
	ErrVaultCorrupt       = errors.New("recognition: wrapped key blob is corrupt or truncated")
	ErrVaultWrongPassphrase = errors.New("recognition: wrapped key did not decrypt — wrong passphrase or tampered blob")
)

// WrapPrivateKey encrypts priv under a key derived from passphrase via
// scrypt, returning a self-contained blob (salt || nonce || ciphertext)
// suitable for writing to the instance's key-custody file.
func WrapPrivateKey(passphrase string, priv ed25519.PrivateKey) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("recognition: generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("recognition: derive wrapping key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("recognition: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("recognition: build gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("recognition: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, priv, nil)

	blob := make([]byte, 0, saltLen+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// UnwrapPrivateKey reverses WrapPrivateKey, returning ErrVaultWrongPassphrase
// on any authentication failure (wrong passphrase or tampered blob) rather
// than leaking which part of the AEAD check failed.
func UnwrapPrivateKey(passphrase string, blob []byte) (ed25519.PrivateKey, error) {
	if len(blob) < saltLen+12 {
		return nil, ErrVaultCorrupt
	}
	salt := blob[:saltLen]
	rest := blob[saltLen:]

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("recognition: derive wrapping key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("recognition: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("recognition: build gcm: %w", err)
	}
	if len(rest) < gcm.NonceSize() {
		return nil, ErrVaultCorrupt
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrVaultWrongPassphrase
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, ErrVaultCorrupt
	}
	return ed25519.PrivateKey(plain), nil
}
