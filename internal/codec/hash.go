package codec

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the hex-encoded SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashCanonical canonicalizes v and returns the hex-encoded SHA-256 digest
// of the canonical bytes. This is the "hash of an entity" operation used
// throughout C2 (event hashes), C9 (audit hashes), C3 (source_merkle_root).
func HashCanonical(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// ZeroHash is the all-zeros digest used as previous_hash for a genesis event.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// MerkleRootOf concatenates a list of hex digests in order and returns the
// SHA-256 of the concatenation, used for IdentitySnapshot.source_merkle_root.
func MerkleRootOf(hashes []string) string {
	h := sha256.New()
	for _, hx := range hashes {
		raw, err := hex.DecodeString(hx)
		if err != nil {
			// Non-hex input is hashed as raw bytes rather than failing; the
			// root is still deterministic and collision-resistant for the
			// purposes of snapshot comparison.
			h.Write([]byte(hx))
			continue
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}
