// Package codec provides deterministic canonical JSON serialization,
// SHA-256 hashing, and Ed25519 signing primitives.
//
// Every other component that needs to hash or sign a structured value goes
// through Canonicalize first: keys sorted lexicographically, no whitespace,
// no NaN/Infinity, numbers without trailing zeros, lowercase true/false/null.
// The same logical value serialized twice, on any platform, yields
// byte-identical output — this is what makes the event hash chain (C2) and
// certificate/manifest signatures (C12-C15) reproducible and verifiable.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// ErrNonFinite is returned when a float value is NaN or +/-Inf.
type ErrNonFinite struct {
	Path string
}

func (e *ErrNonFinite) Error() string {
	return fmt.Sprintf("codec: non-finite number at %s", e.Path)
}

// ErrInvalidUTF8 reports a map key or string value that is not valid UTF-8.
// Canonicalize first passes its input through json.Marshal, which replaces
// invalid bytes with U+FFFD, so the strings it serializes are always valid
// and Canonicalize does not return this error for invalid input.
type ErrInvalidUTF8 struct {
	Path string
}

func (e *ErrInvalidUTF8) Error() string {
	return fmt.Sprintf("codec: invalid UTF-8 at %s", e.Path)
}

// Canonicalize serializes v to canonical JSON bytes. v is first round-tripped
// through encoding/json to normalize into generic Go values (map[string]any,
// []any, float64, string, bool, nil), then re-encoded deterministically.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeMap is a convenience wrapper for the common case of hashing or
// signing a field set built as map[string]any, rather than a typed struct.
func CanonicalizeMap(m map[string]any) ([]byte, error) {
	return Canonicalize(m)
}

func writeCanonical(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeCanonicalNumber(buf, val, path)
	case float64:
		return writeCanonicalNumber(buf, json.Number(fmt.Sprintf("%g", val)), path)
	case string:
		if !utf8.ValidString(val) {
			return &ErrInvalidUTF8{Path: path}
		}
		enc, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("codec: marshal string at %s: %w", path, err)
		}
		buf.Write(enc)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			if !utf8.ValidString(k) {
				return &ErrInvalidUTF8{Path: path + "." + k}
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("codec: marshal key %q: %w", k, err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k], path+"."+k); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("codec: unsupported type %T at %s", v, path)
	}
}

func writeCanonicalNumber(buf *bytes.Buffer, n json.Number, path string) error {
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("codec: parse number at %s: %w", path, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &ErrNonFinite{Path: path}
	}
	// Re-render through Go's shortest round-trip float formatting so that
	// integral values ("5" not "5.0") and trailing zeros are stripped, while
	// still parsing back to the identical float64.
	s := n.String()
	if iv, err := n.Int64(); err == nil {
		s = fmt.Sprintf("%d", iv)
	} else {
		s = trimFloat(f)
	}
	buf.WriteString(s)
	return nil
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	// %g never emits trailing zeros after the decimal point by construction,
	// but can emit exponent form; json numbers permit this, callers that need
	// lexical sameness across platforms should avoid exponent-range floats.
	return s
}
