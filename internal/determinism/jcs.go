// Package determinism implements the canonical-JSON encoding and decision
// hashing used across every pipeline stage. All stage artifacts that must be
// byte-for-byte reproducible are hashed through JCSBytes/DecisionHash rather
// than encoding/json's default Marshal, whose map key order is undefined.
package determinism

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// JCSBytes renders v as RFC 8785-flavored canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace, numbers in a canonical
// form, and only control characters escaped in strings (not the full
// ensure_ascii treatment).
//
// v must be built from the JSON data model: nil, bool, string, int, int64,
// uint64, float64, map[string]any (string keys only), []any, or []string.
// json.Number is not accepted -- encodeValue has no case for it. Structs
// are not supported on purpose -- callers assemble decision-input payloads
// explicitly so the shape hashed is never at the mercy of struct tag order.
func JCSBytes(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecisionHash returns "sha256:" + hex(sha256(JCSBytes(v))).
func DecisionHash(v any) (string, error) {
	b, err := JCSBytes(v)
	if err != nil {
		return "", err
	}
	return Sha256Prefixed(b), nil
}

// Sha256Prefixed hashes raw bytes directly (not through JCS) -- used for
// content-addressed object references, where the hashed value is already a
// byte string, not a JSON value.
func Sha256Prefixed(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func encodeValue(buf *bytes.Buffer, v any) error {
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
	case string:
		return encodeString(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
		return nil
	case float64:
		s, err := canonicalFloat(val)
		if err != nil {
			return err
		}
		buf.WriteString(s)
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	case []string:
		arr := make([]any, len(val))
		for i, s := range val {
			arr[i] = s
		}
		return encodeArray(buf, arr)
	default:
		return fmt.Errorf("determinism: unsupported value type %T for canonical encoding", v)
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, item := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// encodeString escapes '"', '\\', and control characters <= 0x1F as \uXXXX.
// Everything else, including non-ASCII UTF-8, passes through untouched.
func encodeString(buf *bytes.Buffer, s string) error {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}

// canonicalFloat matches the Python original's _canonical_number for
// floats/Decimals: reject non-finite, lowercase the exponent and strip a
// leading '+', strip trailing fractional zeros (and a bare trailing '.'),
// and normalize "-0" to "0".
func canonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("determinism: non-finite number cannot be canonicalized")
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	s = strings.ToLower(s)

	mantissa, exponent, hasExp := strings.Cut(s, "e")
	if strings.Contains(mantissa, ".") {
		mantissa = strings.TrimRight(mantissa, "0")
		mantissa = strings.TrimSuffix(mantissa, ".")
	}
	if mantissa == "-0" || mantissa == "" {
		mantissa = "0"
	}
	if !hasExp {
		return mantissa, nil
	}
	exponent = strings.TrimPrefix(exponent, "+")
	return mantissa + "e" + exponent, nil
}
