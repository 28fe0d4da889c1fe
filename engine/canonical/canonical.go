package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxSafeInteger is the largest integer exactly representable as a float64.
const maxSafeInteger = 1 << 53

// Marshal serializes a Value into its unique canonical byte form.
//
// Rules:
//   - map keys sorted lexicographically by byte value
//   - strings NFC-normalized, minimal JSON escaping, no HTML escaping
//   - integral numbers within ±2^53 printed as decimal integers, all other
//     finite numbers in strconv shortest round-trip form
//   - no insignificant whitespace
//
// NaN and infinities have no canonical form and fail.
func Marshal(v Value) ([]byte, error) {
	var sb strings.Builder
	if err := marshal(&sb, v); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func marshal(sb *strings.Builder, v Value) error {
	switch val := v.(type) {
	case String:
		encodeString(sb, string(val))
		return nil
	case Number:
		return encodeNumber(sb, float64(val))
	case Bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
		return nil
	case Null:
		sb.WriteString("null")
		return nil
	case List:
		sb.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := marshal(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	case Map:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, norm.NFC.String(k))
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encodeString(sb, k)
			sb.WriteByte(':')
			if err := marshal(sb, lookupNormalized(val, k)); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	default:
		return &Error{Type: fmt.Sprintf("%T", v)}
	}
}

// lookupNormalized retrieves the entry whose NFC-normalized key matches k.
// Maps are small (step inputs/outputs), so the scan on the rare non-NFC key
// is not worth avoiding.
func lookupNormalized(m Map, k string) Value {
	if v, ok := m[k]; ok {
		return v
	}
	for orig, v := range m {
		if norm.NFC.String(orig) == k {
			return v
		}
	}
	return Null{}
}

// encodeString writes s as a JSON string with minimal escaping: quote,
// backslash, and control characters only. '<', '>', '&' pass through
// unescaped, unlike encoding/json's default.
func encodeString(sb *strings.Builder, s string) {
	s = norm.NFC.String(s)
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\b':
			sb.WriteString(`\b`)
		case '\f':
			sb.WriteString(`\f`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(sb, `\u%04x`, r)
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// encodeNumber writes f in its single canonical textual form. Integral
// values inside the float64-exact integer range print without a fractional
// part, so 3 and 3.0 are indistinguishable once hashed.
func encodeNumber(sb *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &Error{Type: fmt.Sprintf("non-finite number %v", f)}
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		// int64 conversion is exact here; also folds -0 into 0.
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// Hash converts v via FromGo, canonicalizes it, and returns the lowercase
// hex SHA-256 of the canonical bytes. This is the digest persisted as
// input_hash and output_hash on every step record.
func Hash(v any) (string, error) {
	cv, err := FromGo(v)
	if err != nil {
		return "", err
	}
	data, err := Marshal(cv)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the lowercase hex SHA-256 of raw bytes. Used for
// root-hash folding where the input is already canonical.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
