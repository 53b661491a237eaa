// Package canon implements the canonical JSON encoding and content hashing used
// by every audit recorder call. Canonicalization is deterministic: sorted object
// keys, no insignificant whitespace, UTF-8, and a fixed number representation.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Version identifies the canonicalization rules in force. It is stored on every
// Run so historical audit data can be interpreted under the rules active when it
// was written, even if this package's behavior changes later.
const Version = "canon-v1"

// NaNReplacement is substituted for NaN/±Inf float values, which canonical JSON
// has no representation for. Canonicalizing such a value never fails; it is
// mapped to this sentinel instead so audit writes are never blocked by a single
// malformed numeric field.
const NaNReplacement = "__non_finite__"

// JSON returns the canonical encoding of v: object keys sorted, no whitespace,
// arrays left in the order given, booleans lowercase, and numbers rendered
// without a trailing ".0" for integral values or a leading "-0".
func JSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canon: %w", err)
	}
	var buf bytes.Buffer
	if err := encode(&buf, normalized); err != nil {
		return nil, fmt.Errorf("canon: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 hex digest of v's canonical encoding.
func Hash(v any) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes, used when a payload is
// already canonical (e.g. re-hashing a blob read back from the payload store).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// normalize round-trips v through encoding/json to obtain a tree of
// map[string]any / []any / string / float64 / bool / nil, the same shape
// json.Unmarshal produces into an `any`, regardless of v's concrete Go type.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return nil, err
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(t, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func encode(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case float64:
		return encodeNumber(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
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
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
}

func encodeNumber(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		b, err := json.Marshal(NaNReplacement)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
	if f == 0 {
		buf.WriteByte('0')
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		fmt.Fprintf(buf, "%d", int64(f))
		return nil
	}
	fmt.Fprintf(buf, "%g", f)
	return nil
}
