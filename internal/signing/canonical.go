package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Fields excluded from the signed bytes.
const (
	FieldSignature = "signature"
	FieldPublicKey = "public_key"
)

// Canonicalize serializes body as compact JSON with lexicographically
// sorted keys, UTF-8 text without HTML escaping, and the signature fields
// removed. Floating point values are rejected so that every verifier
// reproduces the same bytes.
func Canonicalize(body map[string]any) ([]byte, error) {
	clean := make(map[string]any, len(body))
	for k, v := range body {
		if k == FieldSignature || k == FieldPublicKey {
			continue
		}
		if err := checkValue(k, v); err != nil {
			return nil, err
		}
		clean[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return nil, fmt.Errorf("encode canonical body: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func checkValue(path string, v any) error {
	switch t := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return nil
	case float32, float64:
		return fmt.Errorf("field %s: floating point values are not canonical", path)
	case json.Number:
		if strings.ContainsAny(string(t), ".eE") {
			return fmt.Errorf("field %s: floating point values are not canonical", path)
		}
		return nil
	case map[string]any:
		for k, inner := range t {
			if err := checkValue(path+"."+k, inner); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, inner := range t {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), inner); err != nil {
				return err
			}
		}
		return nil
	case []string:
		return nil
	default:
		return fmt.Errorf("field %s: unsupported type %T", path, v)
	}
}
