package syncer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Checksum computes a stable hex digest over a canonical serialization
// of data: object keys are sorted recursively, so two structurally
// identical payloads hash identically regardless of key insertion
// order. Callers use it to detect transport corruption before handing a
// batch to the reconciler; it is not a security signature.
func Checksum(data interface{}) string {
	// Normalize through JSON so struct, map and slice inputs all reduce
	// to the same tree shape.
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return ""
	}

	var b strings.Builder
	writeCanonical(&b, tree)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch value := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(fmt.Sprintf("%q:", k))
			writeCanonical(b, value[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range value {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		encoded, _ := json.Marshal(value)
		b.Write(encoded)
	}
}
