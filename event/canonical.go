package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Serialize returns the canonical byte form the id is derived from: the
// JSON array [0, pubkey, created_at, kind, tags, content] with no HTML
// escaping and no insignificant whitespace. Integer fields carry no
// fractional part; tag order is preserved.
func Serialize(e *Event) ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}

	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("canonical serialize: %w", err)
	}

	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the lowercase hex sha256 of the canonical
// serialization.
func ComputeID(e *Event) (string, error) {
	canonical, err := Serialize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
