// Package integrity provides tamper-evident hashing of registry records.
// All functions are pure and deterministic.
package integrity

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ComputeRecordHash returns the SHA3-256 hex digest of the canonical JSON
// encoding of record. Canonical means object keys sorted at every depth and
// no insignificant whitespace, so two records with equal content hash the
// same regardless of the key order they arrived in.
func ComputeRecordHash(record map[string]any) (string, error) {
	canonical, err := Canonicalize(record)
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyRecordHash reports whether stored matches the recomputed hash of record.
func VerifyRecordHash(stored string, record map[string]any) bool {
	h, err := ComputeRecordHash(record)
	return err == nil && h == stored
}

// Canonicalize produces the canonical JSON form used for hashing.
// encoding/json sorts map keys; values decoded from JSON are re-encoded
// through map[string]any so struct field order cannot leak in.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("integrity: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("integrity: normalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("integrity: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
