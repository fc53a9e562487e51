package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the algorithm
// to change without colliding with digests already stored on ExternalId rows.
const (
	DomainContent     = "crmsync/content/v1"
	DomainFingerprint = "crmsync/fingerprint/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// FieldValue is one mapped field in payload order.
type FieldValue struct {
	Field string
	Value Value
}

// ContentHash digests an ordered list of mapped field values together with
// the fingerprint of the mapping that produced them. Field order is
// significant. Changing a mapping's transformation changes the fingerprint,
// and with it every digest produced under that mapping.
func ContentHash(fingerprint string, fields []FieldValue) (string, error) {
	entries := make(List, len(fields))
	for i, f := range fields {
		v := f.Value
		if v == nil {
			v = Null{}
		}
		entries[i] = List{String(f.Field), v}
	}
	canonical, err := MarshalCanonical(Object{
		"fingerprint": String(fingerprint),
		"fields":      entries,
	})
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(DomainContent, canonical), nil
}

// Fingerprint digests an arbitrary configuration object.
func Fingerprint(obj Object) (string, error) {
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainFingerprint, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(obj Object) string {
	fp, err := Fingerprint(obj)
	if err != nil {
		panic(err)
	}
	return fp
}
