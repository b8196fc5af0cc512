package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainWrite separates write-token hashes from any other hash family.
// The version suffix allows the algorithm to change without collisions.
const DomainWrite = "habitsync/write/v1"

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteToken computes a content-addressed token for a pending write.
// The same (ref, payload, seq) always yields the same token. seq comes from
// the coalescer's logical clock, so two identical payloads enqueued at
// different times get different tokens.
func WriteToken(ref Ref, payload Partial, seq int64) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"ref":     ref,
		"payload": payload,
		"seq":     seq,
	})
	if err != nil {
		return "", fmt.Errorf("write token: %w", err)
	}
	return hashWithDomain(DomainWrite, canonical), nil
}
