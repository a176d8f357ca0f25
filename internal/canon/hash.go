package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows algorithm migration.
const (
	DomainRequest = "mkernel/request/v1"
	DomainPayload = "mkernel/payload/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator removes ambiguity at the domain/data boundary.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the domain-separated SHA-256 of the canonical encoding of v.
func Hash(domain string, v Value) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// RequestHash fingerprints a mutation request for idempotency comparison.
// Actor and tenant are not part of the fingerprint; the ledger key is tenant-scoped.
func RequestHash(action, entityType, entityID string, expectedVersion *int64, payload Object) (string, error) {
	obj := Object{
		"action":      String(action),
		"entity_type": String(entityType),
		"entity_id":   String(entityID),
		"payload":     payload,
	}
	if payload == nil {
		obj["payload"] = Object{}
	}
	if expectedVersion != nil {
		obj["expected_version"] = Int(*expectedVersion)
	}
	return Hash(DomainRequest, obj)
}
