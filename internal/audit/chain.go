// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every recorded Event is hashed together with the hash of the tenant's
// previous record, forming one chain per tenant. Altering, removing or
// reordering any record changes at least one downstream hash, so
// verification pinpoints the first corrupted record.
//
// The package holds the pure hashing and verification functions, the Store
// contract with a reference in-memory implementation, and the Service that
// orchestrates recording, searching, verification and proofs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TimestampFormat is the canonical timestamp layout used in hash input.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// HashFields is the sorted set of field names making up the hash input.
// It must stay stable for proofs to remain verifiable across
// implementations.
var HashFields = []string{
	"action",
	"actor",
	"category",
	"details",
	"eventId",
	"ipAddress",
	"metadata",
	"outcome",
	"previousHash",
	"resource",
	"severity",
	"tenantId",
	"timestamp",
	"userAgent",
}

// FormatTimestamp renders t in the canonical hash format (UTC, millisecond
// precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// HashInput returns the canonical bytes that ComputeEventHash digests.
// An empty previousHash is encoded as null.
func HashInput(e Event, previousHash string) ([]byte, error) {
	doc := Map{
		"action":       e.Action,
		"actor":        actorDoc(e.Actor),
		"category":     string(e.Category),
		"details":      mapOrNil(e.Details),
		"eventId":      e.ID,
		"ipAddress":    stringOrNil(e.IPAddress),
		"metadata":     mapOrNil(e.Metadata),
		"outcome":      string(e.Outcome),
		"previousHash": stringOrNil(previousHash),
		"resource":     stringOrNil(e.Resource),
		"severity":     string(e.Severity),
		"tenantId":     e.TenantID,
		"timestamp":    FormatTimestamp(e.Timestamp),
		"userAgent":    stringOrNil(e.UserAgent),
	}
	return CanonicalJSON(doc)
}

// ComputeEventHash returns the hex SHA-256 digest of the event's canonical
// form chained to previousHash ("" for the first record of a tenant).
//
// An event whose maps hold values outside the Map union has no valid hash;
// ComputeEventHash returns "" for it, which never matches a stored hash.
func ComputeEventHash(e Event, previousHash string) string {
	input, err := HashInput(e, previousHash)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

// VerifyEventHash reports whether storedHash matches the event content
// chained to previousHash.
func VerifyEventHash(e Event, storedHash, previousHash string) bool {
	computed := ComputeEventHash(e, previousHash)
	return computed != "" && computed == storedHash
}

// ComputeChainHashes hashes events as one fresh chain, oldest first.
func ComputeChainHashes(events []Event) []string {
	hashes := make([]string, 0, len(events))
	prev := ""
	for _, e := range events {
		h := ComputeEventHash(e, prev)
		hashes = append(hashes, h)
		prev = h
	}
	return hashes
}

// ChainCheck is the outcome of CheckChain. BrokenAt and the hashes are only
// meaningful when Intact is false.
type ChainCheck struct {
	Intact   bool
	BrokenAt int
	Checked  int
	Expected string
	Actual   string
}

// CheckChain recomputes the chain from scratch and compares it against the
// stored hashes, stopping at the first divergence. A length mismatch is a
// break at index 0: a missing or extra record is indistinguishable from
// tampering. Empty input is intact.
func CheckChain(events []Event, storedHashes []string) ChainCheck {
	if len(events) != len(storedHashes) {
		return ChainCheck{Intact: false, BrokenAt: 0}
	}

	prev := ""
	for i, e := range events {
		expected := ComputeEventHash(e, prev)
		if expected == "" || expected != storedHashes[i] {
			return ChainCheck{
				Intact:   false,
				BrokenAt: i,
				Checked:  i + 1,
				Expected: expected,
				Actual:   storedHashes[i],
			}
		}
		// Links to the recomputed hash, which equals the stored one here.
		prev = expected
	}
	return ChainCheck{Intact: true, Checked: len(events)}
}

func actorDoc(a Actor) Map {
	return Map{
		"id":       a.ID,
		"metadata": mapOrNil(a.Metadata),
		"tenantId": stringOrNil(a.TenantID),
		"type":     string(a.Type),
	}
}

func stringOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// mapOrNil treats an empty map as absent so that it hashes the same before
// and after a store round trip drops it.
func mapOrNil(m Map) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
