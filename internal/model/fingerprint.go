package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Fingerprint returns the hex-encoded SHA-256 of a document's content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FingerprintRecord is the first sighting of a document for an owner.
// At most one exists per (OwnerKey, Fingerprint).
type FingerprintRecord struct {
	Fingerprint    string    `json:"fingerprint"`
	OwnerKey       string    `json:"owner_key"`
	SizeBytes      int64     `json:"size_bytes"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	OriginJobID    string    `json:"origin_job_id"`
	OriginSourceID string    `json:"origin_source_id"`
	DuplicateCount int       `json:"duplicate_count"`
}

// Sighting is one observation of a document submitted for registration.
type Sighting struct {
	OwnerKey    string
	Fingerprint string
	SizeBytes   int64
	JobID       string
	SourceID    string
}

// DedupResult is the outcome of registering a sighting.
type DedupResult struct {
	IsDuplicate    bool   `json:"is_duplicate"`
	OriginJobID    string `json:"origin_job_id"`
	DuplicateCount int    `json:"duplicate_count"`
}
