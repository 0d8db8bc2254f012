// Package kvstore defines the ephemeral key-value store that holds all
// shared matchmaking state: waiting records, active connections, user
// pointers and queued envelopes.
//
// Records optionally carry a TTL after which they disappear. The
// interface is the injection seam between the in-memory store used by
// tests and single-node deployments and the DynamoDB store used in
// production.
package kvstore

import (
	"context"
	"time"
)

// Entry is a single live record returned by ScanPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a prefix-scannable byte store with per-record expiry.
//
// Implementations must be safe for concurrent use; ClaimPair in
// particular is the primitive the matchmaking queue relies on to keep
// two simultaneous joins from matching the same user twice.
type Store interface {
	// Set writes value under key, replacing any previous record.
	// ttl <= 0 stores the record without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the record under key, or ok=false if it does not
	// exist or has expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ClaimPair deletes both keys atomically iff both are currently
	// live. It returns false (and deletes nothing) if either key is
	// already gone.
	ClaimPair(ctx context.Context, key1, key2 string) (bool, error)

	// ScanPrefix returns every live record whose key starts with
	// prefix, in ascending key order.
	ScanPrefix(ctx context.Context, prefix string) ([]Entry, error)
}

// Clock abstracts time for expiry decisions so tests can advance it
// manually.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used outside tests.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
