package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// DefaultTTL is how long a stored export reply stays replayable.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of reserving a key.
type Outcome int

const (
	// Acquired means the caller now holds the key.
	Acquired Outcome = iota
	// Replay means the key already completed; its Reply should be sent again.
	Replay
	// Busy means another caller holds the key.
	Busy
)

// Reply is a finished export response kept for replay.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Store holds reservations keyed by an opaque string. The export in-flight guard and
// the export replay middleware share one store under different key prefixes.
type Store interface {
	// Reserve claims key for fingerprint. An expired entry is treated as absent.
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Reply, error)
	// Complete stores reply under a key the caller holds.
	Complete(ctx context.Context, key, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error
	// Release drops key whatever its state.
	Release(ctx context.Context, key string) error
	// CleanupExpired deletes up to limit expired entries.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrKeyReused is returned when a key is presented with a different request body.
var ErrKeyReused = errors.New("idempotency: key reused for a different request")

// entry is the stored state of one key.
type entry struct {
	Fingerprint string
	Done        bool
	Reply       Reply
	ExpiresAt   time.Time
}

func (e entry) live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// outcome decides what a Reserve call sees for an existing live entry.
func (e entry) outcome(fingerprint string) (Outcome, Reply, error) {
	if e.Fingerprint != fingerprint {
		return Busy, Reply{}, ErrKeyReused
	}
	if e.Done {
		return Replay, e.Reply, nil
	}
	return Busy, Reply{}, nil
}

// docID hashes key so client supplied values are safe as Firestore document names.
func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
