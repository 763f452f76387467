package cache

import (
	"context"
	"errors"
	"time"
)

// EntryState is the lifecycle state of a cache entry.
type EntryState string

const (
	StateLocked EntryState = "locked"
	StateReady  EntryState = "ready"
)

// Entry is the storage record of one cache key. A Ready entry always points
// at a payload; a Locked entry is owned by exactly one computing caller until
// its lease expires.
type Entry struct {
	Key            Key
	Identity       string
	Args           string
	State          EntryState
	Owner          string
	LockedAt       time.Time
	LeaseExpiresAt time.Time
	PayloadRef     string
}

// LeaseExpired reports whether a Locked entry may be reclaimed at now.
func (e Entry) LeaseExpired(now time.Time) bool {
	return e.State == StateLocked && !now.Before(e.LeaseExpiresAt)
}

// ErrLockLost is returned when a lock holder no longer owns its entry.
var ErrLockLost = errors.New("cache lock no longer held")

// ErrPayloadNotFound is returned by PayloadStore.Get for an unknown ref.
var ErrPayloadNotFound = errors.New("cache payload not found")

// EntryStore persists cache entries. Every method must be atomic with respect
// to concurrent callers in any process sharing the store.
type EntryStore interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	// CreateLocked inserts e if no entry exists for e.Key and reports whether
	// it did.
	CreateLocked(ctx context.Context, e Entry) (bool, error)
	// Reclaim replaces the entry for e.Key with e only if the stored entry
	// still has prevState and prevOwner, and reports whether it did.
	Reclaim(ctx context.Context, prevState EntryState, prevOwner string, e Entry) (bool, error)
	// RenewLease extends the lease of a Locked entry owned by owner.
	RenewLease(ctx context.Context, key Key, owner string, until time.Time) error
	// MarkReady moves a Locked entry owned by owner to Ready.
	MarkReady(ctx context.Context, key Key, owner, payloadRef string) error
	// Delete removes the entry if owned by owner. An empty owner deletes
	// unconditionally.
	Delete(ctx context.Context, key Key, owner string) error
}

// PayloadStore holds serialized results addressed by key.
type PayloadStore interface {
	Put(ctx context.Context, key Key, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}
