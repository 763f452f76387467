package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key is the content address of one computation: the hex SHA-256 of the
// canonical JSON encoding of [identity, args].
type Key string

func (k Key) String() string { return string(k) }

// KeyFor hashes a computation identity with its arguments. Map keys are
// encoded in sorted order, so argument maps hash the same regardless of
// insertion order. It also returns the canonical argument encoding.
func KeyFor(identity string, args any) (Key, string, error) {
	canonical, err := json.Marshal([]any{identity, args})
	if err != nil {
		return "", "", fmt.Errorf("encode cache key for %s: %w", identity, err)
	}
	sum := sha256.Sum256(canonical)
	return Key(hex.EncodeToString(sum[:])), string(canonical), nil
}
