package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/cache"
	"github.com/jmoiron/sqlx"
)

// EntryStore is a cache.EntryStore backed by the cache_entries table.
// Every transition is a single conditional statement, so concurrent callers
// in different processes never both win a lock.
type EntryStore struct {
	db *sqlx.DB
}

func NewEntryStore(db *sqlx.DB) *EntryStore {
	return &EntryStore{db: db}
}

type entryRow struct {
	Key            string    `db:"key"`
	Identity       string    `db:"identity"`
	Args           string    `db:"args"`
	State          string    `db:"state"`
	Owner          string    `db:"owner"`
	LockedAt       time.Time `db:"locked_at"`
	LeaseExpiresAt time.Time `db:"lease_expires_at"`
	PayloadRef     string    `db:"payload_ref"`
}

func toRow(e cache.Entry) entryRow {
	return entryRow{
		Key:            string(e.Key),
		Identity:       e.Identity,
		Args:           e.Args,
		State:          string(e.State),
		Owner:          e.Owner,
		LockedAt:       e.LockedAt.UTC(),
		LeaseExpiresAt: e.LeaseExpiresAt.UTC(),
		PayloadRef:     e.PayloadRef,
	}
}

func (r entryRow) entry() cache.Entry {
	return cache.Entry{
		Key:            cache.Key(r.Key),
		Identity:       r.Identity,
		Args:           r.Args,
		State:          cache.EntryState(r.State),
		Owner:          r.Owner,
		LockedAt:       r.LockedAt,
		LeaseExpiresAt: r.LeaseExpiresAt,
		PayloadRef:     r.PayloadRef,
	}
}

func (s *EntryStore) Get(ctx context.Context, key cache.Key) (cache.Entry, bool, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT key, identity, args, state, owner, locked_at, lease_expires_at, payload_ref
		FROM cache_entries
		WHERE key = $1
	`, string(key))
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	return row.entry(), true, nil
}

func (s *EntryStore) CreateLocked(ctx context.Context, e cache.Entry) (bool, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cache_entries (key, identity, args, state, owner, locked_at, lease_expires_at, payload_ref)
		VALUES (:key, :identity, :args, :state, :owner, :locked_at, :lease_expires_at, :payload_ref)
		ON CONFLICT (key) DO NOTHING
	`, toRow(e))
	if err != nil {
		return false, fmt.Errorf("create cache lock: %w", err)
	}
	return affected(res)
}

func (s *EntryStore) Reclaim(ctx context.Context, prevState cache.EntryState, prevOwner string, e cache.Entry) (bool, error) {
	row := toRow(e)
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET identity = $2, args = $3, state = $4, owner = $5, locked_at = $6, lease_expires_at = $7, payload_ref = $8
		WHERE key = $1 AND state = $9 AND owner = $10
	`, row.Key, row.Identity, row.Args, row.State, row.Owner, row.LockedAt, row.LeaseExpiresAt, row.PayloadRef,
		string(prevState), prevOwner)
	if err != nil {
		return false, fmt.Errorf("reclaim cache entry: %w", err)
	}
	return affected(res)
}

func (s *EntryStore) RenewLease(ctx context.Context, key cache.Key, owner string, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET lease_expires_at = $3
		WHERE key = $1 AND owner = $2 AND state = 'locked'
	`, string(key), owner, until.UTC())
	if err != nil {
		return fmt.Errorf("renew cache lease: %w", err)
	}
	return requireOne(res)
}

func (s *EntryStore) MarkReady(ctx context.Context, key cache.Key, owner, payloadRef string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET state = 'ready', payload_ref = $3
		WHERE key = $1 AND owner = $2 AND state = 'locked'
	`, string(key), owner, payloadRef)
	if err != nil {
		return fmt.Errorf("mark cache entry ready: %w", err)
	}
	return requireOne(res)
}

func (s *EntryStore) Delete(ctx context.Context, key cache.Key, owner string) error {
	var err error
	if owner == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1`, string(key))
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = $1 AND owner = $2`, string(key), owner)
	}
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredLocks removes Locked entries whose lease expired before now.
func (s *EntryStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE state = 'locked' AND lease_expires_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache locks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func requireOne(res sql.Result) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return cache.ErrLockLost
	}
	return nil
}
