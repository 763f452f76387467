package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	"github.com/couchcryptid/risk-attribution-service/internal/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	defaultPollInterval = time.Second
	defaultLockTTL      = 5 * time.Minute
)

// Options configures a ResultCache.
type Options struct {
	Policy       Policy
	PollInterval time.Duration
	LockTTL      time.Duration
	MaxWait      time.Duration // zero waits until the context is done
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

// ResultCache memoizes expensive computations across every caller that
// shares its stores. For a given key at most one caller computes at a time;
// the others wait for its result or reclaim the lock once its lease expires.
type ResultCache struct {
	entries  EntryStore
	payloads PayloadStore

	policy       Policy
	pollInterval time.Duration
	lockTTL      time.Duration
	maxWait      time.Duration

	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a ResultCache over the given stores.
func New(entries EntryStore, payloads PayloadStore, opts Options) *ResultCache {
	if opts.Policy == "" {
		opts.Policy = PolicyCreate
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}
	return &ResultCache{
		entries:      entries,
		payloads:     payloads,
		policy:       opts.Policy,
		pollInterval: opts.PollInterval,
		lockTTL:      opts.LockTTL,
		maxWait:      opts.MaxWait,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
}

// Do returns the result of compute for (identity, args), using and filling
// the store according to the cache policy. Compute failures are returned as
// *domain.ComputeError and leave no entry behind.
func (c *ResultCache) Do(ctx context.Context, identity string, args any, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	r := c.policy.rule()
	if !r.useStorage {
		c.count("bypass")
		return c.run(ctx, identity, "", compute)
	}

	key, canonical, err := KeyFor(identity, args)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With("cache_key", key.String(), "identity", identity)

	var waitStart time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, found, err := c.entries.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read cache entry: %w", err)
		}

		switch {
		case found && entry.State == StateReady && r.readHits:
			data, err := c.load(ctx, entry)
			if err == nil {
				c.observeWait(waitStart)
				c.count("hit")
				return data, nil
			}
			if !errors.Is(err, domain.ErrCacheCorruption) {
				return nil, err
			}
			c.count("corrupt")
			logger.Warn("cache entry is ready but its payload is missing, recomputing", "error", err)
			if !r.write {
				// Read-only policies leave the entry for a writer to reclaim.
				return c.miss(ctx, r, identity, key, compute)
			}
			lock := c.newLock(key, identity, canonical)
			won, err := c.entries.Reclaim(ctx, StateReady, entry.Owner, lock)
			if err != nil {
				return nil, fmt.Errorf("reclaim corrupt cache entry: %w", err)
			}
			if won {
				return c.fill(ctx, logger, lock, compute)
			}

		case !r.write:
			return c.miss(ctx, r, identity, key, compute)

		case !found:
			lock := c.newLock(key, identity, canonical)
			created, err := c.entries.CreateLocked(ctx, lock)
			if err != nil {
				return nil, fmt.Errorf("lock cache entry: %w", err)
			}
			if created {
				c.count("miss")
				return c.fill(ctx, logger, lock, compute)
			}

		case entry.State == StateReady:
			// Only reached by policies that recompute over existing results.
			lock := c.newLock(key, identity, canonical)
			won, err := c.entries.Reclaim(ctx, StateReady, entry.Owner, lock)
			if err != nil {
				return nil, fmt.Errorf("lock cache entry: %w", err)
			}
			if won {
				c.count("miss")
				return c.fill(ctx, logger, lock, compute)
			}

		case entry.LeaseExpired(c.clock.Now()):
			lock := c.newLock(key, identity, canonical)
			won, err := c.entries.Reclaim(ctx, StateLocked, entry.Owner, lock)
			if err != nil {
				return nil, fmt.Errorf("reclaim cache lock: %w", err)
			}
			if won {
				c.count("reclaim")
				logger.Warn("reclaimed expired cache lock",
					"previous_owner", entry.Owner,
					"locked_at", entry.LockedAt,
					"lease_expired_at", entry.LeaseExpiresAt,
				)
				return c.fill(ctx, logger, lock, compute)
			}

		default:
			now := c.clock.Now()
			if waitStart.IsZero() {
				waitStart = now
				c.count("wait")
				logger.Debug("waiting for cache entry locked by another caller", "owner", entry.Owner)
			}
			if c.maxWait > 0 && now.Sub(waitStart) >= c.maxWait {
				return nil, &domain.StaleLockTimeoutError{Key: key.String(), Waited: now.Sub(waitStart)}
			}
			if err := c.sleep(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// Peek returns the stored result for (identity, args) without computing.
func (c *ResultCache) Peek(ctx context.Context, identity string, args any) ([]byte, bool, error) {
	if !c.policy.rule().useStorage {
		return nil, false, nil
	}
	key, _, err := KeyFor(identity, args)
	if err != nil {
		return nil, false, err
	}
	entry, found, err := c.entries.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}
	if !found || entry.State != StateReady {
		return nil, false, nil
	}
	data, err := c.load(ctx, entry)
	if errors.Is(err, domain.ErrCacheCorruption) {
		c.logger.Warn("cache entry is ready but its payload is missing", "cache_key", key.String(), "error", err)
		if !c.policy.rule().write {
			return nil, false, nil
		}
		return nil, false, c.entries.Delete(ctx, key, entry.Owner)
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Forget removes a Ready result for (identity, args). Locked entries are left
// to their holder.
func (c *ResultCache) Forget(ctx context.Context, identity string, args any) error {
	key, _, err := KeyFor(identity, args)
	if err != nil {
		return err
	}
	entry, found, err := c.entries.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read cache entry: %w", err)
	}
	if !found || entry.State != StateReady {
		return nil
	}
	if err := c.entries.Delete(ctx, key, entry.Owner); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	if entry.PayloadRef != "" {
		if err := c.payloads.Delete(ctx, entry.PayloadRef); err != nil {
			return fmt.Errorf("delete cache payload: %w", err)
		}
	}
	return nil
}

func (c *ResultCache) newLock(key Key, identity, canonical string) Entry {
	now := c.clock.Now()
	return Entry{
		Key:            key,
		Identity:       identity,
		Args:           canonical,
		State:          StateLocked,
		Owner:          uuid.NewString(),
		LockedAt:       now,
		LeaseExpiresAt: now.Add(c.lockTTL),
	}
}

// fill computes while holding lock, persists the payload, and marks the
// entry Ready. On failure the lock is released so later callers retry.
func (c *ResultCache) fill(ctx context.Context, logger *slog.Logger, lock Entry, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		c.renew(renewCtx, logger, lock)
	}()

	data, err := c.run(ctx, lock.Identity, lock.Key, compute)
	stopRenew()
	<-renewDone

	// Persist even if the caller has gone away: others may be waiting.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		c.release(persistCtx, logger, lock)
		return nil, err
	}

	ref, err := c.payloads.Put(persistCtx, lock.Key, data)
	if err != nil {
		c.release(persistCtx, logger, lock)
		return nil, fmt.Errorf("store cache payload: %w", err)
	}
	if err := c.entries.MarkReady(persistCtx, lock.Key, lock.Owner, ref); err != nil {
		if errors.Is(err, ErrLockLost) {
			logger.Warn("cache lock was reclaimed while computing, result not recorded")
			return data, nil
		}
		c.release(persistCtx, logger, lock)
		return nil, fmt.Errorf("mark cache entry ready: %w", err)
	}
	return data, nil
}

func (c *ResultCache) run(ctx context.Context, identity string, key Key, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	data, err := compute(ctx)
	if err != nil {
		c.metrics.CacheComputeErrors.Inc()
		return nil, &domain.ComputeError{Identity: identity, Key: key.String(), Err: err}
	}
	return data, nil
}

func (c *ResultCache) miss(ctx context.Context, r rule, identity string, key Key, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	c.count("miss")
	if r.requireHit {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrCacheMiss, identity, key)
	}
	return c.run(ctx, identity, key, compute)
}

func (c *ResultCache) load(ctx context.Context, entry Entry) ([]byte, error) {
	if entry.PayloadRef == "" {
		return nil, fmt.Errorf("%w: key %s has no payload reference", domain.ErrCacheCorruption, entry.Key)
	}
	data, err := c.payloads.Get(ctx, entry.PayloadRef)
	if errors.Is(err, ErrPayloadNotFound) {
		return nil, fmt.Errorf("%w: key %s payload %s", domain.ErrCacheCorruption, entry.Key, entry.PayloadRef)
	}
	if err != nil {
		return nil, fmt.Errorf("read cache payload: %w", err)
	}
	return data, nil
}

func (c *ResultCache) release(ctx context.Context, logger *slog.Logger, lock Entry) {
	if err := c.entries.Delete(ctx, lock.Key, lock.Owner); err != nil {
		logger.Error("failed to release cache lock", "error", err)
	}
}

func (c *ResultCache) renew(ctx context.Context, logger *slog.Logger, lock Entry) {
	ticker := c.clock.NewTicker(c.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			err := c.entries.RenewLease(ctx, lock.Key, lock.Owner, c.clock.Now().Add(c.lockTTL))
			if errors.Is(err, ErrLockLost) {
				logger.Warn("cache lock lost while computing")
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("failed to renew cache lease", "error", err)
			}
		}
	}
}

func (c *ResultCache) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(c.pollInterval):
		return nil
	}
}

func (c *ResultCache) count(result string) {
	c.metrics.CacheLookups.WithLabelValues(result).Inc()
}

func (c *ResultCache) observeWait(start time.Time) {
	if !start.IsZero() {
		c.metrics.CacheWaitDuration.Observe(c.clock.Since(start).Seconds())
	}
}
