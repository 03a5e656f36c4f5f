package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"reliable-ops/internal/cache"
	"reliable-ops/internal/config"
	"reliable-ops/internal/lock"
	"reliable-ops/internal/models"
	"reliable-ops/internal/telemetry"
)

// Operation is an arbitrary unit of work producing a serializable result.
// The manager guarantees it runs at most once per key within the record TTL.
type Operation func(ctx context.Context) (json.RawMessage, error)

// RecordStore is the durable half of the manager. The store is the
// authoritative source of truth; the cache only accelerates reads.
type RecordStore interface {
	GetIdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error)
	InsertPendingRecord(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
	CompleteRecord(ctx context.Context, key string, result json.RawMessage) error
	FailRecord(ctx context.Context, key, kind, message string) error
	DeleteExpiredRecords(ctx context.Context, now time.Time) ([]string, error)
}

// RecordCache is the read accelerator in front of the store.
type RecordCache interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Locker provides short-lived mutual exclusion keyed by operation key.
type Locker interface {
	Acquire(ctx context.Context, key string) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Manager guarantees at-most-one logical execution of a keyed operation
// under concurrent or duplicate invocation.
type Manager struct {
	store RecordStore
	cache RecordCache
	locks Locker

	recordTTL       time.Duration
	waitTimeout     time.Duration
	pollInterval    time.Duration
	cleanupInterval time.Duration
}

// NewManager wires the manager from config and its collaborators.
func NewManager(cfg config.Config, store RecordStore, recordCache RecordCache, locks Locker) *Manager {
	return &Manager{
		store:           store,
		cache:           recordCache,
		locks:           locks,
		recordTTL:       cfg.IdempotencyTTL,
		waitTimeout:     cfg.LockWaitTimeout,
		pollInterval:    cfg.PendingPollInterval,
		cleanupInterval: cfg.CleanupInterval,
	}
}

func cacheKey(fullKey string) string {
	return "idem:" + fullKey
}

// Execute runs op at most once for the tenant-scoped key. Concurrent and
// duplicate callers all observe the same terminal outcome: the stored result
// for a completed record, or a replayed error for a failed one.
func (m *Manager) Execute(ctx context.Context, tenantID, key, operationType string, op Operation, meta models.IdempotencyMetadata) (json.RawMessage, error) {
	fullKey := models.FullKey(tenantID, key)
	deadline := time.Now().Add(m.waitTimeout)

	for {
		rec, found, err := m.lookup(ctx, fullKey)
		if err != nil {
			return nil, err
		}
		if found {
			switch rec.Status {
			case models.IdempotencyCompleted:
				telemetry.IdempotentReplays.Inc()
				return rec.Result, nil
			case models.IdempotencyFailed:
				telemetry.IdempotentReplays.Inc()
				return nil, replayError(rec)
			case models.IdempotencyPending:
				if err := m.waitResolved(ctx, fullKey, deadline); err != nil {
					return nil, err
				}
				continue
			default:
				return nil, fmt.Errorf("record %s has unknown status %q", fullKey, rec.Status)
			}
		}

		token, err := m.locks.Acquire(ctx, fullKey)
		if errors.Is(err, lock.ErrNotAcquired) {
			// A concurrent caller holds the lock and is creating the
			// record. Wait for it to appear.
			if time.Now().After(deadline) {
				telemetry.IdempotentConflicts.Inc()
				return nil, &ConflictError{Key: fullKey}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.pollInterval):
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		claimed, result, execErr := m.runLocked(ctx, fullKey, tenantID, operationType, op, meta, token)
		if !claimed {
			// Lost the store-level claim to a racing caller; observe
			// its record instead.
			continue
		}
		return result, execErr
	}
}

// runLocked creates the pending record and executes the operation while
// holding the lock. The store's conditional insert is the final arbiter:
// if another process claimed the key first, claimed is false and no
// execution happens.
func (m *Manager) runLocked(ctx context.Context, fullKey, tenantID, operationType string, op Operation, meta models.IdempotencyMetadata, token string) (claimed bool, result json.RawMessage, err error) {
	defer func() {
		if _, relErr := m.locks.Release(ctx, fullKey, token); relErr != nil {
			log.Printf("release lock %s: %v", fullKey, relErr)
		}
	}()

	now := time.Now().UTC()
	rec := models.IdempotencyRecord{
		Key:           fullKey,
		TenantID:      tenantID,
		OperationType: operationType,
		Status:        models.IdempotencyPending,
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(m.recordTTL),
	}
	ok, err := m.store.InsertPendingRecord(ctx, rec)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	m.cacheSet(ctx, rec)

	telemetry.IdempotentExecutions.Inc()
	result, opErr := op(ctx)
	if opErr != nil {
		kind := kindOf(opErr)
		if failErr := m.store.FailRecord(ctx, fullKey, kind, opErr.Error()); failErr != nil {
			log.Printf("persist failed record %s: %v", fullKey, failErr)
		}
		rec.Status = models.IdempotencyFailed
		msg, k := opErr.Error(), kind
		rec.Error, rec.ErrorKind = &msg, &k
		m.cacheSet(ctx, rec)
		// The first caller gets the original error, not a reconstruction.
		return true, nil, opErr
	}

	if compErr := m.store.CompleteRecord(ctx, fullKey, result); compErr != nil {
		return true, nil, compErr
	}
	rec.Status = models.IdempotencyCompleted
	rec.Result = result
	m.cacheSet(ctx, rec)
	return true, result, nil
}

// lookup reads through the cache to the store. Expired records are treated
// as absent. Cache failures are logged and absorbed.
func (m *Manager) lookup(ctx context.Context, fullKey string) (models.IdempotencyRecord, bool, error) {
	var rec models.IdempotencyRecord
	err := m.cache.GetJSON(ctx, cacheKey(fullKey), &rec)
	if err == nil {
		if rec.Expired(time.Now()) {
			return models.IdempotencyRecord{}, false, nil
		}
		return rec, true, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Printf("cache read %s: %v", fullKey, err)
	}

	rec, found, err := m.store.GetIdempotencyRecord(ctx, fullKey)
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("lookup record %s: %w", fullKey, err)
	}
	if !found || rec.Expired(time.Now()) {
		return models.IdempotencyRecord{}, false, nil
	}
	m.cacheSet(ctx, rec)
	return rec, true, nil
}

// waitResolved polls the store until the record leaves pending, disappears,
// or the deadline passes.
func (m *Manager) waitResolved(ctx context.Context, fullKey string, deadline time.Time) error {
	start := time.Now()
	for {
		if time.Now().After(deadline) {
			telemetry.IdempotentConflicts.Inc()
			return &TimeoutError{Key: fullKey, Waited: time.Since(start)}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
		rec, found, err := m.store.GetIdempotencyRecord(ctx, fullKey)
		if err != nil {
			return fmt.Errorf("poll record %s: %w", fullKey, err)
		}
		if !found || rec.Expired(time.Now()) || rec.Status != models.IdempotencyPending {
			m.cacheSet(ctx, rec)
			return nil
		}
	}
}

func (m *Manager) cacheSet(ctx context.Context, rec models.IdempotencyRecord) {
	if rec.Key == "" {
		return
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := m.cache.SetJSON(ctx, cacheKey(rec.Key), rec, ttl); err != nil {
		log.Printf("cache write %s: %v", rec.Key, err)
	}
}

func replayError(rec models.IdempotencyRecord) error {
	e := &ReplayedError{Kind: defaultErrorKind, Message: "operation previously failed"}
	if rec.ErrorKind != nil {
		e.Kind = *rec.ErrorKind
	}
	if rec.Error != nil {
		e.Message = *rec.Error
	}
	return e
}

// RunCleanup periodically purges expired idempotency records from the store
// and cache until the context is cancelled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.CleanupOnce(ctx); err != nil {
				log.Printf("idempotency cleanup: %v", err)
			} else if n > 0 {
				log.Printf("idempotency cleanup purged %d records", n)
			}
		}
	}
}

// CleanupOnce deletes all records past their TTL and invalidates their cache
// entries. It returns how many were purged.
func (m *Manager) CleanupOnce(ctx context.Context) (int, error) {
	keys, err := m.store.DeleteExpiredRecords(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	cacheKeys := make([]string, len(keys))
	for i, k := range keys {
		cacheKeys[i] = cacheKey(k)
	}
	if err := m.cache.Del(ctx, cacheKeys...); err != nil {
		log.Printf("cache invalidate after cleanup: %v", err)
	}
	telemetry.RecordsExpired.Add(float64(len(keys)))
	return len(keys), nil
}
