package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reliable-ops/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps pgxpool for Postgres persistence. It is the authoritative
// source of truth for both record families; the Redis cache in front of it
// is best-effort only.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- Idempotency records ---

// GetIdempotencyRecord fetches a record by its full key.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (models.IdempotencyRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT key, tenant_id, operation_type, status, result, error, error_kind, metadata, created_at, updated_at, expires_at
		FROM idempotency_records WHERE key = $1
	`, key)

	var rec models.IdempotencyRecord
	var result []byte
	var errMsg, errKind pgtype.Text
	var metadata []byte

	err := row.Scan(&rec.Key, &rec.TenantID, &rec.OperationType, &rec.Status, &result, &errMsg, &errKind, &metadata, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return models.IdempotencyRecord{}, false, fmt.Errorf("scan idempotency record: %w", err)
	}
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	rec.Error = textPtr(errMsg)
	rec.ErrorKind = textPtr(errKind)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return models.IdempotencyRecord{}, false, fmt.Errorf("unmarshal idempotency metadata: %w", err)
		}
	}
	return rec, true, nil
}

// InsertPendingRecord claims a key by writing a pending record. An expired
// record under the same key is overwritten in the same statement, so the
// claim is a single conditional write. Returns false when a live record
// already holds the key.
func (s *Store) InsertPendingRecord(ctx context.Context, rec models.IdempotencyRecord) (bool, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal idempotency metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (key, tenant_id, operation_type, status, metadata, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (key) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id,
		    operation_type = EXCLUDED.operation_type,
		    status = EXCLUDED.status,
		    result = NULL,
		    error = NULL,
		    error_kind = NULL,
		    metadata = EXCLUDED.metadata,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= NOW()
	`, rec.Key, rec.TenantID, rec.OperationType, models.IdempotencyPending, metadata, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("insert pending record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteRecord transitions a pending record to completed with its result.
func (s *Store) CompleteRecord(ctx context.Context, key string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, result = $3, updated_at = NOW()
		WHERE key = $1 AND status = $4
	`, key, models.IdempotencyCompleted, []byte(result), models.IdempotencyPending)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete record %s: %w", key, ErrNotFound)
	}
	return nil
}

// FailRecord transitions a pending record to failed, carrying the error
// message and kind for replay.
func (s *Store) FailRecord(ctx context.Context, key, kind, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET status = $2, error = $3, error_kind = $4, updated_at = NOW()
		WHERE key = $1 AND status = $5
	`, key, models.IdempotencyFailed, message, kind, models.IdempotencyPending)
	if err != nil {
		return fmt.Errorf("fail record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail record %s: %w", key, ErrNotFound)
	}
	return nil
}

// DeleteExpiredRecords purges records past their TTL and returns the deleted
// keys so callers can invalidate the cache.
func (s *Store) DeleteExpiredRecords(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM idempotency_records WHERE expires_at <= $1 RETURNING key
	`, now)
	if err != nil {
		return nil, fmt.Errorf("delete expired records: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan expired key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Transaction recovery ---

const txColumns = `id, tenant_id, user_id, type, state, data, idempotency_key, correlation_id, attempts, max_attempts, last_attempt_at, last_error, metadata, expires_at, created_at, updated_at`

// CreateTransaction inserts a new recovery record. A zero ID is assigned.
func (s *Store) CreateTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.State == "" {
		tx.State = models.StatePending
	}
	if tx.MaxAttempts == 0 {
		tx.MaxAttempts = 5
	}
	if tx.Metadata.Priority == "" {
		tx.Metadata.Priority = models.PriorityNormal
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	data, err := json.Marshal(tx.Data)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("marshal transaction data: %w", err)
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("marshal transaction metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transaction_recovery (id, tenant_id, user_id, type, state, data, idempotency_key, correlation_id, attempts, max_attempts, metadata, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, tx.ID, tx.TenantID, tx.UserID, tx.Type, tx.State, data, tx.IdempotencyKey, tx.CorrelationID, tx.Attempts, tx.MaxAttempts, metadata, tx.ExpiresAt, now)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

// GetTransaction fetches a transaction by id.
func (s *Store) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM transaction_recovery WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return tx, err
}

// UpdateTransactionState writes a state transition plus attempt bookkeeping.
// Terminal records are never mutated; the guard is in the WHERE clause so
// concurrent writers cannot resurrect a completed transaction.
func (s *Store) UpdateTransactionState(ctx context.Context, id, state string, attempts int, lastAttemptAt *time.Time, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transaction_recovery
		SET state = $2, attempts = $3, last_attempt_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($6, $7)
	`, id, state, attempts, lastAttemptAt, lastError, models.StateCompleted, models.StateCancelled)
	if err != nil {
		return fmt.Errorf("update transaction state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimRecovering atomically seizes a transaction for one recovery attempt:
// the state moves to RECOVERING and attempts advances by exactly one, but
// only when the caller's observed attempt count still matches and the record
// remains eligible. Concurrent claimants race on this single conditional
// write; the loser sees zero rows and must not dispatch.
func (s *Store) ClaimRecovering(ctx context.Context, id string, expectedAttempts int, lastAttemptAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transaction_recovery
		SET state = $2, attempts = attempts + 1, last_attempt_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND state IN ($4, $5, $6, $7, $8)
		  AND attempts = $9
		  AND attempts < max_attempts
		  AND expires_at > NOW()
	`, id, models.StateRecovering, lastAttemptAt,
		models.StatePending, models.StateProcessing, models.StateAwaitingConfirmation, models.StateConfirmed, models.StateStuck,
		expectedAttempts)
	if err != nil {
		return false, fmt.Errorf("claim recovering: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForceState moves a transaction to the given state regardless of retry
// bookkeeping, still refusing to mutate a terminal record. Returns false
// when the record was already terminal (a no-op for idempotent manual
// intervention).
func (s *Store) ForceState(ctx context.Context, id, state string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transaction_recovery
		SET state = $2, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($3, $4)
	`, id, state, models.StateCompleted, models.StateCancelled)
	if err != nil {
		return false, fmt.Errorf("force transaction state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecoverable returns stuck or stalled transactions eligible for an
// automated recovery sweep, highest priority first, oldest first within a
// priority.
func (s *Store) ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transaction_recovery
		WHERE state IN ($1, $2)
		  AND (last_attempt_at IS NULL OR last_attempt_at < $3)
		  AND attempts < max_attempts
		  AND expires_at > NOW()
		ORDER BY CASE metadata->>'priority'
		    WHEN 'critical' THEN 3
		    WHEN 'high' THEN 2
		    WHEN 'normal' THEN 1
		    ELSE 0
		  END DESC, created_at ASC
		LIMIT $4
	`, models.StateStuck, models.StateProcessing, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list recoverable: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// --- Dead letter ---

// InsertDeadLetter copies a transaction into the dead-letter table. The
// transaction id is the primary key, so a transaction dead-letters at most
// once; a repeat insert is reported as false.
func (s *Store) InsertDeadLetter(ctx context.Context, dl models.DeadLetter) (bool, error) {
	data, err := json.Marshal(dl.Data)
	if err != nil {
		return false, fmt.Errorf("marshal dead letter data: %w", err)
	}
	metadata, err := json.Marshal(dl.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal dead letter metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transaction_dead_letter (id, tenant_id, user_id, type, state, data, idempotency_key, correlation_id, attempts, max_attempts, last_attempt_at, last_error, metadata, expires_at, created_at, updated_at, dead_lettered_at, dead_letter_reason, requires_manual_intervention, escalation_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING
	`, dl.ID, dl.TenantID, dl.UserID, dl.Type, dl.State, data, dl.IdempotencyKey, dl.CorrelationID, dl.Attempts, dl.MaxAttempts, dl.LastAttemptAt, dl.LastError, metadata, dl.ExpiresAt, dl.CreatedAt, dl.UpdatedAt, dl.DeadLetteredAt, dl.DeadLetterReason, dl.RequiresManualIntervention, dl.EscalationLevel)
	if err != nil {
		return false, fmt.Errorf("insert dead letter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDeadLetters returns dead-lettered transactions, optionally only
// unresolved ones, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]models.DeadLetter, error) {
	query := `
		SELECT ` + txColumns + `, dead_lettered_at, dead_letter_reason, requires_manual_intervention, escalation_level
		FROM transaction_dead_letter
	`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY dead_lettered_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		var data, metadata []byte
		var userID, lastErr pgtype.Text
		var lastAttempt pgtype.Timestamptz
		if err := rows.Scan(&dl.ID, &dl.TenantID, &userID, &dl.Type, &dl.State, &data, &dl.IdempotencyKey, &dl.CorrelationID, &dl.Attempts, &dl.MaxAttempts, &lastAttempt, &lastErr, &metadata, &dl.ExpiresAt, &dl.CreatedAt, &dl.UpdatedAt, &dl.DeadLetteredAt, &dl.DeadLetterReason, &dl.RequiresManualIntervention, &dl.EscalationLevel); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.UserID = textPtr(userID)
		dl.LastError = textPtr(lastErr)
		dl.LastAttemptAt = tsPtr(lastAttempt)
		if err := json.Unmarshal(data, &dl.Data); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter data: %w", err)
		}
		if err := json.Unmarshal(metadata, &dl.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter metadata: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ResolveDeadLetter stamps a dead letter as manually resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE transaction_dead_letter SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resolve dead letter %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Interventions ---

// InsertIntervention appends a manual-action audit row.
func (s *Store) InsertIntervention(ctx context.Context, iv models.Intervention) error {
	if iv.ID == "" {
		iv.ID = uuid.New().String()
	}
	var data []byte
	if iv.Data != nil {
		var err error
		data, err = json.Marshal(iv.Data)
		if err != nil {
			return fmt.Errorf("marshal intervention data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transaction_interventions (id, transaction_id, admin_user_id, action, reason, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, iv.ID, iv.TransactionID, iv.AdminUserID, iv.Action, iv.Reason, data)
	if err != nil {
		return fmt.Errorf("insert intervention: %w", err)
	}
	return nil
}

// ListInterventions returns the audit trail for a transaction, oldest first.
func (s *Store) ListInterventions(ctx context.Context, transactionID string) ([]models.Intervention, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, admin_user_id, action, reason, data, created_at
		FROM transaction_interventions WHERE transaction_id = $1 ORDER BY created_at ASC
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list interventions: %w", err)
	}
	defer rows.Close()

	var out []models.Intervention
	for rows.Next() {
		var iv models.Intervention
		var data []byte
		if err := rows.Scan(&iv.ID, &iv.TransactionID, &iv.AdminUserID, &iv.Action, &iv.Reason, &data, &iv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &iv.Data); err != nil {
				return nil, fmt.Errorf("unmarshal intervention data: %w", err)
			}
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var tx models.Transaction
	var data, metadata []byte
	var userID, lastErr pgtype.Text
	var lastAttempt pgtype.Timestamptz

	err := row.Scan(&tx.ID, &tx.TenantID, &userID, &tx.Type, &tx.State, &data, &tx.IdempotencyKey, &tx.CorrelationID, &tx.Attempts, &tx.MaxAttempts, &lastAttempt, &lastErr, &metadata, &tx.ExpiresAt, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Transaction{}, err
		}
		return models.Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	tx.UserID = textPtr(userID)
	tx.LastError = textPtr(lastErr)
	tx.LastAttemptAt = tsPtr(lastAttempt)
	if err := json.Unmarshal(data, &tx.Data); err != nil {
		return models.Transaction{}, fmt.Errorf("unmarshal transaction data: %w", err)
	}
	if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
		return models.Transaction{}, fmt.Errorf("unmarshal transaction metadata: %w", err)
	}
	return tx, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
