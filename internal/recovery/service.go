package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"reliable-ops/internal/config"
	"reliable-ops/internal/models"
	"reliable-ops/internal/telemetry"
)

// Manual intervention actions recorded in the audit log.
const (
	ActionManualComplete = "manual_complete"
	ActionManualCancel   = "manual_cancel"
)

// TransactionStore is the durable persistence consumed by the recovery
// engine.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ClaimRecovering(ctx context.Context, id string, expectedAttempts int, lastAttemptAt time.Time) (bool, error)
	UpdateTransactionState(ctx context.Context, id, state string, attempts int, lastAttemptAt *time.Time, lastError *string) error
	ForceState(ctx context.Context, id, state string) (bool, error)
	ListRecoverable(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)
	InsertDeadLetter(ctx context.Context, dl models.DeadLetter) (bool, error)
	InsertIntervention(ctx context.Context, iv models.Intervention) error
}

// Service drives transactions through the recovery state machine: retry,
// dead-letter escalation, and manual intervention. Every failure path ends
// in a durable record; silent loss is structurally impossible.
type Service struct {
	store    TransactionStore
	registry *Registry
	reporter ErrorReporter

	maxAttempts      int
	deadLetterAfter  int
	managementAmount float64
}

// NewService wires the recovery engine from config and its collaborators.
func NewService(cfg config.Config, store TransactionStore, registry *Registry, reporter ErrorReporter) *Service {
	if reporter == nil {
		reporter = LogReporter{}
	}
	return &Service{
		store:            store,
		registry:         registry,
		reporter:         reporter,
		maxAttempts:      cfg.MaxAttempts,
		deadLetterAfter:  cfg.DeadLetterAfterAttempts,
		managementAmount: cfg.ManagementAmount,
	}
}

// Track persists a new transaction entering the recovery lifecycle. Callers
// use it for any operation that may span multiple attempts or external
// confirmations.
func (s *Service) Track(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if tx.MaxAttempts == 0 {
		tx.MaxAttempts = s.maxAttempts
	}
	return s.store.CreateTransaction(ctx, tx)
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (models.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// Recover attempts one recovery pass over a transaction. Handler failures
// never propagate: they are caught, reported, and converted into a
// not-recovered result. The returned error covers only store I/O.
func (s *Service) Recover(ctx context.Context, id string) (bool, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load transaction: %w", err)
	}
	if !tx.CanRecover(time.Now()) || !models.CanTransition(tx.State, models.StateRecovering) {
		log.Printf("transaction %s not recoverable (state=%s attempts=%d/%d)", tx.ID, tx.State, tx.Attempts, tx.MaxAttempts)
		return false, nil
	}

	// Seize the record with a single conditional write. Another process
	// (a second daemon, or an admin retry racing the sweep) may have
	// claimed it between our read and here; the loser backs off without
	// dispatching, so the handler runs once per attempt and attempts
	// advances by exactly one.
	now := time.Now().UTC()
	claimed, err := s.store.ClaimRecovering(ctx, tx.ID, tx.Attempts, now)
	if err != nil {
		return false, fmt.Errorf("claim recovering: %w", err)
	}
	if !claimed {
		log.Printf("transaction %s already claimed by a concurrent recovery", tx.ID)
		return false, nil
	}
	tx.State = models.StateRecovering
	tx.Attempts++
	tx.LastAttemptAt = &now
	telemetry.RecoveryAttempts.Inc()

	recovered := s.dispatch(ctx, &tx)
	if recovered {
		if err := s.store.UpdateTransactionState(ctx, tx.ID, models.StateCompleted, tx.Attempts, tx.LastAttemptAt, nil); err != nil {
			return false, fmt.Errorf("mark completed: %w", err)
		}
		telemetry.RecoverySuccess.Inc()
		return true, nil
	}

	if tx.Attempts >= s.deadLetterAfter {
		if err := s.MoveToDeadLetter(ctx, tx, fmt.Sprintf("exhausted %d recovery attempts", tx.Attempts), true); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := s.store.UpdateTransactionState(ctx, tx.ID, models.StateStuck, tx.Attempts, tx.LastAttemptAt, tx.LastError); err != nil {
		return false, fmt.Errorf("mark stuck: %w", err)
	}
	return false, nil
}

// dispatch runs the per-type handler, absorbing errors and panics.
func (s *Service) dispatch(ctx context.Context, tx *models.Transaction) (recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("recovery handler panic: %v", r)
			s.noteFailure(ctx, tx, err)
			recovered = false
		}
	}()

	handler, err := s.registry.Lookup(tx.Type)
	if err != nil {
		s.noteFailure(ctx, tx, err)
		return false
	}
	ok, err := handler.AttemptRecovery(ctx, tx)
	if err != nil {
		s.noteFailure(ctx, tx, err)
		return false
	}
	return ok
}

func (s *Service) noteFailure(ctx context.Context, tx *models.Transaction, err error) {
	msg := err.Error()
	tx.LastError = &msg
	log.Printf("recovery of %s failed: %v", tx.ID, err)
	s.reporter.Report(ctx, err, map[string]any{
		"transaction_id": tx.ID,
		"tenant_id":      tx.TenantID,
		"type":           tx.Type,
		"attempts":       tx.Attempts,
	}, SeverityError)
}

// MoveToDeadLetter copies the transaction into the dead-letter store and
// forces the source to FAILED. The copy happens at most once; repeated calls
// for the same transaction are no-ops.
func (s *Service) MoveToDeadLetter(ctx context.Context, tx models.Transaction, reason string, requiresManual bool) error {
	level := EscalationFor(tx, s.managementAmount)
	dl := models.DeadLetter{
		Transaction:                tx,
		DeadLetteredAt:             time.Now().UTC(),
		DeadLetterReason:           reason,
		RequiresManualIntervention: requiresManual,
		EscalationLevel:            level,
	}
	created, err := s.store.InsertDeadLetter(ctx, dl)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := s.store.ForceState(ctx, tx.ID, models.StateFailed); err != nil {
		return fmt.Errorf("force failed state: %w", err)
	}
	if !created {
		return nil
	}

	telemetry.DeadLetters.Inc()
	log.Printf("transaction %s dead-lettered (escalation=%s): %s", tx.ID, level, reason)
	if requiresManual || tx.Metadata.Priority == models.PriorityCritical {
		s.reporter.Report(ctx, errors.New("transaction dead-lettered: "+reason), map[string]any{
			"transaction_id":   tx.ID,
			"tenant_id":        tx.TenantID,
			"type":             tx.Type,
			"escalation_level": level,
			"attempts":         tx.Attempts,
		}, SeverityCritical)
	}
	return nil
}

// EscalationFor routes a dead letter to a human team. It is a pure function
// of priority, type, amount, and attempts, checked in that order.
func EscalationFor(tx models.Transaction, managementAmount float64) string {
	if tx.Metadata.Priority == models.PriorityCritical {
		return models.EscalationManagement
	}
	if tx.Type == models.TypeBitcoinPurchase && tx.Amount() > managementAmount {
		return models.EscalationManagement
	}
	if tx.Attempts >= 5 {
		return models.EscalationEngineering
	}
	return models.EscalationSupport
}

// ManuallyComplete forces a transaction to COMPLETED on an admin's
// authority and records one audit row. Repeating the call on an
// already-terminal record succeeds without writing a duplicate row.
func (s *Service) ManuallyComplete(ctx context.Context, id, adminID, reason string, data map[string]any) error {
	return s.intervene(ctx, id, adminID, reason, models.StateCompleted, ActionManualComplete, data)
}

// ManuallyCancel forces a transaction to CANCELLED on an admin's authority
// and records one audit row. Idempotent like ManuallyComplete.
func (s *Service) ManuallyCancel(ctx context.Context, id, adminID, reason string) error {
	return s.intervene(ctx, id, adminID, reason, models.StateCancelled, ActionManualCancel, nil)
}

func (s *Service) intervene(ctx context.Context, id, adminID, reason, state, action string, data map[string]any) error {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	changed, err := s.store.ForceState(ctx, id, state)
	if err != nil {
		return fmt.Errorf("force %s: %w", state, err)
	}
	if !changed {
		// Already terminal: an admin retry, not a new intervention.
		return nil
	}
	telemetry.Interventions.Inc()
	if err := s.store.InsertIntervention(ctx, models.Intervention{
		TransactionID: id,
		AdminUserID:   adminID,
		Action:        action,
		Reason:        reason,
		Data:          data,
	}); err != nil {
		return fmt.Errorf("record intervention: %w", err)
	}
	log.Printf("transaction %s %s by %s: %s", id, action, adminID, reason)
	return nil
}
