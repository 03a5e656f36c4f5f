package models

import (
	"time"
)

// TxState enumerates transaction lifecycle states persisted in Postgres.
const (
	StatePending              = "PENDING"
	StateProcessing           = "PROCESSING"
	StateAwaitingConfirmation = "AWAITING_CONFIRMATION"
	StateConfirmed            = "CONFIRMED"
	StateCompleted            = "COMPLETED"
	StateStuck                = "STUCK"
	StateRecovering           = "RECOVERING"
	StateFailed               = "FAILED"
	StateCancelled            = "CANCELLED"
)

// TxType enumerates the long-running operations tracked for recovery.
const (
	TypeBitcoinPurchase       = "bitcoin_purchase"
	TypePaymentProcessing     = "payment_processing"
	TypeWebhookProcessing     = "webhook_processing"
	TypeTreasuryRuleExecution = "treasury_rule_execution"
)

// Priority levels, low to critical.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// EscalationLevel routes a dead-lettered transaction to a human team.
const (
	EscalationSupport     = "support"
	EscalationEngineering = "engineering"
	EscalationManagement  = "management"
)

// TxMetadata carries scheduling hints persisted alongside the payload.
type TxMetadata struct {
	Priority string   `json:"priority"`
	Tags     []string `json:"tags,omitempty"`
}

// Transaction represents a long-running financial operation tracked through
// the recovery lifecycle.
type Transaction struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	UserID         *string        `json:"user_id,omitempty"`
	Type           string         `json:"type"`
	State          string         `json:"state"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotency_key"`
	CorrelationID  string         `json:"correlation_id"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	Metadata       TxMetadata     `json:"metadata"`
	ExpiresAt      time.Time      `json:"expires_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DeadLetter is a terminal copy of a transaction that exhausted automated
// retry. It persists until manually resolved.
type DeadLetter struct {
	Transaction
	DeadLetteredAt             time.Time `json:"dead_lettered_at"`
	DeadLetterReason           string    `json:"dead_letter_reason"`
	RequiresManualIntervention bool      `json:"requires_manual_intervention"`
	EscalationLevel            string    `json:"escalation_level"`
}

// Intervention is an audit row for a manual admin action on a transaction.
type Intervention struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	AdminUserID   string         `json:"admin_user_id"`
	Action        string         `json:"action"`
	Reason        string         `json:"reason"`
	Data          map[string]any `json:"data,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsTerminal reports whether a state permits no further mutation.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateCancelled
}

var transitions = map[string][]string{
	StatePending:              {StateProcessing, StateStuck, StateRecovering, StateCancelled},
	StateProcessing:           {StateAwaitingConfirmation, StateCompleted, StateStuck, StateRecovering, StateCancelled},
	StateAwaitingConfirmation: {StateConfirmed, StateStuck, StateRecovering, StateCancelled},
	StateConfirmed:            {StateCompleted, StateStuck, StateRecovering, StateCancelled},
	StateStuck:                {StateRecovering, StateCancelled},
	StateRecovering:           {StateProcessing, StateCompleted, StateStuck, StateFailed, StateCancelled},
	StateFailed:               {StateCancelled},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PriorityRank orders priorities, highest first, for scheduler sweeps.
func PriorityRank(p string) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// CanRecover reports whether a transaction is still eligible for automated
// recovery: not terminal, not expired, attempts remaining.
func (t Transaction) CanRecover(now time.Time) bool {
	if IsTerminal(t.State) || t.State == StateFailed {
		return false
	}
	if !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(now) {
		return false
	}
	return t.Attempts < t.MaxAttempts
}

// Amount extracts the monetary amount from the payload when present. Used by
// escalation routing for large purchases.
func (t Transaction) Amount() float64 {
	switch v := t.Data["amount"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
