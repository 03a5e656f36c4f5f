package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus enumerates the lifecycle of a keyed operation record.
const (
	IdempotencyPending   = "pending"
	IdempotencyCompleted = "completed"
	IdempotencyFailed    = "failed"
)

// IdempotencyMetadata carries request-scoped context persisted with a record.
type IdempotencyMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	RequestHash   string `json:"request_hash,omitempty"`
	ClientInfo    string `json:"client_info,omitempty"`
}

// IdempotencyRecord is the durable witness of a keyed operation. The key is
// composed as "tenant:operation-key" and is unique; while status is pending
// the record represents an in-flight execution, and once completed or failed
// it is immutable until expiry deletion.
type IdempotencyRecord struct {
	Key           string              `json:"key"`
	TenantID      string              `json:"tenant_id"`
	OperationType string              `json:"operation_type"`
	Status        string              `json:"status"`
	Result        json.RawMessage     `json:"result,omitempty"`
	Error         *string             `json:"error,omitempty"`
	ErrorKind     *string             `json:"error_kind,omitempty"`
	Metadata      IdempotencyMetadata `json:"metadata"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

// Expired reports whether the record's TTL has elapsed. Expired records are
// treated as absent by the idempotency manager.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// FullKey composes the tenant-scoped idempotency key.
func FullKey(tenantID, key string) string {
	return tenantID + ":" + key
}
