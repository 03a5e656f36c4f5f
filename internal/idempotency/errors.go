package idempotency

import (
	"errors"
	"fmt"
	"time"
)

// ConflictError is returned when the lock could not be acquired and no
// resolving record appeared before the wait timeout.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency conflict on key %s", e.Key)
}

// TimeoutError is returned when a caller waited past the timeout for a
// pending record to resolve.
type TimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for pending record %s", e.Waited, e.Key)
}

// ReplayedError is reconstructed from a failed record for every caller after
// the first. The kind tag survives the round trip through the store so
// callers can branch on it without parsing messages.
type ReplayedError struct {
	Kind    string
	Message string
}

func (e *ReplayedError) Error() string {
	return e.Message
}

// Kinder lets operation errors carry a kind tag into the failed record.
type Kinder interface {
	ErrorKind() string
}

const defaultErrorKind = "error"

func kindOf(err error) string {
	var k Kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return defaultErrorKind
}
