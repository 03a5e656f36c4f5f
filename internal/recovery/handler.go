package recovery

import (
	"context"
	"fmt"

	"reliable-ops/internal/models"
)

// Handler reconciles a stuck transaction with its authoritative system of
// record (exchange order status, payment-processor status, webhook
// redelivery, rule re-execution) and reports whether it recovered. Handlers
// live outside this core; one is registered per transaction type.
type Handler interface {
	AttemptRecovery(ctx context.Context, tx *models.Transaction) (bool, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tx *models.Transaction) (bool, error)

func (f HandlerFunc) AttemptRecovery(ctx context.Context, tx *models.Transaction) (bool, error) {
	return f(ctx, tx)
}

// Registry maps transaction types to their recovery handlers. New types are
// added by registration, not by modifying the dispatch.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a transaction type.
func (r *Registry) Register(txType string, h Handler) {
	if txType == "" || h == nil {
		return
	}
	r.handlers[txType] = h
}

// Lookup resolves the handler for a type.
func (r *Registry) Lookup(txType string) (Handler, error) {
	h, ok := r.handlers[txType]
	if !ok {
		return nil, fmt.Errorf("no recovery handler registered for type %q", txType)
	}
	return h, nil
}
