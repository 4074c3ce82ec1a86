// Package invoker dispatches clean business payloads to handler code.
// The original system picked a handler by reflectively probing several
// constructor shapes at runtime; this package replaces that with an
// explicit registration table keyed by (service, operation, arity),
// matched exactly rather than guessed. See design note in SPEC_FULL.md.
package invoker

import (
	"context"
	"fmt"
	"time"

	"tokenflow.evalgo.org/common"
	"tokenflow.evalgo.org/errs"
	"tokenflow.evalgo.org/token"
)

// Handler is business logic for one (service, operation) pair. payloads
// has exactly the registered arity's length - the Invoker enforces this
// before calling Handle.
type Handler interface {
	Handle(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, payloads []map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, payloads)
}

type regKey struct {
	Service   string
	Operation string
	Arity     int
}

// Registry is the explicit dispatch table: one handler per
// (service, operation, arity).
type Registry struct {
	handlers map[regKey]Handler
}

// NewRegistry returns an empty dispatch table.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[regKey]Handler)}
}

// Register installs h for (service, operation) at the given arity. A
// later call for the same key replaces the earlier one.
func (r *Registry) Register(service, operation string, arity int, h Handler) {
	r.handlers[regKey{Service: service, Operation: operation, Arity: arity}] = h
}

func (r *Registry) lookup(service, operation string, arity int) (Handler, bool) {
	h, ok := r.handlers[regKey{Service: service, Operation: operation, Arity: arity}]
	return h, ok
}

// Invoker calls the registered handler for a token's (service,
// operation) pair, stamping service_start_time/service_end_time/
// service_processing_time_ms onto the envelope around the call.
type Invoker struct {
	registry *Registry
}

// New returns an Invoker dispatching through registry.
func New(registry *Registry) *Invoker {
	return &Invoker{registry: registry}
}

// Invoke dispatches payloads (already arity-matched clean business
// payloads, one per fork/join participant) to the handler registered
// for tok's (service, operation, len(payloads)). A failure to find a
// handler is ErrNoHandler; an arity mismatch at registration time is
// caught here as ErrArityMismatch; a handler failure is wrapped in
// ErrInvocationFailed and bubbles as a synthetic error result the
// enricher will route onward rather than abort the workflow.
func (inv *Invoker) Invoke(ctx context.Context, tok *token.Envelope, payloads []map[string]interface{}) (map[string]interface{}, error) {
	handler, ok := inv.registry.lookup(tok.ServiceName, tok.OperationName, len(payloads))
	if !ok {
		for k := range inv.registry.handlers {
			if k.Service == tok.ServiceName && k.Operation == tok.OperationName {
				return nil, fmt.Errorf("%w: %s/%s registered arity=%d, got %d", errs.ErrArityMismatch, tok.ServiceName, tok.OperationName, k.Arity, len(payloads))
			}
		}
		return nil, fmt.Errorf("%w: %s/%s arity=%d", errs.ErrNoHandler, tok.ServiceName, tok.OperationName, len(payloads))
	}

	log := common.NodeLogger(tok.ServiceName, tok.ServiceName, tok.OperationName, tok.SequenceID)

	start := time.Now()
	tok.ServiceStartTime = start

	result, err := handler.Handle(ctx, payloads)

	end := time.Now()
	tok.ServiceEndTime = end
	tok.ServiceProcessingMS = end.Sub(start).Milliseconds()

	if err != nil {
		log.WithError(err).Error("business invocation failed")
		return nil, fmt.Errorf("%w: %v", errs.ErrInvocationFailed, err)
	}

	log.Debugf("invocation completed in %dms", tok.ServiceProcessingMS)
	return result, nil
}
