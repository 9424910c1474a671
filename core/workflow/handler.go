package workflow

import (
	"context"
	"fmt"
	"sync"
)

// Input carries the merged parameters a handler receives: the step's own
// request params overlaid on the response data of every step named in the
// node's ReadDataFrom, plus routing identity.
type Input struct {
	WorkflowID   string
	WorkflowKind Kind
	StepKind     StepKind
	ClientID     string
	ChainID      string
	Params       map[string]any
	// ExternalRefs maps source step kind to the external reference it
	// recorded, so check-status handlers can locate the action they poll.
	ExternalRefs map[StepKind]string
}

// Result is the tagged outcome of one handler invocation. Business failure
// is a value, not an error: a returned error is treated as a SystemError.
type Result struct {
	Status       Outcome
	ResponseData map[string]any
	ExternalRef  string
	Reason       string
	// Transient marks a failed outcome as retryable; the executor re-queues
	// the same step kind with backoff instead of taking the onFailure edge.
	Transient bool
}

// Done builds a successful result.
func Done(responseData map[string]any) Result {
	return Result{Status: OutcomeDone, ResponseData: responseData}
}

// Pending reports a submitted external action that completes later.
func Pending(externalRef string) Result {
	return Result{Status: OutcomePending, ExternalRef: externalRef}
}

// Failed reports a permanent business failure.
func Failed(reason string) Result {
	return Result{Status: OutcomeFailed, Reason: reason}
}

// TransientFailure reports a retryable failure.
func TransientFailure(reason string) Result {
	return Result{Status: OutcomeFailed, Reason: reason, Transient: true}
}

// Handler executes the business logic of one step kind. Implementations must
// be safely retryable: duplicate dispatch and same-step retries both happen.
type Handler interface {
	Perform(ctx context.Context, in Input) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Input) (Result, error)

func (f HandlerFunc) Perform(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// HandlerRegistry maps (workflowKind, stepKind) to a handler. The registry is
// populated at process start and read-only afterwards; the mutex only guards
// against misuse during composition.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[Kind]map[StepKind]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Kind]map[StepKind]Handler)}
}

// Register binds a handler. Registering the same pair twice is a programming
// error and rejected.
func (r *HandlerRegistry) Register(kind Kind, step StepKind, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for %s/%s", kind, step)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byStep, ok := r.handlers[kind]
	if !ok {
		byStep = make(map[StepKind]Handler)
		r.handlers[kind] = byStep
	}
	if _, exists := byStep[step]; exists {
		return fmt.Errorf("handler already registered for %s/%s", kind, step)
	}
	byStep[step] = h
	return nil
}

// MustRegister is Register that panics, for static composition blocks.
func (r *HandlerRegistry) MustRegister(kind Kind, step StepKind, h Handler) {
	if err := r.Register(kind, step, h); err != nil {
		panic(err)
	}
}

// Lookup resolves the handler for a pair. Terminal marker steps fall back to
// a no-op handler so graphs never need boilerplate registrations for them.
func (r *HandlerRegistry) Lookup(kind Kind, step StepKind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byStep, ok := r.handlers[kind]; ok {
		if h, ok := byStep[step]; ok {
			return h, true
		}
	}
	if step == StepMarkSuccess || step == StepMarkFailure {
		return noopHandler{}, true
	}
	return nil, false
}

type noopHandler struct{}

func (noopHandler) Perform(context.Context, Input) (Result, error) {
	return Done(nil), nil
}
