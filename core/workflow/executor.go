package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ostkit/stepflow/core/infra/logging"
	"github.com/ostkit/stepflow/core/infra/metrics"
	"github.com/ostkit/stepflow/core/protocol/wire"
)

const logComponent = "executor"

// Bus publishes step-advancement work items. Delivery is at-least-once;
// the executor relies on the store for idempotency, not on the broker.
type Bus interface {
	Publish(subject string, msg *wire.AdvanceMessage) error
}

// RetryPolicy bounds the same-step retry loop for transient failures.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// Backoff returns the delay before the given retry count runs again.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(initial) * math.Pow(mult, float64(retryCount))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}
	return time.Duration(delay)
}

// Executor drives workflows through their step graphs: it loads the current
// step, invokes the registered handler under a timeout, persists the outcome
// with compare-and-set, and enqueues whatever the graph says comes next. No
// in-memory state survives between steps; a crashed worker loses nothing but
// its in-flight handler call.
type Executor struct {
	store    Store
	graphs   *Registry
	handlers *HandlerRegistry
	bus      Bus
	metrics  metrics.Engine

	handlerTimeout time.Duration
	retry          RetryPolicy

	// OnStepFinished, when set, observes settled steps. For hooks and tests.
	OnStepFinished func(workflowID string, step StepKind, status StepStatus)
}

// Option configures an Executor.
type Option func(*Executor)

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.handlerTimeout = d
		}
	}
}

// WithRetryPolicy sets the transient-failure retry loop bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) { e.retry = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Engine) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// NewExecutor wires the executor to its collaborators. Handlers arrive via
// explicit injection; the executor never knows what a handler does.
func NewExecutor(store Store, graphs *Registry, handlers *HandlerRegistry, bus Bus, opts ...Option) *Executor {
	e := &Executor{
		store:          store,
		graphs:         graphs,
		handlers:       handlers,
		bus:            bus,
		metrics:        metrics.Noop{},
		handlerTimeout: 30 * time.Second,
		retry: RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest describes a new workflow to create.
type StartRequest struct {
	Kind     Kind
	ClientID string
	ChainID  string
	Params   map[string]any
}

// Start creates a workflow with its entry step and dispatches the first
// advancement message. Unknown kinds are rejected synchronously; nothing is
// persisted.
func (e *Executor) Start(ctx context.Context, req StartRequest) (*Workflow, error) {
	g, ok := e.graphs.Graph(req.Kind)
	if !ok {
		return nil, Validationf("kind", "unknown workflow kind %q", req.Kind)
	}
	wf := &Workflow{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		Status:        StatusQueued,
		ClientID:      req.ClientID,
		ChainID:       req.ChainID,
		RequestParams: req.Params,
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	if _, err := e.enqueueStep(ctx, wf, g.Entry, 0, 0, nil); err != nil {
		return nil, err
	}
	logging.Info(logComponent, "workflow started", "workflow_id", wf.ID, "kind", wf.Kind)
	return wf, nil
}

// Abort flags a workflow so the next advance short-circuits to the graph's
// rollback entry. A handler already mid-flight is not preempted.
func (e *Executor) Abort(ctx context.Context, workflowID string) error {
	return e.store.RequestAbort(ctx, workflowID)
}

// Advance runs one step of a workflow. Safe under duplicate delivery and
// concurrent invocation: the first compare-and-set to inProgress wins and
// every other caller returns nil having done nothing.
func (e *Executor) Advance(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			logging.Warn(logComponent, "advance for unknown workflow", "workflow_id", workflowID)
			return nil
		}
		return fmt.Errorf("get workflow: %w", err)
	}
	if !wf.Active() {
		return nil
	}
	g, ok := e.graphs.Graph(wf.Kind)
	if !ok {
		logging.Error(logComponent, "no graph for workflow kind", "workflow_id", wf.ID, "kind", wf.Kind)
		return nil
	}

	step, err := e.store.CurrentStep(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrNoRunnableStep) {
			// Stale duplicate message; the work it announced is done.
			return nil
		}
		return fmt.Errorf("current step: %w", err)
	}
	switch step.Status {
	case StepStatusInProgress:
		return nil // another worker owns it
	case StepStatusPending:
		return nil // waiting on the tracker
	case StepStatusRetrying:
		if step.NextRetryAt != nil && step.NextRetryAt.After(time.Now().UTC()) {
			return nil // not due yet
		}
	}

	if wf.AbortRequested && e.shouldAbort(g, step) {
		return e.abortStep(ctx, wf, g, step)
	}

	node, ok := g.Node(step.Kind)
	if !ok {
		// A step kind outside the graph can never advance; fail it forward.
		logging.Error(logComponent, "step kind not in graph", "workflow_id", wf.ID, "step_kind", step.Kind)
		return e.settleFailure(ctx, wf, g, step, nil, Failed(ReasonSystemError))
	}

	if err := e.store.TransitionStep(ctx, step.ID, step.Status, StepStatusInProgress, StepUpdate{}); err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.IncStepConflict(string(wf.Kind))
			return nil // lost the race; the winner owns the step
		}
		return fmt.Errorf("claim step: %w", err)
	}
	// First step claim moves the workflow out of queued.
	if wf.Status == StatusQueued {
		if err := e.store.TransitionWorkflow(ctx, wf.ID, StatusQueued, StatusInProgress); err != nil && !errors.Is(err, ErrConflict) {
			logging.Error(logComponent, "workflow to inProgress", "workflow_id", wf.ID, "error", err)
		}
	}
	e.appendEvent(ctx, wf.ID, step, StepStatusInProgress, "")

	in, err := e.buildInput(ctx, wf, node, step)
	if err != nil {
		logging.Error(logComponent, "build step input", "workflow_id", wf.ID, "step_kind", step.Kind, "error", err)
		return e.settleFailure(ctx, wf, g, step, node, Failed(ReasonSystemError))
	}

	res := e.invoke(ctx, wf, node, step, in)
	switch res.Status {
	case OutcomeDone:
		return e.settleDone(ctx, wf, g, step, node, res)
	case OutcomePending:
		return e.settlePending(ctx, wf, step, res)
	default:
		return e.settleFailure(ctx, wf, g, step, node, res)
	}
}

// invoke runs the handler under a bounded timeout, normalizing every fault
// (missing handler, error return, panic, deadline) to a failed outcome so
// the state machine never stalls on an uncaught fault.
func (e *Executor) invoke(ctx context.Context, wf *Workflow, node *Node, step *WorkflowStep, in Input) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(logComponent, "handler panic", "workflow_id", wf.ID, "step_kind", step.Kind, "panic", fmt.Sprintf("%v", r))
			res = Failed(ReasonSystemError)
		}
	}()

	h, ok := e.handlers.Lookup(wf.Kind, step.Kind)
	if !ok {
		logging.Error(logComponent, "no handler registered", "workflow_kind", wf.Kind, "step_kind", step.Kind)
		return Failed(ReasonSystemError)
	}

	timeout := e.handlerTimeout
	if node != nil && node.TimeoutSec > 0 {
		timeout = time.Duration(node.TimeoutSec) * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out, err := h.Perform(hctx, in)
	e.metrics.ObserveHandlerDuration(string(wf.Kind), string(step.Kind), time.Since(started).Seconds())
	if err != nil {
		reason := ReasonSystemError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonHandlerTimeout
		}
		logging.Error(logComponent, "handler error", "workflow_id", wf.ID, "step_kind", step.Kind, "error", err)
		return Failed(reason)
	}
	switch out.Status {
	case OutcomeDone, OutcomePending, OutcomeFailed:
		return out
	default:
		logging.Error(logComponent, "handler returned unknown outcome", "workflow_id", wf.ID, "step_kind", step.Kind, "outcome", string(out.Status))
		return Failed(ReasonSystemError)
	}
}

// buildInput merges the step's own params over the response data of every
// step named in the node's ReadDataFrom, newest attempt first.
func (e *Executor) buildInput(ctx context.Context, wf *Workflow, node *Node, step *WorkflowStep) (Input, error) {
	in := Input{
		WorkflowID:   wf.ID,
		WorkflowKind: wf.Kind,
		StepKind:     step.Kind,
		ClientID:     wf.ClientID,
		ChainID:      wf.ChainID,
		Params:       map[string]any{},
		ExternalRefs: map[StepKind]string{},
	}
	for k, v := range wf.RequestParams {
		in.Params[k] = v
	}
	if node != nil && len(node.ReadDataFrom) > 0 {
		all, err := e.store.ListSteps(ctx, wf.ID)
		if err != nil {
			return in, fmt.Errorf("list steps: %w", err)
		}
		latest := map[StepKind]*WorkflowStep{}
		for _, s := range all {
			if s.Status != StepStatusDone && s.Status != StepStatusPending {
				continue
			}
			if prev, ok := latest[s.Kind]; !ok || s.Seq > prev.Seq {
				latest[s.Kind] = s
			}
		}
		for _, src := range node.ReadDataFrom {
			s, ok := latest[src]
			if !ok {
				continue
			}
			for k, v := range s.ResponseData {
				in.Params[k] = v
			}
			if s.ExternalRef != "" {
				in.ExternalRefs[src] = s.ExternalRef
			}
		}
	}
	for k, v := range step.RequestParams {
		in.Params[k] = v
	}
	return in, nil
}

func (e *Executor) settleDone(ctx context.Context, wf *Workflow, g *Graph, step *WorkflowStep, node *Node, res Result) error {
	if err := e.store.TransitionStep(ctx, step.ID, StepStatusInProgress, StepStatusDone, StepUpdate{ResponseData: res.ResponseData}); err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.IncStepConflict(string(wf.Kind))
			return nil
		}
		return fmt.Errorf("persist done: %w", err)
	}
	e.metrics.IncStepExecuted(string(wf.Kind), string(step.Kind), string(OutcomeDone))
	e.appendEvent(ctx, wf.ID, step, StepStatusDone, "")
	e.notifyFinished(wf.ID, step.Kind, StepStatusDone)

	if node.Terminal != TerminalNone {
		return e.finalize(ctx, wf, node.Terminal)
	}
	for _, next := range g.Next(step.Kind, OutcomeDone) {
		if _, err := e.enqueueStep(ctx, wf, next, 0, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) settlePending(ctx context.Context, wf *Workflow, step *WorkflowStep, res Result) error {
	if err := e.store.TransitionStep(ctx, step.ID, StepStatusInProgress, StepStatusPending, StepUpdate{
		ExternalRef:  res.ExternalRef,
		ResponseData: res.ResponseData,
	}); err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.IncStepConflict(string(wf.Kind))
			return nil
		}
		return fmt.Errorf("persist pending: %w", err)
	}
	e.metrics.IncStepExecuted(string(wf.Kind), string(step.Kind), string(OutcomePending))
	e.appendEvent(ctx, wf.ID, step, StepStatusPending, res.ExternalRef)
	// No next step here: the tracker owns resolution via the check-status node.
	return nil
}

func (e *Executor) settleFailure(ctx context.Context, wf *Workflow, g *Graph, step *WorkflowStep, node *Node, res Result) error {
	reason := res.Reason
	if reason == "" {
		reason = ReasonSystemError
	}
	if err := e.store.TransitionStep(ctx, step.ID, StepStatusInProgress, StepStatusFailed, StepUpdate{Reason: reason}); err != nil {
		if errors.Is(err, ErrConflict) {
			e.metrics.IncStepConflict(string(wf.Kind))
			return nil
		}
		return fmt.Errorf("persist failed: %w", err)
	}
	e.metrics.IncStepExecuted(string(wf.Kind), string(step.Kind), string(OutcomeFailed))
	e.appendEvent(ctx, wf.ID, step, StepStatusFailed, reason)
	e.notifyFinished(wf.ID, step.Kind, StepStatusFailed)

	// Transient failures retry the same step kind with backoff before the
	// failure edge is considered.
	if res.Transient && step.RetryCount < e.retry.MaxRetries {
		due := time.Now().UTC().Add(e.retry.Backoff(step.RetryCount))
		_, err := e.enqueueRetry(ctx, wf, step.Kind, step.Attempt+1, step.RetryCount+1, &due)
		return err
	}

	if node == nil || node.Terminal != TerminalNone {
		// A failing terminal marker still must not stall the workflow.
		return e.finalize(ctx, wf, TerminalFailure)
	}
	for _, next := range g.Next(step.Kind, OutcomeFailed) {
		if _, err := e.enqueueStep(ctx, wf, next, 0, 0, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) shouldAbort(g *Graph, step *WorkflowStep) bool {
	if g.AbortEntry == "" || step.Status != StepStatusQueued {
		return false
	}
	if step.Kind == g.AbortEntry {
		return false
	}
	node, ok := g.Node(step.Kind)
	if !ok || node.Terminal != TerminalNone {
		return false
	}
	// Steps already on the rollback chain keep going.
	return !reachableFrom(g, g.AbortEntry, step.Kind)
}

func (e *Executor) abortStep(ctx context.Context, wf *Workflow, g *Graph, step *WorkflowStep) error {
	if err := e.store.TransitionStep(ctx, step.ID, step.Status, StepStatusFailed, StepUpdate{Reason: ReasonAborted}); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil
		}
		return fmt.Errorf("abort step: %w", err)
	}
	e.appendEvent(ctx, wf.ID, step, StepStatusFailed, ReasonAborted)
	logging.Info(logComponent, "workflow abort honored", "workflow_id", wf.ID, "step_kind", step.Kind)
	_, err := e.enqueueStep(ctx, wf, g.AbortEntry, 0, 0, nil)
	return err
}

// enqueueStep creates the next step record (idempotent under duplicate
// delivery) and dispatches its advancement message.
func (e *Executor) enqueueStep(ctx context.Context, wf *Workflow, kind StepKind, attempt, retryCount int, nextRetryAt *time.Time) (*WorkflowStep, error) {
	step := &WorkflowStep{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Kind:        kind,
		Status:      StepStatusQueued,
		Attempt:     attempt,
		RetryCount:  retryCount,
		NextRetryAt: nextRetryAt,
		UniqueHash:  UniqueHash(wf.ID, kind, attempt),
	}
	created, err := e.store.CreateStep(ctx, step)
	if errors.Is(err, ErrDuplicateStep) {
		// Someone else already created it; re-dispatch is harmless.
		step = created
	} else if err != nil {
		return nil, fmt.Errorf("create step %s: %w", kind, err)
	} else {
		step = created
		e.appendEvent(ctx, wf.ID, step, step.Status, "")
	}
	if err := e.dispatch(wf, step); err != nil {
		return nil, err
	}
	return step, nil
}

// enqueueRetry creates a retrying row dispatched by the tracker once due.
func (e *Executor) enqueueRetry(ctx context.Context, wf *Workflow, kind StepKind, attempt, retryCount int, due *time.Time) (*WorkflowStep, error) {
	step := &WorkflowStep{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Kind:        kind,
		Status:      StepStatusRetrying,
		Attempt:     attempt,
		RetryCount:  retryCount,
		NextRetryAt: due,
		UniqueHash:  UniqueHash(wf.ID, kind, attempt),
	}
	created, err := e.store.CreateStep(ctx, step)
	if errors.Is(err, ErrDuplicateStep) {
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create retry step %s: %w", kind, err)
	}
	e.appendEvent(ctx, wf.ID, created, created.Status, "")
	return created, nil
}

func (e *Executor) dispatch(wf *Workflow, step *WorkflowStep) error {
	msg := &wire.AdvanceMessage{
		WorkflowID:   wf.ID,
		StepID:       step.ID,
		WorkflowKind: string(wf.Kind),
		StepKind:     string(step.Kind),
		Attempt:      step.Attempt,
	}
	if err := e.bus.Publish(wire.SubjectAdvance, msg); err != nil {
		logging.Error(logComponent, "publish advance", "workflow_id", wf.ID, "step_kind", step.Kind, "error", err)
		return fmt.Errorf("publish advance: %w", err)
	}
	return nil
}

func (e *Executor) finalize(ctx context.Context, wf *Workflow, terminal TerminalClass) error {
	status := StatusCompleted
	if terminal == TerminalFailure {
		status = StatusFailed
	}
	if err := e.store.TransitionWorkflow(ctx, wf.ID, StatusInProgress, status); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil // someone else finalized
		}
		return fmt.Errorf("finalize workflow: %w", err)
	}
	e.metrics.IncWorkflowCompleted(string(wf.Kind), string(status))
	logging.Info(logComponent, "workflow finished", "workflow_id", wf.ID, "kind", wf.Kind, "status", string(status))
	return nil
}

func (e *Executor) appendEvent(ctx context.Context, workflowID string, step *WorkflowStep, status StepStatus, msg string) {
	err := e.store.AppendTimelineEvent(ctx, workflowID, &TimelineEvent{
		StepID:   step.ID,
		StepKind: step.Kind,
		Status:   status,
		Message:  msg,
	})
	if err != nil {
		logging.Error(logComponent, "append timeline event", "workflow_id", workflowID, "error", err)
	}
}

func (e *Executor) notifyFinished(workflowID string, kind StepKind, status StepStatus) {
	if e.OnStepFinished != nil {
		e.OnStepFinished(workflowID, kind, status)
	}
}

func reachableFrom(g *Graph, from, target StepKind) bool {
	seen := map[StepKind]bool{}
	var walk func(StepKind) bool
	walk = func(kind StepKind) bool {
		if kind == target {
			return true
		}
		if seen[kind] {
			return false
		}
		seen[kind] = true
		n, ok := g.Node(kind)
		if !ok {
			return false
		}
		for _, next := range n.OnSuccess {
			if walk(next) {
				return true
			}
		}
		if n.OnFailure != "" {
			return walk(n.OnFailure)
		}
		return false
	}
	return walk(from)
}
