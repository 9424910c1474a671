package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ostkit/stepflow/core/infra/logging"
	"github.com/ostkit/stepflow/core/infra/metrics"
	"github.com/ostkit/stepflow/core/protocol/wire"
)

const trackerComponent = "pending-tracker"

// PendingActionTracker bridges externally-asynchronous actions back into the
// step graph. It periodically scans for steps that went pending (an action
// was submitted and completes later) and enqueues the graph's companion
// check-status step; a check step that is itself still pending is re-polled
// with a delay up to a bounded number of polls. It also re-dispatches
// retrying steps whose backoff has elapsed.
type PendingActionTracker struct {
	store   Store
	graphs  *Registry
	bus     Bus
	metrics metrics.Tracker

	pendingAge   time.Duration
	pollInterval time.Duration
	pollDelay    time.Duration
	maxPolls     int
	scanLimit    int64
	lockKey      string
	lockTTL      time.Duration
}

// TrackerOption configures a PendingActionTracker.
type TrackerOption func(*PendingActionTracker)

// WithPendingAge sets how long a step must be pending before the check step
// is enqueued.
func WithPendingAge(d time.Duration) TrackerOption {
	return func(t *PendingActionTracker) {
		if d > 0 {
			t.pendingAge = d
		}
	}
}

// WithPollInterval sets the scan cadence.
func WithPollInterval(d time.Duration) TrackerOption {
	return func(t *PendingActionTracker) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithPollDelay sets the delay between re-polls of a pending check step.
func WithPollDelay(d time.Duration) TrackerOption {
	return func(t *PendingActionTracker) {
		if d > 0 {
			t.pollDelay = d
		}
	}
}

// WithTrackerMaxPolls bounds re-polls of a pending check step before the
// failure edge is taken.
func WithTrackerMaxPolls(n int) TrackerOption {
	return func(t *PendingActionTracker) {
		if n > 0 {
			t.maxPolls = n
		}
	}
}

// WithTrackerMetrics sets the metrics sink.
func WithTrackerMetrics(m metrics.Tracker) TrackerOption {
	return func(t *PendingActionTracker) {
		if m != nil {
			t.metrics = m
		}
	}
}

// NewPendingActionTracker wires a tracker to the store, graphs and bus.
func NewPendingActionTracker(store Store, graphs *Registry, bus Bus, opts ...TrackerOption) *PendingActionTracker {
	t := &PendingActionTracker{
		store:        store,
		graphs:       graphs,
		bus:          bus,
		metrics:      metrics.Noop{},
		pendingAge:   30 * time.Second,
		pollInterval: 15 * time.Second,
		pollDelay:    30 * time.Second,
		maxPolls:     20,
		scanLimit:    200,
		lockKey:      "tracker:tick",
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lockTTL = 2 * t.pollInterval
	return t
}

// Start runs the scan loop until the context ends. Ticks are single-flight
// across processes via a store lease.
func (t *PendingActionTracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := t.store.TryAcquireLock(ctx, t.lockKey, t.lockTTL)
			if err != nil {
				logging.Error(trackerComponent, "lock acquisition failed", "error", err)
				continue
			}
			if !ok {
				continue
			}
			t.tick(ctx)
			_ = t.store.ReleaseLock(ctx, t.lockKey)
		}
	}
}

func (t *PendingActionTracker) tick(ctx context.Context) {
	now := time.Now().UTC()
	t.resolvePending(ctx, now.Add(-t.pendingAge))
	t.dispatchDueRetries(ctx, now)
}

func (t *PendingActionTracker) resolvePending(ctx context.Context, cutoff time.Time) {
	steps, err := t.store.ListPendingSteps(ctx, cutoff, t.scanLimit)
	if err != nil {
		logging.Error(trackerComponent, "list pending steps failed", "error", err)
		return
	}
	for _, step := range steps {
		if err := t.resolveStep(ctx, step); err != nil {
			logging.Error(trackerComponent, "resolve pending step failed", "workflow_id", step.WorkflowID, "step_kind", step.Kind, "error", err)
		}
	}
}

// resolveStep decides how one pending step re-enters the graph: via the
// check-status node the graph pairs it with, by re-polling the same kind when
// the node declares no check step, or by the failure edge once the poll
// budget is spent.
func (t *PendingActionTracker) resolveStep(ctx context.Context, step *WorkflowStep) error {
	wf, err := t.store.GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return t.store.MarkPendingResolved(ctx, step.ID)
		}
		return err
	}
	if !wf.Active() {
		return t.store.MarkPendingResolved(ctx, step.ID)
	}
	g, ok := t.graphs.Graph(wf.Kind)
	if !ok {
		logging.Error(trackerComponent, "no graph for workflow kind", "workflow_id", wf.ID, "kind", wf.Kind)
		return t.store.MarkPendingResolved(ctx, step.ID)
	}
	node, ok := g.Node(step.Kind)
	if !ok {
		logging.Error(trackerComponent, "pending step kind not in graph", "workflow_id", wf.ID, "step_kind", step.Kind)
		return t.store.MarkPendingResolved(ctx, step.ID)
	}

	if node.CheckStep != "" {
		if err := t.enqueue(ctx, wf, node.CheckStep, 0, 0, nil); err != nil {
			return err
		}
		t.metrics.IncPendingResolved(string(wf.Kind))
		return t.store.MarkPendingResolved(ctx, step.ID)
	}

	if step.RetryCount < t.maxPolls {
		due := time.Now().UTC().Add(t.pollDelay)
		if err := t.enqueue(ctx, wf, step.Kind, step.Attempt+1, step.RetryCount+1, &due); err != nil {
			return err
		}
		t.metrics.IncPendingResolved(string(wf.Kind))
		return t.store.MarkPendingResolved(ctx, step.ID)
	}

	// Poll budget exhausted: take the failure edge.
	logging.Warn(trackerComponent, "poll budget exhausted", "workflow_id", wf.ID, "step_kind", step.Kind, "polls", step.RetryCount)
	if node.OnFailure != "" {
		if err := t.enqueue(ctx, wf, node.OnFailure, 0, 0, nil); err != nil {
			return err
		}
	}
	return t.store.MarkPendingResolved(ctx, step.ID)
}

func (t *PendingActionTracker) dispatchDueRetries(ctx context.Context, now time.Time) {
	steps, err := t.store.ListRetryingSteps(ctx, now, t.scanLimit)
	if err != nil {
		logging.Error(trackerComponent, "list retrying steps failed", "error", err)
		return
	}
	for _, step := range steps {
		wf, err := t.store.GetWorkflow(ctx, step.WorkflowID)
		if err != nil || !wf.Active() {
			continue
		}
		msg := &wire.AdvanceMessage{
			WorkflowID:   step.WorkflowID,
			StepID:       step.ID,
			WorkflowKind: string(wf.Kind),
			StepKind:     string(step.Kind),
			Attempt:      step.Attempt,
		}
		if err := t.bus.Publish(wire.SubjectAdvance, msg); err != nil {
			logging.Error(trackerComponent, "publish retry advance", "workflow_id", step.WorkflowID, "step_kind", step.Kind, "error", err)
			continue
		}
		t.metrics.IncRetryDispatched(string(wf.Kind))
	}
}

// enqueue creates a step (idempotent) and dispatches it. A delayed step is
// created retrying and picked up by the retry scan once due.
func (t *PendingActionTracker) enqueue(ctx context.Context, wf *Workflow, kind StepKind, attempt, retryCount int, due *time.Time) error {
	status := StepStatusQueued
	if due != nil {
		status = StepStatusRetrying
	}
	step := &WorkflowStep{
		ID:          uuid.NewString(),
		WorkflowID:  wf.ID,
		Kind:        kind,
		Status:      status,
		Attempt:     attempt,
		RetryCount:  retryCount,
		NextRetryAt: due,
		UniqueHash:  UniqueHash(wf.ID, kind, attempt),
	}
	created, err := t.store.CreateStep(ctx, step)
	if errors.Is(err, ErrDuplicateStep) {
		step = created
	} else if err != nil {
		return err
	} else {
		step = created
	}
	if step.Status != StepStatusQueued {
		return nil
	}
	return t.bus.Publish(wire.SubjectAdvance, &wire.AdvanceMessage{
		WorkflowID:   wf.ID,
		StepID:       step.ID,
		WorkflowKind: string(wf.Kind),
		StepKind:     string(step.Kind),
		Attempt:      step.Attempt,
	})
}
