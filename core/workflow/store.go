package workflow

import (
	"context"
	"time"
)

// StepUpdate carries the fields written alongside a step status transition.
type StepUpdate struct {
	ResponseData map[string]any
	ExternalRef  string
	Reason       string
	NextRetryAt  *time.Time
}

// Store is the durable persistence boundary for workflows and their steps.
// Implementations issue parameterized CRUD plus compare-and-set transitions
// only; all correctness under duplicate delivery rests on CreateStep's
// unique-hash constraint and TransitionStep's CAS.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// TransitionWorkflow moves a workflow between statuses iff it currently
	// holds from; returns ErrConflict otherwise.
	TransitionWorkflow(ctx context.Context, id string, from, to Status) error

	// RequestAbort flags a workflow for abort; honored by the executor on the
	// next advance, never preempting a handler mid-flight.
	RequestAbort(ctx context.Context, id string) error

	// CreateStep persists a step record. If a record with the same unique
	// hash exists it returns that record together with ErrDuplicateStep.
	CreateStep(ctx context.Context, step *WorkflowStep) (*WorkflowStep, error)

	GetStep(ctx context.Context, stepID string) (*WorkflowStep, error)

	// CurrentStep returns the newest step still owning the workflow's
	// traversal (queued, inProgress, pending or retrying), or
	// ErrNoRunnableStep when every step is settled.
	CurrentStep(ctx context.Context, workflowID string) (*WorkflowStep, error)

	// ListSteps returns all steps of a workflow in creation order.
	ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)

	// TransitionStep moves a step from one status to another atomically,
	// applying upd in the same operation. A step no longer in from yields
	// ErrConflict: the caller lost the race and abandons its work.
	TransitionStep(ctx context.Context, stepID string, from, to StepStatus, upd StepUpdate) error

	// ListPendingSteps returns steps pending since before cutoff, oldest
	// first, for the tracker to resolve.
	ListPendingSteps(ctx context.Context, cutoff time.Time, limit int64) ([]*WorkflowStep, error)

	// ListRetryingSteps returns retrying steps whose NextRetryAt has passed.
	ListRetryingSteps(ctx context.Context, due time.Time, limit int64) ([]*WorkflowStep, error)

	// MarkPendingResolved drops a step from the pending scan set once its
	// companion check step has been enqueued. The record itself stays
	// pending: the audit trail is append-only.
	MarkPendingResolved(ctx context.Context, stepID string) error

	AppendTimelineEvent(ctx context.Context, workflowID string, event *TimelineEvent) error
	ListTimelineEvents(ctx context.Context, workflowID string, limit int64) ([]TimelineEvent, error)

	// TryAcquireLock takes a TTL lease used to keep periodic maintenance
	// single-flight across processes.
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}
