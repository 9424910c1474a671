package workflow

import (
	"context"
	"time"

	natbus "github.com/ostkit/stepflow/core/infra/bus"
	"github.com/ostkit/stepflow/core/infra/logging"
	"github.com/ostkit/stepflow/core/protocol/wire"
)

// Subscriber consumes advancement messages. Queue-group semantics ensure one
// worker per message; redelivery semantics are whatever the bus offers.
type Subscriber interface {
	Subscribe(subject, queue string, handler func(*wire.AdvanceMessage) error) error
}

// Worker binds a bus subscription to an executor. Any number of workers may
// run across processes; the store's CAS transitions keep them from stepping
// on each other.
type Worker struct {
	exec       *Executor
	bus        Subscriber
	retryDelay time.Duration
}

// NewWorker creates a worker around an executor.
func NewWorker(exec *Executor, bus Subscriber) *Worker {
	return &Worker{exec: exec, bus: bus, retryDelay: 2 * time.Second}
}

// Start subscribes to the advance subject with the shared queue group.
// Store or dispatch failures request redelivery instead of dropping the
// message; everything else the executor already normalized.
func (w *Worker) Start(ctx context.Context) error {
	return w.bus.Subscribe(wire.SubjectAdvance, wire.QueueWorkers, func(msg *wire.AdvanceMessage) error {
		if err := w.exec.Advance(ctx, msg.WorkflowID); err != nil {
			logging.Error("worker", "advance failed", "workflow_id", msg.WorkflowID, "step_kind", msg.StepKind, "error", err)
			return natbus.RetryAfter(err, w.retryDelay)
		}
		return nil
	})
}
