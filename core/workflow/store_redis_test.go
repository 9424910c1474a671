package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(srv.Close)
	store, err := NewRedisStore("redis://" + srv.Addr())
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWorkflowCreateGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		ID:            "wf-1",
		Kind:          KindAuthorizeDevice,
		ClientID:      "client-1",
		ChainID:       "1409",
		RequestParams: map[string]any{"device_address": "0xdead"},
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	if wf.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", wf.Status)
	}

	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != KindAuthorizeDevice || got.ClientID != "client-1" {
		t.Fatalf("mismatch: %+v", got)
	}
	if got.RequestParams["device_address"] != "0xdead" {
		t.Fatalf("params lost: %+v", got.RequestParams)
	}

	// A second create of the same ID is a conflict, not an upsert.
	if err := store.CreateWorkflow(ctx, wf); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkflowTransitionCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: "wf-2", Kind: KindSetupUser}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.TransitionWorkflow(ctx, "wf-2", StatusQueued, StatusInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// Losing the race surfaces as a conflict.
	if err := store.TransitionWorkflow(ctx, "wf-2", StatusQueued, StatusInProgress); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.TransitionWorkflow(ctx, "missing", StatusQueued, StatusInProgress); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	got, err := store.GetWorkflow(ctx, "wf-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected inProgress, got %s", got.Status)
	}
}

func TestRequestAbort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{ID: "wf-3", Kind: KindAuthorizeDevice}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.RequestAbort(ctx, "wf-3"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	got, _ := store.GetWorkflow(ctx, "wf-3")
	if !got.AbortRequested {
		t.Fatalf("expected abort flag set")
	}

	// Settled workflows cannot be aborted.
	if err := store.TransitionWorkflow(ctx, "wf-3", StatusQueued, StatusInProgress); err != nil {
		t.Fatalf("to inProgress: %v", err)
	}
	if err := store.TransitionWorkflow(ctx, "wf-3", StatusInProgress, StatusFailed); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if err := store.RequestAbort(ctx, "wf-3"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestCreateStepIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	step := &WorkflowStep{ID: "step-1", WorkflowID: "wf-1", Kind: "authorizeDeviceInit"}
	created, err := store.CreateStep(ctx, step)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Seq == 0 || created.Status != StepStatusQueued {
		t.Fatalf("unexpected step: %+v", created)
	}
	if created.UniqueHash != UniqueHash("wf-1", "authorizeDeviceInit", 0) {
		t.Fatalf("unexpected hash: %s", created.UniqueHash)
	}

	// Duplicate dispatch of the same (workflow, kind, attempt) collapses to
	// the existing record.
	dup := &WorkflowStep{ID: "step-other", WorkflowID: "wf-1", Kind: "authorizeDeviceInit"}
	existing, err := store.CreateStep(ctx, dup)
	if !errors.Is(err, ErrDuplicateStep) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if existing.ID != "step-1" {
		t.Fatalf("expected existing record, got %s", existing.ID)
	}

	// A new attempt epoch is a fresh record.
	retry := &WorkflowStep{ID: "step-2", WorkflowID: "wf-1", Kind: "authorizeDeviceInit", Attempt: 1}
	created2, err := store.CreateStep(ctx, retry)
	if err != nil {
		t.Fatalf("create attempt 1: %v", err)
	}
	if created2.Seq <= created.Seq {
		t.Fatalf("expected increasing seq: %d then %d", created.Seq, created2.Seq)
	}

	steps, err := store.ListSteps(ctx, "wf-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
}

func TestTransitionStepCAS(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	step := &WorkflowStep{ID: "step-1", WorkflowID: "wf-1", Kind: "deployTokenHolder"}
	if _, err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.TransitionStep(ctx, "step-1", StepStatusQueued, StepStatusInProgress, StepUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Second claimant loses.
	if err := store.TransitionStep(ctx, "step-1", StepStatusQueued, StepStatusInProgress, StepUpdate{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.TransitionStep(ctx, "step-1", StepStatusInProgress, StepStatusDone, StepUpdate{
		ResponseData: map[string]any{"token_holder_address": "0xbeef"},
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, err := store.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StepStatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got.ResponseData["token_holder_address"] != "0xbeef" {
		t.Fatalf("response data lost: %+v", got.ResponseData)
	}

	if err := store.TransitionStep(ctx, "missing", StepStatusQueued, StepStatusInProgress, StepUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// Transitions must never rewrite the creation-time payload: the Redis-side
// JSON codec mangles empty arrays and long numerics, so the body field has to
// come back byte-identical no matter how many transitions run.
func TestTransitionsLeavePayloadVerbatim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{
		ID:   "wf-1",
		Kind: KindStakeAndMintBT,
		RequestParams: map[string]any{
			"amount_wei":   "1000000000000000001",
			"session_keys": []any{},
		},
	}
	if err := store.CreateWorkflow(ctx, wf); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	wfBody, err := store.client.HGet(ctx, workflowKey("wf-1"), fieldBody).Result()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if err := store.TransitionWorkflow(ctx, "wf-1", StatusQueued, StatusInProgress); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.RequestAbort(ctx, "wf-1"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	after, _ := store.client.HGet(ctx, workflowKey("wf-1"), fieldBody).Result()
	if after != wfBody {
		t.Fatalf("workflow body rewritten:\nbefore %s\nafter  %s", wfBody, after)
	}
	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress || !got.AbortRequested {
		t.Fatalf("overlay fields lost: %+v", got)
	}
	if _, ok := got.RequestParams["session_keys"].([]any); !ok {
		t.Fatalf("empty list decoded as %T", got.RequestParams["session_keys"])
	}
	if got.RequestParams["amount_wei"] != "1000000000000000001" {
		t.Fatalf("amount mangled: %v", got.RequestParams["amount_wei"])
	}

	step := &WorkflowStep{
		ID: "step-1", WorkflowID: "wf-1", Kind: "approveGatewayTransaction",
		RequestParams: map[string]any{"beneficiaries": []any{}},
	}
	if _, err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("create step: %v", err)
	}
	stepBody, _ := store.client.HGet(ctx, stepKey("step-1"), fieldBody).Result()
	if err := store.TransitionStep(ctx, "step-1", StepStatusQueued, StepStatusInProgress, StepUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.TransitionStep(ctx, "step-1", StepStatusInProgress, StepStatusDone, StepUpdate{
		ResponseData: map[string]any{"transaction_hash": "0xabc"},
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	stepAfter, _ := store.client.HGet(ctx, stepKey("step-1"), fieldBody).Result()
	if stepAfter != stepBody {
		t.Fatalf("step body rewritten:\nbefore %s\nafter  %s", stepBody, stepAfter)
	}
	gotStep, err := store.GetStep(ctx, "step-1")
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	if gotStep.Status != StepStatusDone || gotStep.ResponseData["transaction_hash"] != "0xabc" {
		t.Fatalf("overlay fields lost: %+v", gotStep)
	}
	if _, ok := gotStep.RequestParams["beneficiaries"].([]any); !ok {
		t.Fatalf("empty list decoded as %T", gotStep.RequestParams["beneficiaries"])
	}
}

func TestCurrentStep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.CurrentStep(ctx, "wf-1"); !errors.Is(err, ErrNoRunnableStep) {
		t.Fatalf("expected no runnable step, got %v", err)
	}

	first := &WorkflowStep{ID: "step-1", WorkflowID: "wf-1", Kind: "setupUserInit"}
	if _, err := store.CreateStep(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	cur, err := store.CurrentStep(ctx, "wf-1")
	if err != nil || cur.ID != "step-1" {
		t.Fatalf("expected step-1, got %+v (%v)", cur, err)
	}

	// Settle it and enqueue the next; CurrentStep follows.
	if err := store.TransitionStep(ctx, "step-1", StepStatusQueued, StepStatusInProgress, StepUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.TransitionStep(ctx, "step-1", StepStatusInProgress, StepStatusDone, StepUpdate{}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	second := &WorkflowStep{ID: "step-2", WorkflowID: "wf-1", Kind: "addSessionAddresses"}
	if _, err := store.CreateStep(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	cur, err = store.CurrentStep(ctx, "wf-1")
	if err != nil || cur.ID != "step-2" {
		t.Fatalf("expected step-2, got %+v (%v)", cur, err)
	}
}

func TestPendingIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	step := &WorkflowStep{ID: "step-1", WorkflowID: "wf-1", Kind: "approveGatewayTransaction"}
	if _, err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.TransitionStep(ctx, "step-1", StepStatusQueued, StepStatusInProgress, StepUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.TransitionStep(ctx, "step-1", StepStatusInProgress, StepStatusPending, StepUpdate{ExternalRef: "0xtx"}); err != nil {
		t.Fatalf("to pending: %v", err)
	}

	// Not old enough yet.
	old, err := store.ListPendingSteps(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected no aged pending steps, got %d", len(old))
	}

	due, err := store.ListPendingSteps(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "step-1" {
		t.Fatalf("unexpected pending list: %+v", due)
	}
	if due[0].ExternalRef != "0xtx" {
		t.Fatalf("external ref lost: %+v", due[0])
	}

	if err := store.MarkPendingResolved(ctx, "step-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	due, err = store.ListPendingSteps(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list after resolve: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected empty scan set after resolve, got %d", len(due))
	}

	// The record itself stays pending: the trail is append-only.
	got, _ := store.GetStep(ctx, "step-1")
	if got.Status != StepStatusPending {
		t.Fatalf("expected record still pending, got %s", got.Status)
	}
}

func TestRetryingIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := time.Now().UTC().Add(-time.Second)
	step := &WorkflowStep{
		ID: "step-1", WorkflowID: "wf-1", Kind: "mintTransaction",
		Status: StepStatusRetrying, Attempt: 1, RetryCount: 1, NextRetryAt: &due,
	}
	if _, err := store.CreateStep(ctx, step); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := store.ListRetryingSteps(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "step-1" {
		t.Fatalf("unexpected retrying list: %+v", list)
	}

	// Claiming the retry removes it from the scan set.
	if err := store.TransitionStep(ctx, "step-1", StepStatusRetrying, StepStatusInProgress, StepUpdate{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	list, err = store.ListRetryingSteps(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("list after claim: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty retry scan set, got %d", len(list))
	}
}

func TestTimeline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	events := []StepStatus{StepStatusQueued, StepStatusInProgress, StepStatusDone}
	for _, st := range events {
		err := store.AppendTimelineEvent(ctx, "wf-1", &TimelineEvent{
			StepID: "step-1", StepKind: "setupUserInit", Status: st,
		})
		if err != nil {
			t.Fatalf("append %s: %v", st, err)
		}
	}

	got, err := store.ListTimelineEvents(ctx, "wf-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, st := range events {
		if got[i].Status != st {
			t.Fatalf("event %d: expected %s, got %s", i, st, got[i].Status)
		}
	}
}

func TestLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.TryAcquireLock(ctx, "tracker:tick", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired: %v", err)
	}
	ok, err = store.TryAcquireLock(ctx, "tracker:tick", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected lock held: %v", err)
	}
	if err := store.ReleaseLock(ctx, "tracker:tick"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.TryAcquireLock(ctx, "tracker:tick", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected lock reacquired: %v", err)
	}
}
