package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind identifies a workflow kind registered in the graph registry.
type Kind string

const (
	KindAuthorizeDevice    Kind = "authorizeDevice"
	KindRevokeDevice       Kind = "revokeDevice"
	KindSetupUser          Kind = "setupUser"
	KindStakeAndMintBT     Kind = "stakeAndMintBT"
	KindStateRootSync      Kind = "stateRootSync"
	KindResetRecoveryOwner Kind = "resetRecoveryOwner"
	KindAbortRecovery      Kind = "abortRecovery"
)

// StepKind identifies a node in a workflow kind's step graph.
type StepKind string

// Status captures the lifecycle of a workflow.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// StepStatus captures the lifecycle of one step record. A pending step is
// resolved by a later check-status step rather than mutated in place, so
// pending/done/failed are terminal for the record itself.
type StepStatus string

const (
	StepStatusQueued     StepStatus = "queued"
	StepStatusInProgress StepStatus = "inProgress"
	StepStatusPending    StepStatus = "pending"
	StepStatusDone       StepStatus = "done"
	StepStatusFailed     StepStatus = "failed"
	StepStatusRetrying   StepStatus = "retrying"
)

// Terminal reports whether a step record can no longer change.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusDone, StepStatusFailed, StepStatusPending:
		return true
	default:
		return false
	}
}

// Outcome is the normalized result of one handler invocation.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Failure reasons recorded on a step. Handlers may supply their own; the
// engine uses these for faults it normalizes itself.
const (
	ReasonSystemError      = "systemError"
	ReasonHandlerTimeout   = "handlerTimeout"
	ReasonAborted          = "aborted"
	ReasonRetriesExhausted = "retriesExhausted"
	ReasonPollsExhausted   = "pollsExhausted"
)

// Workflow is one durable instance of a multi-step operation.
type Workflow struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status"`
	ClientID       string         `json:"client_id,omitempty"`
	ChainID        string         `json:"chain_id,omitempty"`
	RequestParams  map[string]any `json:"request_params,omitempty"`
	AbortRequested bool           `json:"abort_requested,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Active reports whether the workflow can still advance.
func (w *Workflow) Active() bool {
	return w != nil && w.Status != StatusCompleted && w.Status != StatusFailed
}

// WorkflowStep is one node-execution record within a workflow's traversal of
// its step graph. Records are append-only: a retry or a pending re-poll is a
// new row at the next attempt epoch.
type WorkflowStep struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Kind          StepKind       `json:"kind"`
	Status        StepStatus     `json:"status"`
	UniqueHash    string         `json:"unique_hash"`
	Attempt       int            `json:"attempt"`
	Seq           int64          `json:"seq"`
	RequestParams map[string]any `json:"request_params,omitempty"`
	ResponseData  map[string]any `json:"response_data,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	ExternalRef   string         `json:"external_ref,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// UniqueHash derives the idempotency key for a step record. Duplicate
// dispatch of the same (workflow, kind, attempt) collides here and the store
// returns the existing row instead of inserting a second one.
func UniqueHash(workflowID string, kind StepKind, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", workflowID, kind, attempt)))
	return hex.EncodeToString(sum[:])
}

// TimelineEvent is an append-only audit record of a step transition.
type TimelineEvent struct {
	Time     time.Time  `json:"time"`
	StepID   string     `json:"step_id,omitempty"`
	StepKind StepKind   `json:"step_kind,omitempty"`
	Status   StepStatus `json:"status,omitempty"`
	Message  string     `json:"message,omitempty"`
}
