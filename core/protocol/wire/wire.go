// Package wire defines the dispatch payloads exchanged between engine
// processes over the bus.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Subjects used by the engine. Workers consume SubjectAdvance with a shared
// queue group so each message lands on exactly one worker.
const (
	SubjectAdvance = "wf.step.advance"

	QueueWorkers = "wf-workers"
)

var errEmptyMessage = errors.New("empty advance message")

// AdvanceMessage asks a worker to advance one workflow to one step. Delivery
// is at-least-once; receivers must tolerate duplicates.
type AdvanceMessage struct {
	WorkflowID   string `json:"workflow_id"`
	StepID       string `json:"step_id"`
	WorkflowKind string `json:"workflow_kind,omitempty"`
	StepKind     string `json:"step_kind,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
}

// MsgID returns a deterministic identifier for broker-side deduplication.
func (m *AdvanceMessage) MsgID() string {
	if m == nil || m.WorkflowID == "" || m.StepID == "" {
		return ""
	}
	return fmt.Sprintf("advance:%s:%s:%d", m.WorkflowID, m.StepID, m.Attempt)
}

// Encode serializes an advance message for the bus.
func Encode(m *AdvanceMessage) ([]byte, error) {
	if m == nil {
		return nil, errEmptyMessage
	}
	if strings.TrimSpace(m.WorkflowID) == "" || strings.TrimSpace(m.StepID) == "" {
		return nil, fmt.Errorf("advance message requires workflow and step ids")
	}
	return json.Marshal(m)
}

// Decode parses an advance message received from the bus.
func Decode(data []byte) (*AdvanceMessage, error) {
	if len(data) == 0 {
		return nil, errEmptyMessage
	}
	var m AdvanceMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode advance message: %w", err)
	}
	if m.WorkflowID == "" || m.StepID == "" {
		return nil, fmt.Errorf("advance message missing ids")
	}
	return &m, nil
}
