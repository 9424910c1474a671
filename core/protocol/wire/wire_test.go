package wire

import (
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &AdvanceMessage{
		WorkflowID:   "wf-1",
		StepID:       "step-1",
		WorkflowKind: "authorizeDevice",
		StepKind:     "authorizeDeviceInit",
		Attempt:      2,
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *got != *msg {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeRejectsMissingIDs(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if _, err := Encode(&AdvanceMessage{StepID: "step-1"}); err == nil {
		t.Fatalf("expected error for missing workflow id")
	}
	if _, err := Encode(&AdvanceMessage{WorkflowID: "wf-1", StepID: " "}); err == nil {
		t.Fatalf("expected error for blank step id")
	}
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
	if _, err := Decode([]byte(`{"workflow_id":"wf-1"}`)); err == nil {
		t.Fatalf("expected error for missing step id")
	}
}

func TestMsgID(t *testing.T) {
	msg := &AdvanceMessage{WorkflowID: "wf-1", StepID: "step-1", Attempt: 1}
	if got := msg.MsgID(); got != "advance:wf-1:step-1:1" {
		t.Fatalf("unexpected msg id: %s", got)
	}
	// Identical content dedupes at the broker; incomplete messages do not.
	if (&AdvanceMessage{WorkflowID: "wf-1"}).MsgID() != "" {
		t.Fatalf("expected empty id for incomplete message")
	}
	var nilMsg *AdvanceMessage
	if nilMsg.MsgID() != "" {
		t.Fatalf("expected empty id for nil message")
	}
}
