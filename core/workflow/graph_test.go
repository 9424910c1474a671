package workflow

import (
	"testing"
)

func TestBuiltinGraphsValidate(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	kinds := reg.Kinds()
	if len(kinds) != 7 {
		t.Fatalf("expected 7 kinds, got %d", len(kinds))
	}
	for _, kind := range kinds {
		g, ok := reg.Graph(kind)
		if !ok {
			t.Fatalf("missing graph for %s", kind)
		}
		if _, ok := g.Node(g.Entry); !ok {
			t.Fatalf("%s: entry %s not declared", kind, g.Entry)
		}
		if g.AbortEntry != "" {
			if _, ok := g.Node(g.AbortEntry); !ok {
				t.Fatalf("%s: abort entry %s not declared", kind, g.AbortEntry)
			}
		}
	}
}

func TestBuiltinCheckStepPairs(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	g, ok := reg.Graph(KindStakeAndMintBT)
	if !ok {
		t.Fatalf("missing stakeAndMintBT graph")
	}
	pairs := map[StepKind]StepKind{
		"approveGatewayTransaction": "checkApproveStatus",
		"stakeTransaction":          "checkStakeStatus",
		"mintTransaction":           "checkMintStatus",
	}
	for action, check := range pairs {
		n, ok := g.Node(action)
		if !ok {
			t.Fatalf("missing node %s", action)
		}
		if n.CheckStep != check {
			t.Fatalf("%s: expected check step %s, got %s", action, check, n.CheckStep)
		}
	}
	// Check nodes re-poll themselves and must not chain to another check.
	for _, check := range pairs {
		n, ok := g.Node(check)
		if !ok {
			t.Fatalf("missing node %s", check)
		}
		if n.CheckStep != "" {
			t.Fatalf("%s: check node must not declare a check step, got %s", check, n.CheckStep)
		}
	}
}

func TestGraphNext(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}

	next := reg.Next(KindAuthorizeDevice, "authorizeDeviceInit", OutcomeDone)
	if len(next) != 1 || next[0] != "authorizeDevicePerformTransaction" {
		t.Fatalf("unexpected success edge: %v", next)
	}
	next = reg.Next(KindAuthorizeDevice, "authorizeDevicePerformTransaction", OutcomeFailed)
	if len(next) != 1 || next[0] != "rollbackAuthorizeDevice" {
		t.Fatalf("unexpected failure edge: %v", next)
	}
	// Terminal markers have no outgoing edges.
	if next := reg.Next(KindAuthorizeDevice, StepMarkSuccess, OutcomeDone); len(next) != 0 {
		t.Fatalf("expected no edges out of terminal, got %v", next)
	}
	if next := reg.Next(KindAuthorizeDevice, "unknownStep", OutcomeDone); next != nil {
		t.Fatalf("expected nil for unknown step, got %v", next)
	}
}

func TestGraphValidateRejectsMissingEntry(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			StepMarkSuccess: {Terminal: TerminalSuccess},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected undeclared entry to be rejected")
	}
}

func TestGraphValidateRejectsDanglingEdge(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			"start": {
				OnSuccess: []StepKind{"nowhere"},
				OnFailure: StepMarkFailure,
			},
			StepMarkFailure: {Terminal: TerminalFailure},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected dangling success edge to be rejected")
	}
}

func TestGraphValidateRejectsMissingFailureEdge(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			"start": {
				OnSuccess: []StepKind{StepMarkSuccess},
			},
			StepMarkSuccess: {Terminal: TerminalSuccess},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected non-terminal node without onFailure to be rejected")
	}
}

func TestGraphValidateRejectsUnreachableNode(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			"start": {
				OnSuccess: []StepKind{StepMarkSuccess},
				OnFailure: StepMarkFailure,
			},
			"orphan": {
				OnSuccess: []StepKind{StepMarkSuccess},
				OnFailure: StepMarkFailure,
			},
			StepMarkSuccess: {Terminal: TerminalSuccess},
			StepMarkFailure: {Terminal: TerminalFailure},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected unreachable node to be rejected")
	}
}

func TestGraphValidateRejectsUnknownCheckStep(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			"start": {
				OnSuccess: []StepKind{StepMarkSuccess},
				OnFailure: StepMarkFailure,
				CheckStep: "nowhere",
			},
			StepMarkSuccess: {Terminal: TerminalSuccess},
			StepMarkFailure: {Terminal: TerminalFailure},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected undeclared check step to be rejected")
	}
}

func TestGraphValidateRejectsCheckStepOffSuccessEdge(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "start",
		Nodes: map[StepKind]*Node{
			"start": {
				OnSuccess: []StepKind{"verify"},
				OnFailure: StepMarkFailure,
				CheckStep: StepMarkFailure,
			},
			"verify": {
				OnSuccess: []StepKind{StepMarkSuccess},
				OnFailure: StepMarkFailure,
			},
			StepMarkSuccess: {Terminal: TerminalSuccess},
			StepMarkFailure: {Terminal: TerminalFailure},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected check step off the success edge to be rejected")
	}
}

func TestGraphValidateRejectsCycleWithoutTerminal(t *testing.T) {
	g := &Graph{
		Kind:  "broken",
		Entry: "a",
		Nodes: map[StepKind]*Node{
			"a": {OnSuccess: []StepKind{"b"}, OnFailure: "b"},
			"b": {OnSuccess: []StepKind{"a"}, OnFailure: "a"},
		},
	}
	if err := g.Validate(); err == nil {
		t.Fatalf("expected terminal-free cycle to be rejected")
	}
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	g := authorizeDeviceGraph()
	if _, err := NewRegistry(g, g); err == nil {
		t.Fatalf("expected duplicate kind to be rejected")
	}
}
