package workflow

// Step kinds shared by every graph. Terminal markers are ordinary nodes so
// their completion, not their creation, finalizes the workflow.
const (
	StepMarkSuccess StepKind = "markSuccess"
	StepMarkFailure StepKind = "markFailure"
)

// BuiltinGraphs returns the step graphs for the workflow kinds this engine
// ships with. Every asynchronous transaction node pairs with a verify node
// that polls the submitted transaction to resolution.
func BuiltinGraphs() []*Graph {
	return []*Graph{
		authorizeDeviceGraph(),
		revokeDeviceGraph(),
		setupUserGraph(),
		stakeAndMintBTGraph(),
		stateRootSyncGraph(),
		resetRecoveryOwnerGraph(),
		abortRecoveryGraph(),
	}
}

// NewBuiltinRegistry registers the built-in graphs.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry(BuiltinGraphs()...)
}

func terminalNodes() map[StepKind]*Node {
	return map[StepKind]*Node{
		StepMarkSuccess: {Terminal: TerminalSuccess},
		StepMarkFailure: {Terminal: TerminalFailure},
	}
}

// txPair wires init -> perform -> verify -> markSuccess with a shared failure
// target, the shape every transaction-backed kind follows. The verify node is
// also the perform node's check step, so a pending submission resolves there.
func txPair(nodes map[StepKind]*Node, perform, verify StepKind, onFailure StepKind) {
	nodes[perform] = &Node{
		OnSuccess: []StepKind{verify},
		OnFailure: onFailure,
		CheckStep: verify,
	}
	nodes[verify] = &Node{
		OnSuccess:    []StepKind{StepMarkSuccess},
		OnFailure:    onFailure,
		ReadDataFrom: []StepKind{perform},
	}
}

func authorizeDeviceGraph() *Graph {
	nodes := terminalNodes()
	nodes["authorizeDeviceInit"] = &Node{
		OnSuccess: []StepKind{"authorizeDevicePerformTransaction"},
		OnFailure: StepMarkFailure,
	}
	txPair(nodes, "authorizeDevicePerformTransaction", "authorizeDeviceVerifyTransaction", "rollbackAuthorizeDevice")
	nodes["rollbackAuthorizeDevice"] = &Node{
		OnSuccess: []StepKind{StepMarkFailure},
		OnFailure: StepMarkFailure,
	}
	return &Graph{
		Kind:       KindAuthorizeDevice,
		Entry:      "authorizeDeviceInit",
		AbortEntry: "rollbackAuthorizeDevice",
		Nodes:      nodes,
	}
}

func revokeDeviceGraph() *Graph {
	nodes := terminalNodes()
	nodes["revokeDeviceInit"] = &Node{
		OnSuccess: []StepKind{"revokeDevicePerformTransaction"},
		OnFailure: StepMarkFailure,
	}
	txPair(nodes, "revokeDevicePerformTransaction", "revokeDeviceVerifyTransaction", "rollbackRevokeDevice")
	nodes["rollbackRevokeDevice"] = &Node{
		OnSuccess: []StepKind{StepMarkFailure},
		OnFailure: StepMarkFailure,
	}
	return &Graph{
		Kind:       KindRevokeDevice,
		Entry:      "revokeDeviceInit",
		AbortEntry: "rollbackRevokeDevice",
		Nodes:      nodes,
	}
}

func setupUserGraph() *Graph {
	nodes := terminalNodes()
	nodes["setupUserInit"] = &Node{
		OnSuccess: []StepKind{"addSessionAddresses"},
		OnFailure: StepMarkFailure,
	}
	nodes["addSessionAddresses"] = &Node{
		OnSuccess:    []StepKind{"deployTokenHolder"},
		OnFailure:    "rollbackUserSetup",
		ReadDataFrom: []StepKind{"setupUserInit"},
	}
	nodes["deployTokenHolder"] = &Node{
		OnSuccess:    []StepKind{"verifyTokenHolderDeployment"},
		OnFailure:    "rollbackUserSetup",
		ReadDataFrom: []StepKind{"setupUserInit", "addSessionAddresses"},
	}
	nodes["verifyTokenHolderDeployment"] = &Node{
		OnSuccess:    []StepKind{"activateUser"},
		OnFailure:    "rollbackUserSetup",
		ReadDataFrom: []StepKind{"deployTokenHolder"},
	}
	nodes["activateUser"] = &Node{
		OnSuccess:    []StepKind{StepMarkSuccess},
		OnFailure:    "rollbackUserSetup",
		ReadDataFrom: []StepKind{"verifyTokenHolderDeployment"},
	}
	nodes["rollbackUserSetup"] = &Node{
		OnSuccess: []StepKind{StepMarkFailure},
		OnFailure: StepMarkFailure,
	}
	return &Graph{
		Kind:       KindSetupUser,
		Entry:      "setupUserInit",
		AbortEntry: "rollbackUserSetup",
		Nodes:      nodes,
	}
}

func stakeAndMintBTGraph() *Graph {
	nodes := terminalNodes()
	nodes["stakeAndMintInit"] = &Node{
		OnSuccess: []StepKind{"approveGatewayTransaction"},
		OnFailure: StepMarkFailure,
	}
	nodes["approveGatewayTransaction"] = &Node{
		OnSuccess:    []StepKind{"checkApproveStatus"},
		OnFailure:    StepMarkFailure,
		CheckStep:    "checkApproveStatus",
		ReadDataFrom: []StepKind{"stakeAndMintInit"},
	}
	nodes["checkApproveStatus"] = &Node{
		OnSuccess:    []StepKind{"stakeTransaction"},
		OnFailure:    StepMarkFailure,
		ReadDataFrom: []StepKind{"approveGatewayTransaction"},
	}
	nodes["stakeTransaction"] = &Node{
		OnSuccess:    []StepKind{"checkStakeStatus"},
		OnFailure:    StepMarkFailure,
		CheckStep:    "checkStakeStatus",
		ReadDataFrom: []StepKind{"stakeAndMintInit", "checkApproveStatus"},
	}
	nodes["checkStakeStatus"] = &Node{
		OnSuccess:    []StepKind{"mintTransaction"},
		OnFailure:    StepMarkFailure,
		ReadDataFrom: []StepKind{"stakeTransaction"},
	}
	nodes["mintTransaction"] = &Node{
		OnSuccess:    []StepKind{"checkMintStatus"},
		OnFailure:    StepMarkFailure,
		CheckStep:    "checkMintStatus",
		ReadDataFrom: []StepKind{"checkStakeStatus"},
	}
	nodes["checkMintStatus"] = &Node{
		OnSuccess:    []StepKind{StepMarkSuccess},
		OnFailure:    StepMarkFailure,
		ReadDataFrom: []StepKind{"mintTransaction"},
	}
	return &Graph{
		Kind:  KindStakeAndMintBT,
		Entry: "stakeAndMintInit",
		Nodes: nodes,
	}
}

func stateRootSyncGraph() *Graph {
	nodes := terminalNodes()
	nodes["stateRootSyncInit"] = &Node{
		OnSuccess: []StepKind{"commitStateRootTransaction"},
		OnFailure: StepMarkFailure,
	}
	txPair(nodes, "commitStateRootTransaction", "verifyCommitStateRoot", StepMarkFailure)
	return &Graph{
		Kind:  KindStateRootSync,
		Entry: "stateRootSyncInit",
		Nodes: nodes,
	}
}

func resetRecoveryOwnerGraph() *Graph {
	nodes := terminalNodes()
	nodes["resetRecoveryOwnerInit"] = &Node{
		OnSuccess: []StepKind{"resetRecoveryOwnerPerformTransaction"},
		OnFailure: StepMarkFailure,
	}
	txPair(nodes, "resetRecoveryOwnerPerformTransaction", "resetRecoveryOwnerVerifyTransaction", StepMarkFailure)
	return &Graph{
		Kind:  KindResetRecoveryOwner,
		Entry: "resetRecoveryOwnerInit",
		Nodes: nodes,
	}
}

func abortRecoveryGraph() *Graph {
	nodes := terminalNodes()
	nodes["abortRecoveryInit"] = &Node{
		OnSuccess: []StepKind{"abortRecoveryPerformTransaction"},
		OnFailure: StepMarkFailure,
	}
	txPair(nodes, "abortRecoveryPerformTransaction", "abortRecoveryVerifyTransaction", StepMarkFailure)
	return &Graph{
		Kind:  KindAbortRecovery,
		Entry: "abortRecoveryInit",
		Nodes: nodes,
	}
}
