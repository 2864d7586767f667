package loop

// Phase is the coarse progress category reported to the streaming sink. It is
// a pure lookup from message type; the sink never sees raw protocol tags.
type Phase string

const (
	PhaseDiscovery    Phase = "discovery"
	PhasePlanning     Phase = "planning"
	PhaseExecution    Phase = "execution"
	PhaseVerification Phase = "verification"
	PhaseAnalysis     Phase = "analysis"
	PhaseComplete     Phase = "complete"
	PhaseError        Phase = "error"
)

var phaseByType = map[MessageType]Phase{
	TypeRequestDocs:     PhaseDiscovery,
	TypeRoadmap:         PhasePlanning,
	TypePlan:            PhasePlanning,
	TypeExecute:         PhaseExecution,
	TypeExecuteStep:     PhaseExecution,
	TypeWPCLI:           PhaseExecution,
	TypeCheckpoint:      PhaseExecution,
	TypeVerify:          PhaseVerification,
	TypeCompressHistory: PhaseAnalysis,
	TypeQuestion:        PhaseAnalysis,
	TypeComplete:        PhaseComplete,
	TypeError:           PhaseError,
}

// PhaseFor maps a message type to its progress phase. Unknown tags fall back
// to analysis so the sink always receives a valid category.
func PhaseFor(t MessageType) Phase {
	if phase, ok := phaseByType[t]; ok {
		return phase
	}
	return PhaseAnalysis
}

// displayMessage renders a short human-readable status line for a progress
// event. These strings are UI copy, not protocol.
func displayMessage(msg *StepMessage) string {
	switch msg.Type {
	case TypeRequestDocs:
		return "Looking up plugin documentation"
	case TypeRoadmap:
		return "Planning the task"
	case TypeExecute, TypeExecuteStep:
		return "Executing step"
	case TypeWPCLI:
		return "Running CLI command"
	case TypeCheckpoint:
		return "Saving progress"
	case TypeVerify:
		return "Verifying results"
	case TypeCompressHistory:
		return "Condensing conversation history"
	case TypeComplete:
		return "Task complete"
	case TypeError:
		return "Task failed"
	case TypeQuestion:
		return "Waiting for your answer"
	case TypePlan:
		return "Plan ready for review"
	}
	return "Working"
}
