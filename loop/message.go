// Package loop implements the multi-step task orchestration engine: a bounded
// state machine that turns one user request into a sequence of AI-driven
// steps. Each step produces a typed instruction, is executed through an
// external collaborator, retried with anti-repetition memory on failure, and
// checkpointed so accumulated facts survive into later steps. The comments in
// this file are intentionally verbose so that new contributors can treat it as
// a guided tour of the wire protocol before reading the orchestrator itself.
package loop

import "encoding/json"

// MessageType is the closed set of instruction tags the backend may emit.
// Dispatch is exhaustive over these values; an unknown tag is treated as
// malformed content and degrades to a terminal completion rather than an
// error (see Orchestrator.Run).
type MessageType string

const (
	TypeRequestDocs     MessageType = "request_docs"
	TypeRoadmap         MessageType = "roadmap"
	TypeExecute         MessageType = "execute"
	TypeExecuteStep     MessageType = "execute_step"
	TypeCheckpoint      MessageType = "checkpoint"
	TypeVerify          MessageType = "verify"
	TypeWPCLI           MessageType = "wp_cli"
	TypeCompressHistory MessageType = "compress_history"
	TypeComplete        MessageType = "complete"
	TypeError           MessageType = "error"
	TypeQuestion        MessageType = "question"
	TypePlan            MessageType = "plan"
)

// Known reports whether the tag belongs to the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeRequestDocs, TypeRoadmap, TypeExecute, TypeExecuteStep,
		TypeCheckpoint, TypeVerify, TypeWPCLI, TypeCompressHistory,
		TypeComplete, TypeError, TypeQuestion, TypePlan:
		return true
	}
	return false
}

// Terminal reports whether the tag ends the loop with no automatic
// continuation.
func (t MessageType) Terminal() bool {
	switch t {
	case TypeComplete, TypeError, TypeQuestion, TypePlan:
		return true
	}
	return false
}

// StepMessage is the typed unit produced by the AI backend and consumed by
// the orchestrator. Data is a free-form payload whose shape depends on Type;
// typed views of it are obtained through the As* helpers below.
type StepMessage struct {
	Type                  MessageType            `json:"type"`
	StepPhase             string                 `json:"step_phase,omitempty"`
	Status                string                 `json:"status,omitempty"`
	Message               string                 `json:"message,omitempty"`
	Data                  map[string]interface{} `json:"data,omitempty"`
	RequiresConfirmation  bool                   `json:"requires_confirmation,omitempty"`
	ContinueAutomatically bool                   `json:"continue_automatically,omitempty"`
}

// Turn is a single conversation entry as exchanged with the AI backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecResult is the one shape returned by the execution collaborator for both
// code payloads and CLI-style commands.
type ExecResult struct {
	Success bool                   `json:"success"`
	Output  string                 `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

// RoadmapStep describes one atomic unit of a multi-step plan.
type RoadmapStep struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Atomic      bool   `json:"atomic"`
}

// Checkpoint is the progress report a checkpoint message carries between
// roadmap steps.
type Checkpoint struct {
	CompletedStep      int                    `json:"completed_step"`
	TotalSteps         int                    `json:"total_steps"`
	NextStep           string                 `json:"next_step,omitempty"`
	AccumulatedContext map[string]interface{} `json:"accumulated_context,omitempty"`
}

// ErrorMemoryEntry records one failed attempt for the current unit of work.
// The whole ordered list is surfaced back to the backend on every retry so it
// can avoid repeating prior failed strategies.
type ErrorMemoryEntry struct {
	Attempt          int    `json:"attempt"`
	Error            string `json:"error"`
	TruncatedPayload string `json:"payload"`
}

// AsCheckpoint decodes the Data payload as a checkpoint report.
func (m *StepMessage) AsCheckpoint() (*Checkpoint, error) {
	var cp Checkpoint
	if err := decodeData(m.Data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// AsRoadmap decodes the Data payload as an ordered list of roadmap steps.
// Both {"steps": [...]} and a bare list under "roadmap" are accepted because
// providers are inconsistent about the envelope key.
func (m *StepMessage) AsRoadmap() ([]RoadmapStep, error) {
	raw, ok := m.Data["steps"]
	if !ok {
		raw = m.Data["roadmap"]
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var steps []RoadmapStep
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].Index == 0 {
			steps[i].Index = i + 1
		}
	}
	return steps, nil
}

// Payload extracts the executable payload for execute/execute_step/wp_cli
// messages, trying the keys providers actually use.
func (m *StepMessage) Payload() string {
	for _, key := range []string{"code", "command", "payload"} {
		if v, ok := m.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// decodeData round-trips a loosely typed map into a concrete struct. The
// extra marshal keeps numeric coercion consistent with what a direct
// json.Unmarshal of the original reply would have produced.
func decodeData(data map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
