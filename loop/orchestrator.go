package loop

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// MaxLoopIterations is the default iteration cap for one request.
const MaxLoopIterations = 10

// hardIterationCap bounds configuration mistakes; no deployment gets an
// unbounded loop.
const hardIterationCap = 25

// RoadmapPolicy selects how a roadmap message is handled. The blocking entry
// surface returns it for explicit confirmation; the streaming surface expands
// it into execute_step turns automatically. Neither behavior is hard-coded.
type RoadmapPolicy string

const (
	RoadmapConfirm RoadmapPolicy = "confirm"
	RoadmapAuto    RoadmapPolicy = "auto"
)

// Config contains the orchestration knobs supplied by the server or CLI.
type Config struct {
	MaxIterations  int
	MaxRetries     int
	PreserveRecent int
	RoadmapPolicy  RoadmapPolicy
	DebugLoop      bool
}

func (c *Config) maxIterations() int {
	n := MaxLoopIterations
	if c != nil && c.MaxIterations > 0 {
		n = c.MaxIterations
	}
	if n > hardIterationCap {
		n = hardIterationCap
	}
	return n
}

// TraceEntry records one consumed iteration. Entries are strictly ordered by
// iteration index.
type TraceEntry struct {
	Iteration int         `json:"iteration"`
	Type      MessageType `json:"type"`
	Phase     Phase       `json:"phase"`
	Status    string      `json:"status,omitempty"`
}

// Outcome is the structured result every caller receives. The orchestrator
// never fails past its own boundary: transport failures, malformed content,
// security rejections, and loop exhaustion all surface here as a terminal
// Step Message with the full step trace attached.
type Outcome struct {
	Message    *StepMessage `json:"message"`
	Trace      []TraceEntry `json:"trace"`
	Iterations int          `json:"iterations"`
}

// Orchestrator drives one bounded iteration per user request. All
// collaborators are injected; the loop holds no ambient state and one
// invocation exclusively owns its loop state for the duration of Run.
type Orchestrator struct {
	Backend   Backend
	Executor  Executor
	Docs      DocResolver
	Config    *Config
	Sink      ProgressSink
	Telemetry Telemetry
	SessionID string
}

// loopState is created when a user message enters Run, mutated every
// iteration, and discarded once a terminal message is produced.
type loopState struct {
	task        string
	message     string
	base        map[string]interface{}
	history     []Turn
	docs        map[string]string
	accumulated map[string]interface{}
	lastResult  *ExecResult
	retry       *RetryPolicy
	iteration   int
	trace       []TraceEntry
}

// debugf logs formatted messages whenever loop debug logging is enabled.
func (o *Orchestrator) debugf(format string, args ...interface{}) {
	if o == nil || o.Config == nil || !o.Config.DebugLoop {
		return
	}
	log.Printf("[loop] "+format, args...)
}

// Run executes the full orchestration loop for one user message. The caller
// supplies the base context, prior conversation history, and any documentation
// already resolved for the session. Run always returns a terminal outcome.
func (o *Orchestrator) Run(ctx context.Context, message string, base map[string]interface{}, history []Turn, docs map[string]string) *Outcome {
	st := &loopState{
		task:        message,
		message:     message,
		base:        base,
		history:     append([]Turn(nil), history...),
		docs:        make(map[string]string, len(docs)),
		accumulated: make(map[string]interface{}),
		retry:       NewRetryPolicy(o.maxRetries()),
	}
	for k, v := range docs {
		st.docs[k] = v
	}
	o.emit(EventLoopStart, "loop start", map[string]interface{}{
		"message_chars": len(message),
		"history_turns": len(st.history),
	})

	maxIterations := o.Config.maxIterations()
	for st.iteration < maxIterations {
		st.iteration++
		reply, err := o.Backend.Send(ctx, &BackendRequest{
			Message:       st.message,
			Context:       EffectiveContext(st.base, st.lastResult, st.accumulated),
			History:       st.history,
			Documentation: st.docs,
		})
		if err != nil {
			return o.finish(st, transportError(fmt.Sprintf("AI backend unreachable: %v", err)))
		}
		if !reply.Success {
			detail := reply.Error
			if detail == "" {
				detail = "backend reported failure without detail"
			}
			return o.finish(st, transportError(detail))
		}
		msg, ok := ParseStepMessage(reply.Content)
		if !ok {
			// Malformed content degrades to completion with whatever text the
			// backend produced; a talkative model is not an error condition.
			return o.finish(st, fallbackComplete(reply.Content))
		}
		st.trace = append(st.trace, TraceEntry{
			Iteration: st.iteration,
			Type:      msg.Type,
			Phase:     PhaseFor(msg.Type),
			Status:    msg.Status,
		})
		o.notify(st.iteration, msg)
		o.emit(EventIteration, string(msg.Type), map[string]interface{}{
			"iteration": st.iteration,
			"phase":     string(PhaseFor(msg.Type)),
		})
		o.debugf("iteration=%d type=%s status=%s", st.iteration, msg.Type, msg.Status)

		if msg.Type.Terminal() {
			return o.finish(st, msg)
		}
		proceed, terminal := o.dispatch(ctx, st, msg)
		if terminal != nil {
			return o.finish(st, terminal)
		}
		if !proceed {
			return o.finish(st, msg)
		}
	}
	return o.finish(st, exhaustionError(maxIterations))
}

// finish assembles the outcome and emits the closing telemetry event.
func (o *Orchestrator) finish(st *loopState, msg *StepMessage) *Outcome {
	o.emit(EventLoopFinish, string(msg.Type), map[string]interface{}{
		"iterations": st.iteration,
		"terminal":   string(msg.Type),
	})
	return &Outcome{
		Message:    msg,
		Trace:      st.trace,
		Iterations: st.iteration,
	}
}

// notify pushes a progress event to the streaming sink, if one is attached.
// Push is fire-and-forget; the loop never blocks on or reacts to it.
func (o *Orchestrator) notify(iteration int, msg *StepMessage) {
	if o.Sink == nil {
		return
	}
	o.Sink.Push("loop_progress", map[string]interface{}{
		"iteration":       iteration,
		"phase":           string(PhaseFor(msg.Type)),
		"display_message": displayMessage(msg),
	})
}

func (o *Orchestrator) emit(eventType EventType, message string, metadata map[string]interface{}) {
	if o.Telemetry == nil {
		return
	}
	o.Telemetry.Emit(Event{
		Type:      eventType,
		SessionID: o.SessionID,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}

func (o *Orchestrator) maxRetries() int {
	if o.Config != nil && o.Config.MaxRetries > 0 {
		return o.Config.MaxRetries
	}
	return MaxRetries
}

func (o *Orchestrator) preserveRecent() int {
	if o.Config != nil && o.Config.PreserveRecent > 0 {
		return o.Config.PreserveRecent
	}
	return DefaultPreserveRecent
}

func (o *Orchestrator) roadmapPolicy() RoadmapPolicy {
	if o.Config != nil && o.Config.RoadmapPolicy == RoadmapAuto {
		return RoadmapAuto
	}
	return RoadmapConfirm
}

// appendExchange appends the synthetic assistant/user pair every non-terminal
// dispatch produces: the serialized prior step message, then the
// machine-readable continuation. This keeps each backend call a
// self-contained window.
func (st *loopState) appendExchange(msg *StepMessage, cont continuation, note string) {
	st.history = append(st.history,
		Turn{Role: "assistant", Content: encodeControl(msg, "")},
		Turn{Role: "user", Content: encodeContinuation(cont, note)},
	)
	st.message = note
}

func transportError(detail string) *StepMessage {
	return &StepMessage{
		Type:    TypeError,
		Status:  "error",
		Message: detail,
		Data:    map[string]interface{}{"category": "transport"},
	}
}

func exhaustionError(iterations int) *StepMessage {
	return &StepMessage{
		Type:    TypeError,
		Status:  "error",
		Message: fmt.Sprintf("task too complex: no terminal step after %d iterations", iterations),
		Data:    map[string]interface{}{"category": "loop_exhaustion"},
	}
}

func securityError(detail string) *StepMessage {
	return &StepMessage{
		Type:    TypeError,
		Status:  "error",
		Message: fmt.Sprintf("execution rejected by sandbox: %s", detail),
		Data:    map[string]interface{}{"category": "security_violation"},
	}
}

func fallbackComplete(content string) *StepMessage {
	text := strings.TrimSpace(content)
	if text == "" {
		text = "The assistant returned an empty response."
	}
	return &StepMessage{
		Type:    TypeComplete,
		Status:  "fallback",
		Message: text,
	}
}
