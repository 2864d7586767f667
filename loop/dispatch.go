package loop

import (
	"context"
	"fmt"
	"strings"
)

// dispatch applies the per-type continuation rule for a non-terminal step
// message. It returns whether the loop should proceed to another iteration
// and, when the orchestrator itself decides the run is over (security
// rejection, retry exhaustion, unreachable collaborator), the terminal
// message to return.
func (o *Orchestrator) dispatch(ctx context.Context, st *loopState, msg *StepMessage) (bool, *StepMessage) {
	switch msg.Type {
	case TypeRequestDocs:
		return o.handleRequestDocs(ctx, st, msg)
	case TypeRoadmap:
		return o.handleRoadmap(st, msg)
	case TypeCheckpoint:
		return o.handleCheckpoint(st, msg)
	case TypeExecute, TypeExecuteStep, TypeWPCLI:
		return o.handleExecute(ctx, st, msg)
	case TypeVerify:
		return o.handleVerify(ctx, st, msg)
	case TypeCompressHistory:
		return o.handleCompress(st, msg)
	}
	// Known types are either terminal or handled above; anything else was
	// rejected by ParseStepMessage already.
	return false, fallbackComplete(msg.Message)
}

// docRequest is one identifier in a request_docs payload.
type docRequest struct {
	Slug        string `json:"slug"`
	Version     string `json:"version,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// handleRequestDocs resolves the requested documentation records and injects
// the resolved keys plus the original task into the next synthetic turn.
func (o *Orchestrator) handleRequestDocs(ctx context.Context, st *loopState, msg *StepMessage) (bool, *StepMessage) {
	requests := parseDocRequests(msg.Data)
	resolved := make([]string, 0, len(requests))
	missing := make([]string, 0)
	for _, req := range requests {
		if req.Slug == "" {
			continue
		}
		if _, cached := st.docs[req.Slug]; cached {
			resolved = append(resolved, req.Slug)
			continue
		}
		if o.Docs == nil {
			missing = append(missing, req.Slug)
			continue
		}
		record, found, err := o.Docs.GetDocs(ctx, req.Slug, req.Version, req.DisplayName)
		if err != nil {
			return false, transportError(fmt.Sprintf("documentation lookup for %q failed: %v", req.Slug, err))
		}
		if !found {
			missing = append(missing, req.Slug)
			continue
		}
		st.docs[req.Slug] = record.Content
		resolved = append(resolved, req.Slug)
	}
	note := fmt.Sprintf("Documentation resolved for: %s. Continue with the original task: %s",
		joinOrNone(resolved), st.task)
	st.appendExchange(msg, continuation{
		Action: "docs_resolved",
		Fields: map[string]interface{}{
			"resolved": resolved,
			"missing":  missing,
		},
	}, note)
	return true, nil
}

// parseDocRequests accepts both a list of identifier objects and a bare list
// of slug strings; providers emit both shapes.
func parseDocRequests(data map[string]interface{}) []docRequest {
	raw, ok := data["plugins"]
	if !ok {
		raw = data["docs"]
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	requests := make([]docRequest, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			requests = append(requests, docRequest{Slug: v})
		case map[string]interface{}:
			var req docRequest
			if err := decodeData(v, &req); err == nil {
				requests = append(requests, req)
			}
		}
	}
	return requests
}

// handleRoadmap either hands the plan back for explicit confirmation or
// expands it into execute_step turns starting at step 1, per the configured
// transport policy.
func (o *Orchestrator) handleRoadmap(st *loopState, msg *StepMessage) (bool, *StepMessage) {
	if o.roadmapPolicy() == RoadmapConfirm {
		msg.RequiresConfirmation = true
		return false, nil
	}
	steps, err := msg.AsRoadmap()
	if err != nil || len(steps) == 0 {
		// An unparseable plan cannot be auto-expanded; let the caller see it.
		msg.RequiresConfirmation = true
		return false, nil
	}
	first := steps[0]
	note := fmt.Sprintf("Begin step 1 of %d: %s. %s", len(steps), first.Title, first.Description)
	st.appendExchange(msg, continuation{
		Action: "begin_step",
		Step:   1,
		Detail: first.Title,
		Fields: map[string]interface{}{"total_steps": len(steps)},
	}, note)
	return true, nil
}

// handleCheckpoint merges reported context and advances to the next roadmap
// step when one is pending.
func (o *Orchestrator) handleCheckpoint(st *loopState, msg *StepMessage) (bool, *StepMessage) {
	cp, err := msg.AsCheckpoint()
	if err != nil {
		cp = &Checkpoint{}
	}
	st.accumulated = MergeAccumulated(st.accumulated, cp.AccumulatedContext)
	if cp.NextStep != "" && cp.CompletedStep < cp.TotalSteps {
		next := cp.CompletedStep + 1
		note := fmt.Sprintf("Step %d of %d done. Begin step %d: %s", cp.CompletedStep, cp.TotalSteps, next, cp.NextStep)
		st.appendExchange(msg, continuation{
			Action: "begin_step",
			Step:   next,
			Detail: cp.NextStep,
			Fields: map[string]interface{}{"total_steps": cp.TotalSteps},
		}, note)
		return true, nil
	}
	st.appendExchange(msg, continuation{Action: "continue"}, "Checkpoint recorded. Continue the task.")
	return msg.ContinueAutomatically, nil
}

// handleExecute runs the step payload through the execution collaborator and
// applies the retry policy on failure. execute, execute_step, and wp_cli all
// share this path; the payload shape is the executor's concern.
func (o *Orchestrator) handleExecute(ctx context.Context, st *loopState, msg *StepMessage) (bool, *StepMessage) {
	payload := msg.Payload()
	env := EffectiveContext(st.base, st.lastResult, st.accumulated)
	res, err := o.Executor.Execute(ctx, payload, env)
	if err != nil {
		return false, transportError(fmt.Sprintf("execution collaborator unreachable: %v", err))
	}
	o.emit(EventExecution, string(msg.Type), map[string]interface{}{
		"success": res.Success,
		"retry":   st.retry.Count(),
	})
	if res.Success {
		st.retry.Reset()
		st.lastResult = res
		st.appendExchange(msg, continuation{
			Action: "step_result",
			Fields: map[string]interface{}{
				"success": true,
				"output":  clipText(res.Output, 2000),
				"result":  res.Result,
			},
		}, "Step executed successfully. Continue with the task.")
		return msg.ContinueAutomatically, nil
	}
	if NonRetryable(res.Error) {
		st.retry.Reset()
		return false, securityError(res.Error)
	}
	if st.retry.ShouldRetry(res.Error) {
		entry := st.retry.RecordFailure(res.Error, payload)
		o.emit(EventRetry, res.Error, map[string]interface{}{"attempt": entry.Attempt})
		o.debugf("retry attempt=%d error=%s", entry.Attempt, res.Error)
		// The entire error memory rides along so the backend can avoid
		// repeating strategies that already failed this step.
		st.appendExchange(msg, continuation{
			Action: "retry_step",
			Fields: map[string]interface{}{
				"attempt":      entry.Attempt,
				"error":        res.Error,
				"error_memory": st.retry.Memory(),
			},
		}, fmt.Sprintf("Execution failed (attempt %d): %s. Produce a corrected step that avoids the earlier failed approaches.", entry.Attempt, res.Error))
		return true, nil
	}
	attempts := st.retry.Count()
	st.retry.Reset()
	return false, &StepMessage{
		Type:    TypeError,
		Status:  "error",
		Message: fmt.Sprintf("execution failed after %d retries: %s", attempts, res.Error),
		Data:    map[string]interface{}{"category": "execution_failure"},
	}
}

// handleVerify runs the same execution path but only informs a pass/fail
// branch message; it neither stores a last result nor touches retry state.
func (o *Orchestrator) handleVerify(ctx context.Context, st *loopState, msg *StepMessage) (bool, *StepMessage) {
	payload := msg.Payload()
	env := EffectiveContext(st.base, st.lastResult, st.accumulated)
	res, err := o.Executor.Execute(ctx, payload, env)
	if err != nil {
		return false, transportError(fmt.Sprintf("execution collaborator unreachable: %v", err))
	}
	verdict := "Verification failed"
	if res.Success {
		verdict = "Verification passed"
	}
	detail := res.Output
	if !res.Success && res.Error != "" {
		detail = res.Error
	}
	st.appendExchange(msg, continuation{
		Action: "verification",
		Fields: map[string]interface{}{
			"passed": res.Success,
			"detail": clipText(detail, 2000),
		},
	}, fmt.Sprintf("%s: %s", verdict, clipText(detail, 400)))
	return msg.ContinueAutomatically, nil
}

// handleCompress replaces the conversation history with a compressed form and
// continues.
func (o *Orchestrator) handleCompress(st *loopState, msg *StepMessage) (bool, *StepMessage) {
	summary, _ := msg.Data["summary"].(string)
	preserve := o.preserveRecent()
	if n, ok := msg.Data["preserve_last_n"].(float64); ok && n > 0 {
		preserve = int(n)
	}
	keyFacts := stringList(msg.Data["key_facts"])
	before := len(st.history)
	st.history = CompressHistory(st.history, summary, keyFacts, preserve)
	o.emit(EventCompression, "history compressed", map[string]interface{}{
		"turns_before": before,
		"turns_after":  len(st.history),
	})
	st.appendExchange(msg, continuation{Action: "history_compressed"}, "History compressed. Continue with the task.")
	return true, nil
}

func stringList(raw interface{}) []string {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func clipText(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
