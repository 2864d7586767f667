package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBudget(t *testing.T) {
	p := NewRetryPolicy(3)
	for i := 0; i < 3; i++ {
		assert.True(t, p.ShouldRetry("SQL syntax error"))
		p.RecordFailure("SQL syntax error", "SELECT * FROM")
	}
	assert.False(t, p.ShouldRetry("SQL syntax error"), "budget exhausted")
	assert.Len(t, p.Memory(), 3)

	p.Reset()
	assert.Equal(t, 0, p.Count())
	assert.Empty(t, p.Memory())
	assert.True(t, p.ShouldRetry("SQL syntax error"))
}

func TestRetryPolicyNonRetryableShortCircuit(t *testing.T) {
	p := NewRetryPolicy(3)
	assert.False(t, p.ShouldRetry("Forbidden function call: exec()"), "never retried even at count 0")
	assert.False(t, p.ShouldRetry("blocked decode attempt via base64"))
	assert.False(t, p.ShouldRetry("Backtick execution is not allowed"))
	assert.False(t, p.ShouldRetry("superglobal access rejected"))
	assert.True(t, p.ShouldRetry("undefined function acf_add_local_field_group"))
}

func TestRetryPolicyTruncatesPayload(t *testing.T) {
	p := NewRetryPolicy(3)
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	entry := p.RecordFailure("boom", string(long))
	assert.Equal(t, 1, entry.Attempt)
	assert.Less(t, len(entry.TruncatedPayload), 400)
	assert.Contains(t, entry.TruncatedPayload, "truncated")
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	step := protocolReply(map[string]interface{}{
		"type":                   "execute_step",
		"continue_automatically": true,
		"data":                   map[string]interface{}{"code": "INSERT INTO wp_posts"},
	})
	backend := &scriptedBackend{script: []backendScript{
		{reply: step},
		{reply: step},
		{reply: protocolReply(map[string]interface{}{"type": "complete", "message": "done"})},
	}}
	executor := &scriptedExecutor{results: []*ExecResult{
		{Success: false, Error: "SQL syntax error"},
		{Success: true, Output: "row inserted"},
	}}
	o := newOrchestrator(backend, executor, nil)
	outcome := o.Run(context.Background(), "insert a row", nil, nil, nil)

	assert.Equal(t, TypeComplete, outcome.Message.Type)
	assert.Len(t, executor.payloads, 2)

	// The retry turn surfaces the entire error memory, not just the latest
	// failure.
	retryRequest := backend.requests[1]
	require.NotEmpty(t, retryRequest.History)
	last := retryRequest.History[len(retryRequest.History)-1]
	assert.Contains(t, last.Content, "error_memory")
	assert.Contains(t, last.Content, "SQL syntax error")
	assert.Contains(t, retryRequest.Message, "attempt 1")
}

func TestRunRetryExhaustionIsTerminal(t *testing.T) {
	step := protocolReply(map[string]interface{}{
		"type":                   "execute_step",
		"continue_automatically": true,
		"data":                   map[string]interface{}{"code": "broken()"},
	})
	backend := &scriptedBackend{script: []backendScript{{reply: step}}, repeatLast: true}
	executor := &scriptedExecutor{
		results:    []*ExecResult{{Success: false, Error: "undefined function broken"}},
		repeatLast: true,
	}
	o := newOrchestrator(backend, executor, nil)
	outcome := o.Run(context.Background(), "doomed", nil, nil, nil)

	assert.Equal(t, TypeError, outcome.Message.Type)
	assert.Equal(t, "execution_failure", outcome.Message.Data["category"])
	assert.Contains(t, outcome.Message.Message, "after 3 retries")
	// initial attempt plus exactly MaxRetries retries
	assert.Len(t, executor.payloads, MaxRetries+1)
}

func TestRunSecurityViolationIsNeverRetried(t *testing.T) {
	backend := &scriptedBackend{script: []backendScript{
		{reply: protocolReply(map[string]interface{}{
			"type": "execute",
			"data": map[string]interface{}{"code": "eval($_POST['x'])"},
		})},
	}}
	executor := &scriptedExecutor{results: []*ExecResult{
		{Success: false, Error: "security violation: forbidden function eval"},
	}}
	o := newOrchestrator(backend, executor, nil)
	outcome := o.Run(context.Background(), "evil", nil, nil, nil)

	assert.Equal(t, TypeError, outcome.Message.Type)
	assert.Equal(t, "security_violation", outcome.Message.Data["category"])
	assert.Len(t, executor.payloads, 1)
}

func TestRunRetryStateIsScopedPerStep(t *testing.T) {
	step := func(code string) backendScript {
		return backendScript{reply: protocolReply(map[string]interface{}{
			"type":                   "execute_step",
			"continue_automatically": true,
			"data":                   map[string]interface{}{"code": code},
		})}
	}
	backend := &scriptedBackend{script: []backendScript{
		step("first"),
		step("first-fixed"),
		step("second"),
		{reply: protocolReply(map[string]interface{}{"type": "complete"})},
	}}
	executor := &scriptedExecutor{results: []*ExecResult{
		{Success: false, Error: "timeout talking to database"},
		{Success: true},
		{Success: false, Error: "timeout talking to database"},
	}}
	o := newOrchestrator(backend, executor, &Config{MaxRetries: 1})
	outcome := o.Run(context.Background(), "two flaky steps", nil, nil, nil)

	// The second step's failure gets a fresh retry budget even though the
	// first step already consumed one attempt.
	assert.Equal(t, TypeComplete, outcome.Message.Type)
	assert.Len(t, executor.payloads, 3)
	last := backend.requests[len(backend.requests)-1]
	assert.Contains(t, last.Message, "attempt 1")
}
