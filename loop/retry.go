package loop

import "strings"

// MaxRetries is the per-step retry budget.
const MaxRetries = 3

// nonRetryablePatterns are sandbox security rejections that no amount of
// retrying can fix. Matching is a case-insensitive substring check against
// the error text reported by the execution collaborator.
var nonRetryablePatterns = []string{
	"forbidden function",
	"blocked decode",
	"backtick execution",
	"superglobal access",
	"security violation",
}

// RetryPolicy decides whether a failed execution is retried and keeps the
// anti-repetition memory surfaced back to the backend. State is scoped to the
// current unit of work (one step); success or exhaustion resets it.
type RetryPolicy struct {
	MaxRetries int

	count  int
	memory []ErrorMemoryEntry
}

// NewRetryPolicy builds a policy with the given budget (<=0 means the
// default MaxRetries).
func NewRetryPolicy(maxRetries int) *RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}
	return &RetryPolicy{MaxRetries: maxRetries}
}

// ShouldRetry reports whether another attempt is allowed for the given error
// text at the current retry count.
func (p *RetryPolicy) ShouldRetry(errText string) bool {
	if p.count >= p.MaxRetries {
		return false
	}
	return !NonRetryable(errText)
}

// RecordFailure increments the retry count and appends the failure to the
// error memory. The payload is truncated so retry prompts stay bounded.
func (p *RetryPolicy) RecordFailure(errText, payload string) ErrorMemoryEntry {
	p.count++
	entry := ErrorMemoryEntry{
		Attempt:          p.count,
		Error:            errText,
		TruncatedPayload: truncatePayload(payload, 300),
	}
	p.memory = append(p.memory, entry)
	return entry
}

// Memory returns a copy of the ordered failure record for the current step.
func (p *RetryPolicy) Memory() []ErrorMemoryEntry {
	return append([]ErrorMemoryEntry(nil), p.memory...)
}

// Count returns the retry count for the current step.
func (p *RetryPolicy) Count() int { return p.count }

// Reset clears the retry state. Called on success and on exhaustion so state
// never leaks across units of work.
func (p *RetryPolicy) Reset() {
	p.count = 0
	p.memory = nil
}

// NonRetryable reports whether the error text matches a fixed pattern that
// must never be retried, regardless of remaining budget.
func NonRetryable(errText string) bool {
	lowered := strings.ToLower(errText)
	for _, pattern := range nonRetryablePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func truncatePayload(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
