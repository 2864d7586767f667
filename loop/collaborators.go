package loop

import "context"

// BackendRequest is the stateless request sent to the AI backend each
// iteration. History is a self-contained window: synthetic turns generated by
// dispatch make every call independent of server-side session state.
type BackendRequest struct {
	Message       string                 `json:"message"`
	Context       map[string]interface{} `json:"context,omitempty"`
	History       []Turn                 `json:"history,omitempty"`
	Documentation map[string]string      `json:"documentation,omitempty"`
}

// BackendReply carries either protocol-conformant content or free text. A
// transport-level failure is returned as an error from Send instead.
type BackendReply struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Backend is the AI collaborator. Implementations own provider selection and
// fallback; the orchestrator only sees one stateless exchange per iteration.
type Backend interface {
	Send(ctx context.Context, req *BackendRequest) (*BackendReply, error)
}

// Executor runs a step's payload (code or a CLI-style command) against the
// provided context and reports a structured result. Implementations are
// expected to reject payloads matching their sandbox security policy by
// returning Success=false with an error text the retry policy recognizes.
type Executor interface {
	Execute(ctx context.Context, payload string, env map[string]interface{}) (*ExecResult, error)
}

// DocRecord is a resolved plugin documentation record.
type DocRecord struct {
	Slug        string `json:"slug" yaml:"slug"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Content     string `json:"content" yaml:"content"`
}

// DocResolver resolves plugin documentation by slug and optional version.
// The second return is false when no record exists; that is not an error.
type DocResolver interface {
	GetDocs(ctx context.Context, slug, version, displayName string) (*DocRecord, bool, error)
}

// ProgressSink receives per-iteration status events on the streaming path.
// Push is fire-and-forget: the orchestrator neither blocks on nor reacts to
// its outcome.
type ProgressSink interface {
	Push(event string, payload map[string]interface{})
}

// MessageStore durably persists conversation turns per session. The
// orchestrator itself never writes mid-loop; the entry surface persists the
// original message and the terminal result once the loop ends.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID, role, content string) (int64, error)
	ReadHistory(ctx context.Context, sessionID string, limit int) ([]Turn, error)
}
