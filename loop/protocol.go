package loop

import (
	"encoding/json"
	"strings"
)

// ExtractJSON returns the outermost JSON object inside a backend reply. When
// no braces are present it returns an empty string so callers can surface the
// free-text fallback path instead.
func ExtractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end >= start {
		return raw[start : end+1]
	}
	return ""
}

// ParseStepMessage decodes protocol-conformant content into a StepMessage.
// The backend is allowed to wrap the JSON object in prose or markdown fences;
// only the outermost object is considered. A reply without a known type tag
// is reported as not-ok so the orchestrator can degrade gracefully.
func ParseStepMessage(content string) (*StepMessage, bool) {
	snippet := ExtractJSON(stripFences(content))
	if snippet == "" {
		return nil, false
	}
	var msg StepMessage
	if err := json.Unmarshal([]byte(snippet), &msg); err != nil {
		return nil, false
	}
	if !msg.Type.Known() {
		return nil, false
	}
	if msg.Data == nil {
		msg.Data = map[string]interface{}{}
	}
	return &msg, true
}

// stripFences removes a markdown code fence around the payload when present.
func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// controlEnvelope is the structured sub-channel embedded in synthetic turns.
// Keeping control data under a single key separates machine instructions from
// the human-readable note that accompanies them, so the backend never has to
// guess which part of a turn is protocol and which part is prose.
type controlEnvelope struct {
	Control interface{} `json:"control"`
	Note    string      `json:"note,omitempty"`
}

// encodeControl renders a control envelope as turn content.
func encodeControl(control interface{}, note string) string {
	raw, err := json.Marshal(controlEnvelope{Control: control, Note: note})
	if err != nil {
		return note
	}
	return string(raw)
}

// continuation is the machine-readable instruction appended as a synthetic
// user turn after every non-terminal dispatch.
type continuation struct {
	Action string                 `json:"action"`
	Step   int                    `json:"step,omitempty"`
	Detail string                 `json:"detail,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// encodeContinuation renders the continuation instruction for history.
func encodeContinuation(c continuation, note string) string {
	return encodeControl(c, note)
}
