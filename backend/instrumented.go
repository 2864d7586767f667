package backend

import (
	"context"
	"time"

	"github.com/lexcodex/loopsmith/loop"
)

// InstrumentedBackend wraps a loop.Backend and emits telemetry for requests
// and responses. The inner result passes through unchanged.
type InstrumentedBackend struct {
	Inner     loop.Backend
	Telemetry loop.Telemetry
	Debug     bool
}

// NewInstrumentedBackend builds the decorator.
func NewInstrumentedBackend(inner loop.Backend, telemetry loop.Telemetry, debug bool) *InstrumentedBackend {
	return &InstrumentedBackend{Inner: inner, Telemetry: telemetry, Debug: debug}
}

// Send implements loop.Backend.
func (b *InstrumentedBackend) Send(ctx context.Context, req *loop.BackendRequest) (*loop.BackendReply, error) {
	b.emitRequest(req)
	start := time.Now()
	reply, err := b.Inner.Send(ctx, req)
	b.emitResponse(reply, err, time.Since(start))
	return reply, err
}

func (b *InstrumentedBackend) emitRequest(req *loop.BackendRequest) {
	if b == nil || b.Telemetry == nil {
		return
	}
	metadata := map[string]interface{}{
		"message_chars": len(req.Message),
		"history_turns": len(req.History),
		"context_keys":  len(req.Context),
		"doc_keys":      len(req.Documentation),
	}
	if b.Debug {
		metadata["message_preview"] = clip(req.Message, 1024)
	}
	b.Telemetry.Emit(loop.Event{
		Type:      loop.EventBackendRequest,
		Timestamp: time.Now().UTC(),
		Message:   "backend request",
		Metadata:  metadata,
	})
}

func (b *InstrumentedBackend) emitResponse(reply *loop.BackendReply, err error, elapsed time.Duration) {
	if b == nil || b.Telemetry == nil {
		return
	}
	metadata := map[string]interface{}{
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if reply != nil {
		metadata["success"] = reply.Success
		metadata["content_preview"] = clip(reply.Content, 1024)
		if reply.Error != "" {
			metadata["reply_error"] = reply.Error
		}
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	b.Telemetry.Emit(loop.Event{
		Type:      loop.EventBackendResponse,
		Timestamp: time.Now().UTC(),
		Message:   "backend response",
		Metadata:  metadata,
	})
}
