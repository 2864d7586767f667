// Package server exposes the loop over HTTP for the plugin's admin UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexcodex/loopsmith/loop"
)

// SessionStore is what the API needs from persistence.
type SessionStore interface {
	loop.MessageStore
	RecordOutcome(ctx context.Context, sessionID string, outcome *loop.Outcome) error
}

// APIServer handles assistant messages. The blocking endpoint pauses at
// roadmaps for user confirmation; the streaming endpoint auto-advances and
// pushes progress events over SSE.
type APIServer struct {
	Backend      loop.Backend
	Executor     loop.Executor
	Docs         loop.DocResolver
	Store        SessionStore
	Telemetry    loop.Telemetry
	Config       loop.Config
	Logger       *log.Logger
	HistoryLimit int
}

// MessageRequest describes incoming API payload. ConfirmPlan marks the
// resubmission of a roadmap the user approved: the loop then expands the plan
// instead of pausing on it again.
type MessageRequest struct {
	SessionID   string                 `json:"session_id"`
	Message     string                 `json:"message"`
	Context     map[string]interface{} `json:"context"`
	ConfirmPlan bool                   `json:"confirm_plan"`
}

// MessageResponse describes API response.
type MessageResponse struct {
	SessionID  string            `json:"session_id"`
	Result     *loop.StepMessage `json:"result"`
	Iterations int               `json:"iterations"`
	Trace      []loop.TraceEntry `json:"trace,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Serve starts listening on the provided address.
func (s *APIServer) Serve(addr string) error {
	return s.ServeContext(context.Background(), addr)
}

// ServeContext allows the caller to control shutdown via context cancellation.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := s.newHTTPServer(addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	if s.Logger != nil {
		s.Logger.Printf("API listening on %s", addr)
	}
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *APIServer) newHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message", s.handleMessage)
	mux.HandleFunc("/api/message/stream", s.handleMessageStream)
	mux.HandleFunc("/api/history", s.handleHistory)
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func (s *APIServer) orchestrator(sessionID string, policy loop.RoadmapPolicy, sink loop.ProgressSink) *loop.Orchestrator {
	cfg := s.Config
	cfg.RoadmapPolicy = policy
	return &loop.Orchestrator{
		Backend:   s.Backend,
		Executor:  s.Executor,
		Docs:      s.Docs,
		Config:    &cfg,
		Sink:      sink,
		Telemetry: s.Telemetry,
		SessionID: sessionID,
	}
}

func (s *APIServer) historyLimit() int {
	if s.HistoryLimit > 0 {
		return s.HistoryLimit
	}
	return 40
}

// prepare loads prior turns and records the incoming user message. A missing
// session id means a fresh session.
func (s *APIServer) prepare(ctx context.Context, req *MessageRequest) ([]loop.Turn, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if s.Store == nil {
		return nil, nil
	}
	history, err := s.Store.ReadHistory(ctx, req.SessionID, s.historyLimit())
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if _, err := s.Store.AppendMessage(ctx, req.SessionID, "user", req.Message); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return history, nil
}

func (s *APIServer) record(ctx context.Context, sessionID string, outcome *loop.Outcome) {
	if s.Store == nil {
		return
	}
	if err := s.Store.RecordOutcome(ctx, sessionID, outcome); err != nil && s.Logger != nil {
		s.Logger.Printf("record outcome for %s: %v", sessionID, err)
	}
}

func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	history, err := s.prepare(ctx, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	policy := loop.RoadmapConfirm
	if req.ConfirmPlan {
		policy = loop.RoadmapAuto
	}
	orch := s.orchestrator(req.SessionID, policy, nil)
	outcome := orch.Run(ctx, req.Message, req.Context, history, nil)
	s.record(ctx, req.SessionID, outcome)
	writeJSON(w, MessageResponse{
		SessionID:  req.SessionID,
		Result:     outcome.Message,
		Iterations: outcome.Iterations,
		Trace:      outcome.Trace,
	})
}

func (s *APIServer) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	history, err := s.prepare(ctx, &req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := &sseSink{w: w, flusher: flusher}
	sink.send("session", map[string]interface{}{"session_id": req.SessionID})

	orch := s.orchestrator(req.SessionID, loop.RoadmapAuto, sink)
	outcome := orch.Run(ctx, req.Message, req.Context, history, nil)
	s.record(ctx, req.SessionID, outcome)

	sink.send("result", map[string]interface{}{
		"session_id": req.SessionID,
		"result":     outcome.Message,
		"iterations": outcome.Iterations,
	})
}

func (s *APIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Store == nil {
		http.Error(w, "no session store configured", http.StatusNotImplemented)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	turns, err := s.Store.ReadHistory(r.Context(), sessionID, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"session_id": sessionID,
		"turns":      turns,
	})
}

// sseSink implements loop.ProgressSink over a server-sent-events stream.
// Writes are fire and forget; a broken client never fails the loop.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// Push implements loop.ProgressSink.
func (s *sseSink) Push(event string, payload map[string]interface{}) {
	s.send(event, payload)
}

func (s *sseSink) send(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
