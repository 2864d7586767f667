package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/loopsmith/loop"
	"github.com/lexcodex/loopsmith/persistence"
)

type scriptedBackend struct {
	replies []string
	calls   int
}

func (b *scriptedBackend) Send(ctx context.Context, req *loop.BackendRequest) (*loop.BackendReply, error) {
	idx := b.calls
	if idx >= len(b.replies) {
		idx = len(b.replies) - 1
	}
	b.calls++
	return &loop.BackendReply{Success: true, Content: b.replies[idx]}, nil
}

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, payload string, env map[string]interface{}) (*loop.ExecResult, error) {
	return &loop.ExecResult{Success: true, Output: "done"}, nil
}

func stepJSON(t *testing.T, fields map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func newTestServer(t *testing.T, replies ...string) *APIServer {
	t.Helper()
	store, err := persistence.NewSQLiteSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &APIServer{
		Backend:  &scriptedBackend{replies: replies},
		Executor: okExecutor{},
		Store:    store,
		Logger:   log.New(io.Discard, "", 0),
	}
}

func postMessage(t *testing.T, api *APIServer, path string, req MessageRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	switch path {
	case "/api/message":
		api.handleMessage(rec, httpReq)
	case "/api/message/stream":
		api.handleMessageStream(rec, httpReq)
	}
	return rec
}

func TestHandleMessageRunsLoopAndPersists(t *testing.T) {
	api := newTestServer(t, stepJSON(t, map[string]interface{}{
		"type":    "complete",
		"status":  "success",
		"message": "About page created",
	}))

	rec := postMessage(t, api, "/api/message", MessageRequest{Message: "create an about page"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID, "server mints a session id")
	require.NotNil(t, resp.Result)
	assert.Equal(t, loop.TypeComplete, resp.Result.Type)
	assert.Equal(t, 1, resp.Iterations)

	turns, err := api.Store.ReadHistory(context.Background(), resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "create an about page", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Contains(t, turns[1].Content, "About page created")
}

func TestHandleMessageRequiresMessage(t *testing.T) {
	api := newTestServer(t)
	api.Backend = &scriptedBackend{replies: []string{"{}"}}
	rec := postMessage(t, api, "/api/message", MessageRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessagePausesAtRoadmap(t *testing.T) {
	api := newTestServer(t, stepJSON(t, map[string]interface{}{
		"type":    "roadmap",
		"message": "Plan ready",
		"data": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"title": "Create the page"},
				{"title": "Set the template"},
			},
		},
	}))

	rec := postMessage(t, api, "/api/message", MessageRequest{Message: "build a landing page"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.Equal(t, loop.TypeRoadmap, resp.Result.Type)
	assert.True(t, resp.Result.RequiresConfirmation)
}

func TestHandleMessageConfirmPlanExecutesRoadmap(t *testing.T) {
	roadmap := stepJSON(t, map[string]interface{}{
		"type":    "roadmap",
		"message": "Plan ready",
		"data": map[string]interface{}{
			"steps": []map[string]interface{}{
				{"title": "Create the page"},
				{"title": "Set the template"},
			},
		},
	})
	done := stepJSON(t, map[string]interface{}{
		"type":    "complete",
		"status":  "success",
		"message": "Landing page built",
	})

	api := newTestServer(t, roadmap, done)

	// first submission pauses on the plan
	rec := postMessage(t, api, "/api/message", MessageRequest{Message: "build a landing page"})
	require.Equal(t, http.StatusOK, rec.Code)
	var paused MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	require.True(t, paused.Result.RequiresConfirmation)

	// resubmitting with the confirmation flag expands the plan and runs it
	api.Backend = &scriptedBackend{replies: []string{roadmap, done}}
	rec = postMessage(t, api, "/api/message", MessageRequest{
		SessionID:   paused.SessionID,
		Message:     "build a landing page",
		ConfirmPlan: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.Equal(t, loop.TypeComplete, resp.Result.Type)
	assert.False(t, resp.Result.RequiresConfirmation)
	assert.Equal(t, 2, resp.Iterations)
}

func TestHandleMessageStreamEmitsProgressEvents(t *testing.T) {
	api := newTestServer(t,
		stepJSON(t, map[string]interface{}{
			"type":                   "execute",
			"message":                "Creating page",
			"data":                   map[string]interface{}{"code": "wp_insert_post();"},
			"continue_automatically": true,
		}),
		stepJSON(t, map[string]interface{}{
			"type":    "complete",
			"status":  "success",
			"message": "All done",
		}),
	)

	rec := postMessage(t, api, "/api/message/stream", MessageRequest{Message: "create a page"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: session")
	assert.Contains(t, body, "event: loop_progress")
	assert.Contains(t, body, "event: result")
	assert.Contains(t, body, "All done")
}

func TestHandleHistory(t *testing.T) {
	api := newTestServer(t)
	ctx := context.Background()
	_, err := api.Store.AppendMessage(ctx, "s1", "user", "hello")
	require.NoError(t, err)
	_, err = api.Store.AppendMessage(ctx, "s1", "assistant", "hi there")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/history?session_id=s1", nil)
	rec := httptest.NewRecorder()
	api.handleHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SessionID string      `json:"session_id"`
		Turns     []loop.Turn `json:"turns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Turns, 2)
	assert.Equal(t, "hi there", resp.Turns[1].Content)
}

func TestHandleHistoryRequiresSessionID(t *testing.T) {
	api := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
	rec := httptest.NewRecorder()
	api.handleHistory(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
