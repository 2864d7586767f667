// Package backend adapts the AI routing proxy to the loop.Backend contract.
// The proxy owns provider selection, fallback, licensing, and rate limiting;
// this client only performs one stateless exchange per call.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lexcodex/loopsmith/loop"
)

// Client implements loop.Backend against the routing proxy HTTP API.
type Client struct {
	Endpoint string
	Model    string
	APIKey   string
	Debug    bool
	client   *http.Client
}

// NewClient builds a proxy client with sane timeouts.
func NewClient(endpoint, model, apiKey string) *Client {
	if endpoint == "" {
		endpoint = "http://localhost:8787"
	}
	return &Client{
		Endpoint: endpoint,
		Model:    model,
		APIKey:   apiKey,
		client: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

type proxyRequest struct {
	Model         string                 `json:"model,omitempty"`
	Message       string                 `json:"message"`
	Context       map[string]interface{} `json:"context,omitempty"`
	History       []loop.Turn            `json:"history,omitempty"`
	Documentation map[string]string      `json:"documentation,omitempty"`
}

type proxyResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
	Text    string `json:"text"`
	Error   string `json:"error"`
}

// Send implements loop.Backend. Transport failures are returned as errors;
// application-level failures ride in the reply so the orchestrator can tell
// the two apart.
func (c *Client) Send(ctx context.Context, req *loop.BackendRequest) (*loop.BackendReply, error) {
	payload := proxyRequest{
		Model:         c.Model,
		Message:       req.Message,
		Context:       req.Context,
		History:       req.History,
		Documentation: req.Documentation,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.logf("request /v1/assist payload: %s", clip(string(body), 2048))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/v1/assist", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.getHTTPClient().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		if detail != "" {
			return nil, fmt.Errorf("proxy error: %s: %s", resp.Status, detail)
		}
		return nil, fmt.Errorf("proxy error: %s", resp.Status)
	}
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logf("response /v1/assist payload: %s", clip(string(responseBody), 2048))
	var raw proxyResponse
	if err := json.Unmarshal(responseBody, &raw); err != nil {
		return nil, fmt.Errorf("proxy returned malformed body: %w", err)
	}
	reply := &loop.BackendReply{
		Success: raw.Success,
		Content: firstNonEmpty(raw.Content, raw.Text),
		Error:   raw.Error,
	}
	return reply, nil
}

// SetDebugLogging enables or disables verbose logging for requests/responses.
func (c *Client) SetDebugLogging(enabled bool) {
	c.Debug = enabled
}

func (c *Client) getHTTPClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	c.client = &http.Client{Timeout: 60 * time.Second}
	return c.client
}

func (c *Client) logf(format string, args ...interface{}) {
	if !c.Debug {
		return
	}
	log.Printf("[proxy] "+format, args...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
