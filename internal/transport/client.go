// Package transport implements the engine's collaborator interfaces
// against the local agent daemon: the streamed reply exchange, the tool
// confirmation endpoint, and the session metadata endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/threadworks/loom/internal/config"
	"github.com/threadworks/loom/internal/continuation"
	"github.com/threadworks/loom/internal/correlate"
	"github.com/threadworks/loom/internal/logger"
	"github.com/threadworks/loom/internal/stream"
	"github.com/threadworks/loom/internal/transcript"
)

// Client talks to the agent daemon over HTTP.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient builds a client from configuration. The HTTP client carries no
// overall timeout: exchanges are long-lived and cancelled via context.
func NewClient(cfg config.AgentConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		secret:  cfg.SecretKey,
		http:    &http.Client{},
	}
}

type replyRequest struct {
	stream.RequestBody
	Messages []transcript.Message `json:"messages"`
}

// Open starts a reply exchange. The returned exchange emits events until
// the daemon finishes or ctx is cancelled.
func (c *Client) Open(ctx context.Context, body stream.RequestBody, history []transcript.Message) (stream.Exchange, error) {
	payload, err := json.Marshal(replyRequest{RequestBody: body, Messages: history})
	if err != nil {
		return nil, fmt.Errorf("encode reply request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reply", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("open exchange: daemon returned %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	ex := newExchange(resp.Body)
	go ex.run()
	return ex, nil
}

type confirmRequest struct {
	ID            string `json:"id"`
	Action        string `json:"action"`
	PrincipalType string `json:"principal_type"`
}

// Confirm forwards a tool confirmation decision to the daemon.
func (c *Client) Confirm(ctx context.Context, id string, decision correlate.Decision, principalType string) error {
	payload, err := json.Marshal(confirmRequest{
		ID:            id,
		Action:        string(decision),
		PrincipalType: principalType,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/confirm", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirm %s: daemon returned %s", id, resp.Status)
	}
	return nil
}

// FetchSessionMetadata polls the daemon's token accounting for a session.
func (c *Client) FetchSessionMetadata(ctx context.Context, sessionID string) (continuation.SessionMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return continuation.SessionMetadata{}, err
	}
	if c.secret != "" {
		req.Header.Set("X-Secret-Key", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return continuation.SessionMetadata{}, fmt.Errorf("fetch session metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return continuation.SessionMetadata{}, fmt.Errorf("fetch session metadata: daemon returned %s", resp.Status)
	}

	var out struct {
		Metadata continuation.SessionMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return continuation.SessionMetadata{}, fmt.Errorf("decode session metadata: %w", err)
	}
	logger.L.Debug("session metadata fetched", "session_id", sessionID, "total_tokens", out.Metadata.TotalTokens)
	return out.Metadata, nil
}
