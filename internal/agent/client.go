// ABOUTME: HTTP client for the agent backend's chat endpoint.
// ABOUTME: Maps backend responses and failures into the gateway's vocabulary.

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Backend errors. Both are recoverable at the session level: the client
// sees an error message and may resend, the connection stays open.
var (
	ErrBackendUnavailable = errors.New("agent backend unreachable")
	ErrBackendStatus      = errors.New("agent backend error")
)

// fallbackReply is returned when the backend answers without any
// assistant-role message.
const fallbackReply = "No reply from assistant."

// maxErrorBody bounds how much of an error response body gets echoed into
// error messages.
const maxErrorBody = 2048

// chatMessage is one entry in the backend chat payload.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the POST /chat request body.
type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// chatResponse is the POST /chat response body. ConversationID is optional;
// backends that manage conversations internally omit it.
type chatResponse struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

// Reply is the outcome of a relayed command.
type Reply struct {
	// Text is the first assistant message the backend returned, or a
	// fixed fallback when there was none.
	Text string
	// ConversationHandle is the backend's continuation identifier, empty
	// when the backend did not return one.
	ConversationHandle string
}

// Client talks to the agent backend. The gateway never interprets command
// semantics; it relays text and returns whatever the backend said.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. Timeout bounds the whole exchange and
// should be generous: agent turns routinely run for minutes.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SendCommand relays one command to the backend and returns its reply.
// conversationHandle, when non-empty, is passed along so the backend can
// continue the same exchange. Transport failures map to
// ErrBackendUnavailable, bad statuses and unparseable bodies to
// ErrBackendStatus.
func (c *Client) SendCommand(ctx context.Context, text, conversationHandle string) (*Reply, error) {
	reqBody := chatRequest{
		Messages:       []chatMessage{{Role: "user", Content: text}},
		ConversationID: conversationHandle,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding chat request: %w", err)
	}

	url := c.baseURL + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("backend request failed", "url", url, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("backend returned error status",
			"url", url,
			"status", resp.StatusCode,
			"body", string(detail),
		)
		if len(detail) > 0 {
			return nil, fmt.Errorf("%w: status %d: %s", ErrBackendStatus, resp.StatusCode, strings.TrimSpace(string(detail)))
		}
		return nil, fmt.Errorf("%w: status %d", ErrBackendStatus, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		c.logger.Error("backend returned malformed body", "url", url, "error", err)
		return nil, fmt.Errorf("%w: malformed response: %v", ErrBackendStatus, err)
	}

	return &Reply{
		Text:               assistantReply(chatResp.Messages),
		ConversationHandle: chatResp.ConversationID,
	}, nil
}

// assistantReply picks the first assistant message, falling back to a fixed
// string when the backend returned none.
func assistantReply(messages []chatMessage) string {
	for _, m := range messages {
		if m.Role == "assistant" {
			return m.Content
		}
	}
	return fallbackReply
}
