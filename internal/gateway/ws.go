// ABOUTME: WebSocket control channel carrying the JSON message protocol
// ABOUTME: Authenticates connections, runs the per-connection dispatch loop

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/periscope-gateway/internal/agent"
	"github.com/2389/periscope-gateway/internal/auth"
	"github.com/2389/periscope-gateway/internal/session"
)

// closeWriteTimeout bounds how long a close frame write may block.
const closeWriteTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The PWA is served from a different origin during development; pairing
	// tokens are the actual access control, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope is the protocol message shape in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// reply is an outbound protocol message.
type reply struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func errorReply(message string) reply {
	return reply{Type: "error", Payload: message}
}

// authResult is the typed outcome of connection authentication, consumed by
// the accept path before any message loop begins.
type authResult struct {
	subject string
	reason  string // close reason when rejected
}

// authenticate validates the pairing token from the query string. Rejections
// carry the close reason; the token itself is never echoed back.
func (g *Gateway) authenticate(r *http.Request) authResult {
	token := r.URL.Query().Get("token")
	if token == "" {
		return authResult{reason: "token not provided"}
	}

	subject, err := g.tokens.Validate(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			return authResult{reason: "token has expired"}
		case errors.Is(err, auth.ErrSubjectMismatch):
			return authResult{reason: "invalid token subject"}
		default:
			return authResult{reason: "invalid token"}
		}
	}
	return authResult{subject: subject}
}

// handleWS accepts a control connection. Authentication happens before the
// message loop: a missing or invalid token gets a policy-violation close
// (1008) and no application message is ever processed.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	res := g.authenticate(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	if res.reason != "" {
		g.logger.Warn("rejected control connection", "remote", r.RemoteAddr, "reason", res.reason)
		g.closeWith(conn, websocket.ClosePolicyViolation, res.reason)
		_ = conn.Close()
		return
	}

	g.serveConn(conn, res.subject)
}

// serveConn registers a session for an authenticated connection and runs
// its message loop. The session is unconditionally removed when the loop
// ends, however it ends.
func (g *Gateway) serveConn(conn *websocket.Conn, subject string) {
	connID := uuid.New().String()

	if _, err := g.registry.Register(connID, subject); err != nil {
		// Duplicate IDs cannot happen with random connection IDs; treat as
		// an internal invariant violation and refuse the connection.
		g.logger.Error("session registration failed", "connection_id", connID, "error", err)
		g.closeWith(conn, websocket.CloseInternalServerErr, "session registration failed")
		_ = conn.Close()
		return
	}

	g.trackConn(connID, conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		g.untrackConn(connID)
		g.registry.Unregister(connID)
		_ = conn.Close()
	}()

	g.logger.Info("control connection accepted", "connection_id", connID, "remote", conn.RemoteAddr().String())

	g.messageLoop(ctx, conn, connID)
}

// messageLoop processes inbound messages strictly in receive order: each
// message is dispatched and its reply written before the next read. Replies
// for a connection are written only from this goroutine.
func (g *Gateway) messageLoop(ctx context.Context, conn *websocket.Conn, connID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("control connection read error", "connection_id", connID, "error", err)
			} else {
				g.logger.Info("control connection closed", "connection_id", connID)
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			if err := g.writeReply(conn, errorReply("Invalid message format")); err != nil {
				return
			}
			continue
		}

		resp, err := g.dispatch(ctx, connID, msg)
		if err != nil {
			// Internal invariant violations terminate the connection
			// defensively, with one best-effort notification first.
			g.logger.Error("dispatch failed, closing connection", "connection_id", connID, "error", err)
			_ = g.writeReply(conn, errorReply("Internal server error"))
			g.closeWith(conn, websocket.CloseInternalServerErr, "internal error")
			return
		}

		if err := g.writeReply(conn, resp); err != nil {
			g.logger.Warn("reply write failed", "connection_id", connID, "error", err)
			return
		}
	}
}

// writeReply sends one outbound protocol message.
func (g *Gateway) writeReply(conn *websocket.Conn, r reply) error {
	return conn.WriteJSON(r)
}

// closeWith sends a close frame with the given code and reason.
func (g *Gateway) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		g.logger.Debug("writing close frame", "error", err)
	}
}

// dispatch routes one protocol message. Returned errors are internal
// invariant violations; protocol and backend failures come back as error
// replies with a nil error so the connection stays open.
func (g *Gateway) dispatch(ctx context.Context, connID string, msg envelope) (reply, error) {
	switch msg.Type {
	case "command":
		return g.dispatchCommand(ctx, connID, msg.Payload)
	case "control_stream":
		return g.dispatchControlStream(msg.Payload)
	case "set_mode":
		return g.dispatchSetMode(connID, msg.Payload)
	default:
		return errorReply("Unknown message type"), nil
	}
}

// dispatchCommand relays a command to the agent backend. Backend failures
// are reported to the client and the loop continues; no automatic retry.
func (g *Gateway) dispatchCommand(ctx context.Context, connID string, payload json.RawMessage) (reply, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.Text == "" {
		return errorReply("Invalid command payload"), nil
	}

	sess, err := g.registry.Get(connID)
	if err != nil {
		return reply{}, fmt.Errorf("session lookup: %w", err)
	}

	result, err := g.agentClient.SendCommand(ctx, p.Text, sess.ConversationHandle)
	if err != nil {
		if errors.Is(err, agent.ErrBackendUnavailable) || errors.Is(err, agent.ErrBackendStatus) {
			return errorReply(err.Error()), nil
		}
		return errorReply(fmt.Sprintf("Error processing agent response: %v", err)), nil
	}

	if result.ConversationHandle != "" {
		if err := g.registry.SetConversation(connID, result.ConversationHandle); err != nil {
			return reply{}, fmt.Errorf("recording conversation handle: %w", err)
		}
	}

	return reply{Type: "response", Payload: map[string]string{"text": result.Text}}, nil
}

// dispatchControlStream starts or stops the shared screen stream. Both
// actions are idempotent at the coordinator.
func (g *Gateway) dispatchControlStream(payload json.RawMessage) (reply, error) {
	var p struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return errorReply("Invalid stream action"), nil
	}

	switch p.Action {
	case "WATCH":
		g.coordinator.Start()
		return reply{Type: "stream_status", Payload: map[string]string{"status": "active"}}, nil
	case "STOP":
		g.coordinator.Stop()
		return reply{Type: "stream_status", Payload: map[string]string{"status": "inactive"}}, nil
	default:
		return errorReply("Invalid stream action"), nil
	}
}

// dispatchSetMode updates the session's execution mode. Invalid modes get
// an error reply and leave the session untouched.
func (g *Gateway) dispatchSetMode(connID string, payload json.RawMessage) (reply, error) {
	var p struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return errorReply("Invalid mode specified"), nil
	}

	mode, err := session.ParseMode(p.Mode)
	if err != nil {
		return errorReply("Invalid mode specified"), nil
	}

	if err := g.registry.SetMode(connID, mode); err != nil {
		return reply{}, fmt.Errorf("updating session mode: %w", err)
	}

	return reply{Type: "mode_status", Payload: map[string]string{"mode": string(mode)}}, nil
}
