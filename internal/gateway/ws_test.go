// ABOUTME: End-to-end tests for the WebSocket control protocol.
// ABOUTME: Drives a real gateway over httptest with stubbed backend and capture.

package gateway

import (
	"encoding/json"
	"image"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/periscope-gateway/internal/auth"
	"github.com/2389/periscope-gateway/internal/config"
	"github.com/2389/periscope-gateway/internal/session"
	"github.com/2389/periscope-gateway/internal/stream"
)

// fakeCaptureDevice yields fixed frames so gateway tests never touch a display.
type fakeCaptureDevice struct{}

func (fakeCaptureDevice) Grab() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 160, 90)), nil
}

func (fakeCaptureDevice) Close() error { return nil }

// countingOpener counts device opens for idempotency assertions.
type countingOpener struct {
	mu    sync.Mutex
	opens int
}

func (o *countingOpener) open(monitor int, logger *slog.Logger) (stream.CaptureDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	return fakeCaptureDevice{}, nil
}

func (o *countingOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// testGateway is a gateway running on httptest with a fake capture device.
type testGateway struct {
	gw     *Gateway
	server *httptest.Server
	opener *countingOpener
}

func newTestGateway(t *testing.T, backendURL string) *testGateway {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Agent.BaseURL = backendURL
	cfg.Agent.Timeout = 5 * time.Second
	cfg.Stream.FPS = 50
	cfg.Stream.TargetWidth = 80
	cfg.Stream.TargetHeight = 45

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)

	opener := &countingOpener{}
	gw.coordinator = stream.NewCoordinator(cfg.Stream, opener.open, slog.Default())

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		server.Close()
		gw.coordinator.Close()
	})

	return &testGateway{gw: gw, server: server, opener: opener}
}

// dial opens a control connection with the given token.
func (tg *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialAuthenticated issues a fresh token and connects with it.
func (tg *testGateway) dialAuthenticated(t *testing.T) *websocket.Conn {
	t.Helper()
	token, err := tg.gw.tokens.Issue()
	require.NoError(t, err)
	return tg.dial(t, token)
}

// wireReply is an inbound protocol message with its payload left raw.
type wireReply struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgType, "payload": payload}))
}

func readReply(t *testing.T, conn *websocket.Conn) wireReply {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var r wireReply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func payloadField(t *testing.T, r wireReply, key string) string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal(r.Payload, &m))
	return m[key]
}

func payloadString(t *testing.T, r wireReply) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(r.Payload, &s))
	return s
}

// stubBackend is a canned agent backend for /chat.
func stubBackend(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func assistantResponse(reply, conversationID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"messages": []map[string]string{{"role": "assistant", "content": reply}},
		}
		if conversationID != "" {
			resp["conversation_id"] = conversationID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestWSCommandEndToEnd(t *testing.T) {
	backend := stubBackend(t, assistantResponse("hi", ""))
	tg := newTestGateway(t, backend.URL)
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "command", map[string]string{"text": "hello"})

	r := readReply(t, conn)
	require.Equal(t, "response", r.Type)
	assert.Equal(t, "hi", payloadField(t, r, "text"))
}

func TestWSCommandRecordsConversationHandle(t *testing.T) {
	var mu sync.Mutex
	var seenConversationIDs []string

	backend := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConversationID string `json:"conversation_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seenConversationIDs = append(seenConversationIDs, req.ConversationID)
		mu.Unlock()
		assistantResponse("ok", "conv-42")(w, r)
	})
	tg := newTestGateway(t, backend.URL)
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "command", map[string]string{"text": "first"})
	readReply(t, conn)
	sendMessage(t, conn, "command", map[string]string{"text": "second"})
	readReply(t, conn)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenConversationIDs, 2)
	assert.Empty(t, seenConversationIDs[0], "first command has no conversation handle yet")
	assert.Equal(t, "conv-42", seenConversationIDs[1], "second command must continue the backend conversation")
}

func TestWSCommandBackendFailuresKeepConnectionOpen(t *testing.T) {
	backend := stubBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend exploded", http.StatusInternalServerError)
	})
	tg := newTestGateway(t, backend.URL)
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "command", map[string]string{"text": "boom"})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Contains(t, payloadString(t, r), "backend")

	// The loop survives: a follow-up message still gets a reply.
	sendMessage(t, conn, "set_mode", map[string]string{"mode": "SAFE"})
	r = readReply(t, conn)
	assert.Equal(t, "mode_status", r.Type)
}

func TestWSCommandBackendUnreachable(t *testing.T) {
	// A server that is already closed leaves nothing listening on the port.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	tg := newTestGateway(t, deadURL)
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "command", map[string]string{"text": "anyone home"})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Contains(t, payloadString(t, r), "unreachable")
}

func TestWSSetMode(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "set_mode", map[string]string{"mode": "SAFE"})
	r := readReply(t, conn)
	require.Equal(t, "mode_status", r.Type)
	assert.Equal(t, "SAFE", payloadField(t, r, "mode"))

	sessions := tg.gw.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ModeSafe, sessions[0].Mode)
}

func TestWSSetModeRejectsUnknownMode(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	// Move off the default first so "unchanged" is observable.
	sendMessage(t, conn, "set_mode", map[string]string{"mode": "SAFE"})
	readReply(t, conn)

	sendMessage(t, conn, "set_mode", map[string]string{"mode": "HOSTILE"})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Equal(t, "Invalid mode specified", payloadString(t, r))

	sessions := tg.gw.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ModeSafe, sessions[0].Mode, "invalid mode must leave the session unchanged")
}

func TestWSControlStreamWatchIsIdempotent(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "control_stream", map[string]string{"action": "WATCH"})
	r := readReply(t, conn)
	require.Equal(t, "stream_status", r.Type)
	assert.Equal(t, "active", payloadField(t, r, "status"))

	sendMessage(t, conn, "control_stream", map[string]string{"action": "WATCH"})
	r = readReply(t, conn)
	require.Equal(t, "stream_status", r.Type)
	assert.Equal(t, "active", payloadField(t, r, "status"), "second WATCH still reports active")

	assert.True(t, tg.gw.coordinator.Active())
	assert.LessOrEqual(t, tg.opener.count(), 1, "duplicate WATCH must not open a second capture device")
}

func TestWSControlStreamStop(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "control_stream", map[string]string{"action": "WATCH"})
	readReply(t, conn)
	require.True(t, tg.gw.coordinator.Active())

	sendMessage(t, conn, "control_stream", map[string]string{"action": "STOP"})
	r := readReply(t, conn)
	require.Equal(t, "stream_status", r.Type)
	assert.Equal(t, "inactive", payloadField(t, r, "status"))
	assert.False(t, tg.gw.coordinator.Active())

	// STOP while already idle is a no-op, still reported as inactive.
	sendMessage(t, conn, "control_stream", map[string]string{"action": "STOP"})
	r = readReply(t, conn)
	assert.Equal(t, "inactive", payloadField(t, r, "status"))
}

func TestWSControlStreamRejectsUnknownAction(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "control_stream", map[string]string{"action": "REWIND"})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Equal(t, "Invalid stream action", payloadString(t, r))
	assert.False(t, tg.gw.coordinator.Active())
}

func TestWSUnknownMessageType(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "teleport", map[string]string{})
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Equal(t, "Unknown message type", payloadString(t, r))

	// Connection remains open after an unknown type.
	sendMessage(t, conn, "set_mode", map[string]string{"mode": "YOLO"})
	r = readReply(t, conn)
	assert.Equal(t, "mode_status", r.Type)
}

func TestWSMalformedJSON(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	r := readReply(t, conn)
	require.Equal(t, "error", r.Type)
	assert.Equal(t, "Invalid message format", payloadString(t, r))
}

func TestWSAuthRejection(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "missing token",
			token: func(t *testing.T) string { return "" },
		},
		{
			name:  "garbage token",
			token: func(t *testing.T) string { return "not-a-jwt" },
		},
		{
			name: "token signed with a different secret",
			token: func(t *testing.T) string {
				foreign := auth.NewTokenService([]byte("other-secret"), time.Minute)
				tok, err := foreign.Issue()
				require.NoError(t, err)
				return tok
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := tg.dial(t, tt.token(t))

			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, _, err := conn.ReadMessage()
			require.Error(t, err)

			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected a close frame, got %v", err)
			assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

			// No session may exist for a rejected connection.
			assert.Equal(t, 0, tg.gw.registry.Count())
		})
	}
}

func TestWSDisconnectCleansUpSession(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	sendMessage(t, conn, "set_mode", map[string]string{"mode": "SAFE"})
	readReply(t, conn)
	require.Equal(t, 1, tg.gw.registry.Count())

	// Abrupt close, no close handshake.
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return tg.gw.registry.Count() == 0
	}, 5*time.Second, 20*time.Millisecond, "session must be unregistered after disconnect")
}

func TestWSConnectionsAreIndependent(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn1 := tg.dialAuthenticated(t)
	conn2 := tg.dialAuthenticated(t)

	sendMessage(t, conn1, "set_mode", map[string]string{"mode": "SAFE"})
	readReply(t, conn1)

	require.Equal(t, 2, tg.gw.registry.Count())

	modes := map[session.Mode]int{}
	for _, s := range tg.gw.registry.List() {
		modes[s.Mode]++
	}
	assert.Equal(t, 1, modes[session.ModeSafe])
	assert.Equal(t, 1, modes[session.ModeYolo], "second connection keeps its own default mode")

	// The untouched connection still works.
	sendMessage(t, conn2, "set_mode", map[string]string{"mode": "YOLO"})
	r := readReply(t, conn2)
	assert.Equal(t, "mode_status", r.Type)
}

func TestWSOrderedReplies(t *testing.T) {
	tg := newTestGateway(t, "http://localhost:0")
	conn := tg.dialAuthenticated(t)

	// Queue several messages; replies must come back in send order.
	for i := 0; i < 5; i++ {
		mode := "SAFE"
		if i%2 == 1 {
			mode = "YOLO"
		}
		sendMessage(t, conn, "set_mode", map[string]string{"mode": mode})
	}

	for i := 0; i < 5; i++ {
		want := "SAFE"
		if i%2 == 1 {
			want = "YOLO"
		}
		r := readReply(t, conn)
		require.Equal(t, "mode_status", r.Type, "reply %d", i)
		assert.Equal(t, want, payloadField(t, r, "mode"), "reply %d out of order", i)
	}
}
