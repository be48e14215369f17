// ABOUTME: Tests for the agent backend HTTP client.
// ABOUTME: Uses a stub backend to validate request shape and error mapping.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSendCommand(t *testing.T) {
	t.Run("relays command and returns assistant reply", func(t *testing.T) {
		var gotReq chatRequest
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/chat", r.URL.Path)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			json.NewEncoder(w).Encode(chatResponse{
				Messages: []chatMessage{{Role: "assistant", Content: "hi"}},
			})
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		reply, err := client.SendCommand(context.Background(), "hello", "")
		require.NoError(t, err)

		assert.Equal(t, "hi", reply.Text)
		assert.Empty(t, reply.ConversationHandle)

		require.Len(t, gotReq.Messages, 1)
		assert.Equal(t, "user", gotReq.Messages[0].Role)
		assert.Equal(t, "hello", gotReq.Messages[0].Content)
		assert.Empty(t, gotReq.ConversationID)
	})

	t.Run("passes conversation handle when set", func(t *testing.T) {
		var gotReq chatRequest
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			json.NewEncoder(w).Encode(chatResponse{
				Messages:       []chatMessage{{Role: "assistant", Content: "continuing"}},
				ConversationID: "conv-2",
			})
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		reply, err := client.SendCommand(context.Background(), "next step", "conv-1")
		require.NoError(t, err)

		assert.Equal(t, "conv-1", gotReq.ConversationID)
		assert.Equal(t, "conv-2", reply.ConversationHandle)
	})

	t.Run("picks first assistant message", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(chatResponse{
				Messages: []chatMessage{
					{Role: "user", Content: "hello"},
					{Role: "assistant", Content: "first"},
					{Role: "assistant", Content: "second"},
				},
			})
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		reply, err := client.SendCommand(context.Background(), "hello", "")
		require.NoError(t, err)
		assert.Equal(t, "first", reply.Text)
	})

	t.Run("falls back when no assistant message", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(chatResponse{
				Messages: []chatMessage{{Role: "user", Content: "echo"}},
			})
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		reply, err := client.SendCommand(context.Background(), "hello", "")
		require.NoError(t, err)
		assert.Equal(t, "No reply from assistant.", reply.Text)
	})

	t.Run("maps error status to ErrBackendStatus", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model exploded", http.StatusInternalServerError)
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		_, err := client.SendCommand(context.Background(), "hello", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackendStatus))
		assert.Contains(t, err.Error(), "500")
		assert.Contains(t, err.Error(), "model exploded")
	})

	t.Run("maps malformed body to ErrBackendStatus", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer backend.Close()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		_, err := client.SendCommand(context.Background(), "hello", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackendStatus))
	})

	t.Run("maps connection failure to ErrBackendUnavailable", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		backend.Close() // no listener anymore

		client := NewClient(backend.URL, time.Second, slog.Default())
		_, err := client.SendCommand(context.Background(), "hello", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackendUnavailable))
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		release := make(chan struct{})
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer backend.Close()
		defer close(release)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		client := NewClient(backend.URL, time.Minute, slog.Default())
		_, err := client.SendCommand(ctx, "hello", "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBackendUnavailable))
	})
}

func TestClientBaseURLTrimsTrailingSlash(t *testing.T) {
	client := NewClient("http://localhost:8080/", time.Minute, slog.Default())
	assert.Equal(t, "http://localhost:8080", client.BaseURL())
}
