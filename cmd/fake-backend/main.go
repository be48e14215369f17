// ABOUTME: Minimal fake agent backend for E2E testing — serves /chat and echoes commands.
// ABOUTME: Usage: fake-backend [-addr localhost:8080] [-delay 50ms]

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

type chatResponse struct {
	Messages       []chatMessage `json:"messages"`
	ConversationID string        `json:"conversation_id"`
}

var conversationCounter int64

func main() {
	addr := flag.String("addr", "localhost:8080", "listen address")
	delay := flag.Duration("delay", 50*time.Millisecond, "simulated agent thinking time")
	flag.Parse()

	http.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}

		input := ""
		for _, m := range req.Messages {
			if m.Role == "user" {
				input = m.Content
			}
		}

		conversationID := req.ConversationID
		if conversationID == "" {
			conversationID = fmt.Sprintf("fake-conv-%d", atomic.AddInt64(&conversationCounter, 1))
		}

		log.Printf("received command [%s]: %s", conversationID, input)
		time.Sleep(*delay)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Messages:       []chatMessage{{Role: "assistant", Content: echoReply(input)}},
			ConversationID: conversationID,
		})
	})

	log.Printf("fake agent backend listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your command and am responding with some *formatted* text.", input)
}
