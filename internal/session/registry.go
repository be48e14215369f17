// ABOUTME: Tracks per-connection session state for the control plane.
// ABOUTME: Central record of mode, conversation handle, and owner per connection.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateConnection indicates a session with the same connection ID is already registered.
var ErrDuplicateConnection = errors.New("connection already registered")

// ErrSessionNotFound indicates the specified session was not found.
var ErrSessionNotFound = errors.New("session not found")

// Mode is the client-selected execution policy hint. The gateway tracks and
// reports it; interpreting it is the agent backend's business.
type Mode string

const (
	// ModeSafe asks the backend to confirm before destructive actions.
	ModeSafe Mode = "SAFE"
	// ModeYolo lets the backend act without confirmation. New sessions
	// start in this mode.
	ModeYolo Mode = "YOLO"
)

// ParseMode converts a wire string into a Mode. Only the two defined modes
// are valid; anything else is an error and leaves session state untouched.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSafe:
		return ModeSafe, nil
	case ModeYolo:
		return ModeYolo, nil
	default:
		return "", fmt.Errorf("invalid mode %q", s)
	}
}

// Session is the state held for one open control connection.
type Session struct {
	ConnectionID string
	Mode         Mode
	// ConversationHandle is the opaque continuation identifier the agent
	// backend returned for this session, if any.
	ConversationHandle string
	OwnerSubject       string
	ConnectedAt        time.Time
}

// Registry coordinates session state for all open connections. All methods
// are safe for concurrent use; accessors return copies so callers never
// observe partial writes.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session for a newly authenticated connection. New sessions
// start in YOLO mode with no conversation handle. Returns
// ErrDuplicateConnection if the connection ID is already registered; a
// correct transport never produces this, but it is guarded regardless.
func (r *Registry) Register(connectionID, ownerSubject string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connectionID]; exists {
		return Session{}, ErrDuplicateConnection
	}

	sess := &Session{
		ConnectionID: connectionID,
		Mode:         ModeYolo,
		OwnerSubject: ownerSubject,
		ConnectedAt:  time.Now(),
	}
	r.sessions[connectionID] = sess

	r.logger.Info("session registered",
		"connection_id", connectionID,
		"owner", ownerSubject,
		"total_sessions", len(r.sessions),
	)
	return *sess, nil
}

// Get returns a snapshot of the session for the given connection ID.
func (r *Registry) Get(connectionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// SetMode updates the execution mode for a session.
func (r *Registry) SetMode(connectionID string, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Mode = mode

	r.logger.Info("session mode changed",
		"connection_id", connectionID,
		"mode", mode,
	)
	return nil
}

// SetConversation records the conversation handle the backend returned so
// subsequent commands continue the same exchange.
func (r *Registry) SetConversation(connectionID, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[connectionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.ConversationHandle = handle
	return nil
}

// Unregister removes a session. Idempotent: unregistering an absent
// connection is a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[connectionID]; exists {
		delete(r.sessions, connectionID)
		r.logger.Info("session unregistered",
			"connection_id", connectionID,
			"total_sessions", len(r.sessions),
		)
	}
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// List returns snapshots of all open sessions.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, *sess)
	}
	return sessions
}
