// Package session tracks per-connection control session state.
//
// # Sessions
//
// One Session exists per open control connection:
//
//	type Session struct {
//	    ConnectionID       string    // unique per open connection
//	    Mode               Mode      // SAFE or YOLO, default YOLO
//	    ConversationHandle string    // opaque backend continuation id
//	    OwnerSubject       string    // subject of the pairing token
//	    ConnectedAt        time.Time
//	}
//
// Sessions are created when a connection authenticates, mutated by set_mode
// messages and by command replies carrying a conversation handle, and
// removed explicitly when the connection closes. Nothing is persisted;
// state lives for the process lifetime only.
//
// # Concurrency Contract
//
// The Registry is the one structure mutated from multiple connection
// goroutines. A single RWMutex guards the map: Register, SetMode,
// SetConversation, and Unregister serialize; Get, Count, and List take the
// read lock and return copies, so callers never observe partial writes and
// never hold references the registry mutates.
//
// # Errors
//
//   - ErrDuplicateConnection: Register saw an already-registered ID. A
//     correct transport never produces this; it is guarded as an internal
//     invariant.
//   - ErrSessionNotFound: lookup or mutation on an absent ID.
//
// # Modes
//
// SAFE and YOLO are policy hints forwarded conceptually to the agent
// backend. The gateway only tracks and reports the selection; ParseMode
// rejects everything else so invalid values never reach a session.
package session
