// Package agent is the gateway's client for the agent backend.
//
// # Boundary
//
// The backend is an external collaborator: an HTTP service that executes
// commands and produces natural-language replies. The gateway relays text
// to it and reports what came back; it never interprets command semantics.
//
// # Protocol
//
// One endpoint is used:
//
//	POST {base_url}/chat
//	{"messages": [{"role": "user", "content": "<command text>"}],
//	 "conversation_id": "<handle>"}        // omitted when empty
//
// The response mirrors the shape:
//
//	{"messages": [{"role": "assistant", "content": "<reply>"}, ...],
//	 "conversation_id": "<handle>"}        // optional
//
// The first assistant-role message is the reply. When none is present the
// client substitutes "No reply from assistant." rather than failing.
//
// # Timeouts
//
// Agent turns are slow: the configured timeout is minutes-scale (default
// 5m) and bounds the whole exchange. Callers pass a context for earlier
// cancellation (connection teardown, shutdown).
//
// # Errors
//
//   - ErrBackendUnavailable: transport failure, backend unreachable.
//   - ErrBackendStatus: non-2xx status or malformed response body.
//
// Both are recoverable: the session reports them to the client as error
// messages and stays open. No automatic retry; the user may resend.
package agent
