// Package gateway orchestrates the periscope-gateway server.
//
// # Overview
//
// The gateway package is the control plane: it owns the HTTP server, the
// WebSocket protocol, pairing, and the glue between the session registry,
// the stream coordinator, and the agent backend client.
//
//	type Gateway struct {
//	    config      *config.Config
//	    tokens      *auth.TokenService
//	    registry    *session.Registry
//	    coordinator *stream.Coordinator
//	    agentClient *agent.Client
//	    httpServer  *http.Server
//	    tsnetServer *tsnet.Server
//	}
//
// # HTTP Surface
//
//   - GET /pair - pairing QR code (image/png)
//   - GET /pair/url - pairing URL (text/plain)
//   - GET /stream - live MJPEG screen feed, 404 with instructions when idle
//   - WS  /ws?token= - control channel
//   - GET / - landing page
//   - GET /health - liveness
//   - GET /health/ready - readiness, session count, stream state
//
// # Control Protocol
//
// Messages both directions are {"type": string, "payload": object}:
//
//	-> {"type":"command","payload":{"text":"ls"}}
//	<- {"type":"response","payload":{"text":"..."}}
//	-> {"type":"control_stream","payload":{"action":"WATCH"}}
//	<- {"type":"stream_status","payload":{"status":"active"}}
//	-> {"type":"set_mode","payload":{"mode":"SAFE"}}
//	<- {"type":"mode_status","payload":{"mode":"SAFE"}}
//	<- {"type":"error","payload":"Unknown message type"}
//
// A connection authenticates via its pairing token before the loop starts;
// failures close with policy violation (1008). Protocol and backend errors
// come back as error messages and leave the connection open. Messages on
// one connection are processed strictly in receive order, and replies are
// written only from that connection's loop goroutine.
//
// # Lifecycle
//
// New wires the components, Run listens (plain TCP or a tsnet node) and
// blocks until the context is canceled, Shutdown drains control
// connections with a going-away close, stops the capture loop, and lets
// in-flight HTTP requests finish.
//
// # Watcher Policy
//
// The stream runs until an explicit STOP. Viewers coming and going on
// /stream never start or stop the capture loop.
package gateway
