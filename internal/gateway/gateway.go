// ABOUTME: Gateway orchestrator wiring auth, sessions, streaming, and HTTP/WS serving
// ABOUTME: Manages listener setup (TCP or Tailscale), lifecycle, and health endpoints

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/periscope-gateway/internal/agent"
	"github.com/2389/periscope-gateway/internal/auth"
	"github.com/2389/periscope-gateway/internal/config"
	"github.com/2389/periscope-gateway/internal/session"
	"github.com/2389/periscope-gateway/internal/stream"
)

// Gateway orchestrates the periscope-gateway server components: the pairing
// token service, the session registry, the stream coordinator, the agent
// backend client, and the single HTTP server carrying both the REST surface
// and the WebSocket control channel.
type Gateway struct {
	config      *config.Config
	tokens      *auth.TokenService
	registry    *session.Registry
	coordinator *stream.Coordinator
	agentClient *agent.Client
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// landingHTML is the goldmark-rendered landing page, built once at startup.
	landingHTML []byte

	// conns tracks open WebSocket connections so shutdown can drain them
	// with a going-away close instead of cutting the TCP stream.
	connsMu sync.Mutex
	conns   map[string]*websocket.Conn
}

// resolveTokenSecret returns the configured signing secret, generating an
// ephemeral one when none is set. Tokens signed with an ephemeral secret
// stop validating when the process restarts.
func resolveTokenSecret(cfg *config.Config, logger *slog.Logger) (string, error) {
	if cfg.Auth.JWTSecret != "" {
		return cfg.Auth.JWTSecret, nil
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("generating ephemeral token secret: %w", err)
	}
	logger.Warn("no jwt_secret configured - using an ephemeral secret, pairing tokens will not survive a restart")
	return secret, nil
}

// New creates a Gateway instance with the given configuration. The capture
// device is not touched here; it initializes lazily on the first WATCH.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	secret, err := resolveTokenSecret(cfg, logger)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:      cfg,
		tokens:      auth.NewTokenService([]byte(secret), cfg.Auth.TokenTTL),
		registry:    session.NewRegistry(logger.With("component", "session-registry")),
		coordinator: stream.NewCoordinator(cfg.Stream, stream.OpenScreenDevice, logger),
		agentClient: agent.NewClient(cfg.Agent.BaseURL, cfg.Agent.Timeout, logger.With("component", "agent-client")),
		logger:      logger.With("component", "gateway"),
		conns:       make(map[string]*websocket.Conn),
	}

	g.landingHTML, err = renderLandingPage()
	if err != nil {
		return nil, fmt.Errorf("rendering landing page: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleLanding)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/pair", g.handlePairImage)
	mux.HandleFunc("/pair/url", g.handlePairURL)
	mux.HandleFunc("/stream", g.handleStream)
	mux.HandleFunc("/ws", g.handleWS)

	g.httpServer = &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.BindAddr())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.BindAddr(), err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the tsnet state directory, using the
// default under the user's data dir when not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "periscope-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", fmt.Sprintf(":%d", g.config.Server.Port))
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway server and blocks until the context is canceled or
// the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled by the time this is called.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// drainConnections sends a going-away close to every open control
// connection so clients see a clean shutdown rather than a dropped stream.
func (g *Gateway) drainConnections() {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()

	for connID, conn := range g.conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			g.logger.Debug("close notification failed", "connection_id", connID, "error", err)
		}
		_ = conn.Close()
		delete(g.conns, connID)
	}
}

// Shutdown gracefully stops the gateway: control connections are drained,
// the capture loop stops and releases its device, and the HTTP server
// finishes in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.drainConnections()
	g.coordinator.Close()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// trackConn registers an open WebSocket connection for shutdown draining.
func (g *Gateway) trackConn(connID string, conn *websocket.Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	g.conns[connID] = conn
}

// untrackConn removes a connection from shutdown tracking.
func (g *Gateway) untrackConn(connID string) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	delete(g.conns, connID)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing JSON response", "error", err)
	}
}

// handleHealth returns 200 OK while the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness plus a snapshot of session count and
// stream state.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": g.registry.Count(),
		"stream":   g.coordinator.State().String(),
	})
}
