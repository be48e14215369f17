// ABOUTME: Pairing endpoints that mint a fresh token and hand it out as URL or QR
// ABOUTME: Detects the LAN-facing address so the phone can reach the gateway

package gateway

import (
	"fmt"
	"net"
	"net/http"

	"rsc.io/qr"
)

// fallbackIP is used when outbound probing fails entirely.
const fallbackIP = "127.0.0.1"

// detectLocalIP finds the outbound-facing local address by dialing a
// well-known external host over UDP. No packet is sent; the kernel just
// picks the route and source address. Best-effort convenience, not a
// security boundary.
func detectLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackIP
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return fallbackIP
	}
	return addr.IP.String()
}

// advertisedHost returns the host clients should connect to: the configured
// advertise host when set, the detected LAN address otherwise.
func (g *Gateway) advertisedHost() string {
	if g.config.Server.AdvertiseHost != "" {
		return g.config.Server.AdvertiseHost
	}
	return detectLocalIP()
}

// pairingURL issues a fresh token and embeds it in the WebSocket connection
// URL the client will dial.
func (g *Gateway) pairingURL() (string, error) {
	token, err := g.tokens.Issue()
	if err != nil {
		return "", fmt.Errorf("issuing pairing token: %w", err)
	}
	return fmt.Sprintf("ws://%s:%d/ws?token=%s", g.advertisedHost(), g.config.Server.Port, token), nil
}

// handlePairURL serves the pairing URL as plain text.
func (g *Gateway) handlePairURL(w http.ResponseWriter, r *http.Request) {
	url, err := g.pairingURL()
	if err != nil {
		g.logger.Error("pairing URL generation failed", "error", err)
		http.Error(w, "failed to generate pairing URL", http.StatusInternalServerError)
		return
	}

	g.logger.Info("issued pairing URL", "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, url)
}

// handlePairImage serves the pairing URL as a scannable QR PNG.
func (g *Gateway) handlePairImage(w http.ResponseWriter, r *http.Request) {
	url, err := g.pairingURL()
	if err != nil {
		g.logger.Error("pairing URL generation failed", "error", err)
		http.Error(w, "failed to generate pairing URL", http.StatusInternalServerError)
		return
	}

	code, err := qr.Encode(url, qr.L)
	if err != nil {
		g.logger.Error("QR encoding failed", "error", err)
		http.Error(w, "failed to encode QR code", http.StatusInternalServerError)
		return
	}

	g.logger.Info("issued pairing QR", "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "image/png")
	if _, err := w.Write(code.PNG()); err != nil {
		g.logger.Debug("writing QR response", "error", err)
	}
}
