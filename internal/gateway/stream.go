// ABOUTME: MJPEG viewer endpoint pulling frames from the stream coordinator
// ABOUTME: Writes multipart/x-mixed-replace parts for as long as the viewer stays

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/periscope-gateway/internal/stream"
)

// streamBoundary is the multipart boundary between JPEG frames.
const streamBoundary = "frame"

// inactiveStreamBody explains how to start the stream when a viewer arrives
// before any WATCH command.
const inactiveStreamBody = "Stream is not active. Send a WATCH command over the control channel to begin."

// handleStream serves the live screen feed. Each subscribed viewer receives
// the same frame sequence; a viewer leaving never affects the capture loop
// or other viewers.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	ch, subID, err := g.coordinator.Subscribe(r.Context())
	if err != nil {
		if errors.Is(err, stream.ErrNotActive) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, inactiveStreamBody)
			return
		}
		g.logger.Error("stream subscription failed", "error", err)
		http.Error(w, "failed to open stream", http.StatusInternalServerError)
		return
	}
	defer g.coordinator.Unsubscribe(subID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	g.logger.Info("stream viewer connected", "remote", r.RemoteAddr, "sub_id", subID)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+streamBoundary)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The channel closes when the coordinator stops or the viewer's request
	// context ends; either way the response is done.
	for frame := range ch {
		if err := writeFramePart(w, frame); err != nil {
			g.logger.Debug("stream viewer write failed", "sub_id", subID, "error", err)
			return
		}
		flusher.Flush()
	}

	g.logger.Info("stream viewer disconnected", "remote", r.RemoteAddr, "sub_id", subID)
}

// writeFramePart writes one boundary-delimited JPEG part with an explicit
// length header.
func writeFramePart(w http.ResponseWriter, frame stream.Frame) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(frame.JPEG)); err != nil {
		return err
	}
	if _, err := w.Write(frame.JPEG); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "\r\n")
	return err
}
