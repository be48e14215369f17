// ABOUTME: Owns the single screen-capture loop and fans frames out to viewers.
// ABOUTME: Runs the grab/resize/encode/pace cycle with device recovery.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/periscope-gateway/internal/config"
)

const (
	// subscriberBufferSize is the per-viewer frame buffer. Kept small:
	// a viewer that falls behind drops frames instead of accumulating
	// stale video.
	subscriberBufferSize = 2

	// reinitBackoff is the wait between device reinitialization attempts.
	// Deliberately longer than any per-tick pacing.
	reinitBackoff = 5 * time.Second

	// postRecoveryPause is the settle time after a successful reinit
	// before capture resumes.
	postRecoveryPause = 1 * time.Second

	// errorPause throttles the loop after non-capture errors so a
	// persistent encode failure cannot busy-loop.
	errorPause = 1 * time.Second
)

// ErrNotActive indicates a frame subscription was requested while the
// stream is stopped.
var ErrNotActive = errors.New("stream not active")

// State is the coordinator lifecycle state.
type State int

const (
	// StateIdle: no capture loop running.
	StateIdle State = iota
	// StateActive: the loop is producing frames.
	StateActive
	// StateRecovering: the loop is alive but reinitializing the capture
	// device after a failure.
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Frame is one encoded video frame. Frames are transient: produced once
// per tick, handed to current subscribers, never retained.
type Frame struct {
	JPEG []byte
}

// Coordinator owns the process-wide capture pipeline. There is at most one
// capture device and one running loop regardless of how many viewers are
// subscribed; all viewers observe the same frame sequence.
type Coordinator struct {
	cfg    config.StreamConfig
	opener DeviceOpener
	logger *slog.Logger

	mu          sync.RWMutex
	state       State
	device      CaptureDevice
	subscribers map[string]chan Frame
	cancelLoop  context.CancelFunc
	loopDone    chan struct{}
}

// NewCoordinator creates a coordinator in the Idle state. The capture
// device is not touched until the first Start.
func NewCoordinator(cfg config.StreamConfig, opener DeviceOpener, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		opener:      opener,
		logger:      logger.With("component", "stream-coordinator"),
		state:       StateIdle,
		subscribers: make(map[string]chan Frame),
	}
}

// Start launches the capture loop. Idempotent: starting while Active (or
// Recovering) is a no-op. The capture device initializes lazily inside the
// loop, so Start never blocks on the display.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	prevDone := c.loopDone
	c.mu.Unlock()

	// Let a just-stopped loop drain before spawning its replacement so
	// two loops never share the device.
	if prevDone != nil {
		<-prevDone
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancelLoop = cancel
	c.loopDone = done
	c.state = StateActive

	c.logger.Info("stream starting",
		"fps", c.cfg.FPS,
		"quality", c.cfg.Quality,
		"target", fmt.Sprintf("%dx%d", c.cfg.TargetWidth, c.cfg.TargetHeight),
		"monitor", c.cfg.Monitor,
	)

	go c.captureLoop(ctx, done)
}

// Stop halts the capture loop and ends every subscriber's frame sequence.
// Idempotent: stopping while Idle is a no-op. Takes effect before the next
// pacing tick. The capture device is kept for reuse; only Close releases it.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdle {
		return
	}

	c.cancelLoop()
	c.state = StateIdle
	c.closeSubscribersLocked()

	c.logger.Info("stream stopped")
}

// Close stops the loop, waits for it to drain, and releases the capture
// device. For process shutdown only.
func (c *Coordinator) Close() {
	c.Stop()

	c.mu.RLock()
	done := c.loopDone
	c.mu.RUnlock()
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		if err := c.device.Close(); err != nil {
			c.logger.Warn("closing capture device", "error", err)
		}
		c.device = nil
	}
}

// Active reports whether the stream is running. Recovering counts as
// active: the loop is alive and frames resume once the device comes back.
func (c *Coordinator) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateIdle
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Subscribe registers a viewer for the live frame sequence. The channel
// closes when the stream stops or ctx ends; it is never reused, so a viewer
// that wants to resume watching must subscribe again. Returns ErrNotActive
// when the stream is stopped.
func (c *Coordinator) Subscribe(ctx context.Context) (<-chan Frame, string, error) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return nil, "", ErrNotActive
	}

	subID := uuid.New().String()
	ch := make(chan Frame, subscriberBufferSize)
	c.subscribers[subID] = ch
	c.mu.Unlock()

	c.logger.Debug("viewer subscribed", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		c.Unsubscribe(subID)
	}()

	return ch, subID, nil
}

// Unsubscribe removes a viewer subscription and closes its channel.
func (c *Coordinator) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.subscribers[subID]
	if !ok {
		return
	}

	delete(c.subscribers, subID)
	close(ch)

	c.logger.Debug("viewer unsubscribed", "sub_id", subID)
}

// publish hands a frame to every subscriber. Sends are non-blocking: full
// buffers drop the frame for that viewer. Holding the read lock during the
// sends keeps close (always under the write lock) from racing them.
func (c *Coordinator) publish(frame Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for subID, ch := range c.subscribers {
		select {
		case ch <- frame:
			// Sent
		default:
			c.logger.Debug("dropped frame for slow viewer", "sub_id", subID)
		}
	}
}

// closeSubscribersLocked ends every subscription. Caller holds the write lock.
func (c *Coordinator) closeSubscribersLocked() {
	for subID, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, subID)
	}
}

// captureLoop runs one tick per pacing interval: grab, resize, encode,
// publish. Capture failures trigger device recovery; everything else is
// logged and the loop pushes on. The loop exits only when ctx is canceled.
func (c *Coordinator) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	limiter := rate.NewLimiter(rate.Limit(c.cfg.FPS), 1)

	for {
		// The limiter paces ticks at 1/fps and aborts mid-wait on Stop,
		// so a stop lands within one frame period.
		if err := limiter.Wait(ctx); err != nil {
			c.logger.Debug("capture loop exiting")
			return
		}

		frame, err := c.captureFrame()
		if err == nil {
			c.publish(frame)
			continue
		}

		if errors.Is(err, ErrCaptureFailed) || errors.Is(err, ErrNoDisplays) {
			if !c.recoverDevice(ctx) {
				return
			}
			continue
		}

		c.logger.Error("frame pipeline error", "error", err)
		if !c.sleep(ctx, errorPause) {
			return
		}
	}
}

// captureFrame grabs one screen image and encodes it for the wire.
func (c *Coordinator) captureFrame() (Frame, error) {
	dev, err := c.ensureDevice()
	if err != nil {
		return Frame{}, err
	}

	img, err := dev.Grab()
	if err != nil {
		return Frame{}, err
	}

	jpegBytes, err := encodeFrame(img, c.cfg.TargetWidth, c.cfg.TargetHeight, c.cfg.Quality)
	if err != nil {
		return Frame{}, err
	}

	return Frame{JPEG: jpegBytes}, nil
}

// ensureDevice returns the open capture device, opening it on first use.
// Open failures surface as capture errors so the loop's recovery path
// owns all retry behavior.
func (c *Coordinator) ensureDevice() (CaptureDevice, error) {
	c.mu.RLock()
	dev := c.device
	c.mu.RUnlock()
	if dev != nil {
		return dev, nil
	}

	dev, err := c.opener(c.cfg.Monitor, c.logger)
	if err != nil {
		if errors.Is(err, ErrCaptureFailed) || errors.Is(err, ErrNoDisplays) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	c.mu.Lock()
	c.device = dev
	c.mu.Unlock()
	return dev, nil
}

// recoverDevice discards the capture device and reopens it, backing off
// between failed attempts. Returns false when the loop was stopped
// mid-recovery.
func (c *Coordinator) recoverDevice(ctx context.Context) bool {
	if !c.transition(ctx, StateRecovering) {
		return false
	}
	c.logger.Warn("capture failed, reinitializing device")

	c.mu.Lock()
	if c.device != nil {
		c.device.Close()
		c.device = nil
	}
	c.mu.Unlock()

	for {
		dev, err := c.opener(c.cfg.Monitor, c.logger)
		if err != nil {
			c.logger.Error("capture device reinit failed, retrying",
				"error", err,
				"backoff", reinitBackoff,
			)
			if !c.sleep(ctx, reinitBackoff) {
				return false
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			dev.Close()
			return false
		}
		c.device = dev
		c.state = StateActive
		c.mu.Unlock()

		c.logger.Info("capture device reinitialized")

		// Brief settle before the next grab, matching the reinit pause
		// used on successful recovery.
		return c.sleep(ctx, postRecoveryPause)
	}
}

// transition moves to state s unless the loop was canceled, so a stopped
// stream can never be resurrected by an in-flight recovery.
func (c *Coordinator) transition(ctx context.Context, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}
	c.state = s
	return true
}

// sleep waits for d or until ctx is canceled. Returns false on cancel.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
