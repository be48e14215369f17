// ABOUTME: Capture device abstraction over the OS screen-grab primitive.
// ABOUTME: Validates monitor selection and normalizes failures to CaptureError.

package stream

import (
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/kbinani/screenshot"
)

// Capture errors. Both are recoverable at the stream level: the coordinator
// reinitializes the device and backs off rather than terminating the loop.
var (
	ErrCaptureFailed = errors.New("screen capture failed")
	ErrNoDisplays    = errors.New("no displays found")
)

// primaryMonitor is the fallback when the configured monitor index is
// invalid. Index 0 is reserved to mean "all displays combined" and is not
// valid for single-monitor capture; displays count from 1.
const primaryMonitor = 1

// CaptureDevice is the gateway's view of the screen-grab primitive: an
// opaque grab plus a release. Initialization is expensive, so devices are
// reused across stream start/stop cycles and discarded only on capture
// failure or process shutdown.
type CaptureDevice interface {
	// Grab captures the device's monitor and returns raw pixels.
	// Failures wrap ErrCaptureFailed.
	Grab() (image.Image, error)
	// Close releases the device.
	Close() error
}

// DeviceOpener creates a capture device for a monitor index. The
// coordinator holds one so it can reinitialize after capture failures;
// tests substitute fakes.
type DeviceOpener func(monitor int, logger *slog.Logger) (CaptureDevice, error)

// screenDevice captures one display via the OS screenshot primitive.
type screenDevice struct {
	display int // zero-based display index
	bounds  image.Rectangle
}

// OpenScreenDevice opens a capture device for the given monitor. Monitor
// indexes follow the stream config convention: 1 is the primary display.
// Out-of-range, negative, and zero indexes fall back to the primary.
func OpenScreenDevice(monitor int, logger *slog.Logger) (CaptureDevice, error) {
	n := screenshot.NumActiveDisplays()
	if n < 1 {
		return nil, ErrNoDisplays
	}

	monitor = normalizeMonitor(monitor, n, logger)

	display := monitor - 1
	bounds := screenshot.GetDisplayBounds(display)
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: display %d has empty bounds", ErrNoDisplays, display)
	}

	return &screenDevice{display: display, bounds: bounds}, nil
}

// normalizeMonitor clamps a configured monitor index to a capturable one.
// displayCount is the number of attached displays.
func normalizeMonitor(monitor, displayCount int, logger *slog.Logger) int {
	if monitor > displayCount {
		logger.Warn("configured monitor not available, falling back to primary",
			"monitor", monitor,
			"displays", displayCount,
		)
		return primaryMonitor
	}
	if monitor <= 0 {
		// 0 means "all displays combined", below 0 is nonsense; neither
		// is capturable as a single monitor.
		logger.Warn("monitor index reserved or negative, falling back to primary",
			"monitor", monitor,
		)
		return primaryMonitor
	}
	return monitor
}

func (d *screenDevice) Grab() (image.Image, error) {
	img, err := screenshot.CaptureRect(d.bounds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	return img, nil
}

func (d *screenDevice) Close() error {
	// The screenshot primitive holds no long-lived handles worth releasing.
	return nil
}
