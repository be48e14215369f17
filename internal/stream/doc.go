// Package stream owns the screen-capture pipeline.
//
// # Coordinator
//
// One Coordinator exists per process. It holds the single capture device
// and runs the single capture loop; every viewer observes the same frame
// sequence through a fan-out subscription, never an independent capture.
//
// States: Idle, Active, Recovering. Start and Stop are idempotent. Stop
// cancels the pacing wait, so it takes effect within one frame period.
// The capture device is initialized lazily on first use, reused across
// start/stop cycles, and released only by Close at process shutdown.
//
// # Per-Tick Pipeline
//
//	grab raw pixels -> letterbox resize into the target box -> JPEG encode
//	-> publish to subscribers -> wait 1/fps
//
// The resize preserves aspect ratio: scale = min(targetW/srcW,
// targetH/srcH) applied to both dimensions, no cropping. Pacing uses a
// rate limiter waited with the loop context.
//
// # Failure Policy
//
// A capture error moves the loop to Recovering: the device is discarded
// and reopened. Reinit failures back off 5s and retry forever; the loop
// never dies on its own. Resize/encode errors are logged and the loop
// continues after a short pause. Nothing propagates to any connection.
//
// # Subscriptions
//
// Subscribe returns a buffered channel that closes when the stream stops
// or the subscriber's context ends. Delivery is non-blocking: a slow
// viewer drops frames, never stalls the loop or other viewers. Channels
// are never reused; a viewer that wants to resume subscribes afresh.
//
// # Monitors
//
// Display indexes count from 1 (the primary). Index 0 is reserved for
// "all displays combined" and is invalid for single-monitor capture;
// reserved, negative, and out-of-range indexes fall back to the primary.
package stream
