// ABOUTME: Frame resize and JPEG encoding for the streaming pipeline.
// ABOUTME: Letterbox-fits captures into the target box preserving aspect ratio.

package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	"github.com/disintegration/imaging"
)

// fitDimensions scales source dimensions into the target box without
// cropping: both dimensions get scale = min(boxW/srcW, boxH/srcH), so the
// result fits fully inside the box with the source aspect ratio preserved.
func fitDimensions(srcW, srcH, boxW, boxH int) (int, int) {
	scale := math.Min(float64(boxW)/float64(srcW), float64(boxH)/float64(srcH))

	w := int(math.Round(float64(srcW) * scale))
	h := int(math.Round(float64(srcH) * scale))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// encodeFrame resizes a captured image into the target box and encodes it
// as JPEG at the given quality.
func encodeFrame(src image.Image, boxW, boxH, quality int) ([]byte, error) {
	srcBounds := src.Bounds()
	w, h := fitDimensions(srcBounds.Dx(), srcBounds.Dy(), boxW, boxH)

	resized := imaging.Resize(src, w, h, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}
