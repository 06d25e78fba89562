package pipeline

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is a minimal frame struct for internal use (avoids import cycle)
// The actual Frame type is defined in the parent package
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Format    string // caps format name, e.g. "RGBA"
	Data      []byte
	PTSMicros int64 // buffer timestamp, -1 when absent
	TraceID   string
}

// CallbackContext holds state needed by GStreamer callbacks
type CallbackContext struct {
	FrameChan     chan<- Frame // Uses internal Frame type
	FrameCounter  *uint64      // Atomic counter for sequence numbers
	BytesOut      *uint64      // Atomic counter for decoded bytes produced
	FramesDropped *uint64      // Atomic counter for dropped frames (channel full)
}

// OnDecodedSample is called by GStreamer when a decoded frame is available
//
// This callback:
//  1. Pulls the sample from the appsink
//  2. Reads geometry and pixel format from the sample caps
//  3. Maps the buffer and copies pixel data (GStreamer will reuse the buffer)
//  4. Sends the frame to the drain channel (non-blocking - drops if full)
//
// Geometry comes from the per-sample caps rather than configuration so a
// mid-stream renegotiation is visible on the very first frame that carries
// the new caps.
//
// Returns gst.FlowOK to continue processing, or gst.FlowEOS/FlowError on failure.
func OnDecodedSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	// Pull sample from appsink
	sample := sink.PullSample()
	if sample == nil {
		// Graceful degradation: skip frame instead of terminating stream
		// A single corrupted frame should not kill the entire pipeline
		slog.Warn("pipeline: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	// Get buffer from sample
	buffer := sample.GetBuffer()
	if buffer == nil {
		// Graceful degradation: skip frame instead of terminating stream
		slog.Warn("pipeline: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	width, height, format := parseCaps(sample)

	// Map buffer to read data
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("pipeline: empty buffer received")
		return gst.FlowOK
	}

	// Copy frame data (GStreamer will reuse buffer)
	frameData := make([]byte, len(data))
	copy(frameData, data)

	pts := int64(-1)
	if d := buffer.PresentationTimestamp(); d >= 0 {
		pts = d.Microseconds()
	}
	buffer.Unmap()

	// Update atomic counters
	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesOut, uint64(len(data)))

	// Create frame struct (using internal Frame type)
	frame := Frame{
		Seq:       seq,
		Width:     width,
		Height:    height,
		Format:    format,
		Data:      frameData,
		PTSMicros: pts,
		TraceID:   uuid.New().String(),
	}

	// Send frame (non-blocking - drop if channel full)
	select {
	case ctx.FrameChan <- frame:
		slog.Debug("pipeline: decoded frame queued",
			"seq", frame.Seq,
			"size_bytes", len(data),
			"geometry", fmt.Sprintf("%dx%d", width, height),
			"trace_id", frame.TraceID,
		)
	default:
		// Track dropped frame at callback layer
		atomic.AddUint64(ctx.FramesDropped, 1)
		slog.Debug("pipeline: dropping decoded frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// parseCaps extracts geometry and format from the sample caps. Missing
// fields come back zero; the engine treats that as caps-unknown and
// keeps the previous geometry.
func parseCaps(sample *gst.Sample) (width, height int, format string) {
	caps := sample.GetCaps()
	if caps == nil {
		return 0, 0, ""
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return 0, 0, ""
	}
	if v, err := structure.GetValue("width"); err == nil {
		if w, ok := v.(int); ok {
			width = w
		}
	}
	if v, err := structure.GetValue("height"); err == nil {
		if h, ok := v.(int); ok {
			height = h
		}
	}
	if v, err := structure.GetValue("format"); err == nil {
		if f, ok := v.(string); ok {
			format = f
		}
	}
	return width, height, format
}
