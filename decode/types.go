package decode

import (
	"time"
)

// Frame is one decoded video frame leaving the engine.
//
// Data layout follows Format: packed formats are tightly packed rows,
// planar 4:2:0 formats carry luma then chroma planes, exactly as the
// decoder emitted them. Data is owned by the receiver of Deliver.
type Frame struct {
	// Seq is a monotonic sequence number assigned at delivery, starting
	// at 1.
	Seq uint64

	// PTS is the presentation timestamp in microseconds, in the
	// engine's PresentationClock domain. -1 when the decoder did not
	// carry a timestamp through.
	PTS int64

	Width  int
	Height int
	Format PixelFormat

	Data []byte

	// TraceID correlates this frame across log lines.
	TraceID string

	// ReceivedAt is the wall-clock delivery time.
	ReceivedAt time.Time
}

// Output is the render target configured at engine construction.
// Deliver is called synchronously from the drain path and must not
// block; implementations keep the latest frame and return.
type Output interface {
	Deliver(Frame)
}

// PixelFormat identifies a decoded frame layout. The set is closed:
// every supported variant appears in the metadata table below, and an
// unlisted value is invalid rather than defaulted.
type PixelFormat int

const (
	// FormatUnknown is the invalid zero value.
	FormatUnknown PixelFormat = iota
	// FormatRGBA is packed 8-bit RGBA, the texture upload default.
	FormatRGBA
	// FormatRGB is packed 8-bit RGB.
	FormatRGB
	// FormatNV12 is planar 4:2:0, luma plane then interleaved chroma.
	FormatNV12
	// FormatI420 is planar 4:2:0 with three separate planes.
	FormatI420
)

// formatSpec is the per-variant metadata record.
type formatSpec struct {
	name      string
	gstName   string // caps format field
	planar    bool
	bitsPerPx int // averaged over the frame for planar formats
	glUpload  bool
}

// formatTable is the single source of truth for format metadata.
var formatTable = map[PixelFormat]formatSpec{
	FormatRGBA: {name: "RGBA", gstName: "RGBA", planar: false, bitsPerPx: 32, glUpload: true},
	FormatRGB:  {name: "RGB", gstName: "RGB", planar: false, bitsPerPx: 24, glUpload: true},
	FormatNV12: {name: "NV12", gstName: "NV12", planar: true, bitsPerPx: 12, glUpload: false},
	FormatI420: {name: "I420", gstName: "I420", planar: true, bitsPerPx: 12, glUpload: false},
}

// Valid reports whether f is a listed format.
func (f PixelFormat) Valid() bool {
	_, ok := formatTable[f]
	return ok
}

// String returns the format name, or "unknown".
func (f PixelFormat) String() string {
	if spec, ok := formatTable[f]; ok {
		return spec.name
	}
	return "unknown"
}

// GstName returns the GStreamer caps format field for f, or "" when
// invalid.
func (f PixelFormat) GstName() string {
	return formatTable[f].gstName
}

// Planar reports whether f stores planes rather than packed pixels.
func (f PixelFormat) Planar() bool {
	return formatTable[f].planar
}

// GLUploadable reports whether f can go to a GL texture as-is (packed
// byte formats). Planar formats need conversion first.
func (f PixelFormat) GLUploadable() bool {
	return formatTable[f].glUpload
}

// FrameBytes returns the byte size of one w x h frame in this format,
// or 0 for invalid formats or non-positive dimensions.
func (f PixelFormat) FrameBytes(w, h int) int {
	spec, ok := formatTable[f]
	if !ok || w <= 0 || h <= 0 {
		return 0
	}
	return w * h * spec.bitsPerPx / 8
}

// ParsePixelFormat maps a GStreamer caps format name back to the enum.
func ParsePixelFormat(gstName string) (PixelFormat, bool) {
	for f, spec := range formatTable {
		if spec.gstName == gstName {
			return f, true
		}
	}
	return FormatUnknown, false
}

// Accel selects the decoder implementation.
type Accel int

const (
	// AccelAuto tries VAAPI hardware decode, falling back to software.
	AccelAuto Accel = iota
	// AccelVAAPI requires VAAPI; construction fails without it.
	AccelVAAPI
	// AccelSoftware forces CPU decode (debugging/compatibility).
	AccelSoftware
)

// String returns a human-readable acceleration mode name.
func (a Accel) String() string {
	switch a {
	case AccelAuto:
		return "auto"
	case AccelVAAPI:
		return "vaapi"
	case AccelSoftware:
		return "software"
	default:
		return "invalid"
	}
}

// Valid reports whether a is a listed mode.
func (a Accel) Valid() bool {
	return a == AccelAuto || a == AccelVAAPI || a == AccelSoftware
}

// Config describes a decode engine.
type Config struct {
	// Width and Height are the expected stream geometry, used for input
	// budget sizing and surface allocation hints. The stream itself is
	// authoritative; a mismatch surfaces as a FormatChanged event.
	Width  int
	Height int

	// Accel selects the decoder implementation. Default AccelAuto.
	Accel Accel

	// Format is the decoded frame layout. Default FormatRGBA.
	Format PixelFormat

	// InputBudgetBytes bounds the encoded data queued ahead of the
	// decoder. When exceeded, SubmitEncoded waits up to InputWait and
	// then drops. Default: 2 MiB.
	InputBudgetBytes uint64

	// InputWait bounds the wait for input space. Must stay below 10ms
	// so a stalled decoder cannot back up the transport. Default: 8ms.
	InputWait time.Duration

	// DrainLimit caps decoded frames delivered per submission, keeping
	// one submission from monopolizing the transport goroutine.
	// Default: 10.
	DrainLimit int
}

// EngineStats is a point-in-time snapshot of engine counters.
type EngineStats struct {
	State State

	FramesSubmitted uint64
	FramesDecoded   uint64
	BytesDecoded    uint64

	// InputDrops counts access units dropped because no input space
	// freed up within InputWait. Latency > completeness.
	InputDrops uint64

	// OutputDrops counts decoded frames dropped because the drain loop
	// lagged behind the decoder.
	OutputDrops uint64

	ErrorsCodec       uint64
	ErrorsNegotiation uint64
	ErrorsResource    uint64
	ErrorsUnknown     uint64

	// QueuedInputBytes is the encoded backlog sitting ahead of the
	// decoder right now.
	QueuedInputBytes uint64

	Uptime time.Duration
}
