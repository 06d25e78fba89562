package decode

import (
	"github.com/XR-Robotics/robotvision/decode/internal/pipeline"
)

// ErrorCategory classifies pipeline failures for logging and stats.
type ErrorCategory = pipeline.ErrorCategory

const (
	ErrCategoryCodec       = pipeline.ErrCategoryCodec
	ErrCategoryNegotiation = pipeline.ErrCategoryNegotiation
	ErrCategoryResource    = pipeline.ErrCategoryResource
	ErrCategoryUnknown     = pipeline.ErrCategoryUnknown
)

// Event is a tagged notification from the decode engine. Consumers
// type-switch on the concrete variants below.
type Event interface {
	isEvent()
}

// FormatChanged reports that decoded output geometry or pixel format
// moved away from what the previous frames carried. The engine keeps
// decoding; the consumer decides whether to rebuild surfaces.
type FormatChanged struct {
	Width  int
	Height int
	Format PixelFormat

	PrevWidth  int
	PrevHeight int
	PrevFormat PixelFormat
}

// PipelineError reports a bus-level failure. Fatal errors stop the
// pipeline; the engine stays in its current lifecycle state so the
// owner can tear down in the usual order.
type PipelineError struct {
	Category ErrorCategory
	Message  string
	Debug    string
	Fatal    bool
}

// EndOfStream reports that the decoder drained the final frame after
// the input side signalled completion.
type EndOfStream struct{}

func (FormatChanged) isEvent() {}
func (PipelineError) isEvent() {}
func (EndOfStream) isEvent()   {}
