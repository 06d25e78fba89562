package robotvision

import (
	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/texture"
)

// Event is the tagged union delivered on Link.Events, merging the
// transport, decode, and texture layers into one stream. Consumers
// switch on the concrete type.
type Event interface {
	isEvent()
}

// TextureReady reports the outcome of the asynchronous GPU setup that
// Start schedules onto the render thread. On success Texture is the
// name the host should sample; on setup failure it is the invalid
// sentinel 0 and the link keeps decoding headless.
type TextureReady struct {
	Texture texture.ID
	Width   int
	Height  int
}

// ClientConnected reports a producer taking the transport's single
// service slot.
type ClientConnected struct {
	Addr string
}

// ClientDisconnected reports the active producer going away. The
// transport goes back to accepting.
type ClientDisconnected struct {
	Addr   string
	Reason string
}

// FormatChanged reports the decoder renegotiating stream geometry or
// layout mid-flight. The texture keeps its configured size, so frames
// are dropped until the host recreates the link at the new geometry.
type FormatChanged struct {
	Width  int
	Height int
	Format decode.PixelFormat
}

// DecodeFailed reports a pipeline error. Fatal means decoding will not
// resume on this link.
type DecodeFailed struct {
	Category decode.ErrorCategory
	Message  string
	Fatal    bool
}

// StreamEnded reports the decoder saw end of stream.
type StreamEnded struct{}

func (TextureReady) isEvent()       {}
func (ClientConnected) isEvent()    {}
func (ClientDisconnected) isEvent() {}
func (FormatChanged) isEvent()      {}
func (DecodeFailed) isEvent()       {}
func (StreamEnded) isEvent()        {}
