package texture

import (
	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/render"
)

// ID is a GPU object name (texture, framebuffer, or program). 0 is the
// invalid sentinel: creation paths that fail return 0 alongside the
// error, and released objects are reset to 0.
type ID uint32

// Mode selects how decoded frames become sampleable by the host.
type Mode int

const (
	// ModeDirect uploads each promoted frame straight into the
	// host-facing texture. Lowest overhead; the host samples the same
	// texture the sink writes.
	ModeDirect Mode = iota

	// ModeCopy uploads into an internal source texture, then blits it
	// into the host-facing target through an offscreen framebuffer.
	// For hosts that need a plain 2D texture they never observe
	// mid-update.
	ModeCopy
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeCopy:
		return "copy"
	default:
		return "invalid"
	}
}

// Valid reports whether m is a listed mode.
func (m Mode) Valid() bool {
	return m == ModeDirect || m == ModeCopy
}

// GL is the narrow GPU surface the sink needs. Every method takes a
// render.Token because GL calls are only legal on the thread that owns
// the context; with that guarantee implementations carry no locks.
//
// OpenGL implements GL against a live context. Tests substitute fakes.
type GL interface {
	// CreateTexture allocates a width x height texture in the given
	// format, sized but unfilled. Returns 0 on failure.
	CreateTexture(tok render.Token, width, height int, format decode.PixelFormat) (ID, error)

	// UploadPixels replaces the full content of tex. pixels holds at
	// least format.FrameBytes(width, height) tightly packed bytes.
	UploadPixels(tok render.Token, tex ID, width, height int, format decode.PixelFormat, pixels []byte) error

	// DeleteTexture releases tex. Deleting 0 is a no-op.
	DeleteTexture(tok render.Token, tex ID)

	// CreateFramebuffer allocates an offscreen framebuffer object.
	CreateFramebuffer(tok render.Token) (ID, error)

	// DeleteFramebuffer releases fbo. Deleting 0 is a no-op.
	DeleteFramebuffer(tok render.Token, fbo ID)

	// CreateBlitProgram compiles and links the full-screen-quad copy
	// pass together with its vertex state.
	CreateBlitProgram(tok render.Token) (ID, error)

	// DeleteProgram releases prog and its vertex state. 0 is a no-op.
	DeleteProgram(tok render.Token, prog ID)

	// DrawBlit renders src into dst through fbo using prog. A
	// framebuffer completeness failure returns an error without
	// touching dst; the caller's objects stay valid.
	DrawBlit(tok render.Token, prog, fbo, src, dst ID, width, height int) error
}
