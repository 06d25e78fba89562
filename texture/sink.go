package texture

import (
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/render"
)

// SinkConfig describes a texture sink.
type SinkConfig struct {
	// Width and Height fix the surface geometry. Frames that disagree
	// are dropped and counted; matching a stream geometry change means
	// building a fresh sink.
	Width  int
	Height int

	// Mode selects direct upload or copy through a framebuffer.
	// Default ModeDirect.
	Mode Mode

	// Format is the expected frame layout. Must upload to a GL texture
	// as-is. Default FormatRGBA.
	Format decode.PixelFormat
}

// SinkStats is a point-in-time snapshot of sink counters.
type SinkStats struct {
	Delivered uint64
	Promoted  uint64
	Blits     uint64

	// Coalesced counts pending units that resolved to an already
	// promoted frame because the latest-wins slot superseded theirs.
	Coalesced uint64

	// AbortedDraws counts single-draw failures (incomplete framebuffer,
	// upload error). The sink and its GPU objects survive them.
	AbortedDraws uint64

	// FormatMismatches counts frames dropped for wrong geometry or
	// layout.
	FormatMismatches uint64

	// Pending is the frame-available signal right now.
	Pending int64

	TextureReady bool
}

// Sink owns the latest decoded frame and the GPU objects that make it
// sampleable. It implements decode.Output: the engine delivers frames
// on its drain path, the host's render thread consumes them through
// the dispatcher.
//
// The frame-available signal counts deliveries not yet consumed by the
// render thread. Deliver increments it; Update and the direct-mode
// promote task drain it to zero with a swap, so it never goes negative
// no matter how the two sides interleave.
type Sink struct {
	width  int
	height int
	mode   Mode
	format decode.PixelFormat

	gl   GL
	disp *render.Dispatcher

	// Latest-wins frame slot.
	mu     sync.Mutex
	latest decode.Frame
	has    bool

	pending atomic.Int64

	// promoteQueued keeps at most one direct-mode promote task in
	// flight regardless of delivery rate.
	promoteQueued atomic.Bool

	// GPU object names. target is read from any thread via Texture;
	// the rest are render-thread confined.
	target  atomic.Uint32
	source  ID
	fbo     ID
	program ID

	// lastPromoted is the sequence number of the frame currently on
	// the GPU. Render-thread confined.
	lastPromoted uint64

	delivered        atomic.Uint64
	promoted         atomic.Uint64
	blits            atomic.Uint64
	coalesced        atomic.Uint64
	abortedDraws     atomic.Uint64
	formatMismatches atomic.Uint64
}

// NewSink validates the configuration and builds a sink. The GPU is
// untouched until InitGPU runs on the render thread.
func NewSink(cfg SinkConfig, gl GL, disp *render.Dispatcher) (*Sink, error) {
	if gl == nil {
		return nil, fmt.Errorf("texture: GL implementation is required")
	}
	if disp == nil {
		return nil, fmt.Errorf("texture: render dispatcher is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > 8192 || cfg.Height > 8192 {
		return nil, fmt.Errorf("texture: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("texture: invalid mode %d", cfg.Mode)
	}

	format := cfg.Format
	if format == decode.FormatUnknown {
		format = decode.FormatRGBA
	}
	if !format.Valid() {
		return nil, fmt.Errorf("texture: invalid pixel format %d", cfg.Format)
	}
	if !format.GLUploadable() {
		return nil, fmt.Errorf("texture: pixel format %v cannot upload to a texture directly", format)
	}

	return &Sink{
		width:  cfg.Width,
		height: cfg.Height,
		mode:   cfg.Mode,
		format: format,
		gl:     gl,
		disp:   disp,
	}, nil
}

// InitGPU creates the GPU objects and returns the host-facing texture
// name. Copy mode also builds the internal source texture, the
// framebuffer, and the blit program. Any failure releases whatever was
// created so far and returns the invalid id 0.
//
// Calling InitGPU on a live sink rebuilds the objects from scratch.
func (s *Sink) InitGPU(tok render.Token) (ID, error) {
	if s.target.Load() != 0 {
		slog.Warn("texture: InitGPU on a live sink, rebuilding")
		s.ReleaseGPU(tok)
	}

	target, err := s.gl.CreateTexture(tok, s.width, s.height, s.format)
	if err != nil {
		return 0, fmt.Errorf("texture: creating target texture: %w", err)
	}

	if s.mode == ModeCopy {
		source, err := s.gl.CreateTexture(tok, s.width, s.height, s.format)
		if err != nil {
			s.gl.DeleteTexture(tok, target)
			return 0, fmt.Errorf("texture: creating source texture: %w", err)
		}
		fbo, err := s.gl.CreateFramebuffer(tok)
		if err != nil {
			s.gl.DeleteTexture(tok, source)
			s.gl.DeleteTexture(tok, target)
			return 0, fmt.Errorf("texture: creating framebuffer: %w", err)
		}
		program, err := s.gl.CreateBlitProgram(tok)
		if err != nil {
			s.gl.DeleteFramebuffer(tok, fbo)
			s.gl.DeleteTexture(tok, source)
			s.gl.DeleteTexture(tok, target)
			return 0, fmt.Errorf("texture: creating blit program: %w", err)
		}
		s.source = source
		s.fbo = fbo
		s.program = program
	}

	s.lastPromoted = 0
	s.target.Store(uint32(target))
	slog.Info("texture: GPU objects ready",
		"texture", uint32(target),
		"mode", s.mode.String(),
		"geometry", fmt.Sprintf("%dx%d", s.width, s.height),
		"format", s.format.String())
	return target, nil
}

// Deliver implements decode.Output. Called from the engine's drain
// path on an arbitrary goroutine; it never blocks. The frame lands in
// the latest-wins slot, the frame-available signal bumps, and in
// direct mode a promote one-shot is queued unless one is already in
// flight.
func (s *Sink) Deliver(f decode.Frame) {
	s.delivered.Add(1)

	if f.Width != s.width || f.Height != s.height || f.Format != s.format {
		s.formatMismatches.Add(1)
		slog.Debug("texture: dropping mismatched frame",
			"got", fmt.Sprintf("%dx%d %v", f.Width, f.Height, f.Format),
			"want", fmt.Sprintf("%dx%d %v", s.width, s.height, s.format))
		return
	}

	s.mu.Lock()
	s.latest = f
	s.has = true
	s.mu.Unlock()

	s.pending.Add(1)

	if s.mode == ModeDirect && s.promoteQueued.CompareAndSwap(false, true) {
		s.disp.SubmitOnce(s.promotePending)
	}
}

// promotePending is the direct-mode one-shot: drain the signal, upload
// the latest frame once. Deliveries that piled up behind the queued
// task all resolve to that single upload.
func (s *Sink) promotePending(tok render.Token) {
	s.promoteQueued.Store(false)
	n := s.pending.Swap(0)
	if n == 0 {
		return
	}
	if n > 1 {
		s.coalesced.Add(uint64(n - 1))
	}
	if err := s.Promote(tok); err != nil {
		s.abortedDraws.Add(1)
		slog.Error("texture: promote failed", "error", err)
	}
}

// Promote uploads the latest delivered frame into the upload target:
// the host-facing texture in direct mode, the internal source texture
// in copy mode. A frame already on the GPU is not uploaded twice.
func (s *Sink) Promote(tok render.Token) error {
	dst := ID(s.target.Load())
	if dst == 0 {
		return fmt.Errorf("texture: GPU objects not initialized")
	}
	if s.mode == ModeCopy {
		dst = s.source
	}

	s.mu.Lock()
	f, ok := s.latest, s.has
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("texture: no frame delivered yet")
	}
	if f.Seq == s.lastPromoted {
		return nil
	}

	if err := s.gl.UploadPixels(tok, dst, f.Width, f.Height, f.Format, f.Data); err != nil {
		return err
	}
	s.lastPromoted = f.Seq
	s.promoted.Add(1)
	return nil
}

// Update is the copy-mode per-tick pass, meant to run as a persistent
// dispatcher subscription. It drains the frame-available signal to
// zero and runs one promote plus blit per pending unit, in order.
// Units whose frame was superseded in the latest-wins slot count as
// coalesced instead. A failed upload or an incomplete framebuffer
// aborts that one draw; later units and the GPU objects are
// unaffected.
func (s *Sink) Update(tok render.Token) error {
	if s.mode != ModeCopy {
		return fmt.Errorf("texture: Update is a copy-mode operation")
	}
	target := ID(s.target.Load())
	if target == 0 {
		return fmt.Errorf("texture: GPU objects not initialized")
	}

	n := s.pending.Swap(0)
	for i := int64(0); i < n; i++ {
		s.mu.Lock()
		seq, ok := s.latest.Seq, s.has
		s.mu.Unlock()
		if !ok {
			break
		}
		if seq == s.lastPromoted {
			s.coalesced.Add(1)
			continue
		}

		if err := s.Promote(tok); err != nil {
			s.abortedDraws.Add(1)
			slog.Error("texture: promote failed, draw skipped", "error", err)
			continue
		}
		if err := s.gl.DrawBlit(tok, s.program, s.fbo, s.source, target, s.width, s.height); err != nil {
			s.abortedDraws.Add(1)
			slog.Error("texture: blit aborted", "error", err)
			continue
		}
		s.blits.Add(1)
	}
	return nil
}

// Snapshot returns the most recent decoded frame as a CPU image. It
// touches no GL state and may run on any goroutine. Errors until the
// first frame arrives.
func (s *Sink) Snapshot() (image.Image, error) {
	s.mu.Lock()
	f, ok := s.latest, s.has
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("texture: no frame delivered yet")
	}
	return FrameImage(f)
}

// ReleaseGPU deletes every GPU object and zeroes the names.
// Idempotent; releasing a sink that never initialized is a no-op.
func (s *Sink) ReleaseGPU(tok render.Token) {
	if s.program != 0 {
		s.gl.DeleteProgram(tok, s.program)
		s.program = 0
	}
	if s.fbo != 0 {
		s.gl.DeleteFramebuffer(tok, s.fbo)
		s.fbo = 0
	}
	if s.source != 0 {
		s.gl.DeleteTexture(tok, s.source)
		s.source = 0
	}
	if t := ID(s.target.Swap(0)); t != 0 {
		s.gl.DeleteTexture(tok, t)
		slog.Info("texture: GPU objects released")
	}
	s.lastPromoted = 0
}

// Texture returns the host-facing texture name, 0 before InitGPU.
func (s *Sink) Texture() ID {
	return ID(s.target.Load())
}

// Pending reports the frame-available signal.
func (s *Sink) Pending() int64 {
	return s.pending.Load()
}

// Stats returns a point-in-time counter snapshot.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Delivered:        s.delivered.Load(),
		Promoted:         s.promoted.Load(),
		Blits:            s.blits.Load(),
		Coalesced:        s.coalesced.Load(),
		AbortedDraws:     s.abortedDraws.Load(),
		FormatMismatches: s.formatMismatches.Load(),
		Pending:          s.pending.Load(),
		TextureReady:     s.target.Load() != 0,
	}
}
