package robotvision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/framestream"
	"github.com/XR-Robotics/robotvision/render"
	"github.com/XR-Robotics/robotvision/texture"
	"golang.org/x/sync/errgroup"
)

const eventsChanCap = 32

// glReleaseWait bounds how long Release waits for the host to tick the
// render thread one more time. A host that stopped ticking leaks the
// GPU objects to its dying context, which the driver reclaims.
const glReleaseWait = 3 * time.Second

// Config describes a complete receive-decode-display link.
type Config struct {
	// Width and Height are the texture geometry and the expected
	// stream geometry.
	Width  int
	Height int

	// Port is the TCP port the transport listens on. 0 binds an
	// ephemeral port; read it back from Addr.
	Port int

	// Mode selects the texture handoff mode. Default ModeDirect.
	Mode texture.Mode

	// Accel selects the decoder implementation. Default AccelAuto.
	Accel decode.Accel

	// Record dumps the received elementary stream to RecordPath for
	// offline replay.
	Record     bool
	RecordPath string

	// GL overrides the GPU binding. Nil means the real OpenGL
	// implementation.
	GL texture.GL
}

// LinkStats aggregates the per-layer counters.
type LinkStats struct {
	Transport framestream.Stats
	Engine    decode.EngineStats
	Sink      texture.SinkStats

	// Texture is the host-facing texture name, 0 until the render
	// thread ran the GPU setup.
	Texture texture.ID

	Started  bool
	Released bool
}

// The layers the link orchestrates, as the narrow surfaces it actually
// uses. The concrete types are framestream.Receiver, decode.Engine,
// and texture.Sink; tests substitute fakes to drive teardown ordering.
type frameTransport interface {
	Start(ctx context.Context) error
	Stop() error
	Addr() net.Addr
	Events() <-chan framestream.Event
	Stats() framestream.Stats
}

type decodeEngine interface {
	framestream.FrameSink
	Configure() error
	Start(ctx context.Context) error
	Stop() error
	Release() error
	Events() <-chan decode.Event
	Stats() decode.EngineStats
	State() decode.State
}

type frameSink interface {
	decode.Output
	InitGPU(render.Token) (texture.ID, error)
	Update(render.Token) error
	ReleaseGPU(render.Token)
	Snapshot() (image.Image, error)
	Texture() texture.ID
	Stats() texture.SinkStats
}

// Link is one receive-decode-display pipeline: a TCP frame transport
// feeding a hardware decode engine whose frames surface as a GPU
// texture. Lifecycle is New, Start, then StopDecoder and/or Release;
// a released link is done, build a new one to go again.
type Link struct {
	cfg Config

	transport frameTransport
	engine    decodeEngine
	sink      frameSink
	disp      *render.Dispatcher

	events       chan Event
	eventsClosed atomic.Bool

	// updateSub is the copy-mode persistent subscription, installed by
	// the GPU setup one-shot on the render thread.
	updateSub atomic.Uint64

	// gpuScheduled flips when Start queues the GPU setup one-shot.
	// Until then no GPU objects can exist and Release skips the
	// render-thread round trip.
	gpuScheduled atomic.Bool

	// mu serializes the lifecycle transitions (Start, StopDecoder,
	// Release). The accessors read atomics instead of taking it, so the
	// render thread can never block on a Release in progress.
	mu     sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group

	started  atomic.Bool
	released atomic.Bool
}

// New validates the configuration and wires transport, engine, sink,
// and dispatcher together. Nothing listens, decodes, or touches the
// GPU yet; construction fails fast when the decoder stack is missing.
func New(cfg Config) (*Link, error) {
	glImpl := cfg.GL
	if glImpl == nil {
		glImpl = texture.NewOpenGL()
	}
	disp := render.NewDispatcher()

	sink, err := texture.NewSink(texture.SinkConfig{
		Width:  cfg.Width,
		Height: cfg.Height,
		Mode:   cfg.Mode,
		Format: decode.FormatRGBA,
	}, glImpl, disp)
	if err != nil {
		return nil, err
	}

	engine, err := decode.NewEngine(decode.Config{
		Width:  cfg.Width,
		Height: cfg.Height,
		Accel:  cfg.Accel,
		Format: decode.FormatRGBA,
	}, sink)
	if err != nil {
		return nil, err
	}

	recv, err := framestream.NewReceiver(framestream.Config{
		Port:       cfg.Port,
		Record:     cfg.Record,
		RecordPath: cfg.RecordPath,
	}, engine)
	if err != nil {
		return nil, err
	}

	return &Link{
		cfg:       cfg,
		transport: recv,
		engine:    engine,
		sink:      sink,
		disp:      disp,
		events:    make(chan Event, eventsChanCap),
	}, nil
}

// Start brings the link up: configure and start the decoder, schedule
// the GPU setup onto the render thread, start the transport, and
// launch the event forwarding loops. The texture arrives
// asynchronously as a TextureReady event once the host ticks the
// dispatcher.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released.Load() {
		return fmt.Errorf("robotvision: link already released")
	}
	if l.started.Load() {
		return fmt.Errorf("robotvision: link already started")
	}

	if err := l.engine.Configure(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := l.engine.Start(runCtx); err != nil {
		cancel()
		return err
	}

	l.gpuScheduled.Store(true)
	l.disp.SubmitOnce(l.setupGPU)

	if err := l.transport.Start(runCtx); err != nil {
		if stopErr := l.engine.Stop(); stopErr != nil {
			slog.Warn("robotvision: stopping engine after failed transport start", "error", stopErr)
		}
		cancel()
		return err
	}

	eg := new(errgroup.Group)
	eg.Go(l.forwardTransportEvents)
	eg.Go(l.forwardEngineEvents)

	l.cancel = cancel
	l.eg = eg
	l.started.Store(true)

	slog.Info("robotvision: link started",
		"geometry", fmt.Sprintf("%dx%d", l.cfg.Width, l.cfg.Height),
		"mode", l.cfg.Mode.String(),
		"accel", l.cfg.Accel.String(),
		"addr", addrString(l.transport.Addr()),
	)
	return nil
}

// setupGPU is the one-shot Start schedules onto the render thread. The
// sentinel id 0 in the TextureReady event is the explicit setup
// failure signal; the link keeps decoding either way.
func (l *Link) setupGPU(tok render.Token) {
	if l.released.Load() {
		return
	}

	id, err := l.sink.InitGPU(tok)
	if err != nil {
		slog.Error("robotvision: GPU setup failed", "error", err)
		l.emit(TextureReady{Texture: 0, Width: l.cfg.Width, Height: l.cfg.Height})
		return
	}

	if l.cfg.Mode == texture.ModeCopy {
		sub := l.disp.SubscribePersistent(func(tok render.Token) {
			if err := l.sink.Update(tok); err != nil {
				slog.Warn("robotvision: texture update failed", "error", err)
			}
		})
		l.updateSub.Store(uint64(sub))
	}

	if l.released.Load() {
		return
	}
	l.emit(TextureReady{Texture: id, Width: l.cfg.Width, Height: l.cfg.Height})
}

// StopDecoder halts the transport and the decoder while leaving the
// texture, the dispatcher, and the event stream alive, so the host can
// keep sampling the last frame. Stopping is one-way on this link;
// Release it and build a new one to receive again.
func (l *Link) StopDecoder() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released.Load() {
		return fmt.Errorf("robotvision: link already released")
	}
	if !l.started.Load() {
		return fmt.Errorf("robotvision: link not started")
	}

	var firstErr error
	if err := l.transport.Stop(); err != nil && !errors.Is(err, framestream.ErrNotStarted) {
		firstErr = err
	}
	if err := l.engine.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	slog.Info("robotvision: decoder stopped")
	return firstErr
}

// Release tears the link down in the canonical order: stop the
// transport (listener and active connection, recorder closed with it),
// join its goroutines, release the decoder, release the GPU objects on
// the render thread, then close the event stream. Idempotent; safe on
// a link that never started. After Release a fresh New and Start work
// in the same process.
func (l *Link) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.released.CompareAndSwap(false, true) {
		return nil
	}

	if err := l.transport.Stop(); err != nil && !errors.Is(err, framestream.ErrNotStarted) {
		slog.Warn("robotvision: transport stop during release", "error", err)
	}

	if err := l.engine.Release(); err != nil {
		slog.Warn("robotvision: engine release", "error", err)
	}

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	if sub := render.SubscriptionID(l.updateSub.Swap(0)); sub != 0 {
		l.disp.Unsubscribe(sub)
	}

	if l.gpuScheduled.Load() {
		glDone := make(chan struct{})
		l.disp.SubmitOnce(func(tok render.Token) {
			l.sink.ReleaseGPU(tok)
			close(glDone)
		})
		select {
		case <-glDone:
		case <-time.After(glReleaseWait):
			slog.Warn("robotvision: timeout waiting for the render thread to release GPU objects")
		}
	}

	if l.eg != nil {
		if err := l.eg.Wait(); err != nil {
			slog.Warn("robotvision: event forwarder", "error", err)
		}
		l.eg = nil
	}

	if l.eventsClosed.CompareAndSwap(false, true) {
		close(l.events)
	}

	slog.Info("robotvision: released")
	return nil
}

// SaveSnapshot writes the most recent decoded frame to path as PNG.
// It reads the CPU-side frame slot, so the decode path and the render
// thread are never blocked. Errors until the first frame arrives.
func (l *Link) SaveSnapshot(path string) error {
	img, err := l.sink.Snapshot()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("robotvision: creating snapshot file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("robotvision: encoding snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("robotvision: closing snapshot file: %w", err)
	}

	slog.Info("robotvision: snapshot saved", "path", path)
	return nil
}

// Events returns the merged event stream. It closes when the link is
// released; slow consumers lose events rather than stall the
// pipeline.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Dispatcher returns the render-thread scheduler. The host must call
// its Tick once per frame from the thread that owns the GL context;
// nothing GPU-side happens between ticks.
func (l *Link) Dispatcher() *render.Dispatcher {
	return l.disp
}

// Texture returns the host-facing texture name, 0 until TextureReady.
func (l *Link) Texture() texture.ID {
	return l.sink.Texture()
}

// Addr returns the transport's bound address, or nil before Start.
func (l *Link) Addr() net.Addr {
	return l.transport.Addr()
}

// Stats aggregates the per-layer counters.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		Transport: l.transport.Stats(),
		Engine:    l.engine.Stats(),
		Sink:      l.sink.Stats(),
		Texture:   l.sink.Texture(),
		Started:   l.started.Load(),
		Released:  l.released.Load(),
	}
}

func (l *Link) forwardTransportEvents() error {
	for ev := range l.transport.Events() {
		switch ev := ev.(type) {
		case framestream.ClientConnected:
			l.emit(ClientConnected{Addr: ev.Addr})
		case framestream.ClientDisconnected:
			l.emit(ClientDisconnected{Addr: ev.Addr, Reason: ev.Reason})
		case framestream.FrameRejected:
			slog.Warn("robotvision: frame rejected by transport",
				"length", ev.Length, "reason", ev.Reason)
		}
	}
	return nil
}

func (l *Link) forwardEngineEvents() error {
	for ev := range l.engine.Events() {
		switch ev := ev.(type) {
		case decode.FormatChanged:
			l.emit(FormatChanged{Width: ev.Width, Height: ev.Height, Format: ev.Format})
		case decode.PipelineError:
			l.emit(DecodeFailed{Category: ev.Category, Message: ev.Message, Fatal: ev.Fatal})
		case decode.EndOfStream:
			l.emit(StreamEnded{})
		}
	}
	return nil
}

// emit delivers without blocking; the pipeline never waits on the
// host's event consumption.
func (l *Link) emit(ev Event) {
	if l.eventsClosed.Load() {
		return
	}
	select {
	case l.events <- ev:
	default:
		slog.Debug("robotvision: event dropped, consumer lagging",
			"event", fmt.Sprintf("%T", ev))
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
