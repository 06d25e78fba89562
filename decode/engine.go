package decode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XR-Robotics/robotvision/decode/internal/pipeline"
	"github.com/XR-Robotics/robotvision/h264"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	defaultInputBudget = 2 << 20 // encoded bytes queued ahead of the decoder
	defaultInputWait   = 8 * time.Millisecond
	defaultDrainLimit  = 10

	decodedChanCap = 8
	eventsChanCap  = 16
)

// Engine drives a GStreamer H.264 decode pipeline fed by SubmitEncoded
// and drained into an Output sink. It follows a strict forward-only
// lifecycle: Configure builds the pipeline, Start runs it, Stop halts
// decoding, Release frees everything.
type Engine struct {
	// Configuration
	width       int
	height      int
	accel       Accel
	format      PixelFormat
	inputBudget uint64
	inputWait   time.Duration
	drainLimit  int

	sink Output

	// GStreamer pipeline elements
	elements *pipeline.Elements

	// Decoded frames from the appsink callback, drained by SubmitEncoded
	decoded chan pipeline.Frame

	events       chan Event
	eventsClosed atomic.Bool

	mu sync.RWMutex

	// Lifecycle
	state  int32 // holds a State, atomic
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	clock PresentationClock

	// Statistics (atomic for thread-safety)
	framesSubmitted uint64
	framesDecoded   uint64
	bytesOut        uint64
	inputDrops      uint64
	outputDrops     uint64
	started         time.Time

	// Error telemetry (atomic for thread-safety)
	errorsCodec       uint64
	errorsNegotiation uint64
	errorsResource    uint64
	errorsUnknown     uint64

	// Last observed output geometry, touched only on the submit/drain
	// goroutine.
	lastWidth  int
	lastHeight int
	lastFormat PixelFormat
}

// NewEngine creates a decode engine with fail-fast validation
//
// Validates configuration at construction time (fail-fast principle):
//   - Output sink must be non-nil
//   - Geometry must be positive and at most 8192 on each axis
//   - Acceleration mode and pixel format must be listed values
//   - Input wait must stay under 10ms so a stalled decoder cannot
//     back up the transport
//
// Returns an error if validation fails or GStreamer is not available.
func NewEngine(cfg Config, out Output) (*Engine, error) {
	if out == nil {
		return nil, fmt.Errorf("decode: output sink is required")
	}

	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > 8192 || cfg.Height > 8192 {
		return nil, fmt.Errorf("decode: invalid geometry %dx%d", cfg.Width, cfg.Height)
	}

	if !cfg.Accel.Valid() {
		return nil, fmt.Errorf("decode: invalid acceleration mode %d", cfg.Accel)
	}

	format := cfg.Format
	if format == FormatUnknown {
		format = FormatRGBA
	}
	if !format.Valid() {
		return nil, fmt.Errorf("decode: invalid pixel format %d", cfg.Format)
	}

	if cfg.InputWait < 0 || cfg.InputWait >= 10*time.Millisecond {
		return nil, fmt.Errorf(
			"decode: input wait %v out of range (must be under 10ms)",
			cfg.InputWait,
		)
	}
	inputWait := cfg.InputWait
	if inputWait == 0 {
		inputWait = defaultInputWait
	}

	inputBudget := cfg.InputBudgetBytes
	if inputBudget == 0 {
		inputBudget = defaultInputBudget
	}

	if cfg.DrainLimit < 0 {
		return nil, fmt.Errorf("decode: negative drain limit %d", cfg.DrainLimit)
	}
	drainLimit := cfg.DrainLimit
	if drainLimit == 0 {
		drainLimit = defaultDrainLimit
	}

	// Fail-fast validation: GStreamer availability
	if err := pipeline.CheckGStreamer(); err != nil {
		return nil, fmt.Errorf("decode: GStreamer not available: %w", err)
	}

	// Fail-fast validation: VAAPI availability (if forced)
	if cfg.Accel == AccelVAAPI {
		if err := pipeline.CheckVAAPI(); err != nil {
			return nil, fmt.Errorf("decode: VAAPI not available: %w", err)
		}
	}

	e := &Engine{
		width:       cfg.Width,
		height:      cfg.Height,
		accel:       cfg.Accel,
		format:      format,
		inputBudget: inputBudget,
		inputWait:   inputWait,
		drainLimit:  drainLimit,
		sink:        out,
		events:      make(chan Event, eventsChanCap),
		lastWidth:   cfg.Width,
		lastHeight:  cfg.Height,
		lastFormat:  format,
	}

	slog.Info("decode: engine created",
		"geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"format", format.String(),
		"acceleration", cfg.Accel.String(),
		"input_budget_bytes", inputBudget,
		"input_wait", inputWait,
	)

	return e, nil
}

// Configure builds the GStreamer pipeline and wires the decoded-frame
// callback. The pipeline is left in NULL state; Start runs it.
//
// Legal only from the uninitialized state.
func (e *Engine) Configure() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.State(); !canAdvance(st, StateConfigured) {
		return fmt.Errorf("decode: configure requires uninitialized state, have %s: %w", st, ErrInvalidState)
	}

	elements, err := pipeline.CreatePipeline(pipeline.PipelineConfig{
		Width:         e.width,
		Height:        e.height,
		OutputFormat:  e.format.GstName(),
		Acceleration:  int(e.accel),
		MaxInputBytes: e.inputBudget,
	})
	if err != nil {
		return fmt.Errorf("decode: failed to create pipeline: %w", err)
	}
	e.elements = elements

	e.decoded = make(chan pipeline.Frame, decodedChanCap)

	callbackCtx := &pipeline.CallbackContext{
		FrameChan:     e.decoded,
		FrameCounter:  &e.framesDecoded,
		BytesOut:      &e.bytesOut,
		FramesDropped: &e.outputDrops,
	}

	e.elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return pipeline.OnDecodedSample(sink, callbackCtx)
		},
	})

	e.setState(StateConfigured)

	slog.Info("decode: engine configured",
		"decoder", elements.Decoder,
		"vaapi", elements.UsingVAAPI,
	)

	return nil
}

// Start moves the pipeline to PLAYING and launches the bus monitor.
//
// This method:
//  1. Sets the pipeline to PLAYING state
//  2. Waits briefly for the state change to land
//  3. Launches the background bus monitor goroutine
//  4. Returns immediately; decoded frames arrive via the Output sink
//     as access units are submitted
//
// Legal only from the configured state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.State(); !canAdvance(st, StateStarted) {
		return fmt.Errorf("decode: start requires configured state, have %s: %w", st, ErrInvalidState)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = time.Now()

	if err := e.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("decode: failed to start pipeline: %w", err)
	}

	// Wait for pipeline to reach PLAYING state
	bus := e.elements.Pipeline.GetPipelineBus()
	msg := bus.TimedPop(5 * time.Second)
	if msg != nil && msg.Type() == gst.MessageStateChanged {
		_, newState := msg.ParseStateChanged()
		if newState == gst.StatePlaying {
			slog.Info("decode: pipeline reached PLAYING state")
		}
	}

	e.wg.Add(1)
	go e.monitorBus()

	e.setState(StateStarted)

	slog.Info("decode: engine started",
		"decoder", e.elements.Decoder,
		"geometry", fmt.Sprintf("%dx%d", e.width, e.height),
	)

	return nil
}

// SubmitEncoded feeds one H.264 access unit to the decoder and drains
// any decoded frames waiting on the output side.
//
// The submitted bytes are copied before this method returns, so the
// caller may reuse the slice immediately.
//
// When the encoded input queue is over budget, SubmitEncoded waits in
// 1ms steps for space and gives up after the configured input wait,
// dropping the access unit. A drop is not an error: the stream stays
// healthy and the next keyframe recovers the picture.
//
// SubmitEncoded is intended for a single feeding goroutine (the
// transport connection handler) and is not safe for concurrent use
// with itself.
func (e *Engine) SubmitEncoded(data []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if st := e.State(); st != StateStarted {
		return fmt.Errorf("decode: submit requires started state, have %s: %w", st, ErrInvalidState)
	}
	if len(data) == 0 {
		return fmt.Errorf("decode: empty access unit")
	}

	// Keyframes carry SPS; a geometry change shows up here one
	// pipeline-latency earlier than on the decoded side.
	if h264.IsKeyframe(data) {
		e.logKeyframeGeometry(data)
	}

	// Bounded wait for input space. Never block the transport for more
	// than inputWait: a stalled decoder must not back up the socket.
	deadline := time.Now().Add(e.inputWait)
	for e.elements.AppSrc.GetCurrentLevelBytes()+uint64(len(data)) > e.inputBudget {
		if time.Now().After(deadline) {
			atomic.AddUint64(&e.inputDrops, 1)
			slog.Debug("decode: input budget full, dropping access unit",
				"size_bytes", len(data),
				"queued_bytes", e.elements.AppSrc.GetCurrentLevelBytes(),
			)
			return nil
		}
		time.Sleep(time.Millisecond)
	}

	buf := gst.NewBufferFromBytes(data)
	pts := e.clock.Now()
	buf.SetPresentationTimestamp(time.Duration(pts) * time.Microsecond)

	if ret := e.elements.AppSrc.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("decode: push buffer failed: flow %v", ret)
	}
	atomic.AddUint64(&e.framesSubmitted, 1)

	e.drainDecoded()

	return nil
}

// drainDecoded moves decoded frames from the callback channel to the
// output sink, at most drainLimit per call so one submission cannot
// monopolize the feeding goroutine.
func (e *Engine) drainDecoded() {
	for i := 0; i < e.drainLimit; i++ {
		select {
		case f := <-e.decoded:
			e.deliver(f)
		default:
			return
		}
	}
}

// deliver converts an internal frame to the public type, detects
// output format changes and hands the frame to the sink.
func (e *Engine) deliver(f pipeline.Frame) {
	width, height := f.Width, f.Height
	format, known := ParsePixelFormat(f.Format)

	// Caps-unknown frames inherit the previous geometry
	if width == 0 || height == 0 {
		width, height = e.lastWidth, e.lastHeight
	}
	if !known {
		format = e.lastFormat
	}

	if width != e.lastWidth || height != e.lastHeight || format != e.lastFormat {
		ev := FormatChanged{
			Width:      width,
			Height:     height,
			Format:     format,
			PrevWidth:  e.lastWidth,
			PrevHeight: e.lastHeight,
			PrevFormat: e.lastFormat,
		}
		slog.Info("decode: output format changed",
			"from", fmt.Sprintf("%dx%d %s", ev.PrevWidth, ev.PrevHeight, ev.PrevFormat),
			"to", fmt.Sprintf("%dx%d %s", width, height, format),
		)
		e.lastWidth, e.lastHeight, e.lastFormat = width, height, format
		e.emit(ev)
	}

	e.sink.Deliver(Frame{
		Seq:        f.Seq,
		PTS:        f.PTSMicros,
		Width:      width,
		Height:     height,
		Format:     format,
		Data:       f.Data,
		TraceID:    f.TraceID,
		ReceivedAt: time.Now(),
	})
}

// logKeyframeGeometry parses SPS dimensions out of a keyframe access
// unit for early visibility of geometry changes. Purely informational.
func (e *Engine) logKeyframeGeometry(au []byte) {
	for _, nal := range h264.SplitNALUs(au) {
		if h264.TypeOf(nal) != h264.NALSPS {
			continue
		}
		dims, ok := h264.ParseSPSDimensions(nal)
		if !ok {
			return
		}
		if dims.Width != e.lastWidth || dims.Height != e.lastHeight {
			slog.Debug("decode: SPS signals new geometry",
				"sps", fmt.Sprintf("%dx%d", dims.Width, dims.Height),
				"current", fmt.Sprintf("%dx%d", e.lastWidth, e.lastHeight),
			)
		}
		return
	}
}

// monitorBus watches the GStreamer pipeline bus for messages
//
// This goroutine runs in the background and:
//  1. Monitors the pipeline bus for errors and EOS
//  2. Classifies errors for telemetry and emits a PipelineError event
//  3. Returns on fatal error or context cancellation
//
// Decode pipelines are not reconnected: the transport layer owns
// connection recovery, and a broken decoder needs a rebuild by the
// owner.
func (e *Engine) monitorBus() {
	defer e.wg.Done()

	bus := e.elements.Pipeline.GetPipelineBus()

	for {
		select {
		case <-e.ctx.Done():
			slog.Debug("decode: context cancelled, stopping bus monitor")
			return

		default:
			// Poll for messages with short timeout for responsive shutdown
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				slog.Info("decode: end of stream received",
					"uptime", time.Since(e.started),
					"frames_decoded", atomic.LoadUint64(&e.framesDecoded),
				)
				e.emit(EndOfStream{})
				return

			case gst.MessageError:
				gerr := msg.ParseError()

				// Classify error for telemetry
				category := pipeline.ClassifyGStreamerError(gerr)

				// Update error counters (atomic)
				switch category {
				case pipeline.ErrCategoryCodec:
					atomic.AddUint64(&e.errorsCodec, 1)
				case pipeline.ErrCategoryNegotiation:
					atomic.AddUint64(&e.errorsNegotiation, 1)
				case pipeline.ErrCategoryResource:
					atomic.AddUint64(&e.errorsResource, 1)
				case pipeline.ErrCategoryUnknown:
					atomic.AddUint64(&e.errorsUnknown, 1)
				}

				slog.Error("decode: pipeline error",
					"error", gerr.Error(),
					"debug", gerr.DebugString(),
					"category", category.String(),
					"uptime", time.Since(e.started),
					"frames_decoded", atomic.LoadUint64(&e.framesDecoded),
				)

				e.emit(PipelineError{
					Category: category,
					Message:  gerr.Error(),
					Debug:    gerr.DebugString(),
					Fatal:    true,
				})
				return

			case gst.MessageStateChanged:
				if msg.Source() == e.elements.Pipeline.GetName() {
					old, next := msg.ParseStateChanged()
					slog.Debug("decode: pipeline state changed",
						"from", old,
						"to", next,
					)
				}
			}
		}
	}
}

// Stop halts decoding while keeping pipeline resources alive
//
// This method:
//  1. Signals end-of-stream to the decoder input
//  2. Cancels the bus monitor and waits for it (timeout 3s)
//  3. Drains decoded frames still waiting on the output side
//
// Release frees the pipeline itself. Calling Stop in any state other
// than started is a logged no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st := e.State(); !canAdvance(st, StateStopped) {
		slog.Debug("decode: engine not started, nothing to stop", "state", st.String())
		return nil
	}

	slog.Info("decode: stopping engine")

	e.elements.AppSrc.EndStream()

	e.cancel()

	// Wait for goroutines with timeout
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("decode: bus monitor stopped cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("decode: stop timeout exceeded, bus monitor may still be running")
	}

	// Hand any already-decoded frames to the sink before going quiet
	e.drainDecoded()

	e.setState(StateStopped)

	slog.Info("decode: engine stopped",
		"frames_submitted", atomic.LoadUint64(&e.framesSubmitted),
		"frames_decoded", atomic.LoadUint64(&e.framesDecoded),
		"input_drops", atomic.LoadUint64(&e.inputDrops),
		"uptime", time.Since(e.started),
	)

	return nil
}

// Release frees all pipeline resources and closes the event channel
//
// Reachable from every state and idempotent: the first call tears
// down, later calls are logged no-ops. A started engine is stopped
// first so teardown always runs in the same order.
func (e *Engine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.State()
	if st == StateReleased {
		slog.Debug("decode: engine already released")
		return nil
	}

	if st == StateStarted {
		slog.Debug("decode: releasing a started engine, stopping first")

		e.elements.AppSrc.EndStream()
		e.cancel()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			slog.Warn("decode: release timeout waiting for bus monitor")
		}

		e.drainDecoded()
	}

	// Destroy GStreamer pipeline
	if e.elements != nil {
		if err := pipeline.DestroyPipeline(e.elements); err != nil {
			slog.Error("decode: failed to destroy pipeline", "error", err)
		}
		e.elements = nil
	}

	e.setState(StateReleased)

	// Close the event channel exactly once. Safe here: the bus monitor
	// has exited and the released state bars further submissions.
	if e.eventsClosed.CompareAndSwap(false, true) {
		close(e.events)
	}

	slog.Info("decode: engine released",
		"frames_submitted", atomic.LoadUint64(&e.framesSubmitted),
		"frames_decoded", atomic.LoadUint64(&e.framesDecoded),
		"input_drops", atomic.LoadUint64(&e.inputDrops),
		"output_drops", atomic.LoadUint64(&e.outputDrops),
	)

	return nil
}

// Events returns the engine event channel. It closes on Release.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(atomic.LoadInt32(&e.state))
}

func (e *Engine) setState(s State) {
	atomic.StoreInt32(&e.state, int32(s))
}

// Stats returns current engine statistics
//
// Thread-safe - uses atomic operations for counters.
func (e *Engine) Stats() EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var uptime time.Duration
	if !e.started.IsZero() {
		uptime = time.Since(e.started)
	}

	var queued uint64
	if e.elements != nil && e.elements.AppSrc != nil {
		queued = e.elements.AppSrc.GetCurrentLevelBytes()
	}

	return EngineStats{
		State:             e.State(),
		FramesSubmitted:   atomic.LoadUint64(&e.framesSubmitted),
		FramesDecoded:     atomic.LoadUint64(&e.framesDecoded),
		BytesDecoded:      atomic.LoadUint64(&e.bytesOut),
		InputDrops:        atomic.LoadUint64(&e.inputDrops),
		OutputDrops:       atomic.LoadUint64(&e.outputDrops),
		ErrorsCodec:       atomic.LoadUint64(&e.errorsCodec),
		ErrorsNegotiation: atomic.LoadUint64(&e.errorsNegotiation),
		ErrorsResource:    atomic.LoadUint64(&e.errorsResource),
		ErrorsUnknown:     atomic.LoadUint64(&e.errorsUnknown),
		QueuedInputBytes:  queued,
		Uptime:            uptime,
	}
}

// emit delivers an event without blocking. Consumers that fall behind
// lose events rather than stalling the engine; events after Release
// are dropped.
func (e *Engine) emit(ev Event) {
	if e.eventsClosed.Load() {
		return
	}
	select {
	case e.events <- ev:
	default:
		slog.Debug("decode: event channel full, dropping event",
			"event", fmt.Sprintf("%T", ev),
		)
	}
}

// CheckAvailable probes the host for decode support. With AccelVAAPI
// it requires the VAAPI elements; AccelAuto and AccelSoftware only
// need GStreamer core.
func CheckAvailable(accel Accel) error {
	if err := pipeline.CheckGStreamer(); err != nil {
		return err
	}
	if accel == AccelVAAPI {
		return pipeline.CheckVAAPI()
	}
	return nil
}
