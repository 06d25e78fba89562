package texture

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/render"
)

// fakeGL records object lifecycles and draw calls. Failure injection
// per creation path lets tests drive the partial-setup cleanup code.
type fakeGL struct {
	nextID ID

	textures     map[ID]bool
	framebuffers map[ID]bool
	programs     map[ID]bool

	uploads []ID // upload destinations in call order
	blits   []ID // blit targets in call order

	textureBudget  int // creations allowed; negative means unlimited
	framebufferErr error
	programErr     error
	uploadErr      error
	blitErr        error
}

func newFakeGL() *fakeGL {
	return &fakeGL{
		textures:      make(map[ID]bool),
		framebuffers:  make(map[ID]bool),
		programs:      make(map[ID]bool),
		textureBudget: -1,
	}
}

func (g *fakeGL) alloc() ID {
	g.nextID++
	return g.nextID
}

func (g *fakeGL) CreateTexture(_ render.Token, w, h int, f decode.PixelFormat) (ID, error) {
	if g.textureBudget == 0 {
		return 0, fmt.Errorf("fake: texture budget exhausted")
	}
	if g.textureBudget > 0 {
		g.textureBudget--
	}
	id := g.alloc()
	g.textures[id] = true
	return id, nil
}

func (g *fakeGL) UploadPixels(_ render.Token, tex ID, w, h int, f decode.PixelFormat, pix []byte) error {
	if g.uploadErr != nil {
		return g.uploadErr
	}
	if !g.textures[tex] {
		return fmt.Errorf("fake: upload to unknown texture %d", tex)
	}
	g.uploads = append(g.uploads, tex)
	return nil
}

func (g *fakeGL) DeleteTexture(_ render.Token, tex ID) {
	delete(g.textures, tex)
}

func (g *fakeGL) CreateFramebuffer(_ render.Token) (ID, error) {
	if g.framebufferErr != nil {
		return 0, g.framebufferErr
	}
	id := g.alloc()
	g.framebuffers[id] = true
	return id, nil
}

func (g *fakeGL) DeleteFramebuffer(_ render.Token, fbo ID) {
	delete(g.framebuffers, fbo)
}

func (g *fakeGL) CreateBlitProgram(_ render.Token) (ID, error) {
	if g.programErr != nil {
		return 0, g.programErr
	}
	id := g.alloc()
	g.programs[id] = true
	return id, nil
}

func (g *fakeGL) DeleteProgram(_ render.Token, prog ID) {
	delete(g.programs, prog)
}

func (g *fakeGL) DrawBlit(_ render.Token, prog, fbo, src, dst ID, w, h int) error {
	if g.blitErr != nil {
		return g.blitErr
	}
	g.blits = append(g.blits, dst)
	return nil
}

func (g *fakeGL) liveObjects() int {
	return len(g.textures) + len(g.framebuffers) + len(g.programs)
}

// onRenderThread runs fn inside a dispatcher tick, the only context
// where a render.Token exists.
func onRenderThread(d *render.Dispatcher, fn func(render.Token)) {
	d.SubmitOnce(fn)
	d.Tick()
}

func testFrame(seq uint64, w, h int, format decode.PixelFormat) decode.Frame {
	return decode.Frame{
		Seq:        seq,
		PTS:        int64(seq) * 33000,
		Width:      w,
		Height:     h,
		Format:     format,
		Data:       make([]byte, format.FrameBytes(w, h)),
		ReceivedAt: time.Now(),
	}
}

func newTestSink(t *testing.T, mode Mode) (*Sink, *fakeGL, *render.Dispatcher) {
	t.Helper()
	gl := newFakeGL()
	disp := render.NewDispatcher()
	sink, err := NewSink(SinkConfig{Width: 4, Height: 4, Mode: mode}, gl, disp)
	if err != nil {
		t.Fatalf("NewSink failed: %v", err)
	}
	return sink, gl, disp
}

func TestNewSink_Validation(t *testing.T) {
	gl := newFakeGL()
	disp := render.NewDispatcher()
	valid := SinkConfig{Width: 1280, Height: 720, Mode: ModeDirect}

	testCases := []struct {
		name    string
		cfg     SinkConfig
		gl      GL
		disp    *render.Dispatcher
		wantErr string
	}{
		{"nil GL", valid, nil, disp, "GL implementation"},
		{"nil dispatcher", valid, gl, nil, "dispatcher"},
		{"zero width", SinkConfig{Width: 0, Height: 720}, gl, disp, "geometry"},
		{"negative height", SinkConfig{Width: 1280, Height: -1}, gl, disp, "geometry"},
		{"oversized", SinkConfig{Width: 8193, Height: 720}, gl, disp, "geometry"},
		{"bad mode", SinkConfig{Width: 1280, Height: 720, Mode: Mode(9)}, gl, disp, "mode"},
		{"planar format", SinkConfig{Width: 1280, Height: 720, Format: decode.FormatNV12}, gl, disp, "upload"},
		{"bad format", SinkConfig{Width: 1280, Height: 720, Format: decode.PixelFormat(42)}, gl, disp, "pixel format"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSink(tc.cfg, tc.gl, tc.disp)
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}

	sink, err := NewSink(valid, gl, disp)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if sink.format != decode.FormatRGBA {
		t.Errorf("zero format defaulted to %v, want RGBA", sink.format)
	}
}

func TestSink_InitGPU_Direct(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeDirect)

	var id ID
	var err error
	onRenderThread(disp, func(tok render.Token) {
		id, err = sink.InitGPU(tok)
	})
	if err != nil {
		t.Fatalf("InitGPU failed: %v", err)
	}
	if id == 0 {
		t.Fatal("InitGPU returned the invalid id 0")
	}
	if got := sink.Texture(); got != id {
		t.Errorf("Texture() = %d, want %d", got, id)
	}
	if len(gl.textures) != 1 || len(gl.framebuffers) != 0 || len(gl.programs) != 0 {
		t.Errorf("direct mode created %d/%d/%d objects, want 1/0/0",
			len(gl.textures), len(gl.framebuffers), len(gl.programs))
	}
	if !sink.Stats().TextureReady {
		t.Error("stats do not report the texture ready")
	}
}

func TestSink_InitGPU_Copy(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeCopy)

	var id ID
	var err error
	onRenderThread(disp, func(tok render.Token) {
		id, err = sink.InitGPU(tok)
	})
	if err != nil {
		t.Fatalf("InitGPU failed: %v", err)
	}
	if id == 0 {
		t.Fatal("InitGPU returned the invalid id 0")
	}
	if len(gl.textures) != 2 || len(gl.framebuffers) != 1 || len(gl.programs) != 1 {
		t.Errorf("copy mode created %d/%d/%d objects, want 2/1/1",
			len(gl.textures), len(gl.framebuffers), len(gl.programs))
	}
	// The host-facing target is allocated first.
	if id != 1 {
		t.Errorf("host-facing id = %d, want the first allocation", id)
	}
	if sink.source == 0 || sink.fbo == 0 || sink.program == 0 {
		t.Error("copy-mode objects not recorded on the sink")
	}
}

// TestSink_InitGPU_FailureReleasesPartial verifies that a failure at
// any creation step tears down everything built before it and returns
// the invalid id 0.
func TestSink_InitGPU_FailureReleasesPartial(t *testing.T) {
	testCases := []struct {
		name string
		rig  func(*fakeGL)
	}{
		{"target fails", func(g *fakeGL) { g.textureBudget = 0 }},
		{"source fails", func(g *fakeGL) { g.textureBudget = 1 }},
		{"framebuffer fails", func(g *fakeGL) { g.framebufferErr = fmt.Errorf("fake: no fbo") }},
		{"program fails", func(g *fakeGL) { g.programErr = fmt.Errorf("fake: no program") }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gl := newFakeGL()
			tc.rig(gl)
			disp := render.NewDispatcher()
			sink, err := NewSink(SinkConfig{Width: 4, Height: 4, Mode: ModeCopy}, gl, disp)
			if err != nil {
				t.Fatalf("NewSink failed: %v", err)
			}

			var id ID
			onRenderThread(disp, func(tok render.Token) {
				id, err = sink.InitGPU(tok)
			})
			if err == nil {
				t.Fatal("expected InitGPU to fail")
			}
			if id != 0 {
				t.Errorf("failed InitGPU returned id %d, want 0", id)
			}
			if sink.Texture() != 0 {
				t.Errorf("Texture() = %d after failed init, want 0", sink.Texture())
			}
			if live := gl.liveObjects(); live != 0 {
				t.Errorf("%d GPU objects leaked after failed init", live)
			}
		})
	}
}

// TestSink_DirectMode_CoalescesDeliveries verifies that a burst of
// deliveries between two ticks resolves to exactly one upload of the
// newest frame.
func TestSink_DirectMode_CoalescesDeliveries(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeDirect)
	onRenderThread(disp, func(tok render.Token) {
		if _, err := sink.InitGPU(tok); err != nil {
			t.Fatalf("InitGPU failed: %v", err)
		}
	})

	for seq := uint64(1); seq <= 5; seq++ {
		sink.Deliver(testFrame(seq, 4, 4, decode.FormatRGBA))
	}

	if got := sink.Pending(); got != 5 {
		t.Fatalf("pending = %d after 5 deliveries, want 5", got)
	}
	if got := disp.Pending(); got != 1 {
		t.Fatalf("%d promote tasks queued, want exactly 1", got)
	}

	disp.Tick()

	if got := sink.Pending(); got != 0 {
		t.Errorf("pending = %d after tick, want 0", got)
	}
	if len(gl.uploads) != 1 {
		t.Fatalf("%d uploads ran, want 1", len(gl.uploads))
	}
	if sink.lastPromoted != 5 {
		t.Errorf("promoted frame seq %d, want the newest (5)", sink.lastPromoted)
	}

	stats := sink.Stats()
	if stats.Coalesced != 4 {
		t.Errorf("coalesced = %d, want 4", stats.Coalesced)
	}
	if stats.Promoted != 1 {
		t.Errorf("promoted = %d, want 1", stats.Promoted)
	}

	// The next delivery queues a fresh task.
	sink.Deliver(testFrame(6, 4, 4, decode.FormatRGBA))
	disp.Tick()
	if len(gl.uploads) != 2 {
		t.Errorf("%d uploads after second burst, want 2", len(gl.uploads))
	}

	t.Log("✅ 5 deliveries, 1 upload, newest frame on the GPU")
}

func TestSink_Deliver_MismatchedFrameDropped(t *testing.T) {
	sink, _, _ := newTestSink(t, ModeDirect)

	// Wrong geometry, wrong layout, then both at once.
	sink.Deliver(testFrame(1, 8, 8, decode.FormatRGBA))
	sink.Deliver(testFrame(2, 4, 4, decode.FormatRGB))
	sink.Deliver(testFrame(3, 2, 2, decode.FormatNV12))

	if got := sink.Pending(); got != 0 {
		t.Errorf("pending = %d, mismatched frames must not signal", got)
	}
	stats := sink.Stats()
	if stats.FormatMismatches != 3 {
		t.Errorf("formatMismatches = %d, want 3", stats.FormatMismatches)
	}
	if stats.Delivered != 3 {
		t.Errorf("delivered = %d, want 3", stats.Delivered)
	}
	if _, err := sink.Snapshot(); err == nil {
		t.Error("mismatched frames must not land in the latest slot")
	}
}

// TestSink_Update_BlitPerPendingUnit verifies the copy-mode pass runs
// one promote plus blit per pending unit when each unit carries a new
// frame, and coalesces units whose frame was superseded.
func TestSink_Update_BlitPerPendingUnit(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeCopy)
	onRenderThread(disp, func(tok render.Token) {
		if _, err := sink.InitGPU(tok); err != nil {
			t.Fatalf("InitGPU failed: %v", err)
		}
	})
	update := func() {
		onRenderThread(disp, func(tok render.Token) {
			if err := sink.Update(tok); err != nil {
				t.Errorf("Update failed: %v", err)
			}
		})
	}

	// One frame per tick: every unit blits.
	sink.Deliver(testFrame(1, 4, 4, decode.FormatRGBA))
	update()
	sink.Deliver(testFrame(2, 4, 4, decode.FormatRGBA))
	update()

	if len(gl.blits) != 2 {
		t.Fatalf("%d blits after 2 paced frames, want 2", len(gl.blits))
	}
	if gl.blits[0] != sink.Texture() {
		t.Errorf("blit target = %d, want the host-facing texture %d", gl.blits[0], sink.Texture())
	}
	if len(gl.uploads) != 2 {
		t.Errorf("%d uploads, want 2", len(gl.uploads))
	}
	if gl.uploads[0] != sink.source {
		t.Errorf("copy-mode upload went to %d, want the source texture %d", gl.uploads[0], sink.source)
	}

	// Burst: three deliveries, one surviving frame, three pending units.
	for seq := uint64(3); seq <= 5; seq++ {
		sink.Deliver(testFrame(seq, 4, 4, decode.FormatRGBA))
	}
	update()

	if got := sink.Pending(); got != 0 {
		t.Errorf("pending = %d after update, want 0", got)
	}
	if len(gl.blits) != 3 {
		t.Errorf("%d total blits, want 3 (burst coalesces to one)", len(gl.blits))
	}
	if got := sink.Stats().Coalesced; got != 2 {
		t.Errorf("coalesced = %d, want 2", got)
	}

	t.Log("✅ paced frames blit one-to-one, bursts coalesce to the newest")
}

// TestSink_Update_AbortedDrawLeavesSinkLive verifies the framebuffer
// completeness policy: a failed blit aborts that draw only, and the
// next frame draws normally.
func TestSink_Update_AbortedDrawLeavesSinkLive(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeCopy)
	onRenderThread(disp, func(tok render.Token) {
		if _, err := sink.InitGPU(tok); err != nil {
			t.Fatalf("InitGPU failed: %v", err)
		}
	})

	gl.blitErr = fmt.Errorf("fake: framebuffer not complete")
	sink.Deliver(testFrame(1, 4, 4, decode.FormatRGBA))
	onRenderThread(disp, func(tok render.Token) {
		if err := sink.Update(tok); err != nil {
			t.Errorf("Update must swallow per-draw failures, got %v", err)
		}
	})

	if len(gl.blits) != 0 {
		t.Fatalf("%d blits completed despite the failure, want 0", len(gl.blits))
	}
	if got := sink.Stats().AbortedDraws; got != 1 {
		t.Errorf("abortedDraws = %d, want 1", got)
	}
	if sink.Texture() == 0 || gl.liveObjects() == 0 {
		t.Fatal("aborted draw tore down GPU objects")
	}

	gl.blitErr = nil
	sink.Deliver(testFrame(2, 4, 4, decode.FormatRGBA))
	onRenderThread(disp, func(tok render.Token) {
		if err := sink.Update(tok); err != nil {
			t.Errorf("Update failed after recovery: %v", err)
		}
	})
	if len(gl.blits) != 1 {
		t.Errorf("%d blits after recovery, want 1", len(gl.blits))
	}

	t.Log("✅ incomplete framebuffer aborted one draw, session survived")
}

// TestSink_Pending_NeverNegative hammers Deliver from several
// goroutines against a ticking consumer and verifies the signal
// accounting: never negative, fully drained, every unit either blits
// or coalesces exactly once.
func TestSink_Pending_NeverNegative(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeCopy)
	onRenderThread(disp, func(tok render.Token) {
		if _, err := sink.InitGPU(tok); err != nil {
			t.Fatalf("InitGPU failed: %v", err)
		}
	})
	disp.SubscribePersistent(func(tok render.Token) {
		if err := sink.Update(tok); err != nil {
			t.Errorf("Update failed: %v", err)
		}
	})

	const producers = 4
	const perProducer = 500

	var wg sync.WaitGroup
	var seq sync.Mutex
	next := uint64(0)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq.Lock()
				next++
				n := next
				seq.Unlock()
				sink.Deliver(testFrame(n, 4, 4, decode.FormatRGBA))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for ticking := true; ticking; {
		select {
		case <-done:
			ticking = false
		default:
		}
		disp.Tick()
		if got := sink.Pending(); got < 0 {
			t.Fatalf("pending went negative: %d", got)
		}
	}
	disp.Tick() // drain anything delivered after the last mid-run tick

	if got := sink.Pending(); got != 0 {
		t.Fatalf("pending = %d after final tick, want 0", got)
	}

	const total = producers * perProducer
	stats := sink.Stats()
	if stats.Delivered != total {
		t.Errorf("delivered = %d, want %d", stats.Delivered, total)
	}
	if stats.AbortedDraws != 0 {
		t.Errorf("abortedDraws = %d, want 0", stats.AbortedDraws)
	}
	if drained := stats.Blits + stats.Coalesced; drained != total {
		t.Errorf("blits(%d) + coalesced(%d) = %d, want %d: units double counted or lost",
			stats.Blits, stats.Coalesced, drained, total)
	}
	if uint64(len(gl.blits)) != stats.Blits {
		t.Errorf("fake saw %d blits, stats say %d", len(gl.blits), stats.Blits)
	}

	t.Logf("✅ %d frames: %d blits, %d coalesced, signal never negative",
		total, stats.Blits, stats.Coalesced)
}

func TestSink_ReleaseGPU_Idempotent(t *testing.T) {
	sink, gl, disp := newTestSink(t, ModeCopy)
	onRenderThread(disp, func(tok render.Token) {
		if _, err := sink.InitGPU(tok); err != nil {
			t.Fatalf("InitGPU failed: %v", err)
		}
	})
	if gl.liveObjects() != 4 {
		t.Fatalf("setup created %d objects, want 4", gl.liveObjects())
	}

	for i := 0; i < 3; i++ {
		onRenderThread(disp, func(tok render.Token) {
			sink.ReleaseGPU(tok)
		})
	}

	if live := gl.liveObjects(); live != 0 {
		t.Errorf("%d GPU objects leaked", live)
	}
	if sink.Texture() != 0 || sink.source != 0 || sink.fbo != 0 || sink.program != 0 {
		t.Error("object names not zeroed after release")
	}

	// Release before init is a no-op too.
	fresh, _, freshDisp := newTestSink(t, ModeDirect)
	onRenderThread(freshDisp, func(tok render.Token) {
		fresh.ReleaseGPU(tok)
	})

	t.Log("✅ triple release left no objects and no panic")
}

func TestSink_Promote_BeforeInit(t *testing.T) {
	sink, _, disp := newTestSink(t, ModeDirect)
	sink.Deliver(testFrame(1, 4, 4, decode.FormatRGBA))

	// The queued promote task runs before InitGPU: it must fail softly
	// and count, not panic.
	disp.Tick()
	if got := sink.Stats().AbortedDraws; got != 1 {
		t.Errorf("abortedDraws = %d, want 1", got)
	}

	var err error
	onRenderThread(disp, func(tok render.Token) {
		err = sink.Update(tok)
	})
	if err == nil {
		t.Error("Update on a direct-mode sink must error")
	}
}

func TestSink_Snapshot(t *testing.T) {
	sink, _, _ := newTestSink(t, ModeDirect)

	if _, err := sink.Snapshot(); err == nil {
		t.Fatal("Snapshot before any frame must error")
	}

	f := testFrame(1, 4, 4, decode.FormatRGBA)
	for i := range f.Data {
		f.Data[i] = byte(i)
	}
	sink.Deliver(f)

	img, err := sink.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if got := img.Bounds(); got != image.Rect(0, 0, 4, 4) {
		t.Errorf("snapshot bounds = %v, want 4x4", got)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		t.Fatalf("snapshot type = %T, want *image.RGBA", img)
	}
	if rgba.Pix[0] != 0 || rgba.Pix[5] != 5 {
		t.Error("snapshot pixels do not match the delivered frame")
	}
}
