// Package robotvision receives a live H.264 stream over TCP, decodes
// it with GStreamer, and exposes the result as an OpenGL texture the
// host renders from.
//
// A Link ties the three layers together: the framestream transport
// accepts length-prefixed access units from one producer at a time,
// the decode engine turns them into raw frames (VAAPI when available),
// and the texture sink promotes the latest frame to a GPU texture on
// the host's render thread. Everything between the socket and the
// texture follows one policy:
//
//	"Drop frames, never queue. Latency > Completeness."
//
// # Quick Start
//
//	link, err := robotvision.New(robotvision.Config{
//	    Width:  1280,
//	    Height: 720,
//	    Port:   12680,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := link.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// In the render loop, on the thread that owns the GL context:
//	link.Dispatcher().Tick()
//
//	// Somewhere else, watch for the texture:
//	for ev := range link.Events() {
//	    if ready, ok := ev.(robotvision.TextureReady); ok {
//	        bindForDrawing(uint32(ready.Texture))
//	    }
//	}
//
//	// When done:
//	link.Release()
//
// # The Render Thread
//
// OpenGL work only happens inside Dispatcher().Tick, which the host
// calls once per rendered frame from the thread that owns the GL
// context. The link never creates a GL context or thread of its own;
// between ticks nothing touches the GPU. That is why the texture
// arrives asynchronously: Start schedules the GPU setup, and the
// TextureReady event fires on the first tick after it. A TextureReady
// carrying texture 0 means the setup failed; the link keeps decoding
// and the CPU-side snapshot path still works.
//
// # Texture Modes
//
// Config.Mode selects how decoded frames reach the host texture:
//
//   - ModeDirect (default): decoded pixels upload straight into the
//     host-visible texture. Cheapest path; the texture mutates in
//     place.
//   - ModeCopy: pixels upload into an internal texture and each tick
//     blits it into the host-visible one through a framebuffer. The
//     host texture only ever changes inside Tick, at the cost of one
//     draw per frame.
//
// Bursts coalesce in both modes: when several frames arrive between
// ticks, only the newest is promoted and the rest are counted, never
// drawn.
//
// # Lifecycle
//
//	New → Start → (StopDecoder) → Release
//
// StopDecoder halts the transport and the decoder while leaving the
// texture and the event stream alive, so the host keeps rendering the
// last decoded frame. Release tears everything down in order: the
// transport stops and its goroutines join, the decoder releases, the
// GPU objects are deleted on the render thread (bounded wait, in case
// the host stopped ticking), and the event channel closes. Release is
// idempotent. A released link is finished; construct a new one to
// receive again, no process restart needed.
//
// # Events
//
// Events() merges the layers into one stream: TextureReady,
// ClientConnected, ClientDisconnected, FormatChanged, DecodeFailed,
// StreamEnded. Delivery never blocks the pipeline; a consumer that
// stops reading loses events, not frames. The channel closes on
// Release.
//
// # Recording and Snapshots
//
// Config.Record dumps the received elementary stream to an Annex-B
// file replayable with examples/filesender. SaveSnapshot writes the
// most recent decoded frame as PNG from the CPU-side slot, without
// touching the render thread, so it works headless and after
// StopDecoder.
//
// # Dependencies
//
// GStreamer 1.x for decoding and an OpenGL 4.1 core context for the
// texture path. See the decode package documentation for the required
// GStreamer packages and the VAAPI setup.
//
// # Thread Safety
//
// Start, StopDecoder and Release serialize against each other and are
// safe from any goroutine. Events, Stats, Texture, Addr and
// SaveSnapshot are safe from any goroutine and never block on a
// lifecycle transition in progress. Dispatcher().Tick belongs to
// exactly one thread: the one owning the GL context.
package robotvision
