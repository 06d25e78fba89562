// Package texture makes decoded video frames sampleable as a GPU
// texture with minimal added latency.
//
// The Sink sits between the decode engine and the host's render loop.
// Frames arrive on the engine's drain path into a latest-wins slot and
// bump the frame-available signal; the render thread consumes them
// through the render.Dispatcher, which is the only place GPU work may
// run. The signal is a counter, not a flag: the consumer drains it to
// zero each pass and it can never go negative.
//
// # Modes
//
// ModeDirect uploads the latest frame straight into the host-facing
// texture via a coalesced one-shot task: however many frames arrive
// between two ticks, at most one upload runs and the host always
// samples the newest content.
//
// ModeCopy uploads into an internal source texture and blits it into
// the host-facing target through an offscreen framebuffer, one
// promote-plus-blit per pending unit. Hosts that must never observe a
// texture mid-upload use this mode and install Update as a persistent
// subscription.
//
// # Failure Policy
//
// GPU object creation failures surface at InitGPU, which tears down
// whatever it built and returns the invalid id 0. Steady-state draw
// failures (incomplete framebuffer, upload error) abort only that draw
// and are counted; the sink keeps running with its objects intact.
//
// # Snapshots
//
// Snapshot converts the latest frame to an image.Image on the CPU, so
// debug exports never touch the render thread or block the decode
// path.
package texture
