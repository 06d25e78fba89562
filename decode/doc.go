// Package decode provides low-latency H.264 decoding using GStreamer.
//
// It turns length-framed access units from the transport layer into
// raw video frames delivered to a render sink, using hardware decode
// (VAAPI) when available. The engine is built for live robot vision:
// it prefers dropping data over queueing it, and it never lets a slow
// decoder back up the network connection feeding it.
//
// # Quick Start
//
//	eng, err := decode.NewEngine(decode.Config{
//	    Width:  1280,
//	    Height: 720,
//	    Accel:  decode.AccelAuto,
//	    Format: decode.FormatRGBA,
//	}, sink)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Release()
//
//	if err := eng.Configure(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Feed access units as they arrive from the transport
//	err = eng.SubmitEncoded(accessUnit)
//
// # Lifecycle
//
// The engine moves strictly forward through five states:
//
//	uninitialized → configured → started → stopped → released
//
// Configure builds the pipeline, Start runs it, Stop halts decoding
// while keeping resources, Release frees everything. Release is legal
// from any state and idempotent; a released engine is never reused.
//
// # Hardware Acceleration
//
// Three acceleration modes are supported via Config.Accel:
//
//   - AccelAuto (default): Attempts VAAPI hardware decode, falls back to software
//   - AccelVAAPI: Forces VAAPI, fails fast if unavailable
//   - AccelSoftware: Forces CPU decode (debugging/compatibility)
//
// # Latency Policy
//
// Every queue in the engine is bounded and lossy:
//
//   - Input side: when queued encoded bytes exceed the budget,
//     SubmitEncoded waits at most Config.InputWait (default 8ms) and
//     then drops the access unit. The transport goroutine is never
//     blocked longer than that.
//   - Output side: the appsink keeps only the latest decoded frame,
//     and the drain channel drops when full. A consumer that lags
//     sees fewer frames, never older ones.
//   - Drain loop: each submission drains at most Config.DrainLimit
//     decoded frames, so one call cannot monopolize the feeder.
//
// All drops are counted and visible in EngineStats.
//
// # Timestamps
//
// Submitted access units are stamped from a PresentationClock that
// issues strictly increasing microsecond values, even when the wall
// clock stalls or steps backwards. Decoded frames carry the stamp
// through the pipeline, so Frame.PTS is usable for ordering.
//
// # Format Changes
//
// The pipeline pins the output pixel format but not the geometry. A
// mid-stream resolution change renegotiates through the decode chain
// and surfaces as a FormatChanged event on Events(), followed by
// frames carrying the new dimensions. The engine keeps decoding; the
// consumer decides when to rebuild its surfaces.
//
// # Dependencies
//
// GStreamer 1.x must be installed on the system:
//
//	# Ubuntu/Debian
//	sudo apt-get install \
//	    gstreamer1.0-tools \
//	    gstreamer1.0-plugins-base \
//	    gstreamer1.0-plugins-good \
//	    gstreamer1.0-plugins-bad \
//	    gstreamer1.0-libav
//
// For VAAPI hardware acceleration (Intel GPUs):
//
//	sudo apt-get install gstreamer1.0-vaapi intel-media-va-driver-non-free
//
// Verify the decode elements:
//
//	gst-inspect-1.0 h264parse
//	gst-inspect-1.0 avdec_h264
//	gst-inspect-1.0 vaapih264dec  # For VAAPI
//
// # Thread Safety
//
// Stop, Release, Stats, State and Events are safe from any goroutine.
// SubmitEncoded is designed for a single feeding goroutine (the
// transport connection handler) and must not be called concurrently
// with itself.
//
// # Limitations
//
//   - H.264 elementary streams only (no container parsing)
//   - Annex-B byte-stream format with in-band SPS/PPS
//   - One stream per Engine instance
//   - No audio
package decode
