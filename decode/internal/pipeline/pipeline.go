package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// PipelineConfig contains configuration for GStreamer pipeline creation
type PipelineConfig struct {
	Width         int
	Height        int
	OutputFormat  string // caps format name for decoded frames, e.g. "RGBA"
	Acceleration  int    // 0=Auto, 1=VAAPI, 2=Software (from decode.Accel)
	MaxInputBytes uint64 // appsrc queue bound, 0 = library default
}

// Elements holds references to GStreamer pipeline elements.
// These references are needed for feeding, draining and cleanup.
type Elements struct {
	Pipeline   *gst.Pipeline
	AppSrc     *app.Source
	AppSink    *app.Sink
	Decoder    string // factory name actually selected
	UsingVAAPI bool
}

// CreatePipeline creates and configures a GStreamer decode pipeline.
//
// Pipeline structure:
//
//	appsrc → h264parse → vaapih264dec|avdec_h264 → [vaapipostproc] →
//	videoconvert → capsfilter → appsink
//
// The capsfilter pins the pixel format only, never width or height:
// a mid-stream geometry change renegotiates through the chain and
// shows up as new caps on the decoded samples instead of failing the
// pipeline.
//
// The pipeline is configured but NOT started (state remains NULL).
// Caller must call pipeline.SetState(gst.StatePlaying) to start.
func CreatePipeline(cfg PipelineConfig) (*Elements, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	// Create appsrc fed by the transport goroutine. Live source with
	// time format so downstream latency handling works; block=false so
	// a full queue fails the push instead of stalling the caller (the
	// engine enforces its own bounded wait before pushing).
	appsrc, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	appsrc.SetProperty("is-live", true)
	appsrc.SetProperty("format", 3) // GST_FORMAT_TIME
	appsrc.SetProperty("block", false)
	appsrc.SetProperty("do-timestamp", false) // engine stamps timestamps itself
	if cfg.MaxInputBytes > 0 {
		appsrc.SetProperty("max-bytes", cfg.MaxInputBytes)
	}
	appsrc.SetProperty("caps", gst.NewCapsFromString(
		"video/x-h264,stream-format=byte-stream,alignment=au",
	))

	// h264parse assembles access units and extracts SPS/PPS so the
	// decoder negotiates from in-band parameter sets.
	h264parse, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	// Choose pipeline elements based on acceleration mode
	const (
		AccelAuto     = 0
		AccelVAAPI    = 1
		AccelSoftware = 2
	)

	var decoder, vaapiPostproc, converter *gst.Element
	decoderName := ""
	usingVAAPI := false

	switch cfg.Acceleration {
	case AccelVAAPI:
		// H.264-specific decoder first, generic VAAPI bin as fallback
		decoder, err = gst.NewElement("vaapih264dec")
		if err != nil {
			slog.Warn("pipeline: vaapih264dec not available, using vaapidecodebin", "error", err)
			decoder, err = gst.NewElement("vaapidecodebin")
			if err != nil {
				return nil, fmt.Errorf("failed to create VAAPI decoder (VAAPI required): %w", err)
			}
			decoderName = "vaapidecodebin"
		} else {
			// Safe for streams without B-frames, which is what a
			// low-latency robot encoder produces
			decoder.SetProperty("low-latency", true)
			decoderName = "vaapih264dec"
		}

		// GPU-side NV12 so the expensive format ride happens before the
		// system-memory copy. No width/height set: geometry passes
		// through untouched.
		vaapiPostproc, err = gst.NewElement("vaapipostproc")
		if err != nil {
			return nil, fmt.Errorf("failed to create vaapipostproc (VAAPI required): %w", err)
		}
		vaapiPostproc.SetProperty("format", "nv12")

		converter, err = gst.NewElement("videoconvert")
		if err != nil {
			return nil, fmt.Errorf("failed to create videoconvert: %w", err)
		}
		converter.SetProperty("n-threads", 0) // 0 = auto-detect cores
		converter.SetProperty("dither", 0)
		converter.SetProperty("chroma-mode", 0)

		usingVAAPI = true

	case AccelAuto:
		decoder, err = gst.NewElement("vaapih264dec")
		if err == nil {
			decoder.SetProperty("low-latency", true)
			decoderName = "vaapih264dec"

			vaapiPostproc, err = gst.NewElement("vaapipostproc")
			if err == nil {
				vaapiPostproc.SetProperty("format", "nv12")

				converter, _ = gst.NewElement("videoconvert")
				converter.SetProperty("n-threads", 0)
				converter.SetProperty("dither", 0)
				converter.SetProperty("chroma-mode", 0)

				usingVAAPI = true
				slog.Info("pipeline: using VAAPI decode (vaapih264dec)")
			} else {
				vaapiPostproc = nil
				decoder, _ = gst.NewElement("avdec_h264")
				decoder.SetProperty("max-threads", 0)
				decoder.SetProperty("output-corrupt", false)
				decoderName = "avdec_h264"
				converter, _ = gst.NewElement("videoconvert")
				converter.SetProperty("n-threads", 0)
				converter.SetProperty("dither", 0)
				converter.SetProperty("chroma-mode", 0)
				slog.Warn("pipeline: VAAPI unavailable, using software decoder")
			}
		} else {
			vaapiPostproc = nil
			decoder, _ = gst.NewElement("avdec_h264")
			decoder.SetProperty("max-threads", 0)
			decoder.SetProperty("output-corrupt", false)
			decoderName = "avdec_h264"
			converter, _ = gst.NewElement("videoconvert")
			converter.SetProperty("n-threads", 0)
			converter.SetProperty("dither", 0)
			converter.SetProperty("chroma-mode", 0)
			slog.Warn("pipeline: VAAPI unavailable, using software decoder")
		}

	case AccelSoftware:
		decoder, err = gst.NewElement("avdec_h264")
		if err != nil {
			return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("max-threads", 0)        // 0 = auto-detect cores
		decoder.SetProperty("output-corrupt", false) // skip corrupt frames
		decoderName = "avdec_h264"

		converter, err = gst.NewElement("videoconvert")
		if err != nil {
			return nil, fmt.Errorf("failed to create videoconvert: %w", err)
		}
		converter.SetProperty("n-threads", 0)
		converter.SetProperty("dither", 0)
		converter.SetProperty("chroma-mode", 0)

		slog.Info("pipeline: using software decoder with multi-threading")

	default:
		return nil, fmt.Errorf("invalid acceleration mode: %d", cfg.Acceleration)
	}

	// Format-only caps lock. Width and height deliberately absent.
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=%s", cfg.OutputFormat)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // no clock sync, deliver as decoded
	appsink.SetProperty("max-buffers", 1) // keep only latest frame
	appsink.SetProperty("drop", true)     // drop old frames
	appsink.SetProperty("qos", true)      // upstream drops before decode when lagging

	if usingVAAPI {
		pipeline.AddMany(
			appsrc.Element,
			h264parse,
			decoder,
			vaapiPostproc, // GPU: NV12 format ride
			converter,     // CPU: NV12 → output format
			capsfilter,
			appsink.Element,
		)
		if err := gst.ElementLinkMany(
			appsrc.Element,
			h264parse,
			decoder,
			vaapiPostproc,
			converter,
			capsfilter,
			appsink.Element,
		); err != nil {
			return nil, fmt.Errorf("failed to link VAAPI pipeline elements: %w", err)
		}

		slog.Info("pipeline: VAAPI decode pipeline created",
			"decoder", decoderName,
			"output_format", cfg.OutputFormat,
			"expected_geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"low_latency", true,
		)
	} else {
		pipeline.AddMany(
			appsrc.Element,
			h264parse,
			decoder,
			converter,
			capsfilter,
			appsink.Element,
		)
		if err := gst.ElementLinkMany(
			appsrc.Element,
			h264parse,
			decoder,
			converter,
			capsfilter,
			appsink.Element,
		); err != nil {
			return nil, fmt.Errorf("failed to link software pipeline elements: %w", err)
		}

		slog.Info("pipeline: software decode pipeline created",
			"decoder", decoderName,
			"output_format", cfg.OutputFormat,
			"expected_geometry", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		)
	}

	return &Elements{
		Pipeline:   pipeline,
		AppSrc:     appsrc,
		AppSink:    appsink,
		Decoder:    decoderName,
		UsingVAAPI: usingVAAPI,
	}, nil
}

// DestroyPipeline cleans up GStreamer pipeline resources
//
// Sets pipeline state to NULL and releases all resources.
// Safe to call even if pipeline is already destroyed.
func DestroyPipeline(elements *Elements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}

	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}

	return nil
}

// CheckGStreamer verifies that GStreamer core is usable by creating a
// throwaway element.
func CheckGStreamer() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("gstreamer not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// CheckVAAPI verifies that VAAPI decode elements can be created on
// this host. An error here means AccelVAAPI would fail and AccelAuto
// would fall back to software.
func CheckVAAPI() error {
	gst.Init(nil)

	dec, err := gst.NewElement("vaapih264dec")
	if err != nil {
		dec, err = gst.NewElement("vaapidecodebin")
		if err != nil {
			return fmt.Errorf("no VAAPI decoder available: %w", err)
		}
	}
	dec.SetState(gst.StateNull)

	post, err := gst.NewElement("vaapipostproc")
	if err != nil {
		return fmt.Errorf("vaapipostproc not available: %w", err)
	}
	post.SetState(gst.StateNull)
	return nil
}
