package main

import (
	"context"
	"flag"
	"fmt"
	"image/jpeg"
	"image/png"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/XR-Robotics/robotvision/decode"
	"github.com/XR-Robotics/robotvision/framestream"
	"github.com/XR-Robotics/robotvision/texture"
)

// Version information
const version = "v0.1.0"

// chanSink bridges the decode engine's synchronous Deliver into a
// channel the main loop consumes. Deliver never blocks: when the loop
// lags, frames are dropped and counted.
type chanSink struct {
	frames  chan decode.Frame
	dropped atomic.Uint64
}

func (s *chanSink) Deliver(f decode.Frame) {
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}

func main() {
	// Parse command-line flags
	width := flag.Int("width", 1280, "Expected stream width in pixels")
	height := flag.Int("height", 720, "Expected stream height in pixels")
	port := flag.Int("port", 12680, "TCP port to listen on (0 = ephemeral)")
	accel := flag.String("accel", "auto", "Acceleration mode: auto, vaapi, software")
	outputDir := flag.String("output", "", "Directory to save decoded frames (optional)")
	outputFormat := flag.String("format", "png", "Output format: png, jpeg")
	jpegQuality := flag.Int("jpeg-quality", 90, "JPEG quality (1-100, only for jpeg format)")
	saveEvery := flag.Int("save-every", 30, "Save every Nth decoded frame")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to decode (0 = unlimited)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 = run until interrupted)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	record := flag.Bool("record", false, "Record the received elementary stream")
	recordPath := flag.String("record-path", "", "Record file path (default: auto-generated)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("test-link %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Parse acceleration mode
	var accelMode decode.Accel
	switch *accel {
	case "auto":
		accelMode = decode.AccelAuto
	case "vaapi":
		accelMode = decode.AccelVAAPI
	case "software":
		accelMode = decode.AccelSoftware
	default:
		log.Fatalf("Invalid acceleration mode: %s (must be auto, vaapi, or software)", *accel)
	}

	// Validate output format
	if *outputFormat != "png" && *outputFormat != "jpeg" {
		log.Fatalf("Invalid output format: %s (must be png or jpeg)", *outputFormat)
	}
	if *saveEvery < 1 {
		log.Fatalf("Invalid save-every: %d (must be >= 1)", *saveEvery)
	}

	// Create output directory if specified
	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
		slog.Info("Frame saving enabled",
			"directory", *outputDir,
			"format", *outputFormat,
			"save_every", *saveEvery,
		)
	}

	// Print banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Robot Vision Link Test (headless)               ║\n")
	fmt.Printf("║                      Version %s                        ║\n", version)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
	fmt.Printf("Configuration:\n")
	fmt.Printf("  Geometry:      %dx%d\n", *width, *height)
	fmt.Printf("  Listen Port:   %d\n", *port)
	fmt.Printf("  Acceleration:  %s\n", *accel)
	if *outputDir != "" {
		fmt.Printf("  Output Dir:    %s (every %d frames)\n", *outputDir, *saveEvery)
	} else {
		fmt.Printf("  Output Dir:    (none - frames not saved)\n")
	}
	if *maxFrames > 0 {
		fmt.Printf("  Max Frames:    %d\n", *maxFrames)
	} else {
		fmt.Printf("  Max Frames:    unlimited\n")
	}
	if *record {
		fmt.Printf("  Recording:     enabled\n")
	}
	fmt.Printf("\n")

	// Build the decode engine with a channel-bridging sink. No GPU in
	// this tool; frames stay on the CPU.
	sink := &chanSink{frames: make(chan decode.Frame, 8)}

	engine, err := decode.NewEngine(decode.Config{
		Width:  *width,
		Height: *height,
		Accel:  accelMode,
		Format: decode.FormatRGBA,
	}, sink)
	if err != nil {
		log.Fatalf("Failed to create decode engine: %v", err)
	}

	receiver, err := framestream.NewReceiver(framestream.Config{
		Port:       *port,
		Record:     *record,
		RecordPath: *recordPath,
	}, engine)
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Bring the link up: decoder first, then the listener feeding it
	slog.Info("Configuring decode engine...")
	if err := engine.Configure(); err != nil {
		log.Fatalf("Failed to configure engine: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	if err := receiver.Start(ctx); err != nil {
		log.Fatalf("Failed to start receiver: %v", err)
	}

	fmt.Printf("Listening on %s\n", receiver.Addr())
	fmt.Printf("Send a stream with: go run ./examples/filesender --addr %s --file clip.h264\n", receiver.Addr())
	fmt.Printf("Press Ctrl+C to stop gracefully\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n\n")

	// Watch transport and decoder events
	go func() {
		for ev := range receiver.Events() {
			switch ev := ev.(type) {
			case framestream.ClientConnected:
				slog.Info("Producer connected", "addr", ev.Addr)
			case framestream.ClientDisconnected:
				slog.Info("Producer disconnected", "addr", ev.Addr, "reason", ev.Reason)
			case framestream.FrameRejected:
				slog.Warn("Frame rejected", "length", ev.Length, "reason", ev.Reason)
			}
		}
	}()
	go func() {
		for ev := range engine.Events() {
			switch ev := ev.(type) {
			case decode.FormatChanged:
				slog.Info("Stream format changed",
					"geometry", fmt.Sprintf("%dx%d", ev.Width, ev.Height),
					"was", fmt.Sprintf("%dx%d", ev.PrevWidth, ev.PrevHeight),
				)
			case decode.PipelineError:
				slog.Error("Pipeline error",
					"category", ev.Category.String(),
					"message", ev.Message,
					"fatal", ev.Fatal,
				)
			case decode.EndOfStream:
				slog.Info("Decoder drained end of stream")
			}
		}
	}()

	// Stats tracking
	startTime := time.Now()
	framesSaved := 0
	saveFailures := 0

	// Launch stats reporter goroutine
	statsTicker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
	defer statsTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				rs := receiver.Stats()
				es := engine.Stats()
				uptime := time.Since(startTime)

				fmt.Printf("\n")
				fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
				fmt.Printf("│ Link Statistics (Uptime: %s)\n", uptime.Round(time.Second))
				fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
				fmt.Printf("│ Frames Received:    %6d frames\n", rs.FramesReceived)
				fmt.Printf("│ Bytes Received:     %6.2f MB\n", float64(rs.BytesReceived)/1024/1024)
				fmt.Printf("│ Frames Decoded:     %6d frames\n", es.FramesDecoded)
				if rs.FramesRejected > 0 {
					fmt.Printf("│ Frames Rejected:    %6d frames\n", rs.FramesRejected)
				}
				if es.InputDrops > 0 || es.OutputDrops > 0 {
					fmt.Printf("│ Decoder Drops:      %6d in / %d out\n", es.InputDrops, es.OutputDrops)
				}
				if n := sink.dropped.Load(); n > 0 {
					fmt.Printf("│ Consumer Drops:     %6d frames\n", n)
				}
				fmt.Printf("│ Input Backlog:      %6.1f KB\n", float64(es.QueuedInputBytes)/1024)
				fmt.Printf("│ Connected:          %6v\n", rs.Connected)
				if rs.Connected {
					fmt.Printf("│ Producer:           %s\n", rs.ClientAddr)
				}
				if rs.Recording {
					fmt.Printf("│ Recorded:           %6.2f MB\n", float64(rs.RecordedBytes)/1024/1024)
				}
				totalErrors := es.ErrorsCodec + es.ErrorsNegotiation + es.ErrorsResource + es.ErrorsUnknown
				if totalErrors > 0 {
					fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
					fmt.Printf("│ Codec Errors:       %6d\n", es.ErrorsCodec)
					fmt.Printf("│ Negotiation Errors: %6d\n", es.ErrorsNegotiation)
					fmt.Printf("│ Resource Errors:    %6d\n", es.ErrorsResource)
					fmt.Printf("│ Unknown Errors:     %6d\n", es.ErrorsUnknown)
				}
				fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
				fmt.Printf("\n")
			}
		}
	}()

	// Optional run duration
	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	// Main frame processing loop
	frameCount := 0
	for {
		select {
		case <-sigChan:
			fmt.Printf("\n\nReceived interrupt signal, shutting down...\n")
			cancel()
			goto shutdown

		case <-timeout:
			fmt.Printf("\nRun duration reached, shutting down...\n")
			cancel()
			goto shutdown

		case frame := <-sink.frames:
			frameCount++

			// Log frame arrival (compact format)
			fmt.Printf("[%s] Frame #%-6d | Seq: %-8d | %dx%d %s | %6.1f KB\n",
				time.Now().Format("15:04:05"),
				frameCount,
				frame.Seq,
				frame.Width,
				frame.Height,
				frame.Format,
				float64(len(frame.Data))/1024,
			)

			// Save frame if output directory specified
			if *outputDir != "" && frameCount%*saveEvery == 0 {
				if err := saveFrame(*outputDir, frame, *outputFormat, *jpegQuality); err != nil {
					slog.Error("Failed to save frame", "error", err, "seq", frame.Seq)
					saveFailures++
				} else {
					framesSaved++
				}
			}

			// Stop if max frames reached
			if *maxFrames > 0 && frameCount >= *maxFrames {
				fmt.Printf("\nReached maximum frames (%d), stopping...\n", *maxFrames)
				cancel()
				goto shutdown
			}
		}
	}

shutdown:
	slog.Info("Stopping link...")
	if err := receiver.Stop(); err != nil {
		slog.Error("Error stopping receiver", "error", err)
	}
	if err := engine.Release(); err != nil {
		slog.Error("Error releasing engine", "error", err)
	}

	// Final stats
	finalRecv := receiver.Stats()
	finalEng := engine.Stats()
	uptime := time.Since(startTime)

	fmt.Printf("\n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("                     Final Statistics                      \n")
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("  Total Uptime:       %s\n", uptime.Round(time.Second))
	fmt.Printf("  Frames Received:    %d frames\n", finalRecv.FramesReceived)
	fmt.Printf("  Frames Decoded:     %d frames\n", finalEng.FramesDecoded)
	fmt.Printf("  Bytes Received:     %.2f MB\n", float64(finalRecv.BytesReceived)/1024/1024)
	fmt.Printf("  Connections:        %d\n", finalRecv.ConnectionsAccepted)
	if *outputDir != "" {
		fmt.Printf("  Frames Saved:       %d frames\n", framesSaved)
		fmt.Printf("  Save Failures:      %d frames\n", saveFailures)
	}
	if finalRecv.Recording {
		fmt.Printf("  Recorded:           %.2f MB\n", float64(finalRecv.RecordedBytes)/1024/1024)
	}
	fmt.Printf("═══════════════════════════════════════════════════════════\n")
	fmt.Printf("\n")

	slog.Info("Test link completed successfully")
}

// saveFrame saves a decoded frame to disk as PNG or JPEG
func saveFrame(outputDir string, frame decode.Frame, format string, jpegQuality int) error {
	img, err := texture.FrameImage(frame)
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("frame_%06d.%s", frame.Seq, format)
	path := filepath.Join(outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch format {
	case "png":
		if err := png.Encode(file, img); err != nil {
			return fmt.Errorf("failed to encode PNG: %w", err)
		}
	case "jpeg":
		if err := jpeg.Encode(file, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("failed to encode JPEG: %w", err)
		}
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}

	return nil
}
