package framestream_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/XR-Robotics/robotvision/framestream"
)

// collectSink copies every delivered payload, honoring the contract that
// payload buffers are only valid during the call.
type collectSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *collectSink) SubmitEncoded(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	return s.err
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *collectSink) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func startReceiver(t *testing.T, cfg framestream.Config, sink framestream.FrameSink) *framestream.Receiver {
	t.Helper()
	recv, err := framestream.NewReceiver(cfg, sink)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { recv.Stop() })
	return recv
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainEvents collects receiver events in the background until the
// channel closes.
func drainEvents(recv *framestream.Receiver) func() []framestream.Event {
	var mu sync.Mutex
	var events []framestream.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range recv.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []framestream.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]framestream.Event(nil), events...)
	}
}

// TestReceiverReassemblesSplitWrites streams frames whose headers and
// payloads are deliberately fragmented across many small writes. The
// receiver must reassemble each frame exactly, in order.
func TestReceiverReassemblesSplitWrites(t *testing.T) {
	sink := &collectSink{}
	recv := startReceiver(t, framestream.Config{Port: 0}, sink)

	conn, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payloads := [][]byte{
		bytes.Repeat([]byte{0x01}, 3),
		bytes.Repeat([]byte{0x02}, 900),
		bytes.Repeat([]byte{0x03}, 17),
	}
	var wire bytes.Buffer
	for _, p := range payloads {
		if err := framestream.WriteFrame(&wire, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	// Dribble the stream out in 5-byte chunks so headers and payloads
	// straddle write boundaries.
	raw := wire.Bytes()
	for off := 0; off < len(raw); off += 5 {
		end := off + 5
		if end > len(raw) {
			end = len(raw)
		}
		if _, err := conn.Write(raw[off:end]); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	waitFor(t, 2*time.Second, func() bool { return sink.count() == len(payloads) }, "all frames")
	for i, want := range payloads {
		if !bytes.Equal(sink.frame(i), want) {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(sink.frame(i)), len(want))
		}
	}

	stats := recv.Stats()
	if stats.FramesReceived != uint64(len(payloads)) {
		t.Errorf("FramesReceived = %d, want %d", stats.FramesReceived, len(payloads))
	}
	t.Logf("✅ %d frames reassembled from fragmented writes", len(payloads))
}

// TestReceiverDropsCorruptLengthThenServesNextProducer sends an
// oversized length header. The receiver must drop that connection (the
// stream cannot resynchronize) and then serve a fresh producer.
func TestReceiverDropsCorruptLengthThenServesNextProducer(t *testing.T) {
	sink := &collectSink{}
	recv := startReceiver(t, framestream.Config{Port: 0, MaxFrameBytes: 1024}, sink)
	events := drainEvents(recv)

	conn, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 4096) // above the 1024 limit
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server must close on us.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be dropped after corrupt length")
	}
	conn.Close()

	waitFor(t, 2*time.Second, func() bool { return recv.Stats().FramesRejected == 1 }, "rejection counter")

	// Policy: the accept loop keeps serving. A second producer works.
	conn2, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer conn2.Close()
	if err := framestream.WriteFrame(conn2, []byte{0xCA, 0xFE}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() == 1 }, "frame from second producer")

	recv.Stop()
	var sawRejection bool
	for _, ev := range events() {
		if rej, ok := ev.(framestream.FrameRejected); ok {
			sawRejection = true
			if rej.Length != 4096 {
				t.Errorf("FrameRejected.Length = %d, want 4096", rej.Length)
			}
		}
	}
	if !sawRejection {
		t.Error("expected a FrameRejected event")
	}
	t.Logf("✅ corrupt producer dropped, next producer served")
}

// TestReceiverDropsZeroLength covers the other framing violation: a
// zero-length header is corrupt, not an empty keepalive.
func TestReceiverDropsZeroLength(t *testing.T) {
	sink := &collectSink{}
	recv := startReceiver(t, framestream.Config{Port: 0}, sink)

	conn, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(make([]byte, 4)); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection drop on zero-length frame")
	}
	if got := recv.Stats().FramesReceived; got != 0 {
		t.Errorf("FramesReceived = %d, want 0", got)
	}
}

// TestReceiverSinkErrorKeepsConnection verifies a refusing sink costs
// frames, not the producer connection.
func TestReceiverSinkErrorKeepsConnection(t *testing.T) {
	sink := &collectSink{err: errors.New("decoder saturated")}
	recv := startReceiver(t, framestream.Config{Port: 0}, sink)

	conn, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		if err := framestream.WriteFrame(conn, []byte{byte(i), 0xBE}); err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return recv.Stats().SinkDrops == 3 }, "sink drop counter")

	stats := recv.Stats()
	if !stats.Connected {
		t.Error("connection should survive sink errors")
	}
	if stats.FramesReceived != 3 {
		t.Errorf("FramesReceived = %d, want 3", stats.FramesReceived)
	}
}

// TestReceiverStopIdempotent exercises the teardown contract: Stop
// before Start fails, the first Stop shuts down, repeats are no-ops,
// and the event channel closes.
func TestReceiverStopIdempotent(t *testing.T) {
	sink := &collectSink{}
	recv, err := framestream.NewReceiver(framestream.Config{Port: 0}, sink)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	if err := recv.Stop(); !errors.Is(err, framestream.ErrNotStarted) {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}

	if err := recv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := recv.Start(context.Background()); !errors.Is(err, framestream.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	if err := recv.Stop(); err != nil {
		t.Errorf("first Stop: %v", err)
	}
	if err := recv.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		for range recv.Events() {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Error("events channel not closed after Stop")
	}
	t.Logf("✅ teardown idempotent, events channel closed")
}

// TestNewReceiverValidation is the fail-fast configuration table.
func TestNewReceiverValidation(t *testing.T) {
	sink := &collectSink{}
	tests := []struct {
		name    string
		cfg     framestream.Config
		sink    framestream.FrameSink
		wantErr bool
	}{
		{"valid defaults", framestream.Config{Port: 0}, sink, false},
		{"nil sink", framestream.Config{Port: 0}, nil, true},
		{"negative port", framestream.Config{Port: -1}, sink, true},
		{"port too large", framestream.Config{Port: 70000}, sink, true},
		{"max above hard ceiling", framestream.Config{Port: 0, MaxFrameBytes: framestream.HardMaxFrameBytes + 1}, sink, true},
		{"negative max", framestream.Config{Port: 0, MaxFrameBytes: -5}, sink, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := framestream.NewReceiver(tt.cfg, tt.sink)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

// TestReceiverRecordsStream verifies the record flag dumps raw payloads
// in arrival order, replayable as an Annex-B file.
func TestReceiverRecordsStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.h264")
	sink := &collectSink{}
	recv := startReceiver(t, framestream.Config{Port: 0, Record: true, RecordPath: path}, sink)

	conn, err := net.Dial("tcp", recv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	payloads := [][]byte{
		{0, 0, 0, 1, 0x67, 0x42},
		{0, 0, 0, 1, 0x65, 0x88, 0x01},
	}
	for _, p := range payloads {
		if err := framestream.WriteFrame(conn, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return sink.count() == len(payloads) }, "frames")
	conn.Close()
	recv.Stop()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading dump: %v", err)
	}
	want := append(append([]byte{}, payloads[0]...), payloads[1]...)
	if !bytes.Equal(got, want) {
		t.Errorf("dump = % X, want % X", got, want)
	}
	t.Logf("✅ %d bytes recorded", len(got))
}
