package framestream

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxtoacart/bpool"
)

var (
	// ErrNotStarted reports an operation on a receiver that never ran.
	ErrNotStarted = errors.New("framestream: receiver not started")

	// ErrAlreadyStarted reports a second Start on the same receiver.
	// Receivers are single-use; build a new one after Stop.
	ErrAlreadyStarted = errors.New("framestream: receiver already started")
)

// FrameSink consumes complete encoded access units, called synchronously
// on the reception goroutine. The payload is only valid for the duration
// of the call; implementations copy what they keep. Returning an error
// drops that frame (counted), never the connection.
type FrameSink interface {
	SubmitEncoded(data []byte) error
}

// Config describes a receiver. Zero values get defaults in NewReceiver.
type Config struct {
	// Host is the bind address. Default "0.0.0.0".
	Host string

	// Port is the TCP listen port. 0 binds an ephemeral port (tests);
	// read the result from Addr.
	Port int

	// MaxFrameBytes rejects frames above this size as corrupt, dropping
	// the connection. Default and ceiling: HardMaxFrameBytes.
	MaxFrameBytes int

	// Record dumps every accepted payload to an Annex-B file at
	// RecordPath, replayable with examples/filesender.
	Record     bool
	RecordPath string
}

// Stats is a point-in-time snapshot of receiver counters.
type Stats struct {
	FramesReceived      uint64
	BytesReceived       uint64
	FramesRejected      uint64
	SinkDrops           uint64
	ConnectionsAccepted uint64
	Connected           bool
	ClientAddr          string
	Recording           bool
	RecordedBytes       uint64
	Uptime              time.Duration
}

// Receiver is the TCP frame transport. One producer is serviced at a
// time; after it disconnects the accept loop takes the next one, until
// Stop.
type Receiver struct {
	cfg  Config
	sink FrameSink
	pool *bpool.BytePool

	ln        net.Listener
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
	events    chan Event

	recorder *recorder

	connMu sync.Mutex
	conn   net.Conn

	started   atomic.Bool
	stopped   atomic.Bool
	startedAt time.Time

	framesReceived      atomic.Uint64
	bytesReceived       atomic.Uint64
	framesRejected      atomic.Uint64
	sinkDrops           atomic.Uint64
	connectionsAccepted atomic.Uint64
}

// NewReceiver validates cfg and builds a receiver. No I/O happens until
// Start.
func NewReceiver(cfg Config, sink FrameSink) (*Receiver, error) {
	if sink == nil {
		return nil, fmt.Errorf("framestream: sink must not be nil")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("framestream: invalid port %d", cfg.Port)
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = HardMaxFrameBytes
	}
	if cfg.MaxFrameBytes < 0 || cfg.MaxFrameBytes > HardMaxFrameBytes {
		return nil, fmt.Errorf("framestream: MaxFrameBytes %d outside (0, %d]",
			cfg.MaxFrameBytes, HardMaxFrameBytes)
	}
	if cfg.Record && cfg.RecordPath == "" {
		cfg.RecordPath = defaultRecordPath()
	}

	poolWidth := cfg.MaxFrameBytes
	if poolWidth > DefaultPoolFrameBytes {
		poolWidth = DefaultPoolFrameBytes
	}
	return &Receiver{
		cfg:    cfg,
		sink:   sink,
		pool:   bpool.NewBytePool(4, poolWidth),
		events: make(chan Event, 16),
	}, nil
}

// Start binds the listener and launches the accept loop. The receiver
// runs until Stop or ctx cancellation.
func (r *Receiver) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port)))
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("framestream: listen on port %d: %w", r.cfg.Port, err)
	}
	r.ln = ln
	r.startedAt = time.Now()

	if r.cfg.Record {
		rec, err := newRecorder(r.cfg.RecordPath)
		if err != nil {
			ln.Close()
			r.started.Store(false)
			return fmt.Errorf("framestream: opening record file: %w", err)
		}
		r.recorder = rec
	}

	localCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	// Accept blocks without a deadline; closing the listener (and any
	// active connection) is what unblocks shutdown.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-localCtx.Done()
		r.closeNetwork()
	}()

	r.wg.Add(1)
	go r.acceptLoop(localCtx)

	slog.Info("framestream: listening",
		"addr", ln.Addr().String(),
		"max_frame_bytes", r.cfg.MaxFrameBytes,
		"recording", r.cfg.Record,
	)
	return nil
}

// Stop shuts the receiver down: close the listener and active
// connection, join the goroutines (3s bound), flush the recorder.
// Idempotent; concurrent calls collapse to one shutdown.
func (r *Receiver) Stop() error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("framestream: timeout waiting for goroutines to stop")
	}

	if r.recorder != nil {
		if err := r.recorder.close(); err != nil {
			slog.Warn("framestream: closing record file", "error", err)
		}
	}

	slog.Info("framestream: stopped",
		"frames_received", r.framesReceived.Load(),
		"bytes_received", r.bytesReceived.Load(),
		"frames_rejected", r.framesRejected.Load(),
		"uptime", time.Since(r.startedAt).Round(time.Millisecond),
	)
	return nil
}

// Addr returns the bound listen address, or nil before Start. With
// Port 0 this is how tests learn the ephemeral port.
func (r *Receiver) Addr() net.Addr {
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Events returns the receiver's event stream. The channel closes when
// the accept loop exits; slow consumers lose events rather than stall
// the transport.
func (r *Receiver) Events() <-chan Event {
	return r.events
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()

	s := Stats{
		FramesReceived:      r.framesReceived.Load(),
		BytesReceived:       r.bytesReceived.Load(),
		FramesRejected:      r.framesRejected.Load(),
		SinkDrops:           r.sinkDrops.Load(),
		ConnectionsAccepted: r.connectionsAccepted.Load(),
		Connected:           conn != nil,
		Recording:           r.recorder != nil && !r.recorder.failed(),
	}
	if conn != nil {
		s.ClientAddr = conn.RemoteAddr().String()
	}
	if r.recorder != nil {
		s.RecordedBytes = r.recorder.bytesWritten()
	}
	if !r.startedAt.IsZero() {
		s.Uptime = time.Since(r.startedAt)
	}
	return s
}

// acceptLoop services one producer at a time until shutdown. It is the
// only goroutine emitting events, and closes the channel on exit.
func (r *Receiver) acceptLoop(ctx context.Context) {
	defer r.wg.Done()
	defer close(r.events)

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("framestream: accept failed", "error", err)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		addr := conn.RemoteAddr().String()
		r.setConn(conn)
		r.connectionsAccepted.Add(1)
		r.emit(ClientConnected{Addr: addr})
		slog.Info("framestream: producer connected", "addr", addr)

		reason := "stream ended"
		if err := r.serve(ctx, conn); err != nil {
			reason = err.Error()
			slog.Warn("framestream: producer dropped", "addr", addr, "reason", reason)
		} else {
			slog.Info("framestream: producer disconnected", "addr", addr)
		}
		r.setConn(nil)
		conn.Close()
		r.emit(ClientDisconnected{Addr: addr, Reason: reason})
	}
}

// serve runs the read loop for one connection. A nil return is a clean
// end of stream (EOF or shutdown); an error names the protocol or I/O
// fault that dropped the producer.
func (r *Receiver) serve(ctx context.Context, conn net.Conn) error {
	scratch := make([]byte, headerSize)
	for {
		buf := r.pool.Get()
		payload, _, err := readFrameInto(conn, scratch, buf, r.cfg.MaxFrameBytes)
		if err != nil {
			r.pool.Put(buf)
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return nil
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, ErrZeroLength), errors.Is(err, ErrFrameTooLarge):
				r.framesRejected.Add(1)
				r.emit(FrameRejected{Length: rejectedLength(scratch), Reason: err.Error()})
				return err
			case errors.Is(err, io.ErrUnexpectedEOF):
				return fmt.Errorf("framestream: stream truncated mid-frame: %w", err)
			default:
				return fmt.Errorf("framestream: read failed: %w", err)
			}
		}

		r.framesReceived.Add(1)
		r.bytesReceived.Add(uint64(len(payload)))
		if r.recorder != nil {
			r.recorder.write(payload)
		}

		if err := r.sink.SubmitEncoded(payload); err != nil {
			r.sinkDrops.Add(1)
			slog.Debug("framestream: sink refused frame",
				"size_bytes", len(payload),
				"error", err,
			)
		}

		// The sink contract says data is consumed before return, so the
		// pooled buffer can go back now. Oversized payloads lived in a
		// one-off allocation and are garbage collected.
		r.pool.Put(buf)
	}
}

func (r *Receiver) setConn(conn net.Conn) {
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
}

// closeNetwork unblocks Accept and any in-flight ReadFull exactly once.
func (r *Receiver) closeNetwork() {
	r.closeOnce.Do(func() {
		if r.ln != nil {
			r.ln.Close()
		}
		r.connMu.Lock()
		if r.conn != nil {
			r.conn.Close()
		}
		r.connMu.Unlock()
	})
}

// emit delivers an event without ever blocking the transport.
func (r *Receiver) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		slog.Debug("framestream: dropping event, channel full", "event", fmt.Sprintf("%T", ev))
	}
}

func rejectedLength(scratch []byte) uint32 {
	if len(scratch) < headerSize {
		return 0
	}
	return binary.BigEndian.Uint32(scratch[:headerSize])
}
