package framestream

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// recorder appends accepted payloads to an Annex-B elementary stream
// dump. Strictly best effort: the first write error disables it for the
// rest of the session, and the stream path never sees recorder failures.
type recorder struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	bytes  atomic.Uint64
	broken atomic.Bool
}

func newRecorder(path string) (*recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	slog.Info("framestream: recording stream", "path", path)
	return &recorder{
		file: f,
		w:    bufio.NewWriterSize(f, 256<<10),
	}, nil
}

func (rec *recorder) write(p []byte) {
	if rec.broken.Load() {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.file == nil {
		return
	}
	if _, err := rec.w.Write(p); err != nil {
		rec.broken.Store(true)
		slog.Warn("framestream: recording disabled after write error", "error", err)
		return
	}
	rec.bytes.Add(uint64(len(p)))
}

// close flushes and releases the file. Idempotent.
func (rec *recorder) close() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.file == nil {
		return nil
	}
	flushErr := rec.w.Flush()
	closeErr := rec.file.Close()
	rec.file = nil
	rec.w = nil

	slog.Info("framestream: recording closed", "bytes", rec.bytes.Load())
	if flushErr != nil {
		return fmt.Errorf("framestream: flushing record file: %w", flushErr)
	}
	return closeErr
}

func (rec *recorder) bytesWritten() uint64 {
	return rec.bytes.Load()
}

func (rec *recorder) failed() bool {
	return rec.broken.Load()
}

func defaultRecordPath() string {
	return fmt.Sprintf("stream_%s.h264", time.Now().Format("20060102_150405"))
}
