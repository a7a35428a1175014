package proc

import (
	"bytes"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
)

// CaptureBuffer accumulates the raw bytes of one output stream. Bytes are
// stored exactly as the process wrote them, irrespective of encoding
// validity. When a limit is set, only the trailing window is kept.
type CaptureBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int64
}

// NewCaptureBuffer returns a buffer keeping at most limit trailing bytes.
// A zero limit means unlimited.
func NewCaptureBuffer(limit int64) *CaptureBuffer {
	return &CaptureBuffer{limit: limit}
}

// Write appends p, dropping head bytes beyond the trailing window.
func (b *CaptureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit > 0 && int64(len(p)) >= b.limit {
		// the chunk alone exceeds the window; keep only its tail
		b.buf = append(b.buf[:0], p[int64(len(p))-b.limit:]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if b.limit > 0 && int64(len(b.buf)) > b.limit {
		over := int64(len(b.buf)) - b.limit
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured bytes.
func (b *CaptureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len returns the number of captured bytes currently held.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// logSink copies a stream to a file, optionally bounded to a trailing
// window. Bounded sinks mirror writes into a window buffer and let the
// file grow to twice the limit before compacting it back down, so a
// steady stream does not rewrite the file on every chunk. Close compacts
// once more, leaving exactly the trailing window on disk.
type logSink struct {
	f        *os.File
	limit    int64
	size     int64
	tail     *CaptureBuffer
	overflow bool
}

func newLogSink(f *os.File, limit int64) *logSink {
	s := &logSink{f: f, limit: limit}
	if limit > 0 {
		s.tail = NewCaptureBuffer(limit)
	}
	return s
}

func (s *logSink) Write(p []byte) (int, error) {
	if s.limit <= 0 {
		return s.f.Write(p)
	}
	s.tail.Write(p)
	s.size += int64(len(p))
	if s.size > s.limit {
		s.overflow = true
	}
	if s.size > 2*s.limit {
		if err := s.compact(); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	if _, err := s.f.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// compact rewrites the file with the window buffer's contents.
func (s *logSink) compact() error {
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b := s.tail.Bytes()
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.size = int64(len(b))
	return nil
}

func (s *logSink) Close() error {
	if s.overflow {
		if err := s.compact(); err != nil {
			s.f.Close()
			return err
		}
	}
	return s.f.Close()
}

// debugMu makes forwarded lines atomic across every runner in the process,
// so concurrent containers cannot interleave partial lines.
var debugMu sync.Mutex

// debugPalette cycles per runner so concurrent output sources are visually
// distinguishable.
var debugPalette = []*color.Color{
	color.New(color.FgGreen),
	color.New(color.FgCyan),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
	color.New(color.FgRed),
}

var paletteIdx atomic.Uint64

// nextColor returns the next color in the palette.
func nextColor() *color.Color {
	i := paletteIdx.Add(1) - 1
	return debugPalette[i%uint64(len(debugPalette))]
}

// lineWriter forwards a stream line by line with a fixed prefix. Each
// complete line is written with a single call under debugMu. A trailing
// partial line is flushed with an added newline on Close; this only affects
// the forwarded copy, never the captured bytes.
type lineWriter struct {
	dst     io.Writer
	prefix  string
	partial []byte
}

func newLineWriter(dst io.Writer, prefix string) *lineWriter {
	return &lineWriter{dst: dst, prefix: prefix}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.partial = append(w.partial, p...)
			return total, nil
		}
		line := make([]byte, 0, len(w.prefix)+len(w.partial)+i+1)
		line = append(line, w.prefix...)
		line = append(line, w.partial...)
		line = append(line, p[:i+1]...)
		w.partial = w.partial[:0]
		debugMu.Lock()
		_, err := w.dst.Write(line)
		debugMu.Unlock()
		if err != nil {
			return total, err
		}
		p = p[i+1:]
	}
}

// Close flushes any trailing output that had no final newline.
func (w *lineWriter) Close() error {
	if len(w.partial) == 0 {
		return nil
	}
	line := make([]byte, 0, len(w.prefix)+len(w.partial)+1)
	line = append(line, w.prefix...)
	line = append(line, w.partial...)
	line = append(line, '\n')
	w.partial = w.partial[:0]
	debugMu.Lock()
	_, err := w.dst.Write(line)
	debugMu.Unlock()
	return err
}
