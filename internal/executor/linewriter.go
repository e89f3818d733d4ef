package executor

import (
	"bytes"
	"sync"
)

// LineWriter is an io.Writer that invokes a callback once per complete output
// line. Build-script and tool output is streamed through it into the run log.
type LineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

// NewLineWriter creates a LineWriter calling fn for every line written.
func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

// Write implements io.Writer. Partial lines are buffered until a newline
// arrives or Flush is called.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Put the partial line back and wait for more input.
			w.buf.WriteString(line)
			break
		}
		w.fn(trimEOL(line))
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.fn(trimEOL(w.buf.String()))
		w.buf.Reset()
	}
}

func trimEOL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
