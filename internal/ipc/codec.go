// Package ipc implements the newline-delimited JSON frame protocol the
// worker speaks with its host process over stdin/stdout.
package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	worker "github.com/lumenai/lumen-worker/internal"
)

// maxFrameBytes bounds a single inbound line: the payload cap plus headroom
// for the envelope fields.
const maxFrameBytes = worker.MaxPayloadBytes + 64*1024

// DecodeError wraps a malformed inbound line. The read loop logs these and
// keeps going; only I/O errors end the session.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode frame: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// Reader decodes request frames from a stream, one JSON object per line.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameBytes)
	return &Reader{sc: sc}
}

// Next returns the next request frame. Blank lines are skipped. A malformed
// line yields a *DecodeError; the reader stays usable afterwards. io.EOF
// signals a clean end of stream.
func (r *Reader) Next() (*worker.Request, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req worker.Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, &DecodeError{Line: append([]byte(nil), line...), Err: err}
		}
		if req.Cmd == "" {
			return nil, &DecodeError{Line: append([]byte(nil), line...), Err: fmt.Errorf("missing cmd")}
		}
		return &req, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return nil, io.EOF
}

// Writer encodes frames onto a stream. A single mutex serializes writes so
// concurrent streams never interleave partial lines.
type Writer struct {
	mu sync.Mutex
	bw *bufio.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteResponse writes a terminal response frame.
func (w *Writer) WriteResponse(resp *worker.Response) error {
	return w.writeJSON(resp)
}

// WriteEvent writes a stream event frame.
func (w *Writer) WriteEvent(ev *worker.Event) error {
	return w.writeJSON(ev)
}

func (w *Writer) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.bw.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}
