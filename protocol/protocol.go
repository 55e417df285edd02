// Package protocol implements the frame format spoken over a child process's stdio pipes.
//
// MCP stdio servers exchange newline-delimited JSON: every message is one line, terminated
// by '\n'. Unlike TCP, a pipe gives us no message boundaries either, so the reader scans for
// the delimiter and hands back one complete frame at a time.
//
//	┌──────────────────────── body ────────────────────────┬────┐
//	│ {"jsonrpc":"2.0","id":1,"result":{...}}               │ \n │
//	└───────────────────────────────────────────────────────┴────┘
//
// A body may not contain a raw newline; compact JSON never does.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	Delimiter byte = '\n'

	// MaxFrameSize bounds a single inbound message. Large tool results (file contents,
	// base64 images) can be several MiB, so the limit is generous.
	MaxFrameSize = 32 << 20

	initialBufferSize = 64 << 10
)

var (
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds maximum size")
	ErrEmbeddedNewline = errors.New("protocol: frame body contains a newline")
)

// Encode writes body followed by the delimiter to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	if bytes.IndexByte(body, Delimiter) >= 0 {
		return ErrEmbeddedNewline
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, body...)
	buf = append(buf, Delimiter)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Reader reads delimited frames from a stream. It is not safe for concurrent use;
// a stream has exactly one reader.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader that accepts frames up to maxSize bytes.
// A non-positive maxSize selects MaxFrameSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, min(initialBufferSize, maxSize)), maxSize)
	s.Split(bufio.ScanLines)
	return &Reader{scanner: s}
}

// Decode returns the next non-empty frame without its delimiter (a trailing '\r' is dropped
// too). It returns io.EOF once the stream ends cleanly.
func (r *Reader) Decode() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		return frame, nil
	}
	if err := r.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, err
	}
	return nil, io.EOF
}
