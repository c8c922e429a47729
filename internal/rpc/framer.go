// ABOUTME: Line framer that reads and writes one JSON-RPC message per newline.
// ABOUTME: Serializes writes so concurrent callers never interleave frames.

package rpc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport closed")

// Framer frames JSON-RPC messages over a byte stream, one message per line.
// Receive must only be called from a single goroutine (the connection's
// reader loop); Send is safe for concurrent use.
type Framer struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader
	w  *bufio.Writer

	sendMu  sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewFramer wraps a byte stream (typically a net.Conn) in a line framer.
func NewFramer(rw io.ReadWriteCloser) *Framer {
	return &Framer{
		rw: rw,
		r:  bufio.NewReader(rw),
		w:  bufio.NewWriter(rw),
	}
}

// Send marshals the message, appends a newline, and flushes the write buffer.
func (f *Framer) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	if f.isClosed() {
		return ErrClosed
	}
	if _, err := f.w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := f.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing delimiter: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flushing message: %w", err)
	}
	return nil
}

// Receive reads one line and parses it as a JSON-RPC message.
// A cleanly closed peer yields io.EOF. A line that is not valid JSON is a
// protocol error and is returned to the caller, never swallowed.
func (f *Framer) Receive() (*Message, error) {
	line, err := f.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		if f.isClosed() {
			return nil, ErrClosed
		}
		if err != io.EOF {
			return nil, fmt.Errorf("reading frame: %w", err)
		}
		// Final unterminated line still gets parsed.
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	return &msg, nil
}

// Close closes the underlying stream. Safe to call multiple times.
func (f *Framer) Close() error {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.rw.Close()
}

func (f *Framer) isClosed() bool {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	return f.closed
}
