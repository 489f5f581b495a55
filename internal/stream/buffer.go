package stream

import (
	"bytes"
	"io"
	"sync"
)

// Buffer is an unbounded in-memory pipe. Writes never block, so a slow or
// absent reader cannot stall the demultiplexer. Reads block until data
// arrives or the buffer is closed.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   bytes.Buffer
	closed bool
	err    error
}

// NewBuffer returns an open, empty Buffer.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.data.Write(p)
	b.cond.Broadcast()
	return n, nil
}

// Read returns buffered bytes, blocking while the buffer is empty and open.
// Once closed and drained it returns io.EOF, or the error given to
// CloseWithError.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.data.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.data.Len() == 0 {
		if b.err != nil {
			return 0, b.err
		}
		return 0, io.EOF
	}
	return b.data.Read(p)
}

// Close marks the end of the stream. Buffered bytes remain readable.
func (b *Buffer) Close() error {
	return b.CloseWithError(nil)
}

// CloseWithError closes the buffer; readers see err after draining.
func (b *Buffer) CloseWithError(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.err = err
		b.cond.Broadcast()
	}
	return nil
}
