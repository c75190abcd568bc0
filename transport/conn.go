// Package transport adapts a connected duplex byte stream into the
// non-blocking read, write and readiness primitives the session layer needs.
package transport

import (
	"errors"
	"io"
	"sync"
	"time"
)

// ErrWouldBlock is returned by TryRead when no bytes are buffered.
var ErrWouldBlock = errors.New("would block")

// ErrClosed is returned after Close has been called.
var ErrClosed = errors.New("transport closed")

const chunkSize = 32 * 1024

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Conn wraps an io.ReadWriteCloser. A single background goroutine reads
// from the underlying stream into a buffer; callers consume that buffer
// with TryRead and use Ready to wait for more.
type Conn struct {
	rwc io.ReadWriteCloser

	mu     sync.Mutex
	buf    []byte
	err    error
	signal chan struct{}

	wmu          sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
}

// New starts reading from rwc.
func New(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{rwc: rwc}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	chunk := make([]byte, chunkSize)
	for {
		n, err := c.rwc.Read(chunk)
		c.mu.Lock()
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil && c.err == nil {
			c.err = err
		}
		if (n > 0 || err != nil) && c.signal != nil {
			close(c.signal)
			c.signal = nil
		}
		done := c.err != nil
		c.mu.Unlock()
		if done {
			return
		}
	}
}

// TryRead copies buffered bytes into p. It returns ErrWouldBlock when
// nothing is buffered, and the stream error (often io.EOF) once the buffer
// is drained after the stream has failed.
func (c *Conn) TryRead(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		if c.err != nil {
			return 0, c.err
		}
		return 0, ErrWouldBlock
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return n, nil
}

// Read blocks until at least one byte is available or the stream fails.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := c.TryRead(p)
		if !errors.Is(err, ErrWouldBlock) {
			return n, err
		}
		<-c.Ready()
	}
}

// Buffered returns the number of bytes ready for TryRead.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Ready returns a channel that is closed once TryRead would not block.
func (c *Conn) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) > 0 || c.err != nil {
		return closedCh
	}
	if c.signal == nil {
		c.signal = make(chan struct{})
	}
	return c.signal
}

// SetWriteTimeout bounds each Write when the underlying stream supports
// write deadlines. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// Write writes all of p or fails.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.Err(); errors.Is(err, ErrClosed) {
		return 0, err
	}
	if wd, ok := c.rwc.(writeDeadliner); ok {
		var t time.Time
		if c.writeTimeout > 0 {
			t = time.Now().Add(c.writeTimeout)
		}
		wd.SetWriteDeadline(t)
	}
	return c.rwc.Write(p)
}

// Err reports the read side failure, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the underlying stream and wakes any waiters.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		if c.signal != nil {
			close(c.signal)
			c.signal = nil
		}
		c.mu.Unlock()
		err = c.rwc.Close()
	})
	return err
}
