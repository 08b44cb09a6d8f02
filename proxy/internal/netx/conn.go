// Package netx wraps network connections with the buffering, half-close and
// lifecycle semantics the proxy core relies on.
package netx

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ErrBackpressure is returned by Queue when the out-buffer is full; the
// caller must Flush before queueing more.
var ErrBackpressure = errors.New("netx: out-buffer full")

// DefaultBufferSize is the default in/out buffer cap (64 KiB).
const DefaultBufferSize = 64 * 1024

// Conn wraps a net.Conn with a bounded buffered reader (with peeking), a
// bounded out-buffer with explicit flushing, idempotent close with a
// broadcast channel, and an activity stamp for idle accounting.
type Conn struct {
	net.Conn
	ID uuid.UUID

	r      *bufio.Reader
	outCap int

	wmu sync.Mutex
	out []byte

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}

	lastActivity atomic.Int64 // unix nanos
}

// Wrap decorates c. recvbuf and sendbuf bound the in and out buffers; zero
// selects DefaultBufferSize.
func Wrap(c net.Conn, recvbuf, sendbuf int) *Conn {
	if recvbuf <= 0 {
		recvbuf = DefaultBufferSize
	}
	if sendbuf <= 0 {
		sendbuf = DefaultBufferSize
	}
	w := &Conn{
		Conn:      c,
		ID:        uuid.NewV4(),
		r:         bufio.NewReaderSize(c, recvbuf),
		outCap:    sendbuf,
		CloseChan: make(chan struct{}),
	}
	w.touch()
	return w
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IdleSince returns the time of the last byte read or written.
func (c *Conn) IdleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Peek returns the next n bytes without advancing the reader.
func (c *Conn) Peek(n int) ([]byte, error) {
	b, err := c.r.Peek(n)
	if err == nil {
		c.touch()
	}
	return b, err
}

// Read reads buffered data from the connection.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// Buffered returns the number of bytes sitting in the in-buffer.
func (c *Conn) Buffered() int {
	return c.r.Buffered()
}

// Queue appends b to the out-buffer without touching the socket. It refuses
// with ErrBackpressure once the buffered bytes would exceed the cap.
func (c *Conn) Queue(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if len(c.out)+len(b) > c.outCap {
		return ErrBackpressure
	}
	c.out = append(c.out, b...)
	return nil
}

// HasBuffer reports whether queued bytes await a Flush.
func (c *Conn) HasBuffer() bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return len(c.out) > 0
}

// Flush pushes the out-buffer to the socket.
func (c *Conn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for len(c.out) > 0 {
		n, err := c.Conn.Write(c.out)
		if n > 0 {
			c.out = c.out[n:]
			c.touch()
		}
		if err != nil {
			return err
		}
	}
	c.out = nil
	return nil
}

// Write drains any queued bytes then writes b directly.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.Flush(); err != nil {
		return 0, err
	}
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// CloseRead half-closes the read side when the transport supports it.
func (c *Conn) CloseRead() {
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		_ = tc.CloseRead()
	}
}

// CloseWrite half-closes the write side when the transport supports it,
// flushing queued bytes first.
func (c *Conn) CloseWrite() {
	_ = c.Flush()
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.Conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// Close closes the connection once; later calls return the first error.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)
	return c.closeErr
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// IsRetryable classifies transport errors: timeouts are retryable, anything
// else is terminal for the connection.
func IsRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
