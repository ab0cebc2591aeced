// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/ackchat/internal/transport"
)

var ErrClosed = errors.New("transporttest: connection closed")

// Conn is one end of an in-memory duplex pipe.
type Conn struct {
	in     chan transport.Frame
	peer   *Conn
	closed chan struct{}
	once   sync.Once
	addr   string
}

// Pipe returns two connected ends.
func Pipe() (*Conn, *Conn) {
	a := &Conn{in: make(chan transport.Frame, 64), closed: make(chan struct{}), addr: "client"}
	b := &Conn{in: make(chan transport.Frame, 64), closed: make(chan struct{}), addr: "server"}
	a.peer, b.peer = b, a
	return a, b
}

func (c *Conn) ReadFrame() (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return transport.Frame{}, ErrClosed
	case <-c.peer.closed:
		return transport.Frame{}, ErrClosed
	}
}

func (c *Conn) WriteFrame(f transport.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrClosed
	default:
	}
	select {
	case c.peer.in <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peer.closed:
		return ErrClosed
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) RemoteAddr() string { return c.peer.addr }

// Closed reports whether either end has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	case <-c.peer.closed:
		return true
	default:
		return false
	}
}

// Next waits up to timeout for a frame sent by the other end.
func (c *Conn) Next(timeout time.Duration) (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-time.After(timeout):
		return transport.Frame{}, errors.New("transporttest: no frame before timeout")
	}
}

// Send writes a text frame to the other end.
func (c *Conn) Send(data string) error {
	return c.WriteFrame(transport.Frame{Data: []byte(data)})
}

// Dialer hands out pipes. The server end of every successful dial is
// delivered through Accept.
type Dialer struct {
	mu       sync.Mutex
	err      error
	block    chan struct{}
	urls     []string
	accepted chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Conn, 16)}
}

// SetError makes subsequent dials fail with err; nil restores success.
func (d *Dialer) SetError(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Hold makes subsequent dials wait until Release or context cancellation.
func (d *Dialer) Hold() {
	d.mu.Lock()
	d.block = make(chan struct{})
	d.mu.Unlock()
}

// Release lets held dials proceed.
func (d *Dialer) Release() {
	d.mu.Lock()
	if d.block != nil {
		close(d.block)
		d.block = nil
	}
	d.mu.Unlock()
}

// URLs returns every URL dialed so far.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	client, server := Pipe()
	d.accepted <- server
	return client, nil
}

// Accept waits up to timeout for the server end of the next dial.
func (d *Dialer) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-d.accepted:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("transporttest: no dial before timeout")
	}
}
