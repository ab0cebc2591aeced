// Package ws provides the WebSocket client transport built on gobwas/ws.
package ws

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/omochice/ackchat/internal/transport"
)

// Dialer opens client-side WebSocket connections.
type Dialer struct {
	// Timeout bounds the TCP connect and the upgrade handshake.
	Timeout time.Duration
	// WriteTimeout bounds every frame write. Zero disables the deadline.
	WriteTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	return newConn(conn, br, d.WriteTimeout), nil
}

// Conn adapts a raw net.Conn speaking the client side of RFC 6455 to
// transport.Conn.
type Conn struct {
	conn         net.Conn
	src          io.Reader
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an already upgraded client connection.
func NewConn(conn net.Conn) *Conn {
	return newConn(conn, nil, 0)
}

func newConn(conn net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Conn {
	c := &Conn{conn: conn, src: conn, writeTimeout: writeTimeout}
	// The handshake may have buffered the first server frames.
	if br != nil {
		c.src = br
	}
	return c
}

// ReadFrame implements transport.Conn.
func (c *Conn) ReadFrame() (transport.Frame, error) {
	rd := wsutil.Reader{
		Source:         c.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return transport.Frame{}, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, &rd); err != nil {
				return transport.Frame{}, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return transport.Frame{}, err
			}
			continue
		}
		data, err := io.ReadAll(&rd)
		if err != nil {
			return transport.Frame{}, err
		}
		return transport.Frame{Binary: hdr.OpCode == ws.OpBinary, Data: data}, nil
	}
}

// handleControl answers pings and close frames while holding the write lock
// so replies never interleave with data frames.
func (c *Conn) handleControl(hdr ws.Header, r io.Reader) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setWriteDeadline()
	return wsutil.ControlFrameHandler(c.conn, ws.StateClientSide)(hdr, r)
}

// WriteFrame implements transport.Conn.
func (c *Conn) WriteFrame(f transport.Frame) error {
	op := ws.OpText
	if f.Binary {
		op = ws.OpBinary
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.setWriteDeadline()
	if err := wsutil.WriteClientMessage(c.conn, op, f.Data); err != nil {
		return errors.Wrap(err, "failed to send message")
	}
	return nil
}

// Close implements transport.Conn. It sends a normal-closure frame before
// closing the socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.setWriteDeadline()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.wmu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements transport.Conn.
func (c *Conn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}
