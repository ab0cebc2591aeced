// Package coder provides the WebSocket client transport built on
// coder/websocket.
package coder

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/pkg/errors"

	"github.com/omochice/ackchat/internal/transport"
)

// DefaultReadLimit caps a single inbound frame.
const DefaultReadLimit = 1 << 20

// Dialer opens client-side WebSocket connections.
type Dialer struct {
	Timeout      time.Duration
	WriteTimeout time.Duration
	Header       http.Header
	// ReadLimit caps inbound frames; zero means DefaultReadLimit.
	ReadLimit int64
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	remote := url
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		remote = resp.Request.URL.Host
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		conn:         conn,
		remote:       remote,
		writeTimeout: d.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Conn adapts *websocket.Conn to transport.Conn.
type Conn struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	// ctx is cancelled by Close so a blocked ReadFrame returns.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// ReadFrame blocks until a data frame arrives.
func (c *Conn) ReadFrame() (transport.Frame, error) {
	typ, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return transport.Frame{}, errors.Wrap(err, "failed to read frame")
	}
	return transport.Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// WriteFrame sends one frame.
func (c *Conn) WriteFrame(f transport.Frame) error {
	ctx := c.ctx
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	typ := websocket.MessageText
	if f.Binary {
		typ = websocket.MessageBinary
	}
	if err := c.conn.Write(ctx, typ, f.Data); err != nil {
		return errors.Wrap(err, "failed to send frame")
	}
	return nil
}

// Close sends a normal closure and releases the connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	return c.closeErr
}

func (c *Conn) RemoteAddr() string { return c.remote }
