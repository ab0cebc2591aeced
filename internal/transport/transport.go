// Package transport defines the duplex connection contract the session
// layer is written against.
package transport

import "context"

// Frame is one complete data message read from or written to a connection.
type Frame struct {
	// Binary is true for binary frames and false for text frames.
	Binary bool
	Data   []byte
}

// Conn abstracts a single open duplex connection.
type Conn interface {
	// ReadFrame blocks until the next data frame arrives.
	// Control frames are handled internally.
	ReadFrame() (Frame, error)

	// WriteFrame sends one data frame.
	WriteFrame(f Frame) error

	// Close closes the connection. It is safe to call more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
