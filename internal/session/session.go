// Package session owns the single duplex connection to the messaging
// server: connect, send, disconnect and the lifecycle events that drive the
// rest of the client. It carries no business logic.
package session

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/internal/transport"
	"github.com/omochice/ackchat/pkg/protocol"
)

// State is the connection state. Exactly one exists per client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason says why a connection ended.
type CloseReason int

const (
	// ReasonRemote: the peer closed or the socket failed.
	ReasonRemote CloseReason = iota
	// ReasonLogout: the user disconnected on purpose.
	ReasonLogout
	// ReasonLiveness: the liveness monitor gave up on a silent connection.
	ReasonLiveness
	// ReasonDialFailed: the connection could not be established.
	ReasonDialFailed
)

func (r CloseReason) String() string {
	switch r {
	case ReasonRemote:
		return "remote"
	case ReasonLogout:
		return "logout"
	case ReasonLiveness:
		return "liveness"
	case ReasonDialFailed:
		return "dial_failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: connect called while a connection exists")
	ErrAborted          = errors.New("session: connect aborted")
	ErrEmptyIdentity    = errors.New("session: empty identity")
)

// Handler receives lifecycle events. Every call happens on the goroutine
// that owns the session.
type Handler interface {
	OnOpen()
	OnClose(reason CloseReason, err error)
	OnFrame(f transport.Frame)
}

// Executor runs fn on the goroutine that owns the session. It returns false
// when that goroutine is gone and fn was dropped.
type Executor func(fn func()) bool

// Config configures a Session.
type Config struct {
	// URL is the upgrade endpoint; the identity is added as a query parameter.
	URL    string
	Format protocol.Format
}

// Session is the Transport Session. Its methods must be called from the
// goroutine behind its Executor.
type Session struct {
	cfg     Config
	dialer  transport.Dialer
	exec    Executor
	clock   sched.Clock
	log     *zap.Logger
	handler Handler

	state    State
	identity string
	conn     transport.Conn
	gen      uint64

	cancelDial context.CancelFunc
	pending    chan error
}

// New creates a disconnected session.
func New(cfg Config, dialer transport.Dialer, exec Executor, clock sched.Clock, log *zap.Logger) *Session {
	if clock == nil {
		clock = sched.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:     cfg,
		dialer:  dialer,
		exec:    exec,
		clock:   clock,
		log:     log.Named("session"),
		handler: nopHandler{},
	}
}

// SetHandler installs the event handler.
func (s *Session) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	s.handler = h
}

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// Identity returns the identity of the last connect call.
func (s *Session) Identity() string { return s.identity }

// Connect opens the connection for identity. The returned channel yields
// exactly one value: nil once the session is CONNECTED and OnOpen has run,
// or the handshake error.
func (s *Session) Connect(ctx context.Context, identity string) <-chan error {
	result := make(chan error, 1)
	if s.state != Disconnected {
		result <- ErrAlreadyConnected
		return result
	}
	endpoint, err := BuildURL(s.cfg.URL, identity)
	if err != nil {
		result <- err
		return result
	}
	s.identity = identity
	s.dial(ctx, endpoint, result)
	return result
}

// Reconnect dials again with the identity of the last Connect. It reports
// whether a dial was started.
func (s *Session) Reconnect() bool {
	if s.state != Disconnected || s.identity == "" {
		return false
	}
	endpoint, err := BuildURL(s.cfg.URL, s.identity)
	if err != nil {
		return false
	}
	s.dial(context.Background(), endpoint, nil)
	return true
}

func (s *Session) dial(ctx context.Context, endpoint string, result chan error) {
	s.gen++
	gen := s.gen
	s.state = Connecting
	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.pending = result

	s.log.Debug("connecting", zap.String("url", endpoint))
	go func() {
		conn, err := s.dialer.Dial(dialCtx, endpoint)
		if !s.exec(func() { s.dialed(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) dialed(gen uint64, conn transport.Conn, err error) {
	if gen != s.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.cancelDial()
	s.cancelDial = nil
	result := s.pending
	s.pending = nil

	if err != nil {
		s.state = Disconnected
		s.log.Warn("connect failed", zap.Error(err))
		resolve(result, err)
		s.handler.OnClose(ReasonDialFailed, err)
		return
	}

	s.conn = conn
	s.state = Connected
	s.log.Info("connected", zap.String("remote", conn.RemoteAddr()), zap.String("identity", s.identity))
	go s.readLoop(gen, conn)
	s.handler.OnOpen()
	resolve(result, nil)
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			s.exec(func() { s.lost(gen, err) })
			return
		}
		if !s.exec(func() { s.frame(gen, f) }) {
			conn.Close()
			return
		}
	}
}

func (s *Session) frame(gen uint64, f transport.Frame) {
	if gen != s.gen || s.state != Connected {
		return
	}
	s.handler.OnFrame(f)
}

func (s *Session) lost(gen uint64, err error) {
	if gen != s.gen || s.state != Connected {
		return
	}
	s.log.Warn("connection lost", zap.Error(err))
	s.teardown()
	s.handler.OnClose(ReasonRemote, err)
}

// Send serializes and transmits msg. It returns false without side effects
// unless the session is CONNECTED.
func (s *Session) Send(msg protocol.Message) bool {
	if s.state != Connected || s.conn == nil {
		return false
	}
	data, err := protocol.Marshal(msg, s.cfg.Format)
	if err != nil {
		s.log.Error("failed to encode message", zap.String("type", msg.Type.String()), zap.Error(err))
		return false
	}
	if err := s.conn.WriteFrame(transport.Frame{Binary: s.cfg.Format.Binary(), Data: data}); err != nil {
		s.log.Warn("failed to send message", zap.String("type", msg.Type.String()), zap.Error(err))
		return false
	}
	return true
}

// Disconnect notifies the peer when connected, then closes. It is
// idempotent; OnClose(ReasonLogout) fires only when a connection or a dial
// was actually ended.
func (s *Session) Disconnect() {
	switch s.state {
	case Disconnected:
		return
	case Connecting:
		s.abortDial()
	case Connected:
		s.Send(protocol.NewLogout(s.identity, s.clock.Now()))
		s.teardown()
	}
	s.log.Info("disconnected", zap.String("identity", s.identity))
	s.handler.OnClose(ReasonLogout, nil)
}

// Abort force-closes the connection without notifying the peer and reports
// reason to the handler.
func (s *Session) Abort(reason CloseReason) {
	switch s.state {
	case Disconnected:
		return
	case Connecting:
		s.abortDial()
	case Connected:
		s.teardown()
	}
	s.log.Warn("connection aborted", zap.Stringer("reason", reason))
	s.handler.OnClose(reason, nil)
}

func (s *Session) abortDial() {
	s.gen++
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	resolve(s.pending, ErrAborted)
	s.pending = nil
	s.state = Disconnected
}

func (s *Session) teardown() {
	s.gen++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state = Disconnected
}

func resolve(result chan error, err error) {
	if result != nil {
		result <- err
	}
}

// BuildURL returns the upgrade URL for identity. http and https bases are
// mapped to ws and wss so the connection mirrors the page's security.
func BuildURL(base, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrEmptyIdentity
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server url %q", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Errorf("invalid server url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", errors.Errorf("invalid server url %q: missing host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("username", identity)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type nopHandler struct{}

func (nopHandler) OnOpen()                   {}
func (nopHandler) OnClose(CloseReason, error) {}
func (nopHandler) OnFrame(transport.Frame)   {}
