// Package client composes the transport session, liveness monitor,
// delivery tracker and inbound router behind a single event loop.
package client

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/config"
	"github.com/omochice/ackchat/internal/delivery"
	"github.com/omochice/ackchat/internal/history"
	"github.com/omochice/ackchat/internal/liveness"
	"github.com/omochice/ackchat/internal/router"
	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/internal/session"
	"github.com/omochice/ackchat/internal/transport"
	"github.com/omochice/ackchat/internal/transport/coder"
	"github.com/omochice/ackchat/internal/transport/ws"
	"github.com/omochice/ackchat/pkg/protocol"
)

var (
	ErrLoopStopped     = errors.New("client: event loop stopped")
	ErrAlreadyRunning  = errors.New("client: event loop already running")
	ErrNotLoggedIn     = errors.New("client: not logged in")
	ErrAlreadyLoggedIn = errors.New("client: already logged in")
	ErrNoRecipient     = errors.New("client: recipient required")
)

// Presenter is the presentation collaborator. Every method is called from
// the client's event loop goroutine.
type Presenter interface {
	router.Presenter
	UpdateConnectionIndicator(state session.State)
	Reconnecting(attempt, max int)
	ConnectionLost(attempts int)
}

// HistorySource loads stored conversations.
type HistorySource interface {
	History(ctx context.Context, user1, user2 string, limit int) ([]history.Record, error)
	Unread(ctx context.Context, username string) ([]history.Record, error)
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock replaces the system clock driving every timer.
func WithClock(clock sched.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHistory replaces the history service client; nil disables history.
func WithHistory(h HistorySource) Option {
	return func(c *Client) { c.history = h }
}

// Client is a reliable chat client for one user at a time.
type Client struct {
	cfg       config.Config
	presenter Presenter
	dialer    transport.Dialer
	clock     sched.Clock
	log       *zap.Logger
	history   HistorySource

	sched *sched.Scheduler
	calls chan func()
	done  chan struct{}

	running atomic.Bool
	state   atomic.Int32
	runCtx  context.Context
	bg      sync.WaitGroup

	// Owned by the event loop.
	session  *session.Session
	identity string
	loggedIn bool
	peer     string
	monitor  *liveness.Monitor
	tracker  *delivery.Tracker
	acks     *router.AckBatcher
	router   *router.Router
	reported session.State
}

// New creates a client. Call Run before any other method.
func New(cfg config.Config, p Presenter, opts ...Option) *Client {
	c := &Client{
		cfg:       cfg,
		presenter: p,
		calls:     make(chan func()),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
	}
	c.dialer = newDialer(cfg.Connection)
	c.history = history.New(cfg.Connection.ServerURL, cfg.Connection.DialTimeout)
	c.clock = sched.SystemClock{}
	c.log = zap.NewNop()
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("client")
	c.sched = sched.New(c.clock)
	c.session = session.New(session.Config{
		URL:    cfg.Connection.ServerURL,
		Format: cfg.WireFormat(),
	}, c.dialer, c.post, c.clock, c.log)
	c.session.SetHandler(sessionEvents{c})
	return c
}

// Run drives the event loop until ctx is cancelled. On return the
// connection is closed and every timer is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	c.runCtx = ctx
	defer c.bg.Wait()
	defer close(c.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		c.sched.RunDue()
		c.syncState()

		var wake <-chan time.Time
		if next, ok := c.sched.NextDeadline(); ok {
			timer.Reset(max(next.Sub(c.clock.Now()), 0))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case fn := <-c.calls:
			fn()
		case <-wake:
		}
		timer.Stop()
	}
}

func newDialer(cfg config.Connection) transport.Dialer {
	if cfg.Driver == config.DriverCoder {
		return coder.Dialer{Timeout: cfg.DialTimeout, WriteTimeout: cfg.WriteTimeout}
	}
	return ws.Dialer{Timeout: cfg.DialTimeout, WriteTimeout: cfg.WriteTimeout}
}

func (c *Client) shutdown() {
	c.session.Disconnect()
	c.teardown()
	c.sched.Clear()
	c.syncState()
	c.log.Debug("event loop stopped")
}

// post queues fn on the event loop. It returns false once the loop has
// stopped.
func (c *Client) post(fn func()) bool {
	select {
	case c.calls <- fn:
		return true
	case <-c.done:
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (c *Client) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.calls <- wrapped:
	case <-c.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrLoopStopped
	}
}

func (c *Client) syncState() {
	st := c.session.State()
	c.state.Store(int32(st))
	if st != c.reported {
		c.reported = st
		c.presenter.UpdateConnectionIndicator(st)
	}
}

// State returns the connection state.
func (c *Client) State() session.State {
	return session.State(c.state.Load())
}

// Login connects as username and waits for the connection to open.
func (c *Client) Login(ctx context.Context, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return session.ErrEmptyIdentity
	}

	var result <-chan error
	err := c.call(ctx, func() {
		if c.session.State() != session.Disconnected {
			ch := make(chan error, 1)
			ch <- ErrAlreadyLoggedIn
			result = ch
			return
		}
		c.begin(username)
		result = c.session.Connect(ctx, username)
		c.syncState()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			if !errors.Is(err, ErrAlreadyLoggedIn) {
				c.call(context.Background(), func() { c.loggedIn = false })
			}
			return errors.Wrap(err, "failed to login")
		}
	case <-ctx.Done():
		c.call(context.Background(), func() {
			c.loggedIn = false
			c.session.Disconnect()
		})
		return ctx.Err()
	case <-c.done:
		return ErrLoopStopped
	}

	c.log.Info("logged in", zap.String("identity", username))
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.loadUnread(username)
	}()
	return nil
}

// begin prepares the session-scoped components for username. Components
// survive a logout and are reused when the same user logs in again.
func (c *Client) begin(username string) {
	if c.monitor != nil {
		c.monitor.Disarm()
	}
	c.loggedIn = true
	if c.tracker != nil && c.identity == username {
		return
	}
	c.teardown()
	c.identity = username
	c.peer = ""

	log := c.log.With(zap.String("identity", username))
	c.tracker = delivery.New(c.cfg.Tracker(), c.session, c.sched, statusReporter{c}, log)
	c.acks = router.NewAckBatcher(c.cfg.Batch(), username, c.session, c.sched, log)
	c.router = router.New(username, c.presenter, c.tracker, c.acks, log)
	c.monitor = liveness.New(c.cfg.Liveness(), c.session, c.sched, c.presenter, log)
	c.tracker.Start()
}

func (c *Client) teardown() {
	if c.monitor != nil {
		c.monitor.Close()
	}
	if c.acks != nil {
		c.acks.Close()
	}
	if c.tracker != nil {
		c.tracker.Close()
	}
	c.monitor, c.acks, c.tracker, c.router = nil, nil, nil, nil
	c.loggedIn = false
}

// Logout flushes queued acknowledgments, tells the server and closes the
// connection. Reconnection stays suspended until the next Login.
// Outstanding deliveries keep their retry schedule and fail unless the
// same user logs in again in time.
func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, func() {
		if c.monitor != nil {
			c.monitor.Disarm()
		}
		if c.acks != nil {
			c.acks.Flush()
		}
		c.loggedIn = false
		c.session.Disconnect()
		c.syncState()
	})
}

// Send renders a chat message to peer and hands it to the delivery
// tracker. The identifier is returned before any acknowledgment.
func (c *Client) Send(ctx context.Context, to, content string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", ErrNoRecipient
	}
	var id string
	var sendErr error
	err := c.call(ctx, func() {
		if !c.loggedIn {
			sendErr = ErrNotLoggedIn
			return
		}
		msg := protocol.NewChat(c.identity, to, content, c.clock.Now())
		c.presenter.Render(msg, true)
		id = c.tracker.Submit(msg)
	})
	if err != nil {
		return "", err
	}
	return id, sendErr
}

// Resend restarts delivery of a failed message.
func (c *Client) Resend(ctx context.Context, id string) error {
	var resendErr error
	err := c.call(ctx, func() {
		if c.tracker == nil {
			resendErr = ErrNotLoggedIn
			return
		}
		resendErr = c.tracker.Resend(id)
	})
	if err != nil {
		return err
	}
	return resendErr
}

// SelectPeer makes peer the current conversation and renders its stored
// history. Messages already on screen are not rendered again.
func (c *Client) SelectPeer(ctx context.Context, peer string) error {
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return ErrNoRecipient
	}
	var self string
	if err := c.call(ctx, func() {
		self = c.identity
		if c.loggedIn {
			c.peer = peer
		}
	}); err != nil {
		return err
	}
	if self == "" {
		return ErrNotLoggedIn
	}
	if c.history == nil {
		return nil
	}

	records, err := c.history.History(ctx, self, peer, history.DefaultLimit)
	if err != nil {
		c.post(func() { c.presenter.ShowTransientNotice("failed to load chat history") })
		return errors.Wrap(err, "failed to load chat history")
	}
	return c.call(ctx, func() { c.renderStored(self, records) })
}

// Peer returns the current conversation partner.
func (c *Client) Peer() string {
	var peer string
	c.call(context.Background(), func() { peer = c.peer })
	return peer
}

// Pending returns the deliveries awaiting acknowledgment.
func (c *Client) Pending(ctx context.Context) ([]delivery.Pending, error) {
	var out []delivery.Pending
	err := c.call(ctx, func() {
		if c.tracker != nil {
			out = c.tracker.Pending()
		}
	})
	return out, err
}

func (c *Client) loadUnread(username string) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.Connection.DialTimeout)
	defer cancel()
	records, err := c.history.Unread(ctx, username)
	if err != nil {
		if c.runCtx.Err() != nil {
			return
		}
		c.log.Warn("failed to load unread messages", zap.Error(err))
		return
	}
	c.post(func() { c.renderStored(username, records) })
}

func (c *Client) renderStored(self string, records []history.Record) {
	if self != c.identity {
		return
	}
	for _, r := range records {
		msg := r.Message()
		if msg.MessageID != "" && c.presenter.Rendered(msg.MessageID) {
			continue
		}
		c.presenter.Render(msg, msg.From == self)
	}
}

type sessionEvents struct{ c *Client }

func (e sessionEvents) OnOpen() {
	c := e.c
	if c.monitor != nil {
		c.monitor.HandleOpen()
	}
	if c.acks != nil {
		c.acks.Flush()
	}
	c.syncState()
}

func (e sessionEvents) OnClose(reason session.CloseReason, err error) {
	c := e.c
	if c.monitor != nil {
		c.monitor.HandleClose(reason)
	}
	c.syncState()
}

func (e sessionEvents) OnFrame(f transport.Frame) {
	c := e.c
	if c.monitor != nil {
		c.monitor.Observe()
	}
	if c.router != nil {
		c.router.Route(f)
	}
}

type statusReporter struct{ c *Client }

func (r statusReporter) DeliveryStatus(id string, status protocol.Status) {
	r.c.presenter.UpdateDeliveryStatus(id, status)
	if status == protocol.StatusFailed {
		r.c.presenter.ShowTransientNotice("message delivery failed")
	}
}
