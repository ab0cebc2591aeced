// Package liveness detects silently dead connections and owns the
// reconnection policy.
package liveness

import (
	"time"

	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/internal/session"
	"github.com/omochice/ackchat/pkg/protocol"
)

// Config holds the probe and reconnection settings.
type Config struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns a 30s probe, a 90s silence limit and five
// reconnect attempts three seconds apart.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     90 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Transport is the part of the session the monitor drives.
type Transport interface {
	State() session.State
	Identity() string
	Send(msg protocol.Message) bool
	Abort(reason session.CloseReason)
	Reconnect() bool
}

// Reporter is told about reconnection progress.
type Reporter interface {
	Reconnecting(attempt, max int)
	ConnectionLost(attempts int)
}

// Monitor is the Liveness Monitor. It runs on the event loop goroutine.
type Monitor struct {
	cfg       Config
	transport Transport
	sched     *sched.Scheduler
	reporter  Reporter
	log       *zap.Logger

	lastSeen time.Time
	probe    sched.TaskID
	retry    sched.TaskID
	armed    bool
	attempts int
}

// New creates an idle monitor.
func New(cfg Config, t Transport, s *sched.Scheduler, r Reporter, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:       cfg,
		transport: t,
		sched:     s,
		reporter:  r,
		log:       log.Named("liveness"),
	}
}

// HandleOpen starts probing a freshly opened connection and arms
// reconnection for it.
func (m *Monitor) HandleOpen() {
	m.cancel(&m.retry)
	m.armed = true
	m.attempts = 0
	m.lastSeen = m.sched.Now()
	m.cancel(&m.probe)
	m.probe = m.sched.After(m.cfg.HeartbeatInterval, m.tick)
}

// Observe records inbound activity of any kind.
func (m *Monitor) Observe() {
	if now := m.sched.Now(); now.After(m.lastSeen) {
		m.lastSeen = now
	}
}

// HandleClose stops probing and applies the reconnection policy.
func (m *Monitor) HandleClose(reason session.CloseReason) {
	m.cancel(&m.probe)
	if reason == session.ReasonLogout {
		m.Disarm()
		return
	}
	if !m.armed {
		return
	}
	m.scheduleReconnect()
}

// Disarm suspends reconnection until the next successful open.
func (m *Monitor) Disarm() {
	m.armed = false
	m.cancel(&m.retry)
	m.cancel(&m.probe)
}

// Close cancels every timer owned by the monitor.
func (m *Monitor) Close() { m.Disarm() }

// LastSeen returns the time of the last observed inbound activity.
func (m *Monitor) LastSeen() time.Time { return m.lastSeen }

// Attempts returns the number of reconnects tried since the last open.
func (m *Monitor) Attempts() int { return m.attempts }

// Armed reports whether a lost connection will be re-established.
func (m *Monitor) Armed() bool { return m.armed }

func (m *Monitor) tick() {
	m.probe = 0
	if m.transport.State() != session.Connected {
		return
	}
	now := m.sched.Now()
	if silent := now.Sub(m.lastSeen); silent > m.cfg.HeartbeatTimeout {
		m.log.Warn("liveness deadline exceeded", zap.Duration("silent", silent))
		// Abort reports back through HandleClose.
		m.transport.Abort(session.ReasonLiveness)
		return
	}
	m.transport.Send(protocol.NewHeartbeat(m.transport.Identity(), now))
	m.probe = m.sched.After(m.cfg.HeartbeatInterval, m.tick)
}

func (m *Monitor) scheduleReconnect() {
	if m.sched.Scheduled(m.retry) {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.log.Error("giving up reconnecting", zap.Int("attempts", m.attempts))
		m.armed = false
		m.reporter.ConnectionLost(m.attempts)
		return
	}
	m.retry = m.sched.After(m.cfg.ReconnectInterval, m.reconnect)
}

func (m *Monitor) reconnect() {
	m.retry = 0
	if !m.armed || m.transport.State() != session.Disconnected {
		return
	}
	m.attempts++
	m.log.Info("reconnecting", zap.Int("attempt", m.attempts), zap.Int("max", m.cfg.MaxReconnectAttempts))
	m.reporter.Reconnecting(m.attempts, m.cfg.MaxReconnectAttempts)
	if !m.transport.Reconnect() {
		m.scheduleReconnect()
	}
}

func (m *Monitor) cancel(id *sched.TaskID) {
	if *id != 0 {
		m.sched.Cancel(*id)
		*id = 0
	}
}
