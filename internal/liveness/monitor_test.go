package liveness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/ackchat/internal/liveness"
	"github.com/omochice/ackchat/internal/sched"
	"github.com/omochice/ackchat/internal/session"
	"github.com/omochice/ackchat/pkg/protocol"
)

type fakeTransport struct {
	state      session.State
	sent       []protocol.Message
	aborts     []session.CloseReason
	reconnects int
	mon        *liveness.Monitor
}

func (f *fakeTransport) State() session.State { return f.state }
func (f *fakeTransport) Identity() string     { return "alice" }

func (f *fakeTransport) Send(msg protocol.Message) bool {
	if f.state != session.Connected {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeTransport) Abort(reason session.CloseReason) {
	f.aborts = append(f.aborts, reason)
	f.state = session.Disconnected
	f.mon.HandleClose(reason)
}

func (f *fakeTransport) Reconnect() bool {
	f.reconnects++
	f.state = session.Connecting
	return true
}

func (f *fakeTransport) open() {
	f.state = session.Connected
	f.mon.HandleOpen()
}

func (f *fakeTransport) close(reason session.CloseReason) {
	f.state = session.Disconnected
	f.mon.HandleClose(reason)
}

type fakeReporter struct {
	attempts []int
	lost     []int
}

func (r *fakeReporter) Reconnecting(attempt, max int) { r.attempts = append(r.attempts, attempt) }
func (r *fakeReporter) ConnectionLost(attempts int)   { r.lost = append(r.lost, attempts) }

type fixture struct {
	clock     *sched.ManualClock
	sched     *sched.Scheduler
	transport *fakeTransport
	reporter  *fakeReporter
	mon       *liveness.Monitor
}

func newFixture(t *testing.T) *fixture {
	clock := sched.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := sched.New(clock)
	f := &fixture{
		clock:     clock,
		sched:     s,
		transport: &fakeTransport{},
		reporter:  &fakeReporter{},
	}
	f.mon = liveness.New(liveness.DefaultConfig(), f.transport, s, f.reporter, zaptest.NewLogger(t))
	f.transport.mon = f.mon
	return f
}

func (f *fixture) advance(d time.Duration) { sched.Advance(f.sched, f.clock, d) }

func (f *fixture) heartbeats() int {
	n := 0
	for _, m := range f.transport.sent {
		if m.Type == protocol.KindHeartbeat {
			n++
		}
	}
	return n
}

func TestMonitor_ProbesWhileActive(t *testing.T) {
	f := newFixture(t)
	f.transport.open()

	for i := 0; i < 10; i++ {
		f.advance(30 * time.Second)
		f.mon.Observe()
	}

	assert.Equal(t, 10, f.heartbeats())
	assert.Empty(t, f.transport.aborts)
	assert.Equal(t, "alice", f.transport.sent[0].From)
}

func TestMonitor_SilenceForcesReconnect(t *testing.T) {
	f := newFixture(t)
	f.transport.open()

	f.advance(90 * time.Second)
	assert.Equal(t, 3, f.heartbeats(), "silence of exactly the timeout is tolerated")
	assert.Empty(t, f.transport.aborts)

	f.advance(30 * time.Second)
	require.Equal(t, []session.CloseReason{session.ReasonLiveness}, f.transport.aborts)
	assert.Equal(t, 3, f.heartbeats())

	f.advance(3 * time.Second)
	assert.Equal(t, 1, f.transport.reconnects)
	assert.Equal(t, []int{1}, f.reporter.attempts)
}

func TestMonitor_AnyInboundCountsAsActivity(t *testing.T) {
	f := newFixture(t)
	f.transport.open()

	f.advance(80 * time.Second)
	f.mon.Observe()
	f.advance(80 * time.Second)

	assert.Empty(t, f.transport.aborts)
	assert.Equal(t, f.clock.Now().Add(-80*time.Second), f.mon.LastSeen())
}

func TestMonitor_LastSeenNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	f.transport.open()
	f.advance(10 * time.Second)
	f.mon.Observe()
	seen := f.mon.LastSeen()

	f.clock.Set(seen.Add(-5 * time.Second))
	f.mon.Observe()

	assert.Equal(t, seen, f.mon.LastSeen())
}

func TestMonitor_ReconnectExhaustion(t *testing.T) {
	f := newFixture(t)
	f.transport.open()
	f.transport.close(session.ReasonRemote)

	for i := 1; i <= 5; i++ {
		f.advance(3 * time.Second)
		require.Equal(t, i, f.transport.reconnects)
		f.transport.close(session.ReasonDialFailed)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5}, f.reporter.attempts)
	assert.Equal(t, []int{5}, f.reporter.lost)
	assert.False(t, f.mon.Armed())

	f.advance(time.Hour)
	assert.Equal(t, 5, f.transport.reconnects)
	assert.Equal(t, 0, f.sched.Len())
}

func TestMonitor_SuccessfulReconnectResetsAttempts(t *testing.T) {
	f := newFixture(t)
	f.transport.open()
	f.transport.close(session.ReasonRemote)

	f.advance(3 * time.Second)
	f.transport.close(session.ReasonDialFailed)
	f.advance(3 * time.Second)
	require.Equal(t, 2, f.mon.Attempts())

	f.transport.open()
	assert.Equal(t, 0, f.mon.Attempts())

	f.transport.close(session.ReasonRemote)
	for i := 0; i < 4; i++ {
		f.advance(3 * time.Second)
		f.transport.close(session.ReasonDialFailed)
	}
	assert.Empty(t, f.reporter.lost, "counter restarted after the successful open")
}

func TestMonitor_LogoutSuspendsReconnection(t *testing.T) {
	f := newFixture(t)
	f.transport.open()
	f.transport.close(session.ReasonLogout)

	f.advance(time.Hour)
	assert.Zero(t, f.transport.reconnects)
	assert.Zero(t, f.heartbeats())
	assert.Equal(t, 0, f.sched.Len())
}

func TestMonitor_LogoutCancelsScheduledReconnect(t *testing.T) {
	f := newFixture(t)
	f.transport.open()
	f.transport.close(session.ReasonRemote)
	require.Equal(t, 1, f.sched.Len())

	f.mon.Disarm()
	f.advance(time.Minute)
	assert.Zero(t, f.transport.reconnects)
}

func TestMonitor_InitialDialFailureDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.transport.close(session.ReasonDialFailed)

	f.advance(time.Minute)
	assert.Zero(t, f.transport.reconnects)
	assert.Empty(t, f.reporter.lost)
}
