package client_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/omochice/ackchat/internal/client"
	"github.com/omochice/ackchat/internal/config"
	"github.com/omochice/ackchat/internal/relay"
	"github.com/omochice/ackchat/internal/session"
	"github.com/omochice/ackchat/pkg/protocol"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
)

type recorder struct {
	mu         sync.Mutex
	rendered   map[string]protocol.Message
	statuses   map[string][]protocol.Status
	notices    []string
	directory  []string
	presence   map[string]bool
	states     []session.State
	reconnects []int
	lost       int
}

func newRecorder() *recorder {
	return &recorder{
		rendered: make(map[string]protocol.Message),
		statuses: make(map[string][]protocol.Status),
		presence: make(map[string]bool),
	}
}

func (r *recorder) Render(msg protocol.Message, self bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered[msg.MessageID] = msg
}

func (r *recorder) Rendered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rendered[id]
	return ok
}

func (r *recorder) UpdateDeliveryStatus(id string, status protocol.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[id] = append(r.statuses[id], status)
}

func (r *recorder) ShowTransientNotice(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
}

func (r *recorder) RenderDirectory(users []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.directory = users
}

func (r *recorder) PresenceChanged(user string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence[user] = online
}

func (r *recorder) UpdateConnectionIndicator(state session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) Reconnecting(attempt, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, attempt)
}

func (r *recorder) ConnectionLost(attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *recorder) has(id string) bool { return r.Rendered(id) }

func (r *recorder) status(id string) protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.statuses[id]
	if len(s) == 0 {
		return ""
	}
	return s[len(s)-1]
}

func (r *recorder) online(user string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	on, ok := r.presence[user]
	return on, ok
}

func (r *recorder) reconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reconnects)
}

func (r *recorder) lostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lost
}

func (r *recorder) renderedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered)
}

func testConfig(server string) config.Config {
	cfg := config.Default()
	cfg.Connection.ServerURL = server
	cfg.Connection.DialTimeout = time.Second
	cfg.Connection.WriteTimeout = time.Second
	cfg.Connection.HeartbeatInterval = 50 * time.Millisecond
	cfg.Connection.HeartbeatTimeout = 150 * time.Millisecond
	cfg.Connection.ReconnectInterval = 50 * time.Millisecond
	cfg.Connection.MaxReconnectAttempts = 3
	cfg.Delivery.RetryInterval = 200 * time.Millisecond
	cfg.Delivery.MaxRetries = 2
	cfg.Acks.BatchDelay = 20 * time.Millisecond
	return cfg
}

func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	r := relay.New(relay.DefaultOptions(), zaptest.NewLogger(t))
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(func() {
		r.Stop()
		srv.Close()
	})
	return r, srv.URL
}

func startClient(t *testing.T, server string) (*client.Client, *recorder) {
	t.Helper()
	return startClientWith(t, testConfig(server))
}

func startClientWith(t *testing.T, cfg config.Config) (*client.Client, *recorder) {
	t.Helper()
	rec := newRecorder()
	c := client.New(cfg, rec, client.WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, rec
}

func login(t *testing.T, c *client.Client, username string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(t, c.Login(ctx, username))
	require.Equal(t, session.Connected, c.State())
}

func TestChatRoundTrip(t *testing.T) {
	_, url := startRelay(t)
	alice, aliceRec := startClient(t, url)
	bob, bobRec := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	id, err := alice.Send(context.Background(), "bob", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.True(t, aliceRec.has(id), "own message rendered before acknowledgment")

	require.Eventually(t, func() bool { return bobRec.has(id) }, wait, tick)
	require.Eventually(t, func() bool {
		return aliceRec.status(id) == protocol.StatusDelivered
	}, wait, tick)

	pending, err := alice.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestJSONAndProtoClientsInteroperate(t *testing.T) {
	_, url := startRelay(t)
	cfg := testConfig(url)
	cfg.Connection.Format = "proto"
	alice, aliceRec := startClientWith(t, cfg)
	bob, bobRec := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	id, err := bob.Send(context.Background(), "alice", "over json")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return aliceRec.has(id) }, wait, tick)
	require.Eventually(t, func() bool {
		return bobRec.status(id) == protocol.StatusDelivered
	}, wait, tick)
}

func TestCoderDriver(t *testing.T) {
	_, url := startRelay(t)
	cfg := testConfig(url)
	cfg.Connection.Driver = config.DriverCoder
	alice, aliceRec := startClientWith(t, cfg)
	bob, bobRec := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	id, err := alice.Send(context.Background(), "bob", "via coder")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bobRec.has(id) }, wait, tick)
	require.Eventually(t, func() bool {
		return aliceRec.status(id) == protocol.StatusDelivered
	}, wait, tick)
}

func TestPresence(t *testing.T) {
	_, url := startRelay(t)
	alice, aliceRec := startClient(t, url)
	bob, _ := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	require.Eventually(t, func() bool {
		on, ok := aliceRec.online("bob")
		return ok && on
	}, wait, tick)

	require.NoError(t, bob.Logout(context.Background()))
	assert.Equal(t, session.Disconnected, bob.State())
	require.Eventually(t, func() bool {
		on, ok := aliceRec.online("bob")
		return ok && !on
	}, wait, tick)
}

func TestOfflineRecipientFailsThenResend(t *testing.T) {
	_, url := startRelay(t)
	alice, aliceRec := startClient(t, url)
	login(t, alice, "alice")

	id, err := alice.Send(context.Background(), "bob", "are you there")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return aliceRec.status(id) == protocol.StatusFailed
	}, wait, tick)

	bob, bobRec := startClient(t, url)
	login(t, bob, "bob")

	require.NoError(t, alice.Resend(context.Background(), id))
	require.Eventually(t, func() bool { return bobRec.has(id) }, wait, tick)
	require.Eventually(t, func() bool {
		return aliceRec.status(id) == protocol.StatusDelivered
	}, wait, tick)
}

func TestResendUnknownMessage(t *testing.T) {
	_, url := startRelay(t)
	alice, _ := startClient(t, url)
	login(t, alice, "alice")

	assert.Error(t, alice.Resend(context.Background(), "no-such-id"))
}

func TestSendRequiresLogin(t *testing.T) {
	_, url := startRelay(t)
	alice, _ := startClient(t, url)

	_, err := alice.Send(context.Background(), "bob", "hi")
	assert.ErrorIs(t, err, client.ErrNotLoggedIn)

	login(t, alice, "alice")
	_, err = alice.Send(context.Background(), " ", "hi")
	assert.ErrorIs(t, err, client.ErrNoRecipient)
}

func TestLoginTwice(t *testing.T) {
	_, url := startRelay(t)
	alice, _ := startClient(t, url)
	login(t, alice, "alice")

	err := alice.Login(context.Background(), "alice")
	assert.ErrorIs(t, err, client.ErrAlreadyLoggedIn)
	assert.ErrorIs(t, alice.Login(context.Background(), ""), session.ErrEmptyIdentity)
}

func TestLoginFailureDoesNotReconnect(t *testing.T) {
	r := relay.New(relay.DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, r.Start("127.0.0.1:0"))
	addr := r.Addr()
	r.Stop()

	alice, rec := startClient(t, "http://"+addr)
	err := alice.Login(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, session.Disconnected, alice.State())

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, rec.reconnectCount())
}

func TestHeartbeatSilenceTriggersReconnect(t *testing.T) {
	r, url := startRelay(t)
	r.SetHeartbeatReplies(false)
	alice, rec := startClient(t, url)
	login(t, alice, "alice")

	require.Eventually(t, func() bool { return rec.reconnectCount() > 0 }, wait, tick)
	require.Eventually(t, func() bool { return alice.State() == session.Connected }, wait, tick)
	assert.Zero(t, rec.lostCount())
}

func TestHeartbeatRepliesKeepConnection(t *testing.T) {
	_, url := startRelay(t)
	alice, rec := startClient(t, url)
	login(t, alice, "alice")

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, rec.reconnectCount())
	assert.Equal(t, session.Connected, alice.State())
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	r, url := startRelay(t)
	alice, rec := startClient(t, url)
	login(t, alice, "alice")

	require.True(t, r.Kick("alice"))
	require.Eventually(t, func() bool { return rec.reconnectCount() > 0 }, wait, tick)
	require.Eventually(t, func() bool {
		return alice.State() == session.Connected && len(r.Users()) == 1
	}, wait, tick)
}

func TestReconnectGivesUp(t *testing.T) {
	r := relay.New(relay.DefaultOptions(), zaptest.NewLogger(t))
	require.NoError(t, r.Start("127.0.0.1:0"))
	alice, rec := startClient(t, "http://"+r.Addr())
	login(t, alice, "alice")

	r.Stop()
	require.Eventually(t, func() bool { return rec.lostCount() == 1 }, wait, tick)
	assert.Equal(t, 3, rec.reconnectCount())
	assert.Equal(t, session.Disconnected, alice.State())
}

func TestLogoutSuspendsReconnect(t *testing.T) {
	r, url := startRelay(t)
	alice, rec := startClient(t, url)
	login(t, alice, "alice")

	require.NoError(t, alice.Logout(context.Background()))
	require.Eventually(t, func() bool { return r.ClientCount() == 0 }, wait, tick)
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, rec.reconnectCount())
	assert.Equal(t, session.Disconnected, alice.State())

	login(t, alice, "alice")
}

func TestSelectPeerRendersHistoryOnce(t *testing.T) {
	_, url := startRelay(t)
	alice, _ := startClient(t, url)
	bob, bobRec := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := alice.Send(context.Background(), "bob", text)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return bobRec.renderedCount() == 3 }, wait, tick)

	require.NoError(t, bob.SelectPeer(context.Background(), "alice"))
	assert.Equal(t, 3, bobRec.renderedCount())
	assert.Equal(t, "alice", bob.Peer())
	for _, id := range ids {
		assert.True(t, bobRec.has(id))
	}
}

func TestUnreadLoadedOnLogin(t *testing.T) {
	_, url := startRelay(t)
	alice, aliceRec := startClient(t, url)
	bob, bobRec := startClient(t, url)
	login(t, alice, "alice")
	login(t, bob, "bob")

	id, err := alice.Send(context.Background(), "bob", "catch up later")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return aliceRec.status(id) == protocol.StatusDelivered
	}, wait, tick)

	// A fresh process for bob has nothing on screen yet.
	late, lateRec := startClient(t, url)
	require.NoError(t, bob.Logout(context.Background()))
	login(t, late, "bob")
	require.Eventually(t, func() bool { return lateRec.has(id) }, wait, tick)
	assert.True(t, bobRec.has(id))
}

func TestRunStopsCleanly(t *testing.T) {
	_, url := startRelay(t)
	rec := newRecorder()
	c := client.New(testConfig(url), rec, client.WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	login(t, c, "alice")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, session.Disconnected, c.State())
	_, err := c.Send(context.Background(), "bob", "too late")
	assert.ErrorIs(t, err, client.ErrLoopStopped)
	assert.ErrorIs(t, c.Run(context.Background()), client.ErrAlreadyRunning)
}
