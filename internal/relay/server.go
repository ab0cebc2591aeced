// Package relay is a development messaging server that speaks the client
// wire protocol: it relays chat messages and acknowledgments between
// signed-in users, announces presence and serves stored history.
package relay

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/omochice/ackchat/pkg/protocol"
)

// Options configures a Server.
type Options struct {
	// ReplyHeartbeat answers every HEARTBEAT with a HEARTBEAT.
	ReplyHeartbeat bool
	// SendBuffer is the per-client outbound queue length; frames beyond it
	// are dropped.
	SendBuffer   int
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ReplyHeartbeat: true,
		SendBuffer:     64,
		WriteTimeout:   5 * time.Second,
	}
}

// Server is the relay.
type Server struct {
	opts     Options
	hub      *Hub
	store    *Store
	log      *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	heartbeat atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup
}

func New(opts Options, log *zap.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		opts:  opts,
		hub:   NewHub(),
		store: NewStore(),
		log:   log.Named("relay"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // development server
			},
		},
	}
	s.heartbeat.Store(opts.ReplyHeartbeat)

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/api/chat/history", s.handleHistory)
	s.mux.HandleFunc("/api/chat/unread", s.handleUnread)
	s.mux.HandleFunc("/api/chat/messages", s.handleMessages)
	return s
}

// Handler returns the HTTP handler serving the socket and history API.
func (s *Server) Handler() http.Handler { return s.mux }

// Store returns the message store.
func (s *Server) Store() *Store { return s.store }

// Start listens on address and serves in the background.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.listener = listener
	s.server = srv
	s.mu.Unlock()

	s.log.Info("relay started", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		srv.Close()
	}
	for _, c := range s.hub.All() {
		c.kick()
	}
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int { return s.hub.ClientCount() }

// Users returns the signed-in usernames.
func (s *Server) Users() []string { return s.hub.Users() }

// SetHeartbeatReplies turns heartbeat answers on or off.
func (s *Server) SetHeartbeatReplies(on bool) { s.heartbeat.Store(on) }

// Kick closes the connection of username from the server side.
func (s *Server) Kick(username string) bool {
	c, ok := s.hub.Lookup(username)
	if ok {
		c.kick()
	}
	return ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := newClient(username, s.opts.SendBuffer)
	if prev := s.hub.Register(client); prev != nil {
		s.log.Info("replacing connection", zap.String("user", username))
		prev.kick()
	}
	s.log.Info("user joined", zap.String("user", username), zap.String("remote", conn.RemoteAddr().String()))

	s.wg.Add(2)
	go s.writeLoop(conn, client)
	go s.readLoop(conn, client)

	s.deliver(client, protocol.Message{Type: protocol.KindUserList, Users: s.hub.Users(), Timestamp: now()})
	join := protocol.Message{Type: protocol.KindLogin, From: username, Timestamp: now()}
	for _, other := range s.hub.Others(username) {
		s.deliver(other, join)
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, c *Client) {
	defer s.wg.Done()
	defer conn.Close()
	for {
		select {
		case o := <-c.outgoing:
			mt := websocket.TextMessage
			if o.binary {
				mt = websocket.BinaryMessage
			}
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(mt, o.data); err != nil {
				s.log.Warn("failed to send message to client", zap.String("user", c.Username), zap.Error(err))
				c.kick()
				return
			}
		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn, c *Client) {
	defer s.wg.Done()
	defer func() {
		c.kick()
		if s.hub.Unregister(c) {
			s.log.Info("user left", zap.String("user", c.Username))
			leave := protocol.Message{Type: protocol.KindLogout, From: c.Username, Timestamp: now()}
			for _, other := range s.hub.Others(c.Username) {
				s.deliver(other, leave)
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.String("user", c.Username), zap.Error(err))
			}
			return
		}
		binary := mt == websocket.BinaryMessage
		c.useBinary(binary)

		msg, err := protocol.Unmarshal(data, binary)
		if err != nil {
			s.log.Warn("failed to decode message", zap.String("user", c.Username), zap.Error(err))
			s.deliver(c, errorMessage("malformed message"))
			continue
		}
		msg.From = c.Username
		if !s.handle(c, msg) {
			return
		}
	}
}

// handle processes one inbound message; false ends the connection.
func (s *Server) handle(c *Client, msg protocol.Message) bool {
	switch msg.Type {
	case protocol.KindChat:
		s.relayChat(c, msg)
	case protocol.KindAck, protocol.KindReadReceipt:
		s.relayAck(msg)
	case protocol.KindBatchAck:
		s.relayBatchAck(msg)
	case protocol.KindHeartbeat:
		if s.heartbeat.Load() {
			s.deliver(c, protocol.Message{Type: protocol.KindHeartbeat, Timestamp: now()})
		}
	case protocol.KindLogout:
		return false
	default:
		s.deliver(c, errorMessage(fmt.Sprintf("unsupported message type %s", msg.Type)))
	}
	return true
}

func (s *Server) relayChat(sender *Client, msg protocol.Message) {
	if msg.To == "" || msg.MessageID == "" {
		s.deliver(sender, errorMessage("chat message requires to and messageId"))
		return
	}
	status := protocol.StatusFailed
	if recipient, ok := s.hub.Lookup(msg.To); ok && s.deliver(recipient, msg) {
		status = protocol.StatusSent
	}
	if !s.store.Append(msg, status) {
		s.store.SetStatus(msg.MessageID, status)
	}
	s.log.Debug("chat relayed",
		zap.String("message_id", msg.MessageID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("status", string(status)))

	s.deliver(sender, protocol.Message{
		Type:         protocol.KindAck,
		To:           msg.From,
		AckMessageID: msg.MessageID,
		Status:       status,
		Timestamp:    now(),
	})
}

func (s *Server) relayAck(msg protocol.Message) {
	id := msg.AckMessageID
	if id == "" {
		id = msg.MessageID
	}
	status := msg.Status
	if msg.Type == protocol.KindReadReceipt {
		status = protocol.StatusRead
	}
	if status == "" {
		status = protocol.StatusDelivered
	}
	sender, known := s.store.SetStatus(id, status)
	to := msg.To
	if to == "" && known {
		to = sender
	}
	if to == "" {
		return
	}
	if target, ok := s.hub.Lookup(to); ok {
		msg.To = to
		s.deliver(target, msg)
	}
}

func (s *Server) relayBatchAck(msg protocol.Message) {
	groups := make(map[string][]string)
	var order []string
	for _, id := range msg.BatchAckMessageIDs {
		sender, known := s.store.SetStatus(id, protocol.StatusDelivered)
		if !known {
			sender = msg.To
		}
		if sender == "" {
			continue
		}
		if _, seen := groups[sender]; !seen {
			order = append(order, sender)
		}
		groups[sender] = append(groups[sender], id)
	}
	for _, sender := range order {
		target, ok := s.hub.Lookup(sender)
		if !ok {
			continue
		}
		ack := protocol.NewBatchAck(msg.From, groups[sender], time.Now())
		ack.To = sender
		s.deliver(target, ack)
	}
}

// deliver encodes msg in the client's format and queues it.
func (s *Server) deliver(c *Client, msg protocol.Message) bool {
	format := protocol.FormatJSON
	if c.prefersBinary() {
		format = protocol.FormatProto
	}
	data, err := protocol.Marshal(msg, format)
	if err != nil {
		s.log.Error("failed to encode message", zap.Error(err))
		return false
	}
	if !c.enqueue(outbound{binary: format.Binary(), data: data}) {
		s.log.Warn("client queue full or closed, dropping message",
			zap.String("user", c.Username), zap.Stringer("type", msg.Type))
		return false
	}
	return true
}

func errorMessage(text string) protocol.Message {
	return protocol.Message{Type: protocol.KindError, Content: text, Timestamp: now()}
}

func now() int64 { return time.Now().UnixMilli() }
