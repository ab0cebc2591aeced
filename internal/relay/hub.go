package relay

import (
	"sort"
	"sync"
)

type outbound struct {
	binary bool
	data   []byte
}

// Client is one signed-in connection.
type Client struct {
	Username string
	outgoing chan outbound
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	binary bool
}

func newClient(username string, buffer int) *Client {
	return &Client{
		Username: username,
		outgoing: make(chan outbound, buffer),
		done:     make(chan struct{}),
	}
}

// useBinary records the frame type the client speaks; replies follow it.
func (c *Client) useBinary(binary bool) {
	c.mu.Lock()
	c.binary = binary
	c.mu.Unlock()
}

func (c *Client) prefersBinary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binary
}

func (c *Client) enqueue(o outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outgoing <- o:
		return true
	default:
		return false
	}
}

func (c *Client) kick() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks connected clients by username. A newer connection for the
// same username replaces the older one.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds client and returns the connection it replaced, if any.
func (h *Hub) Register(client *Client) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.clients[client.Username]
	h.clients[client.Username] = client
	return prev
}

// Unregister removes client if it is still the current connection for its
// username. It reports whether it was.
func (h *Hub) Unregister(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.Username] != client {
		return false
	}
	delete(h.clients, client.Username)
	return true
}

// Lookup returns the connection for username.
func (h *Hub) Lookup(username string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[username]
	return c, ok
}

// Users returns the signed-in usernames in order.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.clients))
	for name := range h.clients {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// Others returns every client except the one named.
func (h *Hub) Others(username string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Client, 0, len(h.clients))
	for name, c := range h.clients {
		if name != username {
			out = append(out, c)
		}
	}
	return out
}

// All returns every client.
func (h *Hub) All() []*Client {
	return h.Others("")
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
