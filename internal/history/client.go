// Package history reads stored conversations from the messaging server's
// HTTP API.
package history

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/omochice/ackchat/pkg/protocol"
)

const DefaultLimit = 50

var ErrStatus = errors.New("history: unexpected response status")

// Record is one stored chat message.
type Record struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageId"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Content   string          `json:"content"`
	Timestamp int64           `json:"timestamp"`
	Status    protocol.Status `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Message converts the record to a CHAT envelope.
func (r Record) Message() protocol.Message {
	return protocol.Message{
		Type:      protocol.KindChat,
		From:      r.From,
		To:        r.To,
		Content:   r.Content,
		Timestamp: r.Timestamp,
		MessageID: r.MessageID,
		Status:    r.Status,
	}
}

// Client is the history service client.
type Client struct {
	http *resty.Client
}

// New returns a client for the API rooted at baseURL. ws and wss URLs are
// mapped to http and https.
func New(baseURL string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(HTTPBase(baseURL)).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &Client{http: c}
}

// History returns up to limit messages exchanged between user1 and user2,
// oldest first.
func (c *Client) History(ctx context.Context, user1, user2 string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return c.get(ctx, "/api/chat/history", map[string]string{
		"user1": user1,
		"user2": user2,
		"limit": strconv.Itoa(limit),
	})
}

// Unread returns the messages addressed to username that were never read.
func (c *Client) Unread(ctx context.Context, username string) ([]Record, error) {
	return c.get(ctx, "/api/chat/unread", map[string]string{"username": username})
}

// Messages returns every stored message sent or received by username.
func (c *Client) Messages(ctx context.Context, username string) ([]Record, error) {
	return c.get(ctx, "/api/chat/messages", map[string]string{"username": username})
}

func (c *Client) get(ctx context.Context, path string, params map[string]string) ([]Record, error) {
	var out []Record
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		ForceContentType("application/json").
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", path)
	}
	if resp.IsError() {
		return nil, errors.Wrapf(ErrStatus, "failed to fetch %s: %s", path, resp.Status())
	}
	return out, nil
}

// HTTPBase maps a ws or wss server URL to its http counterpart and drops
// any path.
func HTTPBase(server string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
