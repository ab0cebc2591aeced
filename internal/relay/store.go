package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/ackchat/internal/history"
	"github.com/omochice/ackchat/pkg/protocol"
)

// Store keeps relayed chat messages in memory for the history API.
type Store struct {
	mu      sync.RWMutex
	records []*history.Record
	byID    map[string]*history.Record
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*history.Record), now: time.Now}
}

// Append stores a chat message. A repeated message id updates nothing and
// returns false.
func (s *Store) Append(msg protocol.Message, status protocol.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[msg.MessageID]; dup {
		return false
	}
	r := &history.Record{
		ID:        uuid.NewString(),
		MessageID: msg.MessageID,
		From:      msg.From,
		To:        msg.To,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Status:    status,
		CreatedAt: s.now().UTC(),
	}
	s.records = append(s.records, r)
	s.byID[r.MessageID] = r
	return true
}

// SetStatus updates the status of a stored message. Statuses only move
// forward; it returns the original sender when the message is known.
func (s *Store) SetStatus(messageID string, status protocol.Status) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[messageID]
	if !ok {
		return "", false
	}
	if progress(status) > progress(r.Status) {
		r.Status = status
	}
	return r.From, true
}

// Sender returns the sender of a stored message.
func (s *Store) Sender(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[messageID]
	if !ok {
		return "", false
	}
	return r.From, true
}

// History returns the last limit messages between user1 and user2, oldest
// first.
func (s *Store) History(user1, user2 string, limit int) []history.Record {
	out := s.filter(func(r *history.Record) bool {
		return (r.From == user1 && r.To == user2) || (r.From == user2 && r.To == user1)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Unread returns messages addressed to username that were not read.
func (s *Store) Unread(username string) []history.Record {
	return s.filter(func(r *history.Record) bool {
		return r.To == username && (r.Status == protocol.StatusSent || r.Status == protocol.StatusDelivered)
	})
}

// Messages returns every message sent or received by username.
func (s *Store) Messages(username string) []history.Record {
	return s.filter(func(r *history.Record) bool {
		return r.From == username || r.To == username
	})
}

func (s *Store) filter(keep func(*history.Record) bool) []history.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]history.Record, 0)
	for _, r := range s.records {
		if keep(r) {
			out = append(out, *r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func progress(s protocol.Status) int {
	switch s {
	case protocol.StatusSending:
		return 1
	case protocol.StatusFailed:
		return 2
	case protocol.StatusSent:
		return 3
	case protocol.StatusDelivered:
		return 4
	case protocol.StatusRead:
		return 5
	default:
		return 0
	}
}
