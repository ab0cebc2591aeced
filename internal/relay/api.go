package relay

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/omochice/ackchat/internal/history"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user1, user2 := q.Get("user1"), q.Get("user2")
	if user1 == "" || user2 == "" {
		http.Error(w, "user1 and user2 are required", http.StatusBadRequest)
		return
	}
	limit := history.DefaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	s.writeJSON(w, s.store.History(user1, user2, limit))
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.store.Unread(username))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.store.Messages(username))
}

func (s *Server) writeJSON(w http.ResponseWriter, records []history.Record) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}
