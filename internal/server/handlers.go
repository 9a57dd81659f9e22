package server

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

const healthText = "Room chat server is running!"

//go:embed static/test.html
var testPage []byte

// handleWebSocket upgrades the request and hands the connection to a session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	s.startSession(conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, healthText)
}

// handleCount bumps the shared visitor counter and reports the value it had
// before.
func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "Visitors: %d", s.visitors.Next())
}

// handleRooms reports the occupant count of every known room.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.relay.Snapshot(r.Context())
	if err != nil {
		s.logger.Warn("room snapshot failed", zap.Error(err))
		http.Error(w, "room registry unavailable", http.StatusServiceUnavailable)
		return
	}

	counts := make(map[string]int, len(snapshot))
	for room, members := range snapshot {
		counts[room] = len(members)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(counts); err != nil {
		s.logger.Warn("error writing rooms response", zap.Error(err))
	}
}

func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(testPage); err != nil {
		s.logger.Warn("error writing test page", zap.Error(err))
	}
}
