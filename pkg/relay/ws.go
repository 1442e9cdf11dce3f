package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
)

var logsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Admin auth already happened in the middleware chain.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogsWS pushes telemetry records to an admin client as they
// land in the ring. Polling the ring keeps the ring free of
// subscriber bookkeeping.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := logsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastID uint64
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		var fresh []logring.Record
		for _, rec := range s.ring.Query(logring.Filter{}) {
			if rec.ID > lastID {
				fresh = append(fresh, rec)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		lastID = fresh[len(fresh)-1].ID
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(fresh); err != nil {
			return
		}
	}
}
