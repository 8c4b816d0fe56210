package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// watchPollInterval is how often handleWatch re-renders status looking
// for a change to push.
const watchPollInterval = 1 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Single-operator dashboard use: any origin may open the stream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchMessage is one frame pushed down the /watch stream.
type watchMessage struct {
	Status string `json:"status"`
	TS     int64  `json:"ts"`
}

// handleWatch upgrades to a websocket and pushes the rendered status
// string whenever it changes, so a terminal dashboard can show who's
// online and who's blocked waiting without polling GET /status itself.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("watch upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	last := ""
	for {
		status := s.session.GetStatus(ctx)
		if status != last {
			last = status
			if err := conn.WriteJSON(watchMessage{Status: status, TS: time.Now().Unix()}); err != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
