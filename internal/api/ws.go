package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamInterval = 500 * time.Millisecond
	writeWait      = 10 * time.Second
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allow-list permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

type streamEvent struct {
	Event string       `json:"event"`
	Run   *AnalysisRun `json:"run"`
}

func writeTyped(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// streamRun pushes run snapshots whenever they change and closes the
// connection once the run reaches a terminal state.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("run", runID).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	// Client messages are ignored; reading detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		run, ok := s.runs.GetRun(runID)
		if !ok {
			return
		}
		if !run.UpdatedAt.Equal(last) {
			last = run.UpdatedAt
			event := "progress"
			if run.Terminal() {
				event = run.Status
			}
			if err := writeTyped(conn, streamEvent{Event: event, Run: run}); err != nil {
				s.log.Debug().Err(err).Str("run", runID).Msg("websocket write")
				return
			}
		}
		if run.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, run.Status)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

		select {
		case <-gone:
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
		}
	}
}
