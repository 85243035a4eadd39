package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"roomsync/internal/events"
	"roomsync/internal/models"
)

const (
	writeTimeout = 5 * time.Second
	streamBuffer = 32

	// TypeSyncStatus frames carry a models.SyncStatus snapshot.
	TypeSyncStatus = "sync.status"
)

// GET /ws/status streams domain events and sync snapshots. The first frame is
// the current snapshot.
func (s *HTTPServer) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncHTTP("status_stream")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	// clients only listen; reading is handled by CloseRead
	ctx := conn.CloseRead(r.Context())

	out := make(chan events.Event, streamBuffer)
	if s.bus != nil {
		unsubscribe := s.bus.Subscribe("", func(ev events.Event) error {
			select {
			case out <- ev:
			default:
				s.logger.Warn().Str("type", ev.Type).Msg("Status stream slow, event dropped")
			}
			return nil
		})
		defer unsubscribe()
	}
	statusCh, stop := s.engine.SubscribeStatus()
	defer stop()

	if st, err := s.engine.Status(ctx); err == nil {
		if err := writeFrame(ctx, conn, statusFrame(st)); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case st, ok := <-statusCh:
			if !ok {
				return
			}
			if err := writeFrame(ctx, conn, statusFrame(st)); err != nil {
				return
			}
		case ev := <-out:
			if err := writeFrame(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func statusFrame(st models.SyncStatus) events.Event {
	data, _ := json.Marshal(st)
	return events.Event{Type: TypeSyncStatus, Payload: data, CreatedAt: time.Now()}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
