package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error(err, "upgrade failed")
			return
		}
		defer conn.Close()

		var req RunRequest
		if err := conn.ReadJSON(&req); err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid run request"))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Any read error, a close frame included, means the caller is gone.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						s.log.V(1).Info("websocket read error", "error", err.Error())
					}
					return
				}
			}
		}()

		_, frames := s.start(ctx, req)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(f); err != nil {
					return
				}
				if f.Terminal() {
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
					return
				}
			}
		}
	}
}
