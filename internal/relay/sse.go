package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// RunIDHeader names the run on stream responses
const RunIDHeader = "X-Run-ID"

// writeFrame writes one frame as an SSE event
func writeFrame(w io.Writer, f domain.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Type, data)
	return err
}

func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeRunRequest(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		runID, frames := s.start(ctx, req)

		setStreamHeaders(w)
		w.Header().Set(RunIDHeader, runID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				// The run sees the same cancellation and stops on its own.
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case f, ok := <-frames:
				if !ok {
					return
				}
				if err := writeFrame(w, f); err != nil {
					return
				}
				flusher.Flush()
				if f.Terminal() {
					return
				}
			}
		}
	}
}
