package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Online     bool                 `json:"online"`
	Host       string               `json:"host,omitempty"`
	Mode       domain.ExecutionMode `json:"execution_mode"`
	ActiveRuns []ActiveRun          `json:"active_runs"`
	Batches    int                  `json:"batches"`
	Listeners  int                  `json:"listeners"`
}

// RunResponse is the API response for a run record
type RunResponse struct {
	ID         string  `json:"id"`
	TargetID   string  `json:"target_id"`
	Kind       string  `json:"task_kind"`
	Mode       string  `json:"execution_mode"`
	State      string  `json:"state"`
	Error      string  `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// StopResponse reports how many runs a stop request cancelled
type StopResponse struct {
	Stopped int `json:"stopped"`
}

type modeResponse struct {
	Mode domain.ExecutionMode `json:"execution_mode"`
}

type stopRequest struct {
	RunID string `json:"run_id"`
}

type batchCreated struct {
	ID string `json:"id"`
}

func runToResponse(r domain.Run) RunResponse {
	resp := RunResponse{
		ID:        r.ID,
		TargetID:  r.TargetID,
		Kind:      string(r.Kind),
		Mode:      string(r.Mode),
		State:     string(r.State),
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		f := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &f
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := s.ActiveRuns()
		sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })

		resp := StatusResponse{
			Online:     true,
			Host:       s.host,
			Mode:       s.modes.Current(),
			ActiveRuns: active,
			Listeners:  s.hub.Clients(),
		}
		if s.batches != nil {
			for _, b := range s.batches.List() {
				if !b.Done {
					resp.Batches++
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getModeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, modeResponse{Mode: s.modes.Current()})
	}
}

func (s *Server) setModeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modeResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		mode, err := domain.ParseExecutionMode(string(req.Mode))
		if err != nil || mode == "" {
			writeError(w, http.StatusBadRequest, "execution_mode must be visible or headless")
			return
		}
		if s.modes.Set(mode) {
			s.log.Info("execution mode changed", "mode", mode)
		}
		writeJSON(w, http.StatusOK, modeResponse{Mode: s.modes.Current()})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit parameter")
				return
			}
			limit = n
		}

		resp := []RunResponse{}
		if s.store != nil {
			runs, err := s.store.ListRecentRuns(r.Context(), limit)
			if err != nil {
				s.log.Error(err, "failed to list runs")
				writeError(w, http.StatusInternalServerError, "failed to list runs")
				return
			}
			for _, run := range runs {
				resp = append(resp, runToResponse(run))
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := stopRequest{RunID: r.URL.Query().Get("run_id")}
		if req.RunID == "" && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		n := s.cancelRuns(req.RunID)
		if n > 0 {
			s.log.Info("stop requested", "runID", req.RunID, "stopped", n)
		}
		writeJSON(w, http.StatusOK, StopResponse{Stopped: n})
	}
}

func (s *Server) startBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.batches == nil {
			writeError(w, http.StatusNotImplemented, "batches are not enabled")
			return
		}
		var spec batch.Spec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id, err := s.batches.Start(spec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Info("batch started", "batchID", id, "targets", len(spec.Targets))
		writeJSON(w, http.StatusCreated, batchCreated{ID: id})
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.batches == nil {
			writeJSON(w, http.StatusOK, []batch.QueueState{})
			return
		}
		writeJSON(w, http.StatusOK, s.batches.List())
	}
}

func (s *Server) getBatchHandler() http.HandlerFunc {
	return s.withBatch(func(w http.ResponseWriter, id string) error {
		st, err := s.batches.Get(id)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, st)
		return nil
	})
}

func (s *Server) stopBatchHandler() http.HandlerFunc {
	return s.withBatch(func(w http.ResponseWriter, id string) error {
		if err := s.batches.Stop(id); err != nil {
			return err
		}
		st, err := s.batches.Get(id)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusAccepted, st)
		return nil
	})
}

func (s *Server) deleteBatchHandler() http.HandlerFunc {
	return s.withBatch(func(w http.ResponseWriter, id string) error {
		if err := s.batches.Delete(id); err != nil {
			return err
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	})
}

func (s *Server) withBatch(fn func(w http.ResponseWriter, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.batches == nil {
			writeError(w, http.StatusNotImplemented, "batches are not enabled")
			return
		}
		id := chi.URLParam(r, "id")
		if err := fn(w, id); err != nil {
			if errors.Is(err, batch.ErrUnknownBatch) {
				writeError(w, http.StatusNotFound, "batch not found")
				return
			}
			s.log.Error(err, "batch request failed", "batchID", id)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}
