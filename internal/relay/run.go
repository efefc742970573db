package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
	"github.com/hochfrequenz/portal-orchestrator/internal/supervisor"
)

// SecretHeader carries the target secret on GET stream requests
const SecretHeader = "X-Portal-Secret"

// RunRequest opens one run channel
type RunRequest struct {
	TargetID string               `json:"target_id"`
	TaskKind domain.TaskKind      `json:"task_kind"`
	Mode     domain.ExecutionMode `json:"execution_mode,omitempty"`
	Account  string               `json:"account,omitempty"`
	Name     string               `json:"name,omitempty"`
	Locality string               `json:"locality,omitempty"`
	Secret   string               `json:"secret,omitempty"`
	Params   json.RawMessage      `json:"task_params,omitempty"`
}

// Validate checks the fields every run needs
func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.TargetID) == "" {
		return errors.New("target_id is required")
	}
	if _, err := domain.ParseTaskKind(string(r.TaskKind)); err != nil {
		return err
	}
	if _, err := domain.ParseExecutionMode(string(r.Mode)); err != nil {
		return err
	}
	if len(r.Params) > 0 && !json.Valid(r.Params) {
		return errors.New("task_params is not valid JSON")
	}
	return nil
}

// Target returns the target described by the request
func (r RunRequest) Target() domain.Target {
	return domain.Target{
		ID:       r.TargetID,
		Account:  r.Account,
		Name:     r.Name,
		Locality: r.Locality,
		Secret:   r.Secret,
		Params:   r.Params,
	}
}

// decodeRunRequest reads a request from the query string (GET) or a JSON
// body (POST). The secret header wins over a body secret.
func decodeRunRequest(r *http.Request) (RunRequest, error) {
	var req RunRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req = RunRequest{
			TargetID: q.Get("target_id"),
			TaskKind: domain.TaskKind(q.Get("task_kind")),
			Mode:     domain.ExecutionMode(q.Get("execution_mode")),
			Account:  q.Get("account"),
			Name:     q.Get("name"),
			Locality: q.Get("locality"),
		}
		if p := q.Get("task_params"); p != "" {
			req.Params = json.RawMessage(p)
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if secret := r.Header.Get(SecretHeader); secret != "" {
		req.Secret = secret
	}
	return req, nil
}

// channel is the ordered frame stream of one run. Seq numbers are assigned
// here so every frame on a channel, terminal included, is strictly ordered.
type channel struct {
	ctx    context.Context
	runID  string
	frames chan domain.Frame
	seq    int64
	now    func() time.Time
}

// send delivers f unless the consumer has gone away
func (c *channel) send(f domain.Frame) {
	c.seq++
	f.Seq = c.seq
	f.RunID = c.runID
	select {
	case c.frames <- f:
	case <-c.ctx.Done():
	}
}

func (c *channel) log(sev domain.Severity, msg string) {
	c.send(domain.Frame{Type: domain.FrameLog, Severity: sev, Message: msg, Timestamp: c.now()})
}

// start launches a run for req and returns its id and frame channel. The
// channel is closed after the terminal frame. Cancelling ctx cancels the
// run; bookkeeping still completes in the background.
func (s *Server) start(ctx context.Context, req RunRequest) (string, <-chan domain.Frame) {
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	// Frames are dropped only once the consumer is gone; a stopped run still
	// delivers its terminal frame.
	ch := &channel{ctx: ctx, runID: runID, frames: make(chan domain.Frame, 64), now: s.now}

	go func() {
		defer cancel()
		defer close(ch.frames)
		s.execute(runCtx, cancel, req, ch)
	}()
	return runID, ch.frames
}

func (s *Server) execute(ctx context.Context, cancel context.CancelFunc, req RunRequest, ch *channel) {
	log := s.log.WithValues("runID", ch.runID, "targetID", req.TargetID, "kind", req.TaskKind)

	ch.log(domain.SeverityInfo, fmt.Sprintf("starting %s run for %s", req.TaskKind, req.TargetID))

	if err := req.Validate(); err != nil {
		ch.send(domain.TerminalFrame(ch.runID, domain.Outcome{Error: err.Error()}, s.now()))
		return
	}
	if !s.runner.Supports(req.TaskKind) {
		ch.send(domain.TerminalFrame(ch.runID, domain.Outcome{
			Error: fmt.Sprintf("no worker configured for task kind %q", req.TaskKind),
		}, s.now()))
		return
	}

	target := s.resolveTarget(ctx, req.Target())
	if target.Account == "" {
		ch.send(domain.TerminalFrame(ch.runID, domain.Outcome{
			Error: fmt.Sprintf("no account known for target %s", target.ID),
		}, s.now()))
		return
	}

	mode := s.modes.Resolve(req.Mode)
	run := domain.Run{
		ID:        ch.runID,
		TargetID:  target.ID,
		Kind:      req.TaskKind,
		Mode:      mode,
		State:     domain.RunRunning,
		StartedAt: s.now(),
	}
	active := &ActiveRun{
		ID:        run.ID,
		TargetID:  run.TargetID,
		Kind:      run.Kind,
		Mode:      run.Mode,
		StartedAt: run.StartedAt,
		cancel:    cancel,
	}
	s.register(active)
	defer s.unregister(run.ID)

	// Bookkeeping must outlive a disconnected caller.
	bg := context.WithoutCancel(ctx)
	if s.store != nil {
		if err := s.store.SaveRun(bg, run); err != nil {
			log.Error(err, "failed to record run start")
		}
	}
	s.hub.Broadcast(Activity{Type: ActivityRunStarted, Data: active})
	log.Info("run started", "mode", mode)

	outcome := s.runner.Run(ctx, supervisor.Request{
		RunID:       run.ID,
		Kind:        run.Kind,
		Target:      target,
		Mode:        mode,
		DownloadDir: s.downloadDir,
	}, domain.EventSinkFunc(func(e domain.LogEvent) {
		ch.send(domain.LogFrame(run.ID, e))
	}))

	if s.reconciler != nil && outcome.Failure != domain.FailureCancelled {
		rctx, rcancel := context.WithTimeout(bg, s.reconcileTimeout)
		rep := s.reconciler.Reconcile(rctx, run.Kind, target, outcome)
		rcancel()
		for _, w := range rep.Warnings {
			ch.log(domain.SeverityWarning, w)
		}
		if rep.Err != nil {
			outcome.ReconcileError = fmt.Sprintf("failed to record result: %v", rep.Err)
			if !outcome.Success {
				ch.log(domain.SeverityWarning, outcome.ReconcileError)
			}
		}
	}

	ch.send(domain.TerminalFrame(run.ID, outcome, s.now()))

	state := outcome.State()
	if s.store != nil {
		if err := s.store.FinishRun(bg, run.ID, state, outcome.Error); err != nil {
			log.Error(err, "failed to record run end")
		}
	}
	s.hub.Broadcast(Activity{Type: ActivityRunFinished, Data: map[string]any{
		"run_id":    run.ID,
		"target_id": run.TargetID,
		"task_kind": run.Kind,
		"state":     state,
		"error":     outcome.Error,
	}})
	log.Info("run finished", "state", state, "duration", outcome.Duration)
}

// resolveTarget fills missing identity fields from the stored target
func (s *Server) resolveTarget(ctx context.Context, t domain.Target) domain.Target {
	if s.store == nil || (t.Account != "" && t.Name != "" && t.Locality != "") {
		return t
	}
	rec, err := s.store.GetTarget(ctx, t.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Error(err, "failed to load target", "targetID", t.ID)
		}
		return t
	}
	if t.Account == "" {
		t.Account = rec.Account
	}
	if t.Name == "" {
		t.Name = rec.Name
	}
	if t.Locality == "" {
		t.Locality = rec.Locality
	}
	return t
}
