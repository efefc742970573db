package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// Phase is the runner's position in the queue state machine
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseAdvancing Phase = "advancing"
	PhaseFailing   Phase = "failing"
	PhaseDone      Phase = "done"
)

// Stream yields the frames of one relay connection
type Stream interface {
	Next() (domain.Frame, error)
	Close() error
}

// Dialer opens one relay connection per target
type Dialer interface {
	Dial(ctx context.Context, kind domain.TaskKind, mode domain.ExecutionMode, target domain.Target) (Stream, error)
}

// TargetOutcome is the resolved result of one target
type TargetOutcome struct {
	TargetID   string         `json:"target_id"`
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Warning    string         `json:"warning,omitempty"`
	Transcript []string       `json:"transcript"`
}

// QueueState is a snapshot of a batch
type QueueState struct {
	ID           string               `json:"id"`
	Kind         domain.TaskKind      `json:"task_kind"`
	Mode         domain.ExecutionMode `json:"execution_mode,omitempty"`
	Phase        Phase                `json:"phase"`
	Index        int                  `json:"index"`
	Total        int                  `json:"total"`
	Outcomes     []TargetOutcome      `json:"outcomes"`
	Active       *TargetOutcome       `json:"active,omitempty"`
	Done         bool                 `json:"done"`
	AllSucceeded bool                 `json:"all_succeeded"`
	Cancelled    bool                 `json:"cancelled"`
	StartedAt    time.Time            `json:"started_at"`
	FinishedAt   *time.Time           `json:"finished_at,omitempty"`
}

// Completed counts resolved targets, successes and failures alike
func (q QueueState) Completed() int {
	return len(q.Outcomes)
}

// Failed counts failed targets
func (q QueueState) Failed() int {
	n := 0
	for _, o := range q.Outcomes {
		if !o.Success {
			n++
		}
	}
	return n
}

// Progress renders "completed/total"
func (q QueueState) Progress() string {
	return fmt.Sprintf("%d/%d", q.Completed(), q.Total)
}

func (q QueueState) clone() QueueState {
	c := q
	c.Outcomes = make([]TargetOutcome, len(q.Outcomes))
	for i, o := range q.Outcomes {
		c.Outcomes[i] = o.clone()
	}
	if q.Active != nil {
		a := q.Active.clone()
		c.Active = &a
	}
	if q.FinishedAt != nil {
		t := *q.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

func (o TargetOutcome) clone() TargetOutcome {
	c := o
	c.Transcript = append([]string(nil), o.Transcript...)
	return c
}

// Config holds the grace intervals between targets
type Config struct {
	SuccessGrace time.Duration
	FailureGrace time.Duration
}

// DefaultConfig returns the default grace intervals
func DefaultConfig() Config {
	return Config{SuccessGrace: 3 * time.Second, FailureGrace: 6 * time.Second}
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets the runner logger
func WithLogger(log logr.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithUpdates registers a callback receiving a snapshot after every change
func WithUpdates(fn func(QueueState)) Option {
	return func(r *Runner) { r.onUpdate = fn }
}

// Runner drives a batch through one relay connection at a time. A failing
// target never stops the batch; only Stop or context cancellation does.
type Runner struct {
	dialer  Dialer
	targets []domain.Target
	cfg     Config
	log     logr.Logger

	onUpdate func(QueueState)

	mu           sync.Mutex
	state        QueueState
	stopped      bool
	stopCh       chan struct{}
	stopOnce     sync.Once
	cancelActive context.CancelFunc
}

// NewRunner creates a runner in the idle state
func NewRunner(id string, kind domain.TaskKind, mode domain.ExecutionMode, targets []domain.Target, dialer Dialer, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		dialer:  dialer,
		targets: append([]domain.Target(nil), targets...),
		cfg:     cfg,
		log:     logr.Discard(),
		stopCh:  make(chan struct{}),
		state: QueueState{
			ID:    id,
			Kind:  kind,
			Mode:  mode,
			Phase: PhaseIdle,
			Total: len(targets),
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithValues("batchID", id)
	return r
}

// State returns a snapshot of the queue
func (r *Runner) State() QueueState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Remaining returns the targets not yet resolved
func (r *Runner) Remaining() []domain.Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Target(nil), r.targets[len(r.state.Outcomes):]...)
}

// Stop closes the active connection and prevents further advancement.
// Calling it more than once has no additional effect.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		cancel := r.cancelActive
		r.mu.Unlock()

		close(r.stopCh)
		if cancel != nil {
			cancel()
		}
	})
}

// Run processes the queue and returns the final state
func (r *Runner) Run(ctx context.Context) QueueState {
	r.update(func(s *QueueState) { s.StartedAt = time.Now() })

	for i, target := range r.targets {
		if r.halted(ctx) {
			break
		}
		r.update(func(s *QueueState) {
			s.Phase = PhaseRunning
			s.Index = i
			s.Active = &TargetOutcome{TargetID: target.ID}
		})
		r.log.Info("running target", "index", i, "targetID", target.ID)

		outcome, interrupted := r.runTarget(ctx, target)
		if interrupted {
			break
		}

		last := i == len(r.targets)-1
		if !outcome.Success && !last {
			outcome.Transcript = append(outcome.Transcript, "skipping to next target")
		}
		r.update(func(s *QueueState) {
			s.Outcomes = append(s.Outcomes, outcome)
			s.Active = nil
			if !last {
				if outcome.Success {
					s.Phase = PhaseAdvancing
				} else {
					s.Phase = PhaseFailing
				}
			}
		})
		if last {
			break
		}

		grace := r.cfg.SuccessGrace
		if !outcome.Success {
			grace = r.cfg.FailureGrace
			r.log.Info("target failed, skipping to next target", "targetID", target.ID, "error", outcome.Error)
		}
		if !r.wait(ctx, grace) {
			break
		}
	}

	return r.finish(ctx)
}

func (r *Runner) runTarget(ctx context.Context, target domain.Target) (TargetOutcome, bool) {
	out := TargetOutcome{TargetID: target.ID}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return out, true
	}
	r.cancelActive = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelActive = nil
		r.mu.Unlock()
	}()

	stream, err := r.dialer.Dial(connCtx, r.state.Kind, r.state.Mode, target)
	if err != nil {
		if r.halted(ctx) {
			return out, true
		}
		out.Error = fmt.Sprintf("connection failed: %v", err)
		return out, false
	}
	defer stream.Close()

	for {
		frame, err := stream.Next()
		if err != nil {
			if r.halted(ctx) {
				return out, true
			}
			out.Error = fmt.Sprintf("connection lost: %v", err)
			return out, false
		}

		switch frame.Type {
		case domain.FrameLog:
			out.Transcript = append(out.Transcript, frame.Message)
			line := frame.Message
			r.update(func(s *QueueState) {
				if s.Active != nil {
					s.Active.Transcript = append(s.Active.Transcript, line)
				}
			})
		case domain.FrameSuccess:
			out.Success = true
			out.Data = frame.Data
			out.Warning = frame.Warning
			return out, false
		case domain.FrameError:
			// The relay answers a run it killed because we went away with an
			// error frame; that is an interruption, not a target failure.
			if r.halted(ctx) {
				return out, true
			}
			out.Error = frame.Message
			if out.Error == "" {
				out.Error = "run failed"
			}
			return out, false
		}
	}
}

// wait sleeps for d and reports false when interrupted
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !r.halted(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) halted(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped || ctx.Err() != nil
}

func (r *Runner) finish(ctx context.Context) QueueState {
	cancelled := r.halted(ctx)
	now := time.Now()
	r.update(func(s *QueueState) {
		s.Phase = PhaseDone
		s.Done = true
		s.Active = nil
		s.Cancelled = cancelled
		s.FinishedAt = &now
		s.AllSucceeded = !cancelled && len(s.Outcomes) == s.Total && s.Failed() == 0
	})
	st := r.State()
	r.log.Info("batch finished", "progress", st.Progress(), "failed", st.Failed(), "cancelled", st.Cancelled)
	return st
}

func (r *Runner) update(fn func(*QueueState)) {
	r.mu.Lock()
	fn(&r.state)
	snap := r.state.clone()
	cb := r.onUpdate
	r.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}
