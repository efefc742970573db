// Package supervisor launches worker processes and resolves each run into
// a single outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/workerproto"
)

// ErrSpawn marks a worker that could not be started
var ErrSpawn = errors.New("worker could not be started")

const (
	defaultWaitDelay = 5 * time.Second
	stderrTailLines  = 20
)

// Supervisor runs one worker process per call to Run. It holds no per-run
// state, so a single instance serves concurrent runs.
type Supervisor struct {
	specs     map[domain.TaskKind]CommandSpec
	log       logr.Logger
	waitDelay time.Duration
	now       func() time.Time
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithWaitDelay bounds how long Wait blocks on pipes after the process is killed
func WithWaitDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.waitDelay = d }
}

// WithClock overrides the event timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a supervisor for the given worker commands
func New(specs map[domain.TaskKind]CommandSpec, log logr.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		specs:     specs,
		log:       log.WithName("supervisor"),
		waitDelay: defaultWaitDelay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Supports reports whether a worker is configured for kind
func (s *Supervisor) Supports(kind domain.TaskKind) bool {
	spec, ok := s.specs[kind]
	return ok && spec.Command != ""
}

// Run starts exactly one worker for req, forwards its output lines to sink
// and returns once the process has exited. Cancelling ctx kills the worker.
func (s *Supervisor) Run(ctx context.Context, req Request, sink domain.EventSink) domain.Outcome {
	started := s.now()
	log := s.log.WithValues("runID", req.RunID, "targetID", req.Target.ID, "kind", req.Kind)
	em := &emitter{sink: sink, now: s.now}

	spawnFailure := func(err error) domain.Outcome {
		msg := fmt.Sprintf("failed to start worker: %v", err)
		em.emit(domain.SeverityError, msg)
		log.Error(err, "spawn failed")
		return domain.Outcome{
			Error:    msg,
			Failure:  domain.FailureSpawn,
			ExitCode: -1,
			Duration: s.now().Sub(started),
		}
	}

	spec, ok := s.specs[req.Kind]
	if !ok || spec.Command == "" {
		return spawnFailure(fmt.Errorf("%w: no worker configured for %q", ErrSpawn, req.Kind))
	}
	args, err := spec.argv(req)
	if err != nil {
		return spawnFailure(err)
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ(req)
	cmd.WaitDelay = s.waitDelay
	isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawnFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return spawnFailure(err)
	}
	if err := cmd.Start(); err != nil {
		return spawnFailure(fmt.Errorf("%w: %v", ErrSpawn, err))
	}
	log.V(1).Info("worker started", "pid", cmd.Process.Pid, "command", spec.Command)

	rc := &resultCapture{}
	tail := &tailBuffer{max: stderrTailLines}

	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, func(line string) {
			if payload, isMarker := workerproto.ParseLine(line); isMarker {
				if warn := rc.offer(payload); warn != "" {
					em.emit(domain.SeverityWarning, warn)
				}
				return
			}
			if strings.TrimSpace(line) != "" {
				em.emit(domain.SeverityInfo, line)
			}
		}, tooLong(em, "stdout"))
	})
	g.Go(func() error {
		return readLines(stderr, func(line string) {
			if strings.TrimSpace(line) == "" {
				return
			}
			tail.add(line)
			em.emit(domain.SeverityWarning, line)
		}, tooLong(em, "stderr"))
	})
	if err := g.Wait(); err != nil {
		log.V(1).Info("output stream ended with error", "error", err.Error())
	}

	waitErr := cmd.Wait()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	out := s.classify(ctx, runCtx, spec, rc, tail, exitCode, waitErr)
	out.Duration = s.now().Sub(started)
	log.Info("worker finished", "success", out.Success, "exitCode", exitCode, "failure", out.Failure)
	return out
}

func (s *Supervisor) classify(parent, runCtx context.Context, spec CommandSpec, rc *resultCapture, tail *tailBuffer, exitCode int, waitErr error) domain.Outcome {
	out := domain.Outcome{ExitCode: exitCode}

	if res := rc.get(); res != nil {
		out.Result = res
		out.Success = res.Success
		out.Data = res.Data()
		if !res.Success {
			out.Failure = domain.FailureTask
			out.Error = res.Reason()
			if out.Error == "" {
				out.Error = "worker reported failure"
			}
		}
		return out
	}

	switch {
	case parent.Err() != nil:
		out.Failure = domain.FailureCancelled
		out.Error = "run cancelled"
	case runCtx.Err() != nil:
		out.Failure = domain.FailureExit
		out.Error = fmt.Sprintf("worker timed out after %s", spec.Timeout)
	case exitCode != 0:
		out.Failure = domain.FailureExit
		if exitCode < 0 && waitErr != nil {
			out.Error = fmt.Sprintf("worker terminated: %v", waitErr)
		} else {
			out.Error = fmt.Sprintf("exit code %d", exitCode)
		}
		if t := tail.String(); t != "" {
			out.Error += ": " + t
		}
	case rc.malformed():
		out.Failure = domain.FailureProtocol
		out.Error = "worker emitted an unparsable result marker"
	default:
		out.Failure = domain.FailureProtocol
		out.Error = "worker exited without a structured result"
	}
	return out
}

// emitter assigns sequence numbers. Both stream readers share it, so emit
// holds the lock across the sink call to keep delivery in sequence order.
type emitter struct {
	mu   sync.Mutex
	seq  int64
	sink domain.EventSink
	now  func() time.Time
}

// tooLong reports a dropped overlong line as a warning
func tooLong(em *emitter, stream string) func(int) {
	return func(n int) {
		em.emit(domain.SeverityWarning, fmt.Sprintf("%s line too long (%d bytes, limit %d); dropped", stream, n, DefaultMaxLine))
	}
}

func (e *emitter) emit(sev domain.Severity, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.sink.Emit(domain.LogEvent{Seq: e.seq, Severity: sev, Message: msg, Time: e.now()})
}

// resultCapture keeps the first valid marker of a run
type resultCapture struct {
	mu      sync.Mutex
	result  *domain.StructuredResult
	invalid int
}

// offer returns a warning message when the payload is ignored
func (c *resultCapture) offer(payload []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		return "ignoring additional result marker; the first result is kept"
	}
	res, err := domain.ParseStructuredResult(payload)
	if err != nil {
		c.invalid++
		return fmt.Sprintf("unparsable result marker: %v", err)
	}
	c.result = res
	return ""
}

func (c *resultCapture) get() *domain.StructuredResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *resultCapture) malformed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid > 0
}

// tailBuffer keeps the last max stderr lines for failure messages
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
