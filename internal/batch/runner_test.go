package batch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// fakeStream replays frames, then either ends with io.EOF or blocks until
// its connection context is cancelled.
type fakeStream struct {
	ctx    context.Context
	frames []domain.Frame
	hang   bool
	// cancelFrame answers a cancelled hang with an error frame, the way the
	// relay reports a run it killed.
	cancelFrame bool
	closed      bool
}

func (s *fakeStream) Next() (domain.Frame, error) {
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		return f, nil
	}
	if s.hang {
		<-s.ctx.Done()
		if s.cancelFrame {
			s.hang = false
			return domain.Frame{Type: domain.FrameError, Message: "run cancelled"}, nil
		}
		return domain.Frame{}, s.ctx.Err()
	}
	return domain.Frame{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type script struct {
	frames      []domain.Frame
	hang        bool
	cancelFrame bool
	dialErr     error
}

type fakeDialer struct {
	mu      sync.Mutex
	scripts map[string]script
	dialed  []string
	opened  chan string
}

func newFakeDialer(scripts map[string]script) *fakeDialer {
	return &fakeDialer{scripts: scripts, opened: make(chan string, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, kind domain.TaskKind, mode domain.ExecutionMode, target domain.Target) (Stream, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, target.ID)
	sc := d.scripts[target.ID]
	d.mu.Unlock()
	d.opened <- target.ID

	if sc.dialErr != nil {
		return nil, sc.dialErr
	}
	frames := append([]domain.Frame(nil), sc.frames...)
	return &fakeStream{ctx: ctx, frames: frames, hang: sc.hang, cancelFrame: sc.cancelFrame}, nil
}

func (d *fakeDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func logf(msg string) domain.Frame {
	return domain.Frame{Type: domain.FrameLog, Message: msg}
}

func success(data map[string]any) domain.Frame {
	return domain.Frame{Type: domain.FrameSuccess, Data: data}
}

func failure(msg string) domain.Frame {
	return domain.Frame{Type: domain.FrameError, Message: msg}
}

func targets(ids ...string) []domain.Target {
	out := make([]domain.Target, len(ids))
	for i, id := range ids {
		out[i] = domain.Target{ID: id, Account: "acc-" + id}
	}
	return out
}

var noGrace = Config{}

func TestRunner_TwoTargetScenario(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{logf("starting"), success(map[string]any{"status": "Active"})}},
		"B": {frames: []domain.Frame{logf("starting"), failure("exit code 2: boom")}},
	})

	r := NewRunner("b1", domain.KindLookup, domain.ModeHeadless, targets("A", "B"), dialer, noGrace)
	final := r.Run(context.Background())

	assert.Equal(t, PhaseDone, final.Phase)
	assert.True(t, final.Done)
	assert.False(t, final.AllSucceeded)
	assert.False(t, final.Cancelled)
	require.Len(t, final.Outcomes, 2)

	assert.True(t, final.Outcomes[0].Success)
	assert.Equal(t, "Active", final.Outcomes[0].Data["status"])
	assert.False(t, final.Outcomes[1].Success)
	assert.Equal(t, "exit code 2: boom", final.Outcomes[1].Error)
	assert.Equal(t, "2/2", final.Progress())
	assert.Equal(t, 1, final.Failed())
}

func TestRunner_ContinuesAfterFailure(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{failure("worker exited without a structured result")}},
		"B": {dialErr: errors.New("connection refused")},
		"C": {frames: []domain.Frame{success(nil)}},
	})

	r := NewRunner("b2", domain.KindFiling, "", targets("A", "B", "C"), dialer, noGrace)
	final := r.Run(context.Background())

	assert.Equal(t, []string{"A", "B", "C"}, dialer.Dialed())
	require.Len(t, final.Outcomes, 3)
	assert.False(t, final.Outcomes[0].Success)
	assert.Contains(t, final.Outcomes[0].Transcript, "skipping to next target")
	assert.Equal(t, "connection failed: connection refused", final.Outcomes[1].Error)
	assert.True(t, final.Outcomes[2].Success)
	assert.False(t, final.AllSucceeded)
	assert.Empty(t, r.Remaining())
}

func TestRunner_AllSucceeded(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{success(nil)}},
		"B": {frames: []domain.Frame{success(nil)}},
	})
	final := NewRunner("b3", domain.KindLookup, "", targets("A", "B"), dialer, noGrace).Run(context.Background())
	assert.True(t, final.AllSucceeded)
	assert.Equal(t, 0, final.Failed())
}

func TestRunner_StreamEndsWithoutTerminalFrame(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{logf("half way")}},
	})
	final := NewRunner("b4", domain.KindLookup, "", targets("A"), dialer, noGrace).Run(context.Background())

	require.Len(t, final.Outcomes, 1)
	assert.False(t, final.Outcomes[0].Success)
	assert.Equal(t, "connection lost: EOF", final.Outcomes[0].Error)
	assert.Equal(t, []string{"half way"}, final.Outcomes[0].Transcript)
}

func TestRunner_TranscriptsArePerTarget(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{logf("a1"), logf("a2"), success(nil)}},
		"B": {frames: []domain.Frame{logf("b1"), success(nil)}},
	})
	final := NewRunner("b5", domain.KindLookup, "", targets("A", "B"), dialer, noGrace).Run(context.Background())

	require.Len(t, final.Outcomes, 2)
	assert.Equal(t, []string{"a1", "a2"}, final.Outcomes[0].Transcript)
	assert.Equal(t, []string{"b1"}, final.Outcomes[1].Transcript)
}

func TestRunner_StopDuringTarget(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{success(nil)}},
		"B": {hang: true},
		"C": {frames: []domain.Frame{success(nil)}},
	})
	r := NewRunner("b6", domain.KindLookup, "", targets("A", "B", "C"), dialer, noGrace)

	done := make(chan QueueState, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Equal(t, "A", <-dialer.opened)
	require.Equal(t, "B", <-dialer.opened)
	r.Stop()
	r.Stop()

	var final QueueState
	select {
	case final = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.True(t, final.Done)
	assert.True(t, final.Cancelled)
	assert.False(t, final.AllSucceeded)
	require.Len(t, final.Outcomes, 1)
	assert.Equal(t, []string{"A", "B"}, dialer.Dialed())
	assert.Equal(t, []string{"B", "C"}, ids(r.Remaining()))
}

func TestRunner_StopDuringGrace(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{failure("nope")}},
		"B": {frames: []domain.Frame{success(nil)}},
	})
	r := NewRunner("b7", domain.KindLookup, "", targets("A", "B"), dialer, Config{FailureGrace: time.Hour})

	phases := make(chan Phase, 32)
	r.onUpdate = func(s QueueState) { phases <- s.Phase }

	done := make(chan QueueState, 1)
	go func() { done <- r.Run(context.Background()) }()

	for p := range phases {
		if p == PhaseFailing {
			break
		}
	}
	r.Stop()

	select {
	case final := <-done:
		assert.True(t, final.Cancelled)
		assert.Len(t, final.Outcomes, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("grace wait was not interrupted")
	}
	assert.Equal(t, []string{"A"}, dialer.Dialed())
}

func TestRunner_ContextCancel(t *testing.T) {
	dialer := newFakeDialer(map[string]script{"A": {hang: true}})
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("b8", domain.KindLookup, "", targets("A"), dialer, noGrace)

	done := make(chan QueueState, 1)
	go func() { done <- r.Run(ctx) }()
	<-dialer.opened
	cancel()

	final := <-done
	assert.True(t, final.Cancelled)
	assert.Empty(t, final.Outcomes)
}

func TestRunner_CancelledRunErrorFrameIsNotAFailure(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {hang: true, cancelFrame: true},
		"B": {frames: []domain.Frame{success(nil)}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("b8b", domain.KindLookup, "", targets("A", "B"), dialer, noGrace)

	done := make(chan QueueState, 1)
	go func() { done <- r.Run(ctx) }()
	<-dialer.opened
	cancel()

	final := <-done
	assert.True(t, final.Cancelled)
	assert.Empty(t, final.Outcomes)
	assert.Equal(t, []string{"A", "B"}, ids(r.Remaining()))
	assert.Equal(t, []string{"A"}, dialer.Dialed())
}

func TestRunner_StopBeforeRun(t *testing.T) {
	dialer := newFakeDialer(nil)
	r := NewRunner("b9", domain.KindLookup, "", targets("A"), dialer, noGrace)
	r.Stop()

	final := r.Run(context.Background())
	assert.True(t, final.Cancelled)
	assert.Empty(t, dialer.Dialed())
}

func TestRunner_ActiveTranscriptVisibleInState(t *testing.T) {
	dialer := newFakeDialer(map[string]script{
		"A": {frames: []domain.Frame{logf("working")}, hang: true},
	})
	r := NewRunner("b10", domain.KindLookup, "", targets("A"), dialer, noGrace)

	seen := make(chan QueueState, 32)
	r.onUpdate = func(s QueueState) { seen <- s }
	go r.Run(context.Background())
	defer r.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-seen:
			if s.Active != nil && len(s.Active.Transcript) == 1 {
				assert.Equal(t, "A", s.Active.TargetID)
				assert.Equal(t, "working", s.Active.Transcript[0])
				assert.Equal(t, PhaseRunning, s.Phase)
				return
			}
		case <-deadline:
			t.Fatal("active transcript never observed")
		}
	}
}

func ids(ts []domain.Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.ID
	}
	return out
}
