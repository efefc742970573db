package relayclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/config"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/relay"
	"github.com/hochfrequenz/portal-orchestrator/internal/supervisor"
)

// scriptedRunner resolves each target by id
type scriptedRunner struct {
	outcomes map[string]domain.Outcome
	block    map[string]bool
	started  chan string
}

func (r *scriptedRunner) Supports(domain.TaskKind) bool { return true }

func (r *scriptedRunner) Run(ctx context.Context, req supervisor.Request, sink domain.EventSink) domain.Outcome {
	if r.started != nil {
		r.started <- req.Target.ID
	}
	sink.Emit(domain.LogEvent{Seq: 1, Severity: domain.SeverityInfo, Message: "working on " + req.Target.ID, Time: time.Now()})
	if r.block[req.Target.ID] {
		<-ctx.Done()
		return domain.Outcome{Error: "run cancelled", Failure: domain.FailureCancelled}
	}
	return r.outcomes[req.Target.ID]
}

func newRelay(t *testing.T, runner relay.Runner) (*Client, *config.ModeSwitch) {
	t.Helper()
	modes := config.NewModeSwitch(domain.ModeHeadless)
	s := relay.NewServer(relay.Options{Runner: runner, Modes: modes})
	go s.Hub().Run()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Hub().Stop()
	})
	return New(ts.URL, nil), modes
}

func TestStream_ParsesEventsAndComments(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set(relay.RunIDHeader, "run-1")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "id: 1\nevent: log\ndata: {\"type\":\"log\",\"seq\":1,\"message\":\"hello\"}\n\n")
		fmt.Fprint(w, "id: 2\r\nevent: success\r\ndata: {\"type\":\"success\",\"seq\":2,\r\ndata: \"data\":{\"status\":\"Active\"}}\r\n\r\n")
	}))
	defer ts.Close()

	s, err := New(ts.URL, nil).Open(context.Background(), relay.RunRequest{TargetID: "T1", TaskKind: domain.KindLookup})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "run-1", s.RunID)

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.FrameLog, f.Type)
	assert.Equal(t, "hello", f.Message)

	f, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, domain.FrameSuccess, f.Type)
	assert.Equal(t, "Active", f.Data["status"])

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_EndsWithoutTerminalFrame(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: log\ndata: {\"type\":\"log\",\"message\":\"partial\"}\n\n")
	}))
	defer ts.Close()

	s, err := New(ts.URL, nil).Open(context.Background(), relay.RunRequest{TargetID: "T1", TaskKind: domain.KindLookup})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	require.NoError(t, err)
	_, err = s.Next()
	assert.ErrorIs(t, err, ErrNoTerminalFrame)
}

func TestOpen_ReportsHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid request body"}`)
	}))
	defer ts.Close()

	_, err := New(ts.URL, nil).Open(context.Background(), relay.RunRequest{})
	require.Error(t, err)
	assert.Equal(t, "relay returned 400: invalid request body", err.Error())
}

func TestClient_AgainstRelay(t *testing.T) {
	runner := &scriptedRunner{outcomes: map[string]domain.Outcome{
		"A": {Success: true, Data: map[string]any{"status": "Active"}},
	}}
	client, _ := newRelay(t, runner)

	s, err := client.Open(context.Background(), relay.RunRequest{TargetID: "A", TaskKind: domain.KindLookup, Account: "1"})
	require.NoError(t, err)
	defer s.Close()

	var frames []domain.Frame
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "working on A", frames[1].Message)
	assert.Equal(t, domain.FrameSuccess, frames[2].Type)
	assert.Equal(t, s.RunID, frames[2].RunID)
}

func TestClient_ModeAndStop(t *testing.T) {
	runner := &scriptedRunner{block: map[string]bool{"A": true}, started: make(chan string, 1)}
	client, modes := newRelay(t, runner)
	ctx := context.Background()

	mode, err := client.Mode(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeHeadless, mode)

	mode, err = client.SetMode(ctx, domain.ModeVisible)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeVisible, mode)
	assert.Equal(t, domain.ModeVisible, modes.Current())

	_, err = client.SetMode(ctx, "loud")
	assert.Error(t, err)

	s, err := client.Open(ctx, relay.RunRequest{TargetID: "A", TaskKind: domain.KindLookup, Account: "1"})
	require.NoError(t, err)
	defer s.Close()
	<-runner.started

	status, err := client.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.ActiveRuns, 1)
	assert.Equal(t, s.RunID, status.ActiveRuns[0].ID)

	n, err := client.Stop(ctx, s.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var last domain.Frame
	for {
		f, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		last = f
	}
	assert.Equal(t, domain.FrameError, last.Type)
	assert.Equal(t, "run cancelled", last.Message)
}

// Two targets run back to back through a real relay: the first succeeds,
// the second crashes, and the batch still finishes.
func TestBatchThroughRelay(t *testing.T) {
	runner := &scriptedRunner{outcomes: map[string]domain.Outcome{
		"A": {Success: true, Data: map[string]any{"status": "Active"}},
		"B": {Error: "exit code 2: boom", Failure: domain.FailureExit, ExitCode: 2},
	}}
	client, _ := newRelay(t, runner)

	targets := []domain.Target{{ID: "A", Account: "1"}, {ID: "B", Account: "2"}}
	r := batch.NewRunner("batch-1", domain.KindLookup, "", targets, client, batch.Config{})
	final := r.Run(context.Background())

	assert.Equal(t, batch.PhaseDone, final.Phase)
	assert.True(t, final.Done)
	assert.False(t, final.AllSucceeded)
	require.Len(t, final.Outcomes, 2)
	assert.True(t, final.Outcomes[0].Success)
	assert.Equal(t, "Active", final.Outcomes[0].Data["status"])
	assert.Equal(t, "exit code 2: boom", final.Outcomes[1].Error)
	assert.Contains(t, final.Outcomes[0].Transcript, "working on A")
	assert.Contains(t, final.Outcomes[1].Transcript, "working on B")
}

func TestDialFailure(t *testing.T) {
	client := New("http://127.0.0.1:1", &http.Client{Timeout: time.Second})
	r := batch.NewRunner("batch-2", domain.KindLookup, "", []domain.Target{{ID: "A", Account: "1"}}, client, batch.Config{})
	final := r.Run(context.Background())

	require.Len(t, final.Outcomes, 1)
	assert.False(t, final.Outcomes[0].Success)
	assert.Contains(t, final.Outcomes[0].Error, "connection failed:")
}
