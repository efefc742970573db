package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructuredResult(t *testing.T) {
	r, err := ParseStructuredResult([]byte(`{"success":false,"error":"provider not supported","cpf":"123"}`))
	require.NoError(t, err)

	assert.False(t, r.Success)
	assert.Equal(t, "provider not supported", r.Reason())
	assert.Equal(t, "123", r.String("cpf"))
	assert.Equal(t, map[string]any{"cpf": "123"}, r.Data())
}

func TestParseStructuredResult_NestedData(t *testing.T) {
	r, err := ParseStructuredResult([]byte(`{"success":true,"data":{"status":"Active"}}`))
	require.NoError(t, err)

	assert.True(t, r.Success)
	assert.Equal(t, map[string]any{"status": "Active"}, r.Data())
}

func TestParseStructuredResult_Invalid(t *testing.T) {
	tests := []string{
		`not json`,
		`[1,2]`,
		`null`,
		`{"ok":true}`,
		`{"success":"yes"}`,
	}
	for _, payload := range tests {
		_, err := ParseStructuredResult([]byte(payload))
		assert.Error(t, err, payload)
	}
}

func TestStructuredResult_ReasonFallsBackToMessage(t *testing.T) {
	r := &StructuredResult{Message: "Robot stopped"}
	assert.Equal(t, "Robot stopped", r.Reason())

	var missing *StructuredResult
	assert.Empty(t, missing.Reason())
	assert.Nil(t, missing.Data())
}

func TestOutcome_State(t *testing.T) {
	assert.Equal(t, RunSucceeded, Outcome{Success: true}.State())
	assert.Equal(t, RunFailed, Outcome{Failure: FailureTask}.State())
	assert.Equal(t, RunCancelled, Outcome{Failure: FailureCancelled}.State())
}

func TestTerminalFrame(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ok := TerminalFrame("run-1", Outcome{Success: true, Data: map[string]any{"status": "Active"}, ReconcileError: "upload failed"}, now)
	assert.Equal(t, FrameSuccess, ok.Type)
	assert.Equal(t, "upload failed", ok.Warning)
	assert.True(t, ok.Terminal())

	fail := TerminalFrame("run-1", Outcome{Error: "exit code 2"}, now)
	assert.Equal(t, FrameError, fail.Type)
	assert.Equal(t, "exit code 2", fail.Message)
	assert.True(t, fail.Terminal())

	assert.False(t, LogFrame("run-1", LogEvent{Seq: 1}).Terminal())
}

func TestParseEnums(t *testing.T) {
	k, err := ParseTaskKind("filing")
	require.NoError(t, err)
	assert.Equal(t, KindFiling, k)

	_, err = ParseTaskKind("sync")
	assert.Error(t, err)

	m, err := ParseExecutionMode("")
	require.NoError(t, err)
	assert.Equal(t, ExecutionMode(""), m)

	_, err = ParseExecutionMode("invisible")
	assert.Error(t, err)
	assert.True(t, ModeHeadless.Headless())
}
