package domain

import "fmt"

// TaskKind identifies which worker a run executes
type TaskKind string

const (
	KindLookup   TaskKind = "lookup"
	KindFiling   TaskKind = "filing"
	KindRecovery TaskKind = "recovery"
)

// ParseTaskKind validates a task kind string
func ParseTaskKind(s string) (TaskKind, error) {
	switch k := TaskKind(s); k {
	case KindLookup, KindFiling, KindRecovery:
		return k, nil
	default:
		return "", fmt.Errorf("unknown task kind %q", s)
	}
}

// ExecutionMode controls whether the worker's browser is visible
type ExecutionMode string

const (
	ModeVisible  ExecutionMode = "visible"
	ModeHeadless ExecutionMode = "headless"
)

// ParseExecutionMode validates an execution mode string. An empty string
// yields the empty mode, meaning "use the configured default".
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch m := ExecutionMode(s); m {
	case "", ModeVisible, ModeHeadless:
		return m, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}

// Headless reports whether the mode hides the browser
func (m ExecutionMode) Headless() bool {
	return m == ModeHeadless
}

// RunState represents the lifecycle of a run
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Severity tags a log event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// FailureKind classifies why a run did not succeed
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureSpawn     FailureKind = "spawn"
	FailureProtocol  FailureKind = "protocol"
	FailureExit      FailureKind = "exit"
	FailureTask      FailureKind = "task"
	FailureTransport FailureKind = "transport"
	FailureCancelled FailureKind = "cancelled"
)
