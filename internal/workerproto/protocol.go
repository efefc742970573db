// Package workerproto defines the line protocol spoken between the
// supervisor and worker processes: newline-terminated progress text on
// stdout plus at most one RESULT_START{json}RESULT_END line.
package workerproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	MarkerStart = "RESULT_START"
	MarkerEnd   = "RESULT_END"

	// SecretEnv carries the target's secret. Secrets never appear in argv.
	SecretEnv = "PORTAL_SECRET"
)

// Worker command-line flags appended by the supervisor
const (
	FlagTargetID    = "--target-id"
	FlagAccount     = "--account"
	FlagTask        = "--task"
	FlagDownloadDir = "--download-dir"
	FlagHeadless    = "--headless"
)

// FormatResult renders v as a single result marker line (without newline)
func FormatResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	if bytes.ContainsAny(data, "\r\n") {
		return "", fmt.Errorf("encoded result spans multiple lines")
	}
	return MarkerStart + string(data) + MarkerEnd, nil
}

// ParseLine reports whether line is a result marker and returns its payload.
// Only a line consisting of exactly one marker (surrounding whitespace
// aside) qualifies; the payload is not validated here.
func ParseLine(line string) ([]byte, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, MarkerStart) || !strings.HasSuffix(s, MarkerEnd) {
		return nil, false
	}
	if len(s) < len(MarkerStart)+len(MarkerEnd) {
		return nil, false
	}
	return []byte(s[len(MarkerStart) : len(s)-len(MarkerEnd)]), true
}

// Task is the parameter bundle handed to a worker via --task
type Task struct {
	TargetID string          `json:"target_id"`
	Account  string          `json:"account,omitempty"`
	Name     string          `json:"name,omitempty"`
	Locality string          `json:"locality,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// EncodeTask renders a task as base64(JSON) so it survives argv quoting
func EncodeTask(t Task) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding task: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeTask reverses EncodeTask
func DecodeTask(s string) (Task, error) {
	var t Task
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decoding task argument: %w", err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parsing task argument: %w", err)
	}
	return t, nil
}
