package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// StructuredResult is the single JSON payload a worker embeds in its output
type StructuredResult struct {
	Success bool
	Error   string
	Message string
	Fields  map[string]any
	Raw     json.RawMessage
}

// ParseStructuredResult decodes a marker payload. The payload must be a JSON
// object carrying a boolean "success" member.
func ParseStructuredResult(payload []byte) (*StructuredResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding result payload: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("result payload is not an object")
	}
	success, ok := fields["success"].(bool)
	if !ok {
		return nil, fmt.Errorf("result payload has no boolean success field")
	}

	r := &StructuredResult{
		Success: success,
		Fields:  fields,
		Raw:     append(json.RawMessage(nil), payload...),
	}
	r.Error, _ = fields["error"].(string)
	r.Message, _ = fields["message"].(string)
	return r, nil
}

// String returns the string value of a field, or "" when absent
func (r *StructuredResult) String(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r.Fields[key].(string)
	return s
}

// Data returns the task-specific fields. A nested "data" object takes
// precedence, otherwise every top-level member except the envelope is used.
func (r *StructuredResult) Data() map[string]any {
	if r == nil {
		return nil
	}
	if nested, ok := r.Fields["data"].(map[string]any); ok {
		return nested
	}
	data := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		switch k {
		case "success", "error":
			continue
		}
		data[k] = v
	}
	return data
}

// Reason returns the failure reason reported by the worker
func (r *StructuredResult) Reason() string {
	if r == nil {
		return ""
	}
	if r.Error != "" {
		return r.Error
	}
	return r.Message
}

// Outcome is the single resolution of a run
type Outcome struct {
	Success  bool
	Data     map[string]any
	Error    string
	Failure  FailureKind
	ExitCode int
	Result   *StructuredResult
	Duration time.Duration

	// ReconcileError is set when bookkeeping failed after the automation
	// itself resolved. It never changes Success.
	ReconcileError string
}

// State maps the outcome onto a terminal run state
func (o Outcome) State() RunState {
	switch {
	case o.Success:
		return RunSucceeded
	case o.Failure == FailureCancelled:
		return RunCancelled
	default:
		return RunFailed
	}
}
