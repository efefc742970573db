package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Target is one unit of work enqueued for automation. It is treated as
// immutable once handed to a batch.
type Target struct {
	ID       string          `json:"id" yaml:"id"`
	Account  string          `json:"account,omitempty" yaml:"account,omitempty"`
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Locality string          `json:"locality,omitempty" yaml:"locality,omitempty"`
	Secret   string          `json:"secret,omitempty" yaml:"secret,omitempty"`
	Params   json.RawMessage `json:"params,omitempty" yaml:"-"`
}

// UnmarshalYAML reads params as any YAML value and keeps it as JSON, the
// form workers receive it in.
func (t *Target) UnmarshalYAML(value *yaml.Node) error {
	type plain Target
	var raw struct {
		plain  `yaml:",inline"`
		Params any `yaml:"params"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*t = Target(raw.plain)
	if raw.Params == nil {
		return nil
	}
	params, err := json.Marshal(raw.Params)
	if err != nil {
		return fmt.Errorf("target %s: params: %w", t.ID, err)
	}
	t.Params = params
	return nil
}

// Run represents a single execution of a worker for one target
type Run struct {
	ID         string
	TargetID   string
	Kind       TaskKind
	Mode       ExecutionMode
	State      RunState
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Document is a persisted reference to an uploaded artifact
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"nome"`
	Kind       string    `json:"tipo"`
	UploadedAt time.Time `json:"data_upload"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
}

// LogEvent is one line of run telemetry. Seq increases strictly within a run.
type LogEvent struct {
	Seq      int64     `json:"seq"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Time     time.Time `json:"timestamp"`
}

// EventSink receives the log events of exactly one run, in order
type EventSink interface {
	Emit(LogEvent)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(LogEvent)

// Emit calls f(e)
func (f EventSinkFunc) Emit(e LogEvent) { f(e) }

// DiscardSink drops every event
var DiscardSink EventSink = EventSinkFunc(func(LogEvent) {})
