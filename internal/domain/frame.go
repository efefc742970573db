package domain

import "time"

// FrameType is the kind of a relay frame
type FrameType string

const (
	FrameLog     FrameType = "log"
	FrameSuccess FrameType = "success"
	FrameError   FrameType = "error"
)

// Frame is one message on a relay channel. Exactly one success or error
// frame terminates a channel.
type Frame struct {
	Type      FrameType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Seq       int64          `json:"seq,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether the frame closes its channel
func (f Frame) Terminal() bool {
	return f.Type == FrameSuccess || f.Type == FrameError
}

// LogFrame wraps a log event
func LogFrame(runID string, e LogEvent) Frame {
	return Frame{
		Type:      FrameLog,
		RunID:     runID,
		Seq:       e.Seq,
		Severity:  e.Severity,
		Message:   e.Message,
		Timestamp: e.Time,
	}
}

// TerminalFrame renders an outcome as the closing frame of a channel
func TerminalFrame(runID string, o Outcome, now time.Time) Frame {
	if o.Success {
		return Frame{
			Type:      FrameSuccess,
			RunID:     runID,
			Data:      o.Data,
			Warning:   o.ReconcileError,
			Timestamp: now,
		}
	}
	return Frame{
		Type:      FrameError,
		RunID:     runID,
		Message:   o.Error,
		Data:      o.Data,
		Timestamp: now,
	}
}
