package workerproto

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrResultWritten is returned when a worker tries to emit a second result
var ErrResultWritten = errors.New("result already written")

// Reporter is the worker-side half of the protocol
type Reporter struct {
	mu     sync.Mutex
	w      io.Writer
	done   bool
	failed error
}

// NewReporter writes protocol lines to w, normally os.Stdout
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Logf writes one progress line. Embedded newlines are split into separate
// lines so a marker can never be forged by a message.
func (r *Reporter) Logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n") {
		if _, isMarker := ParseLine(line); isMarker {
			line = "> " + line
		}
		if _, werr := fmt.Fprintln(r.w, line); werr != nil && r.failed == nil {
			r.failed = werr
		}
	}
}

// Result writes the single result marker
func (r *Reporter) Result(v any) error {
	line, err := FormatResult(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrResultWritten
	}
	r.done = true
	_, err = fmt.Fprintln(r.w, line)
	return err
}

// Err returns the first write error seen by Logf
func (r *Reporter) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}
