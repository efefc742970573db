package supervisor

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
)

// DefaultMaxLine bounds a single buffered line
const DefaultMaxLine = 1024 * 1024

// LineBuffer splits an arbitrarily chunked byte stream into lines. Bytes
// after the last newline are held until a terminator arrives or Flush is
// called at end of stream. A line longer than max is never emitted in part:
// it is dropped whole and reported to OnOverflow with its length, so the
// result does not depend on how the stream was chunked.
type LineBuffer struct {
	// OnOverflow, when set, is called once per dropped line
	OnOverflow func(length int)

	buf        []byte
	max        int
	discarding bool
	dropped    int
}

// NewLineBuffer creates a buffer for lines of at most max bytes.
// max <= 0 selects DefaultMaxLine.
func NewLineBuffer(max int) *LineBuffer {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineBuffer{max: max}
}

// Write appends p and calls emit for every completed line, in order.
// A trailing carriage return is stripped from each line.
func (b *LineBuffer) Write(p []byte, emit func(string)) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if b.discarding {
			if i < 0 {
				b.dropped += len(p)
				return
			}
			b.overflow(b.dropped + i)
			p = p[i+1:]
			continue
		}
		if i < 0 {
			if len(b.buf)+len(p) > b.max {
				b.discarding = true
				b.dropped = len(b.buf) + len(p)
				b.buf = nil
				return
			}
			b.buf = append(b.buf, p...)
			return
		}
		if n := len(b.buf) + i; n > b.max {
			b.overflow(n)
		} else {
			b.buf = append(b.buf, p[:i]...)
			emit(clean(b.buf))
		}
		b.buf = b.buf[:0]
		p = p[i+1:]
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
}

// Flush emits the unterminated remainder, if any
func (b *LineBuffer) Flush(emit func(string)) {
	if b.discarding {
		b.overflow(b.dropped)
	} else if len(b.buf) > 0 {
		emit(clean(b.buf))
	}
	b.buf = nil
}

// Pending returns the number of buffered bytes not yet emitted
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

func (b *LineBuffer) overflow(n int) {
	b.discarding = false
	b.dropped = 0
	b.buf = nil
	if b.OnOverflow != nil {
		b.OnOverflow(n)
	}
}

func clean(line []byte) string {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return strings.ToValidUTF8(string(line), "�")
}

// readLines pumps r through a LineBuffer until EOF
func readLines(r io.Reader, emit func(string), overflow func(int)) error {
	lb := NewLineBuffer(DefaultMaxLine)
	lb.OnOverflow = overflow
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			lb.Write(chunk[:n], emit)
		}
		if err != nil {
			lb.Flush(emit)
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
