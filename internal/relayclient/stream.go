package relayclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// Stream reads the frames of one run channel
type Stream struct {
	RunID string

	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// Next returns the next frame. After the terminal frame it returns io.EOF;
// a channel that ends early yields ErrNoTerminalFrame.
func (s *Stream) Next() (domain.Frame, error) {
	if s.done {
		return domain.Frame{}, io.EOF
	}

	var event string
	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return domain.Frame{}, ErrNoTerminalFrame
			}
			return domain.Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				event = ""
				continue
			}
			var f domain.Frame
			if err := json.Unmarshal([]byte(data.String()), &f); err != nil {
				return domain.Frame{}, fmt.Errorf("decoding %s frame: %w", event, err)
			}
			if f.Type == "" {
				f.Type = domain.FrameType(event)
			}
			if f.Terminal() {
				s.done = true
			}
			return f, nil
		case strings.HasPrefix(line, ":"):
			// comment or keepalive
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
			}
		}
	}
}

// Close releases the connection; closing an active stream cancels the run
func (s *Stream) Close() error {
	return s.body.Close()
}
