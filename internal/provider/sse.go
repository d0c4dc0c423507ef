package provider

import (
	"bufio"
	"io"
	"strings"
)

// sseEvent is one server-sent event: an optional event name and the
// concatenated data lines.
type sseEvent struct {
	event string
	data  string
}

// sseScanner lazily decodes an SSE body into events. It is a finite,
// non-restartable stream owned by one reader.
type sseScanner struct {
	scanner *bufio.Scanner
}

func newSSEScanner(r io.Reader) *sseScanner {
	sc := bufio.NewScanner(r)
	// Provider frames can exceed the default 64K token limit.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: sc}
}

// Next returns the next event, or ok=false at end of stream. Comment
// lines and empty keep-alives are skipped.
func (s *sseScanner) Next() (sseEvent, bool, error) {
	var ev sseEvent
	var haveData bool
	for s.scanner.Scan() {
		line := s.scanner.Text()
		switch {
		case line == "":
			if haveData || ev.event != "" {
				return ev, true, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			ev.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if haveData {
				ev.data += "\n"
			}
			ev.data += chunk
			haveData = true
		}
	}
	if err := s.scanner.Err(); err != nil {
		return sseEvent{}, false, err
	}
	if haveData || ev.event != "" {
		return ev, true, nil
	}
	return sseEvent{}, false, nil
}
