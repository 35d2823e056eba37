package inference

import (
	"bufio"
	"bytes"
	"io"
)

// sseDone is the terminator payload on chat-completion streams.
const sseDone = "[DONE]"

// SSEScanner scans Server-Sent Events streams, yielding the payload of each
// "data:" line and stopping at the [DONE] terminator.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

// NewSSEScanner creates a new SSE scanner over r.
func NewSSEScanner(r io.Reader) *SSEScanner {
	scanner := bufio.NewScanner(r)
	// Chunks carrying long completions can exceed the default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: scanner}
}

// Scan advances to the next data event. Returns false at end of stream,
// on error, or at the [DONE] terminator.
func (s *SSEScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Skip empty lines (event boundaries) and non-data fields.
		if len(line) == 0 {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}

		data := string(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))))
		if data == sseDone {
			return false
		}
		s.data = data
		return true
	}

	s.err = s.scanner.Err()
	return false
}

// Data returns the current event payload.
func (s *SSEScanner) Data() string {
	return s.data
}

// Err returns any scanning error.
func (s *SSEScanner) Err() error {
	return s.err
}
