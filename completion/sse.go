package completion

import (
	"bufio"
	"bytes"
	"io"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1024 * 1024

// sseReader splits a text/event-stream body into data payloads.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &sseReader{scanner: scanner}
}

// Next returns the data of the next event. Multiple data lines of one event
// are joined with "\n". Comments and the event, id and retry fields are
// ignored. It returns io.EOF when the body ends.
func (s *sseReader) Next() ([]byte, error) {
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if len(dataLines) > 0 {
		return bytes.Join(dataLines, []byte("\n")), nil
	}
	return nil, io.EOF
}
