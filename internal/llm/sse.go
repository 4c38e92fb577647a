package llm

import (
	"bytes"
	"io"
)

const readChunkSize = 32 * 1024

// sseEvent is one complete Server-Sent Event. Multiple data lines are joined
// with "\n".
type sseEvent struct {
	Name string
	Data []byte
}

// eventReader splits a raw byte stream into complete SSE events. Bytes that
// do not yet form a complete event stay buffered until the next read; a
// partial event left at EOF is dropped.
type eventReader struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	err   error
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: r, chunk: make([]byte, readChunkSize)}
}

// next returns the next event with data, or the terminal read error
// (io.EOF on a clean end of stream).
func (er *eventReader) next() (sseEvent, error) {
	for {
		if ev, ok := er.pop(); ok {
			return ev, nil
		}
		if er.err != nil {
			return sseEvent{}, er.err
		}

		n, err := er.r.Read(er.chunk)
		if n > 0 {
			er.buf = appendStripCR(er.buf, er.chunk[:n])
		}
		if err != nil {
			er.err = err
		}
	}
}

// pop removes the first complete event from the buffer. Events without data
// (comments, keep-alives) are consumed and skipped.
func (er *eventReader) pop() (sseEvent, bool) {
	for {
		i := bytes.Index(er.buf, []byte("\n\n"))
		if i < 0 {
			return sseEvent{}, false
		}
		ev := parseEvent(er.buf[:i])
		er.buf = append(er.buf[:0], er.buf[i+2:]...)
		if ev.Data != nil {
			return ev, true
		}
	}
}

func parseEvent(raw []byte) sseEvent {
	var ev sseEvent
	var data [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		switch {
		case len(line) == 0, line[0] == ':':
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			v := line[len("data:"):]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			data = append(data, v)
		}
	}
	if data != nil {
		ev.Data = bytes.Clone(bytes.Join(data, []byte("\n")))
	}
	return ev
}

// appendStripCR appends src to dst without carriage returns so CRLF framed
// streams split on the same "\n\n" delimiter.
func appendStripCR(dst, src []byte) []byte {
	if bytes.IndexByte(src, '\r') < 0 {
		return append(dst, src...)
	}
	for _, c := range src {
		if c != '\r' {
			dst = append(dst, c)
		}
	}
	return dst
}
