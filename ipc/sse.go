package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/tributary/types"
)

// SSE framing constants.
const (
	ssePrefix     = "data: "
	sseTerminator = "[DONE]"
)

// DoneFrame is written once after the last event of a stream.
var DoneFrame = []byte(ssePrefix + sseTerminator + "\n\n")

// ErrStreamDone is returned by SSEDecoder.Next after the [DONE] frame.
var ErrStreamDone = errors.New("sse stream done")

// maxSSELine bounds a single data line.
const maxSSELine = MaxFrameSize

// EncodeSSE serializes ev as one "data: <json>\n\n" frame.
// HTML characters are not escaped.
func EncodeSSE(ev types.Event) ([]byte, error) {
	if ev.Type == "" {
		return nil, types.ErrMissingType
	}

	var buf bytes.Buffer
	buf.WriteString(ssePrefix)

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev.Flatten()); err != nil {
		return nil, fmt.Errorf("encode sse frame: %w", err)
	}
	// Encode terminates with one newline; a frame ends with a blank line.
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// SSEDecoder reads events from an SSE stream produced by EncodeSSE.
// Comment lines and non-data fields are ignored. Consecutive data lines
// are joined with a newline before decoding.
type SSEDecoder struct {
	scanner *bufio.Scanner
	done    bool
}

// NewSSEDecoder creates a decoder over r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEDecoder{scanner: s}
}

// Next returns the next event. It returns ErrStreamDone after the [DONE]
// frame and io.EOF when the stream ends without one.
func (d *SSEDecoder) Next() (types.Event, error) {
	if d.done {
		return types.Event{}, ErrStreamDone
	}

	var data []byte
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return types.Event{}, fmt.Errorf("read sse stream: %w", err)
			}
			if len(data) > 0 {
				return d.decode(data)
			}
			return types.Event{}, io.EOF
		}

		line := d.scanner.Bytes()
		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return d.decode(data)
		}

		value, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, value...)
	}
}

func (d *SSEDecoder) decode(data []byte) (types.Event, error) {
	if string(data) == sseTerminator {
		d.done = true
		return types.Event{}, ErrStreamDone
	}
	var ev types.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return types.Event{}, fmt.Errorf("decode sse frame: %w", err)
	}
	return ev, nil
}

// DecodeSSEStream reads every event up to [DONE] or end of stream.
// It reports whether the terminator was seen.
func DecodeSSEStream(r io.Reader) ([]types.Event, bool, error) {
	dec := NewSSEDecoder(r)
	var events []types.Event
	for {
		ev, err := dec.Next()
		switch {
		case errors.Is(err, ErrStreamDone):
			return events, true, nil
		case errors.Is(err, io.EOF):
			return events, false, nil
		case err != nil:
			return events, false, err
		}
		events = append(events, ev)
	}
}
