package client

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStop may be returned by a frame callback to end reading without error.
var ErrStop = errors.New("stop reading")

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  string
}

// Terminal reports whether the server sends nothing after this frame.
func (f Frame) Terminal() bool {
	return f.Event == "complete" || f.Event == "error"
}

// ReadFrames parses a text/event-stream body, calling fn per dispatched
// event. Multiple data lines are joined with newlines; comments and unknown
// fields are ignored.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		event string
		data  []string
		seen  bool
	)
	dispatch := func() error {
		if !seen {
			return nil
		}
		f := Frame{Event: event, Data: strings.Join(data, "\n")}
		if f.Event == "" {
			f.Event = "message"
		}
		event, data, seen = "", nil, false
		return fn(f)
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// A final event without its blank line is still delivered.
	if err := dispatch(); err != nil && !errors.Is(err, ErrStop) {
		return err
	}
	return nil
}
