package progress

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// Kind names an event; it is also the SSE event name.
type Kind string

const (
	KindTotal    Kind = "total"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

const completeMessage = "Download finished successfully"

// Event is one progress update for a download session. Only the fields
// belonging to its Kind are meaningful.
type Event struct {
	Kind      Kind
	Title     string
	Completed int
	Total     int
	Message   string
}

func Total(n int) Event {
	return Event{Kind: KindTotal, Total: n}
}

func Progress(title string, completed, total int) Event {
	return Event{Kind: KindProgress, Title: title, Completed: completed, Total: total}
}

func Complete() Event {
	return Event{Kind: KindComplete, Message: completeMessage}
}

func Error(message string) Event {
	return Event{Kind: KindError, Message: message}
}

// IsTerminal reports whether no further events follow this one.
func (e Event) IsTerminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

type progressPayload struct {
	Video     string `json:"video"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Data returns the SSE data payload: the count for total, a JSON object for
// progress and the message text otherwise.
func (e Event) Data() string {
	switch e.Kind {
	case KindTotal:
		return strconv.Itoa(e.Total)
	case KindProgress:
		data, _ := json.Marshal(progressPayload{Video: e.Title, Completed: e.Completed, Total: e.Total})
		return string(data)
	}
	return e.Message
}

// Frame renders the event as a server-sent event frame. Multi-line payloads
// get one data field per line so the frame boundary stays intact.
func (e Event) Frame() string {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(string(e.Kind))
	b.WriteByte('\n')
	data := strings.ReplaceAll(e.Data(), "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

func (e Event) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, e.Frame())
	return int64(n), err
}
