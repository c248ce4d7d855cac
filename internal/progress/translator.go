package progress

import (
	"encoding/json"
	"strings"
)

// Translator turns yt-dlp --print-json output into progress events. Each
// line that decodes to an object with a "title" key counts as one finished
// item, whatever the title's value.
type Translator struct {
	total     int
	completed int
}

func NewTranslator(total int) *Translator {
	return &Translator{total: total}
}

// Translate returns the event for line, or false when the line is blank,
// not JSON, or carries no title. Such lines are skipped, not errors.
func (t *Translator) Translate(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return Event{}, false
	}
	var rec map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Event{}, false
	}
	raw, ok := rec["title"]
	if !ok {
		return Event{}, false
	}
	t.completed++
	return Progress(titleText(raw), t.completed, t.total), true
}

// titleText renders a title value as text. Strings are unquoted, null is
// empty and anything else keeps its JSON form.
func titleText(raw json.RawMessage) string {
	var title string
	if err := json.Unmarshal(raw, &title); err != nil {
		return string(raw)
	}
	return title
}

func (t *Translator) Completed() int {
	return t.completed
}

// Finish returns the terminal event for a process that exited with code,
// having written stderr.
func Finish(code int, stderr string) Event {
	if code == 0 {
		return Complete()
	}
	return Error("Download failed: " + strings.TrimSpace(stderr))
}
