package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plrelay/backend/internal/ytdlp"
)

// Script describes what a fake yt-dlp run prints and how it ends.
type Script struct {
	Titles       []string
	Noise        bool          // interleave non-JSON progress lines
	FailAfter    int           // exit 1 after this many items; 0 means never
	Stderr       string        // written when the run fails
	Interval     time.Duration // delay before each item
	EnumerateErr error
	PrepareErr   error
}

func (s Script) fails() bool {
	return s.FailAfter > 0 && s.FailAfter <= len(s.Titles)
}

// Launcher stands in for ytdlp.Launcher without running any process.
type Launcher struct {
	script  func(url string) Script
	nextPID atomic.Int32

	mu      sync.Mutex
	started []string
}

// NewLauncher returns a launcher whose behavior depends on the playlist id
// in the URL: "list=fail" fails halfway, "list=slow" runs long enough to be
// cancelled, "list=missing" fails enumeration and anything else completes.
func NewLauncher(interval time.Duration) *Launcher {
	return newLauncher(func(url string) Script { return demoScript(url, interval) })
}

// NewScripted returns a launcher that runs s for every URL.
func NewScripted(s Script) *Launcher {
	return newLauncher(func(string) Script { return s })
}

func newLauncher(script func(string) Script) *Launcher {
	l := &Launcher{script: script}
	l.nextPID.Store(40000)
	return l
}

var demoTitles = []string{
	"Intro", "Warm Up", "Main Theme", "Interlude", "Variations",
	"Bridge", "Reprise", "Finale",
}

func demoScript(url string, interval time.Duration) Script {
	s := Script{Titles: demoTitles, Noise: true, Interval: interval}
	switch {
	case strings.Contains(url, "list=fail"):
		s.FailAfter = len(demoTitles) / 2
		s.Stderr = "ERROR: [youtube] abc123: Video unavailable"
	case strings.Contains(url, "list=slow"):
		s.Interval = interval * 20
	case strings.Contains(url, "list=missing"):
		s.EnumerateErr = fmt.Errorf("%w: yt-dlp error: ERROR: The playlist does not exist.", ytdlp.ErrEnumeration)
	}
	return s
}

func (l *Launcher) Prepare() error {
	return l.script("").PrepareErr
}

func (l *Launcher) Enumerate(ctx context.Context, url string) (int, error) {
	s := l.script(url)
	if s.EnumerateErr != nil {
		return 0, s.EnumerateErr
	}
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ytdlp.ErrEnumeration, err)
	}
	return len(s.Titles), nil
}

func (l *Launcher) Start(url string, format ytdlp.Format) (ytdlp.Run, error) {
	l.mu.Lock()
	l.started = append(l.started, url)
	l.mu.Unlock()

	r := &Run{
		pid:    int(l.nextPID.Add(1)),
		script: l.script(url),
		out:    make(chan string),
		term:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go r.produce()
	return r, nil
}

// Started returns the URLs passed to Start, in order.
func (l *Launcher) Started() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.started...)
}

// Run is a fake download. Output is produced on its own goroutine so a
// consumer that stops reading blocks it, like a full pipe would.
type Run struct {
	pid    int
	script Script
	out    chan string

	termOnce sync.Once
	term     chan struct{}

	exited chan struct{}
	status ytdlp.ExitStatus
}

func (r *Run) produce() {
	defer close(r.exited)
	defer close(r.out)

	for i, title := range r.script.Titles {
		if r.script.fails() && i == r.script.FailAfter {
			r.status = ytdlp.ExitStatus{Code: 1, Stderr: r.script.Stderr}
			return
		}
		if !r.sleep(r.script.Interval) {
			r.status = ytdlp.ExitStatus{Code: -1}
			return
		}
		if r.script.Noise && !r.emit(fmt.Sprintf("[download] Downloading item %d of %d", i+1, len(r.script.Titles))) {
			r.status = ytdlp.ExitStatus{Code: -1}
			return
		}
		data, _ := json.Marshal(map[string]any{"id": fmt.Sprintf("vid%03d", i), "title": title})
		if !r.emit(string(data)) {
			r.status = ytdlp.ExitStatus{Code: -1}
			return
		}
	}
	if r.script.fails() {
		r.status = ytdlp.ExitStatus{Code: 1, Stderr: r.script.Stderr}
	}
}

func (r *Run) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-r.term:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.term:
		return false
	}
}

func (r *Run) emit(line string) bool {
	select {
	case r.out <- line:
		return true
	case <-r.term:
		return false
	}
}

func (r *Run) PID() int {
	return r.pid
}

func (r *Run) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for line := range r.out {
			if !yield(line) {
				for range r.out {
				}
				return
			}
		}
	}
}

func (r *Run) Wait() (ytdlp.ExitStatus, error) {
	<-r.exited
	return r.status, nil
}

// Terminate stops output immediately; the fake process honors the first
// signal, so grace only bounds how long Terminate waits for it.
func (r *Run) Terminate(grace time.Duration) error {
	r.termOnce.Do(func() { close(r.term) })
	select {
	case <-r.exited:
	case <-time.After(grace):
	}
	return nil
}
