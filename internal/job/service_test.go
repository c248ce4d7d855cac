package job

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/plrelay/backend/internal/mock"
	"github.com/plrelay/backend/internal/progress"
	"github.com/plrelay/backend/internal/session"
	"github.com/plrelay/backend/internal/ytdlp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const playlistURL = "https://www.youtube.com/playlist?list=PLtest"

// recorder collects emitted events and can assert on the registry at the
// moment each one is delivered.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
	onEmit func(progress.Event)
}

func (r *recorder) emit(ev progress.Event) error {
	if r.onEmit != nil {
		r.onEmit(ev)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func kinds(events []progress.Event) []progress.Kind {
	out := make([]progress.Kind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestService(l Launcher) *Service {
	return NewService(l, session.NewStore(), time.Second, zerolog.Nop())
}

func TestRunSuccess(t *testing.T) {
	l := mock.NewScripted(mock.Script{Titles: []string{"one", "two", "three"}, Noise: true})
	svc := newTestService(l)

	var started, removed int
	svc.Store().Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventStarted:
			started++
		case session.EventRemoved:
			removed++
			assert.Equal(t, session.Completed, ev.Session.State)
			assert.Equal(t, 3, ev.Session.Completed)
		}
	})

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{ID: "s1", URL: playlistURL, Format: "mp4"}, rec.emit)
	require.NoError(t, err)

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{
		progress.KindTotal, progress.KindProgress, progress.KindProgress, progress.KindProgress, progress.KindComplete,
	}, kinds(events))
	assert.Equal(t, 3, events[0].Total)
	for i, ev := range events[1:4] {
		assert.Equal(t, i+1, ev.Completed)
		assert.Equal(t, 3, ev.Total)
	}
	assert.Equal(t, "three", events[3].Title)

	assert.Empty(t, svc.List())
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, removed)
}

func TestRunToolFailure(t *testing.T) {
	l := mock.NewScripted(mock.Script{
		Titles:    []string{"one", "two", "three", "four"},
		FailAfter: 2,
		Stderr:    "ERROR: unable to download video data",
	})
	svc := newTestService(l)

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{URL: playlistURL}, rec.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ytdlp.ErrToolFailure)

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{
		progress.KindTotal, progress.KindProgress, progress.KindProgress, progress.KindError,
	}, kinds(events))
	assert.Equal(t, "Download failed: ERROR: unable to download video data", events[3].Message)
	assert.Empty(t, svc.List())
}

func TestRunRejectsInputBeforeStarting(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		message string
	}{
		{"not youtube", Request{URL: "https://vimeo.com/12345", Format: "mp4"}, "Invalid YouTube URL"},
		{"bad format", Request{URL: playlistURL, Format: "flac"}, `invalid input: unsupported format "flac" (want mp4 or mp3)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := mock.NewScripted(mock.Script{Titles: []string{"one"}})
			svc := newTestService(l)
			var registered bool
			svc.Store().Subscribe(func(session.Event) { registered = true })

			rec := &recorder{}
			err := svc.Run(context.Background(), tt.req, rec.emit)
			assert.ErrorIs(t, err, ytdlp.ErrInvalidInput)

			events := rec.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, progress.Error(tt.message), events[0])
			assert.Empty(t, l.Started())
			assert.False(t, registered)
		})
	}
}

func TestRunSetupFailure(t *testing.T) {
	setupErr := errors.Join(ytdlp.ErrSetup, errors.New("permission denied"))
	svc := newTestService(mock.NewScripted(mock.Script{PrepareErr: setupErr}))

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{URL: playlistURL}, rec.emit)
	assert.ErrorIs(t, err, ytdlp.ErrSetup)
	assert.Equal(t, []progress.Kind{progress.KindError}, kinds(rec.snapshot()))
}

func TestRunEnumerationFailure(t *testing.T) {
	l := mock.NewLauncher(time.Millisecond)
	svc := newTestService(l)

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{URL: "https://www.youtube.com/playlist?list=missing"}, rec.emit)
	assert.ErrorIs(t, err, ytdlp.ErrEnumeration)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, progress.KindError, events[0].Kind)
	assert.Contains(t, events[0].Message, "Failed to get playlist info: ")
	assert.Empty(t, l.Started())
}

func TestListTracksRunningSessions(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one", "two"}}))

	rec := &recorder{}
	rec.onEmit = func(ev progress.Event) {
		switch ev.Kind {
		case progress.KindProgress:
			assert.Equal(t, []string{"s1"}, svc.List(), "running session must be listed")
		case progress.KindComplete, progress.KindError:
			assert.Empty(t, svc.List(), "session must be gone before the terminal event")
		}
	}
	require.NoError(t, svc.Run(context.Background(), Request{ID: "s1", URL: playlistURL}, rec.emit))
}

func startSlowRun(t *testing.T, svc *Service, ctx context.Context, id string) (*recorder, <-chan error) {
	t.Helper()
	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, Request{ID: id, URL: playlistURL}, rec.emit)
	}()
	require.Eventually(t, func() bool {
		_, ok := svc.Store().Get(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return rec, done
}

func TestCancel(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one", "two"}, Interval: time.Hour}))
	rec, done := startSlowRun(t, svc, context.Background(), "s1")

	start := time.Now()
	require.NoError(t, svc.Cancel("s1"))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, svc.List())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{progress.KindTotal, progress.KindError}, kinds(events))
	assert.Equal(t, "Download cancelled", events[1].Message)

	assert.ErrorIs(t, svc.Cancel("s1"), session.ErrNotFound)
}

func TestCancelUnknownLeavesRegistry(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one"}, Interval: time.Hour}))
	_, done := startSlowRun(t, svc, context.Background(), "s1")

	assert.ErrorIs(t, svc.Cancel("nope"), session.ErrNotFound)
	assert.Equal(t, []string{"s1"}, svc.List())

	require.NoError(t, svc.Cancel("s1"))
	<-done
}

func TestContextCancelTerminatesRun(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one"}, Interval: time.Hour}))
	ctx, cancel := context.WithCancel(context.Background())
	_, done := startSlowRun(t, svc, ctx, "s1")

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
	assert.Empty(t, svc.List())
}

func TestRunContinuesAfterEmitFailure(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one", "two"}}))

	calls := 0
	emit := func(progress.Event) error {
		calls++
		return errors.New("broken pipe")
	}
	require.NoError(t, svc.Run(context.Background(), Request{URL: playlistURL}, emit))
	assert.Equal(t, 1, calls, "emitting stops after the first failure")
	assert.Empty(t, svc.List())
}

func TestShutdownCancelsAll(t *testing.T) {
	svc := newTestService(mock.NewScripted(mock.Script{Titles: []string{"one"}, Interval: time.Hour}))
	_, done1 := startSlowRun(t, svc, context.Background(), "s1")
	_, done2 := startSlowRun(t, svc, context.Background(), "s2")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	<-done1
	<-done2
	assert.Empty(t, svc.List())
}

type panicLauncher struct{ run *panicRun }

func (p *panicLauncher) Prepare() error { return nil }
func (p *panicLauncher) Enumerate(context.Context, string) (int, error) {
	return 1, nil
}
func (p *panicLauncher) Start(string, ytdlp.Format) (ytdlp.Run, error) {
	return p.run, nil
}

type panicRun struct {
	mu         sync.Mutex
	terminated bool
}

func (r *panicRun) PID() int { return 1 }
func (r *panicRun) Lines() iter.Seq[string] {
	return func(func(string) bool) { panic("decoder exploded") }
}
func (r *panicRun) Wait() (ytdlp.ExitStatus, error) { return ytdlp.ExitStatus{}, nil }
func (r *panicRun) Terminate(time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = true
	return nil
}

func TestRunRecoversPanic(t *testing.T) {
	svc := newTestService(&panicLauncher{run: &panicRun{}})

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{URL: playlistURL}, rec.emit)
	require.Error(t, err)

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{progress.KindTotal, progress.KindError}, kinds(events))
	assert.Contains(t, events[1].Message, "decoder exploded")
	assert.Empty(t, svc.List())
}

// gatedLauncher holds a job inside Enumerate or Start until released, so the
// service can change around it at a known point.
type gatedLauncher struct {
	*mock.Launcher
	at         string
	reached    chan struct{}
	release    chan struct{}
	startedRun ytdlp.Run
}

func newGatedLauncher(script mock.Script, at string) *gatedLauncher {
	return &gatedLauncher{
		Launcher: mock.NewScripted(script),
		at:       at,
		reached:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (g *gatedLauncher) hold(point string) {
	if g.at == point {
		close(g.reached)
		<-g.release
	}
}

func (g *gatedLauncher) Enumerate(ctx context.Context, url string) (int, error) {
	g.hold("enumerate")
	return g.Launcher.Enumerate(ctx, url)
}

func (g *gatedLauncher) Start(url string, format ytdlp.Format) (ytdlp.Run, error) {
	run, err := g.Launcher.Start(url, format)
	g.startedRun = run
	g.hold("start")
	return run, err
}

func TestShutdownRefusesJobStillEnumerating(t *testing.T) {
	l := newGatedLauncher(mock.Script{Titles: []string{"one", "two", "three"}}, "enumerate")
	svc := newTestService(l)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(context.Background(), Request{ID: "late", URL: playlistURL}, rec.emit)
	}()

	<-l.reached
	require.NoError(t, svc.Shutdown(context.Background()))
	close(l.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{progress.KindTotal, progress.KindError}, kinds(events))
	assert.Equal(t, "Server is shutting down", events[1].Message)
	assert.Empty(t, l.Started(), "no download starts once shutdown began")
	assert.Empty(t, svc.List())
}

func TestShutdownStopsJobStartedBeforeRegistering(t *testing.T) {
	l := newGatedLauncher(mock.Script{Titles: []string{"one", "two"}, Interval: time.Hour}, "start")
	svc := newTestService(l)

	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		done <- svc.Run(context.Background(), Request{ID: "late", URL: playlistURL}, rec.emit)
	}()

	<-l.reached
	require.NoError(t, svc.Shutdown(context.Background()))
	close(l.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrShuttingDown)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	status, err := l.startedRun.Wait()
	require.NoError(t, err)
	assert.False(t, status.Success(), "the started download was terminated")

	events := rec.snapshot()
	require.Equal(t, []progress.Kind{progress.KindTotal, progress.KindError}, kinds(events))
	assert.Empty(t, svc.List())
}

func TestRunAfterShutdown(t *testing.T) {
	l := mock.NewScripted(mock.Script{Titles: []string{"one"}})
	svc := newTestService(l)
	require.NoError(t, svc.Shutdown(context.Background()))

	rec := &recorder{}
	err := svc.Run(context.Background(), Request{URL: playlistURL}, rec.emit)
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, []progress.Kind{progress.KindError}, kinds(rec.snapshot()))
	assert.Empty(t, l.Started())
}

type explodingLauncher struct {
	at string
}

func (e explodingLauncher) Prepare() error {
	if e.at == "prepare" {
		panic("prepare exploded")
	}
	return nil
}

func (e explodingLauncher) Enumerate(context.Context, string) (int, error) {
	if e.at == "enumerate" {
		panic("enumerate exploded")
	}
	return 2, nil
}

func (e explodingLauncher) Start(string, ytdlp.Format) (ytdlp.Run, error) {
	panic("start exploded")
}

func TestRunRecoversPanicBeforeStreaming(t *testing.T) {
	tests := []struct {
		at    string
		kinds []progress.Kind
	}{
		{"prepare", []progress.Kind{progress.KindError}},
		{"enumerate", []progress.Kind{progress.KindError}},
		{"start", []progress.Kind{progress.KindTotal, progress.KindError}},
	}

	for _, tt := range tests {
		t.Run(tt.at, func(t *testing.T) {
			svc := newTestService(explodingLauncher{at: tt.at})

			rec := &recorder{}
			err := svc.Run(context.Background(), Request{URL: playlistURL}, rec.emit)
			require.Error(t, err)

			events := rec.snapshot()
			require.Equal(t, tt.kinds, kinds(events))
			last := events[len(events)-1]
			assert.Contains(t, last.Message, tt.at+" exploded")
			assert.Empty(t, svc.List())
		})
	}
}
