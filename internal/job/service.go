package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/plrelay/backend/internal/progress"
	"github.com/plrelay/backend/internal/session"
	"github.com/plrelay/backend/internal/ytdlp"
	"github.com/rs/zerolog"
)

const (
	cancelledMessage    = "Download cancelled"
	shuttingDownMessage = "Server is shutting down"
)

// ErrShuttingDown is returned by Run for jobs that would start after
// Shutdown began.
var ErrShuttingDown = errors.New("service shutting down")

// Launcher starts the external download tool. *ytdlp.Launcher is the real
// implementation; *mock.Launcher is a scripted stand-in.
type Launcher interface {
	Prepare() error
	Enumerate(ctx context.Context, url string) (int, error)
	Start(url string, format ytdlp.Format) (ytdlp.Run, error)
}

// Request is one playlist download.
type Request struct {
	ID     string
	URL    string
	Format string
}

// EmitFunc delivers one event to the client. An error means the client is
// gone; Run stops emitting but still finishes the job and its cleanup.
type EmitFunc func(progress.Event) error

// Service runs download jobs and owns the session registry.
type Service struct {
	launcher Launcher
	store    *session.Store
	grace    time.Duration
	log      zerolog.Logger

	// mu orders registration against Shutdown: a session is either in the
	// registry when Shutdown lists it or sees closing and never registers.
	mu      sync.Mutex
	closing bool
}

func NewService(launcher Launcher, store *session.Store, grace time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		launcher: launcher,
		store:    store,
		grace:    grace,
		log:      logger.With().Str("component", "job").Logger(),
	}
}

// NewSessionID returns a fresh, never reused session id.
func (s *Service) NewSessionID() string {
	return uuid.NewString()
}

// Run executes req end to end, emitting total, progress and exactly one
// terminal event. The session is registered only while its download process
// runs and is always removed before the terminal event is emitted. If ctx is
// cancelled the process is terminated. The returned error describes why the
// job did not complete; it has already been reported to the client.
func (s *Service) Run(ctx context.Context, req Request, emit EmitFunc) (err error) {
	if req.ID == "" {
		req.ID = s.NewSessionID()
	}
	log := s.log.With().Str("session_id", req.ID).Logger()
	out := &emitter{emit: emit, log: log}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			log.Error().Interface("panic", r).Msg("recovered while running job")
			out.send(progress.Error(err.Error()))
		}
	}()

	if s.isClosing() {
		out.send(progress.Error(shuttingDownMessage))
		return ErrShuttingDown
	}

	if err := ytdlp.ValidateURL(req.URL); err != nil {
		out.send(progress.Error("Invalid YouTube URL"))
		return err
	}
	format, err := ytdlp.ParseFormat(req.Format)
	if err != nil {
		out.send(progress.Error(err.Error()))
		return err
	}
	if err := s.launcher.Prepare(); err != nil {
		log.Error().Err(err).Msg("preparing output directory")
		out.send(progress.Error(err.Error()))
		return err
	}

	total, err := s.launcher.Enumerate(ctx, req.URL)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL).Msg("playlist enumeration failed")
		out.send(progress.Error("Failed to get playlist info: " + err.Error()))
		return err
	}
	out.send(progress.Total(total))

	if s.isClosing() {
		out.send(progress.Error(shuttingDownMessage))
		return ErrShuttingDown
	}
	run, err := s.launcher.Start(req.URL, format)
	if err != nil {
		log.Error().Err(err).Msg("starting download")
		out.send(progress.Error(err.Error()))
		return err
	}

	sess := session.New(req.ID, req.URL, format.String(), run)
	sess.Start(total)
	if !s.register(sess) {
		log.Info().Msg("shutting down, stopping download before it registers")
		exited := make(chan struct{})
		go func() {
			defer close(exited)
			for range run.Lines() {
			}
			run.Wait()
		}()
		if err := run.Terminate(s.grace); err != nil {
			log.Warn().Err(err).Msg("terminating download")
		}
		<-exited
		out.send(progress.Error(shuttingDownMessage))
		return ErrShuttingDown
	}
	defer s.store.Remove(req.ID)

	stop := context.AfterFunc(ctx, func() {
		if sess.Finish(session.Cancelled) {
			log.Info().Msg("client went away, terminating download")
		}
		if err := run.Terminate(s.grace); err != nil {
			log.Warn().Err(err).Msg("terminating download")
		}
	})
	defer stop()

	log.Info().Str("url", req.URL).Str("format", format.String()).Int("total", total).Msg("download running")
	final, runErr := s.stream(sess, run, total, out)

	if sess.Finish(stateFor(final)) {
		log.Info().Str("state", sess.State().String()).Msg("download finished")
	} else if sess.State() == session.Cancelled {
		final = progress.Error(cancelledMessage)
		runErr = context.Canceled
	}
	s.store.Remove(req.ID)
	out.send(final)
	return runErr
}

// register puts sess in the registry unless Shutdown has begun.
func (s *Service) register(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.store.Put(sess)
	return true
}

func (s *Service) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// stream forwards progress for run and returns the terminal event. A panic
// anywhere in here becomes an error event rather than a crashed request.
func (s *Service) stream(sess *session.Session, run ytdlp.Run, total int, out *emitter) (final progress.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("streaming panic: %v", r)
			s.log.Error().Str("session_id", sess.ID).Interface("panic", r).Msg("recovered while streaming")
			go func() {
				run.Terminate(s.grace)
				run.Wait()
			}()
			final = progress.Error(err.Error())
		}
	}()

	tr := progress.NewTranslator(total)
	for line := range run.Lines() {
		ev, ok := tr.Translate(line)
		if !ok {
			continue
		}
		sess.Advance(ev.Completed, ev.Title)
		s.store.Touch(sess.ID)
		out.send(ev)
	}

	status, err := run.Wait()
	if err != nil {
		return progress.Error(err.Error()), err
	}
	final = progress.Finish(status.Code, status.Stderr)
	if !status.Success() {
		err = fmt.Errorf("%w: exit code %d", ytdlp.ErrToolFailure, status.Code)
	}
	return final, err
}

// Cancel terminates the session registered under id and removes it. It
// returns session.ErrNotFound, leaving the registry untouched, for unknown ids.
func (s *Service) Cancel(id string) error {
	sess, ok := s.store.Get(id)
	if !ok {
		return session.ErrNotFound
	}
	sess.Finish(session.Cancelled)
	s.log.Info().Str("session_id", id).Msg("cancelling download")

	err := sess.Handle().Terminate(s.grace)
	s.store.Remove(id)
	if err != nil {
		return fmt.Errorf("terminating session %s: %w", id, err)
	}
	return nil
}

// List returns the ids of the registered sessions.
func (s *Service) List() []string {
	return s.store.IDs()
}

func (s *Service) Store() *session.Store {
	return s.store
}

// Shutdown cancels every registered session, in parallel, and waits for
// them or for ctx. Jobs that have not registered yet are refused from here
// on and stop before their download is registered.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ids := s.store.IDs()
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	s.log.Info().Int("sessions", len(ids)).Msg("cancelling running downloads")

	errc := make(chan error, len(ids))
	for _, id := range ids {
		go func() {
			err := s.Cancel(id)
			if errors.Is(err, session.ErrNotFound) {
				err = nil
			}
			errc <- err
		}()
	}

	var errs []error
	for range ids {
		select {
		case err := <-errc:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func stateFor(ev progress.Event) session.State {
	if ev.Kind == progress.KindComplete {
		return session.Completed
	}
	return session.Errored
}

// emitter stops forwarding after the first delivery failure or after a
// terminal event.
type emitter struct {
	emit   EmitFunc
	log    zerolog.Logger
	failed bool
	ended  bool
}

func (e *emitter) send(ev progress.Event) {
	if e.failed || e.ended {
		return
	}
	e.ended = ev.IsTerminal()
	if err := e.emit(ev); err != nil {
		e.failed = true
		e.log.Debug().Err(err).Str("event", string(ev.Kind)).Msg("client stopped receiving events")
	}
}
