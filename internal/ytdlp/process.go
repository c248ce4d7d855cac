package ytdlp

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const maxStderrBytes = 64 * 1024

// Process is a running yt-dlp download.
type Process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	log    zerolog.Logger

	consumed atomic.Bool

	waitOnce sync.Once
	done     chan struct{}
	status   ExitStatus
	waitErr  error

	termMu sync.Mutex
}

func newProcess(cmd *exec.Cmd, stdout io.ReadCloser, stderr *tailBuffer, logger zerolog.Logger) *Process {
	return &Process{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		log:    logger,
		done:   make(chan struct{}),
	}
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Lines yields stdout one line at a time, without the trailing newline,
// until the process closes its output. Only the first iteration reads; the
// sequence cannot be restarted.
func (p *Process) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !p.consumed.CompareAndSwap(false, true) {
			return
		}
		reader := bufio.NewReader(p.stdout)
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				if !yield(strings.TrimRight(line, "\r\n")) {
					// Keep the pipe drained so the process never blocks on a full buffer.
					io.Copy(io.Discard, reader)
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					p.log.Warn().Err(err).Msg("reading yt-dlp output")
				}
				return
			}
		}
	}
}

// Wait blocks until the process exits. A non-zero exit is reported through
// ExitStatus, not the error, which is reserved for failures to wait at all.
func (p *Process) Wait() (ExitStatus, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			p.waitErr = err
		}
		code := -1
		if p.cmd.ProcessState != nil {
			code = p.cmd.ProcessState.ExitCode()
		}
		p.status = ExitStatus{Code: code, Stderr: p.stderr.String()}
		p.log.Info().Int("exit_code", code).Msg("download process exited")
		close(p.done)
	})
	return p.status, p.waitErr
}

// Terminate asks the process tree to exit, then kills it if it is still
// running after grace. Concurrent calls are serialized.
func (p *Process) Terminate(grace time.Duration) error {
	p.termMu.Lock()
	defer p.termMu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	pid := p.PID()
	p.log.Info().Dur("grace", grace).Msg("terminating download")
	if err := signalTree(pid, false); err != nil {
		p.log.Debug().Err(err).Msg("process tree terminate failed, signalling directly")
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.log.Warn().Dur("grace", grace).Msg("download still running after grace period, killing")
	if err := signalTree(pid, true); err != nil {
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
