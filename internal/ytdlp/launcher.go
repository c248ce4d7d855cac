package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/plrelay/backend/internal/config"
	"github.com/rs/zerolog"
)

// Run is a started download process.
type Run interface {
	PID() int
	Lines() iter.Seq[string]
	Wait() (ExitStatus, error)
	Terminate(grace time.Duration) error
}

// ExitStatus is the outcome of a finished download process.
type ExitStatus struct {
	Code   int
	Stderr string
}

func (s ExitStatus) Success() bool {
	return s.Code == 0
}

// Launcher builds and starts yt-dlp invocations.
type Launcher struct {
	binary           string
	outputDir        string
	archiveFile      string
	enumerateTimeout time.Duration
	killGrace        time.Duration
	extraArgs        []string
	log              zerolog.Logger
}

func NewLauncher(cfg config.DownloaderConfig, logger zerolog.Logger) *Launcher {
	return &Launcher{
		binary:           cfg.Binary,
		outputDir:        cfg.OutputDir,
		archiveFile:      cfg.ArchiveFile,
		enumerateTimeout: cfg.EnumerateTimeout,
		killGrace:        cfg.KillGrace,
		extraArgs:        cfg.ExtraArgs,
		log:              logger.With().Str("component", "ytdlp").Logger(),
	}
}

// Prepare creates the output directory if it is missing.
func (l *Launcher) Prepare() error {
	if err := os.MkdirAll(l.outputDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating output dir %s: %v", ErrSetup, l.outputDir, err)
	}
	return nil
}

func EnumerateArgs(url string) []string {
	return []string{"--flat-playlist", "--print-json", url}
}

func (l *Launcher) DownloadArgs(url string, format Format) []string {
	args := []string{
		"--yes-playlist",
		"-f", format.Selector(),
		"-o", filepath.Join(l.outputDir, "%(title)s.%(ext)s"),
		"--print-json",
		"--download-archive", filepath.Join(l.outputDir, l.archiveFile),
		"--no-simulate",
		"--newline",
	}
	args = append(args, l.extraArgs...)
	return append(args, url)
}

// Enumerate runs yt-dlp in flat-playlist mode and counts the entries it
// prints. The run is bounded by the configured enumerate timeout.
func (l *Launcher) Enumerate(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.enumerateTimeout)
	defer cancel()

	args := EnumerateArgs(url)
	cmd := exec.CommandContext(ctx, l.binary, args...)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	l.log.Debug().Str("binary", l.binary).Strs("args", args).Msg("enumerating playlist")
	start := time.Now()
	out, err := cmd.Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, fmt.Errorf("%w: timed out after %s", ErrEnumeration, l.enumerateTimeout)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return 0, fmt.Errorf("%w: yt-dlp error: %s", ErrEnumeration, msg)
	}

	count := CountEntries(out)
	l.log.Debug().Int("entries", count).Dur("duration", time.Since(start)).Msg("playlist enumerated")
	return count, nil
}

// CountEntries counts the lines of flat-playlist output that decode to a JSON
// object carrying an "id" field.
func CountEntries(out []byte) int {
	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if _, ok := entry["id"]; ok {
			count++
		}
	}
	return count
}

// Start launches the download. The returned Run owns the process: callers
// must drain Lines and then call Wait.
func (l *Launcher) Start(url string, format Format) (Run, error) {
	args := l.DownloadArgs(url, format)
	cmd := exec.Command(l.binary, args...)
	cmd.WaitDelay = l.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("yt-dlp stdout pipe: %w", err)
	}
	stderr := newTailBuffer(maxStderrBytes)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting yt-dlp: %w", err)
	}

	p := newProcess(cmd, stdout, stderr, l.log.With().Int("pid", cmd.Process.Pid).Logger())
	p.log.Info().Str("url", url).Str("format", format.String()).Msg("download started")
	return p, nil
}
