package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/plrelay/backend/internal/api"
	"github.com/plrelay/backend/internal/config"
	"github.com/plrelay/backend/internal/frontend"
	"github.com/plrelay/backend/internal/job"
	"github.com/plrelay/backend/internal/mock"
	"github.com/plrelay/backend/internal/session"
	"github.com/plrelay/backend/internal/ws"
	"github.com/plrelay/backend/internal/ytdlp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const mockInterval = 500 * time.Millisecond

type serveOptions struct {
	port     int
	mockMode bool

	// ready, when set, receives the bound address once the server listens.
	ready func(addr string)
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, envFile, err := loadConfig(root.configPath, opts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if envFile != "" {
				logger.Info().Str("file", envFile).Msg("loaded environment file")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts, logger)
		},
	}
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override server port")
	cmd.Flags().BoolVar(&opts.mockMode, "mock", false, "Use a scripted fake yt-dlp")
	return cmd
}

// loadConfig layers the config file, .env and PLRELAY_* environment, then
// flags, in that order.
func loadConfig(path string, opts *serveOptions) (*config.Config, string, error) {
	envFile, err := config.LoadDotEnv()
	if err != nil {
		return nil, "", fmt.Errorf("loading .env: %w", err)
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, "", fmt.Errorf("environment overrides: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, envFile, nil
}

func newLauncher(cfg *config.Config, mockMode bool, logger zerolog.Logger) job.Launcher {
	if mockMode {
		logger.Info().Msg("starting in mock mode")
		return mock.NewLauncher(mockInterval)
	}
	return ytdlp.NewLauncher(cfg.Downloader, logger)
}

// runServe serves until ctx is done, then cancels running downloads and
// shuts the listener down within the configured timeout.
func runServe(ctx context.Context, cfg *config.Config, opts *serveOptions, logger zerolog.Logger) error {
	store := session.NewStore()
	service := job.NewService(newLauncher(cfg, opts.mockMode, logger), store, cfg.Downloader.KillGrace, logger)

	broadcaster := ws.NewBroadcaster(store, cfg.Feed.BroadcastThrottle, cfg.Feed.SnapshotInterval, cfg.Feed.MaxClients)
	broadcaster.SetLogger(logger)
	defer broadcaster.Stop()

	server := api.NewServer(cfg.Server, service, broadcaster, frontend.Handler(), logger)
	httpServer := server.HTTPServer(cfg.Addr())

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	logger.Info().
		Str("addr", ln.Addr().String()).
		Str("output_dir", cfg.Downloader.OutputDir).
		Msg("server listening")
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := service.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("cancelling downloads: %w", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

