package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PLRELAY_SERVER_PORT.
const EnvPrefix = "PLRELAY_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Feed       FeedConfig       `yaml:"feed"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ServeUI         bool          `yaml:"serve_ui"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DownloaderConfig struct {
	Binary           string        `yaml:"binary"`
	OutputDir        string        `yaml:"output_dir"`
	ArchiveFile      string        `yaml:"archive_file"`
	EnumerateTimeout time.Duration `yaml:"enumerate_timeout"`
	KillGrace        time.Duration `yaml:"kill_grace"`
	ExtraArgs        []string      `yaml:"extra_args"`
}

type FeedConfig struct {
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	MaxClients        int           `yaml:"max_clients"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultOutputDir is the user's Downloads folder, or ./downloads when the
// home directory cannot be resolved.
func DefaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads")
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			Host:            "127.0.0.1",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ServeUI:         true,
			ShutdownTimeout: 10 * time.Second,
		},
		Downloader: DownloaderConfig{
			Binary:           "yt-dlp",
			OutputDir:        DefaultOutputDir(),
			ArchiveFile:      "archive.txt",
			EnumerateTimeout: 30 * time.Second,
			KillGrace:        5 * time.Second,
		},
		Feed: FeedConfig{
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
			MaxClients:        64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the YAML file at path over the defaults. Unlike LoadOrDefault
// a missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// LoadDotEnv loads the first .env file found in the working directory or its
// parent into the process environment. Variables already set win.
func LoadDotEnv() (string, error) {
	for _, path := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return path, fmt.Errorf("loading %s: %w", path, err)
		}
		return path, nil
	}
	return "", nil
}

// ApplyEnv overrides fields from PLRELAY_* variables looked up with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	lookup := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		return v, v != ""
	}

	var errs []error
	if v, ok := lookup("SERVER_HOST"); ok {
		c.Server.Host = v
	}
	if v, ok := lookup("SERVER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERVER_PORT: %w", EnvPrefix, err))
		} else {
			c.Server.Port = n
		}
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("SERVE_UI"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSERVE_UI: %w", EnvPrefix, err))
		} else {
			c.Server.ServeUI = b
		}
	}
	if v, ok := lookup("YTDLP_BINARY"); ok {
		c.Downloader.Binary = v
	}
	if v, ok := lookup("OUTPUT_DIR"); ok {
		c.Downloader.OutputDir = v
	}
	if v, ok := lookup("ENUMERATE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sENUMERATE_TIMEOUT: %w", EnvPrefix, err))
		} else {
			c.Downloader.EnumerateTimeout = d
		}
	}
	if v, ok := lookup("KILL_GRACE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sKILL_GRACE: %w", EnvPrefix, err))
		} else {
			c.Downloader.KillGrace = d
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Downloader.Binary == "" {
		errs = append(errs, errors.New("downloader.binary must be set"))
	}
	if c.Downloader.OutputDir == "" {
		errs = append(errs, errors.New("downloader.output_dir must be set"))
	}
	if c.Downloader.ArchiveFile == "" {
		errs = append(errs, errors.New("downloader.archive_file must be set"))
	}
	if c.Downloader.EnumerateTimeout <= 0 {
		errs = append(errs, errors.New("downloader.enumerate_timeout must be positive"))
	}
	if c.Downloader.KillGrace <= 0 {
		errs = append(errs, errors.New("downloader.kill_grace must be positive"))
	}
	if c.Feed.SnapshotInterval <= 0 {
		errs = append(errs, errors.New("feed.snapshot_interval must be positive"))
	}
	if c.Feed.BroadcastThrottle <= 0 {
		errs = append(errs, errors.New("feed.broadcast_throttle must be positive"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
