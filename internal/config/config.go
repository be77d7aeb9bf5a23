// Package config loads the relay configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "RELAY_"

// Disabled turns off a listener whose address has a default.
const Disabled = "off"

// Enabled reports whether a listener address is set.
func Enabled(addr string) bool {
	return addr != "" && addr != Disabled
}

// Config holds the relay configuration.
type Config struct {
	// Listeners
	TCPAddr     string   `env:"TCP_ADDR"      envDefault:":32167"`
	WSAddr      string   `env:"WS_ADDR"       envDefault:":32168"`
	WSPath      string   `env:"WS_PATH"       envDefault:"/"`
	WSOrigins   []string `env:"WS_ORIGINS"    envDefault:"*"`
	UnifiedAddr string   `env:"UNIFIED_ADDR"`
	MetricsAddr string   `env:"METRICS_ADDR"  envDefault:":9102"`

	// History. A zero HistoryDelay disables the push to new clients.
	HistoryDSN   string        `env:"HISTORY_DSN"`
	HistoryLimit int           `env:"HISTORY_LIMIT"  envDefault:"100"`
	HistoryDelay time.Duration `env:"HISTORY_DELAY"  envDefault:"3s"`

	// Relay
	SendQueue       int           `env:"SEND_QUEUE"        envDefault:"64"`
	BridgeMailbox   int           `env:"BRIDGE_MAILBOX"    envDefault:"256"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"10s"`

	// Observability
	LogLevel  string `env:"LOG_LEVEL"   envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT"  envDefault:"json"`
}

// Load reads envFile (or ".env" when empty and present) into the process
// environment and parses the configuration from it.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	return parse(env.Options{Prefix: EnvPrefix})
}

// Parse builds the configuration from environ instead of the process
// environment. Keys include EnvPrefix.
func Parse(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the relay cannot run with.
func (c Config) Validate() error {
	if !Enabled(c.TCPAddr) && !Enabled(c.WSAddr) && !Enabled(c.UnifiedAddr) {
		return errors.New("no listener configured")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("websocket path %q must start with /", c.WSPath)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit)
	}
	if c.SendQueue <= 0 {
		return fmt.Errorf("send queue must be positive, got %d", c.SendQueue)
	}
	if c.BridgeMailbox <= 0 {
		return fmt.Errorf("bridge mailbox must be positive, got %d", c.BridgeMailbox)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Logger builds the structured logger described by the configuration.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}
