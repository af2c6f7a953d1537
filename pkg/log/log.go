package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger configured by Init
var Logger = New(Config{})

// Level is a configured log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a configuration string onto a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return DebugLevel
	case WarnLevel, "warning":
		return WarnLevel
	case ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a timestamped logger filtered at cfg.Level. Console output is
// used unless JSONOutput is set.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(cfg.Level.zerolog()).With().Timestamp().Logger()
}

// Init replaces the global logger and sets the global level floor
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())
	Logger = New(cfg)
}

// WithComponent creates a child of the global logger with a component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ComponentOr returns override when set, otherwise WithComponent(component)
func ComponentOr(override *zerolog.Logger, component string) zerolog.Logger {
	if override != nil {
		return *override
	}
	return WithComponent(component)
}

// WithBackend tags logger with the storage backend name
func WithBackend(logger zerolog.Logger, backend string) zerolog.Logger {
	return logger.With().Str("backend", backend).Logger()
}
