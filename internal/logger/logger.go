// Package logger provides a centralized logging facility with configurable
// verbosity levels, backed by zerolog.
//
// Verbosity levels (in increasing order):
//
//	Error < Info < Debug < Trace
//
// Example usage:
//
//	logger.SetVerbosity(2) // Debug
//	logger.Infof("starting engine")
//	logger.Dbg().Float64("spot", spot).Msg("leg valued")
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a logging verbosity level.
// Higher values mean more verbose logging.
type Level int

const (
	Error Level = iota // Error logs only critical failures.
	Info               // Info logs high-level application progress.
	Debug              // Debug logs detailed diagnostic information.
	Trace              // Trace logs very fine-grained execution details.
)

// Config controls where log output goes.
type Config struct {
	Verbosity  int
	Console    bool   // human readable output on stderr
	FilePath   string // rotated JSON log file, empty disables
	MaxSize    int    // megabytes
	MaxBackups int
	MaxAge     int // days
}

var (
	mu      sync.RWMutex
	current = Info
	base    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

func init() {
	// per-logger levels do the filtering
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
}

// Init replaces the global logger. Safe to call more than once.
func Init(cfg Config) error {
	var writers []io.Writer
	if cfg.Console || cfg.FilePath == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSize, 50),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAge, 30),
			Compress:   true,
		})
	}

	var w io.Writer = writers[0]
	if len(writers) > 1 {
		w = zerolog.MultiLevelWriter(writers...)
	}

	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
	SetVerbosity(cfg.Verbosity)
	return nil
}

// SetOutput sends all log output to w. Mostly useful in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}

// SetVerbosity sets the global logging verbosity. Out of range values
// fall back to Info.
func SetVerbosity(v int) {
	l := Level(v)
	if l < Error || l > Trace {
		l = Info
	}
	mu.Lock()
	current = l
	mu.Unlock()
}

// Verbosity returns the active level.
func Verbosity() Level {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the underlying structured logger filtered at the active level.
func L() *zerolog.Logger {
	mu.RLock()
	l := base.Level(zerologLevel(current))
	mu.RUnlock()
	return &l
}

// Err starts an error-level structured event.
func Err() *zerolog.Event { return L().Error() }

// Inf starts an info-level structured event.
func Inf() *zerolog.Event { return L().Info() }

// Dbg starts a debug-level structured event.
func Dbg() *zerolog.Event { return L().Debug() }

// Trc starts a trace-level structured event.
func Trc() *zerolog.Event { return L().Trace() }

// Errorf logs an error-level message.
func Errorf(format string, args ...any) { L().Error().Msgf(format, args...) }

// Infof logs an informational message.
func Infof(format string, args ...any) { L().Info().Msgf(format, args...) }

// Debugf logs debugging information.
func Debugf(format string, args ...any) { L().Debug().Msgf(format, args...) }

// Tracef logs very detailed execution traces.
func Tracef(format string, args ...any) { L().Trace().Msgf(format, args...) }

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case Error:
		return zerolog.ErrorLevel
	case Debug:
		return zerolog.DebugLevel
	case Trace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
