// Package logx is the structured-logging front door: package-level
// Info/Warn/Error/Debug calls with printf-style format strings, backed
// by zerolog so every event is leveled and timestamped.
package logx

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
)

// SetWriter redirects the logger's output, typically to a cache-dir
// log file once the process has opened one.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Info logs an informational event.
func Info(format string, args ...any) {
	l := current()
	l.Info().Msgf(format, args...)
}

// Warn logs a recoverable problem.
func Warn(format string, args ...any) {
	l := current()
	l.Warn().Msgf(format, args...)
}

// Error logs an isolated failure; the caller continues running.
func Error(format string, args ...any) {
	l := current()
	l.Error().Msgf(format, args...)
}

// Debug logs diagnostic detail. zerolog's default global level lets
// debug events through; raising the global level suppresses them.
func Debug(format string, args ...any) {
	l := current()
	l.Debug().Msgf(format, args...)
}
