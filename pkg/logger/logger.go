// Package logger holds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Stdout, os.Stderr)
	SetLevel(os.Getenv("LOG_LEVEL"))
}

// New builds a logger: JSON to out in production, human-readable console
// output to console otherwise.
func New(env string, out, console io.Writer) zerolog.Logger {
	l := zerolog.New(out).
		With().
		Timestamp().
		Logger()

	if env != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339})
	}
	return l
}

// SetLevel sets the global level from a name like "debug" or "WARN".
// Unknown or empty names leave info in place.
func SetLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return level
}

// Configure replaces the global logger for env and level.
func Configure(env, level string) {
	Log = New(env, os.Stdout, os.Stderr)
	SetLevel(level)
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
