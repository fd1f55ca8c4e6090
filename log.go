package gotftp

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging surface a Context writes to: structured,
// leveled, field-based logging built on zerolog.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger wraps a zerolog.Logger for use as a session Logger. A
// library caller constructs its own zerolog.Logger (json, console,
// discard, whatever fits its process) and passes it here.
func NewLogger(zl zerolog.Logger) Logger {
	return Logger{zl: zl}
}

// DefaultLogger returns a human-readable console logger at info
// level, suitable for the cmd/ CLIs.
func DefaultLogger() Logger {
	return Logger{zl: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()}
}

// DiscardLogger returns a Logger that drops everything, the default
// for library callers who don't pass one in.
func DiscardLogger() Logger {
	return Logger{zl: zerolog.Nop()}
}

func (l Logger) With() zerolog.Context {
	return l.zl.With()
}

func (l Logger) Debugf(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}

func (l Logger) Infof(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

func (l Logger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

func (l Logger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

// Session returns a child logger with the session's correlation ID
// and peer address attached as structured fields, so every log line
// for a transfer can be filtered and correlated.
func (l Logger) Session(id string, peer string) Logger {
	return Logger{zl: l.zl.With().Str("session", id).Str("peer", peer).Logger()}
}
