// Package logging wraps zerolog.Logger so the reactor, connection pool
// monitor, and proxy engine share one severity policy without importing
// zerolog directly at every call site.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the thin wrapper every core component takes.
type Logger struct {
	z zerolog.Logger
}

// Sink is the external collaborator for "where bytes land": access-log
// and error-log file rotation/buffering live outside this module; a
// real deployment plugs a lumberjack-backed io.Writer in here.
type Sink interface {
	io.Writer
}

// New builds a Logger writing to sink in the given component's context.
func New(sink Sink, component string) Logger {
	if sink == nil {
		sink = os.Stderr
	}
	return Logger{z: zerolog.New(sink).With().Timestamp().Str("component", component).Logger()}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger { return Logger{z: zerolog.Nop()} }

func (l Logger) With() zerolog.Context { return l.z.With() }

func (l Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l Logger) Error() *zerolog.Event { return l.z.Error() }
func (l Logger) Debug() *zerolog.Event { return l.z.Debug() }

// WithFields returns a derived Logger carrying the given string fields,
// used when a connection or request acquires an id worth correlating
// (request-id, upstream addr) across several subsequent log calls.
func (l Logger) WithFields(fields map[string]string) Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return Logger{z: ctx.Logger()}
}
