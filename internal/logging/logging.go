// Package logging provides the minimal logging surface used throughout the
// loop/ticker/network/btstream stack. It deliberately mirrors a two-method
// Debug/Error interface rather than depending on a logging framework.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the minimal interface every component accepts via a
// constructor option. Debug entries are for routine, expected events (a
// weak-bound ticker self-cancelling, a dropped unsolicited response, a
// command with no registered handler); Error entries are for
// absorbed-but-surfaced failures (callback panics, protocol errors,
// rejected peers).
type Logger interface {
	Debug(args ...interface{})
	Error(args ...interface{})
}

// stdLogger backs Logger with the standard library's log package.
type stdLogger struct {
	l *log.Logger
}

// NewStd returns a Logger that writes to stderr with a timestamp prefix.
func NewStd() Logger {
	return &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)}
}

func (s *stdLogger) Debug(args ...interface{}) {
	s.l.Output(2, "DEBUG "+fmt.Sprint(args...))
}

func (s *stdLogger) Error(args ...interface{}) {
	s.l.Output(2, "ERROR "+fmt.Sprint(args...))
}

// nopLogger is a Logger that discards everything. Useful as a default in tests.
type nopLogger struct{}

func (nopLogger) Debug(args ...interface{}) {}
func (nopLogger) Error(args ...interface{}) {}

// NewNop returns a Logger that discards all entries.
func NewNop() Logger { return nopLogger{} }
