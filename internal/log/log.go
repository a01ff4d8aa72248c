// Package log defines the engine's Logger contract. The teacher's own
// codebase reaches for nothing beyond the standard library's log.Logger
// across a dependency-rich go.mod, so the default implementation here
// follows that precedent directly rather than adopting a third-party
// logging framework: StdLogger is a thin wrapper that maps six named
// levels onto a single *log.Logger, with Verbose/Debug/Silly gated behind
// a configurable threshold the way -v/-vv CLI flags commonly do.
package log

import (
	"fmt"
	stdlog "log"
	"os"
)

// Level orders the six named levels from least to most verbose.
type Level int

const (
	LevelSilly Level = iota
	LevelDebug
	LevelVerbose
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the contract every component logs through. Passing one
// explicitly (rather than reaching for a package-level global) keeps
// components testable: tests can supply a Logger that records calls.
type Logger interface {
	Silly(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Verbose(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// StdLogger implements Logger on top of *log.Logger, suppressing any
// level below Threshold.
type StdLogger struct {
	*stdlog.Logger
	Threshold Level
}

// New returns a StdLogger writing to os.Stderr with the standard
// log flags, at Info threshold (the teacher's own default verbosity).
func New() *StdLogger {
	return &StdLogger{
		Logger:    stdlog.New(os.Stderr, "", stdlog.LstdFlags),
		Threshold: LevelInfo,
	}
}

func (l *StdLogger) log(level Level, prefix, format string, args ...interface{}) {
	if level < l.Threshold {
		return
	}
	l.Logger.Output(3, prefix+" "+fmt.Sprintf(format, args...))
}

func (l *StdLogger) Silly(format string, args ...interface{})   { l.log(LevelSilly, "[silly]", format, args...) }
func (l *StdLogger) Debug(format string, args ...interface{})   { l.log(LevelDebug, "[debug]", format, args...) }
func (l *StdLogger) Verbose(format string, args ...interface{}) { l.log(LevelVerbose, "[verbose]", format, args...) }
func (l *StdLogger) Info(format string, args ...interface{})    { l.log(LevelInfo, "[info]", format, args...) }
func (l *StdLogger) Warn(format string, args ...interface{})    { l.log(LevelWarn, "[warn]", format, args...) }
func (l *StdLogger) Error(format string, args ...interface{})   { l.log(LevelError, "[error]", format, args...) }
