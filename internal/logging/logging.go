// Package logging provides a small leveled logger for the upload
// engine, in the style of the teacher's internal/debug package: a
// stdlib log.Logger gated by a verbosity level, cheap to leave enabled
// in production because Debug calls are skipped entirely when the
// level excludes them.
package logging

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// Level controls which messages reach the underlying logger.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelSilent disables all logging.
	LevelSilent
)

// Logger is safe for concurrent use. Construct one with New; the zero
// value has no output target and is not usable.
type Logger struct {
	level  atomic.Int32
	target *log.Logger
}

// New returns a Logger writing to os.Stderr at the given level.
func New(level Level) *Logger {
	l := &Logger{target: log.New(os.Stderr, "", log.LstdFlags)}
	l.level.Store(int32(level))
	return l
}

// Default is the package-level logger used when callers don't
// construct their own; it mirrors the teacher's single package-level
// debug logger.
var Default = New(LevelWarn)

// SetLevel changes the minimum level that is logged.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

func (l *Logger) log(level Level, prefix, format string, args ...any) {
	if Level(l.level.Load()) > level {
		return
	}
	l.target.Output(3, fmt.Sprintf(prefix+format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "DEBUG ", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "INFO  ", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "WARN  ", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "ERROR ", format, args...) }
