// Package klog is a thin, per-process logging helper threaded through
// Scheduler/Node/Worker constructors as a field, the same shape
// cmd/snellerd's run_daemon.go uses log.New(os.Stderr, "", log.Lshortfile)
// rather than a package-level global.
package klog

import (
	"log"
	"os"
)

// Logger wraps a *log.Logger with a level gate for Debugf, so verbose
// per-request tracing can be turned on without littering call sites with
// their own "if verbose" checks.
type Logger struct {
	*log.Logger
	debug bool
}

// New returns a Logger writing to w with the given prefix, matching
// log.Lshortfile's file:line annotation style.
func New(w *os.File, prefix string, debug bool) *Logger {
	return &Logger{Logger: log.New(w, prefix, log.Lshortfile), debug: debug}
}

// Default returns a Logger writing to os.Stderr with no prefix, the
// daemon's usual construction.
func Default(debug bool) *Logger {
	return New(os.Stderr, "", debug)
}

// Debugf logs only when the Logger was constructed with debug enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil || !l.debug {
		return
	}
	l.Printf(format, args...)
}
