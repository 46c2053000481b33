// Package logging provides the diagnostic sink the core downloader accepts.
// It is adapted from the teacher project's internal/utils/logger package:
// same color-coded prefix-per-level shape, swapped from a package-global
// singleton to an injectable *Logger so multiple Downloaders (e.g. one per
// request in cmd/rangedl-serve) don't share mutable log state.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jedib0t/go-pretty/v6/text"
)

// Sink is the diagnostic sink the core downloader's scheduler reports
// through: each mirror's resolved URL, HEAD RTT and initial delay during
// init, per-worker delay changes, duplications, and worker exits.
type Sink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Logger is the concrete Sink implementation: colorized, level-gated,
// safe for concurrent use by every fetch loop and the scheduler.
type Logger struct {
	mu      sync.Mutex
	buf     *bytes.Buffer
	out     io.Writer
	debug   bool
	verbose bool
}

// New creates a Logger writing to os.Stderr with debug/verbose disabled.
func New() *Logger {
	return &Logger{buf: &bytes.Buffer{}, out: os.Stderr}
}

// EnableDebug turns on Debugf output.
func (l *Logger) EnableDebug() { l.mu.Lock(); l.debug = true; l.mu.Unlock() }

// EnableVerbose turns on Infof output (Warnf/Errorf always print).
func (l *Logger) EnableVerbose() { l.mu.Lock(); l.verbose = true; l.mu.Unlock() }

// SetOutput redirects log output, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) { l.mu.Lock(); l.out = w; l.mu.Unlock() }

func (l *Logger) write(color text.Color, prefix, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf(format, args...)
	l.buf.Reset()
	l.buf.WriteString(color.Sprintf("%s%s", prefix, msg))
	l.buf.WriteByte('\n')
	l.out.Write(l.buf.Bytes())
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.mu.Lock()
	on := l.debug
	l.mu.Unlock()
	if !on {
		return
	}
	l.write(text.FgMagenta, "[DEBUG] ", format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	on := l.verbose
	l.mu.Unlock()
	if !on {
		return
	}
	l.write(text.FgCyan, "[INFO] ", format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.write(text.FgYellow, "[WARN] ", format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.write(text.FgRed, "[ERROR] ", format, args...)
}

// Nop is a Sink that discards everything; used as the default when a
// caller doesn't supply a logger.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Infof(string, ...interface{})  {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}
