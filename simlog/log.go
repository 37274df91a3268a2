// Package simlog provides a small time- and prediction-run-tagged logging
// handle. Every simulator component is handed one explicitly rather than
// reaching for a package-level global, per the "logging adapter" design note:
// every line should be traceable to the simulated instant and run it was
// produced for.
package simlog

import (
	"log"
	"os"
	"strconv"
)

// Logger tags every line with the component name; WithRun additionally
// prefixes the simulated time and prediction run.
type Logger struct {
	name string
	std  *log.Logger
}

// New creates a Logger for the named component, writing to stderr with the
// same flags the CLI entrypoints set on the package-level logger
// (log.LstdFlags | log.Lshortfile).
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile),
	}
}

// WithRun returns a logger scoped to a simulated instant: lines printed
// through it are prefixed with the component name, time, and pRun.
func (l *Logger) WithRun(time float64, pRun int) *runLogger {
	return &runLogger{l: l, time: time, pRun: pRun}
}

// Printf logs without a time/pRun prefix, for messages produced outside of a
// simulator tick (e.g. CLI startup).
func (l *Logger) Printf(format string, args ...any) {
	l.std.Printf("[%s] "+format, append([]any{l.name}, args...)...)
}

type runLogger struct {
	l    *Logger
	time float64
	pRun int
}

// Printf logs a formatted message tagged with the component, simulated time,
// and prediction run (or "real" for the live simulation).
func (r *runLogger) Printf(format string, args ...any) {
	run := "real"
	if r.pRun >= 0 {
		run = "p" + strconv.Itoa(r.pRun)
	}
	r.l.std.Printf("[%s t=%.6fs %s] "+format, append([]any{r.l.name, r.time, run}, args...)...)
}
