// Package simassert provides fatal-on-violation assertions for the
// simulator's invariants, built on top of github.com/m-lab/go/rtx's Must: a
// corrupted state machine, a broken at-most-one-live-event invariant, or
// negative outstanding bytes are not recoverable and tests rely on them
// aborting loudly. Reserved for programming-error invariants, never for
// malformed external input (the HAR adapter returns an error for that
// instead).
package simassert

import (
	"fmt"

	"github.com/m-lab/go/rtx"

	"github.com/fg-inet/dt-simulator-go/metrics"
)

// True aborts the process with a formatted diagnostic if cond is false.
func True(cond bool, format string, args ...any) {
	if cond {
		return
	}
	metrics.InvariantViolationCount.WithLabelValues(format).Inc()
	rtx.Must(fmt.Errorf(format, args...), "invariant violation")
}

// Never aborts unconditionally, for state-machine branches that must be
// unreachable.
func Never(format string, args ...any) {
	metrics.InvariantViolationCount.WithLabelValues(format).Inc()
	rtx.Must(fmt.Errorf("unreachable state reached: "+format, args...), "invariant violation")
}
