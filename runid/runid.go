// Package runid generates process-unique identifiers for simulation runs,
// connections, and transfers.
//
// Adapted from github.com/m-lab/tcp-info/uuid, which built a socket UUID
// from a "hostname_boottime" prefix plus a per-socket SO_COOKIE read through
// a raw syscall. There are no real sockets here, so the syscall half is
// gone; what remains is the same idea applied to simulated objects: a
// process-wide prefix computed once, concatenated with a monotonically
// increasing counter that is local to whatever is minting the ID (so two
// independent TransferManager instances never collide even though both
// start counting from zero).
package runid

import (
	"fmt"
	"os"
	"sync/atomic"
)

var cachedPrefix string

// Prefix returns a string that is unique to this process invocation,
// combining the hostname with the process id (in place of m-lab/tcp-info's
// hostname+boottime pair, which required reading /proc/uptime).
func Prefix() string {
	if cachedPrefix == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		cachedPrefix = fmt.Sprintf("%s_%d", hostname, os.Getpid())
	}
	return cachedPrefix
}

// Counter mints sequential, process-unique ids for one kind of simulated
// object (connections, transfers, runs). Each TransferManager owns its own
// Counter instances so that runs built from the same template never share
// id sequences when run concurrently, in place of the Python reference
// implementation's global connectionCounterCounter/transferCounterCounter
// with per-manager atomic counters.
type Counter struct {
	next int64
}

// Next returns the next id in the sequence, starting at 0.
func (c *Counter) Next() int64 {
	return atomic.AddInt64(&c.next, 1) - 1
}

// String renders a counter value as a globally-traceable id string, e.g. for
// inclusion in output records.
func String(prefix string, n int64) string {
	return fmt.Sprintf("%s_%x", prefix, n)
}
