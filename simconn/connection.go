// Package simconn implements the connection-level transport models: plain
// TCP with slow-start/congestion-avoidance, and MPTCP as a master connection
// fronting a pool of per-interface subflows. Both flavors plug into
// siminterface.Interface as bandwidth consumers and into simtransfer.Transfer
// as the thing that carries bytes.
package simconn

import (
	"github.com/fg-inet/dt-simulator-go/metrics"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

// State is a connection's coarse lifecycle position, independent of the
// finer-grained slow-start machinery TCP-flavored connections also track.
type State int

const (
	StateIdle State = iota
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SSState is the TCP slow-start state machine: every new (sub)flow starts in
// SSNew until its handshake completes, spends its first RTTs in SSSlowStart
// doubling its congestion window, then drops into SSCongestionAvoidance once
// available bandwidth falls below what the window would allow.
type SSState int

const (
	SSNew SSState = iota
	SSSlowStart
	SSCongestionAvoidance
)

func (s SSState) String() string {
	switch s {
	case SSNew:
		return "NEW"
	case SSSlowStart:
		return "SS"
	case SSCongestionAvoidance:
		return "CA"
	default:
		return "UNKNOWN"
	}
}

// Tuning constants shared by every TCP-flavored connection (plain and
// MPTCP subflow alike).
const (
	MSS = 1460.0

	// BwTransferBytesErrorWarningThreshold bounds the per-tick correction
	// applied to keep cumulative transferred bytes consistent with the
	// last bandwidth update; corrections larger than this are logged.
	BwTransferBytesErrorWarningThreshold = 8.0

	// EventTransferBytesErrorWarningThreshold bounds the correction applied
	// when a tick is snapped to an event's exact expected finish amount;
	// corrections larger than this are logged.
	EventTransferBytesErrorWarningThreshold = 16.0
)

// Ref is the minimal handle other packages need to refer to a connection
// without importing simconn back (it is what simtransfer.ConnRef and
// siminterface.BandwidthConsumer are satisfied against).
type Ref interface {
	ID() int64
}

// Connection is the common surface the transfer manager needs from either
// flavor of connection: enough to pick a candidate for pipelining, evict the
// right idle one, and hand it a transfer. Both TcpConnection and
// MptcpConnection satisfy it.
type Connection interface {
	ID() int64
	Origin() string
	IsSSL() bool
	IsClosed(pRun int) bool
	IdleTimestamp(pRun int) *float64
	Close(time float64, pRun int)
	AddTransfer(t *simtransfer.Transfer, time float64, pRun int)
}

// Manager is the callback surface a Connection notifies about lifecycle
// transitions it cannot act on itself (tracking busy/idle/closed indices,
// picking which idle connection to evict). Subflows never call it directly:
// only the master connection the transfer manager actually knows about does.
type Manager interface {
	IdledConnection(c Ref, time float64, pRun int)
	BusiedConnection(c Ref, time float64, pRun int)
	ClosedConnection(c Ref, time float64, pRun int)

	// EnqueueTransfer, StartTransfer and FinishTransfer mirror the three
	// transfer-lifecycle transitions a connection drives; the connection
	// calls these immediately after the matching simtransfer.Transfer
	// method, taking the place of the reference implementation's transfer
	// methods calling the manager directly.
	EnqueueTransfer(t *simtransfer.Transfer, time float64, pRun int)
	StartTransfer(t *simtransfer.Transfer, time float64, pRun int)
	FinishTransfer(t *simtransfer.Transfer, time float64, pRun int)
}

// tickTransferBytes applies the naive available-bandwidth*delta estimate and
// then two successive correction passes: one against the cumulative amount
// expected since the last bandwidth update (numeric drift), and one against
// the exact amount an in-flight event expects at its firing instant
// (rounding at the edge of a transfer's last tick). Shared by plain TCP and
// the MPTCP master, which both tick a single active transfer identically.
func tickTransferBytes(log *simlog.Logger, available, delta, end, lastBwUpdate, lastBwUpdateTransferredSum, transferredSum, outstanding float64, currFinishTime *float64) float64 {
	transferBytes := float64(int64(available * delta))

	bwRoundTransferredBytes := float64(int64(available * (end - lastBwUpdate)))
	bwRoundTransferredBytesSum := float64(int64(lastBwUpdateTransferredSum + bwRoundTransferredBytes))
	ttTransferredBytesSum := float64(int64(transferredSum + transferBytes))
	if ttTransferredBytesSum > bwRoundTransferredBytesSum {
		bwRoundTransferredBytesError := ttTransferredBytesSum - bwRoundTransferredBytesSum
		metrics.DriftClampCount.WithLabelValues("bw_round").Inc()
		if absF(bwRoundTransferredBytesError) > BwTransferBytesErrorWarningThreshold {
			log.Printf("overshot %v bytes due to numeric stability issues - adjusting", bwRoundTransferredBytesError)
		}
		transferBytes -= bwRoundTransferredBytesError
		if transferBytes < 0 {
			transferBytes = 0
		}
	}

	transferBytesError := transferBytes - outstanding
	if currFinishTime != nil && end == *currFinishTime && (transferBytesError < 0 || transferBytesError > 0) {
		metrics.DriftClampCount.WithLabelValues("event_snap").Inc()
		if absF(transferBytesError) > EventTransferBytesErrorWarningThreshold {
			dir := "under"
			if transferBytesError > 0 {
				dir = "over"
			}
			log.Printf("%sshot transfer by %v bytes - using exact bytes from event calculation", dir, absF(transferBytesError))
		}
		transferBytes = outstanding
	}

	return transferBytes
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
