// Package simpolicy implements the scheduling decisions a simmanager.Manager
// delegates to: given a newly enabled transfer, predict how it would
// complete over every plausible connection or interface combination, then
// commit to the fastest one. Every concrete policy here differs only in
// which combinations it is willing to try.
package simpolicy

import (
	"math/rand"

	"github.com/fg-inet/dt-simulator-go/metrics"
	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simconn"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simmanager"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

// Defaults mirror the reference implementation's global scheduling limits.
const (
	DefaultIdleTimeout = 30.0
	DefaultGlobalLimit = 17
	DefaultHostLimit   = 6
)

// prediction is a candidate placement for one transfer: either a brand new
// connection over ifaces, or pipelining onto an existing conn. Exactly one
// of conn/ifaces is set.
type prediction struct {
	time  float64
	conn  simconn.Connection
	iface []*siminterface.Interface
}

func predictNewConnection(tm *simmanager.Manager, transfer *simtransfer.Transfer, ifaces []*siminterface.Interface) prediction {
	times := tm.PredictTransfer(transfer, nil, ifaces, DefaultIdleTimeout)
	simassert.True(times.FinishTime != nil, "policy: predicted new connection never finished")
	return prediction{time: *times.FinishTime, conn: nil, iface: ifaces}
}

func predictPipelinedConnection(tm *simmanager.Manager, transfer *simtransfer.Transfer, conn simconn.Connection) prediction {
	times := tm.PredictTransfer(transfer, conn, nil, DefaultIdleTimeout)
	simassert.True(times.FinishTime != nil, "policy: predicted pipelined transfer never finished")
	return prediction{time: *times.FinishTime, conn: conn, iface: nil}
}

func predictPipelinedConnections(tm *simmanager.Manager, transfer *simtransfer.Transfer, conns []simconn.Connection) prediction {
	best := prediction{time: infinity}
	for _, conn := range conns {
		if conn.Origin() != transfer.Origin || conn.IsSSL() != transfer.SSL {
			continue
		}
		candidate := predictPipelinedConnection(tm, transfer, conn)
		if candidate.time < best.time {
			best = prediction{time: candidate.time, conn: conn}
		}
	}
	return best
}

const infinity = 1e300

// executePrediction commits to prediction: evicting an idle connection first
// if the global connection limit would otherwise be exceeded, then handing
// the transfer to the manager for real.
func executePrediction(tm *simmanager.Manager, p prediction, transfer *simtransfer.Transfer, time float64) {
	simassert.True(!(p.conn != nil && p.iface != nil), "policy: prediction set both conn and ifaces")
	simassert.True(!(p.conn == nil && p.iface == nil), "policy: prediction set neither conn nor ifaces")
	simassert.True(p.time > 0, "policy: prediction finish time must be > 0, got %v", p.time)

	if p.conn != nil {
		simassert.True(p.conn.Origin() == transfer.Origin, "policy: pipelined connection origin mismatch")
		simassert.True(p.conn.IsSSL() == transfer.SSL, "policy: pipelined connection ssl mismatch")
		simassert.True(!p.conn.IsClosed(simevent.NoPredict), "policy: pipelined connection already closed")
	}

	if len(tm.GetBusyConnections())+len(tm.GetIdleConnections()) >= DefaultGlobalLimit {
		if closing := tm.GetClosingCandidate(simevent.NoPredict); closing != nil && closing != p.conn {
			closing.Close(time, simevent.NoPredict)
		}
	}

	tm.ScheduleTransfer(transfer, p.conn, p.iface, DefaultIdleTimeout)
}

// predictor is implemented by every concrete policy: decide where a single
// enabled transfer should go.
type predictor interface {
	predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction
}

// notify is the shared Policy.Notify body: try to schedule every currently
// enabled transfer, returning at once if the global limit is already reached
// and skipping any transfer whose origin is at its host limit; the global
// limit is not re-checked inside the loop (mirrors the reference's notify loop, which bails on the whole batch
// once the global limit is reached but only skips individual transfers that
// are over their host limit).
func notify(tm *simmanager.Manager, time float64, p predictor) {
	enabled := tm.GetEnabledTransfers()
	if len(enabled) == 0 {
		return
	}
	if len(tm.GetBusyConnections()) >= DefaultGlobalLimit {
		return
	}
	for _, transfer := range enabled {
		if len(tm.GetBusyConnectionsForOrigin(transfer.Origin)) >= DefaultHostLimit {
			continue
		}
		prediction := p.predict(tm, transfer)
		if prediction.conn == nil && prediction.iface == nil {
			metrics.EmptyCandidateSetCount.Inc()
			continue
		}
		executePrediction(tm, prediction, transfer, time)
	}
}

// UseOneInterfaceOnly always opens new connections on (or pipelines onto
// existing connections of) a single fixed interface.
type UseOneInterfaceOnly struct {
	tm        *simmanager.Manager
	Interface *siminterface.Interface
}

func NewUseOneInterfaceOnly(iface *siminterface.Interface) *UseOneInterfaceOnly {
	return &UseOneInterfaceOnly{Interface: iface}
}

func (p *UseOneInterfaceOnly) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &UseOneInterfaceOnly{tm: tm, Interface: p.Interface}
}

func (p *UseOneInterfaceOnly) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	newConn := predictNewConnection(tm, transfer, []*siminterface.Interface{p.Interface})
	pipe := predictPipelinedConnections(tm, transfer, connectionsOnInterface(p.Interface))
	if newConn.time < pipe.time {
		return newConn
	}
	return pipe
}

func (p *UseOneInterfaceOnly) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *UseOneInterfaceOnly) Info() string                                { return "UseOneInterfaceOnly(" + p.Interface.Description + ")" }

// connectionsOnInterface returns the subset of iface's attached bandwidth
// consumers that are full connections (i.e. TcpConnection, never an MPTCP
// subflow, which only ever satisfies siminterface.BandwidthConsumer).
func connectionsOnInterface(iface *siminterface.Interface) []simconn.Connection {
	attached := iface.Connections(simevent.NoPredict)
	out := make([]simconn.Connection, 0, len(attached))
	for _, c := range attached {
		if conn, ok := c.(simconn.Connection); ok {
			out = append(out, conn)
		}
	}
	return out
}

// RoundRobin cycles new connections across interfaces in a fixed order,
// independent of load.
type RoundRobin struct {
	tm         *simmanager.Manager
	Interfaces []*siminterface.Interface
	next       int
}

func NewRoundRobin(interfaces []*siminterface.Interface) *RoundRobin {
	return &RoundRobin{Interfaces: interfaces}
}

func (p *RoundRobin) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &RoundRobin{tm: tm, Interfaces: p.Interfaces}
}

func (p *RoundRobin) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	iface := p.Interfaces[p.next]
	result := (&UseOneInterfaceOnly{Interface: iface}).predict(tm, transfer)
	p.next = (p.next + 1) % len(p.Interfaces)
	return result
}

func (p *RoundRobin) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *RoundRobin) Info() string                                { return "RoundRobin(" + joinDescriptions(p.Interfaces) + ")" }

// EarliestArrivalFirst tries every interface independently (new connection
// or pipelining within that interface) and picks whichever finishes first.
type EarliestArrivalFirst struct {
	tm         *simmanager.Manager
	Interfaces []*siminterface.Interface
}

func NewEarliestArrivalFirst(interfaces []*siminterface.Interface) *EarliestArrivalFirst {
	return &EarliestArrivalFirst{Interfaces: interfaces}
}

func (p *EarliestArrivalFirst) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &EarliestArrivalFirst{tm: tm, Interfaces: tm.Interfaces}
}

func (p *EarliestArrivalFirst) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	best := prediction{time: infinity}
	for _, iface := range tm.Interfaces {
		candidate := (&UseOneInterfaceOnly{Interface: iface}).predict(tm, transfer)
		if candidate.time < best.time {
			best = candidate
		}
	}
	return best
}

func (p *EarliestArrivalFirst) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *EarliestArrivalFirst) Info() string                                { return "EarliestArrivalFirst" }

// MptcpFullMeshIFList always opens new MPTCP connections over a fixed,
// caller-supplied subset of interfaces (in that fixed order), or pipelines
// onto any existing connection candidate.
type MptcpFullMeshIFList struct {
	tm         *simmanager.Manager
	Interfaces []*siminterface.Interface
}

func NewMptcpFullMeshIFList(interfaces []*siminterface.Interface) *MptcpFullMeshIFList {
	return &MptcpFullMeshIFList{Interfaces: interfaces}
}

func (p *MptcpFullMeshIFList) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &MptcpFullMeshIFList{tm: tm, Interfaces: p.Interfaces}
}

func (p *MptcpFullMeshIFList) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	newConn := predictNewConnection(tm, transfer, p.Interfaces)
	pipe := predictPipelinedConnections(tm, transfer, tm.GetConnectionCandidates())
	if newConn.time < pipe.time {
		return newConn
	}
	return pipe
}

func (p *MptcpFullMeshIFList) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *MptcpFullMeshIFList) Info() string                                { return "MptcpFullMeshIFList(" + joinDescriptions(p.Interfaces) + ")" }

// MptcpFullMesh opens new MPTCP connections over every interface, in a
// random order, and otherwise pipelines onto any existing candidate.
//
// The reference implementation drew this order with Python's unseeded
// random.sample, making a run's exact interface-attach order (and thus which
// interface opens the first subflow and carries the handshake) irreproducible between
// runs of the same input. Rng lets a caller fix the seed so a report is
// reproducible; pass rand.New(rand.NewSource(time.Now().UnixNano())) to
// keep the reference's effectively-random behavior.
type MptcpFullMesh struct {
	tm         *simmanager.Manager
	Interfaces []*siminterface.Interface
	Rng        *rand.Rand
}

func NewMptcpFullMesh(interfaces []*siminterface.Interface, rng *rand.Rand) *MptcpFullMesh {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &MptcpFullMesh{Interfaces: interfaces, Rng: rng}
}

func (p *MptcpFullMesh) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &MptcpFullMesh{tm: tm, Interfaces: tm.Interfaces, Rng: p.Rng}
}

func (p *MptcpFullMesh) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	shuffled := append([]*siminterface.Interface(nil), tm.Interfaces...)
	p.Rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	newConn := predictNewConnection(tm, transfer, shuffled)
	pipe := predictPipelinedConnections(tm, transfer, tm.GetConnectionCandidates())
	if newConn.time < pipe.time {
		return newConn
	}
	return pipe
}

func (p *MptcpFullMesh) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *MptcpFullMesh) Info() string                                { return "MptcpFullMesh" }

// EarliestArrivalFirstMPTCP is the exhaustive policy: it tries every
// existing connection candidate, every single interface as a new
// connection, and every ordered subset of two or more interfaces as a new
// MPTCP connection (subflow attach order matters: the first interface opens
// the first subflow, which carries the handshake and whose RTT sets the
// connection's demand), and picks whichever finishes soonest.
type EarliestArrivalFirstMPTCP struct {
	tm *simmanager.Manager
}

func NewEarliestArrivalFirstMPTCP() *EarliestArrivalFirstMPTCP {
	return &EarliestArrivalFirstMPTCP{}
}

func (p *EarliestArrivalFirstMPTCP) Prepare(tm *simmanager.Manager) simmanager.Policy {
	return &EarliestArrivalFirstMPTCP{tm: tm}
}

func (p *EarliestArrivalFirstMPTCP) predict(tm *simmanager.Manager, transfer *simtransfer.Transfer) prediction {
	best := predictPipelinedConnections(tm, transfer, tm.GetConnectionCandidates())

	for _, iface := range tm.Interfaces {
		candidate := predictNewConnection(tm, transfer, []*siminterface.Interface{iface})
		if candidate.time < best.time {
			best = candidate
		}
	}

	for _, combo := range combinations(tm.Interfaces, 2, len(tm.Interfaces)) {
		for _, perm := range permutations(combo) {
			candidate := predictNewConnection(tm, transfer, perm)
			if candidate.time < best.time {
				best = candidate
			}
		}
	}

	return best
}

func (p *EarliestArrivalFirstMPTCP) Notify(tm *simmanager.Manager, time float64) { notify(tm, time, p) }
func (p *EarliestArrivalFirstMPTCP) Info() string                                { return "EarliestArrivalFirstMPTCP" }

func joinDescriptions(interfaces []*siminterface.Interface) string {
	s := ""
	for i, iface := range interfaces {
		if i > 0 {
			s += "+"
		}
		s += iface.Description
	}
	return s
}

// combinations returns every way to choose between minSize and maxSize
// elements from items, in their original relative order, mirroring Python's
// itertools.combinations called once per size.
func combinations(items []*siminterface.Interface, minSize, maxSize int) [][]*siminterface.Interface {
	var out [][]*siminterface.Interface
	for size := minSize; size <= maxSize; size++ {
		out = append(out, combinationsOfSize(items, size)...)
	}
	return out
}

func combinationsOfSize(items []*siminterface.Interface, size int) [][]*siminterface.Interface {
	n := len(items)
	if size > n || size == 0 {
		return nil
	}
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	var out [][]*siminterface.Interface
	for {
		combo := make([]*siminterface.Interface, size)
		for i, idx := range indices {
			combo[i] = items[idx]
		}
		out = append(out, combo)

		i := size - 1
		for i >= 0 && indices[i] == i+n-size {
			i--
		}
		if i < 0 {
			break
		}
		indices[i]++
		for j := i + 1; j < size; j++ {
			indices[j] = indices[j-1] + 1
		}
	}
	return out
}

// permutations returns every ordering of items, mirroring
// itertools.permutations.
func permutations(items []*siminterface.Interface) [][]*siminterface.Interface {
	if len(items) == 0 {
		return [][]*siminterface.Interface{{}}
	}
	var out [][]*siminterface.Interface
	for i := range items {
		rest := make([]*siminterface.Interface, 0, len(items)-1)
		rest = append(rest, items[:i]...)
		rest = append(rest, items[i+1:]...)
		for _, perm := range permutations(rest) {
			out = append(out, append([]*siminterface.Interface{items[i]}, perm...))
		}
	}
	return out
}

var (
	_ simmanager.Policy = (*UseOneInterfaceOnly)(nil)
	_ simmanager.Policy = (*RoundRobin)(nil)
	_ simmanager.Policy = (*EarliestArrivalFirst)(nil)
	_ simmanager.Policy = (*MptcpFullMeshIFList)(nil)
	_ simmanager.Policy = (*MptcpFullMesh)(nil)
	_ simmanager.Policy = (*EarliestArrivalFirstMPTCP)(nil)
)
