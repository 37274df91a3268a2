// Package simmanager owns the bookkeeping a discrete-event run needs beyond
// the connections and transfers themselves: which connections are busy,
// idle or closed, which transfers are waiting to be scheduled, and the
// deep-copy-based machinery a Policy uses to speculatively run a candidate
// decision to completion before committing to it for real.
package simmanager

import (
	"github.com/fg-inet/dt-simulator-go/metrics"
	"github.com/fg-inet/dt-simulator-go/runid"
	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simconn"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

var _ simconn.Manager = (*Manager)(nil)

// Policy is the scheduling decision surface a Manager drives. Prepare binds
// a (possibly stateful, e.g. round-robin) policy instance to one manager and
// must be called exactly once per real run, since RunTransfers deep-copies
// its template manager and needs an independent policy for each copy.
type Policy interface {
	Prepare(tm *Manager) Policy
	Notify(tm *Manager, time float64)
	Info() string
}

// Manager tracks every transfer and connection in one simulation and
// arbitrates scheduling decisions through a Policy. It is deep-copied by
// RunTransfers to turn one template (transfers plus topology) into an
// independently-run simulation.
type Manager struct {
	Policy Policy
	sim    *simevent.Simulator
	log    *simlog.Logger
	ids    *runid.Counter

	FinishTime *float64

	transfers         []*simtransfer.Transfer
	newTransfers      []*simtransfer.Transfer
	enabledTransfers  []*simtransfer.Transfer
	enqueuedTransfers []*simtransfer.Transfer
	activeTransfers   []*simtransfer.Transfer
	finishedTransfers []*simtransfer.Transfer

	Interfaces []*siminterface.Interface

	Connections []simconn.Connection

	busyConnections   map[simconn.Connection]struct{}
	idleConnections   map[simconn.Connection]struct{}
	closedConnections map[simconn.Connection]struct{}
	connectionOrigin  map[string]map[simconn.Connection]struct{}

	pRun      int
	pTransfer *simtransfer.Transfer
}

// New creates an empty Manager driven by sim. ids mints connection ids
// shared by every TcpConnection, MptcpConnection and MPTCP subflow this
// manager ever creates.
func New(sim *simevent.Simulator, log *simlog.Logger, ids *runid.Counter) *Manager {
	return &Manager{
		sim:              sim,
		log:              log,
		ids:              ids,
		pRun:             simevent.NoPredict,
		busyConnections:  map[simconn.Connection]struct{}{},
		idleConnections:  map[simconn.Connection]struct{}{},
		closedConnections: map[simconn.Connection]struct{}{},
		connectionOrigin: map[string]map[simconn.Connection]struct{}{},
	}
}

// clone produces an independent copy of the manager's bookkeeping for
// RunTransfers. Connections are reconstructed fresh by the run itself, so
// those maps start empty, but the transfer forest is the template's input
// data and outlives any single run (a template may be handed to RunTransfers
// many times, once per policy, e.g. from cmd/dtsim-batch): each transfer is
// deep-copied via Transfer.Clone so two runs over the same template never
// share lifecycle state, and Parent/Children are remapped onto the cloned
// set rather than left pointing at the template's originals.
func (m *Manager) clone() *Manager {
	clones := make(map[*simtransfer.Transfer]*simtransfer.Transfer, len(m.transfers))
	remap := func(orig []*simtransfer.Transfer) []*simtransfer.Transfer {
		out := make([]*simtransfer.Transfer, len(orig))
		for i, t := range orig {
			out[i] = clones[t]
		}
		return out
	}

	for _, t := range m.transfers {
		clones[t] = t.Clone()
	}
	for _, t := range m.transfers {
		nt := clones[t]
		if t.Parent != nil {
			nt.Parent = clones[t.Parent]
		}
		for _, child := range t.Children {
			nt.AddChild(clones[child])
		}
	}

	c := &Manager{
		log:               m.log,
		ids:               &runid.Counter{},
		pRun:              simevent.NoPredict,
		transfers:         remap(m.transfers),
		newTransfers:      remap(m.newTransfers),
		enabledTransfers:  remap(m.enabledTransfers),
		enqueuedTransfers: remap(m.enqueuedTransfers),
		activeTransfers:   remap(m.activeTransfers),
		finishedTransfers: remap(m.finishedTransfers),
		busyConnections:   map[simconn.Connection]struct{}{},
		idleConnections:   map[simconn.Connection]struct{}{},
		closedConnections: map[simconn.Connection]struct{}{},
		connectionOrigin:  map[string]map[simconn.Connection]struct{}{},
	}
	return c
}

// Transfers returns every transfer registered with this manager, regardless
// of lifecycle state.
func (m *Manager) Transfers() []*simtransfer.Transfer {
	return m.transfers
}

// IdledConnection implements simconn.Manager.
func (m *Manager) IdledConnection(c simconn.Ref, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: idledConnection notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun != simevent.NoPredict {
		return
	}
	conn := c.(simconn.Connection)
	delete(m.busyConnections, conn)
	if set := m.connectionOrigin[conn.Origin()]; set != nil {
		delete(set, conn)
	}
	m.idleConnections[conn] = struct{}{}
	if m.Policy != nil {
		m.Policy.Notify(m, time)
	}
}

// BusiedConnection implements simconn.Manager.
func (m *Manager) BusiedConnection(c simconn.Ref, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: busiedConnection notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun != simevent.NoPredict {
		return
	}
	conn := c.(simconn.Connection)
	delete(m.idleConnections, conn)
	m.busyConnections[conn] = struct{}{}
	if m.connectionOrigin[conn.Origin()] == nil {
		m.connectionOrigin[conn.Origin()] = map[simconn.Connection]struct{}{}
	}
	m.connectionOrigin[conn.Origin()][conn] = struct{}{}
}

// ClosedConnection implements simconn.Manager.
func (m *Manager) ClosedConnection(c simconn.Ref, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: closedConnection notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun != simevent.NoPredict {
		return
	}
	conn := c.(simconn.Connection)
	if _, ok := m.idleConnections[conn]; ok {
		delete(m.idleConnections, conn)
	} else if _, ok := m.busyConnections[conn]; ok {
		m.log.Printf("got notification that active connection id=%d was closed", conn.ID())
		delete(m.busyConnections, conn)
	} else {
		simassert.Never("manager: closedConnection for a connection that was neither busy nor idle")
	}
	m.closedConnections[conn] = struct{}{}
}

// EnqueueTransfer implements simconn.Manager.
func (m *Manager) EnqueueTransfer(t *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: enqueueTransfer notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun != simevent.NoPredict {
		return
	}
	m.enabledTransfers = removeTransfer(m.enabledTransfers, t)
	m.enqueuedTransfers = append(m.enqueuedTransfers, t)
}

// StartTransfer implements simconn.Manager.
func (m *Manager) StartTransfer(t *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: startTransfer notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun != simevent.NoPredict {
		return
	}
	m.activeTransfers = append(m.activeTransfers, t)
	if containsTransfer(m.enqueuedTransfers, t) {
		m.enqueuedTransfers = removeTransfer(m.enqueuedTransfers, t)
	} else {
		m.enabledTransfers = removeTransfer(m.enabledTransfers, t)
	}
}

// FinishTransfer implements simconn.Manager. On the real run it retires the
// transfer, enables any children it was blocking, and records the overall
// finish time once every transfer has completed; during a prediction it
// ends the prediction the instant the transfer being predicted finishes.
func (m *Manager) FinishTransfer(t *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: finishTransfer notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	if pRun == simevent.NoPredict {
		m.activeTransfers = removeTransfer(m.activeTransfers, t)
		m.finishedTransfers = append(m.finishedTransfers, t)

		for _, child := range t.Children {
			m.EnableTransfer(child, time, pRun)
		}

		if len(m.finishedTransfers) == len(m.transfers) {
			finish := time
			m.FinishTime = &finish
		}
	} else if t == m.pTransfer {
		m.sim.EndPrediction(pRun)
	}
}

func removeTransfer(list []*simtransfer.Transfer, t *simtransfer.Transfer) []*simtransfer.Transfer {
	for i, existing := range list {
		if existing == t {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func containsTransfer(list []*simtransfer.Transfer, t *simtransfer.Transfer) bool {
	for _, existing := range list {
		if existing == t {
			return true
		}
	}
	return false
}

// GetConnectionCandidates returns every connection a transfer could pipeline
// onto: both busy and idle ones (closed connections never take transfers).
func (m *Manager) GetConnectionCandidates() []simconn.Connection {
	candidates := make([]simconn.Connection, 0, len(m.busyConnections)+len(m.idleConnections))
	for c := range m.busyConnections {
		candidates = append(candidates, c)
	}
	for c := range m.idleConnections {
		candidates = append(candidates, c)
	}
	return candidates
}

// GetBusyConnectionsForOrigin returns the busy connections currently open to
// origin, for host-limit enforcement.
func (m *Manager) GetBusyConnectionsForOrigin(origin string) []simconn.Connection {
	set := m.connectionOrigin[origin]
	out := make([]simconn.Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// GetIdleConnections returns every currently idle connection.
func (m *Manager) GetIdleConnections() []simconn.Connection {
	out := make([]simconn.Connection, 0, len(m.idleConnections))
	for c := range m.idleConnections {
		out = append(out, c)
	}
	return out
}

// GetBusyConnections returns every currently busy connection.
func (m *Manager) GetBusyConnections() []simconn.Connection {
	out := make([]simconn.Connection, 0, len(m.busyConnections))
	for c := range m.busyConnections {
		out = append(out, c)
	}
	return out
}

// GetClosingCandidate returns the idle connection that has been idle the
// longest, or nil if none are idle. Used to evict a connection when the
// global connection limit would otherwise be exceeded.
func (m *Manager) GetClosingCandidate(pRun int) simconn.Connection {
	var best simconn.Connection
	var bestIdle float64
	for c := range m.idleConnections {
		ts := c.IdleTimestamp(pRun)
		if ts == nil {
			continue
		}
		if best == nil || *ts < bestIdle {
			best = c
			bestIdle = *ts
		}
	}
	return best
}

// AddTransfer registers a freshly constructed (NEW-state) transfer with the
// manager, ahead of it ever being enabled.
func (m *Manager) AddTransfer(t *simtransfer.Transfer) {
	simassert.True(t.IsNew(simevent.NoPredict), "manager: AddTransfer on transfer %d not in NEW state", t.ID)
	m.transfers = append(m.transfers, t)
	m.newTransfers = append(m.newTransfers, t)
}

// AddTransfers registers every transfer in ts.
func (m *Manager) AddTransfers(ts []*simtransfer.Transfer) {
	for _, t := range ts {
		m.AddTransfer(t)
	}
}

// GetEnabledTransfers returns a snapshot of the transfers currently waiting
// to be scheduled onto a connection.
func (m *Manager) GetEnabledTransfers() []*simtransfer.Transfer {
	return append([]*simtransfer.Transfer(nil), m.enabledTransfers...)
}

// EnableTransfer moves a transfer from NEW to ENABLED and notifies the
// policy that there might be work to schedule. time and pRun have no
// defaults: a caller outside a running simulation (e.g. a HAR loader seeding
// independently-arriving transfers) passes simulated time 0 and
// simevent.NoPredict.
func (m *Manager) EnableTransfer(t *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(pRun == m.pRun, "manager: enableTransfer notified for pRun=%d while active pRun=%d", pRun, m.pRun)
	simassert.True(!t.IsEnabled(pRun), "manager: EnableTransfer on transfer %d already enabled", t.ID)

	if pRun != simevent.NoPredict {
		return
	}

	m.newTransfers = removeTransfer(m.newTransfers, t)
	t.Enable(time, pRun)
	m.enabledTransfers = append(m.enabledTransfers, t)

	if m.sim != nil && m.Policy != nil {
		m.Policy.Notify(m, time)
	}
}

// scheduleTransfer implements the shared core of ScheduleTransfer and
// PredictTransfer: either open a brand new connection over interfaces (a
// single TcpConnection for one interface, an MptcpConnection for several)
// or pipeline onto an existing one, then hand it the transfer.
func (m *Manager) scheduleTransfer(transfer *simtransfer.Transfer, connection simconn.Connection, interfaces []*siminterface.Interface, idleTimeout float64, pRun int) {
	time := m.sim.Time(pRun)

	switch {
	case connection == nil && len(interfaces) > 0:
		id := m.ids.Next()
		if len(interfaces) == 1 {
			tcp := simconn.NewTCP(id, interfaces[0], idleTimeout, transfer.SSL, transfer.Origin, m, m.sim, m.log, pRun)
			connection = tcp
			tcp.Connect(time, pRun)
		} else {
			mp := simconn.NewMPTCP(id, interfaces, idleTimeout, transfer.SSL, transfer.Origin, m, m.sim, m.log, m.ids, pRun)
			connection = mp
			mp.Connect(time, pRun)
		}
		if pRun == simevent.NoPredict {
			m.Connections = append(m.Connections, connection)
		}
	case connection != nil && len(interfaces) == 0:
		simassert.True(!connection.IsClosed(pRun), "manager: scheduleTransfer onto a closed connection")
	default:
		simassert.Never("manager: scheduleTransfer called with both/neither connection and interfaces set")
	}

	connection.AddTransfer(transfer, time, pRun)
}

// ScheduleTransfer commits transfer to connection (pipelining) or to a new
// connection over interfaces, on the real run.
func (m *Manager) ScheduleTransfer(transfer *simtransfer.Transfer, connection simconn.Connection, interfaces []*siminterface.Interface, idleTimeout float64) {
	m.scheduleTransfer(transfer, connection, interfaces, idleTimeout, simevent.NoPredict)
}

// PredictTransfer runs transfer to completion speculatively, on connection
// or a new connection over interfaces, and returns its timing without
// touching the real run's state.
func (m *Manager) PredictTransfer(transfer *simtransfer.Transfer, connection simconn.Connection, interfaces []*siminterface.Interface, idleTimeout float64) simtransfer.Times {
	startTime := m.sim.Time(simevent.NoPredict)
	pRun := m.sim.BeginPrediction()
	m.pRun = pRun
	m.pTransfer = transfer

	m.scheduleTransfer(transfer, connection, interfaces, idleTimeout, pRun)
	m.sim.PredictionRun(pRun)

	times := transfer.Times(pRun)
	if times.FinishTime != nil {
		metrics.PredictionRunHistogram.Observe(*times.FinishTime - startTime)
	}
	m.pRun = simevent.NoPredict
	return times
}

// RunTransfers deep-copies this manager as a template (its transfers,
// already-added via AddTransfer/AddTransfers) onto a fresh Simulator and a
// fresh copy of interfaces, binds policy to it, and runs it to completion.
// The template itself is left untouched; the returned Manager is the one
// that actually ran.
func RunTransfers(template *Manager, interfaces []*siminterface.Interface, policy Policy, log *simlog.Logger) (*Manager, *float64) {
	sim := simevent.New(log)
	tm := template.clone()
	tm.sim = sim
	tm.Interfaces = cloneInterfaces(interfaces)
	tm.Policy = policy.Prepare(tm)
	simassert.True(tm.Policy != nil, "manager: policy.Prepare returned nil")

	tm.Policy.Notify(tm, 0)
	sim.RealRun()

	for _, t := range tm.transfers {
		if !t.IsFinished(simevent.NoPredict) {
			log.Printf("transfer %d not finished", t.ID)
		}
		simassert.True(t.IsFinished(simevent.NoPredict), "manager: transfer %d did not finish", t.ID)
	}

	metrics.RunCount.WithLabelValues(tm.Policy.Info()).Inc()
	if tm.FinishTime != nil {
		metrics.FinishTimeHistogram.Observe(*tm.FinishTime)
	}

	return tm, tm.FinishTime
}

func cloneInterfaces(interfaces []*siminterface.Interface) []*siminterface.Interface {
	out := make([]*siminterface.Interface, len(interfaces))
	for i, iface := range interfaces {
		out[i] = siminterface.New(iface.RTT, iface.Bandwidth, iface.Description)
	}
	return out
}
