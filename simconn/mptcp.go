package simconn

import (
	"fmt"

	"github.com/fg-inet/dt-simulator-go/runid"
	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

var (
	_ simtransfer.ConnRef            = (*MptcpConnection)(nil)
	_ simevent.TickListener          = (*MptcpConnection)(nil)
	_ Connection                     = (*MptcpConnection)(nil)
	_ siminterface.BandwidthConsumer = (*MptcpSubflow)(nil)
	_ simevent.TickListener          = (*MptcpSubflow)(nil)
)

type mptcpStorage struct {
	transfers               []*simtransfer.Transfer
	outstandingBytesSum     float64
	transferredBytesSum     float64
	state                   State
	availableBw             float64
	desiredBw               float64
	nextEvent               *simevent.Event
	idleTimestamp           *float64
	currTransferFinishTime  *float64
	lastBwUpdate            float64
	lastBwUpdateTransferred float64
	subflows                []*MptcpSubflow
	bwUpdateInProgress      bool
}

func (s *mptcpStorage) clone() *mptcpStorage {
	c := *s
	c.transfers = append([]*simtransfer.Transfer(nil), s.transfers...)
	c.subflows = append([]*MptcpSubflow(nil), s.subflows...)
	return &c
}

// MptcpConnection is the master side of a multipath flow: it owns no
// interface of its own, instead fronting a pool of single-path subflows (one
// per Interface) and aggregating their bandwidth. It never runs slow-start
// itself; that lives entirely in the subflows.
type MptcpConnection struct {
	id          int64
	Interfaces  []*siminterface.Interface
	idleTimeout float64
	ssl         bool
	origin      string
	manager     Manager
	sim         *simevent.Simulator
	log         *simlog.Logger
	ids         *runid.Counter

	rStorage *mptcpStorage
	pStorage *mptcpStorage
	pRun     int
}

// NewMPTCP constructs an MptcpConnection over interfaces (at least one,
// subflows opened in order). ids mints subflow connection ids so that every
// subflow the master ever opens gets a distinct id from the same space the
// manager uses for top-level connections.
func NewMPTCP(id int64, interfaces []*siminterface.Interface, idleTimeout float64, ssl bool, origin string, manager Manager, sim *simevent.Simulator, log *simlog.Logger, ids *runid.Counter, pRun int) *MptcpConnection {
	simassert.True(len(interfaces) > 0, "mptcp connection %d: at least one interface required", id)
	simassert.True(idleTimeout > 0, "mptcp connection %d: idleTimeout must be > 0", id)
	simassert.True(origin != "", "mptcp connection %d: origin must not be empty", id)
	m := &MptcpConnection{
		id:          id,
		Interfaces:  interfaces,
		idleTimeout: idleTimeout,
		ssl:         ssl,
		origin:      origin,
		manager:     manager,
		sim:         sim,
		log:         log,
		ids:         ids,
		pRun:        pRun,
	}
	if pRun == simevent.NoPredict {
		m.rStorage = &mptcpStorage{}
	} else {
		m.pStorage = &mptcpStorage{}
	}
	return m
}

func (m *MptcpConnection) ID() int64      { return m.id }
func (m *MptcpConnection) IsSSL() bool    { return m.ssl }
func (m *MptcpConnection) Origin() string { return m.origin }

func (m *MptcpConnection) storageFor(pRun int) *mptcpStorage {
	if m.pRun != pRun {
		m.pStorage = m.rStorage.clone()
		m.pRun = pRun
	}
	if pRun == simevent.NoPredict {
		return m.rStorage
	}
	return m.pStorage
}

func (m *MptcpConnection) IsIdle(pRun int) bool   { return m.storageFor(pRun).state == StateIdle }
func (m *MptcpConnection) IsBusy(pRun int) bool   { return m.storageFor(pRun).state == StateBusy }
func (m *MptcpConnection) IsClosed(pRun int) bool { return m.storageFor(pRun).state == StateClosed }

// IdleTimestamp is used by the manager to pick an eviction candidate among
// idle connections.
func (m *MptcpConnection) IdleTimestamp(pRun int) *float64 { return m.storageFor(pRun).idleTimestamp }

// DesiredBw is consulted by subflows dropping into congestion avoidance,
// which track the master's aggregate demand rather than their own.
func (m *MptcpConnection) DesiredBw(time float64, pRun int) float64 {
	return m.storageFor(pRun).desiredBw
}

// Connect opens the first subflow on Interfaces[0]; the rest are opened once
// that subflow's handshake completes (see onSubflowHandshakeDone).
func (m *MptcpConnection) Connect(time float64, pRun int) {
	st := m.storageFor(pRun)
	st.state = StateIdle

	handshakeDelay := m.Interfaces[0].RTT * handshakeMultiplier(m.ssl)
	subflow := newMptcpSubflow(m.ids.Next(), m, handshakeDelay, m.Interfaces[0], m.sim, m.log, pRun)
	subflow.Connect(time, pRun)
	st.subflows = append(st.subflows, subflow)

	m.sim.RegisterTickListener(m, pRun)
}

// onSubflowHandshakeDone opens the remaining subflows once the first one is
// ready; every other interface gets a plain (non-SSL-handshake) subflow.
func (m *MptcpConnection) onSubflowHandshakeDone(subflow *MptcpSubflow, time float64, pRun int) {
	st := m.storageFor(pRun)
	if subflow != st.subflows[0] {
		return
	}
	for _, iface := range m.Interfaces[1:] {
		handshakeDelay := iface.RTT * 2
		ns := newMptcpSubflow(m.ids.Next(), m, handshakeDelay, iface, m.sim, m.log, pRun)
		ns.Connect(time, pRun)
		st.subflows = append(st.subflows, ns)
	}
}

// Close tears down every subflow before closing the master itself.
func (m *MptcpConnection) Close(time float64, pRun int) {
	st := m.storageFor(pRun)
	simassert.True(st.state != StateClosed, "mptcp connection %d: Close called twice", m.id)

	for _, sf := range st.subflows {
		sf.Close(time, pRun)
	}
	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
	}
	m.sim.UnregisterTickListener(m, pRun)

	st.state = StateClosed
	m.manager.ClosedConnection(m, time, pRun)
}

// AddTransfer mirrors TcpConnection.AddTransfer; the master's demand is
// aggregate outstanding bytes over the first subflow's RTT, distributed to
// subflows by UpdateDesiredBw.
func (m *MptcpConnection) AddTransfer(transfer *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(transfer.SSL == m.ssl, "mptcp connection %d: transfer %d ssl mismatch", m.id, transfer.ID)
	simassert.True(transfer.IsEnabled(pRun), "mptcp connection %d: transfer %d must be ENABLED, got %s", m.id, transfer.ID, transfer.State(pRun))
	st := m.storageFor(pRun)

	st.transfers = append(st.transfers, transfer)
	st.outstandingBytesSum += transfer.OutstandingBytes(pRun)

	switch st.state {
	case StateIdle:
		simassert.True(st.transfers[0] == transfer, "mptcp connection %d: idle connection's first transfer isn't the one just added", m.id)
		transfer.Start(m, time, pRun)
		m.manager.StartTransfer(transfer, time, pRun)
		st.state = StateBusy
		m.UpdateDesiredBw(time, pRun)
		m.manager.BusiedConnection(m, time, pRun)
	case StateBusy:
		simassert.True(st.transfers[0] != transfer, "mptcp connection %d: busy connection's first transfer is the one just added", m.id)
		transfer.Enqueue(m, time, pRun)
		m.manager.EnqueueTransfer(transfer, time, pRun)
		m.UpdateDesiredBw(time, pRun)
	default:
		simassert.Never("mptcp connection %d: AddTransfer on connection in state %s", m.id, st.state)
	}
}

// UpdateDesiredBw recomputes the master's aggregate demand and, if it
// changed, pushes the update down to every subflow and re-aggregates their
// resulting available bandwidth back up.
func (m *MptcpConnection) UpdateDesiredBw(time float64, pRun int) {
	st := m.storageFor(pRun)
	var newDesiredBw float64

	switch st.state {
	case StateBusy:
		newDesiredBw = float64(int64(st.outstandingBytesSum / m.Interfaces[0].RTT))
		if newDesiredBw < 1 {
			newDesiredBw = 1
		}
	case StateIdle:
		newDesiredBw = 0
	default:
		simassert.Never("mptcp connection %d: UpdateDesiredBw in state %s", m.id, st.state)
	}

	if newDesiredBw != st.desiredBw {
		st.desiredBw = newDesiredBw
		st.bwUpdateInProgress = true
		for _, sf := range st.subflows {
			sf.UpdateDesiredBw(time, pRun)
		}
		st.bwUpdateInProgress = false
		m.UpdateAvailableBw(time, pRun)
	}
}

// setAvailableBw records the master's aggregate bandwidth share and
// re-schedules the active transfer's finish event against it.
func (m *MptcpConnection) setAvailableBw(availableBw, time float64, pRun int) {
	st := m.storageFor(pRun)
	if st.availableBw == availableBw {
		return
	}
	if st.state == StateIdle {
		simassert.True(availableBw == 0, "mptcp connection %d: got non-zero bandwidth while idle", m.id)
	}

	st.availableBw = availableBw
	st.lastBwUpdate = time
	st.lastBwUpdateTransferred = st.transferredBytesSum

	m.scheduleNextEvent(time, pRun)
}

// UpdateAvailableBw re-sums every subflow's current available bandwidth into
// the master's aggregate share. Calls arriving while UpdateDesiredBw is
// mid-fan-out are suppressed: the aggregate is only meaningful once every
// subflow has seen the new demand.
func (m *MptcpConnection) UpdateAvailableBw(time float64, pRun int) {
	st := m.storageFor(pRun)
	if st.bwUpdateInProgress {
		return
	}
	var sum float64
	for _, sf := range st.subflows {
		sum += sf.AvailableBw(pRun)
	}
	m.setAvailableBw(sum, time, pRun)
}

func (m *MptcpConnection) checkReplaceEvent(st *mptcpStorage, kind simevent.Kind, nextTime float64, description string, pRun int) {
	if st.nextEvent != nil && st.nextEvent.Time == nextTime && st.nextEvent.Description == description {
		return
	}
	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
		st.nextEvent = nil
	}

	event := simevent.NewEvent(nextTime, description, kind, m.id, m.handleEvent)
	st.nextEvent = event
	m.sim.AddEvent(event, pRun)
}

func (m *MptcpConnection) scheduleNextEvent(time float64, pRun int) {
	st := m.storageFor(pRun)

	switch {
	case st.state == StateIdle:
		timeout := *st.idleTimestamp + m.idleTimeout
		m.checkReplaceEvent(st, simevent.KindIdleTimeout, timeout, fmt.Sprintf("tear down idle connection: %s", m.Info(pRun)), pRun)
	case st.state == StateBusy && st.availableBw == 0:
		// nothing to schedule until a subflow hands us some bandwidth
	case st.state == StateBusy && st.availableBw > 0:
		finish := st.transfers[0].OutstandingBytes(pRun) / st.availableBw
		m.checkReplaceEvent(st, simevent.KindTransferFinish, time+finish, "transfer finishing in mptcp master", pRun)
		t := time + finish
		st.currTransferFinishTime = &t
	default:
		simassert.Never("mptcp connection %d: scheduleNextEvent in state %s", m.id, st.state)
	}
}

func (m *MptcpConnection) handleEvent(sim *simevent.Simulator, time float64, pRun int) {
	st := m.storageFor(pRun)
	var currTransfer *simtransfer.Transfer
	if len(st.transfers) > 0 {
		currTransfer = st.transfers[0]
	}
	st.nextEvent = nil

	switch {
	case st.state == StateBusy && currTransfer != nil && currTransfer.OutstandingBytes(pRun) == 0:
		st.transfers = st.transfers[1:]
		if len(st.transfers) == 0 {
			st.state = StateIdle
			st.idleTimestamp = &time
			m.UpdateDesiredBw(time, pRun)
			m.manager.IdledConnection(m, time, pRun)
			currTransfer.Finish(m, time, pRun)
			m.manager.FinishTransfer(currTransfer, time, pRun)
		} else {
			st.transfers[0].Start(m, time, pRun)
			m.manager.StartTransfer(st.transfers[0], time, pRun)
			m.UpdateDesiredBw(time, pRun)
			m.scheduleNextEvent(time, pRun)
			currTransfer.Finish(m, time, pRun)
			m.manager.FinishTransfer(currTransfer, time, pRun)
		}
	case st.state == StateIdle && st.idleTimestamp != nil && *st.idleTimestamp+m.idleTimeout >= time:
		m.Close(time, pRun)
	default:
		simassert.Never("mptcp connection %d: broken state machine state=%s", m.id, st.state)
	}
}

// TickTime transfers bytes for the active transfer; unlike subflows, the
// master applies the same drift-correction pass plain TCP does since it is
// the object the transfer's outstanding byte count actually lives on.
func (m *MptcpConnection) TickTime(start, end float64, pRun int) {
	st := m.storageFor(pRun)

	switch st.state {
	case StateBusy:
		currTransfer := st.transfers[0]
		simassert.True(currTransfer.IsActive(pRun), "mptcp connection %d: active slot isn't ACTIVE", m.id)

		transferBytes := tickTransferBytes(m.log, st.availableBw, end-start, end, st.lastBwUpdate, st.lastBwUpdateTransferred, st.transferredBytesSum, currTransfer.OutstandingBytes(pRun), st.currTransferFinishTime)

		currTransfer.TransferBytes(transferBytes, pRun)
		st.transferredBytesSum += transferBytes
		st.outstandingBytesSum -= transferBytes
	case StateIdle:
		// nothing to do
	default:
		simassert.Never("mptcp connection %d: TickTime in state %s", m.id, st.state)
	}
}

// Info renders a short human-readable description.
func (m *MptcpConnection) Info(pRun int) string {
	st := m.storageFor(pRun)
	sslTag := ""
	if m.ssl {
		sslTag = "(s)"
	}
	return fmt.Sprintf("MPTCP id=%d %s %s (%s/*) togo %dT %.0fBytes", m.id, m.origin, sslTag, st.state, len(st.transfers), st.outstandingBytesSum)
}

// MPTCPSummary is the wire-format view of an MPTCP master connection,
// including its subflows.
type MPTCPSummary struct {
	ID               int64            `json:"id"`
	Type             string           `json:"type"`
	TransferredBytes float64          `json:"transferredBytes"`
	Transfers        []int64          `json:"transfers"`
	Subflows         []SubflowSummary `json:"subflows"`
}

func (m *MptcpConnection) GetSummary(pRun int) MPTCPSummary {
	st := m.storageFor(pRun)
	ids := make([]int64, len(st.transfers))
	for i, t := range st.transfers {
		ids[i] = t.ID
	}
	subflows := make([]SubflowSummary, len(st.subflows))
	for i, sf := range st.subflows {
		subflows[i] = sf.GetSummary(pRun)
	}
	return MPTCPSummary{
		ID:               m.id,
		Type:             "MPTCP",
		TransferredBytes: st.transferredBytesSum,
		Transfers:        ids,
		Subflows:         subflows,
	}
}

// subflowStorage is deliberately lighter than tcpStorage: a subflow never
// holds its own transfer queue (the master does) and never needs the drift
// correction bookkeeping a plain TCP connection's TickTime applies, since
// its TickTime only mirrors byte counts for accounting, never the transfer
// itself.
type subflowStorage struct {
	state               State
	ssState             SSState
	cwnd                float64
	availableBw         float64
	desiredBw           float64
	nextEvent           *simevent.Event
	transferredBytesSum float64
	outstandingBytesSum float64
}

func newSubflowStorage() *subflowStorage {
	return &subflowStorage{ssState: SSNew, cwnd: 10 * MSS}
}

func (s *subflowStorage) clone() *subflowStorage {
	c := *s
	return &c
}

// MptcpSubflow is one path of an MptcpConnection: it runs its own
// slow-start/CA state machine and attaches to its own Interface exactly like
// a plain TcpConnection, but never carries a transfer queue and never
// notifies the manager directly — only the master the manager actually
// tracks does that.
type MptcpSubflow struct {
	id             int64
	master         *MptcpConnection
	Interface      *siminterface.Interface
	handshakeDelay float64
	sim            *simevent.Simulator
	log            *simlog.Logger

	rStorage *subflowStorage
	pStorage *subflowStorage
	pRun     int
}

func newMptcpSubflow(id int64, master *MptcpConnection, handshakeDelay float64, iface *siminterface.Interface, sim *simevent.Simulator, log *simlog.Logger, pRun int) *MptcpSubflow {
	sf := &MptcpSubflow{
		id:             id,
		master:         master,
		Interface:      iface,
		handshakeDelay: handshakeDelay,
		sim:            sim,
		log:            log,
		pRun:           pRun,
	}
	if pRun == simevent.NoPredict {
		sf.rStorage = newSubflowStorage()
	} else {
		sf.pStorage = newSubflowStorage()
	}
	return sf
}

func (sf *MptcpSubflow) ID() int64 { return sf.id }

func (sf *MptcpSubflow) storageFor(pRun int) *subflowStorage {
	if sf.pRun != pRun {
		sf.pStorage = sf.rStorage.clone()
		sf.pRun = pRun
	}
	if pRun == simevent.NoPredict {
		return sf.rStorage
	}
	return sf.pStorage
}

// AvailableBw is read by the master when re-aggregating subflow shares.
func (sf *MptcpSubflow) AvailableBw(pRun int) float64 { return sf.storageFor(pRun).availableBw }

// Connect registers the subflow with its own interface and schedules its
// handshake-complete event, exactly like a plain TCP connection's Connect.
func (sf *MptcpSubflow) Connect(time float64, pRun int) {
	st := sf.storageFor(pRun)
	st.state = StateIdle

	sf.Interface.AddConnection(sf, pRun)
	sf.sim.RegisterTickListener(sf, pRun)
	sf.checkReplaceEvent(st, simevent.KindSubflowHandshake, time+sf.handshakeDelay, fmt.Sprintf("mptcp subflow id=%d handshake delay done", sf.id), pRun)
}

// Close tears the subflow down; it never calls back into the manager, only
// the master does.
func (sf *MptcpSubflow) Close(time float64, pRun int) {
	st := sf.storageFor(pRun)
	simassert.True(st.state != StateClosed, "mptcp subflow %d: Close called twice", sf.id)

	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
	}
	sf.sim.UnregisterTickListener(sf, pRun)
	sf.Interface.RemoveConnection(sf, pRun)
	st.state = StateClosed
}

// DesiredBw implements siminterface.BandwidthConsumer.
func (sf *MptcpSubflow) DesiredBw(time float64, pRun int) float64 {
	return sf.storageFor(pRun).desiredBw
}

// UpdateDesiredBw derives busy/idle from the master rather than from its own
// transfer queue (it has none), and in congestion avoidance tracks the
// master's aggregate demand instead of a per-subflow outstanding count.
func (sf *MptcpSubflow) UpdateDesiredBw(time float64, pRun int) {
	st := sf.storageFor(pRun)
	var newDesiredBw float64

	switch {
	case sf.master.IsBusy(pRun):
		st.state = StateBusy
		switch st.ssState {
		case SSNew:
			newDesiredBw = 0
		case SSSlowStart:
			newDesiredBw = float64(int64(st.cwnd / sf.Interface.RTT))
		case SSCongestionAvoidance:
			newDesiredBw = sf.master.DesiredBw(time, pRun)
		}
	case sf.master.IsIdle(pRun):
		st.state = StateIdle
		newDesiredBw = 0
	default:
		simassert.Never("mptcp subflow %d: UpdateDesiredBw with master in neither busy nor idle state", sf.id)
	}

	if newDesiredBw != st.desiredBw {
		st.desiredBw = newDesiredBw
		sf.Interface.UpdateConnectionBwShare(time, pRun)
	}
}

// SetAvailableBw implements siminterface.BandwidthConsumer.
func (sf *MptcpSubflow) SetAvailableBw(availableBw, time float64, pRun int) {
	st := sf.storageFor(pRun)
	if st.availableBw == availableBw && st.ssState != SSSlowStart {
		return
	}
	st.availableBw = availableBw

	if sf.master.IsIdle(pRun) || st.ssState == SSNew {
		simassert.True(availableBw == 0, "mptcp subflow %d: got non-zero bandwidth while idle/new", sf.id)
	} else if sf.master.IsBusy(pRun) {
		rtt := sf.Interface.RTT
		switch st.ssState {
		case SSSlowStart:
			if int64(st.cwnd/rtt) > int64(availableBw) {
				st.ssState = SSCongestionAvoidance
				st.cwnd = availableBw * rtt
				masterDesired := sf.master.DesiredBw(time, pRun)
				if masterDesired > st.desiredBw {
					st.desiredBw = masterDesired
				}
			}
		case SSCongestionAvoidance:
			st.cwnd = availableBw * rtt
		}
	}

	sf.master.UpdateAvailableBw(time, pRun)
	sf.scheduleNextEvent(time, pRun)
}

func (sf *MptcpSubflow) checkReplaceEvent(st *subflowStorage, kind simevent.Kind, nextTime float64, description string, pRun int) {
	if st.nextEvent != nil && st.nextEvent.Time == nextTime && st.nextEvent.Description == description {
		return
	}
	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
		st.nextEvent = nil
	}

	event := simevent.NewEvent(nextTime, description, kind, sf.id, sf.handleEvent)
	st.nextEvent = event
	sf.sim.AddEvent(event, pRun)
}

// scheduleNextEvent only ever arms a slow-start round timer; the master
// owns the idle-timeout and transfer-finish events.
func (sf *MptcpSubflow) scheduleNextEvent(time float64, pRun int) {
	st := sf.storageFor(pRun)
	if sf.master.IsBusy(pRun) && st.ssState == SSSlowStart {
		rtt := sf.Interface.RTT
		sf.checkReplaceEvent(st, simevent.KindSlowStartRound, time+rtt, fmt.Sprintf("mptcp subflow id=%d slowstart round finishing", sf.id), pRun)
	} else if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
		st.nextEvent = nil
	}
}

func (sf *MptcpSubflow) handleEvent(sim *simevent.Simulator, time float64, pRun int) {
	st := sf.storageFor(pRun)
	st.nextEvent = nil

	switch {
	case sf.master.IsBusy(pRun) && st.ssState == SSSlowStart:
		sf.UpdateDesiredBw(time, pRun)
	case st.ssState == SSNew:
		st.ssState = SSSlowStart
		sf.master.onSubflowHandshakeDone(sf, time, pRun)
		sf.UpdateDesiredBw(time, pRun)
	default:
		simassert.Never("mptcp subflow %d: broken state machine ss=%s", sf.id, st.ssState)
	}
}

// TickTime mirrors byte-count bookkeeping only; the transfer itself lives on
// the master and is advanced there.
func (sf *MptcpSubflow) TickTime(start, end float64, pRun int) {
	st := sf.storageFor(pRun)

	switch st.state {
	case StateBusy:
		transferBytes := float64(int64(st.availableBw * (end - start)))
		switch st.ssState {
		case SSNew:
			// no bandwidth yet
		case SSSlowStart:
			st.transferredBytesSum += transferBytes
			st.outstandingBytesSum -= transferBytes
			st.cwnd += transferBytes
		case SSCongestionAvoidance:
			st.transferredBytesSum += transferBytes
			st.outstandingBytesSum -= transferBytes
		}
	case StateIdle:
		// nothing to do
	default:
		simassert.Never("mptcp subflow %d: TickTime in state %s", sf.id, st.state)
	}
}

// SubflowSummary is the wire-format view of one subflow, embedded in its
// master's Summary.
type SubflowSummary struct {
	ID               int64   `json:"id"`
	TransferredBytes float64 `json:"transferredBytes"`
	Interface        string  `json:"interface"`
}

func (sf *MptcpSubflow) GetSummary(pRun int) SubflowSummary {
	st := sf.storageFor(pRun)
	return SubflowSummary{
		ID:               sf.id,
		TransferredBytes: st.transferredBytesSum,
		Interface:        sf.Interface.Description,
	}
}
