package simconn

import (
	"fmt"

	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

var (
	_ siminterface.BandwidthConsumer = (*TcpConnection)(nil)
	_ simtransfer.ConnRef            = (*TcpConnection)(nil)
	_ simevent.TickListener          = (*TcpConnection)(nil)
	_ Connection                     = (*TcpConnection)(nil)
)

type tcpStorage struct {
	transfers               []*simtransfer.Transfer
	outstandingBytesSum     float64
	transferredBytesSum     float64
	state                   State
	ssState                 SSState
	cwnd                    float64
	availableBw             float64
	desiredBw               float64
	nextEvent               *simevent.Event
	idleTimestamp           *float64
	currTransferFinishTime  *float64
	lastBwUpdate            float64
	lastBwUpdateTransferred float64
}

func newTcpStorage() *tcpStorage {
	return &tcpStorage{ssState: SSNew, cwnd: 10 * MSS}
}

func (s *tcpStorage) clone() *tcpStorage {
	c := *s
	c.transfers = append([]*simtransfer.Transfer(nil), s.transfers...)
	return &c
}

// TcpConnection is a single plain TCP flow: one handshake, one slow-start/CA
// state machine, serving a FIFO of transfers one at a time.
type TcpConnection struct {
	id             int64
	Interface      *siminterface.Interface
	idleTimeout    float64
	ssl            bool
	origin         string
	manager        Manager
	sim            *simevent.Simulator
	log            *simlog.Logger
	handshakeDelay float64

	rStorage *tcpStorage
	pStorage *tcpStorage
	pRun     int
}

// NewTCP constructs a TcpConnection attached to iface. pRun chooses whether
// the connection is born into the real run's state or directly into a
// prediction's (a policy may speculatively create whole new connections).
func NewTCP(id int64, iface *siminterface.Interface, idleTimeout float64, ssl bool, origin string, manager Manager, sim *simevent.Simulator, log *simlog.Logger, pRun int) *TcpConnection {
	simassert.True(idleTimeout > 0, "tcp connection %d: idleTimeout must be > 0", id)
	simassert.True(origin != "", "tcp connection %d: origin must not be empty", id)
	c := &TcpConnection{
		id:          id,
		Interface:   iface,
		idleTimeout: idleTimeout,
		ssl:         ssl,
		origin:      origin,
		manager:     manager,
		sim:         sim,
		log:         log,
		pRun:        pRun,
	}
	c.handshakeDelay = iface.RTT * handshakeMultiplier(ssl)
	if pRun == simevent.NoPredict {
		c.rStorage = newTcpStorage()
	} else {
		c.pStorage = newTcpStorage()
	}
	return c
}

func handshakeMultiplier(ssl bool) float64 {
	if ssl {
		return 4
	}
	return 2
}

// ID identifies the connection, satisfying simtransfer.ConnRef and
// siminterface.BandwidthConsumer's implicit identity comparisons.
func (c *TcpConnection) ID() int64 { return c.id }

func (c *TcpConnection) storageFor(pRun int) *tcpStorage {
	if c.pRun != pRun {
		c.pStorage = c.rStorage.clone()
		c.pRun = pRun
	}
	if pRun == simevent.NoPredict {
		return c.rStorage
	}
	return c.pStorage
}

func (c *TcpConnection) IsIdle(pRun int) bool   { return c.storageFor(pRun).state == StateIdle }
func (c *TcpConnection) IsBusy(pRun int) bool   { return c.storageFor(pRun).state == StateBusy }
func (c *TcpConnection) IsClosed(pRun int) bool { return c.storageFor(pRun).state == StateClosed }
func (c *TcpConnection) IsSSL() bool            { return c.ssl }
func (c *TcpConnection) Origin() string         { return c.origin }

func (c *TcpConnection) IdleTimestamp(pRun int) *float64 { return c.storageFor(pRun).idleTimestamp }

// Connect registers the connection with its interface and the event loop,
// and schedules the handshake-complete event.
func (c *TcpConnection) Connect(time float64, pRun int) {
	st := c.storageFor(pRun)
	st.state = StateIdle
	st.lastBwUpdate = time
	st.lastBwUpdateTransferred = st.transferredBytesSum

	c.Interface.AddConnection(c, pRun)
	c.sim.RegisterTickListener(c, pRun)
	c.checkReplaceEvent(st, simevent.KindHandshake, time+c.handshakeDelay, fmt.Sprintf("handshake delay done on connection id=%d", c.id), pRun)
}

// Close tears the connection down: disables its pending event, detaches it
// from its interface and the tick-listener list, and notifies the manager.
func (c *TcpConnection) Close(time float64, pRun int) {
	st := c.storageFor(pRun)
	simassert.True(st.state != StateClosed, "tcp connection %d: Close called twice", c.id)

	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
	}
	c.sim.UnregisterTickListener(c, pRun)
	c.Interface.RemoveConnection(c, pRun)

	st.state = StateClosed
	c.manager.ClosedConnection(c, time, pRun)
}

// AddTransfer attaches transfer to the connection, starting it immediately
// if the connection is idle or enqueuing it behind the active transfer.
func (c *TcpConnection) AddTransfer(transfer *simtransfer.Transfer, time float64, pRun int) {
	simassert.True(transfer.SSL == c.ssl, "tcp connection %d: transfer %d ssl mismatch", c.id, transfer.ID)
	simassert.True(transfer.IsEnabled(pRun), "tcp connection %d: transfer %d must be ENABLED, got %s", c.id, transfer.ID, transfer.State(pRun))
	st := c.storageFor(pRun)

	st.transfers = append(st.transfers, transfer)
	st.outstandingBytesSum += transfer.OutstandingBytes(pRun)

	switch st.state {
	case StateIdle:
		simassert.True(st.transfers[0] == transfer, "tcp connection %d: idle connection's first transfer isn't the one just added", c.id)
		transfer.Start(c, time, pRun)
		c.manager.StartTransfer(transfer, time, pRun)
		st.state = StateBusy
		c.UpdateDesiredBw(time, pRun)
		c.manager.BusiedConnection(c, time, pRun)
	case StateBusy:
		simassert.True(st.transfers[0] != transfer, "tcp connection %d: busy connection's first transfer is the one just added", c.id)
		transfer.Enqueue(c, time, pRun)
		c.manager.EnqueueTransfer(transfer, time, pRun)
		c.UpdateDesiredBw(time, pRun)
	default:
		simassert.Never("tcp connection %d: AddTransfer on connection in state %s", c.id, st.state)
	}
}

// DesiredBw implements siminterface.BandwidthConsumer.
func (c *TcpConnection) DesiredBw(time float64, pRun int) float64 {
	return c.storageFor(pRun).desiredBw
}

// UpdateDesiredBw recomputes the bandwidth this connection wants based on
// its slow-start state and asks the interface to re-run its allocator if the
// demand actually changed.
func (c *TcpConnection) UpdateDesiredBw(time float64, pRun int) {
	st := c.storageFor(pRun)
	var newDesiredBw float64

	switch st.state {
	case StateBusy:
		switch st.ssState {
		case SSNew:
			newDesiredBw = 0
		case SSSlowStart:
			newDesiredBw = float64(int64(st.cwnd / c.Interface.RTT))
			simassert.True(newDesiredBw != 0, "tcp connection %d: zero desired bandwidth in slow start", c.id)
		case SSCongestionAvoidance:
			newDesiredBw = float64(int64(st.outstandingBytesSum / c.Interface.RTT))
			if newDesiredBw < 1 {
				newDesiredBw = 1
			}
		}
	case StateIdle:
		newDesiredBw = 0
	default:
		simassert.Never("tcp connection %d: UpdateDesiredBw in state %s", c.id, st.state)
	}

	if newDesiredBw != st.desiredBw {
		st.desiredBw = newDesiredBw
		c.Interface.UpdateConnectionBwShare(time, pRun)
	}
}

// SetAvailableBw implements siminterface.BandwidthConsumer: the interface
// calls this after every allocator pass to hand the connection its share.
func (c *TcpConnection) SetAvailableBw(availableBw, time float64, pRun int) {
	st := c.storageFor(pRun)
	if st.availableBw == availableBw && st.ssState != SSSlowStart {
		return
	}

	if st.state == StateIdle || st.ssState == SSNew {
		simassert.True(availableBw == 0, "tcp connection %d: got non-zero bandwidth while idle/new", c.id)
	} else if availableBw == 0 {
		simassert.Never("tcp connection %d: got 0 byte/s bandwidth while busy", c.id)
	}

	st.availableBw = availableBw
	st.lastBwUpdate = time
	st.lastBwUpdateTransferred = st.transferredBytesSum

	if st.state == StateBusy {
		rtt := c.Interface.RTT
		switch st.ssState {
		case SSSlowStart:
			if int64(st.cwnd/rtt) > int64(availableBw) {
				st.ssState = SSCongestionAvoidance
				st.cwnd = availableBw * rtt
				ca := float64(int64(st.outstandingBytesSum / rtt))
				if ca > st.desiredBw {
					st.desiredBw = ca
				}
			}
		case SSCongestionAvoidance:
			st.cwnd = availableBw * rtt
		}
	}

	c.scheduleNextEvent(time, pRun)
}

func (c *TcpConnection) checkReplaceEvent(st *tcpStorage, kind simevent.Kind, nextTime float64, description string, pRun int) {
	if st.nextEvent != nil && st.nextEvent.Time == nextTime && st.nextEvent.Description == description {
		return
	}
	if st.nextEvent != nil {
		st.nextEvent.Disable(pRun)
		st.nextEvent = nil
	}

	event := simevent.NewEvent(nextTime, description, kind, c.id, c.handleEvent)
	st.nextEvent = event
	c.sim.AddEvent(event, pRun)
}

func (c *TcpConnection) scheduleNextEvent(time float64, pRun int) {
	st := c.storageFor(pRun)

	switch {
	case st.state == StateIdle:
		timeout := *st.idleTimestamp + c.idleTimeout
		c.checkReplaceEvent(st, simevent.KindIdleTimeout, timeout, fmt.Sprintf("tear down idle connection: %s", c.Info(pRun)), pRun)
	case st.state == StateBusy && st.ssState == SSSlowStart:
		finish := st.transfers[0].OutstandingBytes(pRun) / st.availableBw
		rtt := c.Interface.RTT
		if finish <= rtt {
			c.checkReplaceEvent(st, simevent.KindTransferFinish, time+finish, fmt.Sprintf("TCP id=%d transfer id=%d finishing in slowstart", c.id, st.transfers[0].ID), pRun)
			t := time + finish
			st.currTransferFinishTime = &t
		} else {
			c.checkReplaceEvent(st, simevent.KindSlowStartRound, time+rtt, fmt.Sprintf("TCP id=%d slowstart round finishing", c.id), pRun)
		}
	case st.state == StateBusy && st.ssState == SSCongestionAvoidance:
		simassert.True(st.availableBw != 0, "tcp connection %d: state=BUSY and availableBw=0", c.id)
		finish := st.transfers[0].OutstandingBytes(pRun) / st.availableBw
		c.checkReplaceEvent(st, simevent.KindTransferFinish, time+finish, fmt.Sprintf("TCP id=%d transfer finishing id=%d in congestion avoidance", c.id, st.transfers[0].ID), pRun)
		t := time + finish
		st.currTransferFinishTime = &t
	default:
		simassert.Never("tcp connection %d: scheduleNextEvent in state %s/%s", c.id, st.state, st.ssState)
	}
}

// handleEvent is the TcpConnection's event handler: the single place the
// NEW->SS transition, slow-start round re-evaluation, transfer completion,
// and idle timeout are all driven from.
func (c *TcpConnection) handleEvent(sim *simevent.Simulator, time float64, pRun int) {
	st := c.storageFor(pRun)
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
			c.UpdateDesiredBw(time, pRun)
			c.manager.IdledConnection(c, time, pRun)
			currTransfer.Finish(c, time, pRun)
			c.manager.FinishTransfer(currTransfer, time, pRun)
		} else {
			st.transfers[0].Start(c, time, pRun)
			c.manager.StartTransfer(st.transfers[0], time, pRun)
			c.UpdateDesiredBw(time, pRun)
			c.scheduleNextEvent(time, pRun)
			currTransfer.Finish(c, time, pRun)
			c.manager.FinishTransfer(currTransfer, time, pRun)
		}
	case st.state == StateBusy && st.ssState == SSSlowStart:
		c.UpdateDesiredBw(time, pRun)
	case st.ssState == SSNew:
		st.ssState = SSSlowStart
		c.UpdateDesiredBw(time, pRun)
	case st.state == StateIdle && st.idleTimestamp != nil && *st.idleTimestamp+c.idleTimeout >= time:
		c.Close(time, pRun)
	default:
		simassert.Never("tcp connection %d: broken state machine state=%s ss=%s", c.id, st.state, st.ssState)
	}
}

// TickTime implements simevent.TickListener: it transfers bytes for the
// active transfer proportional to available bandwidth and elapsed time.
func (c *TcpConnection) TickTime(start, end float64, pRun int) {
	st := c.storageFor(pRun)

	switch st.state {
	case StateBusy:
		currTransfer := st.transfers[0]
		simassert.True(currTransfer.IsActive(pRun), "tcp connection %d: active slot isn't ACTIVE", c.id)

		transferBytes := tickTransferBytes(c.log, st.availableBw, end-start, end, st.lastBwUpdate, st.lastBwUpdateTransferred, st.transferredBytesSum, currTransfer.OutstandingBytes(pRun), st.currTransferFinishTime)

		switch st.ssState {
		case SSNew:
			// no bandwidth yet, nothing to transfer
		case SSSlowStart:
			currTransfer.TransferBytes(transferBytes, pRun)
			st.transferredBytesSum += transferBytes
			st.outstandingBytesSum -= transferBytes
			st.cwnd += transferBytes
		case SSCongestionAvoidance:
			currTransfer.TransferBytes(transferBytes, pRun)
			st.transferredBytesSum += transferBytes
			st.outstandingBytesSum -= transferBytes
		}
	case StateIdle:
		// nothing to do
	default:
		simassert.Never("tcp connection %d: TickTime in state %s", c.id, st.state)
	}
}

// Info renders a short human-readable description, used in log lines and
// idle-timeout event descriptions.
func (c *TcpConnection) Info(pRun int) string {
	st := c.storageFor(pRun)
	active := "-"
	if len(st.transfers) > 0 {
		active = fmt.Sprintf("active transfer id=%d", st.transfers[0].ID)
	}
	sslTag := ""
	if c.ssl {
		sslTag = "(s)"
	}
	return fmt.Sprintf("TCP id=%d %s %s (%s/%s) on %s %s to go %dT %.0fBytes",
		c.id, c.origin, sslTag, st.state, st.ssState, c.Interface.Info(), active, len(st.transfers), st.outstandingBytesSum)
}

// TCPSummary is the wire-format view of a TCP connection.
type TCPSummary struct {
	ID               int64   `json:"id"`
	Type             string  `json:"type"`
	TransferredBytes float64 `json:"transferredBytes"`
	Transfers        []int64 `json:"transfers"`
	Interface        string  `json:"interface"`
}

func (c *TcpConnection) GetSummary(pRun int) TCPSummary {
	st := c.storageFor(pRun)
	ids := make([]int64, len(st.transfers))
	for i, t := range st.transfers {
		ids[i] = t.ID
	}
	return TCPSummary{
		ID:               c.id,
		Type:             "TCP",
		TransferredBytes: st.transferredBytesSum,
		Transfers:        ids,
		Interface:        c.Interface.Description,
	}
}
