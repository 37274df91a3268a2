// Package simtransfer models a single HTTP object transfer: a fixed-size
// byte stream with an optional parent, moving through the lifecycle
// NEW -> ENABLED -> (ENQUEUED)? -> ACTIVE -> FINISHED.
package simtransfer

import (
	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simevent"
)

// State is a Transfer's position in its lifecycle.
type State int

// Lifecycle states, see package doc.
const (
	StateNew State = iota
	StateEnabled
	StateEnqueued
	StateActive
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEnabled:
		return "ENABLED"
	case StateEnqueued:
		return "ENQUEUED"
	case StateActive:
		return "ACTIVE"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// ConnRef is the minimal view of a connection a Transfer needs to hold as a
// back-reference; avoids an import cycle with simconn.
type ConnRef interface {
	ID() int64
}

// ObjectTimings carries the original HAR per-phase timing breakdown, kept
// for output/debugging only; the simulator never consumes it.
type ObjectTimings struct {
	Connect, Receive, Wait, Blocked, DNS, Send float64
}

// Times is the full per-run timestamp tuple reported in output.
type Times struct {
	EnableTime    *float64 `json:"enableTime"`
	EnqueueTime   *float64 `json:"enqueueTime"`
	StartTime     *float64 `json:"startTime"`
	FinishTime    *float64 `json:"finishTime"`
	HarStartTime  *float64 `json:"harStartTime"`
	HarFinishTime *float64 `json:"harFinishTime"`
}

type storage struct {
	state             State
	outstandingBytes  float64
	connection        ConnRef
	enableTime        *float64
	enqueueTime       *float64
	startTime         *float64
	finishTime        *float64
}

func (s *storage) clone() *storage {
	c := *s
	return &c
}

// Transfer is one HTTP object: an immutable size/origin/ssl triple plus a
// parent link, with per-run mutable lifecycle state that forks under
// prediction exactly like every other simulated object.
type Transfer struct {
	ID            int64
	Size          float64
	Origin        string
	SSL           bool
	HarStartTime  *float64
	HarFinishTime *float64
	Timings       *ObjectTimings

	Parent   *Transfer
	Children []*Transfer

	rStorage *storage
	pStorage *storage
	pRun     int
}

// New constructs a Transfer. size must be positive and origin non-empty;
// these are the external adapter's responsibility to guarantee (malformed
// input is rejected at construction), so violations here are asserted
// rather than returned as an error.
func New(id int64, size float64, origin string, ssl bool, harStart, harFinish *float64, timings *ObjectTimings) *Transfer {
	simassert.True(size > 0, "transfer size must be > 0, got %v", size)
	simassert.True(origin != "", "transfer origin must not be empty")
	return &Transfer{
		ID:            id,
		Size:          size,
		Origin:        origin,
		SSL:           ssl,
		HarStartTime:  harStart,
		HarFinishTime: harFinish,
		Timings:       timings,
		rStorage:      &storage{state: StateNew, outstandingBytes: size},
		pRun:          simevent.NoPredict,
	}
}

// Clone returns an independent copy of t, sharing its immutable fields but
// with its own rStorage, for re-running the same transfer forest under a
// fresh Manager (simmanager.RunTransfers reusing one template across several
// policies). Parent/Children are left nil; the caller remaps them across the
// cloned set, since those links must point at sibling clones, not originals.
func (t *Transfer) Clone() *Transfer {
	return &Transfer{
		ID:            t.ID,
		Size:          t.Size,
		Origin:        t.Origin,
		SSL:           t.SSL,
		HarStartTime:  t.HarStartTime,
		HarFinishTime: t.HarFinishTime,
		Timings:       t.Timings,
		rStorage:      t.rStorage.clone(),
		pRun:          simevent.NoPredict,
	}
}

func (t *Transfer) storageFor(pRun int) *storage {
	if pRun == simevent.NoPredict {
		return t.rStorage
	}
	if t.pRun != pRun {
		t.pStorage = t.rStorage.clone()
		t.pRun = pRun
	}
	return t.pStorage
}

// AddChild appends child to the (append-only) children list.
func (t *Transfer) AddChild(child *Transfer) {
	t.Children = append(t.Children, child)
}

// State returns the transfer's lifecycle state for pRun.
func (t *Transfer) State(pRun int) State { return t.storageFor(pRun).state }

func (t *Transfer) IsNew(pRun int) bool      { return t.State(pRun) == StateNew }
func (t *Transfer) IsEnabled(pRun int) bool  { return t.State(pRun) == StateEnabled }
func (t *Transfer) IsEnqueued(pRun int) bool { return t.State(pRun) == StateEnqueued }
func (t *Transfer) IsActive(pRun int) bool   { return t.State(pRun) == StateActive }
func (t *Transfer) IsFinished(pRun int) bool { return t.State(pRun) == StateFinished }

// OutstandingBytes returns bytes remaining on this transfer for pRun.
func (t *Transfer) OutstandingBytes(pRun int) float64 {
	return t.storageFor(pRun).outstandingBytes
}

// Connection returns the back-reference to the owning connection, if any.
func (t *Transfer) Connection(pRun int) ConnRef {
	return t.storageFor(pRun).connection
}

// Times returns the full timestamp tuple for pRun.
func (t *Transfer) Times(pRun int) Times {
	st := t.storageFor(pRun)
	return Times{
		EnableTime:    st.enableTime,
		EnqueueTime:   st.enqueueTime,
		StartTime:     st.startTime,
		FinishTime:    st.finishTime,
		HarStartTime:  t.HarStartTime,
		HarFinishTime: t.HarFinishTime,
	}
}

// TransferBytes decrements outstanding bytes by amount, which must be
// between 0 and the current outstanding count, and the transfer must be
// ACTIVE.
func (t *Transfer) TransferBytes(amount float64, pRun int) {
	st := t.storageFor(pRun)
	simassert.True(amount >= 0, "transfer %d: negative transferred amount %v", t.ID, amount)
	simassert.True(amount <= st.outstandingBytes, "transfer %d: transferred %v exceeds outstanding %v", t.ID, amount, st.outstandingBytes)
	simassert.True(st.state == StateActive, "transfer %d: byte transfer on non-active transfer (state=%s)", t.ID, st.state)
	st.outstandingBytes -= amount
}

// Enable transitions NEW -> ENABLED, recording enableTime.
func (t *Transfer) Enable(time float64, pRun int) {
	st := t.storageFor(pRun)
	simassert.True(st.state == StateNew, "transfer %d: Enable called in state %s", t.ID, st.state)
	st.state = StateEnabled
	st.enableTime = &time
}

// Enqueue transitions ENABLED -> ENQUEUED on a busy connection.
func (t *Transfer) Enqueue(conn ConnRef, time float64, pRun int) {
	st := t.storageFor(pRun)
	simassert.True(st.state == StateEnabled, "transfer %d: Enqueue called in state %s", t.ID, st.state)
	st.state = StateEnqueued
	st.connection = conn
	st.enqueueTime = &time
}

// Start transitions ENABLED or ENQUEUED -> ACTIVE.
func (t *Transfer) Start(conn ConnRef, time float64, pRun int) {
	st := t.storageFor(pRun)
	simassert.True(st.state == StateEnabled || st.state == StateEnqueued, "transfer %d: Start called in state %s", t.ID, st.state)
	st.state = StateActive
	st.connection = conn
	st.startTime = &time
}

// Finish transitions ACTIVE -> FINISHED once all bytes have transferred.
func (t *Transfer) Finish(conn ConnRef, time float64, pRun int) {
	st := t.storageFor(pRun)
	simassert.True(st.state == StateActive, "transfer %d: Finish called in state %s", t.ID, st.state)
	simassert.True(st.outstandingBytes == 0, "transfer %d: Finish called with %v bytes outstanding", t.ID, st.outstandingBytes)
	simassert.True(st.connection == conn, "transfer %d: Finish called by a connection that isn't the owner", t.ID)
	st.state = StateFinished
	st.finishTime = &time
}

// Summary is the wire-format view of a transfer.
type Summary struct {
	ID       int64   `json:"id"`
	Origin   string  `json:"origin"`
	SSL      bool    `json:"ssl"`
	Size     float64 `json:"size"`
	Children []int64 `json:"children"`
	Times    Times   `json:"times"`
}

// GetSummary returns the wire-format view of this transfer for the real run.
func (t *Transfer) GetSummary() Summary {
	children := make([]int64, len(t.Children))
	for i, c := range t.Children {
		children[i] = c.ID
	}
	return Summary{
		ID:       t.ID,
		Origin:   t.Origin,
		SSL:      t.SSL,
		Size:     t.Size,
		Children: children,
		Times:    t.Times(simevent.NoPredict),
	}
}
