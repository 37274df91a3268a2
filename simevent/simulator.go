package simevent

import (
	"container/heap"

	"github.com/fg-inet/dt-simulator-go/metrics"
	"github.com/fg-inet/dt-simulator-go/simlog"
)

// TickListener participates in time advancement: every time the simulator
// moves its clock forward between two consecutive events it calls TickTime
// on every registered listener, in registration order, once per pRun.
type TickListener interface {
	TickTime(start, end float64, pRun int)
}

// storage holds everything that must fork when a prediction begins: the
// clock, the event heap, and the list of tick listeners. The real run owns
// exactly one of these; every active prediction owns another, discarded when
// the prediction ends.
type storage struct {
	time      float64
	pRun      int
	queue     eventHeap
	listeners []TickListener
}

func newStorage() *storage {
	return &storage{pRun: NoPredict}
}

func (s *storage) clone() *storage {
	return &storage{
		time:      s.time,
		queue:     s.queue.clone(),
		listeners: append([]TickListener(nil), s.listeners...),
	}
}

// Simulator owns the event heap and drives the main loop one event at a
// time. It supports beginning a speculative prediction run that forks all
// mutable state touched during it and is discarded by the caller via
// EndPrediction.
type Simulator struct {
	rStorage *storage
	pStorage *storage

	pRun     int
	pRunLast int

	seq int64

	Log *simlog.Logger
}

// New creates a Simulator ready for a real run starting at t=0.
func New(log *simlog.Logger) *Simulator {
	if log == nil {
		log = simlog.New("simevent")
	}
	return &Simulator{
		rStorage: newStorage(),
		pRun:     NoPredict,
		pRunLast: -1,
		Log:      log,
	}
}

func (s *Simulator) storageFor(pRun int) *storage {
	if pRun == NoPredict {
		return s.rStorage
	}
	return s.pStorage
}

// Time returns the current simulated clock for pRun.
func (s *Simulator) Time(pRun int) float64 {
	return s.storageFor(pRun).time
}

// PRun returns the currently active prediction id, or NoPredict.
func (s *Simulator) PRun() int { return s.pRun }

// AddEvent enqueues event on the heap belonging to pRun. Events produced for
// a pRun other than the one currently active are dropped as stragglers from
// a prediction that has already been torn down.
func (s *Simulator) AddEvent(event *Event, pRun int) {
	if pRun != s.pRun {
		s.Log.WithRun(event.Time, pRun).Printf("dropping straggler event: %s", event.Description)
		return
	}
	st := s.storageFor(pRun)
	s.seq++
	event.seq = s.seq
	heap.Push(&st.queue, event)
}

// RegisterTickListener adds l to the list of listeners notified as pRun's
// clock advances.
func (s *Simulator) RegisterTickListener(l TickListener, pRun int) {
	st := s.storageFor(pRun)
	st.listeners = append(st.listeners, l)
}

// UnregisterTickListener removes l from pRun's listener list.
func (s *Simulator) UnregisterTickListener(l TickListener, pRun int) {
	st := s.storageFor(pRun)
	for i, existing := range st.listeners {
		if existing == l {
			st.listeners = append(st.listeners[:i], st.listeners[i+1:]...)
			return
		}
	}
}

func (s *Simulator) tick(st *storage, start, end float64, pRun int) {
	if pRun == NoPredict {
		metrics.TickSizeHistogram.Observe(end - start)
	}
	for _, l := range st.listeners {
		l.TickTime(start, end, pRun)
	}
}

func (s *Simulator) run(st *storage, pRun int) {
	for s.pRun == pRun && len(st.queue) > 0 {
		event := heap.Pop(&st.queue).(*Event)
		if event.IsDisabled(pRun) {
			continue
		}

		if event.Time > st.time {
			s.tick(st, st.time, event.Time, pRun)
		}
		st.time = event.Time
		event.handler(s, event.Time, pRun)
	}
}

// RealRun drives the real-run heap until it is empty.
func (s *Simulator) RealRun() {
	s.run(s.rStorage, NoPredict)
}

// BeginPrediction forks the real storage into a fresh prediction storage and
// returns the new monotonically increasing prediction id. Only one
// prediction may be active at a time.
func (s *Simulator) BeginPrediction() int {
	if s.pRun != NoPredict {
		panic("simevent: prediction already active")
	}
	s.pStorage = s.rStorage.clone()
	s.pRunLast++
	s.pStorage.pRun = s.pRunLast
	s.pRun = s.pRunLast
	return s.pRun
}

// PredictionRun drives the prediction heap for pRun until it empties or
// EndPrediction retires pRun early.
func (s *Simulator) PredictionRun(pRun int) {
	if s.pRun != pRun {
		panic("simevent: predictionRun called for inactive pRun")
	}
	s.run(s.pStorage, pRun)
}

// EndPrediction marks pRun finished. Events still addressed to it are
// dropped as stragglers; the real storage is never touched by a prediction.
func (s *Simulator) EndPrediction(pRun int) {
	if s.pRun != pRun {
		panic("simevent: endPrediction called for inactive pRun")
	}
	s.pRunLast = s.pRun
	s.pRun = NoPredict
	s.pStorage = nil
}
