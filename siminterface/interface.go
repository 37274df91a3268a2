// Package siminterface models a network path (fixed bandwidth and RTT) and
// implements the max-min bandwidth allocator that arbitrates it among the
// connections currently attached to it.
package siminterface

import (
	"fmt"

	"github.com/fg-inet/dt-simulator-go/metrics"
	"github.com/fg-inet/dt-simulator-go/simassert"
	"github.com/fg-inet/dt-simulator-go/simevent"
)

// BandwidthConsumer is the subset of Connection the arbiter needs: a
// connection's current bandwidth demand, and a way to tell it how much it
// got.
type BandwidthConsumer interface {
	DesiredBw(time float64, pRun int) float64
	SetAvailableBw(bw, time float64, pRun int)
}

type storage struct {
	connections []BandwidthConsumer
}

func (s *storage) clone() *storage {
	return &storage{connections: append([]BandwidthConsumer(nil), s.connections...)}
}

// Interface is a named path with fixed bandwidth (bytes/second) and RTT
// (seconds). Bandwidth is shared among attached connections under a
// max-min fair-share rule.
type Interface struct {
	RTT         float64
	Bandwidth   float64
	Description string

	rStorage *storage
	pStorage *storage
	pRun     int
}

// New creates an Interface. RTT and Bandwidth must be strictly positive and
// Description non-empty — this is asserted, not merely documented, because a
// misconfigured interface corrupts every connection attached to it.
func New(rtt, bandwidth float64, description string) *Interface {
	simassert.True(rtt > 0, "interface rtt must be > 0, got %v", rtt)
	simassert.True(bandwidth > 0, "interface bandwidth must be > 0, got %v", bandwidth)
	simassert.True(description != "", "interface description must not be empty")
	return &Interface{
		RTT:         rtt,
		Bandwidth:   bandwidth,
		Description: description,
		rStorage:    &storage{},
		pRun:        simevent.NoPredict,
	}
}

func (i *Interface) storageFor(pRun int) *storage {
	if pRun == simevent.NoPredict {
		return i.rStorage
	}
	if i.pRun != pRun {
		i.pStorage = i.rStorage.clone()
		i.pRun = pRun
	}
	return i.pStorage
}

// AddConnection attaches c to the interface for pRun.
func (i *Interface) AddConnection(c BandwidthConsumer, pRun int) {
	st := i.storageFor(pRun)
	for _, existing := range st.connections {
		simassert.True(existing != c, "connection already attached to interface %s", i.Description)
	}
	st.connections = append(st.connections, c)
}

// RemoveConnection detaches c from the interface for pRun.
func (i *Interface) RemoveConnection(c BandwidthConsumer, pRun int) {
	st := i.storageFor(pRun)
	for idx, existing := range st.connections {
		if existing == c {
			st.connections = append(st.connections[:idx], st.connections[idx+1:]...)
			return
		}
	}
}

// Connections returns the connections currently attached for pRun.
func (i *Interface) Connections(pRun int) []BandwidthConsumer {
	return i.storageFor(pRun).connections
}

// UpdateConnectionBwShare recomputes every attached connection's available
// bandwidth share under the max-min rule:
//  1. connections with desired==0 (idle) get share 0.
//  2. the remaining connections start as "bandwidth-bound"; any whose desired
//     demand falls at or below the current fair share is reclassified "low"
//     and granted exactly its demand, shrinking the pool the fair share is
//     computed over. Iterate until the share stops changing.
//  3. whatever remains bandwidth-bound gets the final fair share.
func (i *Interface) UpdateConnectionBwShare(time float64, pRun int) {
	st := i.storageFor(pRun)
	if len(st.connections) == 0 {
		return
	}
	metrics.ConnectionCountPerInterface.WithLabelValues(i.Description).Observe(float64(len(st.connections)))

	var idle, boundedConns []BandwidthConsumer
	for _, c := range st.connections {
		desired := c.DesiredBw(time, pRun)
		simassert.True(desired >= 0, "connection has negative desired bandwidth: %v", desired)
		if desired == 0 {
			idle = append(idle, c)
		} else {
			boundedConns = append(boundedConns, c)
		}
	}

	for _, c := range idle {
		c.SetAvailableBw(0, time, pRun)
	}

	var lowSum float64
	var share float64
	maxRounds := len(st.connections)
	round := 0
	for len(boundedConns) > 0 {
		newShare := float64(int((i.Bandwidth - lowSum) / float64(len(boundedConns))))
		if newShare == share {
			break
		}
		simassert.True(round < maxRounds, "bandwidth share computation did not converge on interface %s", i.Description)
		simassert.True(share >= 0, "bandwidth share went negative on interface %s", i.Description)
		share = newShare

		remaining := boundedConns[:0:0]
		for _, c := range boundedConns {
			desired := float64(int(c.DesiredBw(time, pRun)))
			if desired <= share {
				lowSum += desired
				c.SetAvailableBw(desired, time, pRun)
			} else {
				remaining = append(remaining, c)
			}
		}
		boundedConns = remaining
		round++
	}

	for _, c := range boundedConns {
		c.SetAvailableBw(share, time, pRun)
	}
}

// Info renders a short human-readable description of the interface.
func (i *Interface) Info() string {
	return fmt.Sprintf("%s @%.0fB/s %vs", i.Description, i.Bandwidth, i.RTT)
}

// Summary is the wire-format view of an interface, embedded in the run's
// JSON output.
type Summary struct {
	Bandwidth   float64 `json:"bandwidth"`
	RTT         float64 `json:"rtt"`
	Description string  `json:"description"`
}

// GetSummary returns the wire-format view of this interface.
func (i *Interface) GetSummary() Summary {
	return Summary{Bandwidth: i.Bandwidth, RTT: i.RTT, Description: i.Description}
}
