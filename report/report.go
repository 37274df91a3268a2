// Package report serializes a completed run to the two output formats the
// CLI driver produces: a newline-delimited JSON object per run (following
// m-lab/tcp-info's netlink/archival-record.go stdlib-json ArchivalRecord)
// and a single CSV summary line to stdout (following
// m-lab/tcp-info's cmd/csvtool/main.go gocsv.Marshal).
package report

import (
	"encoding/json"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/fg-inet/dt-simulator-go/simconn"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simmanager"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

// Connection is the wire-format view of one connection a run used, TCP or
// MPTCP. Interface is set only for TCP; Subflows only for MPTCP.
type Connection struct {
	ID               int64                    `json:"id"`
	Type             string                   `json:"type"`
	TransferredBytes float64                  `json:"transferredBytes"`
	Transfers        []int64                  `json:"transfers"`
	Interface        string                   `json:"interface,omitempty"`
	Subflows         []simconn.SubflowSummary `json:"subflows,omitempty"`
}

// Run is the full wire-format view of one completed run: policy identity,
// the interfaces it ran over, every connection it opened, and every
// transfer's timing tuple.
type Run struct {
	Policy      string                 `json:"policy"`
	Interfaces  []siminterface.Summary `json:"interfaces"`
	Connections []Connection           `json:"connections"`
	Transfers   []simtransfer.Summary  `json:"transfers"`
}

// BuildRun assembles the wire-format view of a manager that has just
// finished a real run (typically the manager RunTransfers returned),
// labelled with the policy description policyInfo.
func BuildRun(tm *simmanager.Manager, policyInfo string) Run {
	run := Run{
		Policy:      policyInfo,
		Interfaces:  make([]siminterface.Summary, len(tm.Interfaces)),
		Connections: make([]Connection, 0, len(tm.Connections)),
		Transfers:   make([]simtransfer.Summary, 0, len(tm.Transfers())),
	}
	for i, iface := range tm.Interfaces {
		run.Interfaces[i] = iface.GetSummary()
	}
	for _, conn := range tm.Connections {
		run.Connections = append(run.Connections, connectionSummary(conn))
	}
	for _, t := range tm.Transfers() {
		run.Transfers = append(run.Transfers, t.GetSummary())
	}
	return run
}

func connectionSummary(conn simconn.Connection) Connection {
	switch c := conn.(type) {
	case *simconn.TcpConnection:
		s := c.GetSummary(simevent.NoPredict)
		return Connection{ID: s.ID, Type: s.Type, TransferredBytes: s.TransferredBytes, Transfers: s.Transfers, Interface: s.Interface}
	case *simconn.MptcpConnection:
		s := c.GetSummary(simevent.NoPredict)
		return Connection{ID: s.ID, Type: s.Type, TransferredBytes: s.TransferredBytes, Transfers: s.Transfers, Subflows: s.Subflows}
	default:
		return Connection{ID: conn.ID(), Type: "UNKNOWN"}
	}
}

// WriteJSON writes run as one JSON object followed by a newline, so that
// repeated calls (e.g. from cmd/dtsim-batch, one run per task) produce valid
// newline-delimited JSON.
func WriteJSON(w io.Writer, run Run) error {
	enc := json.NewEncoder(w)
	return enc.Encode(run)
}

// Line is the one-line CSV summary the CLI driver prints to stdout alongside
// the JSON run record, one row per policy/interface configuration tested.
type Line struct {
	Origin              string  `csv:"origin"`
	Date                string  `csv:"date"`
	TimeTag             string  `csv:"time-tag"`
	PolicyInfo          string  `csv:"policy-info"`
	If1Bandwidth        float64 `csv:"if1.bw"`
	If1RTT              float64 `csv:"if1.rtt"`
	If2Bandwidth        float64 `csv:"if2.bw"`
	If2RTT              float64 `csv:"if2.rtt"`
	SimulatedFinishTime float64 `csv:"simulatedFinishTime"`
}

// WriteCSVLine writes line without a header row, matching the "one-line
// CSV...to stdout" requirement - a header would be redundant noise on every
// invocation of a CLI meant to be piped into an aggregator.
func WriteCSVLine(w io.Writer, line Line) error {
	return gocsv.MarshalWithoutHeaders([]Line{line}, w)
}
