// Command dtsim runs one data-transfer simulation: a HAR capture over one
// or two network interfaces under a chosen scheduling policy, reporting the
// simulated page-load finish time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/fg-inet/dt-simulator-go/har"
	"github.com/fg-inet/dt-simulator-go/report"
	"github.com/fg-inet/dt-simulator-go/runid"
	"github.com/fg-inet/dt-simulator-go/simcli"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simmanager"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	bw1Unit  = flag.String("bw1-unit", "m", "Interface 1 bandwidth unit: m (Mbit/s) or k (Kbit/s)")
	bw1Value = flag.Float64("bw1-value", 8, "Interface 1 bandwidth value")
	rtt1Ms   = flag.Float64("rtt1-ms", 20, "Interface 1 round-trip time, milliseconds")

	bw2Unit  = flag.String("bw2-unit", "m", "Interface 2 bandwidth unit: m (Mbit/s) or k (Kbit/s)")
	bw2Value = flag.Float64("bw2-value", 8, "Interface 2 bandwidth value")
	rtt2Ms   = flag.Float64("rtt2-ms", 20, "Interface 2 round-trip time, milliseconds")

	policyName = flag.String("policy", "eaf", "Scheduling policy: only1-1, only1-2, rr-1, rr-2, eaf, mptcp, mptcp-1, eaf-mptcp")
	mptcpSeed  = flag.Int64("mptcp-seed", 1, "Seed for the mptcp full-mesh policy's interface shuffle")

	harPath  = flag.String("har", "", "Input HAR file path")
	jsonPath = flag.String("output", "", "Output JSON path (default: stdout)")
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	rtx.Must(run(), "simulation run failed")
}

func run() error {
	if *harPath == "" {
		return fmt.Errorf("-har is required")
	}

	logger := simlog.New("dtsim")

	interfaces := []*siminterface.Interface{
		siminterface.New(*rtt1Ms*0.001, simcli.Bandwidth(*bw1Unit, *bw1Value), "if1"),
		siminterface.New(*rtt2Ms*0.001, simcli.Bandwidth(*bw2Unit, *bw2Value), "if2"),
	}

	connIDs := &runid.Counter{}
	transferIDs := &runid.Counter{}

	tm := simmanager.New(nil, logger, connIDs)

	harFile, err := os.Open(*harPath)
	if err != nil {
		return fmt.Errorf("opening har file: %w", err)
	}
	defer harFile.Close()

	if err := har.Load(harFile, false, transferIDs, tm); err != nil {
		return fmt.Errorf("loading har file: %w", err)
	}

	policy := simcli.BuildPolicy(*policyName, interfaces, *mptcpSeed)

	result, finishTime := simmanager.RunTransfers(tm, interfaces, policy, logger)
	if finishTime == nil {
		return fmt.Errorf("run did not converge: no transfer finished")
	}

	out := os.Stdout
	if *jsonPath != "" {
		f, err := os.Create(*jsonPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}
	runSummary := report.BuildRun(result, policy.Info())
	if err := report.WriteJSON(out, runSummary); err != nil {
		return fmt.Errorf("writing json output: %w", err)
	}

	site, date, timeTag := simcli.ParseHarName(*harPath)
	line := report.Line{
		Origin:              site,
		Date:                date,
		TimeTag:             timeTag,
		PolicyInfo:          policy.Info(),
		If1Bandwidth:        interfaces[0].Bandwidth,
		If1RTT:              interfaces[0].RTT,
		If2Bandwidth:        interfaces[1].Bandwidth,
		If2RTT:              interfaces[1].RTT,
		SimulatedFinishTime: *finishTime,
	}
	if err := report.WriteCSVLine(os.Stdout, line); err != nil {
		return fmt.Errorf("writing csv summary: %w", err)
	}

	return nil
}
