// Package simcli holds the small pieces of flag-parsing logic shared by
// cmd/dtsim and cmd/dtsim-batch: bandwidth-unit conversion and the named
// policy catalogue, both lifted straight out of mainSingle.py's argument
// handling.
package simcli

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/m-lab/go/rtx"

	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simmanager"
	"github.com/fg-inet/dt-simulator-go/simpolicy"
)

// Bandwidth converts a (unit, value) pair into bytes/second: m = Mbit/s,
// k = Kbit/s.
func Bandwidth(unit string, value float64) float64 {
	switch unit {
	case "m":
		return value * 1048576 / 8
	case "k":
		return value * 1024 / 8
	default:
		rtx.Must(fmt.Errorf("unknown bandwidth unit %q, want m or k", unit), "invalid bandwidth unit")
		return 0
	}
}

// PolicyNames lists every name BuildPolicy accepts, in the reference
// driver's order.
var PolicyNames = []string{"only1-1", "only1-2", "rr-1", "rr-2", "eaf", "mptcp", "mptcp-1", "eaf-mptcp"}

// BuildPolicy constructs the named scheduling policy over interfaces. seed
// only matters for "mptcp", whose full-mesh subflow assignment is randomized.
func BuildPolicy(name string, interfaces []*siminterface.Interface, seed int64) simmanager.Policy {
	switch name {
	case "only1-1":
		return simpolicy.NewUseOneInterfaceOnly(interfaces[0])
	case "only1-2":
		return simpolicy.NewUseOneInterfaceOnly(interfaces[1])
	case "rr-1":
		return simpolicy.NewRoundRobin(interfaces)
	case "rr-2":
		return simpolicy.NewRoundRobin([]*siminterface.Interface{interfaces[1], interfaces[0]})
	case "eaf":
		return simpolicy.NewEarliestArrivalFirst(interfaces)
	case "mptcp":
		return simpolicy.NewMptcpFullMesh(interfaces, rand.New(rand.NewSource(seed)))
	case "mptcp-1":
		return simpolicy.NewMptcpFullMeshIFList(interfaces)
	case "eaf-mptcp":
		return simpolicy.NewEarliestArrivalFirstMPTCP()
	default:
		rtx.Must(fmt.Errorf("unknown policy %q", name), "invalid policy")
		return nil
	}
}

// ParseHarName splits a HAR file named "<site>+<date>+<time>.har" into its
// three components, matching the reference driver's file naming convention.
// Files that don't follow the convention fall back to the bare basename with
// the other two fields left empty.
func ParseHarName(path string) (site, date, timeTag string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(base, "+")
	if len(parts) == 3 {
		return parts[0], parts[1], parts[2]
	}
	return base, "", ""
}
