// Package har parses a HAR (HTTP Archive) capture into the simtransfer
// forest a simmanager.Manager simulates: one Transfer per HAR entry, with
// parent/child edges inferred from finish-before-start ordering, the same
// heuristic the reference harParser.py uses in place of real initiator
// data (a HAR does not reliably record which request triggered which).
package har

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fg-inet/dt-simulator-go/runid"
	"github.com/fg-inet/dt-simulator-go/simevent"
	"github.com/fg-inet/dt-simulator-go/simmanager"
	"github.com/fg-inet/dt-simulator-go/simtransfer"
)

type document struct {
	Log struct {
		Entries []entry `json:"entries"`
	} `json:"log"`
}

type entry struct {
	StartedDateTime string  `json:"startedDateTime"`
	Time            float64 `json:"time"`
	Request         struct {
		URL string `json:"url"`
	} `json:"request"`
	Response struct {
		HeadersSize int64 `json:"headersSize"`
		BodySize    int64 `json:"bodySize"`
		Headers     []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"response"`
	Timings struct {
		Connect float64 `json:"connect"`
		Receive float64 `json:"receive"`
		Wait    float64 `json:"wait"`
		Blocked float64 `json:"blocked"`
		DNS     float64 `json:"dns"`
		Send    float64 `json:"send"`
	} `json:"timings"`
}

func (e *entry) contentLength() int64 {
	for _, h := range e.Response.Headers {
		if h.Name == "Content-Length" {
			var n int64
			if _, err := fmt.Sscanf(h.Value, "%d", &n); err == nil {
				return n
			}
		}
	}
	return 0
}

func (e *entry) bodySize() int64 {
	if e.Response.BodySize > 0 {
		return e.Response.BodySize
	}
	return 0
}

// ErrEmpty is returned when the HAR capture has no entries to simulate.
var ErrEmpty = fmt.Errorf("har: no entries in capture")

// toTransfer builds one Transfer out of a HAR entry, relative to harStart.
// A malformed entry (missing size information) returns a nil transfer and no
// error: the reference skips these with a warning rather than aborting the
// whole capture, and callers should do the same.
func toTransfer(e *entry, harStart time.Time, verification bool, id int64) (*simtransfer.Transfer, error) {
	startedAt, err := time.Parse(time.RFC3339Nano, e.StartedDateTime)
	if err != nil {
		return nil, fmt.Errorf("har: entry %d: parsing startedDateTime %q: %w", id, e.StartedDateTime, err)
	}
	startTime := startedAt.Sub(harStart).Seconds()
	if startTime < 0 {
		return nil, fmt.Errorf("har: entry %d: starts %v before capture start", id, startTime)
	}
	finishTime := startTime + e.Time/1000

	origin, ssl, err := splitOrigin(e.Request.URL)
	if err != nil {
		return nil, err
	}

	bodySize := e.bodySize()
	contentLength := e.contentLength()

	var size int64
	if verification {
		if bodySize > 0 {
			size = bodySize
		} else {
			size = contentLength
		}
	} else {
		if contentLength > 0 {
			size = contentLength
		} else {
			size = bodySize
		}
	}
	size += e.Response.HeadersSize

	if size < 1 {
		return nil, nil
	}

	timings := &simtransfer.ObjectTimings{
		Connect: e.Timings.Connect / 1000,
		Receive: e.Timings.Receive / 1000,
		Wait:    e.Timings.Wait / 1000,
		Blocked: e.Timings.Blocked / 1000,
		DNS:     e.Timings.DNS / 1000,
		Send:    e.Timings.Send / 1000,
	}

	harFinish := finishTime
	return simtransfer.New(id, float64(size), origin, ssl, &startTime, &harFinish, timings), nil
}

func splitOrigin(rawURL string) (origin string, ssl bool, err error) {
	const httpsPrefix = "https://"
	const httpPrefix = "http://"
	ssl = len(rawURL) >= len(httpsPrefix) && rawURL[:len(httpsPrefix)] == httpsPrefix

	rest := rawURL
	if ssl {
		rest = rawURL[len(httpsPrefix):]
	} else if len(rawURL) >= len(httpPrefix) && rawURL[:len(httpPrefix)] == httpPrefix {
		rest = rawURL[len(httpPrefix):]
	} else {
		return "", false, fmt.Errorf("har: request url %q has no http(s) scheme", rawURL)
	}

	for i, c := range rest {
		if c == '/' {
			return rest[:i], ssl, nil
		}
	}
	return rest, ssl, nil
}

// Load parses a HAR capture from r, builds its Transfer forest and registers
// every transfer with tm, enabling the ones with no inferred dependency
// (normally just the first). ids mints transfer identifiers; verification
// selects bodySize over Content-Length as the preferred size source, used by
// the reference's verification mode where captures were taken against an
// instrumented server that reports exact body sizes.
func Load(r io.Reader, verification bool, ids *runid.Counter, tm *simmanager.Manager) error {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("har: decoding capture: %w", err)
	}
	entries := doc.Log.Entries
	if len(entries) == 0 {
		return ErrEmpty
	}

	harStart, err := time.Parse(time.RFC3339Nano, entries[0].StartedDateTime)
	if err != nil {
		return fmt.Errorf("har: parsing capture start time: %w", err)
	}

	transfers := make([]*simtransfer.Transfer, 0, len(entries))
	for i := range entries {
		t, err := toTransfer(&entries[i], harStart, verification, ids.Next())
		if err != nil {
			return err
		}
		if t == nil {
			continue
		}
		transfers = append(transfers, t)
	}
	if len(transfers) == 0 {
		return ErrEmpty
	}

	sort.SliceStable(transfers, func(i, j int) bool {
		return *transfers[i].HarStartTime < *transfers[j].HarStartTime
	})

	tm.AddTransfer(transfers[0])
	tm.EnableTransfer(transfers[0], 0, simevent.NoPredict)

	finishing := append([]*simtransfer.Transfer(nil), transfers...)
	sort.SliceStable(finishing, func(i, j int) bool {
		return *finishing[i].HarFinishTime < *finishing[j].HarFinishTime
	})

	var lastDependency *simtransfer.Transfer
	nextDependency := finishing[0]
	finishing = finishing[1:]

	for _, t := range transfers[1:] {
		tm.AddTransfer(t)

		for nextDependency != nil && *nextDependency.HarFinishTime < *t.HarStartTime {
			lastDependency = nextDependency
			if len(finishing) == 0 {
				nextDependency = nil
				break
			}
			nextDependency = finishing[0]
			finishing = finishing[1:]
		}

		if lastDependency == nil {
			tm.EnableTransfer(t, 0, simevent.NoPredict)
		} else {
			lastDependency.AddChild(t)
			t.Parent = lastDependency
		}
	}

	return nil
}
