package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-lab/go/osx"
	"github.com/m-lab/go/rtx"
)

// a minimal single-entry HAR capture, just enough for runTransfers to
// converge: one request with an explicit Content-Length.
const testHar = `{
  "log": {
    "entries": [
      {
        "startedDateTime": "2020-01-01T00:00:00.000Z",
        "time": 10,
        "request": {"url": "https://example.com/index.html"},
        "response": {
          "headersSize": 0,
          "bodySize": 1024,
          "headers": [{"name": "Content-Length", "value": "1024"}]
        },
        "timings": {"connect": 0, "receive": 0, "wait": 0, "blocked": 0, "dns": 0, "send": 0}
      }
    ]
  }
}`

func TestMain(t *testing.T) {
	portFinder, err := net.Listen("tcp", ":0")
	rtx.Must(err, "Could not open server to discover open ports")
	port := portFinder.Addr().(*net.TCPAddr).Port
	portFinder.Close()

	dir := t.TempDir()
	harPath := filepath.Join(dir, "example.com+20200101+000000.har")
	rtx.Must(os.WriteFile(harPath, []byte(testHar), 0644), "Could not write test har file")
	outPath := filepath.Join(dir, "out.json")

	for _, v := range []struct{ name, val string }{
		{"HAR", harPath},
		{"OUTPUT", outPath},
		{"POLICY", "eaf"},
		{"PROM", fmt.Sprintf(":%d", port)},
	} {
		cleanup := osx.MustSetenv(v.name, v.val)
		defer cleanup()
	}

	main()

	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected output file to be written: %v", err)
	}
}
