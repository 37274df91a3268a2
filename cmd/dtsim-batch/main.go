// Command dtsim-batch runs a list of simulation tasks and reports one CSV
// line per task, the Go-native replacement for the reference's
// generateTasks.py/rerunTasks.py shell-script pipeline (which printed one
// mainSingle.py invocation per bandwidth/rtt/policy combination). Tasks that
// share a HAR file reuse one loaded transfer forest, since simmanager's
// template/clone split makes that safe across policies.
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
	"gopkg.in/yaml.v3"

	"github.com/fg-inet/dt-simulator-go/har"
	"github.com/fg-inet/dt-simulator-go/report"
	"github.com/fg-inet/dt-simulator-go/runid"
	"github.com/fg-inet/dt-simulator-go/simcli"
	"github.com/fg-inet/dt-simulator-go/siminterface"
	"github.com/fg-inet/dt-simulator-go/simlog"
	"github.com/fg-inet/dt-simulator-go/simmanager"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	tasksPath = flag.String("tasks", "", "YAML task list path")
	outputDir = flag.String("output-dir", "", "Directory for per-task JSON output (default: none written)")
	promPort  = flag.String("prom", ":9090", "Prometheus metrics export address and port")
)

// Task is one simulated run: a HAR file plus the interface parameters and
// policy to run it under.
type Task struct {
	HAR       string  `yaml:"har"`
	Bw1Unit   string  `yaml:"bw1Unit"`
	Bw1Value  float64 `yaml:"bw1Value"`
	Rtt1Ms    float64 `yaml:"rtt1Ms"`
	Bw2Unit   string  `yaml:"bw2Unit"`
	Bw2Value  float64 `yaml:"bw2Value"`
	Rtt2Ms    float64 `yaml:"rtt2Ms"`
	Policy    string  `yaml:"policy"`
	MptcpSeed int64   `yaml:"mptcpSeed"`
}

// TaskList is the decoded shape of -tasks.
type TaskList struct {
	Tasks []Task `yaml:"tasks"`
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	rtx.Must(run(), "batch run failed")
}

func run() error {
	if *tasksPath == "" {
		return fmt.Errorf("-tasks is required")
	}

	raw, err := os.ReadFile(*tasksPath)
	if err != nil {
		return fmt.Errorf("reading task list: %w", err)
	}
	var list TaskList
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parsing task list: %w", err)
	}

	logger := simlog.New("dtsim-batch")
	templates := map[string]*simmanager.Manager{}

	for i, task := range list.Tasks {
		template, ok := templates[task.HAR]
		if !ok {
			template, err = loadTemplate(task.HAR, logger)
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			templates[task.HAR] = template
		}

		if err := runTask(template, task, logger); err != nil {
			return fmt.Errorf("task %d (%s): %w", i, task.HAR, err)
		}
	}
	return nil
}

// loadTemplate builds the Manager holding task's HAR file's transfer forest,
// enabled but not yet run: RunTransfers clones it fresh per task so the same
// template can be driven through many policies.
func loadTemplate(harPath string, logger *simlog.Logger) (*simmanager.Manager, error) {
	harFile, err := os.Open(harPath)
	if err != nil {
		return nil, fmt.Errorf("opening har file: %w", err)
	}
	defer harFile.Close()

	tm := simmanager.New(nil, logger, &runid.Counter{})
	if err := har.Load(harFile, false, &runid.Counter{}, tm); err != nil {
		return nil, fmt.Errorf("loading har file: %w", err)
	}
	return tm, nil
}

func runTask(template *simmanager.Manager, task Task, logger *simlog.Logger) error {
	interfaces := []*siminterface.Interface{
		siminterface.New(task.Rtt1Ms*0.001, simcli.Bandwidth(task.Bw1Unit, task.Bw1Value), "if1"),
		siminterface.New(task.Rtt2Ms*0.001, simcli.Bandwidth(task.Bw2Unit, task.Bw2Value), "if2"),
	}
	policy := simcli.BuildPolicy(task.Policy, interfaces, task.MptcpSeed)

	result, finishTime := simmanager.RunTransfers(template, interfaces, policy, logger)
	if finishTime == nil {
		return fmt.Errorf("run did not converge: no transfer finished")
	}

	if *outputDir != "" {
		name := fmt.Sprintf("%s_%s%v_%v-%s%v_%v_%s.sim.json",
			basenameNoExt(task.HAR), task.Bw1Unit, task.Bw1Value, task.Rtt1Ms,
			task.Bw2Unit, task.Bw2Value, task.Rtt2Ms, task.Policy)
		f, err := os.Create(*outputDir + string(os.PathSeparator) + name)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		if err := report.WriteJSON(f, report.BuildRun(result, policy.Info())); err != nil {
			return fmt.Errorf("writing json output: %w", err)
		}
	}

	site, date, timeTag := simcli.ParseHarName(task.HAR)
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
	return report.WriteCSVLine(os.Stdout, line)
}

func basenameNoExt(path string) string {
	site, date, timeTag := simcli.ParseHarName(path)
	if date == "" && timeTag == "" {
		return site
	}
	return site + "+" + date + "+" + timeTag
}
