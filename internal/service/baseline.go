/*
Copyright 2026 Damir Manapov

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// System baselines measure the raw machine underneath a service so outlier
// trials can be told apart from outlier VMs. They are recorded as extra
// baseline_* metrics and are never optimization objectives.

// baselineToolsCmd installs fio and sysbench unless already present; the
// service images carry only the service itself, not benchmark tooling.
const baselineToolsCmd = "command -v fio >/dev/null 2>&1 && command -v sysbench >/dev/null 2>&1 || " +
	"{ apt-get update && apt-get install -y fio sysbench; } >/dev/null 2>&1"

// ensureBaselineTools makes fio and sysbench available on a service node.
// Best effort; a failed install just skips the baselines.
func ensureBaselineTools(ctx context.Context, rmt Remote, addr string) bool {
	res, err := rmt.Run(ctx, addr, baselineToolsCmd, 3*time.Minute)
	return err == nil && res.ExitCode == 0
}

const fioBaselineCmd = "fio --name=random_rw --directory=%s --rw=randrw --rwmixread=70 " +
	"--bs=4k --size=256M --numjobs=4 --runtime=20 --time_based --group_reporting " +
	"--stonewall " +
	"--name=seq_read --directory=%s --rw=read " +
	"--bs=1M --size=512M --numjobs=1 --runtime=10 --time_based " +
	"--stonewall " +
	"--name=seq_write --directory=%s --rw=write " +
	"--bs=1M --size=512M --numjobs=1 --runtime=10 --time_based " +
	"--output-format=json 2>/dev/null"

type fioStats struct {
	IOPS  float64 `json:"iops"`
	BW    float64 `json:"bw"`
	LatNS struct {
		Mean float64 `json:"mean"`
	} `json:"lat_ns"`
}

type fioOutput struct {
	Jobs []struct {
		Jobname string   `json:"jobname"`
		Read    fioStats `json:"read"`
		Write   fioStats `json:"write"`
	} `json:"jobs"`
}

// diskBaseline runs the fio random 4K and sequential 1M tests in dir on the
// given host.
func diskBaseline(ctx context.Context, rmt Remote, addr, dir string) (map[string]float64, error) {
	cmd := fmt.Sprintf(fioBaselineCmd, dir, dir, dir)
	res, err := rmt.Run(ctx, addr, cmd, 2*time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("fio exited %d: %s", res.ExitCode, snippet(res.Output()))
	}

	var out fioOutput
	if err := ExtractJSON(res.Output(), &out); err != nil {
		return nil, err
	}

	metrics := map[string]float64{}
	for _, job := range out.Jobs {
		switch {
		case job.Jobname == "random_rw":
			metrics["baseline_rand_read_iops"] = job.Read.IOPS
			metrics["baseline_rand_write_iops"] = job.Write.IOPS
		case job.Jobname == "seq_read":
			metrics["baseline_seq_read_mib_s"] = job.Read.BW / 1024
		case job.Jobname == "seq_write":
			metrics["baseline_seq_write_mib_s"] = job.Write.BW / 1024
		}
	}
	if len(metrics) == 0 {
		return nil, fmt.Errorf("fio output had no recognizable jobs")
	}
	return metrics, nil
}

var (
	sysbenchCPUEvents = regexp.MustCompile(`events per second:\s*([\d.]+)`)
	sysbenchMemRate   = regexp.MustCompile(`([\d.]+)\s*MiB/sec`)
)

// cpuMemBaseline runs the sysbench CPU and memory tests on the given host.
// Partial results are returned; either test may individually fail.
func cpuMemBaseline(ctx context.Context, rmt Remote, addr string) map[string]float64 {
	metrics := map[string]float64{}

	if res, err := rmt.Run(ctx, addr, "sysbench cpu --time=10 run 2>/dev/null", 30*time.Second); err == nil && res.ExitCode == 0 {
		if v, ok := matchFloat(sysbenchCPUEvents, res.Output()); ok {
			metrics["baseline_cpu_events_per_sec"] = v
		}
	}
	if res, err := rmt.Run(ctx, addr, "sysbench memory --memory-block-size=1M --memory-total-size=10G run 2>/dev/null", 60*time.Second); err == nil && res.ExitCode == 0 {
		if v, ok := matchFloat(sysbenchMemRate, res.Output()); ok {
			metrics["baseline_mem_mib_s"] = v
		}
	}
	return metrics
}
