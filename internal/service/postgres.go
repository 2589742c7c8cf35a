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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func init() { register(postgres{}) }

// postgres optimizes a single or streaming-replication cluster under the
// standard pgbench TPC-B-like workload.
type postgres struct{}

const (
	pgBenchSeconds = 60
	pgBenchScale   = 50
	pgBenchClients = 50
	pgUser         = "bench"
	pgDatabase     = "bench"
	pgPassword     = "bench"
)

func (postgres) Name() string { return "postgres" }

func (postgres) Space(cloud string) (*space.Space, error) {
	s := &space.Space{Parameters: []space.Parameter{
		{Name: "topology", Tier: space.TierInfra, Values: []string{"single", "cluster"}},
		{Name: "cpu", Tier: space.TierInfra, Values: space.Strings([]int{2, 4, 8, 16})},
		{Name: "ram_gb", Tier: space.TierInfra, Values: space.Strings([]int{4, 8, 16, 32, 64})},
		{Name: "disk_type", Tier: space.TierInfra, ByCloud: map[string][]string{
			"selectel": {"fast"},
			"timeweb":  {"nvme"},
		}},
		{Name: "disk_size_gb", Tier: space.TierInfra, Values: space.Strings([]int{50, 100, 200})},

		{Name: "shared_buffers_pct", Tier: space.TierConfig, Values: space.Strings([]int{15, 20, 25, 30, 35, 40})},
		{Name: "effective_cache_size_pct", Tier: space.TierConfig, Values: space.Strings([]int{50, 60, 70, 75})},
		{Name: "work_mem_mb", Tier: space.TierConfig, Values: space.Strings([]int{4, 16, 32, 64, 128, 256})},
		{Name: "maintenance_work_mem_mb", Tier: space.TierConfig, Values: space.Strings([]int{64, 128, 256, 512, 1024})},
		{Name: "max_connections", Tier: space.TierConfig, Values: space.Strings([]int{50, 100, 200, 500})},
		{Name: "random_page_cost", Tier: space.TierConfig, Values: []string{"1.1", "1.5", "2.0", "4.0"}},
		{Name: "effective_io_concurrency", Tier: space.TierConfig, Values: space.Strings([]int{1, 50, 100, 200})},
		{Name: "wal_buffers_mb", Tier: space.TierConfig, Values: space.Strings([]int{16, 32, 64, 128})},
		{Name: "max_wal_size_gb", Tier: space.TierConfig, Values: space.Strings([]int{1, 2, 4, 8})},
		{Name: "checkpoint_completion_target", Tier: space.TierConfig, Values: []string{"0.5", "0.7", "0.9"}},
		{Name: "max_worker_processes", Tier: space.TierConfig, Values: space.Strings([]int{2, 4, 8})},
		{Name: "max_parallel_workers_per_gather", Tier: space.TierConfig, Values: space.Strings([]int{0, 1, 2, 4})},
	}}
	return s, s.Validate()
}

func (postgres) Metrics() []Metric {
	return []Metric{
		{Name: "tps", Direction: Maximize, Unit: "TPS"},
		{Name: "latency_avg_ms", Direction: Minimize, Unit: "ms"},
		{Name: "cost_efficiency", Direction: Maximize, Unit: "TPS/₽/mo"},
	}
}

func (postgres) NodeCount(infra trial.InfraConfig) int {
	if infra.Topology == "cluster" {
		return 3
	}
	return 1
}

func (postgres) TerraformVars(infra trial.InfraConfig, enabled bool) map[string]string {
	if !enabled {
		return map[string]string{"postgres_enabled": "false"}
	}
	topology := infra.Topology
	if topology == "" {
		topology = "single"
	}
	return map[string]string{
		"postgres_enabled":      "true",
		"postgres_topology":     topology,
		"postgres_node_cpu":     strconv.Itoa(infra.CPU),
		"postgres_node_ram_gb":  strconv.Itoa(infra.RAMGB),
		"postgres_disk_type":    infra.DiskType,
		"postgres_disk_size_gb": strconv.Itoa(infra.DiskSizeGB),
	}
}

func (postgres) BenchInstall() string {
	return "apt-get update && apt-get install -y postgresql-client postgresql-contrib"
}

// pgSetting renders one config parameter into an ALTER SYSTEM value, scaling
// percentage parameters against the node's RAM.
func pgSetting(name, value string, ramGB int) (setting, rendered string, err error) {
	mb := func(pct int) string { return strconv.Itoa(ramGB*1024*pct/100) + "MB" }
	switch name {
	case "shared_buffers_pct":
		pct, err := strconv.Atoi(value)
		if err != nil {
			return "", "", fmt.Errorf("bad %s value %q", name, value)
		}
		return "shared_buffers", mb(pct), nil
	case "effective_cache_size_pct":
		pct, err := strconv.Atoi(value)
		if err != nil {
			return "", "", fmt.Errorf("bad %s value %q", name, value)
		}
		return "effective_cache_size", mb(pct), nil
	case "work_mem_mb":
		return "work_mem", value + "MB", nil
	case "maintenance_work_mem_mb":
		return "maintenance_work_mem", value + "MB", nil
	case "wal_buffers_mb":
		return "wal_buffers", value + "MB", nil
	case "max_wal_size_gb":
		return "max_wal_size", value + "GB", nil
	case "max_connections", "random_page_cost", "effective_io_concurrency",
		"checkpoint_completion_target", "max_worker_processes", "max_parallel_workers_per_gather":
		return name, value, nil
	default:
		return "", "", fmt.Errorf("unknown postgres config parameter %q", name)
	}
}

// ApplyConfig issues ALTER SYSTEM for every setting and restarts the server;
// shared_buffers and the worker settings only take effect after a restart.
func (p postgres) ApplyConfig(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) error {
	keys := make([]string, 0, len(spec.Config))
	for k := range spec.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("set -e; sudo -u postgres psql -v ON_ERROR_STOP=1")
	for _, k := range keys {
		name, value, err := pgSetting(k, spec.Config[k], spec.Infra.RAMGB)
		if err != nil {
			return err
		}
		sb.WriteString(fmt.Sprintf(` -c "ALTER SYSTEM SET %s = '%s'"`, name, value))
	}
	sb.WriteString("; systemctl restart postgresql")

	res, err := rmt.Run(ctx, eps.ServiceAddr, sb.String(), 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("applying postgres settings exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return nil
}

func (postgres) CheckReady(ctx context.Context, rmt Remote, eps trial.Endpoints) error {
	res, err := rmt.Run(ctx, eps.ServiceAddr, "pg_isready -q", 20*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("postgres not accepting connections (pg_isready exit %d)", res.ExitCode)
	}
	return nil
}

var (
	pgbenchTPS     = regexp.MustCompile(`tps = ([\d.]+)`)
	pgbenchLatency = regexp.MustCompile(`latency average = ([\d.]+) ms`)
)

// Benchmark reinitializes the pgbench dataset and runs the standard workload.
// Reinitializing on every trial keeps results comparable after config
// changes that alter the on-disk layout.
func (postgres) Benchmark(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error) {
	env := fmt.Sprintf("PGPASSWORD=%s", pgPassword)
	initCmd := fmt.Sprintf("%s pgbench -i -s %d -h %s -U %s %s 2>&1",
		env, pgBenchScale, eps.ServiceAddr, pgUser, pgDatabase)
	res, err := rmt.Run(ctx, eps.BenchAddr, initCmd, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("pgbench init exited %d: %s", res.ExitCode, snippet(res.Output()))
	}

	runCmd := fmt.Sprintf("%s pgbench -h %s -U %s -c %d -j 4 -T %d %s 2>&1",
		env, eps.ServiceAddr, pgUser, pgBenchClients, pgBenchSeconds, pgDatabase)
	res, err = rmt.Run(ctx, eps.BenchAddr, runCmd, (pgBenchSeconds+120)*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("pgbench exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return parsePgbench(res.Output())
}

func parsePgbench(output string) (map[string]float64, error) {
	tps, ok := matchFloat(pgbenchTPS, output)
	if !ok {
		return nil, trial.NewParseError("no tps line in pgbench output", output)
	}
	metrics := map[string]float64{"tps": tps}
	if lat, ok := matchFloat(pgbenchLatency, output); ok {
		metrics["latency_avg_ms"] = lat
	}
	return metrics, nil
}
