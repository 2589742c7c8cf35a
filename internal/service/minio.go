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
	"strconv"
	"time"

	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func init() { register(minio{}) }

// minio optimizes an object storage cluster under a mixed warp workload
// (60% GET, 25% STAT, 10% PUT, 5% DELETE). Node count, drive layout and
// drive class all live in the infra tier; none can change without recreating
// the cluster.
type minio struct{}

const (
	minioPort      = "9000"
	minioAccessKey = "minioadmin"
	minioSecretKey = "minioadmin123"
	minioDataDir   = "/data1"
	minioAlias     = "bench"
)

func (minio) Name() string { return "minio" }

func (minio) Space(cloud string) (*space.Space, error) {
	s := &space.Space{Parameters: []space.Parameter{
		{Name: "nodes", Tier: space.TierInfra, Values: space.Strings([]int{1, 2, 3, 4})},
		{Name: "cpu", Tier: space.TierInfra, Values: space.Strings([]int{2, 4, 8})},
		{Name: "ram_gb", Tier: space.TierInfra, Values: space.Strings([]int{4, 8, 16, 32})},
		{Name: "drives_per_node", Tier: space.TierInfra, Values: space.Strings([]int{1, 2, 3, 4})},
		{Name: "disk_size_gb", Tier: space.TierInfra, Values: space.Strings([]int{100, 200})},
		{Name: "disk_type", Tier: space.TierInfra, ByCloud: map[string][]string{
			"selectel": {"fast", "universal", "universal2", "basicssd", "basic"},
			"timeweb":  {"nvme", "ssd", "hdd"},
		}},

		{Name: "api_requests_max", Tier: space.TierConfig, Values: space.Strings([]int{0, 100, 200, 400})},
	}}
	return s, s.Validate()
}

func (minio) Metrics() []Metric {
	return []Metric{
		{Name: "total_mib_s", Direction: Maximize, Unit: "MiB/s"},
		{Name: "get_mib_s", Direction: Maximize, Unit: "MiB/s"},
		{Name: "put_mib_s", Direction: Maximize, Unit: "MiB/s"},
		{Name: "cost_efficiency", Direction: Maximize, Unit: "MiB/s/₽/mo"},
	}
}

func (minio) TerraformVars(infra trial.InfraConfig, enabled bool) map[string]string {
	if !enabled {
		return map[string]string{"minio_enabled": "false"}
	}
	return map[string]string{
		"minio_enabled":         "true",
		"minio_nodes":           strconv.Itoa(infra.NodeCount()),
		"minio_node_cpu":        strconv.Itoa(infra.CPU),
		"minio_node_ram_gb":     strconv.Itoa(infra.RAMGB),
		"minio_drives_per_node": strconv.Itoa(infra.DrivesPerNode),
		"minio_drive_size_gb":   strconv.Itoa(infra.DiskSizeGB),
		"minio_drive_type":      infra.DiskType,
	}
}

func (minio) BenchInstall() string {
	return "apt-get update && apt-get install -y fio sysbench curl && " +
		"curl -sL https://github.com/minio/warp/releases/latest/download/warp_Linux_x86_64.tar.gz | " +
		"tar xz -C /usr/local/bin warp && " +
		"curl -sL https://dl.min.io/client/mc/release/linux-amd64/mc -o /usr/local/bin/mc && " +
		"chmod +x /usr/local/bin/mc"
}

// mcAlias registers the deployment with mc on the benchmark VM. Re-running
// it is harmless.
func mcAlias(addr string) string {
	return fmt.Sprintf("mc alias set %s http://%s:%s %s %s",
		minioAlias, addr, minioPort, minioAccessKey, minioSecretKey)
}

// ApplyConfig tunes the API layer through mc admin and restarts the cluster.
func (m minio) ApplyConfig(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) error {
	for k := range spec.Config {
		if k != "api_requests_max" {
			return fmt.Errorf("unknown minio config parameter %q", k)
		}
	}
	v := spec.Config["api_requests_max"]
	if v == "" {
		return nil
	}
	cmd := fmt.Sprintf("%s && mc admin config set %s api requests_max=%s && mc admin service restart %s",
		mcAlias(eps.ServiceAddr), minioAlias, v, minioAlias)
	res, err := rmt.Run(ctx, eps.BenchAddr, cmd, 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mc admin config exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return nil
}

func (minio) CheckReady(ctx context.Context, rmt Remote, eps trial.Endpoints) error {
	cmd := fmt.Sprintf("curl -sf http://%s:%s/minio/health/live", eps.ServiceAddr, minioPort)
	res, err := rmt.Run(ctx, eps.BenchAddr, cmd, 20*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("minio health endpoint not answering (exit %d)", res.ExitCode)
	}
	return nil
}

var (
	warpGET   = regexp.MustCompile(`(?s)Operation:\s*GET.*?Throughput:\s*([\d.]+)\s*MiB/s`)
	warpPUT   = regexp.MustCompile(`(?s)Operation:\s*PUT.*?Throughput:\s*([\d.]+)\s*MiB/s`)
	warpTotal = regexp.MustCompile(`Cluster Total:\s*([\d.]+)\s*MiB/s`)
)

// Benchmark runs warp mixed against the cluster, then records disk and
// CPU/memory baselines from the first service node. Baselines are best
// effort; the warp metrics alone decide the trial.
func (m minio) Benchmark(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error) {
	cmd := fmt.Sprintf("warp mixed "+
		"--host=%s:%s "+
		"--access-key=%s --secret-key=%s "+
		"--get-distrib 60 --stat-distrib 25 --put-distrib 10 --delete-distrib 5 "+
		"--autoterm 2>&1",
		eps.ServiceAddr, minioPort, minioAccessKey, minioSecretKey)

	res, err := rmt.Run(ctx, eps.BenchAddr, cmd, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("warp exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	metrics, err := parseWarp(res.Output())
	if err != nil {
		return nil, err
	}

	if ensureBaselineTools(ctx, rmt, eps.ServiceAddr) {
		if disk, err := diskBaseline(ctx, rmt, eps.ServiceAddr, minioDataDir); err == nil {
			for k, v := range disk {
				metrics[k] = v
			}
		}
		for k, v := range cpuMemBaseline(ctx, rmt, eps.ServiceAddr) {
			metrics[k] = v
		}
	}
	return metrics, nil
}

func parseWarp(output string) (map[string]float64, error) {
	total, ok := matchFloat(warpTotal, output)
	if !ok {
		return nil, trial.NewParseError("no Cluster Total line in warp output", output)
	}
	metrics := map[string]float64{"total_mib_s": total}
	if get, ok := matchFloat(warpGET, output); ok {
		metrics["get_mib_s"] = get
	}
	if put, ok := matchFloat(warpPUT, output); ok {
		metrics["put_mib_s"] = put
	}
	return metrics, nil
}
