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

func init() { register(redis{}) }

// redis optimizes a single or sentinel deployment under a cache-like memtier
// workload (20% write, 80% read).
type redis struct{}

const (
	redisBenchSeconds = 60
	redisConfPath     = "/etc/redis/redis.conf"
)

func (redis) Name() string { return "redis" }

func (redis) Space(cloud string) (*space.Space, error) {
	s := &space.Space{Parameters: []space.Parameter{
		{Name: "topology", Tier: space.TierInfra, Values: []string{"single", "sentinel"}},
		{Name: "cpu", Tier: space.TierInfra, Values: space.Strings([]int{2, 4, 8})},
		{Name: "ram_gb", Tier: space.TierInfra, Values: space.Strings([]int{4, 8, 16, 32})},
		{Name: "maxmemory_policy", Tier: space.TierConfig, Values: []string{"allkeys-lru", "volatile-lru"}},
		{Name: "io_threads", Tier: space.TierConfig, Values: space.Strings([]int{1, 2, 4})},
		{Name: "persistence", Tier: space.TierConfig, Values: []string{"none", "rdb"}},
	}}
	return s, s.Validate()
}

func (redis) Metrics() []Metric {
	return []Metric{
		{Name: "ops_per_sec", Direction: Maximize, Unit: "ops/s"},
		{Name: "p99_latency_ms", Direction: Minimize, Unit: "ms"},
		{Name: "cost_efficiency", Direction: Maximize, Unit: "ops/₽/mo"},
	}
}

// NodeCount implements the topology to node count rule: sentinel runs a
// three node quorum.
func (redis) NodeCount(infra trial.InfraConfig) int {
	if infra.Topology == "sentinel" {
		return 3
	}
	return 1
}

func (redis) TerraformVars(infra trial.InfraConfig, enabled bool) map[string]string {
	if !enabled {
		return map[string]string{"redis_enabled": "false"}
	}
	topology := infra.Topology
	if topology == "" {
		topology = "single"
	}
	return map[string]string{
		"redis_enabled":     "true",
		"redis_topology":    topology,
		"redis_node_cpu":    strconv.Itoa(infra.CPU),
		"redis_node_ram_gb": strconv.Itoa(infra.RAMGB),
	}
}

func (redis) BenchInstall() string {
	return "apt-get update && " +
		"apt-get install -y build-essential autoconf automake libpcre3-dev " +
		"libevent-dev pkg-config zlib1g-dev libssl-dev git redis-tools && " +
		"cd /tmp && " +
		"git clone https://github.com/RedisLabs/memtier_benchmark.git && " +
		"cd memtier_benchmark && " +
		"autoreconf -ivf && ./configure && make -j$(nproc) && make install"
}

// redisDirectives maps config parameters to redis.conf directives. The save
// directive is handled separately because its value is a schedule, not a
// scalar.
var redisDirectives = map[string]string{
	"maxmemory_policy": "maxmemory-policy",
	"io_threads":       "io-threads",
}

// ApplyConfig rewrites redis.conf and restarts the server. io-threads cannot
// be changed at runtime, so every config change goes through a restart to
// keep trials uniform.
func (r redis) ApplyConfig(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) error {
	cfg := spec.Config
	var sb strings.Builder
	sb.WriteString("set -e; conf=" + redisConfPath + "; ")
	sb.WriteString(`set_opt() { if grep -q "^$1" "$conf"; then sed -i "s|^$1.*|$1 $2|" "$conf"; else echo "$1 $2" >> "$conf"; fi; }; `)

	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := cfg[k]
		switch {
		case k == "persistence":
			if v == "rdb" {
				sb.WriteString("set_opt save '900 1 300 10'; ")
			} else {
				sb.WriteString("set_opt save ''; ")
			}
		case redisDirectives[k] != "":
			sb.WriteString(fmt.Sprintf("set_opt %s '%s'; ", redisDirectives[k], v))
		default:
			return fmt.Errorf("unknown redis config parameter %q", k)
		}
	}
	sb.WriteString("systemctl restart redis-server")

	res, err := rmt.Run(ctx, eps.ServiceAddr, sb.String(), 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rewriting redis config exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return nil
}

func (redis) CheckReady(ctx context.Context, rmt Remote, eps trial.Endpoints) error {
	res, err := rmt.Run(ctx, eps.ServiceAddr, "redis-cli ping", 20*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || !strings.Contains(res.Output(), "PONG") {
		return fmt.Errorf("redis not answering PING: %s", snippet(res.Output()))
	}
	return nil
}

// Totals     123456.78    98765.43    0.00    1.234    1.111    2.345    5.678    12345.67
var memtierTotals = regexp.MustCompile(
	`Totals\s+([\d.]+)\s+[\d.]+\s+[\d.]+\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)\s+([\d.]+)`)

func (redis) Benchmark(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error) {
	cmd := fmt.Sprintf("memtier_benchmark "+
		"--server=%s --port=6379 "+
		"--clients=50 --threads=4 "+
		"--ratio=1:4 "+
		"--key-pattern=R:R --key-minimum=1 --key-maximum=10000000 "+
		"--data-size=256 "+
		"--test-time=%d "+
		"--hide-histogram 2>&1",
		eps.ServiceAddr, redisBenchSeconds)

	res, err := rmt.Run(ctx, eps.BenchAddr, cmd, (redisBenchSeconds+60)*time.Second)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("memtier_benchmark exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return parseMemtier(res.Output())
}

func parseMemtier(output string) (map[string]float64, error) {
	m := memtierTotals.FindStringSubmatch(output)
	if m == nil {
		return nil, trial.NewParseError("no Totals line in memtier output", output)
	}
	fields := make([]float64, len(m)-1)
	for i, s := range m[1:] {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, trial.NewParseError("bad number in memtier Totals line", output)
		}
		fields[i] = f
	}
	return map[string]float64{
		"ops_per_sec":     fields[0],
		"avg_latency_ms":  fields[1],
		"p50_latency_ms":  fields[2],
		"p99_latency_ms":  fields[3],
		"p999_latency_ms": fields[4],
		"kb_per_sec":      fields[5],
	}, nil
}
