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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func init() { register(meilisearch{}) }

// meilisearch optimizes a single-node search engine: index the movies
// dataset, then measure search throughput and latency with a k6 script.
type meilisearch struct{}

const (
	meiliPort     = "7700"
	meiliIndex    = "bench"
	meiliConfPath = "/etc/meilisearch.toml"
	meiliDataset  = "/opt/bench/movies.json"
	meiliScript   = "/opt/bench/search.js"
)

func (meilisearch) Name() string { return "meilisearch" }

func (meilisearch) Space(cloud string) (*space.Space, error) {
	s := &space.Space{Parameters: []space.Parameter{
		{Name: "cpu", Tier: space.TierInfra, Values: space.Strings([]int{2, 4, 8})},
		{Name: "ram_gb", Tier: space.TierInfra, Values: space.Strings([]int{4, 8, 16, 32})},
		{Name: "disk_type", Tier: space.TierInfra, ByCloud: map[string][]string{
			"selectel": {"fast"},
			"timeweb":  {"nvme"},
		}},
		{Name: "disk_size_gb", Tier: space.TierInfra, Values: space.Strings([]int{50, 100})},

		{Name: "max_indexing_memory_pct", Tier: space.TierConfig, Values: space.Strings([]int{30, 50, 70})},
		{Name: "max_indexing_threads", Tier: space.TierConfig, Values: space.Strings([]int{1, 2, 4})},
	}}
	return s, s.Validate()
}

func (meilisearch) Metrics() []Metric {
	return []Metric{
		{Name: "qps", Direction: Maximize, Unit: "QPS"},
		{Name: "p95_ms", Direction: Minimize, Unit: "ms"},
		{Name: "indexing_time", Direction: Minimize, Unit: "s"},
		{Name: "cost_efficiency", Direction: Maximize, Unit: "QPS/₽/mo"},
	}
}

func (meilisearch) TerraformVars(infra trial.InfraConfig, enabled bool) map[string]string {
	if !enabled {
		return map[string]string{"meilisearch_enabled": "false"}
	}
	return map[string]string{
		"meilisearch_enabled":      "true",
		"meilisearch_node_cpu":     strconv.Itoa(infra.CPU),
		"meilisearch_node_ram_gb":  strconv.Itoa(infra.RAMGB),
		"meilisearch_disk_type":    infra.DiskType,
		"meilisearch_disk_size_gb": strconv.Itoa(infra.DiskSizeGB),
	}
}

func (meilisearch) BenchInstall() string {
	return "apt-get update && apt-get install -y curl && " +
		"curl -sL https://github.com/grafana/k6/releases/download/v0.49.0/k6-v0.49.0-linux-amd64.tar.gz | " +
		"tar xz --strip-components=1 -C /usr/local/bin k6-v0.49.0-linux-amd64/k6 && " +
		"mkdir -p /opt/bench && " +
		"curl -sL https://raw.githubusercontent.com/meilisearch/datasets/main/datasets/movies/movies.json " +
		"-o " + meiliDataset + " && " +
		"cat > " + meiliScript + " <<'EOF'\n" + meiliSearchScript + "EOF"
}

// meiliSearchScript is the k6 search workload: 20 virtual users issuing
// rotating-term searches for a fixed duration.
const meiliSearchScript = `import http from 'k6/http';
import { check } from 'k6';

export const options = { vus: 20, duration: '60s' };

const terms = ['love', 'war', 'star', 'night', 'king', 'city', 'dark', 'man'];

export default function () {
  const q = terms[Math.floor(Math.random() * terms.length)];
  const res = http.post(` + "`${__ENV.HOST}/indexes/" + meiliIndex + "/search`" + `,
    JSON.stringify({ q: q, limit: 20 }),
    { headers: { 'Content-Type': 'application/json' } });
  check(res, { 'status 200': (r) => r.status === 200 });
}
`

// ApplyConfig rewrites the indexer settings and restarts meilisearch.
func (m meilisearch) ApplyConfig(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) error {
	keys := make([]string, 0, len(spec.Config))
	for k := range spec.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("set -e; conf=" + meiliConfPath + "; ")
	sb.WriteString(`set_opt() { if grep -q "^$1" "$conf"; then sed -i "s|^$1.*|$1 = $2|" "$conf"; else echo "$1 = $2" >> "$conf"; fi; }; `)
	for _, k := range keys {
		v := spec.Config[k]
		switch k {
		case "max_indexing_memory_pct":
			pct, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("bad max_indexing_memory_pct value %q", v)
			}
			mib := spec.Infra.RAMGB * 1024 * pct / 100
			sb.WriteString(fmt.Sprintf(`set_opt max_indexing_memory '"%d MiB"'; `, mib))
		case "max_indexing_threads":
			sb.WriteString(fmt.Sprintf("set_opt max_indexing_threads %s; ", v))
		default:
			return fmt.Errorf("unknown meilisearch config parameter %q", k)
		}
	}
	sb.WriteString("systemctl restart meilisearch")

	res, err := rmt.Run(ctx, eps.ServiceAddr, sb.String(), 2*time.Minute)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rewriting meilisearch config exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	return nil
}

func (meilisearch) CheckReady(ctx context.Context, rmt Remote, eps trial.Endpoints) error {
	cmd := fmt.Sprintf("curl -sf http://%s:%s/health", eps.ServiceAddr, meiliPort)
	res, err := rmt.Run(ctx, eps.BenchAddr, cmd, 20*time.Second)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("meilisearch health endpoint not answering (exit %d)", res.ExitCode)
	}
	return nil
}

// k6Summary is the subset of k6's --summary-export document we read.
type k6Summary struct {
	Metrics struct {
		HTTPReqs struct {
			Rate float64 `json:"rate"`
		} `json:"http_reqs"`
		HTTPReqDuration map[string]float64 `json:"http_req_duration"`
	} `json:"metrics"`
}

// Benchmark rebuilds the index from scratch, timing it, then runs the k6
// search workload and reads its exported summary.
func (m meilisearch) Benchmark(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error) {
	host := fmt.Sprintf("http://%s:%s", eps.ServiceAddr, meiliPort)

	indexCmd := fmt.Sprintf("set -e; "+
		"curl -s -X DELETE %[1]s/indexes/%[2]s >/dev/null || true; "+
		"curl -sf -X POST %[1]s/indexes -H 'Content-Type: application/json' "+
		`-d '{"uid":"%[2]s","primaryKey":"id"}' >/dev/null; `+
		"curl -sf -X POST %[1]s/indexes/%[2]s/documents -H 'Content-Type: application/json' "+
		"--data-binary @%[3]s >/dev/null; "+
		`until curl -sf '%[1]s/tasks?statuses=enqueued,processing' | grep -q '"total":0'; do sleep 2; done`,
		host, meiliIndex, meiliDataset)

	indexStart := time.Now()
	res, err := rmt.Run(ctx, eps.BenchAddr, indexCmd, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("indexing dataset exited %d: %s", res.ExitCode, snippet(res.Output()))
	}
	indexingTime := time.Since(indexStart).Seconds()

	searchCmd := fmt.Sprintf("k6 run --quiet --summary-export=/tmp/meili-summary.json --env HOST=%s %s >/dev/null 2>&1 && "+
		"cat /tmp/meili-summary.json", host, meiliScript)
	res, err = rmt.Run(ctx, eps.BenchAddr, searchCmd, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("k6 exited %d: %s", res.ExitCode, snippet(res.Output()))
	}

	var summary k6Summary
	if err := ExtractJSON(res.Output(), &summary); err != nil {
		return nil, err
	}
	qps := summary.Metrics.HTTPReqs.Rate
	if qps <= 0 {
		return nil, trial.NewParseError("k6 summary has no request rate", res.Output())
	}
	return map[string]float64{
		"qps":           qps,
		"p95_ms":        summary.Metrics.HTTPReqDuration["p(95)"],
		"indexing_time": indexingTime,
	}, nil
}
