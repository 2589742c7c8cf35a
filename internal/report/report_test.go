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

package report

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func redisReport(t *testing.T, metric string) *Report {
	t.Helper()
	svc, err := service.Lookup("redis")
	require.NoError(t, err)
	return &Report{Service: svc, Cloud: "selectel", Metric: metric}
}

func testRecords() []cache.Record {
	return []cache.Record{
		{
			Trial: 1,
			Cloud: "selectel",
			Infra: trial.InfraConfig{CPU: 2, RAMGB: 4, Topology: "single", Nodes: 1},
			Config: trial.ServiceConfig{"io_threads": "1"},
			Metrics: map[string]float64{"ops_per_sec": 40000, "p99_latency_ms": 3.1},
		},
		{
			Trial: 2,
			Cloud: "selectel",
			Infra: trial.InfraConfig{CPU: 8, RAMGB: 16, Topology: "single", Nodes: 1},
			Config: trial.ServiceConfig{"io_threads": "4"},
			Metrics: map[string]float64{"ops_per_sec": 95000, "p99_latency_ms": 1.4},
		},
		{
			// Failed trials never render.
			Trial: 3,
			Cloud: "selectel",
			Infra: trial.InfraConfig{CPU: 4, RAMGB: 8, Topology: "single", Nodes: 1},
			Error: trial.NewError(trial.ErrBenchmarkExecution, "memtier timed out"),
		},
		{
			// The store is shared across clouds; other clouds never render.
			Trial: 4,
			Cloud: "timeweb",
			Infra: trial.InfraConfig{CPU: 2, RAMGB: 4, Topology: "single", Nodes: 1, DiskType: "nvme"},
			Config: trial.ServiceConfig{"io_threads": "2"},
			Metrics: map[string]float64{"ops_per_sec": 99000, "p99_latency_ms": 1.1},
		},
	}
}

func TestRowsRankedByDirection(t *testing.T) {
	r := redisReport(t, "ops_per_sec")
	rows := r.Rows(testRecords())
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Trial, "maximize puts the highest value first")
	assert.Equal(t, 95000.0, rows[0].Value)
	assert.Greater(t, rows[0].Cost, 0.0)
	assert.InDelta(t, rows[0].Value/rows[0].Cost, rows[0].Efficiency, 1e-9)

	r = redisReport(t, "p99_latency_ms")
	rows = r.Rows(testRecords())
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Trial, "minimize puts the lowest value first")
	assert.Equal(t, 1.4, rows[0].Value)
}

func TestRowsFilterByCloud(t *testing.T) {
	r := redisReport(t, "ops_per_sec")
	rows := r.Rows(testRecords())
	for _, row := range rows {
		assert.NotEqual(t, 4, row.Trial, "foreign-cloud records must not render")
	}

	var sb strings.Builder
	require.NoError(t, r.WriteTable(&sb, testRecords()))
	assert.NotContains(t, sb.String(), "99000", "foreign-cloud records must not be ranked or priced")

	// The same records render under their own cloud's report.
	tw := &Report{Service: r.Service, Cloud: "timeweb", Metric: "ops_per_sec"}
	twRows := tw.Rows(testRecords())
	require.Len(t, twRows, 1)
	assert.Equal(t, 4, twRows[0].Trial)
	// 2*220 + 4*180 + 50*5
	assert.InDelta(t, 1410.0, twRows[0].Cost, 1e-9)
}

func TestRowSummary(t *testing.T) {
	row := Row{
		Infra: trial.InfraConfig{
			CPU: 4, RAMGB: 8, Topology: "sentinel", Nodes: 3,
			DiskType: "fast", DiskSizeGB: 100,
		},
		Config: trial.ServiceConfig{"persistence": "none", "io_threads": "2"},
	}
	s := row.Summary()
	assert.Equal(t, "sentinel 3×4cpu/8gb fast/100gb io_threads=2 persistence=none", s)
}

func TestWriteTable(t *testing.T) {
	r := redisReport(t, "ops_per_sec")

	var sb strings.Builder
	require.NoError(t, r.WriteTable(&sb, testRecords()))
	out := sb.String()

	assert.Contains(t, out, "redis results on selectel (2 trials, ranked by ops_per_sec)")
	assert.Contains(t, out, "95000.00")
	assert.Contains(t, out, "Best by ops_per_sec:")
	assert.Contains(t, out, "Best by p99_latency_ms:")
	assert.Contains(t, out, "Best by cost_efficiency:")
	assert.NotContains(t, out, "memtier timed out")
}

func TestWriteTableEmpty(t *testing.T) {
	r := redisReport(t, "ops_per_sec")

	var sb strings.Builder
	require.NoError(t, r.WriteTable(&sb, nil))
	assert.Contains(t, sb.String(), "No results for redis on selectel yet.")
}

func TestMarkdown(t *testing.T) {
	r := redisReport(t, "ops_per_sec")
	md := r.Markdown(testRecords())

	assert.Contains(t, md, "# redis benchmark results — selectel")
	assert.Contains(t, md, "| # | ops_per_sec (ops/s) |")
	assert.Contains(t, md, "| 2 | 95000.00 |")
	assert.Contains(t, md, "- **Best by ops_per_sec:** 95000.00 ops/s")

	assert.Contains(t, r.Markdown(nil), "No results yet.")
}

func TestBestByCostEfficiency(t *testing.T) {
	r := redisReport(t, "ops_per_sec")
	rows := r.Rows(testRecords())

	m, err := service.MetricFor(r.Service, "cost_efficiency")
	require.NoError(t, err)
	best, ok := bestBy(rows, m)
	require.True(t, ok)

	// The cheap small shape wins on efficiency even though the big one wins
	// on raw throughput: 40000/4212 > 95000/(8*655+16*238+50*39).
	assert.Equal(t, 1, best.Trial)
}

func TestExportMarkdown(t *testing.T) {
	dir := t.TempDir()
	r := redisReport(t, "ops_per_sec")
	require.NoError(t, r.ExportMarkdown(dir, testRecords()))

	path := ExportPath(dir, "selectel")
	assert.True(t, strings.HasSuffix(path, "RESULTS_SELECTEL.md"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# redis benchmark results")
}
