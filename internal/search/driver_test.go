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

package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// scriptedSuggest resolves parameters from a fixed script and records every
// request the driver makes to the oracle.
type scriptedSuggest struct {
	script  map[string]string
	choices map[string][]string
}

func (s *scriptedSuggest) suggest(name string, choices []string) (string, error) {
	if s.choices == nil {
		s.choices = map[string][]string{}
	}
	s.choices[name] = choices
	if v, ok := s.script[name]; ok {
		return v, nil
	}
	return choices[0], nil
}

func mustService(t *testing.T, name string) service.Service {
	t.Helper()
	s, err := service.Lookup(name)
	require.NoError(t, err)
	return s
}

func TestBuildSpecFullMode(t *testing.T) {
	svc := mustService(t, "postgres")
	d := &Driver{Service: svc, Cloud: "selectel", Mode: space.ModeFull, Metric: "tps"}
	sp, err := svc.Space("selectel")
	require.NoError(t, err)

	oracle := &scriptedSuggest{script: map[string]string{
		"cpu":          "16",
		"ram_gb_cpu16": "64",
		"topology":     "cluster",
		"disk_size_gb": "100",
		"work_mem_mb":  "64",
	}}
	spec, err := d.buildSpec(sp, oracle.suggest)
	require.NoError(t, err)

	assert.Equal(t, 16, spec.Infra.CPU)
	assert.Equal(t, 64, spec.Infra.RAMGB)
	assert.Equal(t, "cluster", spec.Infra.Topology)
	assert.Equal(t, "fast", spec.Infra.DiskType, "single-choice parameter")
	assert.Equal(t, 100, spec.Infra.DiskSizeGB)
	assert.Equal(t, 3, spec.Infra.Nodes, "cluster topology implies three nodes")
	assert.Equal(t, "64", spec.Config["work_mem_mb"])

	// RAM was requested under a CPU-qualified name with the candidate set
	// narrowed to shapes selectel will create for 16 vCPU.
	assert.NotContains(t, oracle.choices, "ram_gb")
	assert.Equal(t, []string{"32", "64"}, oracle.choices["ram_gb_cpu16"])
}

func TestBuildSpecConfigModePinsInfra(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 8, RAMGB: 16},
	}
	sp, err := svc.Space("selectel")
	require.NoError(t, err)

	oracle := &scriptedSuggest{script: map[string]string{"io_threads": "4"}}
	spec, err := d.buildSpec(sp, oracle.suggest)
	require.NoError(t, err)

	assert.Equal(t, 8, spec.Infra.CPU)
	assert.Equal(t, 16, spec.Infra.RAMGB)
	assert.Equal(t, "single", spec.Infra.Topology, "unfixed infra pins to first declared value")
	assert.Equal(t, "4", spec.Config["io_threads"])

	// The oracle only ever saw config-tier parameters.
	for name := range oracle.choices {
		assert.NotContains(t, []string{"cpu", "ram_gb", "topology"}, name)
	}
}

func TestBuildSpecInfraModePinsConfig(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{Service: svc, Cloud: "selectel", Mode: space.ModeInfra, Metric: "ops_per_sec"}
	sp, err := svc.Space("selectel")
	require.NoError(t, err)

	oracle := &scriptedSuggest{script: map[string]string{"cpu": "4", "ram_gb_cpu4": "8"}}
	spec, err := d.buildSpec(sp, oracle.suggest)
	require.NoError(t, err)

	assert.Equal(t, 4, spec.Infra.CPU)
	assert.Equal(t, "allkeys-lru", spec.Config["maxmemory_policy"], "config pins to first declared value")
	assert.Equal(t, "1", spec.Config["io_threads"])
	assert.NotContains(t, oracle.choices, "io_threads")
}

func TestBuildSpecRejectsInfeasibleShape(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 8, RAMGB: 4},
	}
	sp, err := svc.Space("selectel")
	require.NoError(t, err)

	_, err = d.buildSpec(sp, (&scriptedSuggest{}).suggest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "infeasible")
}

func TestSetInfraParam(t *testing.T) {
	var infra trial.InfraConfig
	require.NoError(t, setInfraParam(&infra, "cpu", "4"))
	require.NoError(t, setInfraParam(&infra, "ram_gb", "8"))
	require.NoError(t, setInfraParam(&infra, "disk_type", "fast"))
	require.NoError(t, setInfraParam(&infra, "disk_size_gb", "100"))
	require.NoError(t, setInfraParam(&infra, "nodes", "3"))
	require.NoError(t, setInfraParam(&infra, "drives_per_node", "2"))
	assert.Equal(t, trial.InfraConfig{
		CPU: 4, RAMGB: 8, DiskType: "fast", DiskSizeGB: 100, Nodes: 3, DrivesPerNode: 2,
	}, infra)

	assert.Error(t, setInfraParam(&infra, "gpu", "1"), "unknown parameter")
	assert.Error(t, setInfraParam(&infra, "cpu", "many"), "non-integer value")
}

func TestDriverName(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{Service: svc, Cloud: "selectel", Mode: space.ModeFull, Metric: "ops_per_sec"}
	assert.Equal(t, "redis-selectel-full-ops_per_sec", d.Name())

	d.StudyName = "my-study"
	assert.Equal(t, "my-study", d.Name())
}

// countingRunner fabricates deterministic results keyed by trial number.
type countingRunner struct {
	executed []trial.Spec
	failEach int
	err      error
}

func (r *countingRunner) Execute(ctx context.Context, spec trial.Spec, number int) (trial.Result, error) {
	r.executed = append(r.executed, spec)
	if r.err != nil {
		return trial.Result{}, r.err
	}
	if r.failEach > 0 && number%r.failEach == 0 {
		return trial.Result{Error: trial.NewError(trial.ErrProvisioning, "no capacity")}, nil
	}
	return trial.Result{Metrics: map[string]float64{
		"ops_per_sec": float64(40000 + 100*number),
	}}, nil
}

func TestRunCompletesStudy(t *testing.T) {
	svc := mustService(t, "redis")
	runner := &countingRunner{}
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 2, RAMGB: 4},
		Runner:     runner,
	}

	summary, err := d.Run(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Trials)
	assert.Zero(t, summary.Pruned)
	assert.Len(t, runner.executed, 5)
	assert.Greater(t, summary.BestValue, 40000.0)
	assert.NotEmpty(t, summary.BestParams)

	for _, spec := range runner.executed {
		assert.Equal(t, 2, spec.Infra.CPU, "config mode never varies the shape")
	}
}

func TestRunCountsPrunedTrials(t *testing.T) {
	svc := mustService(t, "redis")
	runner := &countingRunner{failEach: 2}
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 2, RAMGB: 4},
		Runner:     runner,
	}

	summary, err := d.Run(context.Background(), 6)
	require.NoError(t, err)

	assert.Equal(t, 6, summary.Trials)
	assert.Equal(t, 3, summary.Pruned)
}

func TestRunStopsOnFatalError(t *testing.T) {
	svc := mustService(t, "redis")
	fatal := errors.New("terraform binary not found")
	runner := &countingRunner{err: fatal}
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 2, RAMGB: 4},
		Runner:     runner,
	}

	_, err := d.Run(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatal)
	assert.Len(t, runner.executed, 1, "the loop stops at the first fatal error")
}

type fakeHistory struct {
	records []cache.Record
}

func (f *fakeHistory) Records() ([]cache.Record, error) { return f.records, nil }

// flatRunner scores every trial the same, so any higher best value can only
// come from replayed history.
type flatRunner struct {
	value float64
}

func (r *flatRunner) Execute(ctx context.Context, spec trial.Spec, number int) (trial.Result, error) {
	return trial.Result{Metrics: map[string]float64{"ops_per_sec": r.value}}, nil
}

func historyRecord(value float64) cache.Record {
	return cache.Record{
		Trial: 1,
		Cloud: "selectel",
		Infra: trial.InfraConfig{CPU: 2, RAMGB: 4, Topology: "single", Nodes: 1},
		Config: trial.ServiceConfig{
			"maxmemory_policy": "volatile-lru",
			"io_threads":       "4",
			"persistence":      "none",
		},
		Metrics: map[string]float64{"ops_per_sec": value},
	}
}

func TestRunResumesFromCachedHistory(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 2, RAMGB: 4},
		Runner:     &flatRunner{value: 10000},
		History:    &fakeHistory{records: []cache.Record{historyRecord(50000)}},
	}

	summary, err := d.Run(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Replayed)
	assert.Equal(t, 3, summary.Trials, "replayed history does not consume the trial budget")
	assert.Equal(t, 50000.0, summary.BestValue,
		"a restarted study must not lose the best result of the previous run")
	assert.Equal(t, "4", summary.BestParams["io_threads"])
}

func TestReplaySkipsIncompatibleRecords(t *testing.T) {
	svc := mustService(t, "redis")

	foreignCloud := historyRecord(70000)
	foreignCloud.Cloud = "timeweb"

	failed := historyRecord(0)
	failed.Error = trial.NewError(trial.ErrBenchmarkExecution, "memtier timed out")

	otherPin := historyRecord(80000)
	otherPin.Infra.CPU = 8

	outsideSpace := historyRecord(90000)
	outsideSpace.Config["io_threads"] = "16"

	d := &Driver{
		Service:    svc,
		Cloud:      "selectel",
		Mode:       space.ModeConfig,
		Metric:     "ops_per_sec",
		FixedInfra: trial.InfraConfig{CPU: 2, RAMGB: 4},
		Runner:     &flatRunner{value: 10000},
		History: &fakeHistory{records: []cache.Record{
			foreignCloud, failed, otherPin, outsideSpace,
		}},
	}

	summary, err := d.Run(context.Background(), 2)
	require.NoError(t, err)

	assert.Zero(t, summary.Replayed)
	assert.Equal(t, 10000.0, summary.BestValue)
}

func TestSeedParamsQualifiesRAMByCPU(t *testing.T) {
	svc := mustService(t, "postgres")
	d := &Driver{Service: svc, Cloud: "selectel", Mode: space.ModeFull, Metric: "tps"}
	sp, err := svc.Space("selectel")
	require.NoError(t, err)

	rec := &cache.Record{
		Cloud: "selectel",
		Infra: trial.InfraConfig{
			CPU: 16, RAMGB: 64, Topology: "cluster",
			DiskType: "fast", DiskSizeGB: 100, Nodes: 3,
		},
		Config: trial.ServiceConfig{
			"shared_buffers_pct":              "25",
			"effective_cache_size_pct":        "75",
			"work_mem_mb":                     "64",
			"maintenance_work_mem_mb":         "512",
			"max_connections":                 "200",
			"random_page_cost":                "1.1",
			"effective_io_concurrency":        "100",
			"wal_buffers_mb":                  "32",
			"max_wal_size_gb":                 "4",
			"checkpoint_completion_target":    "0.9",
			"max_worker_processes":            "4",
			"max_parallel_workers_per_gather": "2",
		},
		Metrics: map[string]float64{"tps": 1500},
	}

	params, ok := d.seedParams(sp, rec)
	require.True(t, ok)

	var ram *seedParam
	for i := range params {
		if params[i].name == "ram_gb_cpu16" {
			ram = &params[i]
		}
	}
	require.NotNil(t, ram, "RAM must replay under its CPU-qualified name")
	assert.Equal(t, []string{"32", "64"}, ram.choices)
	assert.Equal(t, 1, ram.index)
}

func TestRunRejectsUnknownMetric(t *testing.T) {
	svc := mustService(t, "redis")
	d := &Driver{Service: svc, Cloud: "selectel", Mode: space.ModeFull, Metric: "tps"}
	_, err := d.Run(context.Background(), 1)
	assert.Error(t, err)
}
