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

package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damir-manapov/optina-optimisations/internal/remote"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

type fakeService struct {
	applyErr   error
	readyErr   error
	readyAfter int
	metrics    map[string]float64
	benchErr   error

	applied     int
	readyProbes int
}

func (f *fakeService) Name() string                        { return "fake" }
func (f *fakeService) Space(string) (*space.Space, error)  { return &space.Space{}, nil }
func (f *fakeService) Metrics() []service.Metric           { return nil }
func (f *fakeService) BenchInstall() string                { return "" }
func (f *fakeService) TerraformVars(trial.InfraConfig, bool) map[string]string {
	return nil
}

func (f *fakeService) ApplyConfig(ctx context.Context, rmt service.Remote, eps trial.Endpoints, spec trial.Spec) error {
	f.applied++
	return f.applyErr
}

func (f *fakeService) CheckReady(ctx context.Context, rmt service.Remote, eps trial.Endpoints) error {
	f.readyProbes++
	if f.readyProbes > f.readyAfter {
		return f.readyErr
	}
	return errors.New("still starting")
}

func (f *fakeService) Benchmark(ctx context.Context, rmt service.Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error) {
	return f.metrics, f.benchErr
}

type nopRemote struct{}

func (nopRemote) Run(ctx context.Context, addr, command string, timeout time.Duration) (remote.ExecResult, error) {
	return remote.ExecResult{}, nil
}

func configSpec() trial.Spec {
	return trial.Spec{
		Service: "fake",
		Cloud:   "selectel",
		Infra:   trial.InfraConfig{CPU: 2, RAMGB: 4},
		Config:  trial.ServiceConfig{"io_threads": "2"},
	}
}

func TestRunSuccess(t *testing.T) {
	svc := &fakeService{metrics: map[string]float64{"ops_per_sec": 50000}, readyAfter: 1}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: 10 * time.Second}

	res := e.Run(context.Background(), trial.Endpoints{ServiceAddr: "10.0.0.20"}, configSpec())
	require.False(t, res.Failed())

	assert.Equal(t, 50000.0, res.Metrics["ops_per_sec"])
	assert.Equal(t, 1, svc.applied)
	assert.GreaterOrEqual(t, svc.readyProbes, 2, "health probe is polled until it passes")
	assert.Greater(t, res.Timings.ReadySeconds, 0.0)
}

func TestRunSkipsApplyWithoutConfig(t *testing.T) {
	svc := &fakeService{metrics: map[string]float64{"ops_per_sec": 1}}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: time.Second}

	spec := configSpec()
	spec.Config = nil
	res := e.Run(context.Background(), trial.Endpoints{}, spec)
	require.False(t, res.Failed())
	assert.Zero(t, svc.applied)
}

func TestRunConfigApplyFailure(t *testing.T) {
	svc := &fakeService{applyErr: errors.New("restart failed")}
	e := &Executor{Service: svc, Remote: nopRemote{}}

	res := e.Run(context.Background(), trial.Endpoints{}, configSpec())
	require.True(t, res.Failed())
	assert.Equal(t, trial.ErrConfigApply, res.Error.Kind)
	assert.Zero(t, svc.readyProbes, "failed apply skips the health wait")
}

func TestRunNotReady(t *testing.T) {
	svc := &fakeService{readyErr: errors.New("connection refused")}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: 50 * time.Millisecond}

	spec := configSpec()
	spec.Config = nil
	res := e.Run(context.Background(), trial.Endpoints{}, spec)
	require.True(t, res.Failed())
	assert.Equal(t, trial.ErrNotReady, res.Error.Kind)
	assert.Greater(t, res.Timings.ReadySeconds, 0.0, "ready time is stamped even on failure")
}

func TestRunBenchmarkFailure(t *testing.T) {
	svc := &fakeService{benchErr: errors.New("memtier exited 1")}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: time.Second}

	spec := configSpec()
	spec.Config = nil
	res := e.Run(context.Background(), trial.Endpoints{}, spec)
	require.True(t, res.Failed())
	assert.Equal(t, trial.ErrBenchmarkExecution, res.Error.Kind)
}

func TestRunPreservesParseKind(t *testing.T) {
	svc := &fakeService{benchErr: trial.NewParseError("no totals line", "garbage output")}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: time.Second}

	spec := configSpec()
	spec.Config = nil
	res := e.Run(context.Background(), trial.Endpoints{}, spec)
	require.True(t, res.Failed())
	assert.Equal(t, trial.ErrParse, res.Error.Kind, "plugin classification wins over phase kind")
}

func TestRunEmptyMetrics(t *testing.T) {
	svc := &fakeService{metrics: map[string]float64{}}
	e := &Executor{Service: svc, Remote: nopRemote{}, ReadyTimeout: time.Second}

	spec := configSpec()
	spec.Config = nil
	res := e.Run(context.Background(), trial.Endpoints{}, spec)
	require.True(t, res.Failed())
	assert.Equal(t, trial.ErrParse, res.Error.Kind)
}
