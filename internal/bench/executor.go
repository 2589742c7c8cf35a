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

// Package bench runs the measured phase of a trial against a live
// deployment: apply config, wait for health, run the load generator, parse
// metrics. Every failure lands on the Result so the orchestrator can apply a
// single prune policy.
package bench

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

const defaultReadyTimeout = 3 * time.Minute

// Executor implements trial.Executor on top of a service plugin.
type Executor struct {
	Service service.Service
	Remote  service.Remote

	// ReadyTimeout bounds the post-config health wait. The plugin's
	// CheckReady is single-shot; the executor owns the polling.
	ReadyTimeout time.Duration

	Log *zap.Logger
}

// Run executes the benchmark phases in order, short-circuiting on the first
// failure. Phase durations are recorded regardless of outcome.
func (e *Executor) Run(ctx context.Context, eps trial.Endpoints, spec trial.Spec) trial.Result {
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	var res trial.Result

	if len(spec.Config) > 0 {
		log.Info("applying service config", zap.Int("settings", len(spec.Config)))
		if err := e.Service.ApplyConfig(ctx, e.Remote, eps, spec); err != nil {
			res.Error = asTrialError(err, trial.ErrConfigApply)
			return res
		}
	}

	readyStart := time.Now()
	err := e.waitReady(ctx, eps)
	res.Timings.ReadySeconds = time.Since(readyStart).Seconds()
	if err != nil {
		res.Error = trial.NewError(trial.ErrNotReady, "%s not healthy after %s: %v",
			e.Service.Name(), e.readyTimeout(), err)
		return res
	}

	log.Info("running benchmark", zap.String("service", e.Service.Name()), zap.String("addr", eps.ServiceAddr))
	benchStart := time.Now()
	metrics, err := e.Service.Benchmark(ctx, e.Remote, eps, spec)
	res.Timings.BenchmarkSeconds = time.Since(benchStart).Seconds()
	if err != nil {
		res.Error = asTrialError(err, trial.ErrBenchmarkExecution)
		return res
	}
	if len(metrics) == 0 {
		res.Error = trial.NewError(trial.ErrParse, "benchmark produced no metrics")
		return res
	}

	res.Metrics = metrics
	return res
}

func (e *Executor) readyTimeout() time.Duration {
	if e.ReadyTimeout > 0 {
		return e.ReadyTimeout
	}
	return defaultReadyTimeout
}

// waitReady polls the plugin's health probe until it passes or the deadline
// expires.
func (e *Executor) waitReady(ctx context.Context, eps trial.Endpoints) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = e.readyTimeout()

	return backoff.Retry(func() error {
		return e.Service.CheckReady(ctx, e.Remote, eps)
	}, backoff.WithContext(bo, ctx))
}

// asTrialError preserves an error's trial kind when the plugin already
// classified it (a parse failure inside Benchmark), otherwise tags it with
// the phase's kind.
func asTrialError(err error, kind trial.ErrorKind) *trial.Error {
	if te, ok := trial.AsError(err); ok {
		return te
	}
	return trial.NewError(kind, "%v", err)
}
