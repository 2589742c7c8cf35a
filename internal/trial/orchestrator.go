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

package trial

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cache is the durable result store consulted before and written after every
// executed trial.
type Cache interface {
	// Lookup returns a prior usable result for the spec, if one exists.
	Lookup(spec Spec) (Result, bool)
	// Append durably records the terminal result of a trial. History is
	// append-only; duplicate keys are tolerated.
	Append(spec Spec, res Result, number int) error
}

// Broker ensures a reachable deployment exists matching the requested
// infrastructure, reusing a live one when its reported specs match exactly.
type Broker interface {
	Ensure(ctx context.Context, cloud string, infra InfraConfig) (Endpoints, error)
}

// Executor applies the service configuration to a live deployment, waits for
// readiness, runs the benchmark and normalizes its output. Failures are
// reported on the Result, never as a raised error.
type Executor interface {
	Run(ctx context.Context, eps Endpoints, spec Spec) Result
}

// Orchestrator drives one optimization trial end-to-end. It is the single
// place where heterogeneous failures are folded into the three trial
// outcomes: success, pruned, fatal.
type Orchestrator struct {
	Cache    Cache
	Broker   Broker
	Executor Executor

	// Enrich optionally derives additional metrics (e.g. cost efficiency)
	// from a successful result before it is persisted.
	Enrich func(spec Spec, metrics map[string]float64)

	Log *zap.Logger
}

// Execute runs a single trial for the given spec.
//
// The returned error is non-nil only for fatal conditions (cache write
// failures, programming errors); expected infrastructure and benchmark
// failures come back as a Result with a populated Error, which the caller
// reports as a pruned trial. Identical specs are benchmarked at most once
// per study lifetime: the cache is consulted before any side effect.
func (o *Orchestrator) Execute(ctx context.Context, spec Spec, number int) (Result, error) {
	log := o.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Int("trial", number), zap.String("cloud", spec.Cloud))

	if cached, ok := o.Cache.Lookup(spec); ok {
		log.Info("using cached result", zap.Any("metrics", cached.Metrics))
		return cached, nil
	}

	start := time.Now()
	var res Result

	eps, err := o.Broker.Ensure(ctx, spec.Cloud, spec.Infra)
	res.Timings.ProvisionSeconds = time.Since(start).Seconds()
	if err != nil {
		te, ok := AsError(err)
		if !ok {
			return res, err
		}
		log.Warn("provisioning failed, pruning trial", zap.String("kind", string(te.Kind)), zap.Error(te))
		res.Error = te
		return o.finish(spec, res, number, start)
	}

	run := o.Executor.Run(ctx, eps, spec)
	res.Metrics = run.Metrics
	res.Error = run.Error
	res.Timings.ReadySeconds = run.Timings.ReadySeconds
	res.Timings.BenchmarkSeconds = run.Timings.BenchmarkSeconds

	if res.Error != nil {
		log.Warn("benchmark failed, pruning trial", zap.String("kind", string(res.Error.Kind)), zap.Error(res.Error))
		return o.finish(spec, res, number, start)
	}

	if o.Enrich != nil {
		o.Enrich(spec, res.Metrics)
	}

	log.Info("trial complete",
		zap.Any("metrics", res.Metrics),
		zap.Float64("provision_s", res.Timings.ProvisionSeconds),
		zap.Float64("benchmark_s", res.Timings.BenchmarkSeconds))
	return o.finish(spec, res, number, start)
}

// finish stamps the total duration and persists the terminal result. The
// result is written exactly once, for failures as well as successes; lookups
// never return failed records so a failed configuration will be retried.
func (o *Orchestrator) finish(spec Spec, res Result, number int, start time.Time) (Result, error) {
	res.Timings.TotalSeconds = time.Since(start).Seconds()
	if err := o.Cache.Append(spec, res, number); err != nil {
		return res, err
	}
	return res, nil
}
