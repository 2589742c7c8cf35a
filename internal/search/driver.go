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

// Package search runs the optimization loop. The Bayesian oracle is an
// opaque suggest/report dependency; this package owns the mapping between
// the oracle's flat categorical parameters and trial specs, including the
// CPU-conditional RAM value sets.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"go.uber.org/zap"

	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/pricing"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Runner executes one trial for a resolved spec. Implemented by
// trial.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, spec trial.Spec, number int) (trial.Result, error)
}

// History supplies previously recorded trials. Implemented by the result
// cache. Replayed history warms the sampler so a restarted study continues
// where the cache left off instead of starting blind.
type History interface {
	Records() ([]cache.Record, error)
}

// Driver owns one study: a fixed (service, cloud, mode, metric) identity and
// a sequential optimization loop over it.
type Driver struct {
	Service service.Service
	Cloud   string
	Mode    space.Mode
	// Metric is the objective; must be one of the service's metrics.
	Metric string
	// StudyName overrides the default {service}-{cloud}-{mode}-{metric}.
	StudyName string
	// FixedInfra pins infra parameters when the infra tier is not varied.
	// Zero fields fall back to the first declared value.
	FixedInfra trial.InfraConfig

	Runner Runner
	// History, when set, seeds the study with compatible cached results
	// before the first suggestion.
	History History
	Log     *zap.Logger

	// fatal carries the abort cause out of the objective; goptuna reports
	// it as the Optimize error but pruned-vs-fatal is decided here.
	fatal  error
	number int
	pruned int
}

// Summary is the outcome of a completed study.
type Summary struct {
	Name       string
	Trials     int
	Pruned     int
	Replayed   int
	BestValue  float64
	BestParams map[string]interface{}
}

// Name returns the study identity.
func (d *Driver) Name() string {
	if d.StudyName != "" {
		return d.StudyName
	}
	return fmt.Sprintf("%s-%s-%s-%s", d.Service.Name(), d.Cloud, d.Mode, d.Metric)
}

// Run executes up to trials sequential trials and returns the study summary.
// Identical suggestions hit the result cache inside the Runner, which is also
// how a restarted study warms its sampler: replayed history costs nothing.
func (d *Driver) Run(ctx context.Context, trials int) (*Summary, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}

	metric, err := service.MetricFor(d.Service, d.Metric)
	if err != nil {
		return nil, err
	}
	direction := goptuna.StudyDirectionMaximize
	if metric.Direction == service.Minimize {
		direction = goptuna.StudyDirectionMinimize
	}

	sp, err := d.Service.Space(d.Cloud)
	if err != nil {
		return nil, err
	}

	study, err := goptuna.CreateStudy(d.Name(),
		goptuna.StudyOptionSampler(tpe.NewSampler()),
		goptuna.StudyOptionDirection(direction),
	)
	if err != nil {
		return nil, fmt.Errorf("creating study: %w", err)
	}

	replayed := d.replayHistory(study, sp, log)

	log.Info("starting study",
		zap.String("study", d.Name()),
		zap.String("metric", d.Metric),
		zap.String("direction", string(metric.Direction)),
		zap.Int("trials", trials),
		zap.Int("replayed", replayed))

	objective := func(gt goptuna.Trial) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		d.number++
		number := d.number

		spec, err := d.buildSpec(sp, func(name string, choices []string) (string, error) {
			return gt.SuggestCategorical(name, choices)
		})
		if err != nil {
			d.fatal = err
			return 0, err
		}

		res, err := d.Runner.Execute(ctx, spec, number)
		if err != nil {
			d.fatal = err
			return 0, err
		}
		if res.Failed() {
			d.pruned++
			return 0, goptuna.ErrTrialPruned
		}

		value, ok := res.Metrics[d.Metric]
		if !ok {
			log.Warn("trial result lacks objective metric, pruning",
				zap.Int("trial", number), zap.String("metric", d.Metric))
			d.pruned++
			return 0, goptuna.ErrTrialPruned
		}
		return value, nil
	}

	if err := study.Optimize(objective, trials); err != nil {
		if d.fatal != nil {
			return nil, d.fatal
		}
		return nil, fmt.Errorf("optimization failed: %w", err)
	}

	summary := &Summary{Name: d.Name(), Trials: d.number, Pruned: d.pruned, Replayed: replayed}
	if v, err := study.GetBestValue(); err == nil {
		summary.BestValue = v
	}
	if p, err := study.GetBestParams(); err == nil {
		summary.BestParams = p
	}
	log.Info("study complete",
		zap.Int("trials", summary.Trials),
		zap.Int("pruned", summary.Pruned),
		zap.Float64("best", summary.BestValue))
	return summary, nil
}

// suggestFunc abstracts the oracle for spec building; tests substitute a
// deterministic one.
type suggestFunc func(name string, choices []string) (string, error)

// buildSpec resolves one trial spec from the search space, sampling the tiers
// the mode varies and pinning the rest. CPU is resolved before RAM so the RAM
// candidate set can be narrowed to shapes the cloud will actually create;
// the narrowed set is registered under a CPU-qualified name because the
// oracle rejects redefining a parameter's value set.
func (d *Driver) buildSpec(sp *space.Space, suggest suggestFunc) (trial.Spec, error) {
	spec := trial.Spec{
		Service: d.Service.Name(),
		Cloud:   d.Cloud,
		Config:  trial.ServiceConfig{},
	}

	resolve := func(p *space.Parameter) (string, error) {
		choices := p.ValuesFor(d.Cloud)
		if !d.Mode.Varies(p.Tier) {
			return d.pinnedValue(p, choices), nil
		}
		if p.Name == "ram_gb" {
			return d.suggestRAM(spec.Infra.CPU, suggest, choices)
		}
		return suggest(p.Name, choices)
	}

	for i := range sp.Parameters {
		p := &sp.Parameters[i]
		v, err := resolve(p)
		if err != nil {
			return trial.Spec{}, fmt.Errorf("suggesting %s: %w", p.Name, err)
		}
		if p.Tier == space.TierInfra {
			if err := setInfraParam(&spec.Infra, p.Name, v); err != nil {
				return trial.Spec{}, err
			}
		} else {
			spec.Config[p.Name] = v
		}
	}

	spec.Infra.Nodes = service.NodesFor(d.Service, spec.Infra)

	if err := pricing.ValidateInfra(d.Cloud, spec.Infra.CPU, spec.Infra.RAMGB); err != nil {
		return trial.Spec{}, fmt.Errorf("resolved infeasible shape: %w", err)
	}
	return spec, nil
}

// replayHistory seeds the study with completed trials reconstructed from
// cached results compatible with this study's identity: same cloud, usable
// objective value, every non-varied parameter at its pinned value. Seeding
// storage directly is what makes a restarted study resume rather than start
// blind; the records themselves stay authoritative in the cache.
func (d *Driver) replayHistory(study *goptuna.Study, sp *space.Space, log *zap.Logger) int {
	if d.History == nil {
		return 0
	}
	records, err := d.History.Records()
	if err != nil {
		log.Warn("loading cached history failed", zap.Error(err))
		return 0
	}

	replayed := 0
	for i := range records {
		rec := &records[i]
		if rec.Cloud != d.Cloud || !rec.Usable(d.Metric) {
			continue
		}
		params, ok := d.seedParams(sp, rec)
		if !ok {
			continue
		}
		if err := seedTrial(study, params, rec.Metrics[d.Metric]); err != nil {
			log.Warn("replaying cached trial failed", zap.Int("trial", rec.Trial), zap.Error(err))
			continue
		}
		replayed++
	}
	if replayed > 0 {
		log.Info("warm started study from cached history", zap.Int("trials", replayed))
	}
	return replayed
}

// seedParam is one oracle parameter reconstructed from a cached record.
type seedParam struct {
	name    string
	choices []string
	index   int
}

// seedParams maps a record back onto the oracle parameters this study would
// suggest. Records made under different pins, or with values outside the
// current space, belong to another study and are skipped.
func (d *Driver) seedParams(sp *space.Space, rec *cache.Record) ([]seedParam, bool) {
	var params []seedParam
	for i := range sp.Parameters {
		p := &sp.Parameters[i]
		choices := p.ValuesFor(d.Cloud)
		value, ok := recordValue(rec, p)
		if !ok {
			return nil, false
		}
		if !d.Mode.Varies(p.Tier) {
			if value != d.pinnedValue(p, choices) {
				return nil, false
			}
			continue
		}
		name := p.Name
		if p.Name == "ram_gb" {
			all, err := space.Ints(choices)
			if err != nil {
				return nil, false
			}
			name = fmt.Sprintf("ram_gb_cpu%d", rec.Infra.CPU)
			choices = space.Strings(pricing.FilterValidRAM(d.Cloud, rec.Infra.CPU, all))
		}
		index := indexOf(choices, value)
		if index < 0 {
			return nil, false
		}
		params = append(params, seedParam{name: name, choices: choices, index: index})
	}
	return params, true
}

// recordValue reads the value a record holds for a space parameter.
func recordValue(rec *cache.Record, p *space.Parameter) (string, bool) {
	if p.Tier == space.TierConfig {
		v, ok := rec.Config[p.Name]
		return v, ok
	}
	switch p.Name {
	case "topology":
		return rec.Infra.Topology, rec.Infra.Topology != ""
	case "disk_type":
		return rec.Infra.DiskType, rec.Infra.DiskType != ""
	case "cpu":
		return strconv.Itoa(rec.Infra.CPU), rec.Infra.CPU > 0
	case "ram_gb":
		return strconv.Itoa(rec.Infra.RAMGB), rec.Infra.RAMGB > 0
	case "disk_size_gb":
		return strconv.Itoa(rec.Infra.DiskSizeGB), rec.Infra.DiskSizeGB > 0
	case "nodes":
		return strconv.Itoa(rec.Infra.Nodes), rec.Infra.Nodes > 0
	case "drives_per_node":
		return strconv.Itoa(rec.Infra.DrivesPerNode), rec.Infra.DrivesPerNode > 0
	}
	return "", false
}

func indexOf(choices []string, value string) int {
	for i, c := range choices {
		if c == value {
			return i
		}
	}
	return -1
}

// seedTrial inserts a finished trial directly into study storage. The state
// transition comes last; finished trials reject further updates.
func seedTrial(study *goptuna.Study, params []seedParam, value float64) error {
	id, err := study.Storage.CreateNewTrial(study.ID)
	if err != nil {
		return err
	}
	for _, p := range params {
		dist := goptuna.CategoricalDistribution{Choices: p.choices}
		if err := study.Storage.SetTrialParam(id, p.name, float64(p.index), dist); err != nil {
			return err
		}
	}
	if err := study.Storage.SetTrialValue(id, value); err != nil {
		return err
	}
	return study.Storage.SetTrialState(id, goptuna.TrialStateComplete)
}

// suggestRAM narrows the RAM candidates to those valid for the already
// resolved CPU count. Parameters resolve in declaration order, so a space
// that declares ram_gb before cpu is invalid.
func (d *Driver) suggestRAM(cpu int, suggest suggestFunc, choices []string) (string, error) {
	if cpu == 0 {
		return "", errors.New("ram_gb declared before cpu in parameter space")
	}
	all, err := space.Ints(choices)
	if err != nil {
		return "", err
	}
	valid := pricing.FilterValidRAM(d.Cloud, cpu, all)
	return suggest(fmt.Sprintf("ram_gb_cpu%d", cpu), space.Strings(valid))
}

// setInfraParam assigns a resolved infra-tier value to its field by the
// well-known parameter name.
func setInfraParam(infra *trial.InfraConfig, name, value string) error {
	switch name {
	case "topology":
		infra.Topology = value
		return nil
	case "disk_type":
		infra.DiskType = value
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("infra parameter %s has non-integer value %q", name, value)
	}
	switch name {
	case "cpu":
		infra.CPU = n
	case "ram_gb":
		infra.RAMGB = n
	case "disk_size_gb":
		infra.DiskSizeGB = n
	case "nodes":
		infra.Nodes = n
	case "drives_per_node":
		infra.DrivesPerNode = n
	default:
		return fmt.Errorf("unknown infra parameter %q", name)
	}
	return nil
}

// pinnedValue holds a non-varied parameter at its CLI override or its first
// declared value.
func (d *Driver) pinnedValue(p *space.Parameter, choices []string) string {
	switch p.Name {
	case "cpu":
		if d.FixedInfra.CPU > 0 {
			return fmt.Sprintf("%d", d.FixedInfra.CPU)
		}
	case "ram_gb":
		if d.FixedInfra.RAMGB > 0 {
			return fmt.Sprintf("%d", d.FixedInfra.RAMGB)
		}
	case "topology":
		if d.FixedInfra.Topology != "" {
			return d.FixedInfra.Topology
		}
	case "disk_type":
		if d.FixedInfra.DiskType != "" {
			return d.FixedInfra.DiskType
		}
	}
	return choices[0]
}
