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

// Package service defines the plugin contract a benchmarked service
// implements and the built-in plugins: redis, postgres, minio, meilisearch.
// Everything service-specific lives behind this interface; the broker, the
// executor and the search driver are service-agnostic.
package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/damir-manapov/optina-optimisations/internal/remote"
	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Direction states whether larger or smaller metric values are better.
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Metric describes one objective a service can be optimized for.
type Metric struct {
	Name      string
	Direction Direction
	Unit      string
}

// Remote runs commands on deployment VMs.
type Remote interface {
	Run(ctx context.Context, addr, command string, timeout time.Duration) (remote.ExecResult, error)
}

// Service is the plugin contract. Implementations are stateless; everything
// a call needs arrives as arguments.
type Service interface {
	// Name is the service identifier used in study names, cache files and
	// terraform variables.
	Name() string

	// Space declares the full two-tier parameter space for a cloud. The
	// infra tier describes VM shape, the config tier settings applied in
	// place.
	Space(cloud string) (*space.Space, error)

	// Metrics lists the optimizable metrics; the first one is the default.
	Metrics() []Metric

	// TerraformVars renders an infrastructure shape into the terraform
	// variables of the service's module. enabled=false renders the shape
	// that removes the service nodes while keeping the benchmark VM.
	TerraformVars(infra trial.InfraConfig, enabled bool) map[string]string

	// BenchInstall is the command that installs the service's benchmark
	// tooling on a fresh benchmark VM, or empty if none is needed.
	BenchInstall() string

	// ApplyConfig applies the spec's config-tier settings to the live
	// deployment without recreating it. The infra shape is available for
	// settings derived from it (memory percentages).
	ApplyConfig(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) error

	// CheckReady is a single-shot health probe; the executor polls it.
	CheckReady(ctx context.Context, rmt Remote, eps trial.Endpoints) error

	// Benchmark runs the service's load generator from the benchmark VM
	// and returns the parsed metrics.
	Benchmark(ctx context.Context, rmt Remote, eps trial.Endpoints, spec trial.Spec) (map[string]float64, error)
}

// NodeCounter is implemented by services whose node count derives from
// topology rather than an explicit nodes parameter.
type NodeCounter interface {
	NodeCount(infra trial.InfraConfig) int
}

// NodesFor resolves the node count a shape describes for a service, used for
// costing. Falls back to the shape's own count.
func NodesFor(s Service, infra trial.InfraConfig) int {
	if nc, ok := s.(NodeCounter); ok {
		return nc.NodeCount(infra)
	}
	return infra.NodeCount()
}

var registry = map[string]Service{}

func register(s Service) {
	registry[s.Name()] = s
}

// Lookup returns the named service plugin.
func Lookup(name string) (Service, error) {
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q, available: %v", name, Names())
	}
	return s, nil
}

// Names lists the registered service plugins.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultMetric returns the name of a service's first declared metric.
func DefaultMetric(s Service) string {
	return s.Metrics()[0].Name
}

// MetricFor resolves a metric by name on a service.
func MetricFor(s Service, name string) (Metric, error) {
	for _, m := range s.Metrics() {
		if m.Name == name {
			return m, nil
		}
	}
	known := make([]string, 0, len(s.Metrics()))
	for _, m := range s.Metrics() {
		known = append(known, m.Name)
	}
	return Metric{}, fmt.Errorf("service %s has no metric %q, available: %v", s.Name(), name, known)
}
