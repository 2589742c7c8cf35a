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

// Package trial defines the data model for a single benchmark trial and the
// orchestrator that drives one trial end-to-end: cache check, provisioning,
// benchmark execution, scoring and persistence.
package trial

// InfraConfig is the subset of trial parameters that require the deployment
// to be destroyed and recreated when any of them change. Volume types on the
// supported clouds cannot be resized in place, so there is deliberately no
// "adjust existing deployment" path anywhere in this model.
type InfraConfig struct {
	CPU           int    `json:"cpu"`
	RAMGB         int    `json:"ram_gb"`
	DiskType      string `json:"disk_type,omitempty"`
	DiskSizeGB    int    `json:"disk_size_gb,omitempty"`
	Nodes         int    `json:"nodes,omitempty"`
	DrivesPerNode int    `json:"drives_per_node,omitempty"`
	Topology      string `json:"topology,omitempty"`
}

// NodeCount returns the number of VMs this configuration describes.
func (c InfraConfig) NodeCount() int {
	if c.Nodes > 0 {
		return c.Nodes
	}
	return 1
}

// ServiceConfig holds the service-level settings applied in place to a
// running deployment. Keys are the parameter names declared by the service
// plugin; values are their string encodings.
type ServiceConfig map[string]string

// Clone returns a copy so a Spec can be treated as immutable by callers that
// hold on to the original map.
func (c ServiceConfig) Clone() ServiceConfig {
	if c == nil {
		return nil
	}
	out := make(ServiceConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Spec fully determines the expected outcome of a trial. It is never mutated
// after the search driver resolves it from a suggestion.
type Spec struct {
	Service string        `json:"service"`
	Cloud   string        `json:"cloud"`
	Infra   InfraConfig   `json:"infra"`
	Config  ServiceConfig `json:"config"`
}

// Endpoints are the reachable addresses of a live deployment: the service
// under test and the load generator VM that benchmarks are launched from.
type Endpoints struct {
	ServiceAddr string
	BenchAddr   string
}

// Timings is the phase duration breakdown recorded with every trial.
type Timings struct {
	ProvisionSeconds float64 `json:"provision_s,omitempty"`
	ReadySeconds     float64 `json:"ready_s,omitempty"`
	BenchmarkSeconds float64 `json:"benchmark_s,omitempty"`
	TotalSeconds     float64 `json:"total_s,omitempty"`
}

// Result is the outcome of one executed trial. Exactly one of the two
// terminal shapes is valid: a populated Metrics map with a nil Error, or a
// non-nil Error with no usable metrics.
type Result struct {
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   *Error             `json:"error,omitempty"`
	Timings Timings            `json:"timings"`
}

// Failed reports whether the trial terminated with an error.
func (r *Result) Failed() bool {
	return r.Error != nil
}

// Usable reports whether the result may satisfy a cache lookup: it must have
// no error and a strictly positive value for the given primary metric.
func (r *Result) Usable(primaryMetric string) bool {
	if r.Error != nil {
		return false
	}
	return r.Metrics[primaryMetric] > 0
}
