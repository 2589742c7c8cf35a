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

// Package space describes the search space of an optimization study: a set
// of named, discrete parameters split into two disjoint tiers. Infrastructure
// parameters force deployment recreation when changed; configuration
// parameters are applied in place. Each service plugin declares its own split
// explicitly; the core never guesses a parameter's tier.
package space

import (
	"fmt"
	"strconv"
)

// Tier assigns a parameter to exactly one of the two optimization tiers.
type Tier string

const (
	TierInfra  Tier = "infra"
	TierConfig Tier = "config"
)

// Mode selects which tiers a study varies. The other tier is held fixed.
type Mode string

const (
	ModeInfra  Mode = "infra"
	ModeConfig Mode = "config"
	ModeFull   Mode = "full"
)

// ParseMode validates a mode string from the CLI.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInfra, ModeConfig, ModeFull:
		return Mode(s), nil
	default:
		return "", &ValidationError{Message: fmt.Sprintf("invalid mode %q, expected one of: infra, config, full", s)}
	}
}

// Varies reports whether parameters of the given tier are sampled in this mode.
func (m Mode) Varies(t Tier) bool {
	switch m {
	case ModeFull:
		return true
	case ModeInfra:
		return t == TierInfra
	case ModeConfig:
		return t == TierConfig
	}
	return false
}

// Parameter is one discrete search dimension. Values are string encoded;
// numeric parameters carry their decimal representation.
type Parameter struct {
	Name string
	Tier Tier
	// Values is the candidate value set offered to the oracle.
	Values []string
	// ByCloud optionally overrides Values for specific clouds (disk types
	// and similar per-provider sets).
	ByCloud map[string][]string
}

// ValuesFor resolves the candidate set for a cloud.
func (p *Parameter) ValuesFor(cloud string) []string {
	if vs, ok := p.ByCloud[cloud]; ok && len(vs) > 0 {
		return vs
	}
	return p.Values
}

// Ints returns the values parsed as integers. Only valid for parameters whose
// value sets are integral.
func Ints(values []string) ([]int, error) {
	out := make([]int, 0, len(values))
	for _, v := range values {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("non-integer value %q: %w", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Strings formats integers back into the string encoding used by the oracle.
func Strings(values []int) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strconv.Itoa(v))
	}
	return out
}

// Space is a service's full declared search space.
type Space struct {
	Parameters []Parameter
}

// Tier returns the parameters belonging to one tier, in declaration order.
// Declaration order matters: parameters whose value sets depend on an earlier
// parameter (RAM on CPU) must be declared after it.
func (s *Space) Tier(t Tier) []Parameter {
	var out []Parameter
	for i := range s.Parameters {
		if s.Parameters[i].Tier == t {
			out = append(out, s.Parameters[i])
		}
	}
	return out
}

// Lookup finds a parameter by name.
func (s *Space) Lookup(name string) (*Parameter, bool) {
	for i := range s.Parameters {
		if s.Parameters[i].Name == name {
			return &s.Parameters[i], true
		}
	}
	return nil, false
}

// Validate checks the structural invariants: unique names, a declared tier
// for every parameter, and a non-empty candidate set. Violations are fatal;
// a misconfigured search space cannot be pruned around.
func (s *Space) Validate() error {
	if len(s.Parameters) == 0 {
		return &ValidationError{Message: "parameter space is empty"}
	}
	seen := make(map[string]struct{}, len(s.Parameters))
	for i := range s.Parameters {
		p := &s.Parameters[i]
		if p.Name == "" {
			return &ValidationError{Message: "parameter with empty name"}
		}
		if _, dup := seen[p.Name]; dup {
			return &ValidationError{Message: fmt.Sprintf("parameter %q declared in more than one tier", p.Name)}
		}
		seen[p.Name] = struct{}{}
		if p.Tier != TierInfra && p.Tier != TierConfig {
			return &ValidationError{Message: fmt.Sprintf("parameter %q has unknown tier %q", p.Name, p.Tier)}
		}
		if len(p.Values) == 0 && len(p.ByCloud) == 0 {
			return &ValidationError{Message: fmt.Sprintf("parameter %q has no candidate values", p.Name)}
		}
	}
	return nil
}

// ValidationError reports a structurally invalid parameter space. It always
// aborts the study.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid parameter space: " + e.Message
}
