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

// Package pricing is the pure pricing oracle: it maps a resource shape to a
// monthly cost and validates resource combinations against per-cloud
// constraints. It has no state and no side effects; an unknown cloud is a
// caller error.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Rates holds a cloud provider's flat monthly rates in rubles.
type Rates struct {
	// CPUMonthly is the cost per vCPU per month.
	CPUMonthly decimal.Decimal
	// RAMGBMonthly is the cost per GB of RAM per month.
	RAMGBMonthly decimal.Decimal
	// DiskGBMonthly is the cost per GB per month keyed by disk type.
	DiskGBMonthly map[string]decimal.Decimal
}

// Rates derived from the providers' public calculators (Standard Line for
// selectel, fixed tariffs for timeweb), January 2026.
var rates = map[string]Rates{
	"selectel": {
		CPUMonthly:   decimal.NewFromInt(655),
		RAMGBMonthly: decimal.NewFromInt(238),
		DiskGBMonthly: map[string]decimal.Decimal{
			"fast":       decimal.NewFromInt(39),
			"universal":  decimal.NewFromInt(18),
			"universal2": decimal.NewFromInt(9),
			"basicssd":   decimal.NewFromInt(9),
			"basic":      decimal.NewFromInt(7),
		},
	},
	"timeweb": {
		CPUMonthly:   decimal.NewFromInt(220),
		RAMGBMonthly: decimal.NewFromInt(180),
		DiskGBMonthly: map[string]decimal.Decimal{
			"nvme": decimal.NewFromInt(5),
			"ssd":  decimal.NewFromInt(4),
			"hdd":  decimal.NewFromInt(2),
		},
	},
}

// Minimum RAM (GB) required per vCPU count. Selectel's Standard Line rejects
// shapes below these floors; timeweb has no known constraints.
var minRAM = map[string]map[int]int{
	"selectel": {
		2:  2,
		4:  4,
		8:  8,
		16: 32,
		32: 64,
	},
	"timeweb": {},
}

const (
	defaultDiskSizeGB = 50
	defaultDiskType   = "fast"
)

// RatesFor returns the rates for a cloud provider.
func RatesFor(cloud string) (Rates, error) {
	r, ok := rates[cloud]
	if !ok {
		return Rates{}, fmt.Errorf("unknown cloud %q, available: %v", cloud, Clouds())
	}
	return r, nil
}

// Clouds lists the known cloud providers.
func Clouds() []string {
	out := make([]string, 0, len(rates))
	for name := range rates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DiskTypes lists a cloud's available disk types, cheapest last.
func DiskTypes(cloud string) ([]string, error) {
	r, err := RatesFor(cloud)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.DiskGBMonthly))
	for t := range r.DiskGBMonthly {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return r.DiskGBMonthly[out[i]].GreaterThan(r.DiskGBMonthly[out[j]])
	})
	return out, nil
}

// MinRAMForCPU returns the minimum RAM (GB) required for the given CPU count,
// or zero when the cloud has no constraint.
func MinRAMForCPU(cloud string, cpu int) int {
	return minRAM[cloud][cpu]
}

// ValidateInfra checks an infrastructure shape against the cloud's
// constraints.
func ValidateInfra(cloud string, cpu, ramGB int) error {
	if min := MinRAMForCPU(cloud, cpu); ramGB < min {
		return fmt.Errorf("%d vCPU requires at least %dGB RAM on %s", cpu, min, cloud)
	}
	return nil
}

// FilterValidRAM narrows candidate RAM options to those valid for the chosen
// CPU count. This must be applied before a value set is offered to the
// search oracle so invalid shapes are structurally impossible to sample, not
// merely rejected after a wasted trial. When filtering would empty the list
// the full list is returned unchanged (no constraint data is better than no
// candidates).
func FilterValidRAM(cloud string, cpu int, options []int) []int {
	min := MinRAMForCPU(cloud, cpu)
	if min == 0 {
		return options
	}
	var valid []int
	for _, r := range options {
		if r >= min {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return options
	}
	return valid
}

// MonthlyCost computes the monthly cost of an infrastructure shape across
// all of its nodes and drives.
func MonthlyCost(cloud string, infra trial.InfraConfig) (decimal.Decimal, error) {
	r, err := RatesFor(cloud)
	if err != nil {
		return decimal.Zero, err
	}

	diskType := infra.DiskType
	if diskType == "" {
		diskType = defaultDiskType
	}
	diskSize := infra.DiskSizeGB
	if diskSize == 0 {
		diskSize = defaultDiskSizeGB
	}
	drives := infra.DrivesPerNode
	if drives == 0 {
		drives = 1
	}

	diskRate, ok := r.DiskGBMonthly[diskType]
	if !ok {
		return decimal.Zero, fmt.Errorf("unknown disk type %q on %s", diskType, cloud)
	}

	perNode := r.CPUMonthly.Mul(decimal.NewFromInt(int64(infra.CPU))).
		Add(r.RAMGBMonthly.Mul(decimal.NewFromInt(int64(infra.RAMGB)))).
		Add(diskRate.Mul(decimal.NewFromInt(int64(diskSize * drives))))

	return perNode.Mul(decimal.NewFromInt(int64(infra.NodeCount()))), nil
}

// CostEfficiency returns metric units per ruble per month, the derived
// objective used by the cost_efficiency metric. Returns zero when the cost
// or metric is non-positive.
func CostEfficiency(cloud string, infra trial.InfraConfig, metricValue float64) float64 {
	cost, err := MonthlyCost(cloud, infra)
	if err != nil || !cost.IsPositive() || metricValue <= 0 {
		return 0
	}
	f, _ := cost.Float64()
	return metricValue / f
}
