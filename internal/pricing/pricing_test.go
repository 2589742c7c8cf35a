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

package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func TestFilterValidRAM(t *testing.T) {
	options := []int{4, 8, 16, 32, 64}

	cases := []struct {
		desc     string
		cloud    string
		cpu      int
		expected []int
	}{
		{
			desc:     "no constraint cloud",
			cloud:    "timeweb",
			cpu:      16,
			expected: []int{4, 8, 16, 32, 64},
		},
		{
			desc:     "small cpu keeps most options",
			cloud:    "selectel",
			cpu:      4,
			expected: []int{4, 8, 16, 32, 64},
		},
		{
			desc:     "large cpu narrows options",
			cloud:    "selectel",
			cpu:      16,
			expected: []int{32, 64},
		},
		{
			desc:     "unknown cpu count has no constraint",
			cloud:    "selectel",
			cpu:      6,
			expected: []int{4, 8, 16, 32, 64},
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			assert.Equal(t, c.expected, FilterValidRAM(c.cloud, c.cpu, options))
		})
	}
}

func TestFilterValidRAMFallsBackWhenEmpty(t *testing.T) {
	// 16 vCPU on selectel needs 32GB; when no candidate qualifies the full
	// list comes back rather than an unusable empty one.
	options := []int{4, 8, 16}
	assert.Equal(t, options, FilterValidRAM("selectel", 16, options))
}

func TestValidateInfra(t *testing.T) {
	assert.NoError(t, ValidateInfra("selectel", 8, 8))
	assert.Error(t, ValidateInfra("selectel", 16, 16))
	assert.NoError(t, ValidateInfra("timeweb", 16, 4))
}

func TestMonthlyCost(t *testing.T) {
	cases := []struct {
		desc     string
		cloud    string
		infra    trial.InfraConfig
		expected string
	}{
		{
			desc:  "defaults fill disk and node count",
			cloud: "selectel",
			infra: trial.InfraConfig{CPU: 2, RAMGB: 4},
			// 2*655 + 4*238 + 50*39
			expected: "4212",
		},
		{
			desc:  "multi node multi drive",
			cloud: "timeweb",
			infra: trial.InfraConfig{CPU: 4, RAMGB: 8, DiskType: "nvme", DiskSizeGB: 100, Nodes: 3, DrivesPerNode: 2},
			// 3 * (4*220 + 8*180 + 200*5)
			expected: "9960",
		},
		{
			desc:  "sentinel topology without explicit nodes",
			cloud: "selectel",
			infra: trial.InfraConfig{CPU: 2, RAMGB: 4, Topology: "sentinel", Nodes: 3},
			// 3 * 4212
			expected: "12636",
		},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			cost, err := MonthlyCost(c.cloud, c.infra)
			require.NoError(t, err)
			assert.Equal(t, c.expected, cost.String())
		})
	}
}

func TestMonthlyCostErrors(t *testing.T) {
	_, err := MonthlyCost("aws", trial.InfraConfig{CPU: 2, RAMGB: 4})
	assert.Error(t, err)

	_, err = MonthlyCost("selectel", trial.InfraConfig{CPU: 2, RAMGB: 4, DiskType: "nvme"})
	assert.Error(t, err, "disk types are per cloud")
}

func TestCostEfficiency(t *testing.T) {
	infra := trial.InfraConfig{CPU: 2, RAMGB: 4}

	eff := CostEfficiency("selectel", infra, 42120)
	assert.InDelta(t, 10.0, eff, 1e-9)

	assert.Zero(t, CostEfficiency("selectel", infra, 0))
	assert.Zero(t, CostEfficiency("aws", infra, 100))
}

func TestDiskTypes(t *testing.T) {
	types, err := DiskTypes("selectel")
	require.NoError(t, err)
	require.NotEmpty(t, types)
	assert.Equal(t, "fast", types[0], "most expensive first")

	_, err = DiskTypes("gcp")
	assert.Error(t, err)
}

func TestClouds(t *testing.T) {
	assert.Equal(t, []string{"selectel", "timeweb"}, Clouds())
}
