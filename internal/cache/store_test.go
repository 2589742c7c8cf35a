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

package cache

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

func testSpec(cpu int) trial.Spec {
	return trial.Spec{
		Service: "redis",
		Cloud:   "selectel",
		Infra:   trial.InfraConfig{CPU: cpu, RAMGB: 8, Topology: "single", Nodes: 1},
		Config:  trial.ServiceConfig{"io_threads": "2", "persistence": "none"},
	}
}

func TestKeyIgnoresMapOrder(t *testing.T) {
	a := testSpec(2)
	a.Config = trial.ServiceConfig{"io_threads": "2", "persistence": "none", "maxmemory_policy": "allkeys-lru"}

	b := testSpec(2)
	b.Config = trial.ServiceConfig{}
	// Insert in reverse order.
	b.Config["maxmemory_policy"] = "allkeys-lru"
	b.Config["persistence"] = "none"
	b.Config["io_threads"] = "2"

	assert.Equal(t, Key(a), Key(b))
	assert.Equal(t, ShortKey(a), ShortKey(b))
}

func TestKeyDistinguishesSpecs(t *testing.T) {
	a, b := testSpec(2), testSpec(4)
	assert.NotEqual(t, Key(a), Key(b))

	c := testSpec(2)
	c.Cloud = "timeweb"
	assert.NotEqual(t, Key(a), Key(c))
}

func TestStoreAppendLookup(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "redis", "ops_per_sec", WithMode("full"), WithLogin("alice"))
	require.NoError(t, err)

	spec := testSpec(2)
	res := trial.Result{
		Metrics: map[string]float64{"ops_per_sec": 90000, "p99_latency_ms": 2.5},
		Timings: trial.Timings{BenchmarkSeconds: 61},
	}
	require.NoError(t, s.Append(spec, res, 1))

	got, ok := s.Lookup(spec)
	require.True(t, ok)
	assert.Equal(t, 90000.0, got.Metrics["ops_per_sec"])

	_, ok = s.Lookup(testSpec(4))
	assert.False(t, ok, "different shape must miss")

	// A fresh store over the same file sees the same history.
	s2, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)
	got, ok = s2.Lookup(spec)
	require.True(t, ok)
	assert.Equal(t, 90000.0, got.Metrics["ops_per_sec"])

	records, err := s2.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "full", records[0].Mode)
	assert.Equal(t, "alice", records[0].Login)
	assert.Equal(t, 1, records[0].Trial)
}

func TestStoreLookupSkipsUnusable(t *testing.T) {
	s, err := Open(t.TempDir(), "redis", "ops_per_sec")
	require.NoError(t, err)

	spec := testSpec(2)

	failed := trial.Result{Error: trial.NewError(trial.ErrProvisioning, "no capacity")}
	require.NoError(t, s.Append(spec, failed, 1))

	zero := trial.Result{Metrics: map[string]float64{"ops_per_sec": 0}}
	require.NoError(t, s.Append(spec, zero, 2))

	_, ok := s.Lookup(spec)
	assert.False(t, ok, "failed and zero-metric records never satisfy a lookup")

	good := trial.Result{Metrics: map[string]float64{"ops_per_sec": 100}}
	require.NoError(t, s.Append(spec, good, 3))

	got, ok := s.Lookup(spec)
	require.True(t, ok)
	assert.Equal(t, 100.0, got.Metrics["ops_per_sec"])
}

func TestStoreLatestRecordWins(t *testing.T) {
	s, err := Open(t.TempDir(), "redis", "ops_per_sec")
	require.NoError(t, err)

	spec := testSpec(2)
	require.NoError(t, s.Append(spec, trial.Result{Metrics: map[string]float64{"ops_per_sec": 100}}, 1))
	require.NoError(t, s.Append(spec, trial.Result{Metrics: map[string]float64{"ops_per_sec": 200}}, 2))

	got, ok := s.Lookup(spec)
	require.True(t, ok)
	assert.Equal(t, 200.0, got.Metrics["ops_per_sec"])
}

func TestStoreSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)

	spec := testSpec(2)
	require.NoError(t, s.Append(spec, trial.Result{Metrics: map[string]float64{"ops_per_sec": 100}}, 1))

	// Simulate a crash mid-write: a truncated trailing line.
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id": 2, "trial":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)
	records, err := s2.Records()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, ok := s2.Lookup(spec)
	assert.True(t, ok)
}

func TestStoreAppendPreservesForeignRecords(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)
	s2, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)

	require.NoError(t, s1.Append(testSpec(2), trial.Result{Metrics: map[string]float64{"ops_per_sec": 100}}, 1))
	// s2 has never read the file; its append must not clobber s1's record.
	require.NoError(t, s2.Append(testSpec(4), trial.Result{Metrics: map[string]float64{"ops_per_sec": 200}}, 1))

	s3, err := Open(dir, "redis", "ops_per_sec")
	require.NoError(t, err)
	records, err := s3.Records()
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStoreExporter(t *testing.T) {
	exports := 0
	s, err := Open(t.TempDir(), "redis", "ops_per_sec", WithExporter(func(records []Record) error {
		exports++
		if exports == 1 {
			return errors.New("transient export failure")
		}
		return nil
	}))
	require.NoError(t, err)

	// Export failure is logged, never propagated.
	require.NoError(t, s.Append(testSpec(2), trial.Result{Metrics: map[string]float64{"ops_per_sec": 100}}, 1))
	require.NoError(t, s.Append(testSpec(4), trial.Result{Metrics: map[string]float64{"ops_per_sec": 200}}, 2))
	assert.Equal(t, 2, exports)
}
