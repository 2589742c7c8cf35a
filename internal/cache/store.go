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

// Package cache persists trial results as an append-only sequence of JSON
// records and answers exact-match lookups so identical configurations are
// benchmarked at most once per study lifetime, across process restarts.
package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Record is one persisted trial outcome. Failed trials are recorded too;
// they are simply never returned by Lookup, so a failed configuration will
// be retried rather than permanently poisoned.
type Record struct {
	ID        int                 `json:"id"`
	Trial     int                 `json:"trial"`
	Timestamp time.Time           `json:"timestamp"`
	Service   string              `json:"service"`
	Cloud     string              `json:"cloud"`
	Mode      string              `json:"mode,omitempty"`
	Login     string              `json:"login,omitempty"`
	Infra     trial.InfraConfig   `json:"infra"`
	Config    trial.ServiceConfig `json:"config"`
	Metrics   map[string]float64  `json:"metrics,omitempty"`
	Timings   trial.Timings       `json:"timings"`
	Error     *trial.Error        `json:"error,omitempty"`
}

// Spec reconstructs the trial spec this record was produced from.
func (r *Record) Spec() trial.Spec {
	return trial.Spec{Service: r.Service, Cloud: r.Cloud, Infra: r.Infra, Config: r.Config}
}

// Usable reports whether the record may satisfy a cache lookup.
func (r *Record) Usable(primaryMetric string) bool {
	return r.Error == nil && r.Metrics[primaryMetric] > 0
}

// CorruptRecordError reports a malformed persisted record. Reads skip and
// count these; they never abort loading the rest of the file, so a process
// killed mid-write cannot poison the cache.
type CorruptRecordError struct {
	Line int
	Err  error
}

func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("corrupt cache record at line %d: %v", e.Line, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// Store is the append-only result store for one service. The backing file is
// the single shared mutable resource across trials and across repeated study
// invocations; every write goes through a temp file and an atomic rename so
// no reader can observe a half-written history.
type Store struct {
	path          string
	service       string
	primaryMetric string
	mode          string
	login         string
	log           *zap.Logger

	// exporter, when set, re-renders the current result set after every
	// append. Best effort: failures are logged and swallowed.
	exporter func(records []Record) error

	mu      sync.Mutex
	records []Record
	loaded  bool
}

// Option configures a Store.
type Option func(*Store)

// WithMode stamps the optimization mode on appended records.
func WithMode(mode string) Option { return func(s *Store) { s.mode = mode } }

// WithLogin stamps trial ownership on appended records.
func WithLogin(login string) Option { return func(s *Store) { s.login = login } }

// WithLogger sets the store logger.
func WithLogger(log *zap.Logger) Option { return func(s *Store) { s.log = log } }

// WithExporter installs the best-effort post-append export hook.
func WithExporter(fn func(records []Record) error) Option {
	return func(s *Store) { s.exporter = fn }
}

// Open creates a store for the given service backed by
// {dir}/{service}-results.jsonl. The file does not need to exist yet.
func Open(dir, service, primaryMetric string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	s := &Store{
		path:          filepath.Join(dir, service+"-results.jsonl"),
		service:       service,
		primaryMetric: primaryMetric,
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// load reads the backing file, skipping corrupt lines. Records from crashed
// runs appear as a malformed trailing line and are tolerated by design.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	s.records = nil
	s.loaded = true

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening result cache: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			cerr := &CorruptRecordError{Line: line, Err: err}
			s.log.Warn("skipping corrupt cache record", zap.String("path", s.path), zap.Error(cerr))
			continue
		}
		if rec.Service != "" && rec.Service != s.service {
			continue
		}
		s.records = append(s.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading result cache: %w", err)
	}
	return nil
}

// Records returns a snapshot of all loaded records.
func (s *Store) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// Lookup returns the latest usable result recorded for the spec's cache key.
// Failed or zero-metric records never satisfy a lookup.
func (s *Store) Lookup(spec trial.Spec) (trial.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		s.log.Warn("cache lookup degraded to miss", zap.Error(err))
		return trial.Result{}, false
	}

	key := Key(spec)
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := &s.records[i]
		if !rec.Usable(s.primaryMetric) {
			continue
		}
		if Key(rec.Spec()) != key {
			continue
		}
		return trial.Result{Metrics: rec.Metrics, Timings: rec.Timings}, true
	}
	return trial.Result{}, false
}

// Append durably records a terminal trial result. History is never
// overwritten: the new record is added after everything already on disk,
// including records written by other processes since our last read.
func (s *Store) Append(spec trial.Spec, res trial.Result, number int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read so appends from other invocations are preserved.
	s.loaded = false
	if err := s.load(); err != nil {
		return err
	}

	rec := Record{
		ID:        s.nextID(),
		Trial:     number,
		Timestamp: time.Now().UTC(),
		Service:   s.service,
		Cloud:     spec.Cloud,
		Mode:      s.mode,
		Login:     s.login,
		Infra:     spec.Infra,
		Config:    spec.Config,
		Metrics:   res.Metrics,
		Timings:   res.Timings,
		Error:     res.Error,
	}
	s.records = append(s.records, rec)

	if err := s.flush(); err != nil {
		return err
	}

	if s.exporter != nil {
		if err := s.exporter(s.records); err != nil {
			s.log.Warn("result export failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Store) nextID() int {
	max := 0
	for i := range s.records {
		if s.records[i].ID > max {
			max = s.records[i].ID
		}
	}
	return max + 1
}

// flush writes the full record sequence to a temp file and renames it over
// the store path.
func (s *Store) flush() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for i := range s.records {
		if err := enc.Encode(&s.records[i]); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding cache record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing result cache: %w", err)
	}
	return nil
}
