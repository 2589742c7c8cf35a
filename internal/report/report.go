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

// Package report renders study results: a ranked terminal table, best-by
// summaries and the markdown export written next to the result cache.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/pricing"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Report renders results for one service and cloud, ranked by the primary
// metric.
type Report struct {
	Service service.Service
	Cloud   string
	Metric  string
}

// Row is one successful trial prepared for rendering.
type Row struct {
	Trial      int
	Infra      trial.InfraConfig
	Config     trial.ServiceConfig
	Metrics    map[string]float64
	Value      float64
	Cost       float64
	Efficiency float64
}

// Summary formats a row's shape and settings compactly.
func (r *Row) Summary() string {
	var parts []string
	if r.Infra.Topology != "" {
		parts = append(parts, r.Infra.Topology)
	}
	shape := fmt.Sprintf("%d×%dcpu/%dgb", r.Infra.NodeCount(), r.Infra.CPU, r.Infra.RAMGB)
	parts = append(parts, shape)
	if r.Infra.DiskType != "" {
		parts = append(parts, fmt.Sprintf("%s/%dgb", r.Infra.DiskType, r.Infra.DiskSizeGB))
	}
	if r.Infra.DrivesPerNode > 1 {
		parts = append(parts, fmt.Sprintf("%d drives", r.Infra.DrivesPerNode))
	}

	keys := make([]string, 0, len(r.Config))
	for k := range r.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+r.Config[k])
	}
	return strings.Join(parts, " ")
}

// Rows converts usable records into rendering rows, best first.
func (r *Report) Rows(records []cache.Record) []Row {
	var rows []Row
	for i := range records {
		rec := &records[i]
		// The store holds every cloud; costing a foreign shape at this
		// cloud's rates would be nonsense.
		if rec.Cloud != r.Cloud {
			continue
		}
		if !rec.Usable(r.Metric) {
			continue
		}
		row := Row{
			Trial:   rec.Trial,
			Infra:   rec.Infra,
			Config:  rec.Config,
			Metrics: rec.Metrics,
			Value:   rec.Metrics[r.Metric],
		}
		if cost, err := pricing.MonthlyCost(r.Cloud, rec.Infra); err == nil {
			row.Cost, _ = cost.Float64()
		}
		if row.Cost > 0 {
			row.Efficiency = row.Value / row.Cost
		}
		rows = append(rows, row)
	}

	minimize := r.minimize()
	sort.SliceStable(rows, func(i, j int) bool {
		if minimize {
			return rows[i].Value < rows[j].Value
		}
		return rows[i].Value > rows[j].Value
	})
	return rows
}

func (r *Report) minimize() bool {
	if m, err := service.MetricFor(r.Service, r.Metric); err == nil {
		return m.Direction == service.Minimize
	}
	return false
}

func (r *Report) unit() string {
	if m, err := service.MetricFor(r.Service, r.Metric); err == nil {
		return m.Unit
	}
	return ""
}

// WriteTable renders the ranked results and best-by summaries.
func (r *Report) WriteTable(w io.Writer, records []cache.Record) error {
	rows := r.Rows(records)
	if len(rows) == 0 {
		_, err := fmt.Fprintf(w, "No results for %s on %s yet.\n", r.Service.Name(), r.Cloud)
		return err
	}

	fmt.Fprintf(w, "%s results on %s (%d trials, ranked by %s)\n\n",
		r.Service.Name(), r.Cloud, len(rows), r.Metric)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "#\t%s\t₽/mo\teff\tconfiguration\n", r.Metric)
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%.2f\t%.0f\t%.4f\t%s\n",
			row.Trial, row.Value, row.Cost, row.Efficiency, row.Summary())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	r.writeBest(w, rows)
	return nil
}

// writeBest prints one line per optimizable metric with the best row for it.
func (r *Report) writeBest(w io.Writer, rows []Row) {
	for _, m := range r.Service.Metrics() {
		best, ok := bestBy(rows, m)
		if !ok {
			continue
		}
		value := best.Metrics[m.Name]
		if m.Name == "cost_efficiency" {
			value = best.Efficiency
		}
		fmt.Fprintf(w, "Best by %s:\t%.2f %s\t[%s]\n", m.Name, value, m.Unit, best.Summary())
	}
}

func bestBy(rows []Row, m service.Metric) (Row, bool) {
	var best Row
	found := false
	for _, row := range rows {
		v, ok := row.Metrics[m.Name]
		if m.Name == "cost_efficiency" {
			v, ok = row.Efficiency, row.Efficiency > 0
		}
		if !ok {
			continue
		}
		if !found ||
			(m.Direction == service.Minimize && v < bestValue(best, m)) ||
			(m.Direction != service.Minimize && v > bestValue(best, m)) {
			best = row
			found = true
		}
	}
	return best, found
}

func bestValue(row Row, m service.Metric) float64 {
	if m.Name == "cost_efficiency" {
		return row.Efficiency
	}
	return row.Metrics[m.Name]
}

// Markdown renders the results document exported after every trial.
func (r *Report) Markdown(records []cache.Record) string {
	rows := r.Rows(records)

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s benchmark results — %s\n\n", r.Service.Name(), r.Cloud)
	if len(rows) == 0 {
		sb.WriteString("No results yet.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "| # | %s (%s) | ₽/mo | Efficiency | Configuration |\n", r.Metric, r.unit())
	sb.WriteString("|---|---|---|---|---|\n")
	for _, row := range rows {
		fmt.Fprintf(&sb, "| %d | %.2f | %.0f | %.4f | `%s` |\n",
			row.Trial, row.Value, row.Cost, row.Efficiency, row.Summary())
	}

	sb.WriteString("\n")
	for _, m := range r.Service.Metrics() {
		best, ok := bestBy(rows, m)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- **Best by %s:** %.2f %s — `%s`\n",
			m.Name, bestValue(best, m), m.Unit, best.Summary())
	}
	return sb.String()
}

// ExportPath is where the markdown export for a cloud lands.
func ExportPath(dir, cloud string) string {
	return filepath.Join(dir, "RESULTS_"+strings.ToUpper(cloud)+".md")
}

// ExportMarkdown writes the markdown document for the given records. Wired
// as the cache's post-append hook.
func (r *Report) ExportMarkdown(dir string, records []cache.Record) error {
	return os.WriteFile(ExportPath(dir, r.Cloud), []byte(r.Markdown(records)), 0o644)
}
