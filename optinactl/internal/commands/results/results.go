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

// Package results implements the recorded-results command.
package results

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/report"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commander"
)

// Options is the configuration for displaying recorded results.
type Options struct {
	*commander.Globals
	commander.IOStreams

	ServiceName string
	Cloud       string
	Metric      string
	ExportMD    bool
}

// NewCommand creates a new command for displaying recorded results.
func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "results SERVICE",
		Short:  "Display recorded study results",
		Args:   cobra.ExactArgs(1),
		PreRun: commander.StreamsPreRun(&o.IOStreams),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.ServiceName = args[0]
			return o.results(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&o.Cloud, "cloud", "", "Cloud provider the results were recorded on.")
	cmd.Flags().StringVar(&o.Metric, "metric", "", "Metric to rank by; defaults to the service's primary metric.")
	cmd.Flags().BoolVar(&o.ExportMD, "export-md", false, "Export to markdown instead of printing a table.")

	_ = cmd.MarkFlagRequired("cloud")
	return cmd
}

func (o *Options) results(_ context.Context) error {
	svc, err := service.Lookup(o.ServiceName)
	if err != nil {
		return err
	}
	if o.Metric == "" {
		o.Metric = service.DefaultMetric(svc)
	}
	if _, err := service.MetricFor(svc, o.Metric); err != nil {
		return err
	}

	store, err := cache.Open(o.Config.ResultsDir, svc.Name(), o.Metric)
	if err != nil {
		return err
	}
	records, err := store.Records()
	if err != nil {
		return err
	}

	rep := &report.Report{Service: svc, Cloud: o.Cloud, Metric: o.Metric}
	if o.ExportMD {
		if err := rep.ExportMarkdown(o.Config.ResultsDir, records); err != nil {
			return err
		}
		fmt.Fprintf(o.Out, "Results exported to %s\n", report.ExportPath(o.Config.ResultsDir, o.Cloud))
		return nil
	}
	return rep.WriteTable(o.Out, records)
}
