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

// Package run implements the optimization study command.
package run

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/damir-manapov/optina-optimisations/internal/bench"
	"github.com/damir-manapov/optina-optimisations/internal/cache"
	"github.com/damir-manapov/optina-optimisations/internal/infra"
	"github.com/damir-manapov/optina-optimisations/internal/pricing"
	"github.com/damir-manapov/optina-optimisations/internal/remote"
	"github.com/damir-manapov/optina-optimisations/internal/report"
	"github.com/damir-manapov/optina-optimisations/internal/search"
	"github.com/damir-manapov/optina-optimisations/internal/service"
	"github.com/damir-manapov/optina-optimisations/internal/space"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commander"
)

// Options is the configuration for running an optimization study.
type Options struct {
	*commander.Globals
	commander.IOStreams

	ServiceName string
	Cloud       string
	Mode        string
	Metric      string
	Trials      int
	CPU         int
	RAM         int
	StudyName   string
	BenchVMIP   string
	Login       string
	NoDestroy   bool
	ShowResults bool
	ExportMD    bool
}

// NewCommand creates a new command for running studies.
func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run SERVICE",
		Short: "Run an optimization study",
		Long: "Run a sequential optimization study against a cloud, benchmarking one " +
			"suggested deployment at a time and recording every result durably.",
		Args:   cobra.ExactArgs(1),
		PreRun: commander.StreamsPreRun(&o.IOStreams),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.ServiceName = args[0]
			return o.run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&o.Cloud, "cloud", "", "Cloud provider to run against.")
	cmd.Flags().StringVar(&o.Mode, "mode", "full", "Which parameter tiers to vary; one of: infra|config|full.")
	cmd.Flags().StringVar(&o.Metric, "metric", "", "Objective metric; defaults to the service's primary metric.")
	cmd.Flags().IntVar(&o.Trials, "trials", 20, "Number of trials to run.")
	cmd.Flags().IntVar(&o.CPU, "cpu", 0, "Pin the CPU count when the infra tier is not varied.")
	cmd.Flags().IntVar(&o.RAM, "ram", 0, "Pin the RAM (GB) when the infra tier is not varied.")
	cmd.Flags().StringVar(&o.StudyName, "study-name", "", "Override the study name.")
	cmd.Flags().StringVar(&o.BenchVMIP, "benchmark-vm-ip", "", "Reuse an existing benchmark VM instead of creating one.")
	cmd.Flags().StringVar(&o.Login, "login", "", "Stamp trial ownership; defaults to the configured login.")
	cmd.Flags().BoolVar(&o.NoDestroy, "no-destroy", false, "Keep all infrastructure after the study.")
	cmd.Flags().BoolVar(&o.ShowResults, "show-results", false, "Show recorded results and exit without running trials.")
	cmd.Flags().BoolVar(&o.ExportMD, "export-md", false, "Export recorded results to markdown and exit.")

	_ = cmd.MarkFlagRequired("cloud")
	return cmd
}

func (o *Options) run(ctx context.Context) error {
	svc, err := service.Lookup(o.ServiceName)
	if err != nil {
		return err
	}
	if _, err := pricing.RatesFor(o.Cloud); err != nil {
		return err
	}
	mode, err := space.ParseMode(o.Mode)
	if err != nil {
		return err
	}
	if o.Metric == "" {
		o.Metric = service.DefaultMetric(svc)
	}
	if _, err := service.MetricFor(svc, o.Metric); err != nil {
		return err
	}
	if o.Login == "" {
		o.Login = o.Config.Login
	}

	log := o.NewLogger()
	defer func() { _ = log.Sync() }()

	rep := &report.Report{Service: svc, Cloud: o.Cloud, Metric: o.Metric}
	store, err := cache.Open(o.Config.ResultsDir, svc.Name(), o.Metric,
		cache.WithMode(string(mode)),
		cache.WithLogin(o.Login),
		cache.WithLogger(log.Named("cache")),
		cache.WithExporter(func(records []cache.Record) error {
			return rep.ExportMarkdown(o.Config.ResultsDir, records)
		}),
	)
	if err != nil {
		return err
	}

	if o.ShowResults || o.ExportMD {
		return o.existingResults(rep, store)
	}

	runner, err := remote.NewRunner(o.Config.SSHUser, o.Config.SSHKeyFile,
		remote.WithRunnerLogger(log.Named("ssh")))
	if err != nil {
		return err
	}

	tf, err := infra.NewTerraform(ctx, o.Config.TerraformDirFor(o.Cloud), o.Config.TerraformPath, log.Named("terraform"))
	if err != nil {
		return err
	}
	broker := infra.NewBroker(tf, runner, svc.TerraformVars,
		infra.WithBenchInstall(svc.BenchInstall()),
		infra.WithBrokerLogger(log.Named("broker")))

	benchAddr := o.BenchVMIP
	if benchAddr == "" {
		benchAddr, err = broker.EnsureBenchVM(ctx)
		if err != nil {
			return err
		}
	}
	// Service nodes only have internal addresses; everything hops through
	// the benchmark VM.
	runner.SetBastion(benchAddr)

	defer func() {
		if o.NoDestroy {
			fmt.Fprintln(o.Out, "--no-destroy specified, keeping infrastructure.")
			return
		}
		// The study context may already be canceled; teardown gets its own.
		if err := broker.Teardown(context.Background()); err != nil {
			log.Warn("teardown failed", zap.Error(err))
		}
	}()

	primary := service.DefaultMetric(svc)
	orch := &trial.Orchestrator{
		Cache:    store,
		Broker:   broker,
		Executor: &bench.Executor{Service: svc, Remote: runner, Log: log.Named("bench")},
		Enrich: func(spec trial.Spec, metrics map[string]float64) {
			if eff := pricing.CostEfficiency(o.Cloud, spec.Infra, metrics[primary]); eff > 0 {
				metrics["cost_efficiency"] = eff
			}
		},
		Log: log.Named("trial"),
	}

	driver := &search.Driver{
		Service:    svc,
		Cloud:      o.Cloud,
		Mode:       mode,
		Metric:     o.Metric,
		StudyName:  o.StudyName,
		FixedInfra: trial.InfraConfig{CPU: o.CPU, RAMGB: o.RAM},
		Runner:     orch,
		History:    store,
		Log:        log.Named("search"),
	}

	summary, err := driver.Run(ctx, o.Trials)
	if err != nil {
		return err
	}

	fmt.Fprintf(o.Out, "\nStudy %s finished: %d trials (%d replayed from cache), %d pruned, best %s = %.2f\n\n",
		summary.Name, summary.Trials, summary.Replayed, summary.Pruned, o.Metric, summary.BestValue)

	records, err := store.Records()
	if err != nil {
		return err
	}
	return rep.WriteTable(o.Out, records)
}

// existingResults serves --show-results and --export-md without touching any
// infrastructure.
func (o *Options) existingResults(rep *report.Report, store *cache.Store) error {
	records, err := store.Records()
	if err != nil {
		return err
	}
	if o.ExportMD {
		if err := rep.ExportMarkdown(o.Config.ResultsDir, records); err != nil {
			return err
		}
		fmt.Fprintf(o.Out, "Results exported to %s\n", report.ExportPath(o.Config.ResultsDir, o.Cloud))
		return nil
	}
	return rep.WriteTable(o.Out, records)
}
