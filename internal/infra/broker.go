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

// Package infra owns deployment lifecycle. It treats terraform as the source
// of truth for what exists and verifies reachability before trusting it.
// There is no in-place resize path: a deployment either matches the requested
// shape exactly and is reused, or it is destroyed and recreated.
package infra

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/damir-manapov/optina-optimisations/internal/remote"
	"github.com/damir-manapov/optina-optimisations/internal/trial"
)

// Terraform output names every service module is expected to expose. The
// service_* spec outputs echo back the variables the deployment was created
// with so a fresh process can recover the live shape without local state.
const (
	outServiceAddr   = "service_addr"
	outBenchmarkAddr = "benchmark_addr"

	outCPU           = "service_cpu"
	outRAMGB         = "service_ram_gb"
	outDiskType      = "service_disk_type"
	outDiskSizeGB    = "service_disk_size_gb"
	outNodes         = "service_nodes"
	outDrivesPerNode = "service_drives_per_node"
	outTopology      = "service_topology"
)

// readyMarker is written by cloud-init as its last step on every VM image we
// deploy.
const readyMarker = "test -f /root/cloud-init-ready"

const (
	defaultReadyTimeout = 10 * time.Minute
	// destroySettle gives the cloud API time to release resources before the
	// follow-up apply; both supported providers intermittently report name
	// conflicts without it.
	destroySettle = 10 * time.Second
)

// Remote probes and runs commands on deployment VMs.
type Remote interface {
	Run(ctx context.Context, addr, command string, timeout time.Duration) (remote.ExecResult, error)
	Reachable(ctx context.Context, addr string) bool
}

// Deployment is a live, verified service deployment.
type Deployment struct {
	Infra     trial.InfraConfig
	Endpoints trial.Endpoints
}

// Broker ensures deployments exist in the requested shape. It implements
// trial.Broker. Not safe for concurrent use; trials are sequential.
type Broker struct {
	tf     Terraform
	remote Remote

	// vars renders an infrastructure shape into terraform variables. The
	// enabled flag toggles the service nodes on and off; the benchmark VM
	// is controlled independently and survives enabled=false.
	vars func(infra trial.InfraConfig, enabled bool) map[string]string

	// benchInstall provisions benchmark tooling on a freshly created
	// benchmark VM. Empty means the image already carries the tools.
	benchInstall string

	readyTimeout time.Duration
	settle       time.Duration
	log          *zap.Logger

	current *Deployment
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithReadyTimeout bounds how long Ensure waits for VMs to finish cloud-init.
func WithReadyTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) { b.readyTimeout = d }
}

// WithBenchInstall sets the command run once on a newly created benchmark VM.
func WithBenchInstall(cmd string) BrokerOption {
	return func(b *Broker) { b.benchInstall = cmd }
}

// WithBrokerLogger sets the broker logger.
func WithBrokerLogger(log *zap.Logger) BrokerOption {
	return func(b *Broker) { b.log = log }
}

// NewBroker builds a broker over a terraform working directory. The vars
// function comes from the service plugin; it is the only service-specific
// piece of the lifecycle.
func NewBroker(tf Terraform, rmt Remote, vars func(trial.InfraConfig, bool) map[string]string, opts ...BrokerOption) *Broker {
	b := &Broker{
		tf:           tf,
		remote:       rmt,
		vars:         vars,
		readyTimeout: defaultReadyTimeout,
		settle:       destroySettle,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ensure makes a reachable deployment with exactly the requested shape exist
// and returns its endpoints. A live deployment whose reported shape matches
// exactly is reused as is; any mismatch destroys and recreates, because
// volumes cannot be resized in place on the supported clouds. All failures
// are returned as provisioning errors, which prune the trial rather than
// aborting the study.
func (b *Broker) Ensure(ctx context.Context, cloud string, infra trial.InfraConfig) (trial.Endpoints, error) {
	log := b.log.With(zap.String("cloud", cloud))

	d := b.current
	if d == nil {
		d = b.fromState(ctx)
	}
	if d != nil && !b.remote.Reachable(ctx, d.Endpoints.ServiceAddr) {
		log.Warn("recorded deployment unreachable, treating as absent",
			zap.String("addr", d.Endpoints.ServiceAddr))
		d = nil
	}
	if d != nil && d.Infra == infra {
		log.Info("reusing live deployment", zap.String("addr", d.Endpoints.ServiceAddr))
		b.current = d
		return d.Endpoints, nil
	}

	if d != nil {
		log.Info("deployment shape changed, recreating")
	}
	if err := b.Destroy(ctx); err != nil {
		// Destroy is best effort; the apply below surfaces real problems.
		log.Warn("destroying previous deployment failed", zap.Error(err))
	}
	b.current = nil
	sleepCtx(ctx, b.settle)

	log.Info("creating deployment",
		zap.Int("cpu", infra.CPU), zap.Int("ram_gb", infra.RAMGB), zap.Int("nodes", infra.NodeCount()))
	if err := b.apply(ctx, b.vars(infra, true)); err != nil {
		return trial.Endpoints{}, trial.NewError(trial.ErrProvisioning, "creating deployment: %v", err)
	}

	out, err := b.tf.Output(ctx)
	if err != nil {
		return trial.Endpoints{}, trial.NewError(trial.ErrProvisioning, "reading deployment outputs: %v", err)
	}
	eps := trial.Endpoints{ServiceAddr: out.Get(outServiceAddr), BenchAddr: out.Get(outBenchmarkAddr)}
	if eps.ServiceAddr == "" {
		return trial.Endpoints{}, trial.NewError(trial.ErrProvisioning, "deployment created but no service address returned")
	}

	if err := b.waitReady(ctx, eps.ServiceAddr); err != nil {
		return trial.Endpoints{}, trial.NewError(trial.ErrProvisioning, "deployment not ready: %v", err)
	}

	b.current = &Deployment{Infra: infra, Endpoints: eps}
	return eps, nil
}

// apply runs terraform apply, recovering once from state that refers to
// resources deleted out of band (a previous run's VMs removed through the
// cloud console).
func (b *Broker) apply(ctx context.Context, vars map[string]string) error {
	err := b.tf.Apply(ctx, vars)
	if err == nil || !IsStaleState(err) {
		return err
	}
	b.log.Warn("apply hit stale state, clearing and retrying", zap.Error(err))
	if cerr := b.tf.ClearState(); cerr != nil {
		return cerr
	}
	return b.tf.Apply(ctx, vars)
}

// fromState recovers a deployment recorded by a previous process from
// terraform outputs. Returns nil when no complete deployment is recorded.
func (b *Broker) fromState(ctx context.Context) *Deployment {
	out, err := b.tf.Output(ctx)
	if err != nil {
		b.log.Debug("no recoverable terraform state", zap.Error(err))
		return nil
	}
	addr := out.Get(outServiceAddr)
	if addr == "" {
		return nil
	}
	d := &Deployment{
		Infra: trial.InfraConfig{
			CPU:           atoi(out.Get(outCPU)),
			RAMGB:         atoi(out.Get(outRAMGB)),
			DiskType:      out.Get(outDiskType),
			DiskSizeGB:    atoi(out.Get(outDiskSizeGB)),
			Nodes:         atoi(out.Get(outNodes)),
			DrivesPerNode: atoi(out.Get(outDrivesPerNode)),
			Topology:      out.Get(outTopology),
		},
		Endpoints: trial.Endpoints{ServiceAddr: addr, BenchAddr: out.Get(outBenchmarkAddr)},
	}
	b.log.Info("recovered deployment from terraform state", zap.String("addr", addr))
	return d
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// waitReady blocks until the VM at addr has finished cloud-init, bounded by
// the ready timeout.
func (b *Broker) waitReady(ctx context.Context, addr string) error {
	start := time.Now()
	check := func() error {
		res, err := b.remote.Run(ctx, addr, readyMarker, 15*time.Second)
		if err != nil {
			b.log.Debug("ssh not ready yet", zap.String("addr", addr), zap.Error(err))
			return err
		}
		if res.ExitCode != 0 {
			b.log.Debug("cloud-init still running",
				zap.String("addr", addr), zap.Duration("elapsed", time.Since(start).Round(time.Second)))
			return errNotReady
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = b.readyTimeout

	if err := backoff.Retry(check, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}
	b.log.Info("vm ready", zap.String("addr", addr), zap.Duration("took", time.Since(start).Round(time.Second)))
	return nil
}

var errNotReady = backoffError("cloud-init marker not present")

type backoffError string

func (e backoffError) Error() string { return string(e) }

// EnsureBenchVM makes the persistent benchmark VM exist and returns its
// address. The VM is created with the service disabled and survives every
// service recreate; benchmark tooling is installed only on first creation.
func (b *Broker) EnsureBenchVM(ctx context.Context) (string, error) {
	if out, err := b.tf.Output(ctx); err == nil {
		if addr := out.Get(outBenchmarkAddr); addr != "" && b.remote.Reachable(ctx, addr) {
			b.log.Info("reusing benchmark vm", zap.String("addr", addr))
			return addr, nil
		}
	}

	b.log.Info("creating benchmark vm")
	if err := b.apply(ctx, b.vars(trial.InfraConfig{}, false)); err != nil {
		return "", trial.NewError(trial.ErrProvisioning, "creating benchmark vm: %v", err)
	}
	out, err := b.tf.Output(ctx)
	if err != nil {
		return "", trial.NewError(trial.ErrProvisioning, "reading benchmark vm outputs: %v", err)
	}
	addr := out.Get(outBenchmarkAddr)
	if addr == "" {
		return "", trial.NewError(trial.ErrProvisioning, "benchmark vm created but no address returned")
	}
	if err := b.waitReady(ctx, addr); err != nil {
		return "", trial.NewError(trial.ErrProvisioning, "benchmark vm not ready: %v", err)
	}

	if b.benchInstall != "" {
		b.log.Info("installing benchmark tooling", zap.String("addr", addr))
		res, err := b.remote.Run(ctx, addr, b.benchInstall, 10*time.Minute)
		if err != nil {
			return "", trial.NewError(trial.ErrProvisioning, "installing benchmark tooling: %v", err)
		}
		if res.ExitCode != 0 {
			b.log.Warn("benchmark tooling install exited non-zero, continuing",
				zap.Int("exit", res.ExitCode), zap.String("tail", tail(res.Output(), 500)))
		}
	}
	return addr, nil
}

// Destroy removes the service deployment but keeps the benchmark VM, by
// applying with the service disabled. Idempotent.
func (b *Broker) Destroy(ctx context.Context) error {
	b.current = nil
	return b.apply(ctx, b.vars(trial.InfraConfig{}, false))
}

// Teardown removes everything the broker manages, benchmark VM included.
func (b *Broker) Teardown(ctx context.Context) error {
	b.current = nil
	b.log.Info("destroying all infrastructure")
	return b.tf.Destroy(ctx, nil)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
