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

package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"
	"go.uber.org/zap"
)

// Terraform is the declarative boundary the broker drives: apply a spec,
// read current output values, destroy. All operations are idempotent at the
// terraform level.
type Terraform interface {
	Apply(ctx context.Context, vars map[string]string) error
	Destroy(ctx context.Context, vars map[string]string) error
	Output(ctx context.Context) (Outputs, error)
	// ClearState removes local state, used to recover from state that
	// refers to resources deleted out of band.
	ClearState() error
}

// Outputs are terraform output values flattened to strings.
type Outputs map[string]string

// Get returns an output value, or empty when absent.
func (o Outputs) Get(name string) string { return o[name] }

// execTerraform runs the terraform CLI in a fixed working directory.
type execTerraform struct {
	tf  *tfexec.Terraform
	dir string
	log *zap.Logger
}

// NewTerraform builds the terraform boundary for a working directory,
// initializing it on first use.
func NewTerraform(ctx context.Context, workingDir, execPath string, log *zap.Logger) (Terraform, error) {
	if log == nil {
		log = zap.NewNop()
	}
	tf, err := tfexec.NewTerraform(workingDir, execPath)
	if err != nil {
		return nil, fmt.Errorf("setting up terraform in %s: %w", workingDir, err)
	}

	if _, err := os.Stat(filepath.Join(workingDir, ".terraform")); os.IsNotExist(err) {
		log.Info("initializing terraform", zap.String("dir", workingDir))
		if err := tf.Init(ctx); err != nil {
			return nil, fmt.Errorf("terraform init: %w", err)
		}
	}

	return &execTerraform{tf: tf, dir: workingDir, log: log}, nil
}

// varOptions encodes vars deterministically; map order must not influence
// the generated command line.
func varOptions(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	opts := make([]string, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, k+"="+vars[k])
	}
	return opts
}

func (t *execTerraform) Apply(ctx context.Context, vars map[string]string) error {
	opts := make([]tfexec.ApplyOption, 0, len(vars))
	for _, v := range varOptions(vars) {
		opts = append(opts, tfexec.Var(v))
	}
	if err := t.tf.Apply(ctx, opts...); err != nil {
		return fmt.Errorf("terraform apply: %w", err)
	}
	return nil
}

func (t *execTerraform) Destroy(ctx context.Context, vars map[string]string) error {
	opts := make([]tfexec.DestroyOption, 0, len(vars))
	for _, v := range varOptions(vars) {
		opts = append(opts, tfexec.Var(v))
	}
	if err := t.tf.Destroy(ctx, opts...); err != nil {
		return fmt.Errorf("terraform destroy: %w", err)
	}
	return nil
}

func (t *execTerraform) Output(ctx context.Context) (Outputs, error) {
	metas, err := t.tf.Output(ctx)
	if err != nil {
		return nil, fmt.Errorf("terraform output: %w", err)
	}
	out := make(Outputs, len(metas))
	for name, meta := range metas {
		out[name] = decodeOutput(meta.Value)
	}
	return out, nil
}

// decodeOutput flattens a terraform output value to its string form.
func decodeOutput(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

func (t *execTerraform) ClearState() error {
	for _, name := range []string{"terraform.tfstate", "terraform.tfstate.backup"} {
		path := filepath.Join(t.dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale state %s: %w", path, err)
		}
		t.log.Info("removed stale terraform state", zap.String("path", path))
	}
	return nil
}

// IsStaleState reports whether an apply failure indicates local state
// referring to resources that no longer exist on the cloud.
func IsStaleState(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
