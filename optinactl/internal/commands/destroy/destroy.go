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

// Package destroy implements the infrastructure teardown command.
package destroy

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/damir-manapov/optina-optimisations/internal/infra"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commander"
)

// Options is the configuration for tearing down study infrastructure.
type Options struct {
	*commander.Globals
	commander.IOStreams

	Cloud string
}

// NewCommand creates a new command for destroying study infrastructure.
func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "destroy",
		Short:  "Destroy all study infrastructure on a cloud",
		PreRun: commander.StreamsPreRun(&o.IOStreams),
		RunE:   commander.WithContextE(o.destroy),
	}

	cmd.Flags().StringVar(&o.Cloud, "cloud", "", "Cloud provider to tear down.")

	_ = cmd.MarkFlagRequired("cloud")
	return cmd
}

func (o *Options) destroy(ctx context.Context) error {
	log := o.NewLogger()
	defer func() { _ = log.Sync() }()

	tf, err := infra.NewTerraform(ctx, o.Config.TerraformDirFor(o.Cloud), o.Config.TerraformPath, log.Named("terraform"))
	if err != nil {
		return err
	}
	if err := tf.Destroy(ctx, nil); err != nil {
		return err
	}
	fmt.Fprintf(o.Out, "Destroyed all infrastructure on %s.\n", o.Cloud)
	return nil
}
