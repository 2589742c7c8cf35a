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

// Package version implements the version reporting command.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/damir-manapov/optina-optimisations/internal/version"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commander"
)

// Options is the configuration for reporting version information.
type Options struct {
	commander.IOStreams
}

// NewCommand creates a new command for reporting the version.
func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "version",
		Short:  "Print the version information",
		PreRun: commander.StreamsPreRun(&o.IOStreams),
		RunE:   commander.WithoutArgsE(o.version),
	}
	return cmd
}

func (o *Options) version() error {
	fmt.Fprintf(o.Out, "optinactl %s\n", version.GetInfo())
	return nil
}
