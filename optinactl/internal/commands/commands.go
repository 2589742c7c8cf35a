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

package commands

import (
	"github.com/spf13/cobra"

	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commander"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commands/destroy"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commands/results"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commands/run"
	"github.com/damir-manapov/optina-optimisations/optinactl/internal/commands/version"
)

// NewOptinactlCommand creates a new top-level optinactl command
func NewOptinactlCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "optinactl",
		Short:             "Cloud service benchmark optimization",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	// Create the global configuration
	g := &commander.Globals{}
	rootCmd.PersistentFlags().StringVar(&g.ConfigFile, "optinaconfig", "", "Path to the optina config file to use.")
	rootCmd.PersistentFlags().BoolVar(&g.Verbose, "v", false, "Enable verbose logging.")
	_ = rootCmd.MarkFlagFilename("optinaconfig")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error { return g.Load() }

	rootCmd.AddCommand(run.NewCommand(&run.Options{Globals: g}))
	rootCmd.AddCommand(results.NewCommand(&results.Options{Globals: g}))
	rootCmd.AddCommand(destroy.NewCommand(&destroy.Options{Globals: g}))
	rootCmd.AddCommand(version.NewCommand(&version.Options{}))

	return rootCmd
}
