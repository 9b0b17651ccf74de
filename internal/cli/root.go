// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/flowtrace/internal/commands/replay"
	"github.com/tombee/flowtrace/internal/commands/shared"
	"github.com/tombee/flowtrace/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowtrace",
		Short: "flowtrace - OpenTelemetry tracing for integration flows",
		Long: `flowtrace correlates host lifecycle notifications of integration flows
into OpenTelemetry traces: one trace per transaction, one span per traced
processing step.

Run 'flowtrace replay FILE' to feed a recorded notification stream through
the tracing engine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/flowtrace/config.yaml)")

	replayCmd := replay.NewCommand()
	replayCmd.Annotations = map[string]string{"group": "tracing"}
	versionCmd := version.NewVersionCommand()
	versionCmd.Annotations = map[string]string{"group": "info"}

	cmd.AddCommand(replayCmd, versionCmd)
	cmd.SetHelpCommand(NewHelpCommand(cmd))
	cmd.InitDefaultHelpCmd()
	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
