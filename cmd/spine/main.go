// Copyright 2025 the Spine Authors
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

package main

import (
	"github.com/spine-io/spine/internal/cli"
	"github.com/spine-io/spine/internal/commands/completion"
	configcmd "github.com/spine-io/spine/internal/commands/config"
	"github.com/spine-io/spine/internal/commands/executions"
	"github.com/spine-io/spine/internal/commands/migrate"
	"github.com/spine-io/spine/internal/commands/pipelines"
	"github.com/spine-io/spine/internal/commands/submit"
	versioncmd "github.com/spine-io/spine/internal/commands/version"
	workflowcmd "github.com/spine-io/spine/internal/commands/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	// Configuration and database management
	rootCmd.AddCommand(configcmd.NewConfigCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())

	// Execution commands
	rootCmd.AddCommand(submit.NewSubmitCommand())
	rootCmd.AddCommand(pipelines.NewPipelinesCommand())
	rootCmd.AddCommand(executions.NewExecutionsCommand())

	// Workflow commands
	rootCmd.AddCommand(workflowcmd.NewWorkflowCommand())

	// Version and shell completion
	rootCmd.AddCommand(versioncmd.NewVersionCommand())
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
