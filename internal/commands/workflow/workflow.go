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

// Package workflow implements the spine workflow command group.
package workflow

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/pkg/workflow"
)

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow definitions",
		Long: `Commands for running, validating, and inspecting YAML workflow
definitions.

Pipeline steps dispatch through the same machinery spined uses, so
every step leaves a tracked row in core_executions, and the run itself
persists to core_workflow_runs for later inspection and resume.`,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newRunsCommand())
	cmd.AddCommand(newShowCommand())

	return cmd
}

// loadDefinition reads and parses a workflow definition file.
// ParseDefinition validates structurally, so a non-nil return is
// runnable.
func loadDefinition(path string) (*workflow.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return workflow.ParseDefinition(data)
}
