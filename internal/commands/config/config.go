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

// Package config implements the spine config command.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/config"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and validate configuration",
		Long: `View and validate Spine configuration.

Configuration resolves in three layers: built-in defaults, the YAML
file named by --config (when given), and SPINE_* environment
variables, which win.

Subcommands:
  show     - Display the resolved configuration
  validate - Check a configuration file and the environment`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigValidateCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runConfigShow(cmd, args)
	}

	return cmd
}

// newConfigShowCommand creates the 'config show' subcommand
func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the resolved configuration",
		Long: `Display the effective configuration after defaults, the config
file, and SPINE_* environment overrides have been applied.

Database connection passwords are masked. Use --json for
machine-readable output.`,
		Args: cobra.NoArgs,
		RunE: runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return shared.NewConfigError("loading configuration", err)
	}
	cfg.Storage.DatabaseURL = cfg.Storage.MaskedDatabaseURL()

	if shared.GetJSON() {
		return writeJSON(cmd, cfg)
	}

	if path := shared.GetConfigPath(); path != "" {
		cmd.Printf("Configuration: %s (plus SPINE_* environment)\n\n", path)
	} else {
		cmd.Printf("Configuration: defaults plus SPINE_* environment\n\n")
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}

// writeJSON renders the config with its YAML field names, so JSON
// output uses the same keys a config file would.
func writeJSON(cmd *cobra.Command, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(tree)
}

// newConfigValidateCommand creates the 'config validate' subcommand
func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and the environment",
		Long: `Load the configuration the way spined would (defaults, then the
--config file, then SPINE_* environment variables) and report
whether the result is one the daemon can start with.

Exits 3 when the configuration is invalid.`,
		Example: `  # Validate the environment-only configuration
  spine config validate

  # Validate a deploy's config file
  spine --config deploy/spined.yaml config validate`,
		Args: cobra.NoArgs,
		RunE: runConfigValidate,
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()

	if shared.GetJSON() {
		result := map[string]any{"valid": err == nil}
		if err != nil {
			result["error"] = err.Error()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(result); encErr != nil {
			return encErr
		}
		if err != nil {
			return shared.NewConfigError("configuration invalid", err)
		}
		return nil
	}

	if err != nil {
		return shared.NewConfigError("configuration invalid", err)
	}

	summary := []string{
		fmt.Sprintf("backend=%s", cfg.Storage.Backend),
		fmt.Sprintf("workers=%d", cfg.Scheduler.Workers),
	}
	if cfg.Triggers.File.Enabled {
		summary = append(summary, "file-trigger=on")
	}
	if cfg.Triggers.Kafka.Enabled {
		summary = append(summary, "kafka-trigger=on")
	}
	cmd.Printf("Configuration valid (%s)\n", strings.Join(summary, ", "))
	return nil
}
