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

// Package migrate implements the spine migrate command.
package migrate

import (
	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/storage"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or update the core_* tables in the configured database.

Safe to run repeatedly: migrations are idempotent. spined applies them
on startup by default; this command exists for operators who disable
migrate_on_start or want to prepare a database ahead of a deploy.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return shared.NewConfigError("loading configuration", err)
	}

	// Open directly rather than through OpenRuntime: migrate must run
	// even when migrate_on_start is disabled.
	repo, err := storage.Open(cmd.Context(), cfg.Storage, shared.NewLogger())
	if err != nil {
		return shared.NewConfigError("connecting to storage", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return shared.NewConfigError("applying migrations", err)
	}

	cmd.Printf("Migrations applied to %s (%s)\n", cfg.Storage.MaskedDatabaseURL(), repo.Backend())
	return nil
}
