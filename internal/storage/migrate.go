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

package storage

import (
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/pkg/errors"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrationsTable keeps migration bookkeeping in the core_* namespace.
const migrationsTable = "core_schema_migrations"

// Migrate applies all pending schema migrations for the connected
// backend. Applying an already-migrated schema is a no-op.
func (r *Repository) Migrate() error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+r.backend)
	if err != nil {
		return errors.NewConfig(errors.SubMissing, "migrations",
			fmt.Sprintf("no embedded migrations for backend %q", r.backend))
	}

	sourceDriver, err := iofs.New(sub, ".")
	if err != nil {
		return errors.Wrap(err, "failed to load embedded migrations")
	}

	var m *migrate.Migrate
	switch r.backend {
	case config.BackendSQLite:
		driver, err := migratesqlite.WithInstance(r.db, &migratesqlite.Config{
			MigrationsTable: migrationsTable,
		})
		if err != nil {
			return errors.NewStorage(errors.SubDbConnection, "failed to create sqlite migration driver", true, err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, r.backend, driver)
		if err != nil {
			return errors.Wrap(err, "failed to create migrate instance")
		}
	case config.BackendPostgres:
		driver, err := migratepg.WithInstance(r.db, &migratepg.Config{
			MigrationsTable: migrationsTable,
		})
		if err != nil {
			return errors.NewStorage(errors.SubDbConnection, "failed to create postgres migration driver", true, err)
		}
		m, err = migrate.NewWithInstance("iofs", sourceDriver, r.backend, driver)
		if err != nil {
			return errors.Wrap(err, "failed to create migrate instance")
		}
	default:
		return errors.NewConfig(errors.SubInvalid, "storage.backend",
			fmt.Sprintf("no migration driver for %q", r.backend))
	}

	m.Log = &migrateLogger{logger: r.logger}

	// The migrate instance borrows r.db; closing it would close the pool,
	// so it is left to be garbage collected.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.NewQuery("migration failed", false, err)
	}

	r.logger.Info("schema migrations applied", slog.String("backend", r.backend))
	return nil
}

// migrateLogger adapts slog to the migrate.Logger interface.
type migrateLogger struct {
	logger *slog.Logger
}

var (
	_ migrate.Logger = (*migrateLogger)(nil)
	_ io.Writer      = (*migrateLogger)(nil)
)

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf("migrate: "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

func (l *migrateLogger) Write(p []byte) (int, error) {
	l.logger.Info("migrate: " + string(p))
	return len(p), nil
}
