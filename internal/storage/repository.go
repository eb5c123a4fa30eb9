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

// Package storage provides the Repository: a dialect-aware wrapper around
// database/sql that every Spine component persists through. The Repository
// never interprets SQL; callers compose statements with dialect fragments
// and the Repository executes them verbatim.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/dialect"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/pkg/errors"
)

var (
	// ErrNoRows is returned by QueryOne when the query matches nothing.
	ErrNoRows = errors.New("no rows in result set")

	// ErrNotTime is returned by Row.Time for non-timestamp column values.
	ErrNotTime = errors.New("column value is not a timestamp")
)

// maxBindParams caps placeholders per statement. 999 is the historical
// SQLite floor and well under the PostgreSQL limit, so batch inserts
// chunk to it on both backends.
const maxBindParams = 999

// Querier is the query surface shared by Repository and Tx. Pipeline code
// accepts a Querier so the same body runs inside or outside a transaction.
type Querier interface {
	// Execute runs a statement and returns the affected row count.
	Execute(ctx context.Context, query string, args ...any) (int64, error)

	// Query runs a query and returns all rows, normalized.
	Query(ctx context.Context, query string, args ...any) ([]Row, error)

	// QueryOne runs a query expected to match at most one row.
	// Returns ErrNoRows when nothing matches.
	QueryOne(ctx context.Context, query string, args ...any) (Row, error)

	// Insert writes one row with a deterministic column order.
	Insert(ctx context.Context, table string, values map[string]any) (int64, error)

	// InsertMany writes rows in chunked multi-row statements. The column
	// set is the sorted union of all row keys; absent keys bind NULL.
	InsertMany(ctx context.Context, table string, rows []map[string]any) (int64, error)

	// Dialect exposes the SQL fragments for the connected backend.
	Dialect() dialect.Dialect

	// Ph returns n comma-joined placeholders for composing VALUES lists.
	Ph(n int) string
}

// executor is the subset of *sql.DB and *sql.Tx the shared helpers need.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Repository wraps a single logical connection pool plus the dialect for
// its backend. All core_* tables and domain output tables are reached
// through it.
type Repository struct {
	db      *sql.DB
	dialect dialect.Dialect
	backend string
	logger  *slog.Logger
}

var (
	_ Querier = (*Repository)(nil)
	_ Querier = (*Tx)(nil)
)

// Open connects to the configured backend and verifies the connection.
// Only sqlite and postgres have wired drivers; the remaining dialects
// emit SQL for external tooling but cannot be opened here.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "storage")

	d, err := dialect.Get(cfg.Backend)
	if err != nil {
		return nil, errors.NewConfig(errors.SubInvalid, "storage.backend",
			fmt.Sprintf("unknown dialect %q", cfg.Backend))
	}

	var driverName, connStr string
	switch cfg.Backend {
	case config.BackendSQLite:
		driverName = "sqlite"
		connStr = cfg.DatabaseURL
		if connStr != ":memory:" && !strings.Contains(connStr, "?") {
			// WAL mode allows concurrent readers alongside the writer.
			// Applied per connection, the way modernc.org/sqlite wants.
			connStr += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
		}
	case config.BackendPostgres:
		driverName = "postgres"
		connStr = cfg.DatabaseURL
	default:
		return nil, errors.NewConfig(errors.SubInvalid, "storage.backend",
			fmt.Sprintf("no driver wired for %q (sqlite and postgres are supported)", cfg.Backend))
	}

	db, err := sql.Open(driverName, connStr)
	if err != nil {
		return nil, errors.NewStorage(errors.SubDbConnection, "failed to open database", true, err)
	}

	if cfg.Backend == config.BackendSQLite && cfg.DatabaseURL == ":memory:" {
		// Every new connection to :memory: is a fresh empty database, so
		// the pool must hold exactly one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		if cfg.ConnMaxIdleTime > 0 {
			db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.NewStorage(errors.SubDbConnection, "failed to connect to database", true, err)
	}

	logger.Info("storage connected",
		slog.String("backend", cfg.Backend),
		slog.String("database_url", config.MaskDatabaseURL(cfg.DatabaseURL)))

	return &Repository{
		db:      db,
		dialect: d,
		backend: cfg.Backend,
		logger:  logger,
	}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Backend returns the configured backend name.
func (r *Repository) Backend() string {
	return r.backend
}

// Dialect returns the SQL fragment provider for the connected backend.
func (r *Repository) Dialect() dialect.Dialect {
	return r.dialect
}

// Ph returns n comma-joined placeholders.
func (r *Repository) Ph(n int) string {
	return r.dialect.Placeholders(n)
}

// Execute runs a statement outside any transaction.
func (r *Repository) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	return execute(ctx, r.db, r.logger, query, args)
}

// Query runs a query outside any transaction.
func (r *Repository) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, r.db, r.logger, query, args)
}

// QueryOne runs a single-row query outside any transaction.
func (r *Repository) QueryOne(ctx context.Context, query string, args ...any) (Row, error) {
	return queryOne(ctx, r.db, r.logger, query, args)
}

// Insert writes one row outside any transaction.
func (r *Repository) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	return insertRow(ctx, r.db, r.dialect, r.logger, table, values)
}

// InsertMany writes rows outside any transaction.
func (r *Repository) InsertMany(ctx context.Context, table string, rows []map[string]any) (int64, error) {
	return insertMany(ctx, r.db, r.dialect, r.logger, table, rows)
}

// Begin starts an explicit transaction. Callers own Commit/Rollback.
func (r *Repository) Begin(ctx context.Context) (*Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewStorage(errors.SubDbConnection, "failed to begin transaction", true, err)
	}
	return &Tx{tx: tx, dialect: r.dialect, logger: r.logger}, nil
}

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic. This is the per-step transaction boundary:
// multi-table updates within a step share one transaction, and nothing
// spans steps.
func (r *Repository) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := r.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("rollback failed", log.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// Tx is an open transaction with the same query surface as Repository.
type Tx struct {
	tx      *sql.Tx
	dialect dialect.Dialect
	logger  *slog.Logger
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errors.NewStorage(errors.SubDbConnection, "commit failed", true, err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit; the
// resulting ErrTxDone is swallowed.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return errors.NewStorage(errors.SubDbConnection, "rollback failed", true, err)
}

// Dialect returns the SQL fragment provider for the connected backend.
func (t *Tx) Dialect() dialect.Dialect {
	return t.dialect
}

// Ph returns n comma-joined placeholders.
func (t *Tx) Ph(n int) string {
	return t.dialect.Placeholders(n)
}

// Execute runs a statement inside the transaction.
func (t *Tx) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	return execute(ctx, t.tx, t.logger, query, args)
}

// Query runs a query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	return queryRows(ctx, t.tx, t.logger, query, args)
}

// QueryOne runs a single-row query inside the transaction.
func (t *Tx) QueryOne(ctx context.Context, query string, args ...any) (Row, error) {
	return queryOne(ctx, t.tx, t.logger, query, args)
}

// Insert writes one row inside the transaction.
func (t *Tx) Insert(ctx context.Context, table string, values map[string]any) (int64, error) {
	return insertRow(ctx, t.tx, t.dialect, t.logger, table, values)
}

// InsertMany writes rows inside the transaction.
func (t *Tx) InsertMany(ctx context.Context, table string, rows []map[string]any) (int64, error) {
	return insertMany(ctx, t.tx, t.dialect, t.logger, table, rows)
}

func execute(ctx context.Context, ex executor, logger *slog.Logger, query string, args []any) (int64, error) {
	log.Trace(logger, "sql execute", slog.String("query", query), slog.Int("args", len(args)))

	res, err := ex.ExecContext(ctx, query, normalizeArgs(args)...)
	if err != nil {
		return 0, classifyExecError(query, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers cannot report it; the statement itself succeeded.
		return 0, nil
	}
	return n, nil
}

func queryRows(ctx context.Context, ex executor, logger *slog.Logger, query string, args []any) ([]Row, error) {
	log.Trace(logger, "sql query", slog.String("query", query), slog.Int("args", len(args)))

	rows, err := ex.QueryContext(ctx, query, normalizeArgs(args)...)
	if err != nil {
		return nil, errors.NewQuery(fmt.Sprintf("query failed: %s", summarize(query)), false, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.NewQuery("failed to read result columns", false, err)
	}

	var result []Row
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.NewQuery("failed to scan row", false, err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewQuery("row iteration failed", true, err)
	}
	return result, nil
}

func queryOne(ctx context.Context, ex executor, logger *slog.Logger, query string, args []any) (Row, error) {
	rows, err := queryRows(ctx, ex, logger, query, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

func insertRow(ctx context.Context, ex executor, d dialect.Dialect, logger *slog.Logger, table string, values map[string]any) (int64, error) {
	if len(values) == 0 {
		return 0, errors.NewQuery("insert requires at least one column", false, nil)
	}

	// Sorted columns keep the rendered SQL deterministic for a given
	// value set, which makes statements cacheable and logs diffable.
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, 0, len(cols))
	for _, col := range cols {
		args = append(args, values[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), d.Placeholders(len(cols)))
	return execute(ctx, ex, logger, query, args)
}

func insertMany(ctx context.Context, ex executor, d dialect.Dialect, logger *slog.Logger, table string, rows []map[string]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	// Column set is the sorted union of all row keys so mixed-shape
	// batches bind deterministically; absent keys become NULL.
	colSet := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			colSet[col] = struct{}{}
		}
	}
	if len(colSet) == 0 {
		return 0, errors.NewQuery("insert requires at least one column", false, nil)
	}
	columns := make([]string, 0, len(colSet))
	for col := range colSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	chunkSize := maxBindParams / len(columns)
	if chunkSize < 1 {
		chunkSize = 1
	}

	var total int64
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(")
			for j := range columns {
				if j > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(d.Placeholder(len(args) + j + 1))
			}
			sb.WriteString(")")
			for _, col := range columns {
				args = append(args, row[col])
			}
		}

		n, err := execute(ctx, ex, logger, sb.String(), args)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// normalizeArgs converts time.Time bind values to the canonical string
// form so SQLite TEXT columns and PostgreSQL TIMESTAMPTZ columns store
// comparable values.
func normalizeArgs(args []any) []any {
	needsCopy := false
	for _, a := range args {
		if _, ok := a.(time.Time); ok {
			needsCopy = true
			break
		}
	}
	if !needsCopy {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			out[i] = FormatTime(t)
		} else {
			out[i] = a
		}
	}
	return out
}

// classifyExecError maps driver failures onto the error taxonomy.
// Uniqueness and constraint violations are integrity errors and never
// retryable; everything else is a query error.
func classifyExecError(query string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") ||
		strings.Contains(msg, "duplicate key") {
		return errors.NewStorage(errors.SubIntegrity,
			fmt.Sprintf("integrity violation: %s", summarize(query)), false, err)
	}
	return errors.NewQuery(fmt.Sprintf("statement failed: %s", summarize(query)), false, err)
}

// summarize trims a statement for error messages; full text is available
// at trace level.
func summarize(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 120 {
		return q[:117] + "..."
	}
	return q
}
